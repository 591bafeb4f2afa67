package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	natomic "github.com/natefinch/atomic"

	"github.com/nerrad567/graystore/internal/storage/migrate"
	"github.com/nerrad567/graystore/internal/storage/pool"
)

// legacyDirName is the pre-graystore storage directory, removed on reset.
const legacyDirName = "legacy-store"

// bootstrapQuery is the first schema read issued against a transferred
// database file. Its failure signature drives reload classification.
const bootstrapQuery = "SELECT name FROM sqlite_master WHERE type = 'table' LIMIT 1"

// ReloadOutcome classifies the result of reloading a transferred
// database.
type ReloadOutcome int

const (
	// ReloadSuccess means the transferred file migrated and reopened.
	ReloadSuccess ReloadOutcome = iota

	// ReloadRelaunchRequired means the known benign bootstrap failure was
	// detected; a full process restart is the safe remedy, not a crash.
	ReloadRelaunchRequired

	// ReloadFailedMigration means the transferred file could not be
	// brought to the current schema.
	ReloadFailedMigration

	// ReloadUnknownError covers every other failure.
	ReloadUnknownError
)

// String returns the outcome name used in logs and metrics.
func (o ReloadOutcome) String() string {
	switch o {
	case ReloadSuccess:
		return "success"
	case ReloadRelaunchRequired:
		return "relaunch_required"
	case ReloadFailedMigration:
		return "failed_migration"
	default:
		return "unknown_error"
	}
}

// ReloadResult carries the classified outcome of a reload attempt. Err is
// nil only for ReloadSuccess.
type ReloadResult struct {
	Outcome ReloadOutcome
	Err     error
}

// migrationMarker is the JSON payload of the migration failure marker
// file, consumed by corruption-detection tooling outside this process.
type migrationMarker struct {
	At    string `json:"at"`
	Error string `json:"error"`
}

// RunMigrations brings the main database to the current schema. Invoked
// once at startup, before the store serves traffic.
//
// If any migration ran, the pool is replaced so no connection prepared
// against the old schema survives, and completion fires after the reopen.
// If none ran, completion fires immediately. Either way completion is
// delivered on the store's single delivery goroutine, so callers never
// race the reopen. A migration failure raises the side-channel marker
// file and is fatal; completion does not fire.
func (s *Store) RunMigrations(ctx context.Context, completion func()) error {
	p, err := s.ensureOpen()
	if err != nil {
		return err
	}

	start := time.Now()
	didRun, err := migrate.Run(ctx, p)
	if err != nil {
		s.raiseMigrationMarker(err)
		return err
	}
	s.clearMigrationMarker()
	s.metrics.RecordMigration(didRun, time.Since(start))

	if didRun {
		if err := s.reopen(); err != nil {
			return err
		}
		s.logger.Info("migrations applied, pool reopened", "path", s.dbCfg.Path)
	}

	s.latchReady()
	s.enqueue(completion)
	return nil
}

// MigrationStatus reports applied and pending migrations for health
// checks and tooling.
func (s *Store) MigrationStatus(ctx context.Context) (applied []migrate.Record, pending []migrate.Migration, err error) {
	p, err := s.ensureOpen()
	if err != nil {
		return nil, nil, err
	}
	return migrate.Status(ctx, p)
}

// ReloadTransferredDatabase adopts a database file that an external
// transfer placed at the store's path. The transferred file is migrated
// (it may carry an older schema), the pool is replaced, and only then is
// the reload event fired so dependents rewarm against the new pool.
//
// Failures are classified into a bounded outcome set rather than one
// error type; see ReloadOutcome.
func (s *Store) ReloadTransferredDatabase(ctx context.Context) ReloadResult {
	result := s.reloadTransferred(ctx)
	s.metrics.RecordReload(result.Outcome.String())

	if result.Outcome == ReloadSuccess {
		s.logger.Info("storage reloaded after transfer", "path", s.dbCfg.Path)
		s.fireReload()
	} else {
		s.logger.Error("storage reload failed",
			"outcome", result.Outcome.String(),
			"error", result.Err,
		)
	}
	return result
}

// reloadTransferred runs the reload sequence: reopen over the new file,
// probe it, migrate it, reopen again if the schema changed.
func (s *Store) reloadTransferred(ctx context.Context) ReloadResult {
	if err := s.reopen(); err != nil {
		return classifyReloadError(err)
	}
	p, err := s.ensureOpen()
	if err != nil {
		return classifyReloadError(err)
	}
	if err := s.bootstrapProbe(ctx, p); err != nil {
		return classifyReloadError(err)
	}

	didRun, err := migrate.Run(ctx, p)
	if err != nil {
		s.raiseMigrationMarker(err)
		return classifyReloadError(err)
	}
	s.clearMigrationMarker()

	if didRun {
		if err := s.reopen(); err != nil {
			return classifyReloadError(err)
		}
	}

	s.latchReady()
	return ReloadResult{Outcome: ReloadSuccess}
}

// bootstrapProbe issues the known bootstrap query against the transferred
// file. An empty schema is fine; the probe only cares whether the file
// answers as a database.
func (s *Store) bootstrapProbe(ctx context.Context, p *pool.Pool) error {
	return p.Read(ctx, func(tx *sql.Tx) error {
		var name string
		err := tx.QueryRowContext(ctx, bootstrapQuery).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
}

// classifyReloadError maps a reload failure onto the bounded outcome set.
// The relaunch case matches one specific engine signature: SQLITE_NOTADB
// from the first reads against the swapped-in file, whether that is the
// reopen ping or the bootstrap probe. A transferred file whose header does
// not line up produces exactly this. The check is engine-specific and
// lives only here.
func classifyReloadError(err error) ReloadResult {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrNotADB {
		return ReloadResult{Outcome: ReloadRelaunchRequired, Err: err}
	}
	if errors.Is(err, migrate.ErrMigrationFailed) {
		return ReloadResult{Outcome: ReloadFailedMigration, Err: err}
	}
	return ReloadResult{Outcome: ReloadUnknownError, Err: err}
}

// OnReload registers a callback for the "storage did reload" event. It
// fires on the delivery goroutine after a successful transferred-database
// reload, once the new pool is in place.
func (s *Store) OnReload(fn func()) {
	if fn == nil {
		return
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	s.onReload = append(s.onReload, fn)
}

// fireReload enqueues every reload callback in registration order.
func (s *Store) fireReload() {
	s.reloadMu.Lock()
	callbacks := make([]func(), len(s.onReload))
	copy(callbacks, s.onReload)
	s.reloadMu.Unlock()

	for _, fn := range callbacks {
		s.enqueue(fn)
	}
}

// reopen replaces the pool: the old one is drained and released, a fresh
// one is opened against the same path and swapped in under the store
// mutex. Anything still holding the old pool gets its ErrClosed.
func (s *Store) reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if old := s.pool; old != nil {
		s.pool = nil
		if err := old.ReleaseAll(); err != nil {
			s.logger.Warn("releasing previous pool", "error", err)
		}
		// Ownership check: the drained pool should have no live
		// connections. A leak here is a bug in a caller that let a
		// transaction handle escape its scope; it never blocks the swap.
		stats := old.Stats()
		if n := stats.Read.OpenConnections + stats.Write.OpenConnections; n > 0 {
			s.logger.Warn("previous pool still has open connections after reopen",
				"connections", n,
			)
		}
	}

	p, err := s.openPoolLocked()
	if err != nil {
		return err
	}
	s.pool = p
	return nil
}

// ResetAllStorage deletes the database file, its WAL and shared-memory
// sidecars, the migration marker, the cross-process signal file and the
// legacy storage directory. Irreversible. Idempotent: missing files are
// fine. The pool, if open, is drained first; a later operation recreates
// a fresh, schema-current database.
func (s *Store) ResetAllStorage() error {
	s.mu.Lock()
	if s.pool != nil {
		if err := s.pool.ReleaseAll(); err != nil {
			s.logger.Warn("releasing pool for reset", "error", err)
		}
		s.pool = nil
	}
	s.mu.Unlock()

	base := s.dbCfg.Path
	for _, path := range []string{
		base,
		base + "-wal",
		base + "-shm",
		s.markerPath(),
		s.signalPath(),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("storage: removing %s: %w", path, err)
		}
	}

	legacy := filepath.Join(filepath.Dir(base), legacyDirName)
	if err := os.RemoveAll(legacy); err != nil {
		return fmt.Errorf("storage: removing %s: %w", legacy, err)
	}

	s.logger.Info("all storage reset", "path", base)
	return nil
}

// Close drains callbacks, releases the pool and stops the notifier. It
// is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	p := s.pool
	s.pool = nil
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	// Catch callbacks that raced the shutdown; anything enqueued after
	// this point runs inline from enqueue itself.
drain:
	for {
		select {
		case fn := <-s.completions:
			fn()
		default:
			break drain
		}
	}

	var firstErr error
	if p != nil {
		if err := p.ReleaseAll(); err != nil {
			firstErr = err
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// markerPath is where the migration failure marker lives.
func (s *Store) markerPath() string {
	return s.dbCfg.Path + ".migration-failed"
}

// raiseMigrationMarker writes the side-channel marker consumed by
// external corruption-detection tooling. Best effort; the migration
// error itself is already propagating.
func (s *Store) raiseMigrationMarker(cause error) {
	payload, err := json.Marshal(migrationMarker{
		At:    time.Now().UTC().Format(time.RFC3339),
		Error: cause.Error(),
	})
	if err != nil {
		return
	}
	if err := natomic.WriteFile(s.markerPath(), bytes.NewReader(payload)); err != nil {
		s.logger.Warn("raising migration failure marker", "error", err)
	}
}

// clearMigrationMarker removes the marker after a clean migration pass.
func (s *Store) clearMigrationMarker() {
	if err := os.Remove(s.markerPath()); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("clearing migration failure marker", "error", err)
	}
}

// deliveryLoop runs completion and reload callbacks one at a time, in
// enqueue order. On close it drains what was already queued, so an
// accepted callback is never lost.
func (s *Store) deliveryLoop() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.completions:
			fn()
		case <-s.done:
			for {
				select {
				case fn := <-s.completions:
					fn()
				default:
					return
				}
			}
		}
	}
}

// enqueue schedules a callback on the delivery goroutine. Nil callbacks
// are ignored; if the store is closing, the callback runs inline rather
// than being dropped.
func (s *Store) enqueue(fn func()) {
	if fn == nil {
		return
	}
	select {
	case s.completions <- fn:
	case <-s.done:
		fn()
	}
}
