package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/nerrad567/graystore/internal/infrastructure/config"
	"github.com/nerrad567/graystore/internal/infrastructure/logging"
	"github.com/nerrad567/graystore/internal/storage/notify"
	"github.com/nerrad567/graystore/internal/storage/observe"
	"github.com/nerrad567/graystore/internal/storage/pool"
)

// completionBuffer bounds how many callbacks can queue on the delivery
// goroutine before enqueueing blocks.
const completionBuffer = 16

// Coordinator reports whether the surrounding system has finished
// starting up. Until it does, committed change sets are dropped with a
// diagnostic instead of reaching observers.
type Coordinator interface {
	Ready() bool
}

// MetricsRecorder receives storage measurements. Implementations must be
// cheap and non-blocking; they run on the committing goroutine.
type MetricsRecorder interface {
	RecordWrite(elapsed time.Duration, touches int)
	RecordMigration(didRun bool, elapsed time.Duration)
	RecordReload(outcome string)
}

// noopMetrics discards all measurements.
type noopMetrics struct{}

func (noopMetrics) RecordWrite(time.Duration, int) {}

func (noopMetrics) RecordMigration(bool, time.Duration) {}

func (noopMetrics) RecordReload(string) {}

// Options configures a Store.
type Options struct {
	// Database is the pool configuration section.
	Database config.DatabaseConfig

	// Notifier is the cross-process signalling section.
	Notifier config.NotifierConfig

	// Coordinator gates observer delivery on system readiness. Required.
	Coordinator Coordinator

	// Logger receives storage diagnostics. Defaults to logging.Default().
	Logger *logging.Logger

	// Metrics receives storage measurements. Optional.
	Metrics MetricsRecorder
}

// Store is the transactional storage facade.
//
// All methods are safe for concurrent use. The pool is created lazily on
// first use and replaced wholesale on reopen; see the package
// documentation for the reopen discipline.
type Store struct {
	dbCfg       config.DatabaseConfig
	nCfg        config.NotifierConfig
	coordinator Coordinator
	logger      *logging.Logger
	metrics     MetricsRecorder

	mu     sync.Mutex
	pool   *pool.Pool
	closed bool

	registry *observe.Registry
	notifier *notify.Notifier

	reloadMu sync.Mutex
	onReload []func()

	completions chan func()
	done        chan struct{}
	wg          sync.WaitGroup
}

// New constructs a Store. The database file is not touched until the
// first operation; the cross-process watcher starts immediately when
// enabled so no sibling signal is missed.
func New(opts Options) (*Store, error) {
	if opts.Coordinator == nil {
		return nil, ErrCoordinatorRequired
	}
	if opts.Database.Path == "" {
		return nil, errors.New("storage: database path required")
	}

	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	s := &Store{
		dbCfg:       opts.Database,
		nCfg:        opts.Notifier,
		coordinator: opts.Coordinator,
		logger:      log.With("component", "storage"),
		metrics:     metrics,
		registry:    observe.NewRegistry(),
		completions: make(chan func(), completionBuffer),
		done:        make(chan struct{}),
	}
	s.registry.SetLogger(log.With("component", "observe"))

	if opts.Notifier.Enabled {
		n, err := notify.New(notify.Config{SignalPath: s.signalPath()})
		if err != nil {
			return nil, fmt.Errorf("storage: starting notifier: %w", err)
		}
		n.SetLogger(log.With("component", "notify"))
		s.notifier = n
	}

	s.wg.Add(1)
	go s.deliveryLoop()

	return s, nil
}

// Open creates the connection pool if it does not exist yet. It is
// idempotent; every transactional operation opens implicitly, so calling
// Open is only needed to surface open failures early.
func (s *Store) Open() error {
	_, err := s.ensureOpen()
	return err
}

// Read runs fn inside a read transaction. The transaction sees a
// consistent snapshot as of acquisition; concurrent writes never appear
// mid-transaction.
func (s *Store) Read(ctx context.Context, fn func(tx *sql.Tx) error) error {
	p, err := s.ensureOpen()
	if err != nil {
		return err
	}
	return p.Read(ctx, fn)
}

// Write runs fn inside the single writer transaction. On commit, touched
// entities are delivered to observers in registration order, strictly
// after the commit is durable, then sibling processes are signalled. On
// error or panic the transaction rolls back and nothing is delivered.
//
// The body must not call Write again on the same store; the writer slot
// is exclusive and the nested call would deadlock.
func (s *Store) Write(ctx context.Context, fn func(tx *WriteTx) error) error {
	p, err := s.ensureOpen()
	if err != nil {
		return err
	}

	changes := observe.NewChangeSet()
	start := time.Now()
	err = p.Write(ctx, func(tx *sql.Tx) error {
		return fn(&WriteTx{tx: tx, changes: changes})
	})
	if err != nil {
		return err
	}

	s.afterCommit(changes, time.Since(start))
	return nil
}

// afterCommit runs the post-commit pipeline: observer delivery, then the
// cross-process signal, then metrics.
func (s *Store) afterCommit(changes *observe.ChangeSet, elapsed time.Duration) {
	sealed := changes.Seal()

	s.latchReady()
	s.registry.Deliver(sealed)

	if s.notifier != nil {
		s.notifier.NotifyChangedAsync()
	}
	s.metrics.RecordWrite(elapsed, len(sealed))
}

// latchReady ends the registry's bootstrap window once the coordinator
// reports the system ready. The transition is one-way.
func (s *Store) latchReady() {
	if s.registry.Ready() {
		return
	}
	if s.coordinator.Ready() {
		s.registry.MarkReady()
	}
}

// AddObserver registers an in-process change observer. Observers are
// notified in registration order after every committed write.
func (s *Store) AddObserver(fn observe.ObserverFunc) observe.Handle {
	return s.registry.Append(fn)
}

// RemoveObserver deregisters an observer by handle.
func (s *Store) RemoveObserver(h observe.Handle) bool {
	return s.registry.Remove(h)
}

// SetReindexSink installs the search indexer callback. Reindex-flagged
// touches reach the sink separately from observer delivery.
func (s *Store) SetReindexSink(fn observe.ReindexFunc) {
	s.registry.SetReindexSink(fn)
}

// OnCrossProcessWrite registers the coalescing foreign-write callback:
// prompt while the process is active, deferred to one invocation per
// foreground transition otherwise. No-op when the notifier is disabled.
func (s *Store) OnCrossProcessWrite(fn func()) {
	if s.notifier == nil {
		return
	}
	s.notifier.OnChange(fn)
}

// OnCrossProcessWriteSync registers the always-on foreign-write callback.
// No-op when the notifier is disabled.
func (s *Store) OnCrossProcessWriteSync(fn func()) {
	if s.notifier == nil {
		return
	}
	s.notifier.OnChangeSync(fn)
}

// SetActive records foreground transitions for cross-process delivery.
// No-op when the notifier is disabled.
func (s *Store) SetActive(active bool) {
	if s.notifier == nil {
		return
	}
	s.notifier.SetActive(active)
}

// HealthCheck verifies the database answers a trivial read.
func (s *Store) HealthCheck(ctx context.Context) error {
	p, err := s.ensureOpen()
	if err != nil {
		return err
	}
	return p.HealthCheck(ctx)
}

// Stats reports connection statistics for the current pool.
func (s *Store) Stats() (pool.Stats, error) {
	p, err := s.ensureOpen()
	if err != nil {
		return pool.Stats{}, err
	}
	return p.Stats(), nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbCfg.Path
}

// ensureOpen returns the current pool, creating it on first use.
func (s *Store) ensureOpen() (*pool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.pool != nil {
		return s.pool, nil
	}

	p, err := s.openPoolLocked()
	if err != nil {
		return nil, err
	}
	s.pool = p
	return p, nil
}

// openPoolLocked opens a fresh pool from the database config. Callers
// hold s.mu.
func (s *Store) openPoolLocked() (*pool.Pool, error) {
	p, err := pool.Open(pool.Config{
		Path:        s.dbCfg.Path,
		BusyTimeout: time.Duration(s.dbCfg.BusyTimeoutMS) * time.Millisecond,
		MaxReaders:  s.dbCfg.MaxReaders,
		ForeignKeys: s.dbCfg.ForeignKeys,
	})
	if err != nil {
		return nil, err
	}
	p.SetLogger(s.logger.With("component", "pool"))
	return p, nil
}

// signalPath returns where the cross-process signal file lives: the
// configured notifier directory, or the database directory by default.
func (s *Store) signalPath() string {
	name := filepath.Base(s.dbCfg.Path) + ".signal"
	if s.nCfg.Dir != "" {
		return filepath.Join(s.nCfg.Dir, name)
	}
	return s.dbCfg.Path + ".signal"
}

// WriteTx is the handle a write-transaction body operates on. It wraps
// the writer connection's transaction and records the touch set delivered
// to observers after commit. A WriteTx is only valid inside its body and
// must not escape it.
type WriteTx struct {
	tx      *sql.Tx
	changes *observe.ChangeSet
}

// ExecContext executes a statement on the write transaction.
func (w *WriteTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return w.tx.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the write transaction.
func (w *WriteTx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return w.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the write transaction.
func (w *WriteTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return w.tx.QueryRowContext(ctx, query, args...)
}

// Touch records that this transaction changed an entity. Observers see
// touches in first-enqueue order after commit; setting reindex also
// forwards the entity to the search index sink.
func (w *WriteTx) Touch(kind, id string, reindex bool) {
	w.changes.Touch(kind, id, reindex)
}

// UpdateIDMapping records that an entity's identifier changed
// mid-transaction, e.g. from a provisional value to the final row id.
// Touches under the old identifier resolve to the new one at delivery.
func (w *WriteTx) UpdateIDMapping(kind, oldID, newID string) {
	w.changes.UpdateIDMapping(kind, oldID, newID)
}
