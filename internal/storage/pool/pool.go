package pool

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Pool configuration constants.
const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the database file.
	filePermissions = 0600

	// connectionTimeout is the timeout for verifying database connectivity.
	connectionTimeout = 5 * time.Second

	// defaultMaxReaders caps the reader pool when the config does not.
	defaultMaxReaders = 10

	// maxIdleReaders is how many reader connections are kept warm.
	maxIdleReaders = 5
)

// Config contains connection pool options.
// These map to the database section of config.yaml.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// The directory will be created if it doesn't exist.
	Path string

	// BusyTimeout is the maximum time a connection waits on a locked
	// database before failing. This matters across processes: sibling
	// processes writing the same file contend at the engine level.
	BusyTimeout time.Duration

	// MaxReaders caps the reader connection pool. Zero means the default.
	MaxReaders int

	// ForeignKeys enables foreign key enforcement on every connection.
	ForeignKeys bool
}

// Pool owns the connections to one database file: a reader pool that may
// serve many concurrent snapshots, and a single writer connection that
// serializes every mutation in the process.
//
// The pool is recreated, never mutated, when the store reopens after a
// migration or a file transfer. Callers hold transactions only inside the
// Read/Write scopes; connections never escape.
type Pool struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	closed  atomic.Bool

	logger Logger
}

// Stats is a snapshot of both underlying connection pools.
type Stats struct {
	Read  sql.DBStats
	Write sql.DBStats
}

// Open creates the reader and writer pools for the given database file.
//
// It performs the following setup:
//  1. Creates the database directory if it doesn't exist
//  2. Opens the writer pool (one connection, WAL, synchronous=NORMAL)
//  3. Verifies journal mode is WAL
//  4. Opens the reader pool (query_only connections)
//  5. Verifies readers cannot write
//  6. Tightens file permissions (0600)
//
// Open fails on file corruption, permission errors, or an incompatible
// file format; all failures wrap ErrOpenFailed.
func Open(cfg Config) (*Pool, error) {
	// Ensure directory exists
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("%w: creating database directory: %w", ErrOpenFailed, err)
	}

	maxReaders := cfg.MaxReaders
	if maxReaders <= 0 {
		maxReaders = defaultMaxReaders
	}

	writeDB, err := openWriter(cfg)
	if err != nil {
		return nil, err
	}

	readDB, err := openReaders(cfg, maxReaders)
	if err != nil {
		writeDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}

	// Set file permissions (owner read/write only)
	// Ignore error - file might not exist yet on first run, will be set after first write
	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // Intentional: first run creates file later

	return &Pool{
		writeDB: writeDB,
		readDB:  readDB,
		path:    cfg.Path,
		logger:  noopLogger{},
	}, nil
}

// openWriter opens the single-connection writer pool.
func openWriter(cfg Config) (*sql.DB, error) {
	// _txlock=immediate makes BEGIN take the write lock up front, so
	// contention with sibling processes surfaces at begin, under the
	// busy timeout, instead of mid-transaction.
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate",
		cfg.Path,
		cfg.BusyTimeout.Milliseconds(),
	)
	if cfg.ForeignKeys {
		connStr += "&_foreign_keys=on"
	}

	writeDB, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: opening writer: %w", ErrOpenFailed, err)
	}

	// Exactly one writer connection, kept for the pool's lifetime. Write
	// exclusivity and commit ordering both fall out of this pool size.
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	// Ping forces the DSN pragmas to run, which is where a corrupt or
	// non-database file fails.
	if err := writeDB.PingContext(ctx); err != nil {
		writeDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: verifying writer connection: %w", ErrOpenFailed, err)
	}

	var mode string
	if err := writeDB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		writeDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: reading journal mode: %w", ErrOpenFailed, err)
	}
	if mode != "wal" {
		writeDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: journal mode is %q, want wal", ErrOpenFailed, mode)
	}

	return writeDB, nil
}

// openReaders opens the reader pool with query_only connections.
func openReaders(cfg Config, maxReaders int) (*sql.DB, error) {
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_query_only=true",
		cfg.Path,
		cfg.BusyTimeout.Milliseconds(),
	)
	if cfg.ForeignKeys {
		connStr += "&_foreign_keys=on"
	}

	readDB, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: opening readers: %w", ErrOpenFailed, err)
	}

	readDB.SetMaxOpenConns(maxReaders)
	idle := maxIdleReaders
	if idle > maxReaders {
		idle = maxReaders
	}
	readDB.SetMaxIdleConns(idle)
	readDB.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := readDB.PingContext(ctx); err != nil {
		readDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: verifying reader connection: %w", ErrOpenFailed, err)
	}

	var queryOnly int
	if err := readDB.QueryRowContext(ctx, "PRAGMA query_only").Scan(&queryOnly); err != nil {
		readDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: reading query_only: %w", ErrOpenFailed, err)
	}
	if queryOnly != 1 {
		readDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: reader pool is not query_only", ErrOpenFailed)
	}

	return readDB, nil
}

// Read acquires a reader connection (blocking if all reader slots are in
// use), runs fn inside a read transaction, and releases the connection on
// every exit path.
//
// The WAL snapshot is pinned at acquisition: a concurrent commit is never
// visible to a transaction that began before it.
func (p *Pool) Read(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if p.closed.Load() {
		return ErrClosed
	}

	tx, err := p.readDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning read transaction: %w", err)
	}
	// Covers error returns and panics in fn; no-op after Commit.
	defer tx.Rollback() //nolint:errcheck // No-op if already finished

	// A deferred transaction takes its snapshot at the first read, not at
	// BEGIN. Touch the schema table so the snapshot is fixed here.
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		return fmt.Errorf("pinning read snapshot: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	// Commit releases the read lock; read transactions have nothing to
	// persist, so failures here are connection-level.
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finishing read transaction: %w", err)
	}
	return nil
}

// Write acquires the writer connection, exclusive of all other writers in
// the process (blocking until it is free), and runs fn inside a write
// transaction. A nil return commits; an error rolls back and propagates;
// a panic rolls back and re-panics.
//
// At most one write transaction is ever active process-wide. Commit order
// equals the order transactions were granted the writer connection.
// Calling Write from inside fn deadlocks; the slot is not reentrant.
func (p *Pool) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if p.closed.Load() {
		return ErrClosed
	}

	tx, err := p.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback() //nolint:errcheck // Best effort before re-panic
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w: rollback failed: %v (original error: %w)", ErrWriteFailed, rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrWriteFailed, err)
	}
	return nil
}

// ReleaseAll drains and closes both pools. Used before a reopen so no
// stale connection survives a migration; the pool cannot be reused after.
//
// After the drain, any connection still reported open is logged. That is a
// debugging aid for leaked handles, never a correctness dependency.
func (p *Pool) ReleaseAll() error {
	if p.closed.Swap(true) {
		return nil
	}

	if p.readDB != nil {
		if err := p.readDB.Close(); err != nil {
			return fmt.Errorf("closing reader pool: %w", err)
		}
	}
	if p.writeDB != nil {
		if err := p.writeDB.Close(); err != nil {
			return fmt.Errorf("closing writer pool: %w", err)
		}
	}

	if open := p.readDB.Stats().OpenConnections + p.writeDB.Stats().OpenConnections; open > 0 {
		p.logger.Warn("connections still open after drain",
			"path", p.path,
			"open", open,
		)
	}

	return nil
}

// Close is an alias for ReleaseAll, matching the usual closer shape.
func (p *Pool) Close() error {
	return p.ReleaseAll()
}

// Closed reports whether ReleaseAll has run.
func (p *Pool) Closed() bool {
	return p.closed.Load()
}

// Path returns the filesystem path to the database file.
func (p *Pool) Path() string {
	return p.path
}

// HealthCheck verifies the database is accessible and functioning.
// It performs a simple query on the reader pool.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (p *Pool) HealthCheck(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	var result int
	if err := p.readDB.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("pool health check failed: %w", err)
	}
	return nil
}

// Stats returns connection statistics for both pools.
// Useful for monitoring and debugging connection issues.
func (p *Pool) Stats() Stats {
	return Stats{
		Read:  p.readDB.Stats(),
		Write: p.writeDB.Stats(),
	}
}

// SetLogger sets a logger for drain diagnostics.
// If not set, diagnostics are silently dropped.
func (p *Pool) SetLogger(logger Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// Logger is the optional logging interface for pool diagnostics.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Warn(msg string, args ...any)
}

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}
