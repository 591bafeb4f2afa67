package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/nerrad567/graystore/internal/storage/pool"
)

// MigrationsFS should be set by the migrations package to embed
// migration files. This allows the migrations to be compiled into
// the binary.
//
// Usage in a migrations package:
//
//	//go:embed *.sql
//	var migrationsFS embed.FS
//
//	func init() {
//	    migrate.MigrationsFS = migrationsFS
//	    migrate.MigrationsDir = "."
//	}
var MigrationsFS embed.FS

// MigrationsDir is the directory within MigrationsFS containing
// migration files. Set to "." if files are at the root of the
// embedded filesystem.
var MigrationsDir = "migrations"

// createLedgerSQL creates the migration ledger. It runs inside the same
// transaction as the batch it records, so a rolled-back first batch
// leaves no ledger behind either.
const createLedgerSQL = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)
`

// Migration represents a single schema migration step.
type Migration struct {
	// Version is the migration version (extracted from the filename).
	// Format: YYYYMMDD_HHMMSS (e.g. 20250612_101500)
	Version string

	// Name is the human-readable migration name.
	Name string

	// UpSQL contains the SQL to apply this migration.
	UpSQL string

	// DownSQL contains the SQL to roll this migration back.
	DownSQL string
}

// Record represents a row in the schema_migrations ledger.
type Record struct {
	Version   string
	AppliedAt time.Time
}

// Run applies all pending migrations to the database behind p.
// Migrations are applied in version order (oldest first), every pending
// step and its ledger row inside one write transaction.
//
// If any step fails the entire batch rolls back: zero steps are
// recorded and the returned error wraps ErrMigrationFailed, naming the
// failing version. A database that is already up to date returns
// (false, nil) without ever opening a write transaction.
//
// Returns:
//   - didRun: true if at least one migration was applied and committed
//   - err: fatal; the caller should not serve traffic over this database
func Run(ctx context.Context, p *pool.Pool) (didRun bool, err error) {
	migrations, err := loadMigrations()
	if err != nil {
		return false, fmt.Errorf("%w: loading migrations: %w", ErrMigrationFailed, err)
	}
	if len(migrations) == 0 {
		return false, nil
	}

	applied, err := appliedRecords(ctx, p)
	if err != nil {
		return false, fmt.Errorf("%w: reading ledger: %w", ErrMigrationFailed, err)
	}

	pending := pendingMigrations(migrations, applied)
	if len(pending) == 0 {
		return false, nil
	}

	err = p.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, createLedgerSQL); err != nil {
			return fmt.Errorf("creating ledger table: %w", err)
		}
		for _, m := range pending {
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
				m.Version,
				time.Now().UTC().Format(time.RFC3339),
			); err != nil {
				return fmt.Errorf("recording migration %s: %w", m.Version, err)
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}

	return true, nil
}

// Down rolls back the most recent applied migration.
// This is primarily for development and testing.
func Down(ctx context.Context, p *pool.Pool) error {
	applied, err := appliedRecords(ctx, p)
	if err != nil {
		return fmt.Errorf("reading ledger: %w", err)
	}
	if len(applied) == 0 {
		return nil // Nothing to roll back.
	}
	latest := applied[len(applied)-1]

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	var migration *Migration
	for _, m := range migrations {
		if m.Version == latest.Version {
			migration = &m
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migrate: migration %s not found in filesystem", latest.Version)
	}
	if migration.DownSQL == "" {
		return fmt.Errorf("%w: %s", ErrNoDownSQL, migration.Version)
	}

	return p.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, migration.DownSQL); err != nil {
			return fmt.Errorf("executing down SQL for %s: %w", migration.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM schema_migrations WHERE version = ?",
			migration.Version,
		); err != nil {
			return fmt.Errorf("removing ledger row for %s: %w", migration.Version, err)
		}
		return nil
	})
}

// Status returns the current migration state.
// Useful for health checks and debugging.
//
// Returns:
//   - applied: ledger rows, oldest first
//   - pending: registered migrations not yet in the ledger, oldest first
func Status(ctx context.Context, p *pool.Pool) (applied []Record, pending []Migration, err error) {
	applied, err = appliedRecords(ctx, p)
	if err != nil {
		return nil, nil, err
	}

	migrations, err := loadMigrations()
	if err != nil {
		return nil, nil, err
	}

	return applied, pendingMigrations(migrations, applied), nil
}

// appliedRecords returns all ledger rows, oldest first. A database
// without a ledger table is fresh: it reports no applied migrations
// rather than an error, and the table is created with the first batch.
func appliedRecords(ctx context.Context, p *pool.Pool) ([]Record, error) {
	var records []Record
	err := p.Read(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'",
		).Scan(&n); err != nil {
			return fmt.Errorf("checking ledger table: %w", err)
		}
		if n == 0 {
			return nil
		}

		rows, err := tx.QueryContext(ctx,
			"SELECT version, applied_at FROM schema_migrations ORDER BY version",
		)
		if err != nil {
			return fmt.Errorf("querying ledger: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var r Record
			var appliedAt string
			if err := rows.Scan(&r.Version, &appliedAt); err != nil {
				return fmt.Errorf("scanning ledger row: %w", err)
			}
			r.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt) //nolint:errcheck // format is controlled
			records = append(records, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// pendingMigrations returns the registered migrations whose versions are
// absent from the ledger, preserving version order.
func pendingMigrations(migrations []Migration, applied []Record) []Migration {
	appliedSet := make(map[string]bool, len(applied))
	for _, r := range applied {
		appliedSet[r.Version] = true
	}

	var pending []Migration
	for _, m := range migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending
}
