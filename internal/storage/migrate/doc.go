// Package migrate applies schema migrations to the main database.
//
// Migration files are embedded into the binary by the top-level
// migrations package, which registers its embed.FS here at init time.
// Files are named YYYYMMDD_HHMMSS_description.up.sql with an optional
// matching .down.sql for rollback.
//
// # Atomicity
//
// All pending migrations are applied inside a single write transaction,
// together with their ledger rows. If any step fails the whole batch is
// rolled back and the database is left exactly as it was: either every
// pending migration applied, or none of them. Run reports whether it
// changed the database so callers can reopen connections after a schema
// change.
//
// The ledger lives in the schema_migrations table, keyed by version.
// Applying is idempotent: versions already present in the ledger are
// skipped, and a database that is already up to date is never written to.
//
// # Usage
//
//	didRun, err := migrate.Run(ctx, p)
//	if err != nil {
//	    return err
//	}
//	if didRun {
//	    // Schema changed; reopen the pool before serving traffic.
//	}
package migrate
