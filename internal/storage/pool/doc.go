// Package pool owns the SQLite connections for one database file.
//
// Two database/sql pools sit over the same file: a reader pool whose
// connections are forced query_only, and a writer pool capped at a single
// connection. Readers run concurrently against WAL snapshots; every write
// in the process funnels through the one writer connection, which makes
// write transactions strictly serial without any conflict detection.
//
// # Usage
//
//	p, err := pool.Open(pool.Config{Path: "data/app.db", BusyTimeout: 5 * time.Second})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	err = p.Write(ctx, func(tx *sql.Tx) error {
//	    _, err := tx.ExecContext(ctx, "INSERT INTO kv_entries ...")
//	    return err
//	})
//
// # Reopen discipline
//
// A pool is never reconfigured in place. When the store reopens after a
// migration or file transfer it calls ReleaseAll on the old pool and opens
// a fresh one; anything still holding the old pool gets ErrClosed.
package pool
