// Package storage is the public entry point of the storage layer.
//
// A Store composes the connection pool, the schema migrator, the change
// observer registry and the cross-process notifier behind one facade. It
// opens the pool lazily, drives migrations at startup (reopening the pool
// when the schema changed), exposes transaction-scoped Read and Write, and
// owns the lifecycle operations: reload after a device transfer, full
// reset, close.
//
// # Write path
//
// Write runs the caller's body inside the single writer transaction. The
// body records touched entities on its WriteTx; after the commit is
// durable the sealed change set goes to in-process observers in
// registration order, then sibling processes are signalled, then metrics
// are recorded. A failed body rolls back and nothing is delivered.
//
// # Reopen discipline
//
// The pool is replaced, never reconfigured. After a migration or a
// transferred-database reload the old pool is drained and a new one is
// swapped in under the store mutex; operations racing the swap fail with
// the pool's ErrClosed rather than observing a half-initialized pool.
//
// Completion and reload callbacks are delivered on one dedicated
// goroutine, so callers never race the reopen that triggered them.
package storage
