package pool

import "errors"

// Domain-specific errors for pool operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrOpenFailed is returned when the database file cannot be opened:
	// corruption, permission errors, or an incompatible file format.
	ErrOpenFailed = errors.New("pool: open failed")

	// ErrWriteFailed is returned when a write transaction cannot begin or
	// commit. Errors from the caller's transaction body propagate as-is.
	ErrWriteFailed = errors.New("pool: write failed")

	// ErrClosed is returned when using a pool after ReleaseAll.
	ErrClosed = errors.New("pool: closed")
)
