package storage

import "errors"

var (
	// ErrCoordinatorRequired indicates the store was constructed without a
	// readiness coordinator. The bootstrap drop window cannot end without
	// one, so construction fails fast instead.
	ErrCoordinatorRequired = errors.New("storage: coordinator required")

	// ErrClosed indicates an operation on a closed store.
	ErrClosed = errors.New("storage: store closed")
)
