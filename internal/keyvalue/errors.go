package keyvalue

import "errors"

var (
	// ErrNotFound is returned when no entry exists for the requested
	// collection and key.
	ErrNotFound = errors.New("keyvalue: entry not found")

	// ErrEmptyKey is returned when a caller passes an empty collection
	// or key.
	ErrEmptyKey = errors.New("keyvalue: collection and key must be non-empty")
)
