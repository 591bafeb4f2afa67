package migrate

import "errors"

var (
	// ErrMigrationFailed indicates a migration batch could not be applied.
	// The batch rolls back as a unit, so no partial progress is recorded.
	ErrMigrationFailed = errors.New("migrate: migration failed")

	// ErrNoDownSQL indicates a rollback was requested for a migration
	// that has no .down.sql file.
	ErrNoDownSQL = errors.New("migrate: migration has no down SQL")
)
