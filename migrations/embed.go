// Package migrations embeds SQL migration files into the binary.
//
// This allows graystore to run migrations without needing the SQL files
// present on the filesystem - they're compiled into the executable.
package migrations

import (
	"embed"

	"github.com/nerrad567/graystore/internal/storage/migrate"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	// Register embedded migrations with the migrate package.
	// The embed directive above captures all .sql files in this directory.
	migrate.MigrationsFS = migrationsFS
	migrate.MigrationsDir = "." // Files are at root of embedded FS
}
