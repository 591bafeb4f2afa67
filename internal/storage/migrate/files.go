package migrate

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Migration filename parsing constants.
const (
	// migrationFilenameParts is the expected number of parts in a migration filename.
	// Format: YYYYMMDD_HHMMSS_description.up.sql (3 parts when split by "_")
	migrationFilenameParts = 3

	// minVersionParts is the minimum parts needed to extract a version.
	minVersionParts = 2
)

// loadMigrations loads all migration files from the embedded filesystem.
func loadMigrations() ([]Migration, error) {
	// Nothing registered yet; tooling may run before the migrations
	// package is linked in.
	var empty embed.FS
	if MigrationsFS == empty {
		return nil, nil
	}

	entries, err := fs.ReadDir(MigrationsFS, MigrationsDir)
	if err != nil {
		// Directory might not exist if no migrations are embedded.
		return nil, nil
	}

	upFiles, downFiles := categoriseMigrationFiles(entries)

	migrations, err := buildMigrations(upFiles, downFiles)
	if err != nil {
		return nil, err
	}

	// Sort by version (oldest first).
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// categoriseMigrationFiles groups migration files by version and direction.
func categoriseMigrationFiles(entries []fs.DirEntry) (upFiles, downFiles map[string]string) {
	upFiles = make(map[string]string)
	downFiles = make(map[string]string)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		version, isUp, ok := parseMigrationFilename(name)
		if !ok {
			continue
		}

		if isUp {
			upFiles[version] = name
		} else {
			downFiles[version] = name
		}
	}

	return upFiles, downFiles
}

// parseMigrationFilename extracts version and direction from a migration filename.
// Returns version, isUp (true for .up.sql, false for .down.sql), and ok (true if valid).
func parseMigrationFilename(name string) (version string, isUp bool, ok bool) {
	if !strings.HasSuffix(name, ".sql") {
		return "", false, false
	}

	base := strings.TrimSuffix(name, ".sql")

	switch {
	case strings.HasSuffix(base, ".up"):
		isUp = true
		base = strings.TrimSuffix(base, ".up")
	case strings.HasSuffix(base, ".down"):
		isUp = false
		base = strings.TrimSuffix(base, ".down")
	default:
		return "", false, false
	}

	// Extract version (YYYYMMDD_HHMMSS from YYYYMMDD_HHMMSS_description).
	parts := strings.SplitN(base, "_", migrationFilenameParts)
	if len(parts) < minVersionParts {
		return "", false, false
	}

	version = parts[0] + "_" + parts[1]
	return version, isUp, true
}

// buildMigrations creates Migration values from categorised files.
func buildMigrations(upFiles, downFiles map[string]string) ([]Migration, error) {
	var migrations []Migration

	for version, upFile := range upFiles {
		m, err := buildMigration(version, upFile, downFiles[version])
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, m)
	}

	return migrations, nil
}

// buildMigration creates a single Migration from its files.
func buildMigration(version, upFile, downFile string) (Migration, error) {
	upSQL, err := fs.ReadFile(MigrationsFS, path.Join(MigrationsDir, upFile))
	if err != nil {
		return Migration{}, fmt.Errorf("reading %s: %w", upFile, err)
	}

	m := Migration{
		Version: version,
		Name:    extractMigrationName(upFile),
		UpSQL:   string(upSQL),
	}

	if downFile != "" {
		downSQL, err := fs.ReadFile(MigrationsFS, path.Join(MigrationsDir, downFile))
		if err != nil {
			return Migration{}, fmt.Errorf("reading %s: %w", downFile, err)
		}
		m.DownSQL = string(downSQL)
	}

	return m, nil
}

// extractMigrationName extracts a human-readable name from the filename.
// Example: "20250612_101500_create_storage_meta.up.sql" -> "create_storage_meta"
func extractMigrationName(filename string) string {
	base := strings.TrimSuffix(filename, ".sql")
	base = strings.TrimSuffix(base, ".up")
	base = strings.TrimSuffix(base, ".down")

	parts := strings.SplitN(base, "_", migrationFilenameParts)
	if len(parts) >= migrationFilenameParts {
		return parts[minVersionParts] // The description part.
	}
	return base
}
