package keyvalue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/graystore/internal/storage"
)

// Kinds reported on touches so observers can route by entity type.
const (
	EntryKind = "kv_entry"
	MetaKind  = "storage_meta"
)

// Entry is a single record in a named collection.
type Entry struct {
	Collection string
	Key        string
	Value      []byte
	UpdatedAt  time.Time
}

// Repository defines persistence operations for collection entries and
// the storage_meta bookkeeping table.
type Repository interface {
	Set(ctx context.Context, collection, key string, value []byte) error
	Get(ctx context.Context, collection, key string) (*Entry, error)
	Delete(ctx context.Context, collection, key string) error
	List(ctx context.Context, collection string) ([]Entry, error)
	Count(ctx context.Context, collection string) (int, error)
	Collections(ctx context.Context) ([]string, error)
	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, error)
}

// StoreRepository implements Repository on top of the storage facade, so
// every mutation lands in one write transaction and is announced to
// observers after commit.
type StoreRepository struct {
	store *storage.Store
}

// NewRepository creates a repository backed by the given store.
func NewRepository(store *storage.Store) *StoreRepository {
	return &StoreRepository{store: store}
}

// Set inserts or replaces the entry for (collection, key). The touch is
// flagged for reindexing since the entry content changed.
func (r *StoreRepository) Set(ctx context.Context, collection, key string, value []byte) error {
	if collection == "" || key == "" {
		return ErrEmptyKey
	}

	return r.store.Write(ctx, func(tx *storage.WriteTx) error {
		now := time.Now().UTC().Format(time.RFC3339)

		_, err := tx.ExecContext(ctx, `
			INSERT INTO kv_entries (collection, key, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (collection, key)
			DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, collection, key, value, now)
		if err != nil {
			return fmt.Errorf("upserting entry: %w", err)
		}

		tx.Touch(EntryKind, entryID(collection, key), true)

		return nil
	})
}

// Get returns the entry for (collection, key), or ErrNotFound.
func (r *StoreRepository) Get(ctx context.Context, collection, key string) (*Entry, error) {
	if collection == "" || key == "" {
		return nil, ErrEmptyKey
	}

	var entry *Entry

	err := r.store.Read(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT collection, key, value, updated_at
			FROM kv_entries
			WHERE collection = ? AND key = ?
		`, collection, key)

		e, err := scanEntry(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}

			return fmt.Errorf("querying entry: %w", err)
		}

		entry = e

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// Delete removes the entry for (collection, key). Returns ErrNotFound if
// no such entry exists; nothing is announced in that case.
func (r *StoreRepository) Delete(ctx context.Context, collection, key string) error {
	if collection == "" || key == "" {
		return ErrEmptyKey
	}

	return r.store.Write(ctx, func(tx *storage.WriteTx) error {
		result, err := tx.ExecContext(ctx, `
			DELETE FROM kv_entries
			WHERE collection = ? AND key = ?
		`, collection, key)
		if err != nil {
			return fmt.Errorf("deleting entry: %w", err)
		}

		affected, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
		if affected == 0 {
			return ErrNotFound
		}

		tx.Touch(EntryKind, entryID(collection, key), true)

		return nil
	})
}

// List returns every entry in the collection ordered by key.
func (r *StoreRepository) List(ctx context.Context, collection string) ([]Entry, error) {
	if collection == "" {
		return nil, ErrEmptyKey
	}

	var entries []Entry

	err := r.store.Read(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT collection, key, value, updated_at
			FROM kv_entries
			WHERE collection = ?
			ORDER BY key
		`, collection)
		if err != nil {
			return fmt.Errorf("listing entries: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return fmt.Errorf("scanning entry: %w", err)
			}

			entries = append(entries, *e)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Count returns the number of entries in the collection.
func (r *StoreRepository) Count(ctx context.Context, collection string) (int, error) {
	if collection == "" {
		return 0, ErrEmptyKey
	}

	var count int

	err := r.store.Read(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM kv_entries WHERE collection = ?
		`, collection)

		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("counting entries: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// Collections returns the distinct collection names with at least one
// entry, ordered alphabetically.
func (r *StoreRepository) Collections(ctx context.Context) ([]string, error) {
	var names []string

	err := r.store.Read(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT DISTINCT collection FROM kv_entries ORDER BY collection
		`)
		if err != nil {
			return fmt.Errorf("listing collections: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return fmt.Errorf("scanning collection name: %w", err)
			}

			names = append(names, name)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return names, nil
}

// SetMeta stores a bookkeeping value in storage_meta. Meta rows are not
// search-indexed, so the touch carries no reindex flag.
func (r *StoreRepository) SetMeta(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}

	return r.store.Write(ctx, func(tx *storage.WriteTx) error {
		now := time.Now().UTC().Format(time.RFC3339)

		_, err := tx.ExecContext(ctx, `
			INSERT INTO storage_meta (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT (key)
			DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value, now)
		if err != nil {
			return fmt.Errorf("upserting meta value: %w", err)
		}

		tx.Touch(MetaKind, key, false)

		return nil
	})
}

// GetMeta returns the bookkeeping value for key, or ErrNotFound.
func (r *StoreRepository) GetMeta(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}

	var value string

	err := r.store.Read(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT value FROM storage_meta WHERE key = ?
		`, key)

		if err := row.Scan(&value); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}

			return fmt.Errorf("querying meta value: %w", err)
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	return value, nil
}

// entryID builds the observer-facing identity for an entry.
func entryID(collection, key string) string {
	return collection + "/" + key
}

// scanner abstracts sql.Row and sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		entry     Entry
		updatedAt string
	)

	if err := s.Scan(&entry.Collection, &entry.Key, &entry.Value, &updatedAt); err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	entry.UpdatedAt = ts

	return &entry, nil
}
