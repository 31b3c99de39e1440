package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tOgg1/gardenchat/internal/kv"
)

// DefaultKVNamespace is the namespace used for unread counters.
const DefaultKVNamespace = "unread"

// KVRepository stores string entries in the kv_entries table under one
// namespace. It satisfies kv.Store.
type KVRepository struct {
	db        *DB
	namespace string
	owned     bool
}

var _ kv.Store = (*KVRepository)(nil)

// NewKVRepository creates a repository over an open database. Close does not
// close db.
func NewKVRepository(db *DB, namespace string) *KVRepository {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = DefaultKVNamespace
	}
	return &KVRepository{db: db, namespace: namespace}
}

// OpenKVRepository opens the database at path and returns a repository that
// owns it.
func OpenKVRepository(ctx context.Context, path, namespace string) (*KVRepository, error) {
	handle, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	repo := NewKVRepository(handle, namespace)
	repo.owned = true
	return repo, nil
}

// Set writes a value.
func (r *KVRepository) Set(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("key is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	return r.db.TransactionWithRetry(ctx, 0, 0, func(tx *sql.Tx) error {
		// UPDATE then INSERT keeps this portable to older SQLite builds.
		result, err := tx.ExecContext(ctx, `
			UPDATE kv_entries
			SET value = ?, updated_at = ?
			WHERE namespace = ? AND key = ?
		`, value, now, r.namespace, key)
		if err != nil {
			return fmt.Errorf("failed to update kv entry: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows > 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO kv_entries (namespace, key, value, updated_at)
			VALUES (?, ?, ?, ?)
		`, r.namespace, key, value, now)
		if err != nil {
			if isUniqueConstraintError(err) {
				_, err2 := tx.ExecContext(ctx, `
					UPDATE kv_entries SET value = ?, updated_at = ?
					WHERE namespace = ? AND key = ?
				`, value, now, r.namespace, key)
				if err2 == nil {
					return nil
				}
			}
			return fmt.Errorf("failed to insert kv entry: %w", err)
		}
		return nil
	})
}

// Get reads a value, returning kv.ErrNotFound when absent.
func (r *KVRepository) Get(ctx context.Context, key string) (string, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT key, value FROM kv_entries
		WHERE namespace = ? AND key = ?
	`, r.namespace, strings.TrimSpace(key))
	_, value, err := scanEntry(row)
	return value, err
}

// Delete removes a key. Missing keys are not an error.
func (r *KVRepository) Delete(ctx context.Context, key string) error {
	return withRetry(ctx, defaultRetryAttempts, defaultRetryBackoff, func() error {
		_, err := r.db.ExecContext(ctx, `
			DELETE FROM kv_entries WHERE namespace = ? AND key = ?
		`, r.namespace, strings.TrimSpace(key))
		if err != nil {
			return fmt.Errorf("failed to delete kv entry: %w", err)
		}
		return nil
	})
}

// All returns every entry in the namespace.
func (r *KVRepository) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT key, value FROM kv_entries
		WHERE namespace = ?
		ORDER BY key
	`, r.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query kv entries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		key, value, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating kv entries: %w", err)
	}
	return out, nil
}

// Close closes the database if the repository opened it.
func (r *KVRepository) Close() error {
	if r.owned {
		return r.db.Close()
	}
	return nil
}

func scanEntry(scanner interface{ Scan(...any) error }) (string, string, error) {
	var key, value string
	if err := scanner.Scan(&key, &value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", kv.ErrNotFound
		}
		return "", "", fmt.Errorf("failed to scan kv entry: %w", err)
	}
	return key, value, nil
}
