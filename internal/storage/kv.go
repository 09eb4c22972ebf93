// Package storage provides the key-value store that holds per-session
// account credentials.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KV is a flat string key-value store. Reading a missing key returns an
// empty string and a nil error.
type KV interface {
	Read(ctx context.Context, key string) (string, error)
	Save(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// SQLiteKV is a KV backed by a SQLite table. All methods are safe for
// concurrent use.
type SQLiteKV struct {
	db *sql.DB
}

// NewSQLiteKV creates a store on db and ensures its table exists. The
// caller owns the connection.
func NewSQLiteKV(db *sql.DB) (*SQLiteKV, error) {
	s := &SQLiteKV{db: db}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("migrate kv: %w", err)
	}
	return s, nil
}

// Read returns the value for key, or "" if it does not exist.
func (s *SQLiteKV) Read(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return value, nil
}

// Save upserts key. Existing values are overwritten.
func (s *SQLiteKV) Save(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}
