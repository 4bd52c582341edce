// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

// Package xapiqueue provides the durable local store and queue manager for
// offline-first xAPI statement delivery. Statements enqueued while a device
// is disconnected are persisted in SQLite and drained by the sync service
// once connectivity returns.
package xapiqueue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeFormat is the canonical on-disk timestamp format. Fixed-width UTC so
// stored timestamps compare correctly as text in SQL.
const timeFormat = "2006-01-02T15:04:05.000Z"

// Store is the versioned, transactional local database shared by the queue,
// dead-letter, progress-cache and metadata stores. It is explicit process
// state with an open/close lifecycle rather than an implicit global, so
// tests and teardown paths can reset it deterministically.
type Store struct {
	Path string

	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewStore creates a store over the SQLite database at path. Use ":memory:"
// for an ephemeral store in tests. The database file is not touched until
// Open is called.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{Path: path, logger: logger}
}

// Open opens the database, applies pending schema migrations, and returns
// the handle. Open is idempotent and safe to call concurrently: callers
// racing on the same store are served the same connection. Failure to open
// wraps ErrStoreUnavailable.
func (s *Store) Open() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	db, err := sql.Open("sqlite3", s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// between the queue manager and concurrent sweepers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to enable WAL mode: %v", ErrStoreUnavailable, err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to enable foreign keys: %v", ErrStoreUnavailable, err)
	}

	if err := migrate(db, s.logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.db = db
	return db, nil
}

// Close closes the underlying database. Safe to call when already closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Destroy closes the store and deletes the database file. Destructive;
// reserved for tests and reset flows.
func (s *Store) Destroy() error {
	if err := s.Close(); err != nil {
		return fmt.Errorf("failed to close store before destroy: %w", err)
	}
	if s.Path == ":memory:" || s.Path == "" {
		return nil
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.Path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", s.Path+suffix, err)
		}
	}
	return nil
}

// WithTx runs fn inside a single transaction, committing on nil error and
// rolling back otherwise. All multi-record operations (enqueue plus counter
// bump, dequeue status flips) go through here for atomicity.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := s.Open()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Safe to call even after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}
