// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package xapiqueue

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// Schema migrations are additive only: a version bump may create new tables
// and indexes but never drops or rewrites existing data in place. Rows
// written by older versions remain readable; the type guards in models.go
// absorb any forward/backward drift.
var migrations = [][]string{
	// v1: the four core stores
	{
		`CREATE TABLE IF NOT EXISTS xapi_queue (
			id             TEXT PRIMARY KEY,               -- client-generated idempotency key
			tenant_id      TEXT NOT NULL,
			seq            INTEGER NOT NULL,               -- persisted per-tenant counter, not wall-clock
			payload        TEXT NOT NULL,                  -- opaque validated xAPI statement JSON
			status         TEXT NOT NULL CHECK (status IN ('pending','sending','synced')),
			attempt_count  INTEGER NOT NULL DEFAULT 0,
			enqueued_at    TEXT NOT NULL,
			leased_at      TEXT,                           -- set while status = sending
			next_retry_at  TEXT,                           -- set after a transient failure
			UNIQUE (tenant_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_xapi_queue_dispatch
			ON xapi_queue (tenant_id, status, seq)`,

		`CREATE TABLE IF NOT EXISTS xapi_failed (
			statement_id     TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			payload          TEXT NOT NULL,
			failure_reason   TEXT NOT NULL,
			attempt_count    INTEGER NOT NULL DEFAULT 0,
			last_attempt_at  TEXT NOT NULL,
			dead_lettered_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS xapi_progress (
			tenant_id   TEXT NOT NULL,
			actor       TEXT NOT NULL,
			activity    TEXT NOT NULL,
			statement   TEXT NOT NULL,
			score       REAL,
			updated_at  TEXT NOT NULL,
			PRIMARY KEY (tenant_id, actor, activity)
		)`,

		`CREATE TABLE IF NOT EXISTS xapi_sync_meta (
			tenant_id        TEXT PRIMARY KEY,
			device_id        TEXT NOT NULL,
			sequence_counter INTEGER NOT NULL DEFAULT 0,
			last_synced_at   TEXT
		)`,
	},
	// v2: persisted conflict resolution audit trail
	{
		`CREATE TABLE IF NOT EXISTS xapi_conflict_audit (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id     TEXT NOT NULL,
			statement_ids TEXT NOT NULL,  -- JSON array of the ids involved
			strategy      TEXT NOT NULL,
			decision      TEXT NOT NULL,
			reasoning     TEXT NOT NULL,
			resolved_at   TEXT NOT NULL
		)`,
	},
}

// migrate brings the database up to the current schema version using
// PRAGMA user_version as the version marker. Each version's statements run
// in one transaction together with the version bump.
func migrate(db *sql.DB, logger *slog.Logger) error {
	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for v := current; v < len(migrations); v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration to v%d: %w", v+1, err)
		}
		for _, stmt := range migrations[v] {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration to v%d failed: %w", v+1, err)
			}
		}
		// PRAGMA does not support placeholders
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to set schema version %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration to v%d: %w", v+1, err)
		}
		logger.Info("applied schema migration", "version", v+1)
	}

	return nil
}
