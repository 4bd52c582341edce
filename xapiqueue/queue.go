// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package xapiqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/lxd360/go-xapisync/lrs"
)

// Config holds tuning for the queue manager.
type Config struct {
	MaxAttempts   int           // Retry budget before dead-lettering, e.g. 5
	BackoffBase   time.Duration // First retry delay, e.g. 1s
	BackoffMax    time.Duration // Retry delay cap, e.g. 60s
	LeaseDuration time.Duration // How long a sending claim is honored, e.g. 90s
}

// DefaultConfig returns conventional defaults. The lease is several times
// longer than a slow network round trip; shortening it recovers crashed
// senders faster at the cost of a higher double-send risk.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:   5,
		BackoffBase:   1 * time.Second,
		BackoffMax:    60 * time.Second,
		LeaseDuration: 90 * time.Second,
	}
}

// Manager is the sole reader/writer of queue state. It hides the durable
// store behind a work-queue abstraction: enqueue, dequeue-with-lease, ack,
// fail, sweep. All correctness derives from the store's transactional
// atomicity, so independent Manager instances over the same database file
// coordinate safely.
type Manager struct {
	store  *Store
	config *Config
	logger *slog.Logger

	now    func() time.Time
	jitter func() float64
}

// NewManager creates a queue manager over store. A nil config gets
// DefaultConfig; a nil logger gets slog.Default.
func NewManager(store *Store, config *Config, logger *slog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
		jitter: rand.Float64,
	}
}

// Store returns the underlying durable store (for lifecycle control).
func (m *Manager) Store() *Store { return m.store }

// Config returns the manager's configuration.
func (m *Manager) Config() *Config { return m.config }

// Initialize opens the store and performs crash recovery: any record still
// marked sending from a prior session is reset to pending, keeping its
// original sequence so ordering survives the restart. This is the only
// operation that can fail fatally (ErrStoreUnavailable).
func (m *Manager) Initialize(ctx context.Context) error {
	if _, err := m.store.Open(); err != nil {
		return err
	}

	var recovered int64
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE xapi_queue SET status = ?, leased_at = NULL WHERE status = ?
		`, StatusPending, StatusSending)
		if err != nil {
			return fmt.Errorf("failed to recover in-flight statements: %w", err)
		}
		recovered, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}

	if recovered > 0 {
		m.logger.Info("recovered statements from interrupted send", "count", recovered)
	}
	return nil
}

// Enqueue persists a new statement with status pending. If id is empty a
// UUID is assigned. The sequence assignment (read + increment of the
// persisted per-tenant counter) and the insert happen in one transaction.
// Enqueue never performs network I/O; storage-full conditions surface as
// QuotaError.
func (m *Manager) Enqueue(ctx context.Context, tenantID string, payload json.RawMessage, id string) (*QueuedStatement, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	if id == "" {
		id = uuid.New().String()
	}

	stmt := &QueuedStatement{
		ID:         id,
		TenantID:   tenantID,
		Payload:    payload,
		Status:     StatusPending,
		EnqueuedAt: m.now().UTC(),
	}

	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		seq, err := m.nextSequenceInTx(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		stmt.Sequence = seq

		_, err = tx.ExecContext(ctx, `
			INSERT INTO xapi_queue (id, tenant_id, seq, payload, status, attempt_count, enqueued_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)
		`, stmt.ID, stmt.TenantID, stmt.Sequence, string(stmt.Payload), stmt.Status, formatTime(stmt.EnqueuedAt))
		return wrapWriteErr("failed to insert queued statement", err)
	})
	if err != nil {
		return nil, err
	}
	return stmt, nil
}

// nextSequenceInTx reads and increments the persisted sequence counter,
// creating the per-tenant metadata row (with a fresh device id) on first use.
func (m *Manager) nextSequenceInTx(ctx context.Context, tx *sql.Tx, tenantID string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO xapi_sync_meta (tenant_id, device_id, sequence_counter)
		VALUES (?, ?, 0)
	`, tenantID, uuid.New().String()); err != nil {
		return 0, wrapWriteErr("failed to ensure sync metadata", err)
	}

	var counter int64
	if err := tx.QueryRowContext(ctx, `
		SELECT sequence_counter FROM xapi_sync_meta WHERE tenant_id = ?
	`, tenantID).Scan(&counter); err != nil {
		return 0, fmt.Errorf("failed to read sequence counter: %w", err)
	}

	next := counter + 1
	if _, err := tx.ExecContext(ctx, `
		UPDATE xapi_sync_meta SET sequence_counter = ? WHERE tenant_id = ?
	`, next, tenantID); err != nil {
		return 0, wrapWriteErr("failed to advance sequence counter", err)
	}
	return next, nil
}

// DequeueBatch returns up to n pending statements for the tenant in
// ascending sequence order (FIFO) and atomically marks them sending with a
// lease timestamp. A sending record is invisible to subsequent dequeues
// until it is acked, failed, or its lease expires — the status flip inside
// one transaction is the cross-process mutual exclusion mechanism.
// Statements whose next retry time has not arrived are skipped. Rows that
// fail the type guard are quarantined into the dead-letter store so they
// cannot occupy batch slots forever and starve valid statements behind them.
func (m *Manager) DequeueBatch(ctx context.Context, tenantID string, n int) ([]*QueuedStatement, error) {
	if n <= 0 {
		return nil, nil
	}
	now := m.now().UTC()

	var batch []*QueuedStatement
	var corrupt []*QueuedStatement
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, tenant_id, seq, payload, status, attempt_count, enqueued_at, leased_at, next_retry_at
			FROM xapi_queue
			WHERE tenant_id = ? AND status = ?
			  AND (next_retry_at IS NULL OR next_retry_at <= ?)
			ORDER BY seq ASC
			LIMIT ?
		`, tenantID, StatusPending, formatTime(now), n)
		if err != nil {
			return fmt.Errorf("failed to query pending statements: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			stmt, err := scanQueued(rows)
			if err != nil {
				return err
			}
			if !validQueuedStatement(stmt) {
				corrupt = append(corrupt, stmt)
				continue
			}
			batch = append(batch, stmt)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating pending statements: %w", err)
		}

		for _, stmt := range corrupt {
			cause := &CorruptRecordError{Store: "queue", Key: stmt.ID}
			if err := m.deadLetterInTx(ctx, tx, stmt, lrs.ReasonCorruptRecord, cause, now); err != nil {
				return err
			}
		}

		leased := formatTime(now)
		for _, stmt := range batch {
			if _, err := tx.ExecContext(ctx, `
				UPDATE xapi_queue SET status = ?, leased_at = ? WHERE id = ? AND status = ?
			`, StatusSending, leased, stmt.ID, StatusPending); err != nil {
				return wrapWriteErr("failed to lease statement", err)
			}
			stmt.Status = StatusSending
			t := now
			stmt.LeasedAt = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// Ack marks a statement synced and removes it from the queue. Ack is
// idempotent: acking an id that is already gone is a no-op, not an error.
func (m *Manager) Ack(ctx context.Context, id string) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM xapi_queue WHERE id = ?`, id)
		return wrapWriteErr("failed to ack statement", err)
	})
}

// Fail records a delivery failure for the statement. A validation cause
// dead-letters immediately (retrying a malformed payload cannot succeed).
// A transient cause increments the attempt count and either returns the
// statement to pending with an exponential-backoff retry time, or
// dead-letters it once the retry budget is exhausted.
func (m *Manager) Fail(ctx context.Context, id string, cause error) error {
	now := m.now().UTC()

	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, tenant_id, seq, payload, status, attempt_count, enqueued_at, leased_at, next_retry_at
			FROM xapi_queue WHERE id = ?
		`, id)
		stmt, err := scanQueued(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("fail %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}

		if lrs.IsValidation(cause) {
			return m.deadLetterInTx(ctx, tx, stmt, lrs.ReasonBadPayload, cause, now)
		}

		attempts := stmt.AttemptCount + 1
		if attempts >= m.config.MaxAttempts {
			stmt.AttemptCount = attempts
			return m.deadLetterInTx(ctx, tx, stmt, lrs.ReasonRetriesExhausted, cause, now)
		}

		delay := retryDelay(m.config.BackoffBase, m.config.BackoffMax, attempts, m.jitter)
		if _, err := tx.ExecContext(ctx, `
			UPDATE xapi_queue
			SET status = ?, attempt_count = ?, leased_at = NULL, next_retry_at = ?
			WHERE id = ?
		`, StatusPending, attempts, formatTime(now.Add(delay)), id); err != nil {
			return wrapWriteErr("failed to reschedule statement", err)
		}

		m.logger.Debug("statement scheduled for retry",
			"id", id, "attempt", attempts, "delay", delay, "cause", cause)
		return nil
	})
}

// deadLetterInTx moves a queue row into the failed store. Once there it is
// never retried automatically; RequeueFailed is the only way back.
func (m *Manager) deadLetterInTx(ctx context.Context, tx *sql.Tx, stmt *QueuedStatement, reason string, cause error, now time.Time) error {
	detail := reason
	if cause != nil {
		detail = fmt.Sprintf("%s: %v", reason, cause)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO xapi_failed
			(statement_id, tenant_id, payload, failure_reason, attempt_count, last_attempt_at, dead_lettered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, stmt.ID, stmt.TenantID, string(stmt.Payload), detail, stmt.AttemptCount,
		formatTime(now), formatTime(now)); err != nil {
		return wrapWriteErr("failed to dead-letter statement", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM xapi_queue WHERE id = ?`, stmt.ID); err != nil {
		return wrapWriteErr("failed to remove dead-lettered statement from queue", err)
	}

	m.logger.Warn("statement dead-lettered", "id", stmt.ID, "reason", detail, "attempts", stmt.AttemptCount)
	return nil
}

// SweepExpiredLeases returns statements that have been sending for longer
// than leaseDuration to pending. Their owner likely crashed mid-send; the
// original sequence is kept so recovered statements still leave the queue
// in order. Called periodically by the sync service.
func (m *Manager) SweepExpiredLeases(ctx context.Context, leaseDuration time.Duration) (int, error) {
	if leaseDuration <= 0 {
		leaseDuration = m.config.LeaseDuration
	}
	cutoff := formatTime(m.now().UTC().Add(-leaseDuration))

	var swept int64
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE xapi_queue SET status = ?, leased_at = NULL
			WHERE status = ? AND leased_at <= ?
		`, StatusPending, StatusSending, cutoff)
		if err != nil {
			return wrapWriteErr("failed to sweep expired leases", err)
		}
		swept, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		m.logger.Info("reclaimed expired leases", "count", swept)
	}
	return int(swept), nil
}

// RequeueFailed moves a dead-lettered statement back into the queue with the
// same id, a fresh sequence, and a reset attempt count. This is the explicit
// intervention the dead-letter store requires.
func (m *Manager) RequeueFailed(ctx context.Context, statementID string) (*QueuedStatement, error) {
	now := m.now().UTC()

	var stmt *QueuedStatement
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var f FailedStatement
		var payload string
		err := tx.QueryRowContext(ctx, `
			SELECT statement_id, tenant_id, payload FROM xapi_failed WHERE statement_id = ?
		`, statementID).Scan(&f.StatementID, &f.TenantID, &payload)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("requeue %s: %w", statementID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read dead-lettered statement: %w", err)
		}
		f.Payload = json.RawMessage(payload)
		if !validFailedStatement(&f) {
			return &CorruptRecordError{Store: "failed", Key: statementID}
		}

		seq, err := m.nextSequenceInTx(ctx, tx, f.TenantID)
		if err != nil {
			return err
		}

		stmt = &QueuedStatement{
			ID:         f.StatementID,
			TenantID:   f.TenantID,
			Sequence:   seq,
			Payload:    f.Payload,
			Status:     StatusPending,
			EnqueuedAt: now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO xapi_queue (id, tenant_id, seq, payload, status, attempt_count, enqueued_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)
		`, stmt.ID, stmt.TenantID, stmt.Sequence, string(stmt.Payload), stmt.Status, formatTime(now)); err != nil {
			return wrapWriteErr("failed to requeue statement", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM xapi_failed WHERE statement_id = ?`, statementID); err != nil {
			return wrapWriteErr("failed to remove statement from dead-letter store", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stmt, nil
}

// Retry returns a sending statement to pending without an attempt penalty.
// Used when a conflict resolution decides the local statement should be
// resubmitted as-is.
func (m *Manager) Retry(ctx context.Context, id string) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE xapi_queue SET status = ?, leased_at = NULL, next_retry_at = NULL
			WHERE id = ? AND status = ?
		`, StatusPending, id, StatusSending)
		return wrapWriteErr("failed to return statement to pending", err)
	})
}

// ReplaceWithMerged retires a statement and enqueues the merge outcome of a
// conflict resolution in its place, as one transaction. Either the original
// is still queued or the merged statement is; a crash between the two can
// never lose the merged fact. The merged statement gets a fresh id and
// sequence so it flows through the normal upload path.
func (m *Manager) ReplaceWithMerged(ctx context.Context, id, tenantID string, merged json.RawMessage) (*QueuedStatement, error) {
	if !json.Valid(merged) {
		return nil, fmt.Errorf("merged payload is not valid JSON")
	}
	now := m.now().UTC()

	stmt := &QueuedStatement{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Payload:    merged,
		Status:     StatusPending,
		EnqueuedAt: now,
	}
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM xapi_queue WHERE id = ?`, id); err != nil {
			return wrapWriteErr("failed to retire merged statement", err)
		}
		seq, err := m.nextSequenceInTx(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		stmt.Sequence = seq
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO xapi_queue (id, tenant_id, seq, payload, status, attempt_count, enqueued_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)
		`, stmt.ID, stmt.TenantID, stmt.Sequence, string(stmt.Payload), stmt.Status, formatTime(now)); err != nil {
			return wrapWriteErr("failed to enqueue merged statement", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stmt, nil
}

// Depth reports how many statements are waiting or in flight for a tenant.
func (m *Manager) Depth(ctx context.Context, tenantID string) (int, error) {
	db, err := m.store.Open()
	if err != nil {
		return 0, err
	}
	var depth int
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM xapi_queue WHERE tenant_id = ? AND status IN (?, ?)
	`, tenantID, StatusPending, StatusSending).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue depth: %w", err)
	}
	return depth, nil
}

// Failed lists the dead-lettered statements for a tenant, oldest first.
// Corrupt rows are skipped and logged.
func (m *Manager) Failed(ctx context.Context, tenantID string) ([]*FailedStatement, error) {
	db, err := m.store.Open()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT statement_id, tenant_id, payload, failure_reason, attempt_count, last_attempt_at, dead_lettered_at
		FROM xapi_failed WHERE tenant_id = ? ORDER BY dead_lettered_at ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead-lettered statements: %w", err)
	}
	defer rows.Close()

	var out []*FailedStatement
	for rows.Next() {
		var f FailedStatement
		var payload, lastAttempt, deadLettered string
		if err := rows.Scan(&f.StatementID, &f.TenantID, &payload, &f.FailureReason,
			&f.AttemptCount, &lastAttempt, &deadLettered); err != nil {
			return nil, fmt.Errorf("failed to scan dead-lettered statement: %w", err)
		}
		f.Payload = json.RawMessage(payload)
		if f.LastAttemptAt, err = parseTime(lastAttempt); err != nil {
			m.logger.Warn("skipping corrupt dead-letter record",
				"error", &CorruptRecordError{Store: "failed", Key: f.StatementID})
			continue
		}
		if f.DeadLetteredAt, err = parseTime(deadLettered); err != nil {
			m.logger.Warn("skipping corrupt dead-letter record",
				"error", &CorruptRecordError{Store: "failed", Key: f.StatementID})
			continue
		}
		if !validFailedStatement(&f) {
			m.logger.Warn("skipping corrupt dead-letter record",
				"error", &CorruptRecordError{Store: "failed", Key: f.StatementID})
			continue
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// Metadata returns the per-tenant sync metadata, creating it if missing.
func (m *Manager) Metadata(ctx context.Context, tenantID string) (*SyncMetadata, error) {
	meta := &SyncMetadata{TenantID: tenantID}
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO xapi_sync_meta (tenant_id, device_id, sequence_counter)
			VALUES (?, ?, 0)
		`, tenantID, uuid.New().String()); err != nil {
			return wrapWriteErr("failed to ensure sync metadata", err)
		}
		var lastSynced sql.NullString
		if err := tx.QueryRowContext(ctx, `
			SELECT device_id, sequence_counter, last_synced_at FROM xapi_sync_meta WHERE tenant_id = ?
		`, tenantID).Scan(&meta.DeviceID, &meta.SequenceCounter, &lastSynced); err != nil {
			return fmt.Errorf("failed to read sync metadata: %w", err)
		}
		if lastSynced.Valid {
			t, err := parseTime(lastSynced.String)
			if err != nil {
				return err
			}
			meta.LastSyncedAt = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// MarkSynced records the completion time of a successful batch.
func (m *Manager) MarkSynced(ctx context.Context, tenantID string, t time.Time) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE xapi_sync_meta SET last_synced_at = ? WHERE tenant_id = ?
		`, formatTime(t.UTC()), tenantID)
		return wrapWriteErr("failed to record sync time", err)
	})
}

// Progress returns the cached last-resolved state for a (learner, activity)
// pair, or nil if none is cached.
func (m *Manager) Progress(ctx context.Context, tenantID, actor, activity string) (*ProgressEntry, error) {
	db, err := m.store.Open()
	if err != nil {
		return nil, err
	}

	entry := &ProgressEntry{TenantID: tenantID, Actor: actor, Activity: activity}
	var statement, updatedAt string
	var score sql.NullFloat64
	err = db.QueryRowContext(ctx, `
		SELECT statement, score, updated_at FROM xapi_progress
		WHERE tenant_id = ? AND actor = ? AND activity = ?
	`, tenantID, actor, activity).Scan(&statement, &score, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress cache: %w", err)
	}
	entry.Statement = json.RawMessage(statement)
	if score.Valid {
		entry.Score = &score.Float64
	}
	if entry.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return entry, nil
}

// SaveProgress upserts a progress cache entry. Only accepted conflict
// resolution outcomes should be written here; the sync service never writes
// this store directly from raw server responses.
func (m *Manager) SaveProgress(ctx context.Context, entry *ProgressEntry) error {
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		var score any
		if entry.Score != nil {
			score = *entry.Score
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO xapi_progress (tenant_id, actor, activity, statement, score, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, actor, activity) DO UPDATE SET
				statement = excluded.statement,
				score = excluded.score,
				updated_at = excluded.updated_at
		`, entry.TenantID, entry.Actor, entry.Activity, string(entry.Statement), score,
			formatTime(entry.UpdatedAt.UTC()))
		return wrapWriteErr("failed to save progress entry", err)
	})
}

// RecordAudit persists a conflict resolution audit record.
func (m *Manager) RecordAudit(ctx context.Context, audit *ConflictAudit) error {
	ids, err := json.Marshal(audit.StatementIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal audit statement ids: %w", err)
	}
	return m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO xapi_conflict_audit (tenant_id, statement_ids, strategy, decision, reasoning, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, audit.TenantID, string(ids), audit.Strategy, audit.Decision, audit.Reasoning,
			formatTime(audit.ResolvedAt.UTC()))
		return wrapWriteErr("failed to record conflict audit", err)
	})
}

// Audits lists the persisted conflict audit trail for a tenant, oldest first.
func (m *Manager) Audits(ctx context.Context, tenantID string) ([]*ConflictAudit, error) {
	db, err := m.store.Open()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, tenant_id, statement_ids, strategy, decision, reasoning, resolved_at
		FROM xapi_conflict_audit WHERE tenant_id = ? ORDER BY id ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict audits: %w", err)
	}
	defer rows.Close()

	var out []*ConflictAudit
	for rows.Next() {
		var a ConflictAudit
		var ids, resolvedAt string
		if err := rows.Scan(&a.ID, &a.TenantID, &ids, &a.Strategy, &a.Decision, &a.Reasoning, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict audit: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &a.StatementIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit statement ids: %w", err)
		}
		if a.ResolvedAt, err = parseTime(resolvedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanQueued scans one xapi_queue row.
func scanQueued(row rowScanner) (*QueuedStatement, error) {
	var stmt QueuedStatement
	var payload, enqueuedAt string
	var leasedAt, nextRetryAt sql.NullString

	if err := row.Scan(&stmt.ID, &stmt.TenantID, &stmt.Sequence, &payload, &stmt.Status,
		&stmt.AttemptCount, &enqueuedAt, &leasedAt, &nextRetryAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan queued statement: %w", err)
	}
	stmt.Payload = json.RawMessage(payload)

	var err error
	if stmt.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, err
	}
	if leasedAt.Valid {
		t, err := parseTime(leasedAt.String)
		if err != nil {
			return nil, err
		}
		stmt.LeasedAt = &t
	}
	if nextRetryAt.Valid {
		t, err := parseTime(nextRetryAt.String)
		if err != nil {
			return nil, err
		}
		stmt.NextRetryAt = &t
	}
	return &stmt, nil
}
