// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package xapiqueue

import (
	"encoding/json"
	"time"
)

// Statement status constants
const (
	StatusPending = "pending"
	StatusSending = "sending"
	StatusSynced  = "synced"
)

// QueuedStatement is a pending unit of work: one xAPI statement waiting to be
// delivered to the record store. ID is the client-generated idempotency key
// and never changes; Sequence is strictly increasing within a tenant, even
// across process restarts.
type QueuedStatement struct {
	ID           string
	TenantID     string
	Sequence     int64
	Payload      json.RawMessage
	Status       string
	AttemptCount int
	EnqueuedAt   time.Time
	LeasedAt     *time.Time // Set while status is sending
	NextRetryAt  *time.Time // Set after a transient failure
}

// FailedStatement is a statement that exhausted its retry budget or was
// rejected as malformed. It is never retried automatically; RequeueFailed is
// the only way back into the queue.
type FailedStatement struct {
	StatementID    string
	TenantID       string
	Payload        json.RawMessage
	FailureReason  string
	AttemptCount   int
	LastAttemptAt  time.Time
	DeadLetteredAt time.Time
}

// ProgressEntry is the last-known-resolved state for a (learner, activity)
// pair, used as the comparison baseline during conflict resolution. Only
// accepted resolver outcomes write here.
type ProgressEntry struct {
	TenantID  string
	Actor     string
	Activity  string
	Statement json.RawMessage
	Score     *float64
	UpdatedAt time.Time
}

// SyncMetadata is the singleton per-tenant record holding the persisted
// sequence counter (the source of truth for ordering) and the device id.
type SyncMetadata struct {
	TenantID        string
	DeviceID        string
	SequenceCounter int64
	LastSyncedAt    *time.Time
}

// ConflictAudit is a persisted record of one conflict resolution decision.
type ConflictAudit struct {
	ID           int64
	TenantID     string
	StatementIDs []string
	Strategy     string
	Decision     string
	Reasoning    string
	ResolvedAt   time.Time
}

// validQueuedStatement is the type guard applied to every queue row read
// back from storage. Rows that fail it are skipped and logged rather than
// aborting the batch, so schema drift degrades gracefully.
func validQueuedStatement(s *QueuedStatement) bool {
	if s.ID == "" || s.TenantID == "" || s.Sequence <= 0 {
		return false
	}
	switch s.Status {
	case StatusPending, StatusSending, StatusSynced:
	default:
		return false
	}
	return json.Valid(s.Payload)
}

// validFailedStatement is the type guard for dead-letter rows.
func validFailedStatement(f *FailedStatement) bool {
	return f.StatementID != "" && f.TenantID != "" && json.Valid(f.Payload)
}
