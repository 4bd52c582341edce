// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package lrs

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the batch statement endpoint of the record store.
// These models are used for serialization/deserialization of HTTP requests
// and responses; the statement payload itself is opaque to this library.

// BatchRequest represents a batch of queued statements uploaded by one device.
type BatchRequest struct {
	TenantID   string            `json:"tenant_id"`
	DeviceID   string            `json:"device_id"`
	Statements []StatementUpload `json:"statements"`
}

// StatementUpload represents a single queued statement in an upload request.
type StatementUpload struct {
	ID         string          `json:"id"`          // Client-generated idempotency key
	Sequence   int64           `json:"sequence"`    // Per-tenant monotonic sequence
	Payload    json.RawMessage `json:"payload"`     // Opaque validated xAPI statement
	EnqueuedAt time.Time       `json:"enqueued_at"` // Local enqueue wall-clock time
}

// BatchResponse represents the server response to a batch upload.
// Results are correlated to the request by statement id.
type BatchResponse struct {
	Results    []StatementResult `json:"results"`
	ServerTime time.Time         `json:"server_time,omitempty"`
}

// StatementResult represents the per-item outcome of processing one statement.
type StatementResult struct {
	ID               string          `json:"id"`                          // Echo of the statement id
	Result           string          `json:"result"`                      // accepted, conflict, validation_error, transient_error
	Remote           json.RawMessage `json:"remote,omitempty"`            // Server-held statement when Result is conflict
	RemoteRecordedAt time.Time       `json:"remote_recorded_at,omitzero"` // When the server recorded its version
	Message          string          `json:"message,omitempty"`           // Optional details for errors
}
