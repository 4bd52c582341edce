// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package lrs

// Result kind constants for per-statement upload results
const (
	ResultAccepted        = "accepted"
	ResultConflict        = "conflict"
	ResultValidationError = "validation_error"
	ResultTransientError  = "transient_error"
)

// Failure reason constants recorded on dead-lettered statements
const (
	ReasonBadPayload       = "bad_payload"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonServerRejected   = "server_rejected"
	ReasonCorruptRecord    = "corrupt_record"
)
