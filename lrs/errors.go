// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package lrs

import (
	"errors"
	"fmt"
)

// Error taxonomy for the sync path. Validation errors are permanent (a
// malformed payload cannot succeed on retry); transient errors are retried
// with backoff; conflict errors are routed to a resolver.

// ValidationError reports a payload the server rejected as malformed.
type ValidationError struct {
	StatementID string
	Reason      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("statement %s rejected as invalid: %s", e.StatementID, e.Reason)
}

// TransientError reports a recoverable failure: network error, timeout, or
// a 5xx response. StatusCode is zero for transport-level failures.
type TransientError struct {
	StatusCode int
	Cause      error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient server error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("transient network error: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// ConflictError reports that the server already holds a different fact for
// the same actor/verb/activity. It is never dropped silently.
type ConflictError struct {
	StatementID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("statement %s conflicts with a server-held statement", e.StatementID)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
