// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package xapiqueue

import (
	"errors"
	"fmt"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ErrStoreUnavailable is returned when the durable store cannot be opened at
// all. It is the one fatal condition; everything else degrades gracefully.
var ErrStoreUnavailable = errors.New("durable store unavailable")

// ErrNotFound is returned when an operation references a statement id that
// is not present in the addressed store.
var ErrNotFound = errors.New("statement not found")

// QuotaError reports a write that failed because the store is out of space.
// It is surfaced to the caller of Enqueue; the queue does not decide an
// eviction policy.
type QuotaError struct {
	Cause error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("storage quota exceeded: %v", e.Cause)
}

func (e *QuotaError) Unwrap() error { return e.Cause }

// CorruptRecordError reports a stored row that failed its type guard on
// read. Callers skip and log it; it never aborts a batch.
type CorruptRecordError struct {
	Store string
	Key   string
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record in %s store (key %s)", e.Store, e.Key)
}

// IsQuota reports whether err is (or wraps) a QuotaError.
func IsQuota(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// wrapWriteErr maps driver-level out-of-space failures to QuotaError so the
// condition is recognizable without importing the driver.
func wrapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.Code == sqlite3.ErrFull ||
		(serr.Code == sqlite3.ErrIoErr && strings.Contains(err.Error(), "disk"))) {
		return fmt.Errorf("%s: %w", op, &QuotaError{Cause: err})
	}
	return fmt.Errorf("%s: %w", op, err)
}
