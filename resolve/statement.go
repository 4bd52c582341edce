// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

// Package resolve decides which of two statements describing the same fact
// is canonical. The queue treats statement payloads as opaque; this package
// parses only the minimal xAPI surface it needs for matching and comparison
// (actor identity, verb, activity object, timestamp, scaled score).
package resolve

import (
	"encoding/json"
	"fmt"
	"time"
)

// Statement is the minimal view of an xAPI statement payload.
type Statement struct {
	ID        string     `json:"id,omitempty"`
	Actor     Actor      `json:"actor"`
	Verb      Verb       `json:"verb"`
	Object    Object     `json:"object"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Result    *Result    `json:"result,omitempty"`
}

// Actor identifies the learner by one of the xAPI inverse functional
// identifiers.
type Actor struct {
	Mbox     string   `json:"mbox,omitempty"`
	MboxSHA1 string   `json:"mbox_sha1sum,omitempty"`
	OpenID   string   `json:"openid,omitempty"`
	Account  *Account `json:"account,omitempty"`
}

// Account is an actor identified by a home page + name pair.
type Account struct {
	HomePage string `json:"homePage"`
	Name     string `json:"name"`
}

// Verb carries the verb IRI.
type Verb struct {
	ID string `json:"id"`
}

// Object carries the activity IRI.
type Object struct {
	ID string `json:"id"`
}

// Result carries the score, when the statement records one.
type Result struct {
	Score *Score `json:"score,omitempty"`
}

// Score carries the normalized scaled score in [-1, 1].
type Score struct {
	Scaled *float64 `json:"scaled,omitempty"`
}

// Key returns the actor's identity key: whichever inverse functional
// identifier is present.
func (a Actor) Key() string {
	switch {
	case a.Mbox != "":
		return a.Mbox
	case a.MboxSHA1 != "":
		return "sha1:" + a.MboxSHA1
	case a.OpenID != "":
		return a.OpenID
	case a.Account != nil:
		return a.Account.HomePage + "|" + a.Account.Name
	}
	return ""
}

// ScaledScore returns the statement's scaled score, or nil if absent.
func (s *Statement) ScaledScore() *float64 {
	if s.Result == nil || s.Result.Score == nil {
		return nil
	}
	return s.Result.Score.Scaled
}

// ParseStatement extracts the minimal view from an opaque payload.
func ParseStatement(payload json.RawMessage) (*Statement, error) {
	var s Statement
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("failed to parse statement payload: %w", err)
	}
	return &s, nil
}

// Match reports whether two statements describe the same fact: same actor,
// same verb, same activity object. Statements that do not match are
// independent facts and neither is discarded.
func Match(a, b *Statement) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Actor.Key() == "" || a.Verb.ID == "" || a.Object.ID == "" {
		return false
	}
	return a.Actor.Key() == b.Actor.Key() &&
		a.Verb.ID == b.Verb.ID &&
		a.Object.ID == b.Object.ID
}
