// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"
)

func scored(activity string, scaled float64, ts string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"actor":{"mbox":"mailto:learner@example.com"},"verb":{"id":"http://adlnet.gov/expapi/verbs/scored"},"object":{"id":"%s"},"result":{"score":{"scaled":%g}},"timestamp":"%s"}`,
		activity, scaled, ts))
}

func unscored(activity, ts string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"actor":{"mbox":"mailto:learner@example.com"},"verb":{"id":"http://adlnet.gov/expapi/verbs/completed"},"object":{"id":"%s"},"timestamp":"%s"}`,
		activity, ts))
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestMatch(t *testing.T) {
	a, _ := ParseStatement(scored("http://example.com/quiz", 0.5, "2026-01-01T00:00:00Z"))
	b, _ := ParseStatement(scored("http://example.com/quiz", 0.9, "2026-01-02T00:00:00Z"))
	if !Match(a, b) {
		t.Fatal("same actor/verb/object must match")
	}

	c, _ := ParseStatement(scored("http://example.com/other", 0.9, "2026-01-02T00:00:00Z"))
	if Match(a, c) {
		t.Fatal("different activity must not match")
	}

	d, _ := ParseStatement(unscored("http://example.com/quiz", "2026-01-02T00:00:00Z"))
	if Match(a, d) {
		t.Fatal("different verb must not match")
	}

	// Account-identified actors match on home page + name.
	e, _ := ParseStatement(json.RawMessage(
		`{"actor":{"account":{"homePage":"https://lms.example.com","name":"u1"}},"verb":{"id":"v"},"object":{"id":"o"}}`))
	f, _ := ParseStatement(json.RawMessage(
		`{"actor":{"account":{"homePage":"https://lms.example.com","name":"u1"}},"verb":{"id":"v"},"object":{"id":"o"}}`))
	if !Match(e, f) {
		t.Fatal("account actors must match")
	}

	if Match(nil, a) || Match(a, nil) {
		t.Fatal("nil statements never match")
	}
}

func TestLastWriteWins(t *testing.T) {
	r := &LastWriteWinsResolver{Now: fixedClock}

	local := Candidate{
		StatementID: "local-1",
		Payload:     scored("http://example.com/quiz", 0.5, "2026-01-01T00:00:00Z"),
		RecordedAt:  time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
	}
	remote := Candidate{
		StatementID: "remote-1",
		Payload:     scored("http://example.com/quiz", 0.7, "2026-01-02T00:00:00Z"),
		RecordedAt:  time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC),
	}

	res, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Decision != KeepLocal {
		t.Fatalf("later recorded side must win, got %s", res.Decision)
	}
	if string(res.Statement) != string(local.Payload) {
		t.Fatal("canonical payload must be the local one")
	}
	if res.Audit.Strategy != "last_write_wins" {
		t.Fatalf("unexpected strategy %s", res.Audit.Strategy)
	}
}

func TestLastWriteWinsTieBreaksByID(t *testing.T) {
	r := &LastWriteWinsResolver{Now: fixedClock}
	at := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	local := Candidate{StatementID: "bbb", Payload: unscored("o", "2026-01-01T00:00:00Z"), RecordedAt: at}
	remote := Candidate{StatementID: "aaa", Payload: unscored("o", "2026-01-01T00:00:00Z"), RecordedAt: at}

	res, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Decision != KeepLocal {
		t.Fatalf("lexically greater id must win the tie, got %s", res.Decision)
	}

	// Swapping sides flips the outcome: no randomness involved.
	rev, err := r.Resolve(remote, local)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rev.Decision != KeepRemote {
		t.Fatalf("expected keep_remote after swap, got %s", rev.Decision)
	}
}

func TestTimestampResolverUsesDeclaredTimestamp(t *testing.T) {
	r := &TimestampResolver{Now: fixedClock}

	// Local was enqueued later but describes an earlier event.
	local := Candidate{
		StatementID: "local-1",
		Payload:     scored("http://example.com/quiz", 0.5, "2026-01-01T00:00:00Z"),
		RecordedAt:  time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC),
	}
	remote := Candidate{
		StatementID: "remote-1",
		Payload:     scored("http://example.com/quiz", 0.7, "2026-01-03T00:00:00Z"),
		RecordedAt:  time.Date(2026, 1, 4, 0, 0, 0, 0, time.UTC),
	}

	res, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Decision != KeepRemote {
		t.Fatalf("declared timestamps must decide, got %s", res.Decision)
	}
}

func TestScorePreservingKeepsHigherScore(t *testing.T) {
	r := &ScorePreservingResolver{Now: fixedClock}

	// Remote is both higher scoring and later: unambiguous keep_remote.
	local := Candidate{
		StatementID: "local-1",
		Payload:     scored("http://example.com/quiz", 0.6, "2026-01-01T00:00:00Z"),
		RecordedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	remote := Candidate{
		StatementID: "remote-1",
		Payload:     scored("http://example.com/quiz", 0.9, "2026-01-02T00:00:00Z"),
		RecordedAt:  time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}

	res, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Decision != KeepRemote {
		t.Fatalf("expected keep_remote, got %s", res.Decision)
	}
}

func TestScorePreservingNeverReplacesHigherScore(t *testing.T) {
	r := &ScorePreservingResolver{Now: fixedClock}

	// Local holds the higher score even though remote is more recent.
	local := Candidate{
		StatementID: "local-1",
		Payload:     scored("http://example.com/quiz", 0.95, "2026-01-01T00:00:00Z"),
		RecordedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	remote := Candidate{
		StatementID: "remote-1",
		Payload:     scored("http://example.com/quiz", 0.4, "2026-01-08T00:00:00Z"),
		RecordedAt:  time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC),
	}

	res, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Decision != KeepLocal {
		t.Fatalf("higher score must never be replaced, got %s", res.Decision)
	}
}

func TestScorePreservingFallsBackToTimestamp(t *testing.T) {
	r := &ScorePreservingResolver{Now: fixedClock}

	local := Candidate{
		StatementID: "local-1",
		Payload:     unscored("http://example.com/lesson", "2026-01-01T00:00:00Z"),
		RecordedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	remote := Candidate{
		StatementID: "remote-1",
		Payload:     unscored("http://example.com/lesson", "2026-01-02T00:00:00Z"),
		RecordedAt:  time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}

	res, err := r.Resolve(local, remote)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Decision != KeepRemote {
		t.Fatalf("expected timestamp fallback to keep_remote, got %s", res.Decision)
	}
	if res.Audit.Strategy != "score_preserving" {
		t.Fatalf("audit must carry the outer strategy, got %s", res.Audit.Strategy)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	for _, r := range []Resolver{
		&LastWriteWinsResolver{Now: fixedClock},
		&TimestampResolver{Now: fixedClock},
		&ScorePreservingResolver{Now: fixedClock},
	} {
		local := Candidate{
			StatementID: "local-1",
			Payload:     scored("http://example.com/quiz", 0.6, "2026-01-01T00:00:00Z"),
			RecordedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
		remote := Candidate{
			StatementID: "remote-1",
			Payload:     scored("http://example.com/quiz", 0.9, "2026-01-02T00:00:00Z"),
			RecordedAt:  time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		}

		first, err := r.Resolve(local, remote)
		if err != nil {
			t.Fatalf("%s: resolve: %v", r.Name(), err)
		}
		second, err := r.Resolve(local, remote)
		if err != nil {
			t.Fatalf("%s: resolve again: %v", r.Name(), err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("%s: identical inputs produced different resolutions", r.Name())
		}
	}
}

func TestCustomResolver(t *testing.T) {
	merged := json.RawMessage(`{"merged":true}`)
	r, err := NewCustom(CustomOptions{
		Strategy: "always_merge",
		Now:      fixedClock,
		Compare: func(local, remote Candidate) (string, json.RawMessage, string, error) {
			return Merge, merged, "policy merges every conflict", nil
		},
	})
	if err != nil {
		t.Fatalf("new custom: %v", err)
	}

	res, err := r.Resolve(
		Candidate{StatementID: "a", Payload: unscored("o", "2026-01-01T00:00:00Z")},
		Candidate{StatementID: "b", Payload: unscored("o", "2026-01-02T00:00:00Z")},
	)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Decision != Merge {
		t.Fatalf("expected merge, got %s", res.Decision)
	}
	if string(res.Statement) != string(merged) {
		t.Fatal("merged payload must be the canonical statement")
	}
	if res.Audit.Strategy != "always_merge" {
		t.Fatalf("unexpected strategy %s", res.Audit.Strategy)
	}
}

func TestCustomResolverValidation(t *testing.T) {
	if _, err := NewCustom(CustomOptions{Strategy: "x"}); err == nil {
		t.Fatal("expected error without compare func")
	}
	if _, err := NewCustom(CustomOptions{Compare: func(a, b Candidate) (string, json.RawMessage, string, error) {
		return KeepLocal, nil, "", nil
	}}); err == nil {
		t.Fatal("expected error without strategy name")
	}

	r, _ := NewCustom(CustomOptions{
		Strategy: "bad",
		Compare: func(a, b Candidate) (string, json.RawMessage, string, error) {
			return "nonsense", nil, "", nil
		},
	})
	if _, err := r.Resolve(Candidate{Payload: unscored("o", "2026-01-01T00:00:00Z")}, Candidate{Payload: unscored("o", "2026-01-01T00:00:00Z")}); err == nil {
		t.Fatal("expected error for unknown decision")
	}
}
