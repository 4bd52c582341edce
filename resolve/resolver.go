// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"encoding/json"
	"fmt"
	"time"
)

// Decision constants
const (
	KeepLocal  = "keep_local"
	KeepRemote = "keep_remote"
	Merge      = "merge"
)

// Candidate is one side of a conflict: a statement plus the time its holder
// recorded it (local enqueue time, or server-recorded time).
type Candidate struct {
	StatementID string
	Payload     json.RawMessage
	RecordedAt  time.Time
}

// Audit documents one resolution so every decision is explainable after the
// fact.
type Audit struct {
	StatementIDs []string  `json:"statement_ids"`
	Strategy     string    `json:"strategy"`
	Decision     string    `json:"decision"`
	Reasoning    string    `json:"reasoning"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

// Resolution is the outcome of resolving one conflict. Statement holds the
// canonical payload (the chosen side, or the merge result).
type Resolution struct {
	Decision  string
	Statement json.RawMessage
	Audit     Audit
}

// Resolver decides which of two representations of the same fact is
// canonical. Resolve must be deterministic: the same inputs always yield the
// same decision and the same audit record.
type Resolver interface {
	Name() string
	Resolve(local, remote Candidate) (*Resolution, error)
}

// Compile-time checks
var (
	_ Resolver = (*LastWriteWinsResolver)(nil)
	_ Resolver = (*TimestampResolver)(nil)
	_ Resolver = (*ScorePreservingResolver)(nil)
	_ Resolver = (*customResolver)(nil)
)

// clock is injectable so tests can pin audit timestamps.
type clock func() time.Time

func defaultClock(c clock) clock {
	if c == nil {
		return time.Now
	}
	return c
}

// resolution assembles the outcome and its audit record.
func resolution(strategy, decision, reasoning string, local, remote Candidate, chosen json.RawMessage, now clock) *Resolution {
	return &Resolution{
		Decision:  decision,
		Statement: chosen,
		Audit: Audit{
			StatementIDs: []string{local.StatementID, remote.StatementID},
			Strategy:     strategy,
			Decision:     decision,
			Reasoning:    reasoning,
			ResolvedAt:   now().UTC(),
		},
	}
}

// pickLater resolves by comparing two timestamps, breaking ties by lexical
// comparison of statement ids so the outcome is deterministic.
func pickLater(strategy, basis string, localT, remoteT time.Time, local, remote Candidate, now clock) *Resolution {
	switch {
	case localT.After(remoteT):
		return resolution(strategy, KeepLocal,
			fmt.Sprintf("local %s %s is later than remote %s", basis, localT.Format(time.RFC3339), remoteT.Format(time.RFC3339)),
			local, remote, local.Payload, now)
	case remoteT.After(localT):
		return resolution(strategy, KeepRemote,
			fmt.Sprintf("remote %s %s is later than local %s", basis, remoteT.Format(time.RFC3339), localT.Format(time.RFC3339)),
			local, remote, remote.Payload, now)
	case local.StatementID > remote.StatementID:
		return resolution(strategy, KeepLocal,
			fmt.Sprintf("equal %s; local id sorts after remote id", basis),
			local, remote, local.Payload, now)
	default:
		return resolution(strategy, KeepRemote,
			fmt.Sprintf("equal %s; remote id sorts after or equals local id", basis),
			local, remote, remote.Payload, now)
	}
}

// LastWriteWinsResolver keeps whichever side was recorded later by its
// holder (local enqueue time vs. server-recorded time). Ties break by
// lexical statement id.
type LastWriteWinsResolver struct {
	Now func() time.Time // defaults to time.Now; fix in tests for stable audits
}

func (r *LastWriteWinsResolver) Name() string { return "last_write_wins" }

func (r *LastWriteWinsResolver) Resolve(local, remote Candidate) (*Resolution, error) {
	now := defaultClock(r.Now)
	return pickLater(r.Name(), "recorded time", local.RecordedAt, remote.RecordedAt, local, remote, now), nil
}

// TimestampResolver is last-write-wins over the statements' own declared
// timestamps, tolerating clock skew between when an event occurred and when
// it was queued. A side with no declared timestamp falls back to its
// recorded time.
type TimestampResolver struct {
	Now func() time.Time
}

func (r *TimestampResolver) Name() string { return "statement_timestamp" }

func (r *TimestampResolver) Resolve(local, remote Candidate) (*Resolution, error) {
	now := defaultClock(r.Now)
	localT, err := declaredOrRecorded(local)
	if err != nil {
		return nil, err
	}
	remoteT, err := declaredOrRecorded(remote)
	if err != nil {
		return nil, err
	}
	return pickLater(r.Name(), "timestamp", localT, remoteT, local, remote, now), nil
}

func declaredOrRecorded(c Candidate) (time.Time, error) {
	stmt, err := ParseStatement(c.Payload)
	if err != nil {
		return time.Time{}, err
	}
	if stmt.Timestamp != nil {
		return *stmt.Timestamp, nil
	}
	return c.RecordedAt, nil
}

// ScorePreservingResolver enforces the domain invariant that a previously
// recorded higher score is never replaced by a lower one, regardless of
// recency. When scores are equal or absent it falls back to timestamp
// comparison.
type ScorePreservingResolver struct {
	Now func() time.Time
}

func (r *ScorePreservingResolver) Name() string { return "score_preserving" }

func (r *ScorePreservingResolver) Resolve(local, remote Candidate) (*Resolution, error) {
	now := defaultClock(r.Now)

	localStmt, err := ParseStatement(local.Payload)
	if err != nil {
		return nil, err
	}
	remoteStmt, err := ParseStatement(remote.Payload)
	if err != nil {
		return nil, err
	}

	localScore := localStmt.ScaledScore()
	remoteScore := remoteStmt.ScaledScore()

	switch {
	case localScore != nil && remoteScore != nil && *localScore > *remoteScore:
		return resolution(r.Name(), KeepLocal,
			fmt.Sprintf("local score %.4f is higher than remote score %.4f", *localScore, *remoteScore),
			local, remote, local.Payload, now), nil
	case localScore != nil && remoteScore != nil && *remoteScore > *localScore:
		return resolution(r.Name(), KeepRemote,
			fmt.Sprintf("remote score %.4f is higher than local score %.4f", *remoteScore, *localScore),
			local, remote, remote.Payload, now), nil
	case localScore != nil && remoteScore == nil:
		return resolution(r.Name(), KeepLocal,
			"local statement carries a score and remote does not",
			local, remote, local.Payload, now), nil
	case remoteScore != nil && localScore == nil:
		return resolution(r.Name(), KeepRemote,
			"remote statement carries a score and local does not",
			local, remote, remote.Payload, now), nil
	}

	// Scores equal or both absent: timestamp comparison decides.
	ts := &TimestampResolver{Now: r.Now}
	res, err := ts.Resolve(local, remote)
	if err != nil {
		return nil, err
	}
	res.Audit.Strategy = r.Name()
	res.Audit.Reasoning = "scores equal or absent; " + res.Audit.Reasoning
	return res, nil
}

// CustomOptions configures a caller-supplied resolver for domain rules not
// covered by the built-ins.
type CustomOptions struct {
	// Strategy names the policy in audit records.
	Strategy string
	// Compare returns the decision and a human-readable reason. For a Merge
	// decision, Merged must be returned as the canonical payload.
	Compare func(local, remote Candidate) (decision string, merged json.RawMessage, reason string, err error)
	// Now is the audit clock; defaults to time.Now.
	Now func() time.Time
}

type customResolver struct {
	opts CustomOptions
}

// NewCustom creates a resolver from a caller-supplied comparator.
func NewCustom(opts CustomOptions) (Resolver, error) {
	if opts.Strategy == "" {
		return nil, fmt.Errorf("custom resolver requires a strategy name")
	}
	if opts.Compare == nil {
		return nil, fmt.Errorf("custom resolver requires a compare function")
	}
	return &customResolver{opts: opts}, nil
}

func (r *customResolver) Name() string { return r.opts.Strategy }

func (r *customResolver) Resolve(local, remote Candidate) (*Resolution, error) {
	now := defaultClock(r.opts.Now)

	decision, merged, reason, err := r.opts.Compare(local, remote)
	if err != nil {
		return nil, fmt.Errorf("custom resolver %s failed: %w", r.opts.Strategy, err)
	}

	var chosen json.RawMessage
	switch decision {
	case KeepLocal:
		chosen = local.Payload
	case KeepRemote:
		chosen = remote.Payload
	case Merge:
		if merged == nil {
			return nil, fmt.Errorf("custom resolver %s returned merge without a merged payload", r.opts.Strategy)
		}
		chosen = merged
	default:
		return nil, fmt.Errorf("custom resolver %s returned unknown decision %q", r.opts.Strategy, decision)
	}

	return resolution(r.Name(), decision, reason, local, remote, chosen, now), nil
}
