// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package xapisync

import (
	"context"
	"fmt"
	"time"

	"github.com/lxd360/go-xapisync/internal/auth"
	"github.com/lxd360/go-xapisync/lrs"
	"github.com/lxd360/go-xapisync/resolve"
	"github.com/lxd360/go-xapisync/xapiqueue"
)

type passResult int

const (
	passEmpty passResult = iota
	passSynced
	passTransient
)

// runPass executes one sync pass: sweep expired leases, dequeue a batch,
// upload it, and apply the per-statement results. A single statement's
// failure never aborts the rest of the batch; item-level failures are
// reported in aggregate at the end.
func (s *Service) runPass(ctx context.Context) passResult {
	s.setState(StateSyncing)

	if _, err := s.Queue.SweepExpiredLeases(ctx, s.config.LeaseDuration); err != nil {
		s.logger.Warn("lease sweep failed", "error", err)
	}

	batch, err := s.Queue.DequeueBatch(ctx, s.config.TenantID, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to dequeue batch", "error", err)
		s.setState(StateIdle)
		return passEmpty
	}
	if len(batch) == 0 {
		s.setState(StateIdle)
		return passEmpty
	}

	deviceID, ok := auth.GetDeviceID(ctx)
	if !ok {
		meta, err := s.Queue.Metadata(ctx, s.config.TenantID)
		if err != nil {
			s.logger.Error("failed to read sync metadata", "error", err)
			s.failBatch(ctx, batch, &lrs.TransientError{Cause: err})
			return passTransient
		}
		deviceID = meta.DeviceID
	}

	req := &lrs.BatchRequest{
		TenantID: s.config.TenantID,
		DeviceID: deviceID,
	}
	for _, stmt := range batch {
		req.Statements = append(req.Statements, lrs.StatementUpload{
			ID:         stmt.ID,
			Sequence:   stmt.Sequence,
			Payload:    stmt.Payload,
			EnqueuedAt: stmt.EnqueuedAt,
		})
	}

	resp, err := s.upload(ctx, req)
	if err != nil {
		// The whole batch is requeued with backoff.
		s.logger.Warn("batch upload failed", "count", len(batch), "error", err)
		s.failBatch(ctx, batch, err)
		return passTransient
	}

	results := make(map[string]*lrs.StatementResult, len(resp.Results))
	for i := range resp.Results {
		results[resp.Results[i].ID] = &resp.Results[i]
	}

	var itemErrs []error
	for _, stmt := range batch {
		result, ok := results[stmt.ID]
		if !ok {
			// No verdict for this statement; retry it next pass.
			itemErrs = append(itemErrs, fmt.Errorf("statement %s: no result in response", stmt.ID))
			if err := s.Queue.Fail(ctx, stmt.ID, &lrs.TransientError{Cause: fmt.Errorf("missing per-item result")}); err != nil {
				itemErrs = append(itemErrs, err)
			}
			continue
		}
		if err := s.applyResult(ctx, stmt, result, resp); err != nil {
			itemErrs = append(itemErrs, fmt.Errorf("statement %s: %w", stmt.ID, err))
		}
	}

	if err := s.Queue.MarkSynced(ctx, s.config.TenantID, time.Now()); err != nil {
		s.logger.Warn("failed to record sync time", "error", err)
	}
	if len(itemErrs) > 0 {
		s.logger.Warn("sync pass completed with item failures",
			"batch", len(batch), "failures", len(itemErrs), "first", itemErrs[0])
	}

	s.setState(StateIdle)
	if len(batch) == s.config.BatchSize {
		// A full batch suggests more work is waiting.
		s.Notify()
	}
	return passSynced
}

// failBatch requeues every statement of a batch after a transport-level
// failure.
func (s *Service) failBatch(ctx context.Context, batch []*xapiqueue.QueuedStatement, cause error) {
	for _, stmt := range batch {
		if err := s.Queue.Fail(ctx, stmt.ID, cause); err != nil {
			s.logger.Error("failed to requeue statement", "id", stmt.ID, "error", err)
		}
	}
}

// applyResult handles one per-statement verdict from the server.
func (s *Service) applyResult(ctx context.Context, stmt *xapiqueue.QueuedStatement, result *lrs.StatementResult, resp *lrs.BatchResponse) error {
	switch result.Result {
	case lrs.ResultAccepted:
		if err := s.Queue.Ack(ctx, stmt.ID); err != nil {
			return err
		}
		return nil

	case lrs.ResultConflict:
		return s.resolveConflict(ctx, stmt, result, resp)

	case lrs.ResultValidationError:
		// Malformed payloads route straight to dead-letter; retrying them
		// cannot succeed.
		return s.Queue.Fail(ctx, stmt.ID, &lrs.ValidationError{
			StatementID: stmt.ID,
			Reason:      result.Message,
		})

	case lrs.ResultTransientError:
		return s.Queue.Fail(ctx, stmt.ID, &lrs.TransientError{
			Cause: fmt.Errorf("server reported transient failure: %s", result.Message),
		})

	default:
		s.logger.Warn("unknown result kind", "id", stmt.ID, "result", result.Result)
		return s.Queue.Fail(ctx, stmt.ID, &lrs.TransientError{
			Cause: fmt.Errorf("unknown result kind %q", result.Result),
		})
	}
}

// resolveConflict runs the resolver over the local statement and the
// server-held version, persists the audit record, and feeds the outcome
// back through the queue: ack without re-upload (server wins), return the
// local statement to pending (local wins, resubmit), or ack and enqueue a
// merge result.
func (s *Service) resolveConflict(ctx context.Context, stmt *xapiqueue.QueuedStatement, result *lrs.StatementResult, resp *lrs.BatchResponse) error {
	if len(result.Remote) == 0 {
		return fmt.Errorf("%w: conflict result without remote statement", &lrs.ConflictError{StatementID: stmt.ID})
	}

	localStmt, err := resolve.ParseStatement(stmt.Payload)
	if err != nil {
		return err
	}
	remoteStmt, err := resolve.ParseStatement(result.Remote)
	if err != nil {
		return err
	}

	// The server flags conflicts by id; the match predicate decides whether
	// the two really describe the same fact. If not, both are independent
	// facts: keep the local one queued for resubmission.
	if !resolve.Match(localStmt, remoteStmt) {
		s.logger.Info("server conflict does not match locally; resubmitting",
			"id", stmt.ID)
		return s.Queue.Retry(ctx, stmt.ID)
	}

	remoteID := remoteStmt.ID
	if remoteID == "" {
		remoteID = "remote:" + stmt.ID
	}
	remoteRecorded := result.RemoteRecordedAt
	if remoteRecorded.IsZero() {
		remoteRecorded = resp.ServerTime
	}

	local := resolve.Candidate{StatementID: stmt.ID, Payload: stmt.Payload, RecordedAt: stmt.EnqueuedAt}
	remote := resolve.Candidate{StatementID: remoteID, Payload: result.Remote, RecordedAt: remoteRecorded}

	res, err := s.Resolver.Resolve(local, remote)
	if err != nil {
		return fmt.Errorf("conflict resolution failed: %w", err)
	}
	res = s.preserveAcceptedScore(ctx, res)

	audit := &xapiqueue.ConflictAudit{
		TenantID:     s.config.TenantID,
		StatementIDs: res.Audit.StatementIDs,
		Strategy:     res.Audit.Strategy,
		Decision:     res.Audit.Decision,
		Reasoning:    res.Audit.Reasoning,
		ResolvedAt:   res.Audit.ResolvedAt,
	}
	if err := s.Queue.RecordAudit(ctx, audit); err != nil {
		s.logger.Warn("failed to persist conflict audit", "id", stmt.ID, "error", err)
	}
	s.logger.Info("conflict resolved",
		"id", stmt.ID, "strategy", res.Audit.Strategy,
		"decision", res.Decision, "reasoning", res.Audit.Reasoning)

	switch res.Decision {
	case resolve.KeepRemote:
		// Server wins: acknowledge without re-upload.
		if err := s.Queue.Ack(ctx, stmt.ID); err != nil {
			return err
		}
	case resolve.KeepLocal:
		// Local wins: resubmit as-is on the next pass.
		if err := s.Queue.Retry(ctx, stmt.ID); err != nil {
			return err
		}
	case resolve.Merge:
		// The merge result supersedes the local statement. Retiring the
		// original and enqueueing the merged fact happen in one transaction
		// so a crash between them cannot lose the outcome.
		if _, err := s.Queue.ReplaceWithMerged(ctx, stmt.ID, s.config.TenantID, res.Statement); err != nil {
			return err
		}
	default:
		return fmt.Errorf("resolver returned unknown decision %q", res.Decision)
	}

	return s.updateProgress(ctx, res)
}

// preserveAcceptedScore checks a resolution outcome against the progress
// cache, the record of previously accepted state for the (learner, activity)
// pair. A cached score higher than the outcome's stays canonical: the cached
// statement wins, the decision becomes keep_remote so the local statement is
// retired without re-upload, and the cache is never written with a lower
// score than it already holds.
func (s *Service) preserveAcceptedScore(ctx context.Context, res *resolve.Resolution) *resolve.Resolution {
	chosen, err := resolve.ParseStatement(res.Statement)
	if err != nil || chosen.Actor.Key() == "" || chosen.Object.ID == "" {
		return res
	}
	entry, err := s.Queue.Progress(ctx, s.config.TenantID, chosen.Actor.Key(), chosen.Object.ID)
	if err != nil || entry == nil || entry.Score == nil {
		return res
	}
	outcome := chosen.ScaledScore()
	if outcome != nil && *outcome >= *entry.Score {
		return res
	}

	guarded := *res
	guarded.Decision = resolve.KeepRemote
	guarded.Statement = entry.Statement
	guarded.Audit.Decision = resolve.KeepRemote
	guarded.Audit.Reasoning = fmt.Sprintf(
		"%s; previously accepted score %.4f is higher than the outcome; keeping the recorded state",
		res.Audit.Reasoning, *entry.Score)
	return &guarded
}

// updateProgress writes the accepted resolution outcome into the progress
// cache. This is the only code path that mutates the cache.
func (s *Service) updateProgress(ctx context.Context, res *resolve.Resolution) error {
	chosen, err := resolve.ParseStatement(res.Statement)
	if err != nil {
		return err
	}
	if chosen.Actor.Key() == "" || chosen.Object.ID == "" {
		return nil // Not a (learner, activity) fact; nothing to cache.
	}
	entry := &xapiqueue.ProgressEntry{
		TenantID:  s.config.TenantID,
		Actor:     chosen.Actor.Key(),
		Activity:  chosen.Object.ID,
		Statement: res.Statement,
		Score:     chosen.ScaledScore(),
		UpdatedAt: res.Audit.ResolvedAt,
	}
	return s.Queue.SaveProgress(ctx, entry)
}
