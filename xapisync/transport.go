// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package xapisync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lxd360/go-xapisync/internal/auth"
	"github.com/lxd360/go-xapisync/lrs"
)

// upload POSTs one batch to the record store. Transport failures, timeouts,
// and 5xx responses come back as TransientError so the caller retries the
// whole batch with backoff. Per-statement outcomes (including validation
// errors and conflicts) arrive in the response body.
func (s *Service) upload(ctx context.Context, req *lrs.BatchRequest) (*lrs.BatchResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.config.Endpoint+"/statements/batch", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if tenantID, ok := auth.GetTenantID(ctx); ok {
		httpReq.Header.Set("X-Tenant-ID", tenantID)
	}
	if deviceID, ok := auth.GetDeviceID(ctx); ok {
		httpReq.Header.Set("X-Device-ID", deviceID)
	}

	if s.Token != nil {
		token, err := s.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get bearer token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.HTTP.Do(httpReq)
	if err != nil {
		return nil, &lrs.TransientError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, &lrs.TransientError{StatusCode: resp.StatusCode}
		}
		return nil, &lrs.TransientError{
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var batchResp lrs.BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batchResp); err != nil {
		return nil, &lrs.TransientError{Cause: fmt.Errorf("failed to decode batch response: %w", err)}
	}
	return &batchResp, nil
}
