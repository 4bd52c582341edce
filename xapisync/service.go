// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

// Package xapisync drains the durable statement queue to a remote record
// store. It is the control loop of the system: connectivity-aware,
// backoff-driven, batching work through the queue manager and consulting a
// conflict resolver on server-reported conflicts.
package xapisync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lxd360/go-xapisync/internal/auth"
	"github.com/lxd360/go-xapisync/resolve"
	"github.com/lxd360/go-xapisync/xapiqueue"
)

// TokenFunc supplies the bearer token for outbound requests.
type TokenFunc func(ctx context.Context) (string, error)

// Config holds configuration for the sync service.
type Config struct {
	Endpoint      string        // Base URL of the record store
	TenantID      string        // Tenant this service drains
	BatchSize     int           // Statements per upload, e.g. 50
	Interval      time.Duration // Periodic pass interval, e.g. 30s
	BackoffMin    time.Duration // First backoff delay after a transient failure, e.g. 1s
	BackoffMax    time.Duration // Backoff cap, e.g. 60s
	LeaseDuration time.Duration // Lease swept before each pass, e.g. 90s
}

// DefaultConfig returns conventional defaults for the given endpoint and
// tenant.
func DefaultConfig(endpoint, tenantID string) *Config {
	return &Config{
		Endpoint:      endpoint,
		TenantID:      tenantID,
		BatchSize:     50,
		Interval:      30 * time.Second,
		BackoffMin:    1 * time.Second,
		BackoffMax:    60 * time.Second,
		LeaseDuration: 90 * time.Second,
	}
}

// Service is the sync control loop. One Service drains one tenant's queue;
// only one pass is ever active at a time, and concurrent triggers (timer,
// connectivity event, producer hint) coalesce into at most one queued
// follow-up pass.
type Service struct {
	Queue    *xapiqueue.Manager
	Resolver resolve.Resolver
	Monitor  Monitor
	Token    TokenFunc
	HTTP     *http.Client

	config *Config
	logger *slog.Logger

	kick   chan struct{} // 1-buffered; coalesces pass triggers
	done   chan struct{}
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	subs     map[int]chan Status
	nextSub  int
	started  bool
	stopOnce sync.Once
}

// New creates a sync service. queue must be initialized by the caller
// (Initialize performs crash recovery). A nil resolver defaults to
// ScorePreservingResolver; a nil monitor defaults to a probe against the
// endpoint; a nil logger defaults to slog.Default.
func New(queue *xapiqueue.Manager, resolver resolve.Resolver, monitor Monitor, token TokenFunc, config *Config, logger *slog.Logger) (*Service, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue manager cannot be nil")
	}
	if config == nil || config.Endpoint == "" || config.TenantID == "" {
		return nil, fmt.Errorf("config with endpoint and tenant id must be provided")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if resolver == nil {
		resolver = &resolve.ScorePreservingResolver{}
	}
	if monitor == nil {
		monitor = NewProbeMonitor(config.Endpoint, 15*time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		Queue:    queue,
		Resolver: resolver,
		Monitor:  monitor,
		Token:    token,
		HTTP:     &http.Client{Timeout: 120 * time.Second},
		config:   config,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		subs:     make(map[int]chan Status),
		state:    StateIdle,
	}, nil
}

// Start registers the connectivity listener, enters idle (or offline if the
// network is already down), and schedules an immediate sync attempt. The
// loop runs until Stop or ctx cancellation.
func (s *Service) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)

	// started and cancel flip together: a Stop racing with Start must never
	// observe started without a usable cancel func.
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("sync service already started")
	}
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()

	if pm, ok := s.Monitor.(*ProbeMonitor); ok {
		pm.Start(loopCtx)
	}

	if s.Monitor.Online() {
		s.setState(StateIdle)
	} else {
		s.setState(StateOffline)
	}

	go s.run(loopCtx)
	s.Notify()
	return nil
}

// Stop cancels timers and listeners, aborts any in-flight request, waits
// for the loop to exit, and transitions to stopped. Stop is idempotent; no
// network calls occur after it returns.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		cancel := s.cancel
		s.mu.Unlock()
		if !started {
			s.setState(StateStopped)
			return
		}
		cancel()
		<-s.done
		s.setState(StateStopped)
	})
}

// Notify hints that new work may be available (e.g. after an enqueue). The
// hint is coalesced: at most one follow-up pass is scheduled no matter how
// many hints arrive while a pass is running.
func (s *Service) Notify() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// State returns the current state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the current observable status.
func (s *Service) Status() Status {
	depth, err := s.Queue.Depth(context.Background(), s.config.TenantID)
	if err != nil {
		depth = 0
	}
	return Status{State: s.State(), QueueDepth: depth}
}

// Subscribe registers a status listener. Every state transition delivers a
// Status; slow subscribers miss intermediate updates rather than blocking
// the loop. The returned func cancels the subscription.
func (s *Service) Subscribe() (<-chan Status, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Status, 8)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// setState records a transition and fans the new status out to subscribers.
func (s *Service) setState(state State) {
	depth, _ := s.Queue.Depth(context.Background(), s.config.TenantID)
	status := Status{State: state, QueueDepth: depth}

	s.mu.Lock()
	changed := s.state != state
	s.state = state
	subs := make([]chan Status, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	if changed {
		s.logger.Debug("sync state changed", "state", state, "queue_depth", depth)
	}
	for _, ch := range subs {
		select {
		case ch <- status:
		default:
		}
	}
}

// run is the single loop goroutine. All pass execution happens here, which
// is what guarantees one pass at a time.
func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	if meta, err := s.Queue.Metadata(ctx, s.config.TenantID); err == nil {
		ctx = auth.SetSyncContext(ctx, s.config.TenantID, meta.DeviceID)
	} else {
		ctx = auth.SetTenantID(ctx, s.config.TenantID)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	backoff := s.config.BackoffMin
	var backoffTimer *time.Timer
	var backoffCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if backoffTimer != nil {
				backoffTimer.Stop()
			}
			return

		case online := <-s.Monitor.Events():
			if !online {
				// Offline suspends the loop entirely; enqueue still works.
				if backoffTimer != nil {
					backoffTimer.Stop()
					backoffCh = nil
				}
				s.setState(StateOffline)
				continue
			}
			if s.State() == StateOffline {
				backoff = s.config.BackoffMin
				s.setState(StateIdle)
				s.Notify()
			}

		case <-ticker.C:
			s.Notify()

		case <-backoffCh:
			backoffCh = nil
			s.setState(StateIdle)
			s.Notify()

		case <-s.kick:
			switch s.State() {
			case StateOffline:
				continue
			case StateBackoff:
				// A new enqueue during backoff must not reset the timer.
				continue
			}

			switch s.runPass(ctx) {
			case passTransient:
				s.setState(StateBackoff)
				delay := backoff
				backoff *= 2
				if backoff > s.config.BackoffMax {
					backoff = s.config.BackoffMax
				}
				if backoffTimer == nil {
					backoffTimer = time.NewTimer(delay)
				} else {
					backoffTimer.Reset(delay)
				}
				backoffCh = backoffTimer.C
				s.logger.Info("sync pass failed; backing off", "delay", delay)
			default:
				backoff = s.config.BackoffMin
			}
		}
	}
}
