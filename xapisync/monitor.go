// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package xapisync

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Monitor reports connectivity. Events delivers a value on every transition
// (true = online); Online reports the current belief.
type Monitor interface {
	Online() bool
	Events() <-chan bool
}

// ProbeMonitor detects connectivity by periodically probing the sync
// endpoint with a HEAD request. Any response, including an error status,
// counts as online; only transport failures count as offline.
type ProbeMonitor struct {
	URL      string
	Interval time.Duration
	HTTP     *http.Client

	online atomic.Bool
	events chan bool
	once   sync.Once
}

// NewProbeMonitor creates a probe monitor. It assumes online until the
// first probe says otherwise, so a freshly started service attempts a sync
// immediately.
func NewProbeMonitor(url string, interval time.Duration) *ProbeMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m := &ProbeMonitor{
		URL:      url,
		Interval: interval,
		HTTP:     &http.Client{Timeout: 5 * time.Second},
		events:   make(chan bool, 1),
	}
	m.online.Store(true)
	return m
}

// Start launches the probe loop. It stops when ctx is cancelled.
func (m *ProbeMonitor) Start(ctx context.Context) {
	m.once.Do(func() {
		go m.loop(ctx)
	})
}

func (m *ProbeMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *ProbeMonitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.URL, nil)
	if err != nil {
		return
	}
	resp, err := m.HTTP.Do(req)
	online := err == nil
	if resp != nil {
		resp.Body.Close()
	}
	if m.online.Swap(online) != online {
		// Transition; a full channel already carries a pending event.
		select {
		case m.events <- online:
		default:
		}
	}
}

// Online reports the last probe outcome.
func (m *ProbeMonitor) Online() bool { return m.online.Load() }

// Events returns the transition channel.
func (m *ProbeMonitor) Events() <-chan bool { return m.events }

// ManualMonitor is a monitor whose state is flipped by the caller. Useful in
// tests and in hosts that already know their connectivity (e.g. an embedding
// application receiving OS-level signals).
type ManualMonitor struct {
	online atomic.Bool
	events chan bool
}

// NewManualMonitor creates a manual monitor with the given initial state.
func NewManualMonitor(online bool) *ManualMonitor {
	m := &ManualMonitor{events: make(chan bool, 4)}
	m.online.Store(online)
	return m
}

// Set flips connectivity and emits a transition event when it changed.
func (m *ManualMonitor) Set(online bool) {
	if m.online.Swap(online) != online {
		m.events <- online
	}
}

// Online reports the current state.
func (m *ManualMonitor) Online() bool { return m.online.Load() }

// Events returns the transition channel.
func (m *ManualMonitor) Events() <-chan bool { return m.events }
