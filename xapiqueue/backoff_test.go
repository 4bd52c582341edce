// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package xapiqueue

import (
	"math/rand"
	"testing"
	"time"
)

func TestRetryDelayGrowsMonotonicallyUpToCap(t *testing.T) {
	base := 1 * time.Second
	max := 60 * time.Second
	rng := rand.New(rand.NewSource(42)).Float64

	var prev time.Duration
	for attempt := 0; attempt < 12; attempt++ {
		d := retryDelay(base, max, attempt, rng)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > max {
			t.Fatalf("delay exceeded cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}

	// Deep into the schedule the delay pins to the cap exactly.
	if d := retryDelay(base, max, 30, rng); d != max {
		t.Fatalf("expected cap %v, got %v", max, d)
	}
}

func TestRetryDelayDeterministicWithFixedRng(t *testing.T) {
	fixed := func() float64 { return 0.25 }
	a := retryDelay(time.Second, time.Minute, 3, fixed)
	b := retryDelay(time.Second, time.Minute, 3, fixed)
	if a != b {
		t.Fatalf("same inputs produced different delays: %v != %v", a, b)
	}
}

func TestRetryDelayJitterStaysBounded(t *testing.T) {
	base := 1 * time.Second
	max := 60 * time.Second

	for _, r := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
		rng := func() float64 { return r }
		d := retryDelay(base, max, 2, rng) // Unjittered: 4s
		lo := time.Duration(float64(4*time.Second) * (1 - jitterFraction))
		hi := time.Duration(float64(4*time.Second) * (1 + jitterFraction))
		if d < lo || d > hi {
			t.Fatalf("rng %.3f: delay %v outside [%v, %v]", r, d, lo, hi)
		}
	}
}

func TestRetryDelayDegenerateConfig(t *testing.T) {
	if d := retryDelay(0, 0, 1, nil); d <= 0 {
		t.Fatalf("expected positive fallback delay, got %v", d)
	}
	if d := retryDelay(10*time.Second, time.Second, 5, nil); d != 10*time.Second {
		t.Fatalf("max below base should clamp to base, got %v", d)
	}
}
