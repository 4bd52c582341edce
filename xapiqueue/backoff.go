// Copyright 2026 LXD360
// SPDX-License-Identifier: Apache-2.0

package xapiqueue

import (
	"time"
)

// jitterFraction bounds how far a retry delay deviates from the exponential
// schedule (plus or minus 20%), spreading retries from devices that failed
// at the same moment.
const jitterFraction = 0.2

// retryDelay computes the delay before the next attempt: base * 2^attempts,
// capped at max, with jitter drawn from rng (a func returning [0,1)). With a
// fixed rng the sequence is deterministic, which the tests rely on.
func retryDelay(base, max time.Duration, attempts int, rng func() float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}

	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	// Jitter applies only below the cap; at the cap the delay is exactly
	// max, keeping the delay sequence non-decreasing.
	if rng != nil && d < max {
		// jitter in [-jitterFraction, +jitterFraction)
		f := 1 + jitterFraction*(2*rng()-1)
		d = time.Duration(float64(d) * f)
		if d > max {
			d = max
		}
	}
	if d <= 0 {
		d = base
	}
	return d
}
