// Package backoff implements the retry delay policy used for failed token
// refreshes and session imports.
//
// The policy is a standard exponential curve with jitter: 5s, 10s, 20s, 40s,
// 80s, 160s, capped at 320s, with a uniform ±10% jitter applied to each delay
// so that sibling clients that failed at the same moment do not retry in
// lockstep.
package backoff

import (
	"math/rand"
	"time"
)

const (
	// Base is the delay after the first failure.
	Base = 5 * time.Second

	// Cap bounds the exponential growth.
	Cap = 320 * time.Second

	// JitterFraction is the maximum relative deviation applied to a delay.
	JitterFraction = 0.1

	// MaxImportAttempts bounds startup session-import retries. Refresh
	// retries for an established session are unbounded: an established
	// session must survive arbitrarily long network outages.
	MaxImportAttempts = 5
)

// Delay returns the backoff delay after the given number of consecutive
// failures. attempt is 1-based: Delay(1) follows the first failure.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= Cap {
			return Cap
		}
	}
	return d
}

// Jittered returns Delay(attempt) with uniform jitter applied, using the
// provided random source. A nil source uses the package-level generator.
func Jittered(attempt int, rng *rand.Rand) time.Duration {
	d := Delay(attempt)
	spread := float64(d) * JitterFraction
	var offset float64
	if rng != nil {
		offset = (rng.Float64()*2 - 1) * spread
	} else {
		offset = (rand.Float64()*2 - 1) * spread
	}
	return d + time.Duration(offset)
}
