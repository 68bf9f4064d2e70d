package worker

import (
	"math"
	"math/rand"
	"time"
)

// MaxRetries is the number of re-attempts after the initial try.
const MaxRetries = 5

// maxBackoff caps the per-attempt delay.
const maxBackoff = 30 * time.Second

// backoffDelay returns the sleep before retry attempt n (1-based):
// min(2^(n-1) + jitter, 30) seconds, where jitter is uniform in [0, 1).
// The additive jitter keeps a burst of simultaneous failures from
// re-hammering a struggling dependency in lockstep.
func backoffDelay(n int, jitter float64) time.Duration {
	if n < 1 {
		n = 1
	}
	seconds := math.Pow(2, float64(n-1)) + jitter
	delay := time.Duration(seconds * float64(time.Second))
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// nextDelay is backoffDelay with fresh jitter.
func nextDelay(n int) time.Duration {
	return backoffDelay(n, rand.Float64())
}
