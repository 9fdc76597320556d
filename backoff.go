package pushstream

import (
	"math/rand"
	"time"
)

// ============================================================================
// Backoff
// ============================================================================

// jitterRatio bounds the random extra delay added on top of the clamped backoff.
const jitterRatio = 0.3

// rawBackoff returns min(max, base * 2^retryCount) without jitter.
func rawBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max < base {
		max = base
	}
	if retryCount < 0 {
		retryCount = 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		// Doubling past max would only be clamped, and may overflow.
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

// BackoffDelay computes the reconnect delay for the given attempt:
// min(max, base*2^retryCount) plus a jitter drawn uniformly from
// [0, 0.3*delay]. rnd must return values in [0, 1); nil uses math/rand.
func BackoffDelay(retryCount int, base, max time.Duration, rnd func() float64) time.Duration {
	delay := rawBackoff(retryCount, base, max)
	if rnd == nil {
		rnd = rand.Float64
	}
	r := rnd()
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	return delay + time.Duration(r*jitterRatio*float64(delay))
}
