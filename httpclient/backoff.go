package httpclient

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var _ backoff.BackOff = (*ProbeBackOff)(nil)

// ProbeBackOff is a capped exponential backoff with additive jitter.
//
// Interval calculation: min(MaxInterval, BaseInterval × 2^attempt) + uniform(JitterMin, JitterMax)
//
// With the defaults:
//
//	Attempt 0: 0.1s + [0.1s, 0.3s]
//	Attempt 1: 0.2s + [0.1s, 0.3s]
//	Attempt 2: 0.4s + [0.1s, 0.3s]
//	Attempt 4+: 1.0s + [0.1s, 0.3s]
//
// Jitter is added, not multiplied, so even the first retry waits at least
// JitterMin.
type ProbeBackOff struct {
	// BaseInterval is the exponential term for attempt 0.
	// Default: 100ms
	BaseInterval time.Duration

	// MaxInterval caps the exponential term (jitter comes on top).
	// Default: 1s
	MaxInterval time.Duration

	// JitterMin and JitterMax bound the uniform jitter.
	// Default: 100ms and 300ms
	JitterMin time.Duration
	JitterMax time.Duration

	attempt int
}

// NewProbeBackOff creates a ProbeBackOff with the defaults above.
func NewProbeBackOff() *ProbeBackOff {
	return &ProbeBackOff{
		BaseInterval: 100 * time.Millisecond,
		MaxInterval:  1 * time.Second,
		JitterMin:    100 * time.Millisecond,
		JitterMax:    300 * time.Millisecond,
	}
}

// Reset restarts the sequence at attempt 0.
func (b *ProbeBackOff) Reset() {
	b.attempt = 0
}

// NextBackOff returns the wait before the next retry and advances the attempt.
func (b *ProbeBackOff) NextBackOff() time.Duration {
	interval := b.exponential(b.attempt) + randomBetween(b.JitterMin, b.JitterMax)
	b.attempt++
	return interval
}

// Attempt returns how many intervals have been handed out since Reset.
func (b *ProbeBackOff) Attempt() int {
	return b.attempt
}

func (b *ProbeBackOff) exponential(attempt int) time.Duration {
	scaled := float64(b.BaseInterval) * math.Pow(2, float64(attempt))
	if scaled >= float64(b.MaxInterval) || math.IsInf(scaled, 0) {
		return b.MaxInterval
	}
	return time.Duration(scaled)
}

// randomBetween returns a random duration between minDur and maxDur.
//
//nolint:gosec // intentional weak rand for jitter (not cryptographic)
func randomBetween(minDur, maxDur time.Duration) time.Duration {
	if minDur >= maxDur {
		return minDur
	}
	return minDur + time.Duration(
		rand.Int64N(int64(maxDur-minDur)),
	)
}
