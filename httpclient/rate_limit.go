package httpclient

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is the engine-wide token bucket.
//
// The bucket holds at most ceil(rate) tokens, starts full and refills
// continuously at rate tokens per second. Acquire never borrows from the
// future: it only takes a token that is already there, so the token count
// stays within [0, capacity] at all times.
type RateLimiter struct {
	limiter *rate.Limiter
	rate    float64
}

// NewRateLimiter creates a token bucket refilling perSec tokens per second.
// perSec must be a finite number greater than zero.
func NewRateLimiter(perSec float64) (*RateLimiter, error) {
	if math.IsNaN(perSec) || math.IsInf(perSec, 0) || perSec <= 0 {
		return nil, fmt.Errorf("%w: rate limit must be > 0, got %v", ErrInvalidConfig, perSec)
	}

	burst := max(int(math.Ceil(perSec)), 1)

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		rate:    perSec,
	}, nil
}

// Acquire blocks until a token is available and consumes it.
// It returns ctx.Err() if the context ends first.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Allow never reserves ahead, so a miss leaves the bucket untouched.
		if r.limiter.Allow() {
			return nil
		}

		wait := r.deficit()
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// deficit returns how long until one whole token has accumulated.
func (r *RateLimiter) deficit() time.Duration {
	missing := 1 - r.limiter.Tokens()
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / r.rate * float64(time.Second))
}

// Tokens returns the tokens currently in the bucket.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}

// Capacity returns the bucket size.
func (r *RateLimiter) Capacity() int {
	return r.limiter.Burst()
}

// Rate returns the refill rate in tokens per second.
func (r *RateLimiter) Rate() float64 {
	return r.rate
}
