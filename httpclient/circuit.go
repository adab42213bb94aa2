package httpclient

import (
	"sync"
	"time"
)

// CircuitState is the state of the engine-wide circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until the cool-down ends.
	CircuitOpen
)

func (s CircuitState) String() string {
	if s == CircuitOpen {
		return "open"
	}
	return "closed"
}

// CircuitBreaker trips after a run of consecutive server errors.
//
// There is no half-open state: once the cool-down has elapsed the breaker is
// closed again and traffic resumes in full. The failure counter is cleared
// when the breaker opens, so the first request after the cool-down starts
// from a clean count.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
	now       func() time.Time
}

// NewCircuitBreaker creates a breaker that opens for cooldown after
// threshold consecutive failures. threshold below 1 is treated as 1.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: max(threshold, 1),
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (b *CircuitBreaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	b.now = now
}

// Allow returns a *CircuitOpenError while the breaker is open.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.now().Before(b.openUntil) {
		return &CircuitOpenError{RetryAt: b.openUntil}
	}
	return nil
}

// RecordFailure counts a server error. It returns true when this failure
// opened the breaker.
func (b *CircuitBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures < b.threshold {
		return false
	}
	b.failures = 0
	b.openUntil = b.now().Add(b.cooldown)
	return true
}

// RecordSuccess resets the consecutive failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// State returns the current state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.now().Before(b.openUntil) {
		return CircuitOpen
	}
	return CircuitClosed
}

// ConsecutiveFailures returns the current run of server errors.
func (b *CircuitBreaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// OpenUntil returns the end of the current or most recent cool-down.
func (b *CircuitBreaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openUntil
}
