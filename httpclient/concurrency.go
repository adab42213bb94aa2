package httpclient

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Adaptation thresholds. A new running average above latencyRiseFactor
// times the previous one halves the host limit; one below latencyFallFactor
// adds a slot. Anything in between is treated as noise.
const (
	latencyRiseFactor = 1.2
	latencyFallFactor = 0.8

	// minAdaptSamples is the window size needed before a running average exists.
	minAdaptSamples = 2
)

// concurrencyLimiter bounds in-flight attempts to a single host.
//
// limit is the target and held the permits currently out. SetLimit only
// moves the target: shrinking below held revokes nothing, it just keeps new
// acquisitions waiting until enough permits come back. Waiters are served
// in FIFO order.
type concurrencyLimiter struct {
	mu      sync.Mutex
	limit   int
	ceiling int
	held    int
	waiters list.List // of chan struct{}
}

func newConcurrencyLimiter(ceiling int) *concurrencyLimiter {
	ceiling = max(ceiling, 1)
	return &concurrencyLimiter{limit: ceiling, ceiling: ceiling}
}

// Acquire blocks until a permit is free under the current limit.
func (l *concurrencyLimiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.held < l.limit && l.waiters.Len() == 0 {
		l.held++
		l.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	elem := l.waiters.PushBack(ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-ready:
			// Granted while we were giving up; hand the permit on.
			l.held--
			l.grantLocked()
		default:
			l.waiters.Remove(elem)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns a permit obtained with Acquire.
func (l *concurrencyLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held > 0 {
		l.held--
	}
	l.grantLocked()
}

// SetLimit moves the target to n, clamped to [1, ceiling], and returns the
// value actually applied.
func (l *concurrencyLimiter) SetLimit(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limit = min(max(n, 1), l.ceiling)
	l.grantLocked()
	return l.limit
}

// Limit returns the current target.
func (l *concurrencyLimiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// Ceiling returns the configured per-host maximum.
func (l *concurrencyLimiter) Ceiling() int {
	return l.ceiling
}

// InFlight returns the permits currently held.
func (l *concurrencyLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *concurrencyLimiter) grantLocked() {
	for l.held < l.limit {
		front := l.waiters.Front()
		if front == nil {
			return
		}
		l.waiters.Remove(front)
		l.held++
		close(front.Value.(chan struct{}))
	}
}

// adaptLimit returns the next concurrency limit given the previous and the
// freshly computed running average.
func adaptLimit(limit, ceiling int, prev, cur time.Duration) int {
	if prev <= 0 {
		return limit
	}
	switch {
	case float64(cur) > latencyRiseFactor*float64(prev):
		return max(limit/2, 1)
	case float64(cur) < latencyFallFactor*float64(prev) && limit < ceiling:
		return limit + 1
	default:
		return limit
	}
}

// hostState is the per-host runtime state owned by a Client.
type hostState struct {
	name  string
	slots *concurrencyLimiter

	mu             sync.Mutex
	runningAverage time.Duration
	requests       uint64
	hedges         uint64
}

func newHostState(name string, ceiling int) *hostState {
	return &hostState{
		name:  name,
		slots: newConcurrencyLimiter(ceiling),
	}
}

// limitChange reports a concurrency adjustment made by observe.
type limitChange struct {
	from, to int
}

// observe records a latency sample in the host window and adapts the
// concurrency limit. It returns the change, if any.
func (h *hostState) observe(tracker *LatencyTracker, latency time.Duration) (limitChange, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tracker.Record(h.name, latency)
	avg, n := tracker.Mean(h.name)
	if n < minAdaptSamples {
		return limitChange{}, false
	}

	prev := h.runningAverage
	h.runningAverage = avg

	from := h.slots.Limit()
	next := adaptLimit(from, h.slots.Ceiling(), prev, avg)
	if next == from {
		return limitChange{}, false
	}
	to := h.slots.SetLimit(next)
	return limitChange{from: from, to: to}, to != from
}

// countRequest registers a new logical request against the host.
func (h *hostState) countRequest() {
	h.mu.Lock()
	h.requests++
	h.mu.Unlock()
}

// hedgeAllowed reports whether the host is below maxRatio hedged requests.
func (h *hostState) hedgeAllowed(maxRatio float64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hedgeAllowedLocked(maxRatio)
}

// reserveHedge atomically checks the ratio and counts a hedge.
func (h *hostState) reserveHedge(maxRatio float64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.hedgeAllowedLocked(maxRatio) {
		return false
	}
	h.hedges++
	return true
}

func (h *hostState) hedgeAllowedLocked(maxRatio float64) bool {
	if h.requests == 0 {
		return maxRatio > 0
	}
	return float64(h.hedges)/float64(h.requests) < maxRatio
}

// HostStats is a point-in-time view of one host's adaptive state.
type HostStats struct {
	Host             string
	ConcurrencyLimit int
	InFlight         int
	AverageLatency   time.Duration
	Requests         uint64
	Hedges           uint64
}

func (h *hostState) stats() HostStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HostStats{
		Host:             h.name,
		ConcurrencyLimit: h.slots.Limit(),
		InFlight:         h.slots.InFlight(),
		AverageLatency:   h.runningAverage,
		Requests:         h.requests,
		Hedges:           h.hedges,
	}
}
