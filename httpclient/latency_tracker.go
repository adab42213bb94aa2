package httpclient

import (
	"slices"
	"sync"
	"time"
)

// LatencyTracker keeps a bounded FIFO window of latency samples per key.
//
// The engine uses two trackers: one keyed by host (window 20) that drives
// concurrency adaptation, and one with a single key (window 50) that drives
// the hedge delay.
//
// The tracker is safe for concurrent use.
type LatencyTracker struct {
	mu         sync.RWMutex
	windows    map[string]*latencyWindow
	windowSize int
	minSamples int
}

// latencyWindow holds a circular buffer of latency samples.
type latencyWindow struct {
	samples []time.Duration
	head    int
	count   int
}

func (w *latencyWindow) record(latency time.Duration) {
	w.samples[w.head] = latency
	w.head = (w.head + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

func (w *latencyWindow) mean() time.Duration {
	if w.count == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range w.samples[:w.count] {
		sum += s
	}
	return sum / time.Duration(w.count)
}

func (w *latencyWindow) percentile(p float64) time.Duration {
	sorted := slices.Clone(w.samples[:w.count])
	slices.Sort(sorted)

	idx := int(float64(len(sorted)-1) * p)
	idx = min(max(idx, 0), len(sorted)-1)
	return sorted[idx]
}

// NewLatencyTracker creates a tracker.
//
// windowSize is how many samples are kept per key; the oldest sample is
// evicted first. minSamples is how many samples Percentile needs before it
// reports a value.
func NewLatencyTracker(windowSize, minSamples int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 20
	}
	if minSamples <= 0 {
		minSamples = 1
	}
	return &LatencyTracker{
		windows:    make(map[string]*latencyWindow),
		windowSize: windowSize,
		minSamples: minSamples,
	}
}

// Record adds a latency sample for key.
func (t *LatencyTracker) Record(key string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	window, ok := t.windows[key]
	if !ok {
		window = &latencyWindow{samples: make([]time.Duration, t.windowSize)}
		t.windows[key] = window
	}
	window.record(latency)
}

// Mean returns the average of the samples held for key and how many there are.
func (t *LatencyTracker) Mean(key string) (time.Duration, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	window, ok := t.windows[key]
	if !ok {
		return 0, 0
	}
	return window.mean(), window.count
}

// Percentile returns the approximate percentile latency for key.
//
// p should be between 0 and 1 (e.g., 0.95 for P95).
// Returns false if fewer than minSamples samples are held.
func (t *LatencyTracker) Percentile(key string, p float64) (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	window, ok := t.windows[key]
	if !ok || window.count < t.minSamples {
		return 0, false
	}
	return window.percentile(p), true
}

// Count returns the number of samples held for key.
func (t *LatencyTracker) Count(key string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	window, ok := t.windows[key]
	if !ok {
		return 0
	}
	return window.count
}

// WindowSize returns the per-key capacity.
func (t *LatencyTracker) WindowSize() int {
	return t.windowSize
}

// Reset clears all tracked data.
func (t *LatencyTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows = make(map[string]*latencyWindow)
}
