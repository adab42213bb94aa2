package httpclient

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Hedge delay tuning. Once enough global samples exist the delay follows
// the p95 latency, scaled down and clamped.
const (
	globalLatencyKey = "*"

	hedgeMinSamples   = 5
	hedgePercentile   = 0.95
	hedgeP95Factor    = 0.2
	hedgeDelayFloor   = 20 * time.Millisecond
	hedgeDelayCeiling = 150 * time.Millisecond
)

// hedgeController decides whether a logical request gets a duplicate and
// after how long.
type hedgeController struct {
	staticDelay time.Duration
	maxRatio    float64
	latency     *LatencyTracker
}

func newHedgeController(cfg Config, global *LatencyTracker) *hedgeController {
	return &hedgeController{
		staticDelay: cfg.HedgeDelay,
		maxRatio:    cfg.HedgeMaxRatio,
		latency:     global,
	}
}

// delay returns the current hedge delay. Below hedgeMinSamples global
// samples only a configured static delay enables hedging.
func (h *hedgeController) delay() (time.Duration, bool) {
	p95, ok := h.latency.Percentile(globalLatencyKey, hedgePercentile)
	if !ok {
		return h.staticDelay, h.staticDelay > 0
	}

	d := time.Duration(float64(p95) * hedgeP95Factor)
	return min(max(d, hedgeDelayFloor), hedgeDelayCeiling), true
}

// plan reports whether a request may be hedged and with which delay. The
// per-host ratio is checked again when the hedge actually fires.
func (h *hedgeController) plan(method string, host *hostState, disabled bool) (time.Duration, bool) {
	if disabled || h.maxRatio <= 0 || !isSafeMethod(method) {
		return 0, false
	}
	d, ok := h.delay()
	if !ok {
		return 0, false
	}
	if !host.hedgeAllowed(h.maxRatio) {
		return 0, false
	}
	return d, true
}

// branchResult is the outcome of one branch of a hedged request.
type branchResult struct {
	branch *branch
	res    *attemptResult
	err    error
}

// race runs primary and, if it is still running after delay, a duplicate
// branch. The first branch to finish wins; the other is closed and then
// cancelled, so it cannot account for anything after the winner is known.
func (c *Client) race(
	ctx context.Context,
	primary *branch,
	delay time.Duration,
	newHedge func() *branch,
) branchResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so a branch that finishes after the race never blocks.
	results := make(chan branchResult, 2)
	start := func(b *branch) {
		go func() {
			res, err := b.run(ctx)
			results <- branchResult{branch: b, res: res, err: err}
		}()
	}

	start(primary)
	branches := []*branch{primary}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	var winner branchResult
	select {
	case winner = <-results:
		return winner
	case <-timer.C:
		if primary.host.reserveHedge(c.hedge.maxRatio) {
			hb := newHedge()
			c.cfg.Metrics.recordHedgeLaunched(ctx, primary.attrs)
			primary.logger.Debug().Dur("delay", delay).Msg("launching hedged request")
			trace.SpanFromContext(ctx).AddEvent("hedge", trace.WithAttributes(
				attribute.Int64("hedge.delay_ms", delay.Milliseconds()),
			))
			start(hb)
			branches = append(branches, hb)
		}
		winner = <-results
	}

	for _, b := range branches {
		if b != winner.branch {
			b.close()
		}
	}
	return winner
}
