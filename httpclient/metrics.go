package httpclient

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the metric instruments for the probe engine.
type metrics struct {
	// === Physical Attempt Metrics ===

	// attemptDuration measures one physical attempt in seconds.
	// Buckets optimized for HTTP latencies per OTel semconv.
	attemptDuration metric.Float64Histogram

	// responseBodySize measures the bytes read from response bodies.
	responseBodySize metric.Int64Histogram

	// activeAttempts tracks the number of in-flight physical attempts.
	activeAttempts metric.Int64UpDownCounter

	// attemptErrors counts transport-level failures by error type.
	attemptErrors metric.Int64Counter

	// === Logical Request Metrics ===

	// requestDuration measures a logical request end to end, including
	// retries, pacing pauses and hedging.
	requestDuration metric.Float64Histogram

	// === Retry Metrics ===

	// retries counts scheduled retries by reason (network, timeout,
	// server, pacing).
	retries metric.Int64Counter

	// budgetExhausted counts retries refused by the retry budget.
	budgetExhausted metric.Int64Counter

	// === Circuit Breaker Metrics ===

	// circuitOpened counts breaker trips.
	circuitOpened metric.Int64Counter

	// circuitRejected counts attempts refused while the breaker was open.
	circuitRejected metric.Int64Counter

	// === Hedging Metrics ===

	// hedgesLaunched counts duplicate attempts started.
	hedgesLaunched metric.Int64Counter

	// hedgesWon counts logical requests answered by the duplicate.
	hedgesWon metric.Int64Counter

	// === Pacing and Concurrency Metrics ===

	// rateLimitWait measures time spent waiting for a token in seconds.
	rateLimitWait metric.Float64Histogram

	// concurrencyLimit is the current adaptive limit per host.
	concurrencyLimit metric.Int64Gauge
}

// newMetrics creates and registers metric instruments.
func newMetrics(meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error

	m.attemptDuration, err = meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("Duration of HTTP client requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10,
		),
	)
	if err != nil {
		return nil, err
	}

	m.responseBodySize, err = meter.Int64Histogram(
		"http.client.response.body.size",
		metric.WithDescription("Size of HTTP client response bodies in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(
			0, 100, 1024, 10*1024, 100*1024, 1024*1024, 10*1024*1024,
		),
	)
	if err != nil {
		return nil, err
	}

	m.activeAttempts, err = meter.Int64UpDownCounter(
		"http.client.active_requests",
		metric.WithDescription("Number of active HTTP client requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.attemptErrors, err = meter.Int64Counter(
		"http.client.request.errors",
		metric.WithDescription("Number of HTTP client request errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.requestDuration, err = meter.Float64Histogram(
		"probe.request.duration",
		metric.WithDescription("Duration of logical probe requests including retries and hedges in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
		),
	)
	if err != nil {
		return nil, err
	}

	m.retries, err = meter.Int64Counter(
		"probe.retries",
		metric.WithDescription("Number of retries scheduled, by reason"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	m.budgetExhausted, err = meter.Int64Counter(
		"probe.retry_budget.exhausted",
		metric.WithDescription("Number of retries refused by the retry budget"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	m.circuitOpened, err = meter.Int64Counter(
		"probe.circuit.opened",
		metric.WithDescription("Number of times the circuit breaker opened"),
		metric.WithUnit("{trip}"),
	)
	if err != nil {
		return nil, err
	}

	m.circuitRejected, err = meter.Int64Counter(
		"probe.circuit.rejected",
		metric.WithDescription("Number of attempts rejected by an open circuit breaker"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.hedgesLaunched, err = meter.Int64Counter(
		"probe.hedge.launched",
		metric.WithDescription("Number of hedged duplicate requests started"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.hedgesWon, err = meter.Int64Counter(
		"probe.hedge.won",
		metric.WithDescription("Number of requests answered by the hedged duplicate"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.rateLimitWait, err = meter.Float64Histogram(
		"probe.rate_limit.wait",
		metric.WithDescription("Time spent waiting for a rate limit token in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0, 0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
		),
	)
	if err != nil {
		return nil, err
	}

	m.concurrencyLimit, err = meter.Int64Gauge(
		"probe.host.concurrency_limit",
		metric.WithDescription("Current adaptive concurrency limit per host"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// recordAttemptDuration records the duration of one physical attempt.
func (m *metrics) recordAttemptDuration(
	ctx context.Context,
	duration time.Duration,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.attemptDuration == nil {
		return
	}
	m.attemptDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// recordResponseBodySize records the bytes read from a response body.
func (m *metrics) recordResponseBodySize(
	ctx context.Context,
	size int64,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.responseBodySize == nil {
		return
	}
	m.responseBodySize.Record(ctx, size, metric.WithAttributes(attrs...))
}

// recordActiveAttemptStart increments the in-flight attempt counter.
func (m *metrics) recordActiveAttemptStart(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.activeAttempts == nil {
		return
	}
	m.activeAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordActiveAttemptEnd decrements the in-flight attempt counter.
func (m *metrics) recordActiveAttemptEnd(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.activeAttempts == nil {
		return
	}
	m.activeAttempts.Add(ctx, -1, metric.WithAttributes(attrs...))
}

// recordError records a transport-level failure.
func (m *metrics) recordError(ctx context.Context, errorType string, attrs []attribute.KeyValue) {
	if m == nil || m.attemptErrors == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs, attribute.String("error.type", errorType))
	m.attemptErrors.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

// recordRequestDuration records the duration of a logical request.
func (m *metrics) recordRequestDuration(
	ctx context.Context,
	duration time.Duration,
	attrs []attribute.KeyValue,
) {
	if m == nil || m.requestDuration == nil {
		return
	}
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// recordRetry records a scheduled retry.
func (m *metrics) recordRetry(ctx context.Context, reason string, attrs []attribute.KeyValue) {
	if m == nil || m.retries == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs, attribute.String("retry.reason", reason))
	m.retries.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

// recordBudgetExhausted records a retry refused by the ledger.
func (m *metrics) recordBudgetExhausted(ctx context.Context, cat Category, attrs []attribute.KeyValue) {
	if m == nil || m.budgetExhausted == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs, attribute.String("retry.category", cat.String()))
	m.budgetExhausted.Add(ctx, 1, metric.WithAttributes(allAttrs...))
}

// recordCircuitOpened records a breaker trip.
func (m *metrics) recordCircuitOpened(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.circuitOpened == nil {
		return
	}
	m.circuitOpened.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordCircuitRejected records an attempt refused by an open breaker.
func (m *metrics) recordCircuitRejected(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.circuitRejected == nil {
		return
	}
	m.circuitRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordHedgeLaunched records a duplicate attempt.
func (m *metrics) recordHedgeLaunched(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.hedgesLaunched == nil {
		return
	}
	m.hedgesLaunched.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordHedgeWon records a request answered by the duplicate.
func (m *metrics) recordHedgeWon(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.hedgesWon == nil {
		return
	}
	m.hedgesWon.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// recordRateLimitWait records time spent waiting for a token.
func (m *metrics) recordRateLimitWait(ctx context.Context, wait time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.rateLimitWait == nil {
		return
	}
	m.rateLimitWait.Record(ctx, wait.Seconds(), metric.WithAttributes(attrs...))
}

// recordConcurrencyLimit records a host's current limit.
func (m *metrics) recordConcurrencyLimit(ctx context.Context, host string, limit int, attrs []attribute.KeyValue) {
	if m == nil || m.concurrencyLimit == nil {
		return
	}
	allAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	allAttrs = append(allAttrs, attrs...)
	allAttrs = append(allAttrs, attribute.String("server.address", host))
	m.concurrencyLimit.Record(ctx, int64(limit), metric.WithAttributes(allAttrs...))
}
