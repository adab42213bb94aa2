package httpclient

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Latency window sizes. The host window drives concurrency adaptation, the
// global window drives the hedge delay.
const (
	hostWindowSize   = 20
	globalWindowSize = 50
)

// Client is the adaptive request engine.
//
// Every logical request goes through the same pipeline: circuit breaker,
// global rate limiter, per-host adaptive concurrency limit, I/O, then
// outcome handling with budgeted retries. Safe methods may additionally be
// hedged.
//
// A Client owns all of its runtime state; two clients never share
// budgets, breaker state or latency windows. It is safe for concurrent use.
//
//	client, err := httpclient.New(
//	    httpclient.WithConfig(httpclient.TurboConfig()),
//	    httpclient.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	resp, err := client.Get(ctx, "https://target.example/search?q=1")
type Client struct {
	// httpClient is the underlying HTTP client with the instrumented transport.
	httpClient *http.Client

	// transport is the pooled transport built from Config, nil when the
	// caller supplied one with WithTransport.
	transport *http.Transport

	// cfg holds all client configuration.
	cfg *internalConfig

	limiter       *RateLimiter
	budget        *RetryBudget
	breaker       *CircuitBreaker
	hostLatency   *LatencyTracker
	globalLatency *LatencyTracker
	hedge         *hedgeController
	guard         *hostGuard

	// coalesce is nil unless Config.CoalesceGets is set.
	coalesce *singleflight.Group

	mu    sync.Mutex
	hosts map[string]*hostState
}

// New creates a Client. The configuration is validated first; an invalid
// one yields an error matching ErrInvalidConfig.
//
// Example - stealthy scan through a custom logger:
//
//	client, err := httpclient.New(
//	    httpclient.WithConfig(httpclient.StealthConfig()),
//	    httpclient.WithServiceName("sqldetector"),
//	    httpclient.WithLogger(zerolog.New(os.Stderr)),
//	)
func New(opts ...Option) (*Client, error) {
	cfg := newConfig(opts...)
	if err := cfg.config.Validate(); err != nil {
		return nil, err
	}

	limiter, err := NewRateLimiter(cfg.config.RateLimitPerSec)
	if err != nil {
		return nil, err
	}

	base := cfg.Transport
	var transport *http.Transport
	if base == nil {
		transport = cfg.buildTransport()
		base = transport
	}

	httpClient := &http.Client{
		Transport: newOtelTransport(base, cfg),
	}
	if !cfg.config.FollowRedirects {
		httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	global := NewLatencyTracker(globalWindowSize, hedgeMinSamples)

	c := &Client{
		httpClient:    httpClient,
		transport:     transport,
		cfg:           cfg,
		limiter:       limiter,
		budget:        NewRetryBudget(cfg.config.RetryBudget),
		breaker:       NewCircuitBreaker(cfg.config.CircuitThreshold, cfg.config.CircuitCooldown),
		hostLatency:   NewLatencyTracker(hostWindowSize, minAdaptSamples),
		globalLatency: global,
		hedge:         newHedgeController(cfg.config, global),
		guard:         newHostGuard(cfg.config.HostBreaker, cfg.Logger),
		hosts:         make(map[string]*hostState),
	}
	if cfg.config.CoalesceGets {
		c.coalesce = &singleflight.Group{}
	}

	return c, nil
}

// Config returns the settings the client was built with.
func (c *Client) Config() Config {
	return c.cfg.config
}

// Get is Request with method GET.
func (c *Client) Get(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	return c.Request(ctx, http.MethodGet, rawURL, opts...)
}

// Request performs one logical request.
//
// The returned error can be matched with errors.Is against ErrTimeout,
// ErrNetwork, ErrServerError, ErrRetryBudgetExceeded, ErrCircuitOpen,
// ErrThrottled and ErrHostUnavailable. If ctx ends first its error is
// returned.
//
// WithRangeKB only applies to GET.
func (c *Client) Request(
	ctx context.Context,
	method, rawURL string,
	opts ...RequestOption,
) (*Response, error) {
	ro, err := newRequestOptions(opts)
	if err != nil {
		return nil, err
	}

	if ro.rangeKB > 0 && method == http.MethodGet {
		return c.fetchRange(ctx, rawURL, ro)
	}
	return c.execute(ctx, method, rawURL, ro)
}

// do runs the logical request: one branch, or two when hedged.
func (c *Client) do(
	ctx context.Context,
	method, rawURL string,
	ro *requestOptions,
) (*Response, error) {
	tmpl, err := newRequestTemplate(method, rawURL, ro)
	if err != nil {
		return nil, err
	}

	host := c.hostFor(tmpl.host())
	host.countRequest()

	requestID := uuid.NewString()
	logger := c.cfg.Logger.With().
		Str("request_id", requestID).
		Str("method", method).
		Str("host", host.name).
		Logger()

	attrs := append(c.cfg.baseAttributes(),
		attribute.String("http.request.method", method),
		attribute.String("server.address", tmpl.url.Hostname()),
	)

	ctx, span := c.cfg.Tracer.Start(ctx, "probe "+method,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
		trace.WithAttributes(
			attribute.String("url.full", tmpl.url.String()),
			attribute.String("probe.request_id", requestID),
		),
	)
	defer span.End()

	start := time.Now()
	var attempts atomic.Int32
	newBranch := func(hedge bool) *branch {
		return &branch{
			client:   c,
			tmpl:     tmpl,
			host:     host,
			logger:   logger,
			attrs:    attrs,
			hedge:    hedge,
			attempts: &attempts,
		}
	}

	var result branchResult
	primary := newBranch(false)
	if delay, ok := c.hedge.plan(method, host, ro.noHedge); ok {
		result = c.race(ctx, primary, delay, func() *branch { return newBranch(true) })
	} else {
		res, err := primary.run(ctx)
		result = branchResult{branch: primary, res: res, err: err}
	}

	total := time.Since(start)
	c.cfg.Metrics.recordRequestDuration(ctx, total, attrs)
	span.SetAttributes(attribute.Int("probe.attempts", int(attempts.Load())))

	if result.err != nil {
		setSpanError(span, result.err, classifyError(result.err))
		logger.Debug().Err(result.err).Dur("total", total).Msg("request failed")
		return nil, result.err
	}

	res := result.res
	hedged := result.branch.hedge
	if hedged {
		c.cfg.Metrics.recordHedgeWon(ctx, attrs)
	}
	span.SetAttributes(
		attribute.Int("http.response.status_code", res.statusCode),
		attribute.Bool("probe.hedged", hedged),
	)

	return &Response{
		StatusCode: res.statusCode,
		Status:     res.status,
		Proto:      res.proto,
		Header:     res.header,
		Elapsed:    res.elapsed,
		Total:      total,
		Attempts:   int(attempts.Load()),
		Hedged:     hedged,
		RequestID:  requestID,
		Truncated:  res.truncated,
		body:       res.body,
	}, nil
}

// hostFor returns the state of host, creating it on first use.
func (c *Client) hostFor(name string) *hostState {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.hosts[name]
	if !ok {
		h = newHostState(name, c.cfg.config.PerHostConcurrency)
		c.hosts[name] = h
	}
	return h
}

// observeLatency feeds a response latency to the host and global windows
// and adapts the host's concurrency limit.
func (c *Client) observeLatency(
	ctx context.Context,
	host *hostState,
	latency time.Duration,
	logger zerolog.Logger,
) {
	c.globalLatency.Record(globalLatencyKey, latency)

	change, ok := host.observe(c.hostLatency, latency)
	if !ok {
		return
	}
	c.cfg.Metrics.recordConcurrencyLimit(ctx, host.name, change.to, c.cfg.baseAttributes())
	logger.Info().
		Int("from", change.from).
		Int("to", change.to).
		Msg("concurrency limit adjusted")
}

// Close releases idle pooled connections. In-flight requests are not
// interrupted; cancel their contexts for that.
func (c *Client) Close() error {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	return nil
}
