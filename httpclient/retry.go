package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// attemptResult is what one physical attempt produced. The body has been
// read and the connection released by the time it exists.
type attemptResult struct {
	statusCode int
	status     string
	proto      string
	header     http.Header
	body       []byte
	truncated  bool
	elapsed    time.Duration
	err        error
}

// branch is one retry loop of a logical request. A hedged request runs two
// branches over the same template.
//
// Every attempt settles its bookkeeping under mu. The hedge race closes the
// losing branch before cancelling it, so after close returns the branch can
// no longer touch shared counters.
type branch struct {
	client   *Client
	tmpl     *requestTemplate
	host     *hostState
	logger   zerolog.Logger
	attrs    []attribute.KeyValue
	hedge    bool
	attempts *atomic.Int32

	mu     sync.Mutex
	closed bool
}

// close stops the branch from accounting any further attempt. If an attempt
// is settling right now, close waits for it.
func (b *branch) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// run drives the retry loop until success or a terminal error.
func (b *branch) run(ctx context.Context) (*attemptResult, error) {
	c := b.client
	span := trace.SpanFromContext(ctx)

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(NewProbeBackOff()),
		backoff.WithMaxElapsedTime(c.cfg.config.MaxElapsedTime),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logRetry(b.logger, err, wait)
			if span.IsRecording() {
				span.AddEvent("retry", trace.WithAttributes(
					attribute.Bool("hedge", b.hedge),
					attribute.Int64("retry.delay_ms", wait.Milliseconds()),
					attribute.String("retry.reason", retryReason(err)),
				))
			}
		}),
	}

	return backoff.Retry(ctx, func() (*attemptResult, error) {
		return b.attempt(ctx)
	}, retryOpts...)
}

// attempt performs one physical attempt: breaker check, rate limit,
// concurrency slot, I/O, then settlement.
func (b *branch) attempt(ctx context.Context) (*attemptResult, error) {
	c := b.client

	if err := c.breaker.Allow(); err != nil {
		c.cfg.Metrics.recordCircuitRejected(ctx, b.attrs)
		return nil, backoff.Permanent(err)
	}

	waitStart := time.Now()
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}
	c.cfg.Metrics.recordRateLimitWait(ctx, time.Since(waitStart), b.attrs)

	if err := b.host.slots.Acquire(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}
	res, err := b.send(ctx)
	b.host.slots.Release()
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	return b.settle(ctx, res)
}

// send builds the request and performs the I/O under the per-attempt
// deadline. The returned error is only set when no request could be built.
func (b *branch) send(ctx context.Context) (*attemptResult, error) {
	c := b.client
	n := b.attempts.Add(1)

	attemptCtx := ctx
	if timeout := c.cfg.config.AttemptTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := b.tmpl.build(attemptCtx, c.cfg.config.UserAgent, c.cfg.Interceptors)
	if err != nil {
		return nil, err
	}
	logAttempt(b.logger, req, b.tmpl.body, int(n), b.hedge)

	res := &attemptResult{}
	start := time.Now()
	res.err = c.guard.do(b.tmpl.host(), func() error {
		return c.roundTrip(req, res)
	})
	res.elapsed = time.Since(start)

	return res, nil
}

// settle accounts for a finished attempt exactly once and turns its
// outcome into a retry decision.
func (b *branch) settle(ctx context.Context, res *attemptResult) (*attemptResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || ctx.Err() != nil {
		if err := context.Cause(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, backoff.Permanent(context.Canceled)
	}

	c := b.client

	if errors.Is(res.err, ErrHostUnavailable) {
		return nil, backoff.Permanent(res.err)
	}

	o := classify(res.statusCode, res.err)
	logAttemptResult(b.logger, res, o)

	if res.err == nil {
		c.observeLatency(ctx, b.host, res.elapsed, b.logger)
	}

	switch o {
	case outcomeSuccess:
		c.breaker.RecordSuccess()
		return res, nil

	case outcomePacing:
		c.breaker.RecordSuccess()
		c.cfg.Metrics.recordRetry(ctx, o.String(), b.attrs)
		b.logger.Info().
			Int("status", res.statusCode).
			Dur("pause", c.cfg.config.PacingPause).
			Msg("server asked to slow down, pausing")
		return nil, fmt.Errorf("%w: status %d: %w",
			ErrThrottled, res.statusCode, &backoff.RetryAfterError{Duration: c.cfg.config.PacingPause})

	case outcomeServerError:
		reqErr := b.requestError(CategoryServer, res)
		if err := c.budget.TryConsume(CategoryServer); err != nil {
			return nil, backoff.Permanent(b.exhausted(ctx, CategoryServer, err, reqErr))
		}
		if c.breaker.RecordFailure() {
			openUntil := c.breaker.OpenUntil()
			c.cfg.Metrics.recordCircuitOpened(ctx, b.attrs)
			b.logger.Warn().
				Int("status", res.statusCode).
				Time("retry_at", openUntil).
				Msg("circuit breaker opened")
			return nil, backoff.Permanent(&CircuitOpenError{RetryAt: openUntil})
		}
		c.cfg.Metrics.recordRetry(ctx, CategoryServer.String(), b.attrs)
		return nil, reqErr

	default:
		cat := CategoryNetwork
		if o == outcomeTimeout {
			cat = CategoryTimeout
		}
		reqErr := b.requestError(cat, res)
		if err := c.budget.TryConsume(cat); err != nil {
			return nil, backoff.Permanent(b.exhausted(ctx, cat, err, reqErr))
		}
		c.cfg.Metrics.recordRetry(ctx, cat.String(), b.attrs)
		return nil, reqErr
	}
}

func (b *branch) requestError(cat Category, res *attemptResult) *RequestError {
	return &RequestError{
		Method:     b.tmpl.method,
		URL:        b.tmpl.url.String(),
		Category:   cat,
		StatusCode: res.statusCode,
		Err:        res.err,
	}
}

func (b *branch) exhausted(ctx context.Context, cat Category, ledgerErr, cause error) error {
	b.client.cfg.Metrics.recordBudgetExhausted(ctx, cat, b.attrs)
	b.logger.Warn().
		Str("category", cat.String()).
		Err(cause).
		Msg("retry budget exhausted")
	return budgetExceeded(ledgerErr, cause)
}

// roundTrip sends req and reads the response body into res.
func (c *Client) roundTrip(req *http.Request, res *attemptResult) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, truncated, err := readBody(resp.Body, c.cfg.config.MaxBodyBytes)
	if err != nil {
		return err
	}
	c.cfg.Metrics.recordResponseBodySize(req.Context(), int64(len(body)), c.cfg.baseAttributes())

	res.statusCode = resp.StatusCode
	res.status = resp.Status
	res.proto = resp.Proto
	res.header = resp.Header
	res.body = body
	res.truncated = truncated
	return nil
}

// retryReason returns a short label for the error that caused a retry.
func retryReason(err error) string {
	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.Category.String()
	case errors.Is(err, ErrThrottled):
		return outcomePacing.String()
	default:
		return ErrorTypeUnknown
	}
}
