package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sqldetector/probe/httpclient"
	"github.com/sqldetector/probe/statusserver"
)

var errProbesFailed = errors.New("one or more probes failed")

// result is one output line.
type result struct {
	URL       string  `json:"url"`
	Status    int     `json:"status,omitempty"`
	Proto     string  `json:"proto,omitempty"`
	Bytes     int     `json:"bytes"`
	Truncated bool    `json:"truncated,omitempty"`
	ElapsedMs float64 `json:"elapsed_ms,omitempty"`
	TotalMs   float64 `json:"total_ms,omitempty"`
	Attempts  int     `json:"attempts,omitempty"`
	Hedged    bool    `json:"hedged,omitempty"`
	RequestID string  `json:"request_id,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func newResult(target string, resp *httpclient.Response, err error) result {
	r := result{URL: target}
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Status = resp.StatusCode
	r.Proto = resp.Proto
	r.Bytes = len(resp.Body())
	r.Truncated = resp.Truncated
	r.ElapsedMs = float64(resp.Elapsed.Microseconds()) / 1000
	r.TotalMs = float64(resp.Total.Microseconds()) / 1000
	r.Attempts = resp.Attempts
	r.Hedged = resp.Hedged
	r.RequestID = resp.RequestID
	return r
}

func newLogger(f flags) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(f.logLevel)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid --log-level: %w", err)
	}

	var w io.Writer = os.Stderr
	if !f.logJSON {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().
		Timestamp().
		Str("run_id", uuid.NewString()).
		Logger(), nil
}

// loadConfig reads --config when given, otherwise starts from --preset.
// Environment overrides apply either way.
func loadConfig(f flags) (httpclient.Config, error) {
	if f.configFile != "" {
		return httpclient.LoadConfig(f.configFile)
	}

	cfg, err := httpclient.Preset(f.preset)
	if err != nil {
		return httpclient.Config{}, err
	}
	if err := httpclient.ApplyEnv(&cfg); err != nil {
		return httpclient.Config{}, err
	}
	return cfg, cfg.Validate()
}

// parseHeaders turns "Name: value" strings into request options.
func parseHeaders(raw []string) ([]httpclient.RequestOption, error) {
	opts := make([]httpclient.RequestOption, 0, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", h)
		}
		opts = append(opts, httpclient.WithHeader(name, strings.TrimSpace(value)))
	}
	return opts, nil
}

// targetHosts returns the distinct scheme://host of urls, in order.
func targetHosts(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	hosts := make([]string, 0, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		origin := u.Scheme + "://" + u.Host
		if !seen[origin] {
			seen[origin] = true
			hosts = append(hosts, origin)
		}
	}
	return hosts
}

func run(parent context.Context, f flags, urls []string, out io.Writer) error {
	logger, err := newLogger(f)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	if f.coalesce {
		cfg.CoalesceGets = true
	}

	var rdb redis.UniversalClient
	switch {
	case f.redisAddr != "":
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{f.redisAddr}})
		defer rdb.Close()
		cfg.HostBreaker = httpclient.DistributedHostBreakerConfig(httpclient.NewRedisStore(rdb))
	case f.hostGuard:
		cfg.HostBreaker = httpclient.DefaultHostBreakerConfig()
	}

	reqOpts, err := parseHeaders(f.headers)
	if err != nil {
		return err
	}
	if f.data != "" {
		reqOpts = append(reqOpts, httpclient.WithBody([]byte(f.data), "application/x-www-form-urlencoded"))
	}
	if f.rangeKB > 0 {
		reqOpts = append(reqOpts, httpclient.WithRangeKB(f.rangeKB))
	}
	if f.noHedge {
		reqOpts = append(reqOpts, httpclient.WithoutHedge())
	}

	client, err := httpclient.New(
		httpclient.WithConfig(cfg),
		httpclient.WithServiceName("sqldetector-probe"),
		httpclient.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Int("targets", len(urls)).
		Float64("rate_limit", cfg.RateLimitPerSec).
		Int("per_host_concurrency", cfg.PerHostConcurrency).
		Bool("host_guard", cfg.HostBreaker.Enabled()).
		Msg("probe run starting")

	g, gctx := errgroup.WithContext(ctx)

	serveCtx, stopServe := context.WithCancel(gctx)
	defer stopServe()
	if f.statusAddr != "" {
		srv := statusserver.New(client,
			statusserver.WithAddr(f.statusAddr),
			statusserver.WithVersion(version),
			statusserver.WithLogger(logger),
			statusserver.WithPprof(f.pprof),
		)
		g.Go(func() error { return srv.ListenAndServe(serveCtx) })
	}

	var failed bool
	g.Go(func() error {
		defer func() {
			if !f.linger {
				stopServe()
			}
		}()

		if f.prewarm {
			client.Prewarm(gctx, targetHosts(urls))
		}

		failed = probeAll(gctx, client, f.method, urls, reqOpts, out, logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	s := client.Stats()
	logger.Info().
		Str("circuit", s.Circuit.String()).
		Int("global_latency_samples", s.GlobalLatencySamples).
		Interface("retry_budget", s.RetryBudget).
		Msg("probe run finished")

	if failed {
		return errProbesFailed
	}
	return nil
}

// probeAll sends every URL concurrently; the engine does the pacing. It
// reports whether any probe failed.
func probeAll(
	ctx context.Context,
	client *httpclient.Client,
	method string,
	urls []string,
	opts []httpclient.RequestOption,
	out io.Writer,
	logger zerolog.Logger,
) bool {
	var (
		mu     sync.Mutex
		failed bool
		enc    = json.NewEncoder(out)
	)

	var g errgroup.Group
	for _, target := range urls {
		g.Go(func() error {
			resp, err := client.Request(ctx, method, target, opts...)
			line := newResult(target, resp, err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = true
				logger.Warn().Err(err).Str("url", target).Msg("probe failed")
			}
			if encErr := enc.Encode(line); encErr != nil {
				logger.Error().Err(encErr).Msg("write result")
			}
			return nil
		})
	}
	_ = g.Wait()

	return failed
}
