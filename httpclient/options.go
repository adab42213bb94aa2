package httpclient

import (
	"crypto/tls"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// scope is the instrumentation scope name for OpenTelemetry.
	scope = "github.com/sqldetector/probe/httpclient"
)

// =============================================================================
// Config - Engine Settings
// =============================================================================

// Config holds the engine settings. It is copied into the Client by New and
// never changes afterwards; adaptation works on derived per-host state.
//
// Use DefaultConfig() to get a properly initialized configuration, then
// modify specific fields as needed:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.RateLimitPerSec = 20
//	cfg.HedgeDelay = 150 * time.Millisecond
//
//	client, err := httpclient.New(httpclient.WithConfig(cfg))
type Config struct {
	// =======================================================================
	// Per-Attempt Timeouts
	// =======================================================================

	// ConnectTimeout bounds TCP dial and TLS handshake.
	//
	// Default: 5s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ReadTimeout bounds the wait for response headers once the request
	// has been written.
	//
	// Default: 10s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds sending the request.
	//
	// net/http has no separate write deadline, so this only contributes to
	// the overall per-attempt deadline (see AttemptTimeout).
	//
	// Default: 10s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// PoolTimeout bounds the wait for a pooled connection when
	// MaxConnections is reached. Like WriteTimeout it feeds the per-attempt
	// deadline.
	//
	// Default: 5s
	PoolTimeout time.Duration `yaml:"pool_timeout"`

	// =======================================================================
	// Connection Pool Settings (Transport)
	// =======================================================================

	// MaxConnections limits the connections (idle + active) to each host
	// (http.Transport.MaxConnsPerHost). It is not a cap on the total across
	// hosts. A value of 0 means unlimited.
	//
	// Default: 100
	MaxConnections int `yaml:"max_connections"`

	// MaxKeepaliveConnections controls how many idle connections are kept
	// for reuse.
	//
	// Default: 20
	MaxKeepaliveConnections int `yaml:"max_keepalive_connections"`

	// IdleConnTimeout is how long an idle connection remains in the pool.
	//
	// Default: 90s
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`

	// KeepAlive specifies the TCP keep-alive probe interval.
	//
	// Default: 30s
	KeepAlive time.Duration `yaml:"keep_alive"`

	// FallbackDelay is the RFC 6555 "Happy Eyeballs" delay for dual-stack
	// targets. Set to negative to disable.
	//
	// Default: 300ms
	FallbackDelay time.Duration `yaml:"fallback_delay"`

	// InsecureSkipVerify disables TLS certificate verification. Scan
	// targets frequently run self-signed certificates.
	//
	// Default: false
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// =======================================================================
	// Adaptive Control
	// =======================================================================

	// PerHostConcurrency is the ceiling of each host's adaptive
	// concurrency limit. Hosts start at the ceiling and shrink when their
	// latency rises.
	//
	// Default: 5
	PerHostConcurrency int `yaml:"per_host_concurrency"`

	// RateLimitPerSec is the global steady request rate. Must be > 0.
	//
	// Default: 5
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`

	// RetryBudget is the engine-wide retry allowance per failure category.
	//
	// Default: 5 per category
	RetryBudget RetryBudgetConfig `yaml:"retry_budget"`

	// HedgeDelay is the static hedge delay used until enough global
	// latency samples exist. Zero disables hedging until then.
	//
	// Default: 0
	HedgeDelay time.Duration `yaml:"hedge_delay"`

	// HedgeMaxRatio caps hedged requests per host as a fraction of all
	// requests to that host.
	//
	// Default: 0.1 (at most 1 in 10)
	HedgeMaxRatio float64 `yaml:"hedge_max_ratio"`

	// CircuitThreshold is the run of consecutive 5xx responses that opens
	// the circuit breaker.
	//
	// Default: 3
	CircuitThreshold int `yaml:"circuit_threshold"`

	// CircuitCooldown is how long the breaker stays open.
	//
	// Default: 1s
	CircuitCooldown time.Duration `yaml:"circuit_cooldown"`

	// PacingPause is the fixed wait after a 429 or 403.
	//
	// Default: 1s
	PacingPause time.Duration `yaml:"pacing_pause"`

	// MaxElapsedTime bounds one retry loop including waits. Zero means no
	// bound; retries are then limited by the budgets alone, except pacing
	// which spends no budget.
	//
	// Default: 5m
	MaxElapsedTime time.Duration `yaml:"max_elapsed_time"`

	// =======================================================================
	// Request and Response Handling
	// =======================================================================

	// MaxBodyBytes caps how much of a response body is read. Zero means
	// unlimited.
	//
	// Default: 5MiB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// FollowRedirects makes the engine follow 3xx responses. Probes
	// usually want to see the redirect itself.
	//
	// Default: false
	FollowRedirects bool `yaml:"follow_redirects"`

	// UserAgent is sent when the request sets none.
	//
	// Default: "sqldetector-probe/1.0"
	UserAgent string `yaml:"user_agent"`

	// CoalesceGets collapses identical concurrent GETs into one logical
	// request whose Response is shared by all callers.
	//
	// Default: false
	CoalesceGets bool `yaml:"coalesce_gets"`

	// HostBreaker configures the per-host connectivity guard.
	//
	// Default: disabled
	HostBreaker HostBreakerConfig `yaml:"host_breaker"`
}

// DefaultConfig returns the standard probing profile.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PoolTimeout:    5 * time.Second,

		MaxConnections:          100,
		MaxKeepaliveConnections: 20,
		IdleConnTimeout:         90 * time.Second,
		KeepAlive:               30 * time.Second,
		FallbackDelay:           300 * time.Millisecond,

		PerHostConcurrency: 5,
		RateLimitPerSec:    5,
		RetryBudget:        UniformRetryBudget(5),
		HedgeDelay:         0,
		HedgeMaxRatio:      0.1,
		CircuitThreshold:   3,
		CircuitCooldown:    1 * time.Second,
		PacingPause:        1 * time.Second,
		MaxElapsedTime:     5 * time.Minute,

		MaxBodyBytes: 5 << 20,
		UserAgent:    "sqldetector-probe/1.0",
	}
}

// TurboConfig returns a profile for fast, resilient targets.
//
// Key differences from DefaultConfig:
//   - Larger connection pool and per-host concurrency
//   - Higher global rate
//   - Hedging enabled from the first request (200ms static delay)
//   - Shorter timeouts
func TurboConfig() Config {
	cfg := DefaultConfig()

	cfg.ConnectTimeout = 3 * time.Second
	cfg.ReadTimeout = 5 * time.Second
	cfg.WriteTimeout = 5 * time.Second
	cfg.PoolTimeout = 2 * time.Second

	cfg.MaxConnections = 200
	cfg.MaxKeepaliveConnections = 100
	cfg.PerHostConcurrency = 20
	cfg.RateLimitPerSec = 50
	cfg.RetryBudget = UniformRetryBudget(10)
	cfg.HedgeDelay = 200 * time.Millisecond

	return cfg
}

// StealthConfig returns a low-and-slow profile: one request per second,
// one in flight per host, no hedging.
func StealthConfig() Config {
	cfg := DefaultConfig()

	cfg.MaxConnections = 10
	cfg.MaxKeepaliveConnections = 5
	cfg.PerHostConcurrency = 1
	cfg.RateLimitPerSec = 1
	cfg.RetryBudget = UniformRetryBudget(3)
	cfg.HedgeMaxRatio = 0
	cfg.PacingPause = 5 * time.Second

	return cfg
}

// Preset returns a named profile: "default", "turbo" or "stealth".
func Preset(name string) (Config, error) {
	switch name {
	case "", "default":
		return DefaultConfig(), nil
	case "turbo":
		return TurboConfig(), nil
	case "stealth":
		return StealthConfig(), nil
	default:
		return Config{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidConfig, name)
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case math.IsNaN(c.RateLimitPerSec) || math.IsInf(c.RateLimitPerSec, 0) || c.RateLimitPerSec <= 0:
		return fmt.Errorf("%w: rate_limit_per_sec must be > 0, got %v", ErrInvalidConfig, c.RateLimitPerSec)
	case c.PerHostConcurrency < 1:
		return fmt.Errorf("%w: per_host_concurrency must be >= 1, got %d", ErrInvalidConfig, c.PerHostConcurrency)
	case c.MaxConnections < 0 || c.MaxKeepaliveConnections < 0:
		return fmt.Errorf("%w: connection limits must be >= 0", ErrInvalidConfig)
	case c.ConnectTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.PoolTimeout < 0:
		return fmt.Errorf("%w: timeouts must be >= 0", ErrInvalidConfig)
	case c.RetryBudget.Network < 0 || c.RetryBudget.Timeout < 0 || c.RetryBudget.Server < 0:
		return fmt.Errorf("%w: retry budgets must be >= 0", ErrInvalidConfig)
	case c.HedgeDelay < 0:
		return fmt.Errorf("%w: hedge_delay must be >= 0", ErrInvalidConfig)
	case math.IsNaN(c.HedgeMaxRatio) || c.HedgeMaxRatio < 0 || c.HedgeMaxRatio > 1:
		return fmt.Errorf("%w: hedge_max_ratio must be within [0, 1], got %v", ErrInvalidConfig, c.HedgeMaxRatio)
	case c.CircuitThreshold < 1:
		return fmt.Errorf("%w: circuit_threshold must be >= 1", ErrInvalidConfig)
	case c.CircuitCooldown < 0 || c.PacingPause < 0 || c.MaxElapsedTime < 0:
		return fmt.Errorf("%w: durations must be >= 0", ErrInvalidConfig)
	case c.MaxBodyBytes < 0:
		return fmt.Errorf("%w: max_body_bytes must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// AttemptTimeout is the deadline applied to one physical attempt: the sum
// of the connect, write, read and pool timeouts. Zero means no deadline.
func (c Config) AttemptTimeout() time.Duration {
	return c.ConnectTimeout + c.WriteTimeout + c.ReadTimeout + c.PoolTimeout
}

// =============================================================================
// Internal Configuration
// =============================================================================

// internalConfig holds all configuration including engine settings and OTel settings.
type internalConfig struct {
	// Engine settings
	config Config

	// === OpenTelemetry Configuration ===

	// TracerProvider is the tracer provider to use.
	// If not set, uses the global provider via otel.GetTracerProvider().
	TracerProvider trace.TracerProvider

	// MeterProvider is the meter provider to use.
	// If not set, uses the global provider via otel.GetMeterProvider().
	MeterProvider metric.MeterProvider

	// Tracer is the tracer instance created from TracerProvider.
	Tracer trace.Tracer

	// Meter is the meter instance created from MeterProvider.
	Meter metric.Meter

	// Metrics holds the metric instruments.
	Metrics *metrics

	// Propagators injects trace context into outgoing requests.
	// Default: TraceContext + Baggage (W3C standard)
	Propagators propagation.TextMapPropagator

	// === Service Identification ===

	// ServiceName is added as "http.client.name" on spans and metrics.
	ServiceName string

	// === Logging ===

	// Logger receives engine events. Default: zerolog.Nop().
	Logger zerolog.Logger

	// === Transport ===

	// Transport replaces the http.Transport built from Config.
	// Used by tests (MockTransport) and callers with special dialing needs.
	Transport http.RoundTripper

	// Interceptors run against every physical attempt before it is sent.
	Interceptors []RequestInterceptor
}

// newConfig creates a new internal config with defaults and applies options.
func newConfig(opts ...Option) *internalConfig {
	cfg := &internalConfig{
		config:         DefaultConfig(),
		TracerProvider: otel.GetTracerProvider(),
		MeterProvider:  otel.GetMeterProvider(),
		Logger:         zerolog.Nop(),
		Propagators: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	// Initialize tracer and meter after options are applied
	cfg.Tracer = cfg.TracerProvider.Tracer(scope)
	cfg.Meter = cfg.MeterProvider.Meter(scope)

	// Initialize metrics (ignore errors, will just be nil if fails)
	cfg.Metrics, _ = newMetrics(cfg.Meter)

	return cfg
}

// buildTransport creates an http.Transport from the configuration.
func (cfg *internalConfig) buildTransport() *http.Transport {
	c := cfg.config

	dialer := &net.Dialer{
		Timeout:       c.ConnectTimeout,
		KeepAlive:     c.KeepAlive,
		FallbackDelay: c.FallbackDelay,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          c.MaxKeepaliveConnections,
		MaxIdleConnsPerHost:   c.MaxKeepaliveConnections,
		MaxConnsPerHost:       c.MaxConnections,
		IdleConnTimeout:       c.IdleConnTimeout,
		TLSHandshakeTimeout:   c.ConnectTimeout,
		ResponseHeaderTimeout: c.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed scan targets
		},
	}
}

// baseAttributes returns common attributes for all spans and metrics.
func (cfg *internalConfig) baseAttributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 1)
	if cfg.ServiceName != "" {
		attrs = append(attrs, attribute.String("http.client.name", cfg.ServiceName))
	}
	return attrs
}

// =============================================================================
// Options - Functional Options for Client Configuration
// =============================================================================

// Option configures the Client.
type Option func(*internalConfig)

// WithConfig sets the engine settings.
// Use DefaultConfig(), TurboConfig() or StealthConfig() as a starting
// point, then customize as needed.
func WithConfig(c Config) Option {
	return func(cfg *internalConfig) {
		cfg.config = c
	}
}

// WithServiceName sets an identifier for this client in traces and metrics.
func WithServiceName(name string) Option {
	return func(cfg *internalConfig) {
		cfg.ServiceName = name
	}
}

// WithTracerProvider sets a custom TracerProvider.
// If not set, the global TracerProvider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *internalConfig) {
		if tp != nil {
			cfg.TracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom MeterProvider.
// If not set, the global MeterProvider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		if mp != nil {
			cfg.MeterProvider = mp
		}
	}
}

// WithPropagators sets the propagators used to inject trace context.
func WithPropagators(p propagation.TextMapPropagator) Option {
	return func(cfg *internalConfig) {
		if p != nil {
			cfg.Propagators = p
		}
	}
}

// WithLogger sets the logger for engine events.
func WithLogger(l zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.Logger = l
	}
}

// WithDebug logs every attempt to stdout at debug level.
func WithDebug(enabled bool) Option {
	return func(cfg *internalConfig) {
		if enabled {
			cfg.Logger = debugLogger.Level(zerolog.DebugLevel)
		}
	}
}

// WithTransport replaces the transport built from Config.
//
// Example - testing against canned responses:
//
//	mock := httpclient.NewMockTransport().StubResponse(200, "ok")
//	client, err := httpclient.New(httpclient.WithTransport(mock))
func WithTransport(rt http.RoundTripper) Option {
	return func(cfg *internalConfig) {
		cfg.Transport = rt
	}
}

// WithInterceptors appends request interceptors. They run in order against
// every physical attempt, including retries and hedges.
func WithInterceptors(interceptors ...RequestInterceptor) Option {
	return func(cfg *internalConfig) {
		cfg.Interceptors = append(cfg.Interceptors, interceptors...)
	}
}

// WithHostBreaker enables the per-host connectivity guard.
func WithHostBreaker(hb HostBreakerConfig) Option {
	return func(cfg *internalConfig) {
		cfg.config.HostBreaker = hb
	}
}
