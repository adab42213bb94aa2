package httpclient

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 5*time.Second, cfg.PoolTimeout)
	assert.Equal(t, 100, cfg.MaxConnections)
	assert.Equal(t, 20, cfg.MaxKeepaliveConnections)
	assert.Equal(t, 5, cfg.PerHostConcurrency)
	assert.InDelta(t, 5.0, cfg.RateLimitPerSec, 0.001)
	assert.Equal(t, UniformRetryBudget(5), cfg.RetryBudget)
	assert.Zero(t, cfg.HedgeDelay)
	assert.Equal(t, 3, cfg.CircuitThreshold)
	assert.Equal(t, time.Second, cfg.CircuitCooldown)
	assert.Equal(t, time.Second, cfg.PacingPause)
	assert.Equal(t, 30*time.Second, cfg.AttemptTimeout())
	assert.NoError(t, cfg.Validate())
}

func TestPresets(t *testing.T) {
	turbo := TurboConfig()
	assert.GreaterOrEqual(t, turbo.MaxConnections, 100)
	assert.Positive(t, turbo.HedgeDelay, "turbo hedges from the first request")
	assert.Greater(t, turbo.RateLimitPerSec, DefaultConfig().RateLimitPerSec)
	assert.NoError(t, turbo.Validate())

	stealth := StealthConfig()
	assert.Equal(t, 1, stealth.PerHostConcurrency)
	assert.InDelta(t, 1.0, stealth.RateLimitPerSec, 0.001)
	assert.Zero(t, stealth.HedgeMaxRatio)
	assert.NoError(t, stealth.Validate())

	tests := []struct {
		name    string
		preset  string
		want    Config
		wantErr assert.ErrorAssertionFunc
	}{
		{name: "given empty name, then default", preset: "", want: DefaultConfig(), wantErr: assert.NoError},
		{name: "given default, then default", preset: "default", want: DefaultConfig(), wantErr: assert.NoError},
		{name: "given turbo, then turbo", preset: "turbo", want: turbo, wantErr: assert.NoError},
		{name: "given stealth, then stealth", preset: "stealth", want: stealth, wantErr: assert.NoError},
		{name: "given unknown, then error", preset: "ludicrous", wantErr: assert.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Preset(tt.preset)

			tt.wantErr(t, err)
			if err == nil {
				assert.Equal(t, tt.want, got)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "given zero rate, then invalid", mutate: func(c *Config) { c.RateLimitPerSec = 0 }},
		{name: "given NaN rate, then invalid", mutate: func(c *Config) { c.RateLimitPerSec = math.NaN() }},
		{name: "given zero concurrency, then invalid", mutate: func(c *Config) { c.PerHostConcurrency = 0 }},
		{name: "given negative pool, then invalid", mutate: func(c *Config) { c.MaxConnections = -1 }},
		{name: "given negative timeout, then invalid", mutate: func(c *Config) { c.ReadTimeout = -time.Second }},
		{name: "given negative budget, then invalid", mutate: func(c *Config) { c.RetryBudget.Server = -1 }},
		{name: "given negative hedge delay, then invalid", mutate: func(c *Config) { c.HedgeDelay = -1 }},
		{name: "given hedge ratio above 1, then invalid", mutate: func(c *Config) { c.HedgeMaxRatio = 1.5 }},
		{name: "given zero circuit threshold, then invalid", mutate: func(c *Config) { c.CircuitThreshold = 0 }},
		{name: "given negative pause, then invalid", mutate: func(c *Config) { c.PacingPause = -1 }},
		{name: "given negative body limit, then invalid", mutate: func(c *Config) { c.MaxBodyBytes = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestBuildTransport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 7
	cfg.MaxKeepaliveConnections = 3
	cfg.InsecureSkipVerify = true

	tr := newConfig(WithConfig(cfg)).buildTransport()

	assert.Equal(t, 7, tr.MaxConnsPerHost)
	assert.Equal(t, 3, tr.MaxIdleConns)
	assert.Equal(t, 3, tr.MaxIdleConnsPerHost)
	assert.Equal(t, cfg.ReadTimeout, tr.ResponseHeaderTimeout)
	assert.Equal(t, cfg.ConnectTimeout, tr.TLSHandshakeTimeout)
	require.NotNil(t, tr.TLSClientConfig)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
}

func TestNewConfig_Options(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	mp := sdkmetric.NewMeterProvider()
	prop := propagation.TraceContext{}
	mock := NewMockTransport()

	cfg := newConfig(
		WithServiceName("scanner"),
		WithTracerProvider(tp),
		WithMeterProvider(mp),
		WithPropagators(prop),
		WithTransport(mock),
		WithInterceptors(UserAgentInterceptor("a"), UserAgentInterceptor("b")),
		WithTracerProvider(nil),
		WithMeterProvider(nil),
		WithPropagators(nil),
	)

	assert.Equal(t, "scanner", cfg.ServiceName)
	assert.Equal(t, tp, cfg.TracerProvider, "nil providers are ignored")
	assert.Equal(t, mp, cfg.MeterProvider)
	assert.Equal(t, prop, cfg.Propagators)
	assert.Equal(t, mock, cfg.Transport)
	assert.Len(t, cfg.Interceptors, 2)
	assert.NotNil(t, cfg.Metrics)
	assert.NotNil(t, cfg.Tracer)
	assert.Len(t, cfg.baseAttributes(), 1)
}
