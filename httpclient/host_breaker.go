package httpclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"
)

// NewRedisStore creates a SharedDataStore backed by Redis so that several
// scanner processes share host guard state. It uses the official
// sony/gobreaker/v2/redis implementation.
//
// Usage:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	cfg := httpclient.DefaultConfig()
//	cfg.HostBreaker = httpclient.DistributedHostBreakerConfig(httpclient.NewRedisStore(rdb))
func NewRedisStore(client redis.UniversalClient) gobreaker.SharedDataStore {
	return gobreakerredis.NewStoreFromClient(client)
}

// HostBreakerConfig configures the per-host connectivity guard.
//
// The guard is separate from the engine-wide CircuitBreaker: it only
// counts transport failures (timeouts, refused or reset connections) and
// only ever blocks the host that produced them. A host whose guard is open
// is rejected with ErrHostUnavailable without spending retry budget.
//
// Unlike the engine-wide breaker this one is a full gobreaker state machine,
// including the half-open probe.
type HostBreakerConfig struct {
	// ConsecutiveFailures trips the guard for a host. Zero disables it.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`

	// Timeout is how long a tripped host stays blocked before a probe.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// MaxRequests is the number of probes allowed while half-open.
	// Default: 1
	MaxRequests uint32 `yaml:"max_requests"`

	// Store shares state across processes. Nil keeps it in memory.
	Store gobreaker.SharedDataStore `yaml:"-"`
}

// Enabled reports whether the guard is active.
func (c HostBreakerConfig) Enabled() bool {
	return c.ConsecutiveFailures > 0
}

// DefaultHostBreakerConfig trips a host after 10 consecutive connection
// failures and probes it again after 30s.
func DefaultHostBreakerConfig() HostBreakerConfig {
	return HostBreakerConfig{
		ConsecutiveFailures: 10,
		Timeout:             30 * time.Second,
		MaxRequests:         1,
	}
}

// DistributedHostBreakerConfig is DefaultHostBreakerConfig with a shared store.
func DistributedHostBreakerConfig(store gobreaker.SharedDataStore) HostBreakerConfig {
	cfg := DefaultHostBreakerConfig()
	cfg.Store = store
	return cfg
}

// hostBreaker is the gobreaker call shape shared by the local and
// distributed implementations.
type hostBreaker interface {
	Execute(req func() (struct{}, error)) (struct{}, error)
}

// hostGuard holds one gobreaker per host.
type hostGuard struct {
	cfg    HostBreakerConfig
	logger zerolog.Logger

	mu       sync.Mutex
	breakers map[string]hostBreaker
}

func newHostGuard(cfg HostBreakerConfig, logger zerolog.Logger) *hostGuard {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	return &hostGuard{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]hostBreaker),
	}
}

func (g *hostGuard) breaker(host string) hostBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[host]; ok {
		return cb
	}

	st := gobreaker.Settings{
		Name:        "sqldetector:host:" + host,
		MaxRequests: g.cfg.MaxRequests,
		Timeout:     g.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn().
				Str("host", strings.TrimPrefix(name, "sqldetector:host:")).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("host guard state changed")
		},
	}

	var cb hostBreaker
	if g.cfg.Store != nil {
		dcb, err := gobreaker.NewDistributedCircuitBreaker[struct{}](g.cfg.Store, st)
		if err != nil {
			// Keep per-process protection if the shared breaker cannot be built.
			g.logger.Error().Err(err).Str("host", host).Msg("distributed host guard unavailable, using local state")
			cb = gobreaker.NewCircuitBreaker[struct{}](st)
		} else {
			cb = dcb
		}
	} else {
		cb = gobreaker.NewCircuitBreaker[struct{}](st)
	}

	g.breakers[host] = cb
	return cb
}

// do runs fn through host's guard. fn returns the transport error of the
// attempt; only errors count against the host. A rejected call returns an
// error matching ErrHostUnavailable and does not run fn.
func (g *hostGuard) do(host string, fn func() error) error {
	if g == nil {
		return fn()
	}

	var inner error
	_, err := g.breaker(host).Execute(func() (struct{}, error) {
		inner = fn()
		return struct{}{}, inner
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Join(ErrHostUnavailable, err)
	}
	if inner != nil {
		return inner
	}
	return err
}
