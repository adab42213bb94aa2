package httpclient

import (
	"net/http"
	"sort"
	"time"
)

// =============================================================================
// Stats Types
// =============================================================================

// PoolStats provides a snapshot of connection pool configuration.
type PoolStats struct {
	// MaxIdleConns is the maximum idle connections across all hosts.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum idle connections per host.
	MaxIdleConnsPerHost int

	// MaxConnsPerHost is the maximum total connections per host.
	// Zero means unlimited.
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept before closing.
	IdleConnTimeout time.Duration
}

// Stats is a point-in-time view of the engine's adaptive state.
//
// Example usage:
//
//	stats := client.Stats()
//	for _, h := range stats.Hosts {
//	    fmt.Printf("%s: limit=%d avg=%s\n", h.Host, h.ConcurrencyLimit, h.AverageLatency)
//	}
type Stats struct {
	// Pool is empty when the transport was supplied with WithTransport.
	Pool PoolStats

	// RateLimit is the configured rate and Tokens what is in the bucket now.
	RateLimit float64
	Tokens    float64

	// Circuit is the breaker state and ConsecutiveServerErrors its counter.
	Circuit                 CircuitState
	ConsecutiveServerErrors int

	// RetryBudget is the remaining budget per category.
	RetryBudget map[Category]int

	// GlobalLatencySamples is the number of samples in the global window.
	GlobalLatencySamples int

	// HedgeDelay is the delay a hedge would use now; zero when hedging is
	// currently not possible.
	HedgeDelay time.Duration

	// Hosts is sorted by host name.
	Hosts []HostStats
}

// =============================================================================
// Client Methods
// =============================================================================

// Stats returns a snapshot of the engine state.
func (c *Client) Stats() Stats {
	s := Stats{
		Pool:                    c.PoolStats(),
		RateLimit:               c.limiter.Rate(),
		Tokens:                  c.limiter.Tokens(),
		Circuit:                 c.breaker.State(),
		ConsecutiveServerErrors: c.breaker.ConsecutiveFailures(),
		RetryBudget:             c.budget.Snapshot(),
		GlobalLatencySamples:    c.globalLatency.Count(globalLatencyKey),
	}
	if d, ok := c.hedge.delay(); ok && c.hedge.maxRatio > 0 {
		s.HedgeDelay = d
	}

	c.mu.Lock()
	hosts := make([]*hostState, 0, len(c.hosts))
	for _, h := range c.hosts {
		hosts = append(hosts, h)
	}
	c.mu.Unlock()

	s.Hosts = make([]HostStats, 0, len(hosts))
	for _, h := range hosts {
		s.Hosts = append(s.Hosts, h.stats())
	}
	sort.Slice(s.Hosts, func(i, j int) bool { return s.Hosts[i].Host < s.Hosts[j].Host })

	return s
}

// PoolStats returns the connection pool configuration.
//
// Returns empty PoolStats if the transport is not an *http.Transport.
func (c *Client) PoolStats() PoolStats {
	transport := c.transport
	if transport == nil {
		transport = unwrapTransport(c.cfg.Transport)
	}
	if transport == nil {
		return PoolStats{}
	}

	return PoolStats{
		MaxIdleConns:        transport.MaxIdleConns,
		MaxIdleConnsPerHost: transport.MaxIdleConnsPerHost,
		MaxConnsPerHost:     transport.MaxConnsPerHost,
		IdleConnTimeout:     transport.IdleConnTimeout,
	}
}

// =============================================================================
// Internal Utilities
// =============================================================================

// unwrapTransport traverses a transport chain to find the base http.Transport.
func unwrapTransport(rt http.RoundTripper) *http.Transport {
	for {
		switch t := rt.(type) {
		case *http.Transport:
			return t
		case interface{ Unwrap() http.RoundTripper }:
			rt = t.Unwrap()
		default:
			return nil
		}
	}
}
