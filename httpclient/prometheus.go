package httpclient

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Compile-time interface check.
var _ prometheus.Collector = (*Collector)(nil)

// Collector exports the engine's adaptive state to Prometheus on every
// scrape. It complements the OpenTelemetry instruments, which count events;
// the collector reports levels.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	registry.MustRegister(httpclient.NewCollector(client))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Collector struct {
	client *Client

	hostLimit    *prometheus.Desc
	hostCeiling  *prometheus.Desc
	hostInFlight *prometheus.Desc
	hostLatency  *prometheus.Desc
	hostRequests *prometheus.Desc
	hostHedges   *prometheus.Desc

	budgetRemaining *prometheus.Desc
	circuitOpen     *prometheus.Desc
	serverErrors    *prometheus.Desc
	tokens          *prometheus.Desc
	hedgeDelay      *prometheus.Desc
}

// NewCollector creates a Collector for client.
func NewCollector(client *Client) *Collector {
	const ns = "sqldetector_probe"
	hostLabels := []string{"host"}

	return &Collector{
		client: client,

		hostLimit: prometheus.NewDesc(ns+"_host_concurrency_limit",
			"Current adaptive concurrency limit per host.", hostLabels, nil),
		hostCeiling: prometheus.NewDesc(ns+"_host_concurrency_ceiling",
			"Configured per-host concurrency ceiling.", nil, nil),
		hostInFlight: prometheus.NewDesc(ns+"_host_in_flight",
			"Attempts currently holding a concurrency slot per host.", hostLabels, nil),
		hostLatency: prometheus.NewDesc(ns+"_host_latency_average_seconds",
			"Running average latency per host.", hostLabels, nil),
		hostRequests: prometheus.NewDesc(ns+"_host_requests_total",
			"Logical requests per host.", hostLabels, nil),
		hostHedges: prometheus.NewDesc(ns+"_host_hedges_total",
			"Hedged duplicates launched per host.", hostLabels, nil),

		budgetRemaining: prometheus.NewDesc(ns+"_retry_budget_remaining",
			"Remaining retry budget per category.", []string{"category"}, nil),
		circuitOpen: prometheus.NewDesc(ns+"_circuit_open",
			"1 while the circuit breaker is open.", nil, nil),
		serverErrors: prometheus.NewDesc(ns+"_circuit_consecutive_server_errors",
			"Current run of consecutive 5xx responses.", nil, nil),
		tokens: prometheus.NewDesc(ns+"_rate_limit_tokens",
			"Tokens currently in the rate limiter bucket.", nil, nil),
		hedgeDelay: prometheus.NewDesc(ns+"_hedge_delay_seconds",
			"Delay a hedge would use now, 0 when hedging is unavailable.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hostLimit
	ch <- c.hostCeiling
	ch <- c.hostInFlight
	ch <- c.hostLatency
	ch <- c.hostRequests
	ch <- c.hostHedges
	ch <- c.budgetRemaining
	ch <- c.circuitOpen
	ch <- c.serverErrors
	ch <- c.tokens
	ch <- c.hedgeDelay
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.client.Stats()

	for _, h := range s.Hosts {
		ch <- prometheus.MustNewConstMetric(c.hostLimit, prometheus.GaugeValue, float64(h.ConcurrencyLimit), h.Host)
		ch <- prometheus.MustNewConstMetric(c.hostInFlight, prometheus.GaugeValue, float64(h.InFlight), h.Host)
		ch <- prometheus.MustNewConstMetric(c.hostLatency, prometheus.GaugeValue, h.AverageLatency.Seconds(), h.Host)
		ch <- prometheus.MustNewConstMetric(c.hostRequests, prometheus.CounterValue, float64(h.Requests), h.Host)
		ch <- prometheus.MustNewConstMetric(c.hostHedges, prometheus.CounterValue, float64(h.Hedges), h.Host)
	}
	ch <- prometheus.MustNewConstMetric(c.hostCeiling, prometheus.GaugeValue,
		float64(c.client.cfg.config.PerHostConcurrency))

	for _, cat := range Categories {
		ch <- prometheus.MustNewConstMetric(c.budgetRemaining, prometheus.GaugeValue,
			float64(s.RetryBudget[cat]), cat.String())
	}

	open := 0.0
	if s.Circuit == CircuitOpen {
		open = 1
	}
	ch <- prometheus.MustNewConstMetric(c.circuitOpen, prometheus.GaugeValue, open)
	ch <- prometheus.MustNewConstMetric(c.serverErrors, prometheus.GaugeValue, float64(s.ConsecutiveServerErrors))
	ch <- prometheus.MustNewConstMetric(c.tokens, prometheus.GaugeValue, s.Tokens)
	ch <- prometheus.MustNewConstMetric(c.hedgeDelay, prometheus.GaugeValue, s.HedgeDelay.Seconds())
}
