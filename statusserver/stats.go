package statusserver

import (
	"net/http"

	"github.com/sqldetector/probe/httpclient"
)

// StatsResponse is the /stats payload. Durations are in milliseconds.
type StatsResponse struct {
	RateLimit               float64          `json:"rate_limit"`
	Tokens                  float64          `json:"tokens"`
	Circuit                 string           `json:"circuit"`
	ConsecutiveServerErrors int              `json:"consecutive_server_errors"`
	RetryBudget             map[string]int   `json:"retry_budget"`
	GlobalLatencySamples    int              `json:"global_latency_samples"`
	HedgeDelayMs            float64          `json:"hedge_delay_ms"`
	Hosts                   []HostStatsEntry `json:"hosts"`
}

// HostStatsEntry is one host in StatsResponse.
type HostStatsEntry struct {
	Host             string  `json:"host"`
	ConcurrencyLimit int     `json:"concurrency_limit"`
	InFlight         int     `json:"in_flight"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	Requests         uint64  `json:"requests"`
	Hedges           uint64  `json:"hedges"`
}

func newStatsResponse(s httpclient.Stats) StatsResponse {
	resp := StatsResponse{
		RateLimit:               s.RateLimit,
		Tokens:                  s.Tokens,
		Circuit:                 s.Circuit.String(),
		ConsecutiveServerErrors: s.ConsecutiveServerErrors,
		RetryBudget:             make(map[string]int, len(s.RetryBudget)),
		GlobalLatencySamples:    s.GlobalLatencySamples,
		HedgeDelayMs:            float64(s.HedgeDelay.Microseconds()) / 1000,
		Hosts:                   make([]HostStatsEntry, 0, len(s.Hosts)),
	}
	for cat, n := range s.RetryBudget {
		resp.RetryBudget[cat.String()] = n
	}
	for _, h := range s.Hosts {
		resp.Hosts = append(resp.Hosts, HostStatsEntry{
			Host:             h.Host,
			ConcurrencyLimit: h.ConcurrencyLimit,
			InFlight:         h.InFlight,
			AverageLatencyMs: float64(h.AverageLatency.Microseconds()) / 1000,
			Requests:         h.Requests,
			Hedges:           h.Hedges,
		})
	}
	return resp
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, Response[StatsResponse]{
		Data: newStatsResponse(s.client.Stats()),
	})
}
