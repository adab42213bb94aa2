package statusserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sqldetector/probe/httpclient"
)

// HealthCheck reports nil when healthy.
type HealthCheck func(ctx context.Context) error

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status              string `json:"status"`
	Latency             string `json:"latency"`
	Message             string `json:"message,omitempty"`
	LastChecked         string `json:"last_checked"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
}

// HealthResponse is the payload of /livez and /readyz.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime,omitempty"`
	Hostname  string                 `json:"hostname,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

type checkState struct {
	check               HealthCheck
	consecutiveFailures int
}

// HealthHandler serves liveness and readiness.
//
// Liveness has no checks: a process that answers is alive. Readiness runs
// every registered check; for a probe engine "ready" means it is currently
// able to send requests.
type HealthHandler struct {
	serviceName string
	version     string
	startTime   time.Time
	hostname    string

	mu     sync.Mutex
	checks map[string]*checkState
}

// NewHealthHandler creates a HealthHandler with no checks.
func NewHealthHandler(serviceName, version string) *HealthHandler {
	hostname, _ := os.Hostname()
	return &HealthHandler{
		serviceName: serviceName,
		version:     version,
		startTime:   time.Now(),
		hostname:    hostname,
		checks:      make(map[string]*checkState),
	}
}

// AddReadinessCheck registers check under name, replacing any previous one.
func (h *HealthHandler) AddReadinessCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = &checkState{check: check}
}

// LiveHandler always answers 200.
func (h *HealthHandler) LiveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, Response[HealthResponse]{
			Data:    h.response("ok", nil),
			Message: "alive",
		})
	})
}

// ReadyHandler answers 200 when all checks pass, 503 otherwise.
func (h *HealthHandler) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results, failures := h.run(r.Context())

		if len(failures) > 0 {
			WriteJSON(w, http.StatusServiceUnavailable, Response[HealthResponse]{
				Data:    h.response("fail", results),
				Errors:  failures,
				Message: "one or more checks failed",
			})
			return
		}

		WriteJSON(w, http.StatusOK, Response[HealthResponse]{
			Data:    h.response("ok", results),
			Message: "all checks passed",
		})
	})
}

func (h *HealthHandler) run(ctx context.Context) (map[string]CheckResult, []Error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	results := make(map[string]CheckResult, len(h.checks))
	var failures []Error

	for name, state := range h.checks {
		start := time.Now()
		err := state.check(ctx)

		result := CheckResult{
			Status:      "ok",
			Latency:     time.Since(start).String(),
			LastChecked: now.Format(time.RFC3339),
		}
		if err != nil {
			state.consecutiveFailures++
			result.Status = "fail"
			result.Message = err.Error()
			result.ConsecutiveFailures = state.consecutiveFailures
			failures = append(failures, Error{Field: name, Message: err.Error()})
		} else {
			state.consecutiveFailures = 0
		}
		results[name] = result
	}

	sort.Slice(failures, func(i, j int) bool { return failures[i].Field < failures[j].Field })
	return results, failures
}

func (h *HealthHandler) response(status string, checks map[string]CheckResult) HealthResponse {
	return HealthResponse{
		Status:    status,
		Service:   h.serviceName,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Hostname:  h.hostname,
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    checks,
	}
}

// CircuitCheck fails while the engine's circuit breaker is open.
func CircuitCheck(client *httpclient.Client) HealthCheck {
	return func(context.Context) error {
		s := client.Stats()
		if s.Circuit == httpclient.CircuitOpen {
			return fmt.Errorf("%w after %d consecutive server errors",
				httpclient.ErrCircuitOpen, client.Config().CircuitThreshold)
		}
		return nil
	}
}

// RetryBudgetCheck fails once any retry category with a non-zero budget is
// spent. The budget never refills, so a failing check stays failed for the
// client's lifetime.
func RetryBudgetCheck(client *httpclient.Client) HealthCheck {
	configured := client.Config().RetryBudget

	return func(context.Context) error {
		remaining := client.Stats().RetryBudget

		var errs []error
		for _, cat := range httpclient.Categories {
			if configured.For(cat) > 0 && remaining[cat] == 0 {
				errs = append(errs, fmt.Errorf("%w: %s", httpclient.ErrRetryBudgetExceeded, cat))
			}
		}
		return errors.Join(errs...)
	}
}
