package httpclient

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the engine. Match them with errors.Is; the
// concrete error usually carries more context (see RequestError).
var (
	// ErrTimeout means a single attempt hit its connect/read/write/pool deadline.
	ErrTimeout = errors.New("httpclient: attempt timed out")

	// ErrNetwork means a connection-level failure (refused, reset, DNS).
	ErrNetwork = errors.New("httpclient: connection failed")

	// ErrServerError means the server answered with a 5xx status.
	ErrServerError = errors.New("httpclient: server error")

	// ErrRetryBudgetExceeded means a retry category ran out of budget.
	// Budgets never refill, so every later retry of that category fails too.
	ErrRetryBudgetExceeded = errors.New("httpclient: retry budget exceeded")

	// ErrCircuitOpen means the engine-wide breaker is cooling down.
	ErrCircuitOpen = errors.New("httpclient: circuit open")

	// ErrThrottled means the server kept answering 429/403 until the
	// branch ran out of MaxElapsedTime.
	ErrThrottled = errors.New("httpclient: throttled by server")

	// ErrHostUnavailable means the per-host connectivity guard is open.
	ErrHostUnavailable = errors.New("httpclient: host unavailable")

	// ErrInvalidConfig is returned by New and Config.Validate.
	ErrInvalidConfig = errors.New("httpclient: invalid config")
)

// Category is a retry budget category.
type Category int

const (
	// CategoryNetwork covers connection-level failures.
	CategoryNetwork Category = iota
	// CategoryTimeout covers per-attempt deadline expiry.
	CategoryTimeout
	// CategoryServer covers 5xx responses.
	CategoryServer
)

// Categories lists every retry category in a stable order.
var Categories = []Category{CategoryNetwork, CategoryTimeout, CategoryServer}

func (c Category) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryTimeout:
		return "timeout"
	case CategoryServer:
		return "server"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// sentinel returns the error kind reported for a failed attempt of this category.
func (c Category) sentinel() error {
	switch c {
	case CategoryTimeout:
		return ErrTimeout
	case CategoryServer:
		return ErrServerError
	default:
		return ErrNetwork
	}
}

// RequestError describes a failed physical attempt.
//
// It unwraps to both the category sentinel (ErrTimeout, ErrNetwork,
// ErrServerError) and the underlying transport error, so either can be
// matched with errors.Is.
type RequestError struct {
	Method     string
	URL        string
	Category   Category
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: %v: status %d", e.Method, e.URL, e.Category.sentinel(), e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Method, e.URL, e.Category.sentinel(), e.Err)
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Category.sentinel()}
	}
	return []error{e.Category.sentinel(), e.Err}
}

// CircuitOpenError is returned while the circuit breaker rejects requests.
type CircuitOpenError struct {
	// RetryAt is when the breaker closes again.
	RetryAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%v until %s", ErrCircuitOpen, e.RetryAt.Format(time.RFC3339Nano))
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// budgetExceeded joins the ledger error with the failure that needed the retry.
func budgetExceeded(ledgerErr, cause error) error {
	return fmt.Errorf("%w: %w", ledgerErr, cause)
}
