package httpclient

import (
	"fmt"
	"sync"
)

// RetryBudgetConfig sets how many retries each failure category may spend
// over the lifetime of a Client.
type RetryBudgetConfig struct {
	// Network is the budget for connection-level failures.
	// Default: 5
	Network int `yaml:"network"`

	// Timeout is the budget for per-attempt deadline expiry.
	// Default: 5
	Timeout int `yaml:"timeout"`

	// Server is the budget for 5xx responses.
	// Default: 5
	Server int `yaml:"server"`
}

// UniformRetryBudget returns a config with the same budget for every category.
func UniformRetryBudget(n int) RetryBudgetConfig {
	return RetryBudgetConfig{Network: n, Timeout: n, Server: n}
}

// For returns the configured budget of cat.
func (c RetryBudgetConfig) For(cat Category) int {
	switch cat {
	case CategoryNetwork:
		return c.Network
	case CategoryTimeout:
		return c.Timeout
	case CategoryServer:
		return c.Server
	default:
		return 0
	}
}

// RetryBudget is the engine-wide retry ledger.
//
// Categories are independent counters that only ever decrease. Once a
// category reaches zero every further TryConsume for it fails; the ledger
// never resets.
//
// The budget is shared by all hosts so that one engine cannot be driven
// into unbounded retries by spreading failures across many targets.
type RetryBudget struct {
	mu        sync.Mutex
	remaining map[Category]int
}

// NewRetryBudget creates a ledger seeded from cfg. Negative values count as zero.
func NewRetryBudget(cfg RetryBudgetConfig) *RetryBudget {
	remaining := make(map[Category]int, len(Categories))
	for _, cat := range Categories {
		remaining[cat] = max(cfg.For(cat), 0)
	}
	return &RetryBudget{remaining: remaining}
}

// TryConsume spends one retry of cat. It returns an error matching
// ErrRetryBudgetExceeded when the category is already at zero.
func (b *RetryBudget) TryConsume(cat Category) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.remaining[cat] <= 0 {
		return fmt.Errorf("%w (%s)", ErrRetryBudgetExceeded, cat)
	}
	b.remaining[cat]--
	return nil
}

// Remaining returns the retries left for cat.
func (b *RetryBudget) Remaining(cat Category) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining[cat]
}

// Snapshot returns the remaining budget of every category.
func (b *RetryBudget) Snapshot() map[Category]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[Category]int, len(b.remaining))
	for cat, n := range b.remaining {
		out[cat] = n
	}
	return out
}
