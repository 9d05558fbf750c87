// Package risk enforces the two risk controls spec.md actually calls for:
// the concurrent-exposure cap consulted by the buy-intent precondition
// (spec.md §4.7, "holder-count < maxHoldingStocks") and the order-retry
// cooldown policy of spec.md §7. Scoped down from the teacher's
// risk.Manager, which also tracked leverage, drawdown, and per-trade
// position sizing — none of which have an analog in a fixed-buy-amount,
// integer-quantity, unleveraged strategy.
package risk

import (
	"sync"
	"time"
)

// Config holds the guard's tunables, mirroring spec.md §6.2's
// error_handling document section for the retry/cooldown fields.
type Config struct {
	MaxHoldingStocks     int
	OrderRetryCount      int
	OrderRetryInterval   time.Duration
	ConsecutiveLossLimit int
	CooldownPeriod       time.Duration
}

// DefaultConfig returns the baseline guard configuration.
func DefaultConfig() Config {
	return Config{
		MaxHoldingStocks:     3,
		OrderRetryCount:      3,
		OrderRetryInterval:   2 * time.Second,
		ConsecutiveLossLimit: 3,
		CooldownPeriod:       15 * time.Minute,
	}
}

// Guard tracks consecutive order-submission failures and gates dispatch
// during a cooldown window once the failure streak crosses
// ConsecutiveLossLimit, grounded on the teacher's Manager.RecordTrade/
// CanTrade cooldown bookkeeping.
type Guard struct {
	mu     sync.Mutex
	cfg    Config
	streak int
	until  time.Time
}

// New creates a Guard with the given configuration.
func New(cfg Config) *Guard {
	return &Guard{cfg: cfg}
}

// CanOpenNewPosition reports whether a new buy may be considered: the
// current holder count must stay below MaxHoldingStocks and the guard
// must not be in cooldown. The holder-count half of this duplicates
// signal.Engine.EvaluateBuy's own check against config.BuyConfig —
// intentionally, since EvaluateBuy is a pure function of whatever config
// snapshot it's handed and this guard is the place a caller can ask before
// even bothering to evaluate.
func (g *Guard) CanOpenNewPosition(holderCount int) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if time.Now().Before(g.until) {
		return false, "in cooldown after consecutive order failures"
	}
	if holderCount >= g.cfg.MaxHoldingStocks {
		return false, "max holding stocks reached"
	}
	return true, ""
}

// RecordOrderSuccess resets the consecutive-failure streak.
func (g *Guard) RecordOrderSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streak = 0
}

// RecordOrderFailure increments the failure streak and, once it reaches
// ConsecutiveLossLimit, opens a cooldown window and resets the streak.
func (g *Guard) RecordOrderFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streak++
	if g.cfg.ConsecutiveLossLimit > 0 && g.streak >= g.cfg.ConsecutiveLossLimit {
		g.until = time.Now().Add(g.cfg.CooldownPeriod)
		g.streak = 0
	}
}

// InCooldown reports whether the guard currently blocks dispatch.
func (g *Guard) InCooldown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Now().Before(g.until)
}

// CooldownRemaining returns how long the current cooldown has left, or 0
// if none is active.
func (g *Guard) CooldownRemaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d := time.Until(g.until); d > 0 {
		return d
	}
	return 0
}

// RetryDelay returns the interval to wait before retrying a failed order
// submission for the given 1-based attempt number, or false once
// OrderRetryCount attempts have been exhausted.
func (g *Guard) RetryDelay(attempt int) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if attempt > g.cfg.OrderRetryCount {
		return 0, false
	}
	return g.cfg.OrderRetryInterval, true
}
