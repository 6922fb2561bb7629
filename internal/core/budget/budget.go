package budget

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/charleschow/ticket-watch/internal/telemetry"
)

// Config sizes the budget to the external API's documented limit.
type Config struct {
	Limit    int           // calls allowed per Window
	Window   time.Duration // rolling window length
	Burst    int           // burst guard bucket size
	BurstQPS float64       // burst guard refill rate
	Cooldown time.Duration // minimum DEPLETED period after a rate-limit signal
}

// DefaultConfig matches Eventbrite's 2000 calls per hour per token.
func DefaultConfig() Config {
	return Config{
		Limit:    2000,
		Window:   time.Hour,
		Burst:    10,
		BurstQPS: 10,
		Cooldown: 60 * time.Second,
	}
}

// Snapshot is a point-in-time view of the budget.
type Snapshot struct {
	CallsRemaining int
	ResetAt        time.Time
	Depleted       bool
}

// Budget tracks call allowance against a rolling window plus a short burst
// guard. It is shared by every fetch worker; all methods are serialized.
type Budget struct {
	cfg   Config
	now   func() time.Time
	burst *rate.Limiter

	mu            sync.Mutex
	calls         []time.Time // call timestamps inside the window, oldest first
	depletedUntil time.Time
	signals       int
}

// Option configures a Budget.
type Option func(*Budget)

// WithClock replaces time.Now, used by tests to simulate the reset window.
func WithClock(now func() time.Time) Option {
	return func(b *Budget) { b.now = now }
}

func New(cfg Config, opts ...Option) *Budget {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultConfig().Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultConfig().Burst
	}
	if cfg.BurstQPS <= 0 {
		cfg.BurstQPS = DefaultConfig().BurstQPS
	}
	b := &Budget{
		cfg:   cfg,
		now:   time.Now,
		burst: rate.NewLimiter(rate.Limit(cfg.BurstQPS), cfg.Burst),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// TryConsume grants n calls or denies without blocking. Callers back off
// themselves; a denial never reserves future capacity.
func (b *Budget) TryConsume(n int) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Before(b.depletedUntil) {
		telemetry.Metrics.BudgetDenials.Inc()
		return false
	}
	b.pruneLocked(now)
	if len(b.calls)+n > b.cfg.Limit {
		telemetry.Metrics.BudgetDenials.Inc()
		return false
	}
	if !b.burst.AllowN(now, n) {
		telemetry.Metrics.BudgetDenials.Inc()
		return false
	}
	for i := 0; i < n; i++ {
		b.calls = append(b.calls, now)
	}
	return true
}

// ObserveRateLimitSignal empties the budget until the reset deadline. The
// deadline is retryAfter when the server supplied one, never shorter than
// the configured cool-down, and never earlier than an already recorded one.
// It returns the effective reset time.
func (b *Budget) ObserveRateLimitSignal(retryAfter time.Duration) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	wait := b.cfg.Cooldown
	if retryAfter > wait {
		wait = retryAfter
	}
	until := b.now().Add(wait)
	if until.After(b.depletedUntil) {
		b.depletedUntil = until
	}
	b.signals++
	telemetry.Metrics.RateLimitSignals.Inc()
	telemetry.Warnf("budget: rate limit signal #%d, depleted until %s", b.signals, b.depletedUntil.Format(time.TimeOnly))
	return b.depletedUntil
}

// Snapshot reports remaining calls and when capacity next frees up.
func (b *Budget) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Before(b.depletedUntil) {
		return Snapshot{CallsRemaining: 0, ResetAt: b.depletedUntil, Depleted: true}
	}
	b.pruneLocked(now)
	remaining := b.cfg.Limit - len(b.calls)
	resetAt := now
	if remaining <= 0 && len(b.calls) > 0 {
		resetAt = b.calls[0].Add(b.cfg.Window)
		remaining = 0
	}
	return Snapshot{CallsRemaining: remaining, ResetAt: resetAt}
}

// Signals returns how many rate-limit signals have been observed.
func (b *Budget) Signals() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signals
}

func (b *Budget) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.calls) && !b.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.calls = append(b.calls[:0], b.calls[i:]...)
	}
}
