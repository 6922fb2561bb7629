package monitor

import (
	"fmt"
	"time"

	"github.com/charleschow/ticket-watch/internal/core/fetch"
	"github.com/charleschow/ticket-watch/internal/core/tracker"
)

// Default values for the loop configuration.
const (
	DefaultPollFloor       = 1800 * time.Millisecond
	DefaultSlowInterval    = 6 * time.Second
	DefaultFastInterval    = 1800 * time.Millisecond
	DefaultFastestInterval = 1800 * time.Millisecond
	DefaultMaxWorkers      = 10
)

// Config is built once at start and never mutated.
type Config struct {
	PollFloor       time.Duration
	SlowInterval    time.Duration
	FastInterval    time.Duration
	FastestInterval time.Duration

	ParallelFetch bool
	MaxWorkers    int
	EarlyExit     bool

	// PauseDuringCheckout skips fetching while an attempt is in progress.
	PauseDuringCheckout bool

	// MaxRateLimitCooldowns ends Run with ErrCooldownExhausted after this
	// many consecutive rate-limited ticks. Zero means never.
	MaxRateLimitCooldowns int
}

func DefaultConfig() Config {
	return Config{
		PollFloor:           DefaultPollFloor,
		SlowInterval:        DefaultSlowInterval,
		FastInterval:        DefaultFastInterval,
		FastestInterval:     DefaultFastestInterval,
		ParallelFetch:       true,
		MaxWorkers:          DefaultMaxWorkers,
		EarlyExit:           false,
		PauseDuringCheckout: true,
	}
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if c.PollFloor <= 0 {
		return fmt.Errorf("poll_floor must be positive")
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1")
	}
	if c.MaxRateLimitCooldowns < 0 {
		return fmt.Errorf("max_rate_limit_cooldowns cannot be negative")
	}
	if c.SlowInterval > 0 && c.FastInterval > 0 && c.SlowInterval < c.FastInterval {
		return fmt.Errorf("slow_interval (%s) cannot be shorter than fast_interval (%s)", c.SlowInterval, c.FastInterval)
	}
	return nil
}

// Policy derives the tracker's interval policy.
func (c Config) Policy() tracker.Policy {
	return tracker.Policy{
		Floor:   c.PollFloor,
		Slow:    c.SlowInterval,
		Fast:    c.FastInterval,
		Fastest: c.FastestInterval,
	}
}

// SchedulerConfig derives the fan-out settings.
func (c Config) SchedulerConfig() fetch.SchedulerConfig {
	return fetch.SchedulerConfig{
		Parallel:   c.ParallelFetch,
		MaxWorkers: c.MaxWorkers,
		EarlyExit:  c.EarlyExit,
	}
}
