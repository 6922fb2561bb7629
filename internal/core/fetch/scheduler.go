package fetch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/charleschow/ticket-watch/internal/core/budget"
	"github.com/charleschow/ticket-watch/internal/core/inventory"
	"github.com/charleschow/ticket-watch/internal/telemetry"
)

// AvailabilityFetcher fetches one key. Satisfied by *Fetcher.
type AvailabilityFetcher interface {
	Fetch(ctx context.Context, key inventory.TicketKey) (inventory.Status, error)
}

// ResetSource reports when the shared budget frees up and how many
// server rate-limit signals it has seen. Satisfied by *budget.Budget.
type ResetSource interface {
	Snapshot() budget.Snapshot
	Signals() int
}

// SchedulerConfig controls the fan-out.
type SchedulerConfig struct {
	Parallel   bool // false degrades to one fetch at a time
	MaxWorkers int  // upper bound on concurrent outbound calls
	EarlyExit  bool // stop dispatching once any key reports AVAILABLE
}

// Scheduler fans fetches out over a bounded pool and aggregates one
// Snapshot per batch. Each batch gets the next sequence number so the
// tracker can discard late stragglers.
type Scheduler struct {
	cfg     SchedulerConfig
	fetcher AvailabilityFetcher
	resets  ResetSource
	now     func() time.Time
	seq     atomic.Uint64
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock replaces time.Now for snapshot timestamps.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(cfg SchedulerConfig, f AvailabilityFetcher, resets ResetSource, opts ...SchedulerOption) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	s := &Scheduler{cfg: cfg, fetcher: f, resets: resets, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) workers() int {
	if !s.cfg.Parallel {
		return 1
	}
	return s.cfg.MaxWorkers
}

// FetchAll queries keys with at most workers() calls in flight. Once any
// fetch reports RATE_LIMITED (or AVAILABLE with EarlyExit) no new fetch is
// dispatched; those already issued still complete and are included.
func (s *Scheduler) FetchAll(ctx context.Context, keys []inventory.TicketKey) inventory.Snapshot {
	snap := inventory.Snapshot{
		Seq:       s.seq.Add(1),
		StartedAt: s.now(),
		Statuses:  make(map[inventory.TicketKey]inventory.Status, len(keys)),
		Errors:    make(map[inventory.TicketKey]error),
	}
	signalsBefore := 0
	if s.resets != nil {
		signalsBefore = s.resets.Signals()
	}

	sem := semaphore.NewWeighted(int64(s.workers()))
	var (
		mu          sync.Mutex
		wg          sync.WaitGroup
		stop        atomic.Bool
		rateLimited atomic.Bool
		earlyExit   atomic.Bool
	)

	for _, key := range keys {
		if stop.Load() || ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		// A worker may have tripped the stop flag while we waited for a slot.
		if stop.Load() {
			sem.Release(1)
			break
		}

		wg.Add(1)
		telemetry.Metrics.InFlightFetches.Inc()
		go func(key inventory.TicketKey) {
			defer wg.Done()
			defer sem.Release(1)
			defer telemetry.Metrics.InFlightFetches.Dec()

			st, err := s.fetcher.Fetch(ctx, key)

			mu.Lock()
			snap.Statuses[key] = st
			if err != nil {
				snap.Errors[key] = err
			}
			mu.Unlock()

			switch {
			case st == inventory.StatusRateLimited:
				rateLimited.Store(true)
				stop.Store(true)
			case st == inventory.StatusAvailable && s.cfg.EarlyExit:
				earlyExit.Store(true)
				stop.Store(true)
			}
		}(key)
	}
	wg.Wait()

	snap.ObservedAt = s.now()
	snap.RateLimited = rateLimited.Load()
	snap.EarlyExited = earlyExit.Load()
	if snap.RateLimited && s.resets != nil {
		snap.Signalled = s.resets.Signals() > signalsBefore
		snap.ResetAt = s.resets.Snapshot().ResetAt
	}

	for key, err := range snap.Errors {
		telemetry.Warnf("fetch: key=%s status=%s err=%v", key, snap.Statuses[key], err)
	}
	if snap.RateLimited {
		telemetry.Warnf("fetch: batch #%d rate limited (server=%t) after %d/%d keys, reset at %s",
			snap.Seq, snap.Signalled, len(snap.Statuses), len(keys), snap.ResetAt.Format(time.TimeOnly))
	}
	return snap
}
