package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/ticket-watch/internal/core/budget"
	"github.com/charleschow/ticket-watch/internal/core/inventory"
)

func key(id string) inventory.TicketKey {
	return inventory.TicketKey{EventID: "100", OccurrenceID: "100", TicketClassID: id}
}

// stubQuerier answers from a per-class table and counts calls.
type stubQuerier struct {
	mu      sync.Mutex
	results map[string]QueryResult
	errs    map[string]error
	delay   time.Duration
	calls   atomic.Int32
}

func (q *stubQuerier) QueryAvailability(ctx context.Context, k inventory.TicketKey) (QueryResult, error) {
	q.calls.Add(1)
	if q.delay > 0 {
		select {
		case <-time.After(q.delay):
		case <-ctx.Done():
			return QueryResult{}, ctx.Err()
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.errs[k.TicketClassID]; err != nil {
		return QueryResult{}, err
	}
	return q.results[k.TicketClassID], nil
}

func roomyBudget() *budget.Budget {
	return budget.New(budget.Config{Limit: 10000, Window: time.Hour, Burst: 10000, BurstQPS: 10000, Cooldown: time.Minute})
}

func TestFetcher_ReturnsStatus(t *testing.T) {
	q := &stubQuerier{results: map[string]QueryResult{"a": {Status: inventory.StatusUnavailable}}}
	f := NewFetcher(q, roomyBudget(), time.Second)

	st, err := f.Fetch(context.Background(), key("a"))
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusUnavailable, st)
	assert.EqualValues(t, 1, q.calls.Load())
}

func TestFetcher_BudgetDeniedMakesNoCall(t *testing.T) {
	q := &stubQuerier{results: map[string]QueryResult{"a": {Status: inventory.StatusAvailable}}}
	b := roomyBudget()
	b.ObserveRateLimitSignal(0)
	f := NewFetcher(q, b, time.Second)

	st, err := f.Fetch(context.Background(), key("a"))
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusRateLimited, st)
	assert.EqualValues(t, 0, q.calls.Load())
}

func TestFetcher_TransportErrorIsUnknown(t *testing.T) {
	q := &stubQuerier{errs: map[string]error{"a": errors.New("connection reset")}}
	f := NewFetcher(q, roomyBudget(), time.Second)

	st, err := f.Fetch(context.Background(), key("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, inventory.StatusUnknown, st)
}

func TestFetcher_429SignalsBudget(t *testing.T) {
	q := &stubQuerier{results: map[string]QueryResult{"a": {RateLimited: true, RetryAfter: 5 * time.Minute}}}
	b := roomyBudget()
	f := NewFetcher(q, b, time.Second)

	st, err := f.Fetch(context.Background(), key("a"))
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusRateLimited, st)
	assert.Equal(t, 1, b.Signals())
	assert.True(t, b.Snapshot().Depleted)
	assert.False(t, b.TryConsume(1))
}

func TestFetcher_CancelledContext(t *testing.T) {
	q := &stubQuerier{}
	f := NewFetcher(q, roomyBudget(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st, err := f.Fetch(ctx, key("a"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, inventory.StatusUnknown, st)
	assert.EqualValues(t, 0, q.calls.Load())
}

// countingFetcher records peak concurrency.
type countingFetcher struct {
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
	delay       time.Duration
	delayFor    func(inventory.TicketKey) time.Duration
	status      func(inventory.TicketKey) inventory.Status
}

func (c *countingFetcher) Fetch(ctx context.Context, k inventory.TicketKey) (inventory.Status, error) {
	c.calls.Add(1)
	cur := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		old := c.maxInFlight.Load()
		if cur <= old || c.maxInFlight.CompareAndSwap(old, cur) {
			break
		}
	}
	d := c.delay
	if c.delayFor != nil {
		d = c.delayFor(k)
	}
	time.Sleep(d)
	if c.status != nil {
		return c.status(k), nil
	}
	return inventory.StatusSoldOut, nil
}

func manyKeys(n int) []inventory.TicketKey {
	keys := make([]inventory.TicketKey, n)
	for i := range keys {
		keys[i] = key(fmt.Sprintf("tc-%02d", i))
	}
	return keys
}

func TestScheduler_NeverExceedsMaxWorkers(t *testing.T) {
	for _, n := range []int{1, 3, 25, 60} {
		t.Run(fmt.Sprintf("keys=%d", n), func(t *testing.T) {
			f := &countingFetcher{delay: 5 * time.Millisecond}
			s := NewScheduler(SchedulerConfig{Parallel: true, MaxWorkers: 4}, f, nil)

			snap := s.FetchAll(context.Background(), manyKeys(n))

			assert.Len(t, snap.Statuses, n)
			assert.LessOrEqual(t, f.maxInFlight.Load(), int32(4))
			assert.False(t, snap.RateLimited)
		})
	}
}

func TestScheduler_SequentialWhenParallelDisabled(t *testing.T) {
	f := &countingFetcher{delay: 2 * time.Millisecond}
	s := NewScheduler(SchedulerConfig{Parallel: false, MaxWorkers: 10}, f, nil)

	snap := s.FetchAll(context.Background(), manyKeys(8))

	assert.Len(t, snap.Statuses, 8)
	assert.EqualValues(t, 1, f.maxInFlight.Load())
}

func TestScheduler_StopsDispatchOnRateLimit(t *testing.T) {
	limited := key("tc-00")
	f := &countingFetcher{
		delayFor: func(k inventory.TicketKey) time.Duration {
			if k == limited {
				return 0
			}
			return 20 * time.Millisecond
		},
		status: func(k inventory.TicketKey) inventory.Status {
			if k == limited {
				return inventory.StatusRateLimited
			}
			return inventory.StatusUnavailable
		},
	}
	b := roomyBudget()
	resetAt := b.ObserveRateLimitSignal(0)
	s := NewScheduler(SchedulerConfig{Parallel: true, MaxWorkers: 2, EarlyExit: false}, f, b)

	snap := s.FetchAll(context.Background(), manyKeys(10))

	assert.True(t, snap.RateLimited)
	assert.Equal(t, inventory.StatusRateLimited, snap.Statuses[limited])
	assert.LessOrEqual(t, len(snap.Statuses), 2, "only already-dispatched fetches complete")
	assert.LessOrEqual(t, f.calls.Load(), int32(2))
	assert.Equal(t, resetAt, snap.ResetAt)
}

func TestScheduler_EarlyExit(t *testing.T) {
	open := key("tc-00")
	status := func(k inventory.TicketKey) inventory.Status {
		if k == open {
			return inventory.StatusAvailable
		}
		return inventory.StatusSoldOut
	}

	f := &countingFetcher{delay: 5 * time.Millisecond, status: status}
	s := NewScheduler(SchedulerConfig{Parallel: true, MaxWorkers: 1, EarlyExit: true}, f, nil)
	snap := s.FetchAll(context.Background(), manyKeys(5))
	assert.True(t, snap.EarlyExited)
	assert.Len(t, snap.Statuses, 1)
	assert.Equal(t, inventory.StatusAvailable, snap.Statuses[open])

	f = &countingFetcher{delay: time.Millisecond, status: status}
	s = NewScheduler(SchedulerConfig{Parallel: true, MaxWorkers: 1, EarlyExit: false}, f, nil)
	snap = s.FetchAll(context.Background(), manyKeys(5))
	assert.False(t, snap.EarlyExited)
	assert.Len(t, snap.Statuses, 5)
}

func TestScheduler_SequenceIncreases(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Parallel: true, MaxWorkers: 2}, &countingFetcher{}, nil)
	first := s.FetchAll(context.Background(), manyKeys(2))
	second := s.FetchAll(context.Background(), manyKeys(2))
	assert.Less(t, first.Seq, second.Seq)
	assert.False(t, second.ObservedAt.Before(second.StartedAt))
}

func TestScheduler_RecordsErrorsWithoutCancellingOthers(t *testing.T) {
	q := &stubQuerier{
		results: map[string]QueryResult{"tc-01": {Status: inventory.StatusUnavailable}},
		errs:    map[string]error{"tc-00": errors.New("timeout")},
	}
	f := NewFetcher(q, roomyBudget(), time.Second)
	s := NewScheduler(SchedulerConfig{Parallel: true, MaxWorkers: 2}, f, nil)

	snap := s.FetchAll(context.Background(), manyKeys(2))

	assert.Equal(t, inventory.StatusUnknown, snap.Statuses[key("tc-00")])
	assert.Error(t, snap.Errors[key("tc-00")])
	assert.Equal(t, inventory.StatusUnavailable, snap.Statuses[key("tc-01")])
	assert.False(t, snap.RateLimited)
}

func TestScheduler_CancelledContextStopsDispatch(t *testing.T) {
	f := &countingFetcher{delay: time.Millisecond}
	s := NewScheduler(SchedulerConfig{Parallel: true, MaxWorkers: 3}, f, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap := s.FetchAll(ctx, manyKeys(10))
	assert.Empty(t, snap.Statuses)
}

func TestScheduler_LocalDenialIsNotServerSignal(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := budget.New(budget.Config{Limit: 10000, Window: time.Hour, Burst: 2, BurstQPS: 0.001, Cooldown: time.Minute},
		budget.WithClock(func() time.Time { return now }))
	q := &stubQuerier{results: map[string]QueryResult{}}
	s := NewScheduler(SchedulerConfig{Parallel: false, MaxWorkers: 1}, NewFetcher(q, b, time.Second), b)

	snap := s.FetchAll(context.Background(), manyKeys(5))

	assert.True(t, snap.RateLimited)
	assert.False(t, snap.Signalled)
	assert.EqualValues(t, 2, q.calls.Load())
	assert.Equal(t, 0, b.Signals())
}

func TestScheduler_Server429IsSignalled(t *testing.T) {
	q := &stubQuerier{results: map[string]QueryResult{
		"tc-01": {Status: inventory.StatusRateLimited, RateLimited: true, RetryAfter: 30 * time.Second},
	}}
	b := roomyBudget()
	s := NewScheduler(SchedulerConfig{Parallel: false, MaxWorkers: 1}, NewFetcher(q, b, time.Second), b)

	snap := s.FetchAll(context.Background(), manyKeys(5))

	assert.True(t, snap.RateLimited)
	assert.True(t, snap.Signalled)
	assert.Equal(t, 1, b.Signals())
	assert.Len(t, snap.Statuses, 2)
}

func TestScheduler_InjectedClockStampsSnapshot(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(SchedulerConfig{MaxWorkers: 1}, &countingFetcher{}, nil, WithSchedulerClock(func() time.Time { return at }))

	snap := s.FetchAll(context.Background(), manyKeys(1))
	assert.Equal(t, at, snap.StartedAt)
	assert.Equal(t, at, snap.ObservedAt)
}
