package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTryConsume_Window(t *testing.T) {
	clk := newFakeClock()
	b := New(Config{Limit: 3, Window: time.Minute, Burst: 100, BurstQPS: 100, Cooldown: time.Second}, WithClock(clk.Now))

	for i := 0; i < 3; i++ {
		require.True(t, b.TryConsume(1), "call %d", i)
	}
	assert.False(t, b.TryConsume(1), "window exhausted")

	snap := b.Snapshot()
	assert.Equal(t, 0, snap.CallsRemaining)
	assert.Equal(t, clk.Now().Add(time.Minute), snap.ResetAt)
	assert.False(t, snap.Depleted)

	clk.Advance(time.Minute + time.Millisecond)
	assert.True(t, b.TryConsume(1))
	assert.Equal(t, 2, b.Snapshot().CallsRemaining)
}

func TestTryConsume_BurstGuard(t *testing.T) {
	clk := newFakeClock()
	b := New(Config{Limit: 100, Window: time.Hour, Burst: 2, BurstQPS: 1, Cooldown: time.Second}, WithClock(clk.Now))

	assert.True(t, b.TryConsume(1))
	assert.True(t, b.TryConsume(1))
	assert.False(t, b.TryConsume(1), "burst bucket empty")

	clk.Advance(time.Second)
	assert.True(t, b.TryConsume(1), "refilled one token")
}

func TestTryConsume_MultiUnitAndZero(t *testing.T) {
	clk := newFakeClock()
	b := New(Config{Limit: 5, Window: time.Hour, Burst: 10, BurstQPS: 10}, WithClock(clk.Now))

	assert.True(t, b.TryConsume(0))
	assert.True(t, b.TryConsume(4))
	assert.False(t, b.TryConsume(2))
	assert.True(t, b.TryConsume(1))
}

func TestObserveRateLimitSignal_DeniesUntilReset(t *testing.T) {
	clk := newFakeClock()
	b := New(Config{Limit: 100, Window: time.Hour, Burst: 100, BurstQPS: 100, Cooldown: 30 * time.Second}, WithClock(clk.Now))

	start := clk.Now()
	resetAt := b.ObserveRateLimitSignal(0)
	assert.Equal(t, start.Add(30*time.Second), resetAt)

	snap := b.Snapshot()
	assert.True(t, snap.Depleted)
	assert.Equal(t, 0, snap.CallsRemaining)
	assert.Equal(t, resetAt, snap.ResetAt)

	for i := 0; i < 29; i++ {
		assert.False(t, b.TryConsume(1), "second %d", i)
		clk.Advance(time.Second)
	}
	clk.Advance(time.Second)
	assert.True(t, b.TryConsume(1))
	assert.Equal(t, 1, b.Signals())
}

func TestObserveRateLimitSignal_RetryAfterWinsAndNeverShrinks(t *testing.T) {
	clk := newFakeClock()
	b := New(Config{Limit: 100, Window: time.Hour, Burst: 100, BurstQPS: 100, Cooldown: 10 * time.Second}, WithClock(clk.Now))

	start := clk.Now()
	assert.Equal(t, start.Add(2*time.Minute), b.ObserveRateLimitSignal(2*time.Minute))

	// A later, shorter signal must not pull the deadline forward.
	clk.Advance(5 * time.Second)
	assert.Equal(t, start.Add(2*time.Minute), b.ObserveRateLimitSignal(0))
	assert.Equal(t, 2, b.Signals())
}

func TestTryConsume_Concurrent(t *testing.T) {
	b := New(Config{Limit: 50, Window: time.Hour, Burst: 1000, BurstQPS: 1000})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.TryConsume(1) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, granted)
}
