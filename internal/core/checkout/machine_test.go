package checkout

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

	"github.com/charleschow/ticket-watch/internal/core/inventory"
)

var (
	keyA = inventory.TicketKey{EventID: "100", OccurrenceID: "100", TicketClassID: "A"}
	keyB = inventory.TicketKey{EventID: "100", OccurrenceID: "100", TicketClassID: "B"}
)

// scriptedActuator records the call order, can fail at one step and can
// hold the first step until released.
type scriptedActuator struct {
	mu       sync.Mutex
	calls    []string
	failAt   string
	failErr  error
	gate     chan struct{}
	quantity int
}

func (s *scriptedActuator) step(ctx context.Context, name string) error {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	gate := s.gate
	s.mu.Unlock()

	if gate != nil && name == "confirm" {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if name == s.failAt {
		if s.failErr != nil {
			return s.failErr
		}
		return errors.New("element not found")
	}
	return nil
}

func (s *scriptedActuator) ConfirmAvailability(ctx context.Context, _ inventory.TicketKey) error {
	return s.step(ctx, "confirm")
}
func (s *scriptedActuator) SelectCalendarDate(ctx context.Context, _ inventory.TicketKey) error {
	return s.step(ctx, "calendar")
}
func (s *scriptedActuator) SelectTime(ctx context.Context, _ inventory.TicketKey) error {
	return s.step(ctx, "time")
}
func (s *scriptedActuator) SelectQuantity(ctx context.Context, _ inventory.TicketKey, n int) error {
	s.mu.Lock()
	s.quantity = n
	s.mu.Unlock()
	return s.step(ctx, "quantity")
}
func (s *scriptedActuator) SubmitRegister(ctx context.Context, _ inventory.TicketKey) error {
	return s.step(ctx, "register")
}

func (s *scriptedActuator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type recordingNotifier struct {
	ch chan Attempt
}

func (n *recordingNotifier) NotifyAttempt(_ context.Context, a Attempt) error {
	n.ch <- a
	return errors.New("webhook down")
}

type memArchive struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (a *memArchive) ArchiveAttempt(at Attempt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts = append(a.attempts, at)
	return nil
}

func opp(k inventory.TicketKey) inventory.Opportunity {
	return inventory.Opportunity{Key: k, ObservedAt: time.Now(), Seq: 1}
}

func TestMachine_SucceedsInOrder(t *testing.T) {
	act := &scriptedActuator{}
	notifier := &recordingNotifier{ch: make(chan Attempt, 1)}
	archive := &memArchive{}
	m := NewMachine(DefaultConfig(), act, WithNotifier(notifier), WithArchive(archive))

	id, err := m.Accept(opp(keyA))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	m.Wait()

	assert.Equal(t, []string{"confirm", "calendar", "time", "quantity", "register"}, act.Calls())
	assert.Equal(t, 1, act.quantity)
	assert.Equal(t, StepIdle, m.State())
	assert.False(t, m.Busy())

	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, id, hist[0].ID)
	assert.Equal(t, OutcomeSucceeded, hist[0].Outcome)
	assert.Equal(t, StepSucceeded, hist[0].Step)
	assert.Equal(t, StepRegisterSubmitted, hist[0].Reached)
	assert.NoError(t, hist[0].Err)

	select {
	case a := <-notifier.ch:
		assert.Equal(t, id, a.ID)
	case <-time.After(time.Second):
		t.Fatal("notifier not called")
	}
	require.Len(t, archive.attempts, 1)
}

func TestMachine_FailureAtQuantityThenCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	act := &scriptedActuator{failAt: "quantity"}
	m := NewMachine(Config{FailedCooldown: 30 * time.Second}, act, WithClock(clock))

	_, err := m.Accept(opp(keyA))
	require.NoError(t, err)
	m.Wait()

	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, OutcomeFailed, hist[0].Outcome)
	assert.Equal(t, StepFailed, hist[0].Step)
	assert.Equal(t, StepTimeSelected, hist[0].Reached)
	assert.ErrorContains(t, hist[0].Err, "QUANTITY_SELECTED")
	assert.Equal(t, StepIdle, m.State())
	assert.NotContains(t, act.Calls(), "register", "no step after a failure")

	advance(10 * time.Second)
	_, err = m.Accept(opp(keyA))
	assert.ErrorIs(t, err, ErrCoolingDown)

	// Another key is not affected by A's cool-down.
	act.failAt = ""
	_, err = m.Accept(opp(keyB))
	require.NoError(t, err)
	m.Wait()

	advance(21 * time.Second)
	_, err = m.Accept(opp(keyA))
	require.NoError(t, err)
	m.Wait()
	assert.Len(t, m.History(), 3)
}

func TestMachine_BusyWhileInProgress(t *testing.T) {
	act := &scriptedActuator{gate: make(chan struct{})}
	m := NewMachine(DefaultConfig(), act)

	id, err := m.Accept(opp(keyA))
	require.NoError(t, err)
	assert.True(t, m.Busy())

	_, err = m.Accept(opp(keyB))
	assert.ErrorIs(t, err, ErrBusy)
	_, err = m.Accept(opp(keyA))
	assert.ErrorIs(t, err, ErrBusy)

	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, id, cur.ID)
	assert.Equal(t, OutcomeInProgress, cur.Outcome)

	close(act.gate)
	m.Wait()
	assert.False(t, m.Busy())
}

func TestMachine_ConcurrentAcceptExactlyOne(t *testing.T) {
	for round := 0; round < 20; round++ {
		act := &scriptedActuator{gate: make(chan struct{})}
		m := NewMachine(DefaultConfig(), act)

		const n = 32
		var accepted, busy atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				k := inventory.TicketKey{EventID: "100", OccurrenceID: "100", TicketClassID: fmt.Sprint(i)}
				_, err := m.Accept(opp(k))
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, ErrBusy):
					busy.Add(1)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		require.EqualValues(t, 1, accepted.Load())
		require.EqualValues(t, n-1, busy.Load())

		close(act.gate)
		m.Wait()
	}
}

func TestMachine_UnrecoverableSurfacesOnFatal(t *testing.T) {
	act := &scriptedActuator{failAt: "calendar", failErr: fmt.Errorf("session expired: %w", ErrUnrecoverable)}
	m := NewMachine(DefaultConfig(), act)

	_, err := m.Accept(opp(keyA))
	require.NoError(t, err)
	m.Wait()

	select {
	case err := <-m.Fatal():
		assert.ErrorIs(t, err, ErrUnrecoverable)
	default:
		t.Fatal("expected fatal error")
	}
}

func TestMachine_ShutdownAbortsInFlight(t *testing.T) {
	act := &scriptedActuator{gate: make(chan struct{})}
	m := NewMachine(DefaultConfig(), act)

	_, err := m.Accept(opp(keyA))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, OutcomeAborted, hist[0].Outcome)
	assert.ErrorIs(t, hist[0].Err, context.Canceled)

	_, err = m.Accept(opp(keyB))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCooldownGuard(t *testing.T) {
	g := NewCooldownGuard(time.Minute)
	now := time.Now()
	assert.False(t, g.Blocked(keyA, now))
	g.Record(keyA, now)
	assert.True(t, g.Blocked(keyA, now.Add(59*time.Second)))
	assert.False(t, g.Blocked(keyA, now.Add(time.Minute)))
	g.Clear(keyA)
	assert.False(t, g.Blocked(keyA, now))
}

func TestStepString(t *testing.T) {
	assert.Equal(t, "IDLE", StepIdle.String())
	assert.Equal(t, "QUANTITY_SELECTED", StepQuantitySelected.String())
	assert.Equal(t, "FAILED", StepFailed.String())
	assert.True(t, OutcomeAborted.IsTerminal())
	assert.False(t, OutcomeInProgress.IsTerminal())
}
