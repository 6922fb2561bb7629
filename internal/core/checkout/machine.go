package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/charleschow/ticket-watch/internal/core/inventory"
	"github.com/charleschow/ticket-watch/internal/telemetry"
)

// Quantity is fixed: one ticket per process. More tickets means more
// processes, each with its own machine.
const Quantity = 1

var (
	// ErrBusy is returned by Accept while another attempt is in progress.
	ErrBusy = errors.New("checkout: attempt already in progress")
	// ErrCoolingDown is returned for a key that failed within the cool-down.
	ErrCoolingDown = errors.New("checkout: key cooling down after failed attempt")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("checkout: machine shut down")
	// ErrUnrecoverable marks Actuator errors the process cannot continue
	// past, such as an expired browser session. Actuators wrap it.
	ErrUnrecoverable = errors.New("checkout: unrecoverable actuator state")
)

// Config tunes the machine.
type Config struct {
	FailedCooldown time.Duration // ignore the same key this long after FAILED
	NotifyTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailedCooldown: 30 * time.Second,
		NotifyTimeout:  10 * time.Second,
	}
}

// Machine drives the fixed checkout sequence for at most one attempt at a
// time. It never retries a step: a half-completed checkout is left for the
// operator.
type Machine struct {
	cfg      Config
	actuator Actuator
	notifier Notifier
	archive  Archive
	cooldown *CooldownGuard
	now      func() time.Time

	mu      sync.Mutex
	current *Attempt
	cancel  context.CancelFunc
	history []Attempt
	closed  bool

	wg    sync.WaitGroup
	fatal chan error
}

// Option configures a Machine.
type Option func(*Machine)

func WithNotifier(n Notifier) Option { return func(m *Machine) { m.notifier = n } }
func WithArchive(a Archive) Option   { return func(m *Machine) { m.archive = a } }

// WithClock replaces time.Now, used for cool-down tests.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

func NewMachine(cfg Config, actuator Actuator, opts ...Option) *Machine {
	m := &Machine{
		cfg:      cfg,
		actuator: actuator,
		cooldown: NewCooldownGuard(cfg.FailedCooldown),
		now:      time.Now,
		fatal:    make(chan error, 1),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Accept starts an attempt for opp and returns its ID. It returns ErrBusy
// if an attempt is in progress and ErrCoolingDown if opp's key failed
// within the cool-down; in both cases opp is dropped.
func (m *Machine) Accept(opp inventory.Opportunity) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}
	if m.current != nil {
		telemetry.Metrics.AttemptsRejected.Inc()
		return "", ErrBusy
	}
	now := m.now()
	if m.cooldown.Blocked(opp.Key, now) {
		telemetry.Metrics.AttemptsRejected.Inc()
		return "", ErrCoolingDown
	}

	a := &Attempt{
		ID:          uuid.NewString(),
		Opportunity: opp,
		Step:        StepIdle,
		Reached:     StepIdle,
		StartedAt:   now,
		Outcome:     OutcomeInProgress,
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.current = a
	m.cancel = cancel

	telemetry.Metrics.AttemptsAccepted.Inc()
	telemetry.Infof("checkout: attempt %s accepted key=%s", a.ID, opp.Key)

	m.wg.Add(1)
	go m.run(ctx, a.ID, opp.Key)
	return a.ID, nil
}

type stepAction struct {
	step Step
	do   func(ctx context.Context, key inventory.TicketKey) error
}

func (m *Machine) sequence() []stepAction {
	return []stepAction{
		{StepAvailabilityConfirmed, m.actuator.ConfirmAvailability},
		{StepCalendarSelected, m.actuator.SelectCalendarDate},
		{StepTimeSelected, m.actuator.SelectTime},
		{StepQuantitySelected, func(ctx context.Context, key inventory.TicketKey) error {
			return m.actuator.SelectQuantity(ctx, key, Quantity)
		}},
		{StepRegisterSubmitted, m.actuator.SubmitRegister},
	}
}

func (m *Machine) run(ctx context.Context, id string, key inventory.TicketKey) {
	defer m.wg.Done()

	for _, action := range m.sequence() {
		if err := ctx.Err(); err != nil {
			m.finish(OutcomeAborted, err)
			return
		}
		if err := action.do(ctx, key); err != nil {
			outcome := OutcomeFailed
			if ctx.Err() != nil {
				outcome = OutcomeAborted
			}
			m.finish(outcome, fmt.Errorf("%s: %w", action.step, err))
			return
		}
		m.advance(action.step)
		telemetry.Infof("checkout: attempt %s -> %s", id, action.step)
	}
	m.finish(OutcomeSucceeded, nil)
}

func (m *Machine) advance(step Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Step = step
		m.current.Reached = step
	}
}

func (m *Machine) finish(outcome Outcome, err error) {
	m.mu.Lock()
	a := *m.current
	a.Outcome = outcome
	a.Err = err
	a.FinishedAt = m.now()
	if outcome == OutcomeSucceeded {
		a.Step = StepSucceeded
		m.cooldown.Clear(a.Opportunity.Key)
	} else {
		a.Step = StepFailed
		m.cooldown.Record(a.Opportunity.Key, a.FinishedAt)
	}
	m.current = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.history = append(m.history, a)
	m.mu.Unlock()

	telemetry.Metrics.AttemptDuration.Record(a.Duration())
	switch outcome {
	case OutcomeSucceeded:
		telemetry.Metrics.AttemptsSucceeded.Inc()
		telemetry.Infof("checkout: attempt %s succeeded in %s, finish the purchase in the browser", a.ID, a.Duration())
	default:
		telemetry.Metrics.AttemptsFailed.Inc()
		telemetry.Errorf("checkout: attempt %s %s at %s: %v", a.ID, outcome, a.Reached, err)
	}

	if err != nil && errors.Is(err, ErrUnrecoverable) {
		select {
		case m.fatal <- err:
		default:
		}
	}

	if m.archive != nil {
		if aerr := m.archive.ArchiveAttempt(a); aerr != nil {
			telemetry.Warnf("checkout: archive attempt %s: %v", a.ID, aerr)
		}
	}
	if m.notifier != nil {
		go m.notify(a)
	}
}

func (m *Machine) notify(a Attempt) {
	timeout := m.cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := m.notifier.NotifyAttempt(ctx, a); err != nil {
		telemetry.Warnf("checkout: notify attempt %s: %v", a.ID, err)
	}
}

// State returns the step of the running attempt, or StepIdle.
func (m *Machine) State() Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return StepIdle
	}
	return m.current.Step
}

// Busy reports whether an attempt is in progress.
func (m *Machine) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Current returns a copy of the running attempt.
func (m *Machine) Current() (Attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Attempt{}, false
	}
	return *m.current, true
}

// History returns terminal attempts, oldest first.
func (m *Machine) History() []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attempt, len(m.history))
	copy(out, m.history)
	return out
}

// Fatal delivers the first error wrapping ErrUnrecoverable.
func (m *Machine) Fatal() <-chan error { return m.fatal }

// Wait blocks until no attempt is running.
func (m *Machine) Wait() { m.wg.Wait() }

// Shutdown refuses new attempts, cancels the running one (the Actuator sees
// its context cancelled) and waits for it to unwind or ctx to expire.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	if m.cancel != nil {
		telemetry.Warnf("checkout: cancelling attempt %s at %s, complete it manually", m.current.ID, m.current.Step)
		m.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
