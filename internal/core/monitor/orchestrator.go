package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/charleschow/ticket-watch/internal/core/checkout"
	"github.com/charleschow/ticket-watch/internal/core/inventory"
	"github.com/charleschow/ticket-watch/internal/core/tracker"
	"github.com/charleschow/ticket-watch/internal/events"
	"github.com/charleschow/ticket-watch/internal/telemetry"
)

// ErrCooldownExhausted ends Run when the API keeps answering 429 past the
// configured number of cool-downs.
var ErrCooldownExhausted = errors.New("monitor: rate-limit cool-downs exhausted")

// Scheduler fetches a batch of keys. Satisfied by *fetch.Scheduler.
type Scheduler interface {
	FetchAll(ctx context.Context, keys []inventory.TicketKey) inventory.Snapshot
}

// Checkout accepts opportunities. Satisfied by *checkout.Machine.
type Checkout interface {
	Accept(opp inventory.Opportunity) (string, error)
	Busy() bool
	Fatal() <-chan error
}

// Recorder persists applied snapshots. Satisfied by *tracking.Store.
type Recorder interface {
	RecordSnapshot(snap inventory.Snapshot) error
}

// Orchestrator ties the tracker's interval decisions to a timer, runs the
// scheduler each tick and hands opportunities to the checkout machine.
type Orchestrator struct {
	cfg       Config
	keys      []inventory.TicketKey
	scheduler Scheduler
	tracker   *tracker.Tracker
	checkout  Checkout
	bus       *events.Bus
	recorder  Recorder

	ticks              int
	consecutiveLimited int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithBus(b *events.Bus) Option   { return func(o *Orchestrator) { o.bus = b } }
func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

func New(cfg Config, keys []inventory.TicketKey, s Scheduler, t *tracker.Tracker, c Checkout, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		keys:      append([]inventory.TicketKey(nil), keys...),
		scheduler: s,
		tracker:   t,
		checkout:  c,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run loops until ctx is cancelled (returns nil), the API keeps rate
// limiting past the configured cap (ErrCooldownExhausted) or the checkout
// machine reports an unrecoverable Actuator state.
func (o *Orchestrator) Run(ctx context.Context) error {
	telemetry.Infof("monitor: watching %d ticket classes, floor=%s workers=%d parallel=%t early_exit=%t",
		len(o.keys), o.cfg.PollFloor, o.cfg.MaxWorkers, o.cfg.ParallelFetch, o.cfg.EarlyExit)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-o.checkout.Fatal():
			return err
		case <-timer.C:
		}

		wait, err := o.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		timer.Reset(wait)
	}
}

// Tick runs one plan/fetch/observe/dispatch cycle and returns how long to
// sleep before the next one.
func (o *Orchestrator) Tick(ctx context.Context) (time.Duration, error) {
	plan := o.tracker.Plan(o.keys)
	if len(plan.Keys) == 0 {
		return plan.Interval, nil
	}
	if o.cfg.PauseDuringCheckout && o.checkout.Busy() {
		telemetry.Debugf("monitor: checkout in progress, skipping fetch")
		return plan.Interval, nil
	}

	o.ticks++
	telemetry.Metrics.Ticks.Inc()

	snap := o.scheduler.FetchAll(ctx, plan.Keys)
	if err := ctx.Err(); err != nil {
		// Partial batch from a cancelled tick; nothing is applied.
		return 0, err
	}

	opps := o.tracker.Observe(snap)
	o.publish(events.EventTick, snap)
	if o.recorder != nil {
		if err := o.recorder.RecordSnapshot(snap); err != nil {
			telemetry.Warnf("monitor: record snapshot #%d: %v", snap.Seq, err)
		}
	}

	telemetry.Infof("[%d] checked %d: available=%d unavailable=%d sold_out=%d errors=%d",
		o.ticks, len(snap.Statuses),
		snap.Count(inventory.StatusAvailable),
		snap.Count(inventory.StatusUnavailable),
		snap.Count(inventory.StatusSoldOut),
		len(snap.Errors))

	// Only a 429 from the server counts as a cool-down. A local budget
	// denial just defers the remaining keys and leaves the streak as is.
	switch {
	case snap.Signalled:
		o.consecutiveLimited++
		o.publish(events.EventRateLimited, events.RateLimitEvent{
			ResetAt:     snap.ResetAt,
			Consecutive: o.consecutiveLimited,
		})
		if o.cfg.MaxRateLimitCooldowns > 0 && o.consecutiveLimited > o.cfg.MaxRateLimitCooldowns {
			return 0, ErrCooldownExhausted
		}
	case snap.RateLimited:
		telemetry.Debugf("monitor: tick #%d throttled by local budget after %d keys", o.ticks, len(snap.Statuses))
	default:
		o.consecutiveLimited = 0
	}

	for _, opp := range opps {
		o.dispatch(opp)
	}

	return o.tracker.Plan(o.keys).Interval, nil
}

func (o *Orchestrator) dispatch(opp inventory.Opportunity) {
	telemetry.Metrics.Opportunities.Inc()
	telemetry.Infof("monitor: TICKETS AVAILABLE key=%s", opp.Key)

	evt := events.OpportunityEvent{Opportunity: opp}
	id, err := o.checkout.Accept(opp)
	switch {
	case err == nil:
		evt.AttemptID = id
	case errors.Is(err, checkout.ErrBusy):
		evt.Dropped = "busy"
	case errors.Is(err, checkout.ErrCoolingDown):
		evt.Dropped = "cooldown"
	default:
		evt.Dropped = err.Error()
	}
	if evt.Dropped != "" {
		telemetry.Warnf("monitor: opportunity for %s dropped: %s", opp.Key, evt.Dropped)
	}
	o.publish(events.EventOpportunity, evt)
}

func (o *Orchestrator) publish(t events.EventType, payload any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{Type: t, Timestamp: time.Now(), Payload: payload})
}
