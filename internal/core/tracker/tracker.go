package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/charleschow/ticket-watch/internal/core/inventory"
	"github.com/charleschow/ticket-watch/internal/telemetry"
)

// Policy maps the stored status of a key to its poll cadence.
type Policy struct {
	Floor   time.Duration // hard lower bound for every computed interval
	Slow    time.Duration // SOLD_OUT
	Fast    time.Duration // UNAVAILABLE and UNKNOWN
	Fastest time.Duration // AVAILABLE
}

// DefaultPolicy polls sold-out classes every 6s and everything that might
// open at the floor. Sub-1.8s polling has tripped Eventbrite's limiter.
func DefaultPolicy() Policy {
	return Policy{
		Floor:   1800 * time.Millisecond,
		Slow:    6 * time.Second,
		Fast:    1800 * time.Millisecond,
		Fastest: 1800 * time.Millisecond,
	}
}

// normalized orders the tiers so AVAILABLE <= UNAVAILABLE <= SOLD_OUT
// and lifts all of them to the floor.
func (p Policy) normalized() Policy {
	if p.Floor <= 0 {
		p.Floor = DefaultPolicy().Floor
	}
	p.Fastest = max(p.Fastest, p.Floor)
	p.Fast = max(p.Fast, p.Fastest)
	p.Slow = max(p.Slow, p.Fast)
	return p
}

// Tracker owns the StatusRecord of every key. Records change only through
// Observe, one whole snapshot at a time.
type Tracker struct {
	policy Policy
	now    func() time.Time

	mu          sync.Mutex
	records     map[inventory.TicketKey]*inventory.StatusRecord
	lastPolled  map[inventory.TicketKey]time.Time
	lastSeq     uint64
	rateLimited bool
	resetAt     time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(p Policy, opts ...Option) *Tracker {
	t := &Tracker{
		policy:     p.normalized(),
		now:        time.Now,
		records:    make(map[inventory.TicketKey]*inventory.StatusRecord),
		lastPolled: make(map[inventory.TicketKey]time.Time),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Policy returns the effective (normalized) policy.
func (t *Tracker) Policy() Policy { return t.policy }

// Observe applies one snapshot and returns an Opportunity for every key
// that moved from a non-AVAILABLE status into AVAILABLE. Snapshots whose
// sequence is not newer than the last applied one are dropped whole.
func (t *Tracker) Observe(snap inventory.Snapshot) []inventory.Opportunity {
	t.mu.Lock()
	defer t.mu.Unlock()

	if snap.Seq <= t.lastSeq {
		telemetry.Metrics.StaleSnapshots.Inc()
		telemetry.Debugf("tracker: dropped stale snapshot seq=%d last=%d", snap.Seq, t.lastSeq)
		return nil
	}
	t.lastSeq = snap.Seq

	ts := snap.ObservedAt
	if ts.IsZero() {
		ts = t.now()
	}

	var opps []inventory.Opportunity
	for key, st := range snap.Statuses {
		if st == inventory.StatusRateLimited {
			continue
		}
		t.lastPolled[key] = ts
		if !st.Observed() {
			// Could not observe; keep the last true observation.
			continue
		}

		rec, ok := t.records[key]
		if !ok {
			rec = &inventory.StatusRecord{}
			t.records[key] = rec
		}
		if rec.Consecutive > 0 && rec.Current == st {
			rec.Consecutive++
			rec.ObservedAt = ts
			continue
		}
		if st == inventory.StatusAvailable && rec.Current != inventory.StatusAvailable {
			opps = append(opps, inventory.Opportunity{Key: key, ObservedAt: ts, Seq: snap.Seq})
		}
		if rec.Current != st {
			telemetry.Infof("tracker: %s %s -> %s", key, rec.Current, st)
		}
		rec.Previous = rec.Current
		rec.Current = st
		rec.Consecutive = 1
		rec.ObservedAt = ts
	}

	if snap.RateLimited {
		t.rateLimited = true
		if snap.ResetAt.After(t.resetAt) {
			t.resetAt = snap.ResetAt
		}
	} else {
		t.rateLimited = false
	}

	sort.Slice(opps, func(i, j int) bool { return opps[i].Key.String() < opps[j].Key.String() })
	return opps
}

// NextInterval derives the poll cadence for key from its stored status.
// The result is never below the policy floor.
func (t *Tracker) NextInterval(key inventory.TicketKey) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.intervalLocked(key, t.now())
}

func (t *Tracker) intervalLocked(key inventory.TicketKey, now time.Time) time.Duration {
	if t.rateLimited {
		return t.clamp(t.resetAt.Sub(now))
	}
	st := inventory.StatusUnknown
	if rec, ok := t.records[key]; ok {
		st = rec.Current
	}
	return t.clamp(IntervalFor(t.policy, st))
}

// IntervalFor is the static tier for a status, before rate limiting.
func IntervalFor(p Policy, st inventory.Status) time.Duration {
	p = p.normalized()
	switch st {
	case inventory.StatusSoldOut:
		return p.Slow
	case inventory.StatusAvailable:
		return p.Fastest
	default:
		return p.Fast
	}
}

func (t *Tracker) clamp(d time.Duration) time.Duration {
	if d < t.policy.Floor {
		return t.policy.Floor
	}
	return d
}

// Plan returns the keys due for a poll now and how long to wait before the
// next tick. Keys never polled are always due. While rate limited nothing is
// due until the reset deadline passes.
//
// Due keys are ordered never-polled first, then by oldest poll. A batch cut
// short by the budget therefore hands the next tick to the keys it skipped;
// budget-denied keys keep their old poll time and move up.
func (t *Tracker) Plan(keys []inventory.TicketKey) inventory.PollPlan {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.rateLimited && now.Before(t.resetAt) {
		return inventory.PollPlan{Interval: t.clamp(t.resetAt.Sub(now))}
	}

	plan := inventory.PollPlan{Interval: -1}
	for _, key := range keys {
		interval := t.intervalLocked(key, now)
		wait := time.Duration(0)
		if last, ok := t.lastPolled[key]; ok {
			wait = last.Add(interval).Sub(now)
		}
		if wait <= 0 {
			plan.Keys = append(plan.Keys, key)
			wait = interval
		}
		if plan.Interval < 0 || wait < plan.Interval {
			plan.Interval = wait
		}
	}
	sort.SliceStable(plan.Keys, func(i, j int) bool {
		li, iok := t.lastPolled[plan.Keys[i]]
		lj, jok := t.lastPolled[plan.Keys[j]]
		if iok != jok {
			return !iok
		}
		return li.Before(lj)
	})
	plan.Interval = t.clamp(plan.Interval)
	return plan
}

// RateLimited reports the rate-limit marker and its reset deadline.
func (t *Tracker) RateLimited() (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rateLimited, t.resetAt
}

// Record returns a copy of the stored record for key.
func (t *Tracker) Record(key inventory.TicketKey) (inventory.StatusRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	if !ok {
		return inventory.StatusRecord{}, false
	}
	return *rec, true
}

// Records returns a copy of every stored record.
func (t *Tracker) Records() map[inventory.TicketKey]inventory.StatusRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[inventory.TicketKey]inventory.StatusRecord, len(t.records))
	for k, r := range t.records {
		out[k] = *r
	}
	return out
}
