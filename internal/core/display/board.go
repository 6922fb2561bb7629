package display

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charleschow/ticket-watch/internal/core/inventory"
	"github.com/charleschow/ticket-watch/internal/events"
)

const (
	dividerHeavy = "========================================================================"
	dividerLight = "~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~~"
)

// Board prints a status table of every watched ticket class. Opportunities
// print immediately; routine ticks print at most once per throttle and only
// when a status changed.
type Board struct {
	w        io.Writer
	throttle time.Duration
	now      func() time.Time

	mu        sync.Mutex
	statuses  map[inventory.TicketKey]inventory.Status
	lastPrint time.Time
	dirty     bool
}

func NewBoard(w io.Writer, throttle time.Duration) *Board {
	return &Board{
		w:        w,
		throttle: throttle,
		now:      time.Now,
		statuses: make(map[inventory.TicketKey]inventory.Status),
	}
}

// Subscribe hooks the board to tick and opportunity events.
func (b *Board) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.EventTick, func(e events.Event) error {
		snap, ok := e.Payload.(inventory.Snapshot)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Payload)
		}
		b.OnSnapshot(snap)
		return nil
	})
	bus.Subscribe(events.EventOpportunity, func(e events.Event) error {
		evt, ok := e.Payload.(events.OpportunityEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Payload)
		}
		b.OnOpportunity(evt)
		return nil
	})
}

func (b *Board) OnSnapshot(snap inventory.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, st := range snap.Statuses {
		if !st.Observed() {
			continue
		}
		if prev, ok := b.statuses[k]; !ok || prev != st {
			b.dirty = true
		}
		b.statuses[k] = st
	}

	now := b.now()
	if !b.dirty || now.Sub(b.lastPrint) < b.throttle {
		return
	}
	b.printLocked(fmt.Sprintf("STATUS #%d", snap.Seq), dividerLight, now)
}

func (b *Board) OnOpportunity(evt events.OpportunityEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.statuses[evt.Opportunity.Key] = inventory.StatusAvailable
	label := "AVAILABLE " + evt.Opportunity.Key.String()
	switch {
	case evt.AttemptID != "":
		label += " -> checkout " + evt.AttemptID
	case evt.Dropped != "":
		label += " -> skipped (" + evt.Dropped + ")"
	}
	b.printLocked(label, dividerHeavy, b.now())
}

func (b *Board) printLocked(title, divider string, now time.Time) {
	keys := make([]inventory.TicketKey, 0, len(b.statuses))
	for k := range b.statuses {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var sb strings.Builder
	fmt.Fprintf(&sb, "\n[%s %s]\n", title, now.Format("3:04:05.000 PM"))
	fmt.Fprintf(&sb, "%s\n", divider)
	for _, k := range keys {
		fmt.Fprintf(&sb, "    %-12s %-12s %-38s%s\n", k.EventID, k.OccurrenceID, k.TicketClassID, b.statuses[k])
	}
	fmt.Fprintf(&sb, "%s\n", divider)
	fmt.Fprint(b.w, sb.String())

	b.lastPrint = now
	b.dirty = false
}
