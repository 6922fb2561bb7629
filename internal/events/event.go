package events

import (
	"time"

	"github.com/charleschow/ticket-watch/internal/core/inventory"
)

// Event is the envelope that flows through the event bus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

type EventType string

const (
	// EventTick carries the inventory.Snapshot applied this tick.
	EventTick EventType = "tick"
	// EventOpportunity carries an OpportunityEvent.
	EventOpportunity EventType = "opportunity"
	// EventRateLimited carries a RateLimitEvent.
	EventRateLimited EventType = "rate_limited"
)

// OpportunityEvent is published for every detected opportunity together
// with what the checkout machine did with it.
type OpportunityEvent struct {
	Opportunity inventory.Opportunity
	AttemptID   string // empty when dropped
	Dropped     string // reason when dropped: "busy", "cooldown"
}

// RateLimitEvent is published when a tick comes back rate limited.
type RateLimitEvent struct {
	ResetAt     time.Time
	Consecutive int
}
