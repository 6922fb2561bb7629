package fanout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charleschow/ticket-watch/internal/core/inventory"
	"github.com/charleschow/ticket-watch/internal/events"
)

// Envelope is the wire format for events sent over the feed WebSocket.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// TickPayload is the wire form of an applied snapshot. Statuses are keyed
// by "event/occurrence/class".
type TickPayload struct {
	Seq         uint64            `json:"seq"`
	ObservedAt  time.Time         `json:"observed_at"`
	RateLimited bool              `json:"rate_limited"`
	Signalled   bool              `json:"signalled"`
	ResetAt     *time.Time        `json:"reset_at,omitempty"`
	EarlyExited bool              `json:"early_exited,omitempty"`
	Statuses    map[string]string `json:"statuses"`
	Errors      map[string]string `json:"errors,omitempty"`
}

type OpportunityPayload struct {
	EventID       string    `json:"event_id"`
	OccurrenceID  string    `json:"occurrence_id"`
	TicketClassID string    `json:"ticket_class_id"`
	ObservedAt    time.Time `json:"observed_at"`
	Seq           uint64    `json:"seq"`
	AttemptID     string    `json:"attempt_id,omitempty"`
	Dropped       string    `json:"dropped,omitempty"`
}

type RateLimitPayload struct {
	ResetAt     time.Time `json:"reset_at"`
	Consecutive int       `json:"consecutive"`
}

// FeedEvent is a decoded envelope. Exactly one payload pointer is set.
type FeedEvent struct {
	Type        events.EventType
	Timestamp   time.Time
	Tick        *TickPayload
	Opportunity *OpportunityPayload
	RateLimit   *RateLimitPayload
}

// MarshalEvent serializes a bus Event into a JSON-encoded Envelope.
func MarshalEvent(evt events.Event) ([]byte, error) {
	var payload any
	switch p := evt.Payload.(type) {
	case inventory.Snapshot:
		payload = tickPayload(p)
	case events.OpportunityEvent:
		payload = OpportunityPayload{
			EventID:       p.Opportunity.Key.EventID,
			OccurrenceID:  p.Opportunity.Key.OccurrenceID,
			TicketClassID: p.Opportunity.Key.TicketClassID,
			ObservedAt:    p.Opportunity.ObservedAt,
			Seq:           p.Opportunity.Seq,
			AttemptID:     p.AttemptID,
			Dropped:       p.Dropped,
		}
	case events.RateLimitEvent:
		payload = RateLimitPayload{ResetAt: p.ResetAt, Consecutive: p.Consecutive}
	default:
		return nil, fmt.Errorf("unsupported payload %T for %s", evt.Payload, evt.Type)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(Envelope{Type: string(evt.Type), Timestamp: evt.Timestamp, Payload: data})
}

func tickPayload(s inventory.Snapshot) TickPayload {
	p := TickPayload{
		Seq:         s.Seq,
		ObservedAt:  s.ObservedAt,
		RateLimited: s.RateLimited,
		Signalled:   s.Signalled,
		EarlyExited: s.EarlyExited,
		Statuses:    make(map[string]string, len(s.Statuses)),
	}
	if !s.ResetAt.IsZero() {
		reset := s.ResetAt
		p.ResetAt = &reset
	}
	for k, st := range s.Statuses {
		p.Statuses[k.String()] = st.String()
	}
	if len(s.Errors) > 0 {
		p.Errors = make(map[string]string, len(s.Errors))
		for k, err := range s.Errors {
			p.Errors[k.String()] = err.Error()
		}
	}
	return p
}

// UnmarshalEvent deserializes a JSON Envelope into a FeedEvent.
func UnmarshalEvent(data []byte) (FeedEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return FeedEvent{}, fmt.Errorf("unmarshal envelope: %w", err)
	}

	evt := FeedEvent{Type: events.EventType(env.Type), Timestamp: env.Timestamp}

	switch evt.Type {
	case events.EventTick:
		var p TickPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return evt, fmt.Errorf("unmarshal tick: %w", err)
		}
		evt.Tick = &p
	case events.EventOpportunity:
		var p OpportunityPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return evt, fmt.Errorf("unmarshal opportunity: %w", err)
		}
		evt.Opportunity = &p
	case events.EventRateLimited:
		var p RateLimitPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return evt, fmt.Errorf("unmarshal rate_limited: %w", err)
		}
		evt.RateLimit = &p
	default:
		return evt, fmt.Errorf("unknown event type: %s", env.Type)
	}

	return evt, nil
}
