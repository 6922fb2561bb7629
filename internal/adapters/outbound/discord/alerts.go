package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/charleschow/ticket-watch/internal/core/checkout"
	"github.com/charleschow/ticket-watch/internal/core/inventory"
	"github.com/charleschow/ticket-watch/internal/events"
	"github.com/charleschow/ticket-watch/internal/telemetry"
)

func (n *Notifier) OpportunityAlert(ctx context.Context, opp inventory.Opportunity, attemptID, dropped string) error {
	action := "checkout started"
	if attemptID != "" {
		action = fmt.Sprintf("checkout started (%s)", attemptID)
	}
	if dropped != "" {
		action = "not attempted: " + dropped
	}
	return n.SendEmbed(ctx, Embed{
		Title: "Tickets Available",
		Color: ColorGreen,
		Fields: []Field{
			{Name: "Event", Value: opp.Key.EventID, Inline: true},
			{Name: "Occurrence", Value: opp.Key.OccurrenceID, Inline: true},
			{Name: "Ticket Class", Value: opp.Key.TicketClassID, Inline: true},
			{Name: "Checkout", Value: action, Inline: false},
		},
		Timestamp: opp.ObservedAt.UTC().Format(time.RFC3339),
	})
}

func (n *Notifier) RateLimitAlert(ctx context.Context, resetAt time.Time, consecutive int) error {
	return n.SendEmbed(ctx, Embed{
		Title:       "Eventbrite Rate Limit",
		Description: fmt.Sprintf("API returned 429. Polling paused until %s.", resetAt.Format(time.TimeOnly)),
		Color:       ColorYellow,
		Fields: []Field{
			{Name: "Consecutive", Value: fmt.Sprintf("%d", consecutive), Inline: true},
		},
	})
}

// NotifyAttempt reports a terminal checkout attempt.
func (n *Notifier) NotifyAttempt(ctx context.Context, a checkout.Attempt) error {
	color := ColorRed
	desc := fmt.Sprintf("Stopped after %s.", a.Reached)
	switch a.Outcome {
	case checkout.OutcomeSucceeded:
		color = ColorBlue
		desc = "Registration submitted. Finish the purchase in the browser."
	case checkout.OutcomeAborted:
		color = ColorYellow
	}
	fields := []Field{
		{Name: "Ticket Class", Value: a.Opportunity.Key.String(), Inline: true},
		{Name: "Duration", Value: a.Duration().Round(time.Millisecond).String(), Inline: true},
		{Name: "Attempt", Value: a.ID, Inline: false},
	}
	if a.Err != nil {
		fields = append(fields, Field{Name: "Error", Value: a.Err.Error(), Inline: false})
	}
	return n.SendEmbed(ctx, Embed{
		Title:       fmt.Sprintf("Checkout %s", a.Outcome),
		Description: desc,
		Color:       color,
		Fields:      fields,
	})
}

// Subscribe forwards opportunity and rate-limit events. Each post runs on
// its own goroutine so the publishing tick never waits on Discord.
func (n *Notifier) Subscribe(bus *events.Bus) {
	if !n.Enabled() {
		return
	}
	bus.Subscribe(events.EventOpportunity, func(e events.Event) error {
		evt, ok := e.Payload.(events.OpportunityEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Payload)
		}
		go n.post(func(ctx context.Context) error {
			return n.OpportunityAlert(ctx, evt.Opportunity, evt.AttemptID, evt.Dropped)
		})
		return nil
	})
	bus.Subscribe(events.EventRateLimited, func(e events.Event) error {
		evt, ok := e.Payload.(events.RateLimitEvent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Payload)
		}
		// One alert per rate-limit episode.
		if evt.Consecutive != 1 {
			return nil
		}
		go n.post(func(ctx context.Context) error {
			return n.RateLimitAlert(ctx, evt.ResetAt, evt.Consecutive)
		})
		return nil
	})
}

func (n *Notifier) post(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		telemetry.Warnf("discord: %v", err)
	}
}
