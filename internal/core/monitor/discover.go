package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charleschow/ticket-watch/internal/core/fetch"
	"github.com/charleschow/ticket-watch/internal/core/inventory"
	"github.com/charleschow/ticket-watch/internal/telemetry"
)

// Target describes what to watch for one event.
type Target struct {
	EventID          string
	Occurrences      []string // defaults to EventID
	TicketClassIDs   []string // explicit classes; skips discovery
	TicketClassNames []string // filter for discovered classes
}

// Lister pages through the ticket classes of an occurrence.
// Satisfied by *eventbrite_http.Client.
type Lister interface {
	ListTicketClasses(ctx context.Context, occurrenceID string, page int) ([]inventory.TicketClass, bool, error)
}

// Budget gates discovery calls. Satisfied by *budget.Budget.
type Budget interface {
	TryConsume(n int) bool
	ObserveRateLimitSignal(retryAfter time.Duration) time.Time
}

// Discover expands target into TicketKeys. Explicit class IDs are used as
// given; otherwise every class of every occurrence is listed (one budget
// unit per page) and filtered by name. A denied budget waits backoff and
// retries until ctx ends; a 429 signals the budget and retries the same
// page once it frees up.
func Discover(ctx context.Context, l Lister, b Budget, target Target, backoff time.Duration) ([]inventory.TicketKey, error) {
	occurrences := target.Occurrences
	if len(occurrences) == 0 {
		occurrences = []string{target.EventID}
	}

	var keys []inventory.TicketKey
	if len(target.TicketClassIDs) > 0 {
		for _, occ := range occurrences {
			for _, tc := range target.TicketClassIDs {
				keys = append(keys, inventory.TicketKey{EventID: target.EventID, OccurrenceID: occ, TicketClassID: tc})
			}
		}
		return keys, nil
	}

	for _, occ := range occurrences {
		for page := 1; ; {
			for !b.TryConsume(1) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
			}
			classes, more, err := l.ListTicketClasses(ctx, occ, page)
			var rl *fetch.RateLimitError
			if errors.As(err, &rl) {
				resetAt := b.ObserveRateLimitSignal(rl.RetryAfter)
				telemetry.Warnf("monitor: discovery rate limited occurrence=%s page=%d, retrying at %s",
					occ, page, resetAt.Format(time.TimeOnly))
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("list ticket classes occurrence=%s page=%d: %w", occ, page, err)
			}
			for _, tc := range classes {
				if !inventory.MatchName(tc.Name, target.TicketClassNames) {
					continue
				}
				telemetry.Infof("monitor: watching %q (%s) occurrence=%s status=%s", tc.Name, tc.ID, occ, tc.OnSaleStatus)
				keys = append(keys, inventory.TicketKey{EventID: target.EventID, OccurrenceID: occ, TicketClassID: tc.ID})
			}
			if !more {
				break
			}
			page++
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no ticket classes matched for event %s", target.EventID)
	}
	return keys, nil
}
