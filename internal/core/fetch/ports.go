package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charleschow/ticket-watch/internal/core/inventory"
)

// QueryResult is what the inventory API reports for one key.
type QueryResult struct {
	Status      inventory.Status
	RateLimited bool
	RetryAfter  time.Duration // zero when the server gave no hint
}

// Querier performs the single external inventory call for a key.
// Satisfied by *eventbrite_http.Client.
type Querier interface {
	QueryAvailability(ctx context.Context, key inventory.TicketKey) (QueryResult, error)
}

// ErrRateLimited marks a call the server answered with 429.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError carries the server's Retry-After for calls that have no
// QueryResult to report it in, such as listing. It unwraps to ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration // zero when the server gave no hint
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry_after=%s)", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Budget is the shared call allowance. Satisfied by *budget.Budget.
type Budget interface {
	TryConsume(n int) bool
	ObserveRateLimitSignal(retryAfter time.Duration) time.Time
}
