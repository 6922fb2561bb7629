package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/charleschow/ticket-watch/internal/core/inventory"
	"github.com/charleschow/ticket-watch/internal/telemetry"
)

// Fetcher issues one inventory query per call, gated by the shared budget.
type Fetcher struct {
	querier Querier
	budget  Budget
	timeout time.Duration
	sf      singleflight.Group
}

func NewFetcher(q Querier, b Budget, timeout time.Duration) *Fetcher {
	return &Fetcher{querier: q, budget: b, timeout: timeout}
}

type fetchResult struct {
	status inventory.Status
}

// Fetch returns RATE_LIMITED without calling out when the budget denies,
// UNKNOWN plus the error on transport failure, and RATE_LIMITED after
// signalling the budget when the server answers 429. Overlapping fetches
// of one key, such as a key listed twice in a parallel batch, share a call.
func (f *Fetcher) Fetch(ctx context.Context, key inventory.TicketKey) (inventory.Status, error) {
	v, err, _ := f.sf.Do(key.String(), func() (any, error) {
		st, err := f.fetchOnce(ctx, key)
		return fetchResult{status: st}, err
	})
	res, _ := v.(fetchResult)
	return res.status, err
}

func (f *Fetcher) fetchOnce(ctx context.Context, key inventory.TicketKey) (inventory.Status, error) {
	if err := ctx.Err(); err != nil {
		return inventory.StatusUnknown, err
	}
	if !f.budget.TryConsume(1) {
		telemetry.Debugf("fetch: budget denied key=%s", key)
		return inventory.StatusRateLimited, nil
	}

	callCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	start := time.Now()
	telemetry.Metrics.RequestsSent.Inc()
	res, err := f.querier.QueryAvailability(callCtx, key)
	telemetry.Metrics.FetchLatency.Record(time.Since(start))

	if err != nil {
		telemetry.Metrics.FetchErrors.Inc()
		return inventory.StatusUnknown, fmt.Errorf("query %s: %w", key, err)
	}
	if res.RateLimited {
		f.budget.ObserveRateLimitSignal(res.RetryAfter)
		return inventory.StatusRateLimited, nil
	}
	if res.Status == inventory.StatusRateLimited {
		// Only the RateLimited flag may produce this status.
		return inventory.StatusUnknown, errors.New("querier returned RATE_LIMITED without signal")
	}
	return res.Status, nil
}
