package eventbrite_http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/charleschow/ticket-watch/internal/core/fetch"
	"github.com/charleschow/ticket-watch/internal/core/inventory"
	"github.com/charleschow/ticket-watch/internal/telemetry"
)

type ticketClass struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	OnSaleStatus string `json:"on_sale_status"`
}

type pagination struct {
	PageNumber   int  `json:"page_number"`
	PageCount    int  `json:"page_count"`
	HasMoreItems bool `json:"has_more_items"`
}

type ticketClassPage struct {
	Pagination    pagination    `json:"pagination"`
	TicketClasses []ticketClass `json:"ticket_classes"`
}

// QueryAvailability reads the on_sale_status of one ticket class. A 429 is
// reported as a RateLimited result, not an error.
func (c *Client) QueryAvailability(ctx context.Context, key inventory.TicketKey) (fetch.QueryResult, error) {
	path := fmt.Sprintf("/events/%s/ticket_classes/%s/", url.PathEscape(key.OccurrenceID), url.PathEscape(key.TicketClassID))
	resp, err := c.get(ctx, path, nil)
	if err != nil {
		return fetch.QueryResult{Status: inventory.StatusUnknown}, err
	}

	switch {
	case resp.status == http.StatusTooManyRequests:
		telemetry.Warnf("eventbrite_http: 429 for %s retry_after=%s", key, resp.retryAfter)
		return fetch.QueryResult{Status: inventory.StatusRateLimited, RateLimited: true, RetryAfter: resp.retryAfter}, nil
	case resp.status != http.StatusOK:
		return fetch.QueryResult{Status: inventory.StatusUnknown}, fmt.Errorf("ticket class %s: status=%d", key, resp.status)
	}

	var tc ticketClass
	if err := json.Unmarshal(resp.body, &tc); err != nil {
		return fetch.QueryResult{Status: inventory.StatusUnknown}, fmt.Errorf("decode ticket class: %w", err)
	}
	st, err := inventory.ParseOnSaleStatus(tc.OnSaleStatus)
	if err != nil {
		return fetch.QueryResult{Status: inventory.StatusUnknown}, err
	}
	return fetch.QueryResult{Status: st}, nil
}

// ListTicketClasses returns one page (1-based) of an occurrence's ticket
// classes and whether more pages follow.
func (c *Client) ListTicketClasses(ctx context.Context, occurrenceID string, page int) ([]inventory.TicketClass, bool, error) {
	if page < 1 {
		page = 1
	}
	path := fmt.Sprintf("/events/%s/ticket_classes/", url.PathEscape(occurrenceID))
	resp, err := c.get(ctx, path, url.Values{"page": {strconv.Itoa(page)}})
	if err != nil {
		return nil, false, err
	}
	switch {
	case resp.status == http.StatusTooManyRequests:
		telemetry.Warnf("eventbrite_http: 429 listing ticket classes occurrence=%s retry_after=%s", occurrenceID, resp.retryAfter)
		return nil, false, fmt.Errorf("list ticket classes: %w", &fetch.RateLimitError{RetryAfter: resp.retryAfter})
	case resp.status != http.StatusOK:
		return nil, false, fmt.Errorf("list ticket classes: status=%d", resp.status)
	}

	var p ticketClassPage
	if err := json.Unmarshal(resp.body, &p); err != nil {
		return nil, false, fmt.Errorf("decode ticket classes: %w", err)
	}
	out := make([]inventory.TicketClass, 0, len(p.TicketClasses))
	for _, tc := range p.TicketClasses {
		out = append(out, inventory.TicketClass{ID: tc.ID, Name: tc.Name, OnSaleStatus: tc.OnSaleStatus})
	}
	return out, p.Pagination.HasMoreItems, nil
}
