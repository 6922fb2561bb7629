package inventory

import (
	"fmt"
	"strings"
	"time"
)

// TicketKey identifies one monitored (event, occurrence, ticket class) unit.
// For a single-date event OccurrenceID equals EventID.
type TicketKey struct {
	EventID       string
	OccurrenceID  string
	TicketClassID string
}

func (k TicketKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.EventID, k.OccurrenceID, k.TicketClassID)
}

// Status is the normalized availability of one TicketKey.
type Status int

const (
	StatusUnknown Status = iota
	StatusSoldOut
	StatusUnavailable
	StatusAvailable
	StatusRateLimited
)

func (s Status) String() string {
	switch s {
	case StatusSoldOut:
		return "SOLD_OUT"
	case StatusUnavailable:
		return "UNAVAILABLE"
	case StatusAvailable:
		return "AVAILABLE"
	case StatusRateLimited:
		return "RATE_LIMITED"
	default:
		return "UNKNOWN"
	}
}

// Observed reports whether s describes the ticket itself rather than a
// failure to look at it.
func (s Status) Observed() bool {
	return s == StatusSoldOut || s == StatusUnavailable || s == StatusAvailable
}

// ParseOnSaleStatus maps an Eventbrite ticket_class.on_sale_status value.
// NOT_YET_ON_SALE and SALES_ENDED are treated as UNAVAILABLE: the class
// exists but cannot be bought right now.
func ParseOnSaleStatus(raw string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "AVAILABLE":
		return StatusAvailable, nil
	case "SOLD_OUT":
		return StatusSoldOut, nil
	case "UNAVAILABLE", "NOT_YET_ON_SALE", "SALES_ENDED":
		return StatusUnavailable, nil
	default:
		return StatusUnknown, fmt.Errorf("unrecognized on_sale_status %q", raw)
	}
}

// StatusRecord is the tracker's last-known state for one key.
type StatusRecord struct {
	Current     Status
	Previous    Status
	ObservedAt  time.Time
	Consecutive int
}

// Opportunity is emitted when a key transitions into AVAILABLE.
type Opportunity struct {
	Key        TicketKey
	ObservedAt time.Time
	Seq        uint64
}

// Snapshot is the aggregated result of one fetch batch.
type Snapshot struct {
	Seq         uint64
	StartedAt   time.Time
	ObservedAt  time.Time
	Statuses    map[TicketKey]Status
	Errors      map[TicketKey]error
	RateLimited bool // some fetch was denied, locally or by the server
	Signalled   bool // the server answered 429 during this batch
	ResetAt     time.Time
	EarlyExited bool
}

// Count returns how many keys in the snapshot carry status s.
func (s Snapshot) Count(status Status) int {
	n := 0
	for _, st := range s.Statuses {
		if st == status {
			n++
		}
	}
	return n
}

// PollPlan is recomputed every tick and never persisted.
type PollPlan struct {
	Interval time.Duration
	Keys     []TicketKey
}

// TicketClass is one listed ticket class of an occurrence, as returned by
// discovery.
type TicketClass struct {
	ID           string
	Name         string
	OnSaleStatus string
}
