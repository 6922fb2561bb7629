package checkout

import (
	"context"

	"github.com/charleschow/ticket-watch/internal/core/inventory"
)

// Actuator performs the literal browser actions, one per checkout step.
// Each call returns nil only on an explicit success. Satisfied by
// *webdriver.Actuator.
type Actuator interface {
	ConfirmAvailability(ctx context.Context, key inventory.TicketKey) error
	SelectCalendarDate(ctx context.Context, key inventory.TicketKey) error
	SelectTime(ctx context.Context, key inventory.TicketKey) error
	SelectQuantity(ctx context.Context, key inventory.TicketKey, n int) error
	SubmitRegister(ctx context.Context, key inventory.TicketKey) error
}

// Notifier delivers attempt outcomes. Calls are fire-and-forget.
// Satisfied by *discord.Notifier.
type Notifier interface {
	NotifyAttempt(ctx context.Context, attempt Attempt) error
}

// Archive persists terminal attempts. Satisfied by *tracking.Store.
type Archive interface {
	ArchiveAttempt(attempt Attempt) error
}
