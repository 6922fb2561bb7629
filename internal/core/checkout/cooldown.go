package checkout

import (
	"sync"
	"time"

	"github.com/charleschow/ticket-watch/internal/core/inventory"
)

// CooldownGuard suppresses re-triggering a key for a while after a failed
// attempt, so a flickering AVAILABLE does not restart a broken checkout in
// a tight loop.
type CooldownGuard struct {
	mu       sync.RWMutex
	window   time.Duration
	failedAt map[inventory.TicketKey]time.Time
}

func NewCooldownGuard(window time.Duration) *CooldownGuard {
	return &CooldownGuard{
		window:   window,
		failedAt: make(map[inventory.TicketKey]time.Time),
	}
}

// Blocked reports whether key failed less than window ago.
func (g *CooldownGuard) Blocked(key inventory.TicketKey, now time.Time) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	at, ok := g.failedAt[key]
	return ok && now.Sub(at) < g.window
}

func (g *CooldownGuard) Record(key inventory.TicketKey, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failedAt[key] = now
}

// Clear drops the failure mark for key (e.g. after a success).
func (g *CooldownGuard) Clear(key inventory.TicketKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failedAt, key)
}
