package tracking

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/ticket-watch/internal/core/checkout"
	"github.com/charleschow/ticket-watch/internal/core/inventory"
)

var (
	keyA = inventory.TicketKey{EventID: "100", OccurrenceID: "101", TicketClassID: "A"}
	keyB = inventory.TicketKey{EventID: "100", OccurrenceID: "101", TicketClassID: "B"}
	t0   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func openTemp(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "nested", "archive.db"), maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func snapshot(seq uint64) inventory.Snapshot {
	return inventory.Snapshot{
		Seq:        seq,
		StartedAt:  t0,
		ObservedAt: t0.Add(300 * time.Millisecond),
		Statuses: map[inventory.TicketKey]inventory.Status{
			keyA: inventory.StatusAvailable,
			keyB: inventory.StatusSoldOut,
		},
	}
}

func TestRecordSnapshot(t *testing.T) {
	s := openTemp(t, 0)
	require.NoError(t, s.RecordSnapshot(snapshot(1)))
	require.NoError(t, s.RecordSnapshot(snapshot(2)))
	assert.Equal(t, int64(2), s.SnapshotCount())

	got, err := s.SnapshotStatuses(2)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"100/101/A": "AVAILABLE",
		"100/101/B": "SOLD_OUT",
	}, got)
}

func TestRecordRateLimitedSnapshot(t *testing.T) {
	s := openTemp(t, 0)
	snap := inventory.Snapshot{
		Seq:         3,
		StartedAt:   t0,
		ObservedAt:  t0,
		Statuses:    map[inventory.TicketKey]inventory.Status{keyA: inventory.StatusRateLimited},
		RateLimited: true,
		ResetAt:     t0.Add(time.Minute),
	}
	require.NoError(t, s.RecordSnapshot(snap))

	var limited int
	var resetAt string
	require.NoError(t, s.db.QueryRow(`SELECT rate_limited, reset_at FROM snapshots WHERE seq = 3`).Scan(&limited, &resetAt))
	assert.Equal(t, 1, limited)
	assert.Equal(t, "2026-03-01T12:01:00Z", resetAt)
}

func TestArchiveAttempt(t *testing.T) {
	s := openTemp(t, 0)
	ok := checkout.Attempt{
		ID:          "a1",
		Opportunity: inventory.Opportunity{Key: keyA, ObservedAt: t0, Seq: 4},
		Step:        checkout.StepSucceeded,
		Reached:     checkout.StepRegisterSubmitted,
		StartedAt:   t0,
		FinishedAt:  t0.Add(2 * time.Second),
		Outcome:     checkout.OutcomeSucceeded,
	}
	failed := checkout.Attempt{
		ID:          "a2",
		Opportunity: inventory.Opportunity{Key: keyB, ObservedAt: t0, Seq: 9},
		Step:        checkout.StepFailed,
		Reached:     checkout.StepCalendarSelected,
		StartedAt:   t0.Add(time.Minute),
		FinishedAt:  t0.Add(time.Minute + time.Second),
		Outcome:     checkout.OutcomeFailed,
		Err:         errors.New("time slot: element not found"),
	}
	require.NoError(t, s.ArchiveAttempt(ok))
	require.NoError(t, s.ArchiveAttempt(failed))

	rows, err := s.Attempts(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "a2", rows[0].ID)
	assert.Equal(t, keyB, rows[0].Key)
	assert.Equal(t, uint64(9), rows[0].Seq)
	assert.Equal(t, checkout.OutcomeFailed, rows[0].Outcome)
	assert.Equal(t, checkout.StepCalendarSelected.String(), rows[0].Reached)
	assert.Equal(t, "time slot: element not found", rows[0].Error)

	assert.Equal(t, "a1", rows[1].ID)
	assert.Equal(t, "", rows[1].Error)
	assert.True(t, rows[1].FinishedAt.Equal(t0.Add(2*time.Second)))
}

func TestEvictsSnapshotsButKeepsAttempts(t *testing.T) {
	s := openTemp(t, 1)
	require.NoError(t, s.ArchiveAttempt(checkout.Attempt{
		ID:          "keep",
		Opportunity: inventory.Opportunity{Key: keyA},
		Outcome:     checkout.OutcomeSucceeded,
	}))
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.RecordSnapshot(snapshot(i)))
	}
	assert.Equal(t, int64(0), s.SnapshotCount())

	rows, err := s.Attempts(0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	s, err := OpenStore(path, 0)
	require.NoError(t, err)
	require.NoError(t, s.RecordSnapshot(snapshot(1)))
	require.NoError(t, s.Close())

	s, err = OpenStore(path, 0)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, int64(1), s.SnapshotCount())
}
