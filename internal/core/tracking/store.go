package tracking

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charleschow/ticket-watch/internal/core/checkout"
	"github.com/charleschow/ticket-watch/internal/core/inventory"
	"github.com/charleschow/ticket-watch/internal/telemetry"

	_ "modernc.org/sqlite"
)

const (
	defaultMaxBytes int64   = 256 << 20 // 256 MiB
	evictPct        float64 = 0.10      // evict oldest 10% of snapshot rows
	vacuumInterval          = 10        // incremental vacuum every N evictions
	sizeCheckEvery          = 100       // refresh the size estimate every N inserts
)

// Store archives applied snapshots and terminal checkout attempts in a
// FIFO SQLite database. Snapshots are evicted oldest first once the file
// exceeds its cap; attempts are never evicted.
type Store struct {
	db           *sql.DB
	maxBytes     int64
	mu           sync.Mutex
	cachedSize   int64
	snapshotRows int64
	inserts      int
	evictCounter int
}

// OpenStore opens (or creates) the archive at path. maxBytes <= 0 uses
// the default cap.
func OpenStore(path string, maxBytes int64) (*Store, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	var avMode int
	if err := db.QueryRow(`PRAGMA auto_vacuum`).Scan(&avMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("read auto_vacuum: %w", err)
	}
	if avMode != 2 {
		if _, err := db.Exec(`PRAGMA auto_vacuum = INCREMENTAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("set auto_vacuum: %w", err)
		}
		if _, err := db.Exec(`VACUUM`); err != nil {
			telemetry.Warnf("archive: VACUUM to enable auto_vacuum failed: %v", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init archive schema: %w", err)
	}

	s := &Store{db: db, maxBytes: maxBytes}
	s.refreshSize()
	db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&s.snapshotRows)

	telemetry.Infof("archive: opened %s size=%d snapshots=%d", path, s.cachedSize, s.snapshotRows)
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	seq          INTEGER NOT NULL,
	started_at   TEXT    NOT NULL,
	observed_at  TEXT    NOT NULL,
	rate_limited INTEGER NOT NULL DEFAULT 0,
	reset_at     TEXT,
	early_exited INTEGER NOT NULL DEFAULT 0,
	available    INTEGER NOT NULL DEFAULT 0,
	unavailable  INTEGER NOT NULL DEFAULT 0,
	sold_out     INTEGER NOT NULL DEFAULT 0,
	errors       INTEGER NOT NULL DEFAULT 0,
	statuses     TEXT    NOT NULL -- JSON {"event/occurrence/class": "STATUS"}
);

CREATE TABLE IF NOT EXISTS attempts (
	id              TEXT PRIMARY KEY,
	event_id        TEXT    NOT NULL,
	occurrence_id   TEXT    NOT NULL,
	ticket_class_id TEXT    NOT NULL,
	seq             INTEGER NOT NULL,
	observed_at     TEXT    NOT NULL,
	started_at      TEXT    NOT NULL,
	finished_at     TEXT    NOT NULL,
	reached         TEXT    NOT NULL,
	outcome         TEXT    NOT NULL,
	error           TEXT
)`

// RecordSnapshot stores one applied snapshot.
func (s *Store) RecordSnapshot(snap inventory.Snapshot) error {
	statuses := make(map[string]string, len(snap.Statuses))
	for k, st := range snap.Statuses {
		statuses[k.String()] = st.String()
	}
	data, err := json.Marshal(statuses)
	if err != nil {
		return fmt.Errorf("marshal statuses: %w", err)
	}

	var resetAt any
	if !snap.ResetAt.IsZero() {
		resetAt = ts(snap.ResetAt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(
		`INSERT INTO snapshots (seq, started_at, observed_at, rate_limited, reset_at, early_exited,
			available, unavailable, sold_out, errors, statuses)
		 VALUES (?,?,?,?,?,?, ?,?,?,?,?)`,
		snap.Seq, ts(snap.StartedAt), ts(snap.ObservedAt), snap.RateLimited, resetAt, snap.EarlyExited,
		snap.Count(inventory.StatusAvailable), snap.Count(inventory.StatusUnavailable),
		snap.Count(inventory.StatusSoldOut), len(snap.Errors), string(data),
	); err != nil {
		return fmt.Errorf("insert snapshot #%d: %w", snap.Seq, err)
	}
	s.snapshotRows++
	s.inserts++

	if s.inserts%sizeCheckEvery == 0 {
		s.refreshSize()
	}
	if s.cachedSize > s.maxBytes {
		s.evict()
	}
	return nil
}

// ArchiveAttempt stores a terminal checkout attempt.
func (s *Store) ArchiveAttempt(a checkout.Attempt) error {
	var errText any
	if a.Err != nil {
		errText = a.Err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO attempts (id, event_id, occurrence_id, ticket_class_id, seq,
			observed_at, started_at, finished_at, reached, outcome, error)
		 VALUES (?,?,?,?,?, ?,?,?,?,?,?)`,
		a.ID, a.Opportunity.Key.EventID, a.Opportunity.Key.OccurrenceID, a.Opportunity.Key.TicketClassID,
		a.Opportunity.Seq, ts(a.Opportunity.ObservedAt), ts(a.StartedAt), ts(a.FinishedAt),
		a.Reached.String(), string(a.Outcome), errText,
	)
	if err != nil {
		return fmt.Errorf("insert attempt %s: %w", a.ID, err)
	}
	return nil
}

// AttemptRow is an archived attempt as read back.
type AttemptRow struct {
	ID         string
	Key        inventory.TicketKey
	Seq        uint64
	StartedAt  time.Time
	FinishedAt time.Time
	Reached    string
	Outcome    checkout.Outcome
	Error      string
}

// Attempts returns archived attempts, newest first.
func (s *Store) Attempts(limit int) ([]AttemptRow, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, event_id, occurrence_id, ticket_class_id, seq, started_at, finished_at, reached, outcome, error
		 FROM attempts ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttemptRow
	for rows.Next() {
		var (
			r                 AttemptRow
			started, finished string
			outcome           string
			errText           sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Key.EventID, &r.Key.OccurrenceID, &r.Key.TicketClassID, &r.Seq,
			&started, &finished, &r.Reached, &outcome, &errText); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		r.Outcome = checkout.Outcome(outcome)
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// SnapshotStatuses returns the per-key statuses of the snapshot with seq.
func (s *Store) SnapshotStatuses(seq uint64) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data string
	if err := s.db.QueryRow(`SELECT statuses FROM snapshots WHERE seq = ? ORDER BY id DESC LIMIT 1`, seq).Scan(&data); err != nil {
		return nil, err
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("decode statuses: %w", err)
	}
	return out, nil
}

// SnapshotCount returns the number of archived snapshots.
func (s *Store) SnapshotCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotRows
}

// refreshSize re-reads the in-use database size from SQLite pragmas.
// Freelist pages are excluded so an eviction shows up before the next vacuum.
// Must be called with s.mu held.
func (s *Store) refreshSize() {
	var size int64
	row := s.db.QueryRow(`SELECT COALESCE((page_count - freelist_count) * page_size, 0)
		FROM pragma_page_count(), pragma_freelist_count(), pragma_page_size()`)
	if err := row.Scan(&size); err == nil {
		s.cachedSize = size
	}
}

// evict deletes the oldest 10% of snapshot rows by count.
// Must be called with s.mu held.
func (s *Store) evict() {
	toDelete := int64(float64(s.snapshotRows) * evictPct)
	if toDelete < 1 {
		toDelete = 1
	}

	res, err := s.db.Exec(
		`DELETE FROM snapshots WHERE id IN (
			SELECT id FROM snapshots ORDER BY id ASC LIMIT ?
		)`, toDelete,
	)
	if err != nil {
		telemetry.Warnf("archive evict: %v", err)
		return
	}

	deleted, _ := res.RowsAffected()
	s.snapshotRows -= deleted
	s.evictCounter++

	telemetry.Infof("archive: evicted %d snapshots (target %d)", deleted, toDelete)

	if s.evictCounter%vacuumInterval == 0 {
		s.db.Exec(`PRAGMA incremental_vacuum`)
	}

	s.refreshSize()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
