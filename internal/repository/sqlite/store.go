package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaakkos/loomwork/internal/app"
	"github.com/jaakkos/loomwork/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (workflow_id, seq)
);
`

// indexes for common query patterns (event feeds, type-filtered reads, dedup by id)
const indexes = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_id ON events(id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(workflow_id, event_type);
`

// Store implements app.EventIndex using SQLite.
type Store struct {
	db *sql.DB
}

// New opens the SQLite database at path (creating parent dirs and schema) and returns an EventIndex.
func New(path string) (app.EventIndex, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite indexes: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert appends one event to the index. A second insert with the same
// (workflow_id, seq) fails with a constraint error, which callers rely
// on to detect duplicate appends.
func (s *Store) Insert(ev domain.Event) error {
	payload, err := domain.EncodePayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("event payload: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO events (id, workflow_id, seq, event_type, timestamp, payload) VALUES (?, ?, ?, ?, ?, ?)",
		ev.ID, ev.WorkflowID, ev.Seq, string(ev.Type), ev.Timestamp.Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "constraint") {
			return fmt.Errorf("event %s seq %d: %w", ev.WorkflowID, ev.Seq, app.ErrDuplicateSeq)
		}
		return fmt.Errorf("event insert: %w", err)
	}
	return nil
}

// Query implements app.EventIndex. Results are ordered by seq ascending.
func (s *Store) Query(workflowID string, eventType domain.EventType, sinceSeq int64) ([]domain.Event, error) {
	q := "SELECT id, workflow_id, seq, event_type, timestamp, payload FROM events WHERE workflow_id = ? AND seq > ?"
	args := []interface{}{workflowID, sinceSeq}
	if eventType != "" {
		q += " AND event_type = ?"
		args = append(args, string(eventType))
	}
	q += " ORDER BY seq"

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("event query: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event iteration: %w", err)
	}
	return events, nil
}

// MaxSeq returns the highest sequence number recorded for workflowID,
// or 0 when the workflow has no events.
func (s *Store) MaxSeq(workflowID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(seq) FROM events WHERE workflow_id = ?", workflowID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("event max seq: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// Workflows returns the distinct workflow IDs present in the index.
func (s *Store) Workflows() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT workflow_id FROM events ORDER BY workflow_id")
	if err != nil {
		return nil, fmt.Errorf("workflow ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow id iteration: %w", err)
	}
	return ids, nil
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var ev domain.Event
	var typ, ts, payload string
	if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.Seq, &typ, &ts, &payload); err != nil {
		return domain.Event{}, err
	}
	ev.Type = domain.EventType(typ)
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return domain.Event{}, fmt.Errorf("event timestamp %q: %w", ts, err)
	}
	ev.Timestamp = t
	p, err := domain.DecodePayload(ev.Type, []byte(payload))
	if err != nil {
		return domain.Event{}, fmt.Errorf("event payload: %w", err)
	}
	ev.Payload = p
	return ev, nil
}
