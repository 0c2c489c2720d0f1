package app

import (
	"github.com/jaakkos/loomwork/internal/domain"
)

// EventIndex is the indexed side of the event store. Implementations
// enforce uniqueness of (workflow_id, seq) and support filtered reads.
type EventIndex interface {
	Insert(ev domain.Event) error
	// Query returns events for a workflow ordered by seq ascending.
	// eventType filters when non-empty; sinceSeq excludes events with
	// Seq <= sinceSeq.
	Query(workflowID string, eventType domain.EventType, sinceSeq int64) ([]domain.Event, error)
	MaxSeq(workflowID string) (int64, error)
	Workflows() ([]string, error)
	Close() error
}

// Journal is the sequential side of the event store: one append-only
// log per workflow, plus rewrite support for repair.
type Journal interface {
	Append(ev domain.Event) error
	Read(workflowID string) ([]domain.Event, error)
	Rewrite(workflowID string, events []domain.Event) error
}

// StateStore persists workflow snapshots.
type StateStore interface {
	Save(state *domain.WorkflowState) error
	Load(workflowID string) (*domain.WorkflowState, error)
	List() ([]string, error)
	Exists(workflowID string) bool
}

// SnapshotStore persists projection snapshots per workflow.
type SnapshotStore interface {
	SaveSnapshot(workflowID, name string, snap ProjectionSnapshot) error
	LoadSnapshot(workflowID, name string) (*ProjectionSnapshot, error)
}

// MailStore persists agent mailboxes as inbox/outbox message files.
type MailStore interface {
	Deliver(msg domain.Message) error
	Inbox(agent string) ([]domain.Message, error)
	Get(agent, messageID string) (*domain.Message, error)
	Update(agent string, msg domain.Message) error
	// InboxDir returns the directory holding the agent's inbox files,
	// creating it if needed, so callers can watch it for arrivals.
	InboxDir(agent string) (string, error)
}
