package app

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/loomwork/internal/domain"
)

// EventLogger is the single write path into the event store. Every
// state change in the system flows through Append, which assigns the
// next gapless per-workflow sequence number and writes the event to
// both persistence sides: the indexed store first, then the
// append-only journal.
type EventLogger struct {
	index   EventIndex
	journal Journal
	logger  *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	obsMu     sync.RWMutex
	observers []func(domain.Event)
}

// NewEventLogger wires the two persistence sides together.
func NewEventLogger(index EventIndex, journal Journal, logger *log.Logger) *EventLogger {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &EventLogger{
		index:   index,
		journal: journal,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Observe registers a callback invoked after every successful append.
// Callbacks run synchronously on the appending goroutine and must not
// block.
func (l *EventLogger) Observe(fn func(domain.Event)) {
	l.obsMu.Lock()
	l.observers = append(l.observers, fn)
	l.obsMu.Unlock()
}

func (l *EventLogger) workflowLock(workflowID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[workflowID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[workflowID] = m
	}
	return m
}

// Append records one event for the workflow and returns it with its
// assigned sequence number. Appends to the same workflow are serialized
// so sequence numbers stay gapless even under concurrent writers.
func (l *EventLogger) Append(workflowID string, payload domain.Payload) (domain.Event, error) {
	if payload == nil {
		return domain.Event{}, fmt.Errorf("append %s: nil payload", workflowID)
	}
	mu := l.workflowLock(workflowID)
	mu.Lock()
	defer mu.Unlock()
	return l.appendLocked(workflowID, payload)
}

// AppendOnce appends the payload unless an event of the same type
// matching match already exists. The check and the append run under the
// workflow's append lock, so two racing callers cannot both write. The
// bool reports whether anything was appended.
func (l *EventLogger) AppendOnce(workflowID string, payload domain.Payload, match func(domain.Event) bool) (domain.Event, bool, error) {
	if payload == nil {
		return domain.Event{}, false, fmt.Errorf("append %s: nil payload", workflowID)
	}
	mu := l.workflowLock(workflowID)
	mu.Lock()
	defer mu.Unlock()

	prior, err := l.index.Query(workflowID, payload.EventType(), 0)
	if err != nil {
		return domain.Event{}, false, fmt.Errorf("append %s: %w", workflowID, err)
	}
	for _, ev := range prior {
		if match(ev) {
			return ev, false, nil
		}
	}
	ev, err := l.appendLocked(workflowID, payload)
	if err != nil {
		return domain.Event{}, false, err
	}
	return ev, true, nil
}

// appendLocked is Append's body; the caller holds the workflow lock.
func (l *EventLogger) appendLocked(workflowID string, payload domain.Payload) (domain.Event, error) {
	maxSeq, err := l.index.MaxSeq(workflowID)
	if err != nil {
		return domain.Event{}, fmt.Errorf("append %s: %w", workflowID, err)
	}
	ev := domain.Event{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Seq:        maxSeq + 1,
		Type:       payload.EventType(),
		Timestamp:  time.Now().UTC(),
		Payload:    payload,
	}
	if err := l.index.Insert(ev); err != nil {
		return domain.Event{}, fmt.Errorf("append %s: %w", workflowID, err)
	}
	if err := l.journal.Append(ev); err != nil {
		// The index already holds the event. Repair copies the missing
		// tail into the journal on the next startup pass.
		l.logger.Printf("EventLogger: journal write failed for %s seq %d: %v", workflowID, ev.Seq, err)
		return domain.Event{}, fmt.Errorf("append %s: %w", workflowID, err)
	}
	l.notify(ev)
	return ev, nil
}

func (l *EventLogger) notify(ev domain.Event) {
	l.obsMu.RLock()
	observers := l.observers
	l.obsMu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}

// Query reads events from the indexed side. eventType filters when
// non-empty; sinceSeq excludes events at or below that sequence number.
func (l *EventLogger) Query(workflowID string, eventType domain.EventType, sinceSeq int64) ([]domain.Event, error) {
	return l.index.Query(workflowID, eventType, sinceSeq)
}

// MaxSeq returns the workflow's highest assigned sequence number.
func (l *EventLogger) MaxSeq(workflowID string) (int64, error) {
	return l.index.MaxSeq(workflowID)
}

// Workflows lists every workflow ID with at least one event.
func (l *EventLogger) Workflows() ([]string, error) {
	return l.index.Workflows()
}

// Verify compares the two persistence sides for one workflow. It
// returns nil when they agree, ErrLogDiverged (wrapped with detail)
// when they disagree. A strict prefix on either side is still reported
// as divergence; Repair distinguishes the recoverable cases.
func (l *EventLogger) Verify(workflowID string) error {
	indexed, journaled, err := l.bothSides(workflowID)
	if err != nil {
		return err
	}
	if len(indexed) != len(journaled) {
		return fmt.Errorf("workflow %s: index has %d events, journal has %d: %w",
			workflowID, len(indexed), len(journaled), ErrLogDiverged)
	}
	for i := range indexed {
		if err := sameEvent(indexed[i], journaled[i]); err != nil {
			return fmt.Errorf("workflow %s position %d: %v: %w", workflowID, i, err, ErrLogDiverged)
		}
	}
	return nil
}

// Repair reconciles the two sides after a crash left one behind. The
// shorter side is extended from the longer one when the shared prefix
// matches; conflicting content is not repairable and returns
// ErrLogDiverged. The number of copied events is returned, and a
// log_repaired event is appended when anything was copied.
func (l *EventLogger) Repair(workflowID string) (int, error) {
	mu := l.workflowLock(workflowID)
	mu.Lock()
	defer mu.Unlock()

	indexed, journaled, err := l.bothSides(workflowID)
	if err != nil {
		return 0, err
	}
	shared := len(indexed)
	if len(journaled) < shared {
		shared = len(journaled)
	}
	for i := 0; i < shared; i++ {
		if err := sameEvent(indexed[i], journaled[i]); err != nil {
			return 0, fmt.Errorf("workflow %s position %d: %v: %w", workflowID, i, err, ErrLogDiverged)
		}
	}

	copied := 0
	var side string
	switch {
	case len(indexed) > len(journaled):
		// Rewrite the whole log atomically rather than appending to a
		// file a crash may have left mid-line.
		side = "journal"
		if err := l.journal.Rewrite(workflowID, indexed); err != nil {
			return 0, fmt.Errorf("repair %s: %w", workflowID, err)
		}
		copied = len(indexed) - shared
		l.logger.Printf("EventLogger: repaired journal for %s, copied %d events", workflowID, copied)
	case len(journaled) > len(indexed):
		side = "indexed"
		for _, ev := range journaled[shared:] {
			if err := l.index.Insert(ev); err != nil {
				return copied, fmt.Errorf("repair %s: %w", workflowID, err)
			}
			copied++
		}
		l.logger.Printf("EventLogger: repaired index for %s, copied %d events", workflowID, copied)
	default:
		return 0, nil
	}

	maxSeq, err := l.index.MaxSeq(workflowID)
	if err != nil {
		return copied, fmt.Errorf("repair %s: %w", workflowID, err)
	}
	ev := domain.Event{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Seq:        maxSeq + 1,
		Type:       domain.EventLogRepaired,
		Timestamp:  time.Now().UTC(),
		Payload:    domain.RepairPayload{Side: side, FromSeq: int64(shared) + 1, Rebuilt: copied},
	}
	if err := l.index.Insert(ev); err != nil {
		return copied, fmt.Errorf("repair %s: %w", workflowID, err)
	}
	if err := l.journal.Append(ev); err != nil {
		return copied, fmt.Errorf("repair %s: %w", workflowID, err)
	}
	l.notify(ev)
	return copied, nil
}

func (l *EventLogger) bothSides(workflowID string) ([]domain.Event, []domain.Event, error) {
	indexed, err := l.index.Query(workflowID, "", 0)
	if err != nil {
		return nil, nil, fmt.Errorf("verify %s: %w", workflowID, err)
	}
	journaled, err := l.journal.Read(workflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("verify %s: %w", workflowID, err)
	}
	return indexed, journaled, nil
}

func sameEvent(a, b domain.Event) error {
	if a.ID != b.ID {
		return fmt.Errorf("event id %s vs %s", a.ID, b.ID)
	}
	if a.Seq != b.Seq {
		return fmt.Errorf("seq %d vs %d", a.Seq, b.Seq)
	}
	if a.Type != b.Type {
		return fmt.Errorf("type %s vs %s", a.Type, b.Type)
	}
	return nil
}
