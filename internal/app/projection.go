package app

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jaakkos/loomwork/internal/domain"
)

// ProjectionHandler folds one event into a projection's state. The
// state argument is the pointer returned by the definition's New func.
type ProjectionHandler func(state any, ev domain.Event) error

// ProjectionDef declares a named read model derived from the event log.
// Handlers only exist for the event types the projection cares about;
// everything else is a no-op during replay, which is what lets old logs
// carry event types a given build has never heard of.
type ProjectionDef struct {
	Name     string
	Version  int
	New      func() any
	Handlers map[domain.EventType]ProjectionHandler
}

// ProjectionSnapshot is the persisted form of a projection's state at a
// known sequence number.
type ProjectionSnapshot struct {
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	LastSeq   int64           `json:"last_seq"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Projector rebuilds registered projections from the event log,
// resuming from the latest snapshot and writing a new snapshot every
// snapshotEvery applied events.
type Projector struct {
	events        *EventLogger
	snaps         SnapshotStore
	logger        *log.Logger
	snapshotEvery int

	mu   sync.RWMutex
	defs map[string]ProjectionDef
}

// NewProjector returns a Projector with the built-in projections
// already registered.
func NewProjector(events *EventLogger, snaps SnapshotStore, snapshotEvery int, logger *log.Logger) *Projector {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if snapshotEvery <= 0 {
		snapshotEvery = 100
	}
	p := &Projector{
		events:        events,
		snaps:         snaps,
		logger:        logger,
		snapshotEvery: snapshotEvery,
		defs:          make(map[string]ProjectionDef),
	}
	p.Register(MailboxProjection())
	p.Register(NotesProjection())
	return p
}

// Register adds or replaces a projection definition.
func (p *Projector) Register(def ProjectionDef) {
	p.mu.Lock()
	p.defs[def.Name] = def
	p.mu.Unlock()
}

// Names returns the registered projection names.
func (p *Projector) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.defs))
	for name := range p.defs {
		names = append(names, name)
	}
	return names
}

// Rebuild brings the named projection up to date for one workflow and
// returns its state and the sequence number it reflects. A snapshot
// whose version no longer matches the definition is discarded and the
// projection is replayed from the start of the log.
func (p *Projector) Rebuild(workflowID, name string) (any, int64, error) {
	p.mu.RLock()
	def, ok := p.defs[name]
	p.mu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("unknown projection %q", name)
	}

	state := def.New()
	var lastSeq int64
	snap, err := p.snaps.LoadSnapshot(workflowID, name)
	if err != nil {
		return nil, 0, fmt.Errorf("projection %s: %w", name, err)
	}
	if snap != nil {
		if snap.Version == def.Version {
			if err := json.Unmarshal(snap.State, state); err != nil {
				return nil, 0, fmt.Errorf("projection %s snapshot: %w", name, err)
			}
			lastSeq = snap.LastSeq
		} else {
			p.logger.Printf("Projector: %s snapshot is v%d, definition is v%d, replaying %s from scratch",
				name, snap.Version, def.Version, workflowID)
		}
	}

	events, err := p.events.Query(workflowID, "", lastSeq)
	if err != nil {
		return nil, 0, fmt.Errorf("projection %s: %w", name, err)
	}
	applied := 0
	for _, ev := range events {
		if h, ok := def.Handlers[ev.Type]; ok {
			if err := h(state, ev); err != nil {
				return nil, 0, fmt.Errorf("projection %s seq %d: %w", name, ev.Seq, err)
			}
		}
		lastSeq = ev.Seq
		applied++
		if applied%p.snapshotEvery == 0 {
			if err := p.saveSnapshot(workflowID, def, state, lastSeq); err != nil {
				return nil, 0, err
			}
		}
	}
	if applied%p.snapshotEvery != 0 {
		if err := p.saveSnapshot(workflowID, def, state, lastSeq); err != nil {
			return nil, 0, err
		}
	}
	return state, lastSeq, nil
}

func (p *Projector) saveSnapshot(workflowID string, def ProjectionDef, state any, lastSeq int64) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("projection %s snapshot: %w", def.Name, err)
	}
	snap := ProjectionSnapshot{
		Name:      def.Name,
		Version:   def.Version,
		LastSeq:   lastSeq,
		State:     raw,
		UpdatedAt: time.Now().UTC(),
	}
	if err := p.snaps.SaveSnapshot(workflowID, def.Name, snap); err != nil {
		return fmt.Errorf("projection %s snapshot: %w", def.Name, err)
	}
	return nil
}

// MailboxEntry is one thread-level row in the mailbox projection.
type MailboxEntry struct {
	MessageID string                 `json:"message_id"`
	ThreadID  string                 `json:"thread_id"`
	From      string                 `json:"from"`
	To        string                 `json:"to"`
	Subject   string                 `json:"subject"`
	Priority  domain.Priority        `json:"priority"`
	Level     domain.EscalationLevel `json:"level,omitempty"`
	SentAt    time.Time              `json:"sent_at"`
	Read      bool                   `json:"read"`
	ReplyID   string                 `json:"reply_id,omitempty"`
	Resolved  bool                   `json:"resolved"`
	TimedOut  bool                   `json:"timed_out"`
	Ignored   bool                   `json:"ignored"`
}

// MailboxView is the mailbox projection's state: message threads that
// touched this workflow, with their escalation outcome.
type MailboxView struct {
	Entries []*MailboxEntry `json:"entries"`
}

func (v *MailboxView) byThread(threadID string) *MailboxEntry {
	for i := len(v.Entries) - 1; i >= 0; i-- {
		if v.Entries[i].ThreadID == threadID {
			return v.Entries[i]
		}
	}
	return nil
}

// byMessageID keys entries by the originating message, which is what
// keeps replaying the same event twice from duplicating rows.
func (v *MailboxView) byMessageID(messageID string) *MailboxEntry {
	for _, e := range v.Entries {
		if e.MessageID == messageID {
			return e
		}
	}
	return nil
}

// Open returns the entries still waiting on a reply or resolution.
func (v *MailboxView) Open() []*MailboxEntry {
	var open []*MailboxEntry
	for _, e := range v.Entries {
		if e.ReplyID == "" && !e.Resolved && !e.TimedOut && !e.Ignored {
			open = append(open, e)
		}
	}
	return open
}

// MailboxProjection builds the per-workflow message thread view.
func MailboxProjection() ProjectionDef {
	mark := func(fn func(*MailboxEntry, domain.MessagePayload)) ProjectionHandler {
		return func(state any, ev domain.Event) error {
			v := state.(*MailboxView)
			p, ok := ev.Payload.(domain.MessagePayload)
			if !ok {
				return fmt.Errorf("unexpected payload %T", ev.Payload)
			}
			if e := v.byThread(p.ThreadID); e != nil {
				fn(e, p)
			}
			return nil
		}
	}
	return ProjectionDef{
		Name:    "mailbox",
		Version: 1,
		New:     func() any { return &MailboxView{} },
		Handlers: map[domain.EventType]ProjectionHandler{
			domain.EventMessageSent: func(state any, ev domain.Event) error {
				v := state.(*MailboxView)
				p, ok := ev.Payload.(domain.MessagePayload)
				if !ok {
					return fmt.Errorf("unexpected payload %T", ev.Payload)
				}
				if v.byMessageID(p.MessageID) != nil {
					return nil
				}
				v.Entries = append(v.Entries, &MailboxEntry{
					MessageID: p.MessageID,
					ThreadID:  p.ThreadID,
					From:      p.From,
					To:        p.To,
					Subject:   p.Subject,
					Priority:  p.Priority,
					SentAt:    ev.Timestamp,
				})
				return nil
			},
			domain.EventEscalationRaised: func(state any, ev domain.Event) error {
				v := state.(*MailboxView)
				p, ok := ev.Payload.(domain.MessagePayload)
				if !ok {
					return fmt.Errorf("unexpected payload %T", ev.Payload)
				}
				if v.byMessageID(p.MessageID) != nil {
					return nil
				}
				if e := v.byThread(p.ThreadID); e != nil {
					e.Level = p.Level
					return nil
				}
				v.Entries = append(v.Entries, &MailboxEntry{
					MessageID: p.MessageID,
					ThreadID:  p.ThreadID,
					From:      p.From,
					To:        p.To,
					Subject:   p.Subject,
					Priority:  p.Priority,
					Level:     p.Level,
					SentAt:    ev.Timestamp,
				})
				return nil
			},
			domain.EventMessageRead:         mark(func(e *MailboxEntry, p domain.MessagePayload) { e.Read = true }),
			domain.EventMessageReplied:      mark(func(e *MailboxEntry, p domain.MessagePayload) { e.ReplyID = p.MessageID }),
			domain.EventResponseIgnored:     mark(func(e *MailboxEntry, p domain.MessagePayload) { e.Ignored = true }),
			domain.EventEscalationForwarded: mark(func(e *MailboxEntry, p domain.MessagePayload) { e.Level = p.Level; e.To = p.To }),
			domain.EventEscalationResolved:  mark(func(e *MailboxEntry, p domain.MessagePayload) { e.Resolved = true }),
			domain.EventEscalationTimedOut:  mark(func(e *MailboxEntry, p domain.MessagePayload) { e.TimedOut = true }),
		},
	}
}

// Note is one row in the notes projection.
type Note struct {
	Seq      int64     `json:"seq"`
	Author   string    `json:"author"`
	Category string    `json:"category"`
	Content  string    `json:"content"`
	At       time.Time `json:"at"`
}

// NotesView collects notes and detected blockers in log order.
type NotesView struct {
	Notes []Note `json:"notes"`
}

// seen reports whether the event at seq has already been folded in,
// so applying it again leaves the view unchanged.
func (v *NotesView) seen(seq int64) bool {
	for i := len(v.Notes) - 1; i >= 0; i-- {
		if v.Notes[i].Seq == seq {
			return true
		}
	}
	return false
}

// NotesProjection builds the per-workflow decision and blocker record.
func NotesProjection() ProjectionDef {
	return ProjectionDef{
		Name:    "notes",
		Version: 1,
		New:     func() any { return &NotesView{} },
		Handlers: map[domain.EventType]ProjectionHandler{
			domain.EventNoteRecorded: func(state any, ev domain.Event) error {
				v := state.(*NotesView)
				p, ok := ev.Payload.(domain.NotePayload)
				if !ok {
					return fmt.Errorf("unexpected payload %T", ev.Payload)
				}
				if v.seen(ev.Seq) {
					return nil
				}
				v.Notes = append(v.Notes, Note{
					Seq:      ev.Seq,
					Author:   p.Author,
					Category: p.Category,
					Content:  p.Content,
					At:       ev.Timestamp,
				})
				return nil
			},
			domain.EventBlockerDetected: func(state any, ev domain.Event) error {
				v := state.(*NotesView)
				p, ok := ev.Payload.(domain.FeaturePayload)
				if !ok {
					return fmt.Errorf("unexpected payload %T", ev.Payload)
				}
				if v.seen(ev.Seq) {
					return nil
				}
				v.Notes = append(v.Notes, Note{
					Seq:      ev.Seq,
					Author:   "engine",
					Category: "blocker",
					Content:  p.Diagnostic,
					At:       ev.Timestamp,
				})
				return nil
			},
		},
	}
}
