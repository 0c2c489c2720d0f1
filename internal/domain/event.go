package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies one kind of domain event in a workflow's log.
type EventType string

// Lifecycle events.
const (
	EventWorkflowCreated   EventType = "workflow_created"
	EventPlanningStarted   EventType = "planning_started"
	EventPlanningCompleted EventType = "planning_completed"
	EventImplementing      EventType = "implementing_started"
	EventVerifying         EventType = "verifying_started"
	EventWorkflowPaused    EventType = "workflow_paused"
	EventWorkflowResumed   EventType = "workflow_resumed"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventSessionRecorded   EventType = "session_recorded"
)

// Feature events.
const (
	EventFeatureAdded        EventType = "feature_added"
	EventFeatureStarted      EventType = "feature_started"
	EventFeatureCompleted    EventType = "feature_completed"
	EventFeatureFailed       EventType = "feature_failed"
	EventFeatureRetried      EventType = "feature_retried"
	EventFeatureReset        EventType = "feature_reset"
	EventExecutorInvoked     EventType = "executor_invoked"
	EventExecutorTimedOut    EventType = "executor_timed_out"
	EventVerificationPassed  EventType = "verification_passed"
	EventVerificationFailed  EventType = "verification_failed"
	EventIterationLimit      EventType = "iteration_limit_reached"
	EventCostRecorded        EventType = "cost_recorded"
	EventNoteRecorded        EventType = "note_recorded"
	EventBlockerDetected     EventType = "blocker_detected"
)

// Message events.
const (
	EventMessageSent       EventType = "message_sent"
	EventMessageRead       EventType = "message_read"
	EventMessageReplied    EventType = "message_replied"
	EventResponseIgnored   EventType = "response_ignored"
)

// Escalation events.
const (
	EventEscalationRaised    EventType = "escalation_raised"
	EventEscalationForwarded EventType = "escalation_forwarded"
	EventEscalationResolved  EventType = "escalation_resolved"
	EventEscalationTimedOut  EventType = "escalation_timed_out"
	EventNotificationSent    EventType = "notification_sent"
)

// Structural events.
const (
	EventLogRepaired EventType = "log_repaired"
)

// Event is an immutable fact appended to a workflow's ordered log.
// Ordering within a workflow is total via Seq, never Timestamp alone.
type Event struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Seq        int64     `json:"seq"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    Payload   `json:"-"`
}

// Payload is the typed payload carried by an event. One concrete struct
// exists per event type; decoding is keyed by the event's Type field so
// the log stays schema-flexible while callers get static types back.
type Payload interface {
	EventType() EventType
}

// WorkflowPayload accompanies lifecycle events.
type WorkflowPayload struct {
	Type          EventType `json:"-"`
	Phase         Phase     `json:"phase,omitempty"`
	From          Phase     `json:"from,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Name          string    `json:"name,omitempty"`
	Session       string    `json:"session,omitempty"`
	MaxIterations int       `json:"max_iterations,omitempty"`
}

func (p WorkflowPayload) EventType() EventType { return p.Type }

// FeaturePayload accompanies feature events.
type FeaturePayload struct {
	Type        EventType     `json:"-"`
	FeatureID   string        `json:"feature_id"`
	Name        string        `json:"name,omitempty"`
	Description string        `json:"description,omitempty"`
	Index       int           `json:"index"`
	Status      FeatureStatus `json:"status,omitempty"`
	Attempt     int           `json:"attempt,omitempty"`
	Iteration   int           `json:"iteration,omitempty"`
	Output      string        `json:"output,omitempty"`
	Diagnostic  string        `json:"diagnostic,omitempty"`
	Cost        float64       `json:"cost,omitempty"`
}

func (p FeaturePayload) EventType() EventType { return p.Type }

// MessagePayload accompanies message and escalation events.
type MessagePayload struct {
	Type      EventType       `json:"-"`
	MessageID string          `json:"message_id"`
	ThreadID  string          `json:"thread_id"`
	InReplyTo string          `json:"in_reply_to,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Priority  Priority        `json:"priority,omitempty"`
	Level     EscalationLevel `json:"level,omitempty"`
	Subject   string          `json:"subject,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

func (p MessagePayload) EventType() EventType { return p.Type }

// NotePayload accompanies note_recorded events (decisions, diagnostics).
type NotePayload struct {
	Author   string `json:"author"`
	Category string `json:"category"` // decision, note, question, blocker
	Content  string `json:"content"`
}

func (p NotePayload) EventType() EventType { return EventNoteRecorded }

// RepairPayload accompanies log_repaired events.
type RepairPayload struct {
	Side     string `json:"side"` // "indexed" or "journal"
	FromSeq  int64  `json:"from_seq"`
	Rebuilt  int    `json:"rebuilt"`
}

func (p RepairPayload) EventType() EventType { return EventLogRepaired }

// RawPayload holds the payload of an event type this build does not know.
// Projections treat unknown types as no-ops, so carrying raw bytes keeps
// old logs readable across versions.
type RawPayload struct {
	Type EventType       `json:"-"`
	Data json.RawMessage `json:"-"`
}

func (p RawPayload) EventType() EventType { return p.Type }

// payloadFamily maps each event type to its concrete payload kind.
var payloadFamily = map[EventType]string{
	EventWorkflowCreated:   "workflow",
	EventPlanningStarted:   "workflow",
	EventPlanningCompleted: "workflow",
	EventImplementing:      "workflow",
	EventVerifying:         "workflow",
	EventWorkflowPaused:    "workflow",
	EventWorkflowResumed:   "workflow",
	EventWorkflowCompleted: "workflow",
	EventWorkflowFailed:    "workflow",
	EventSessionRecorded:   "workflow",

	EventFeatureAdded:       "feature",
	EventFeatureStarted:     "feature",
	EventFeatureCompleted:   "feature",
	EventFeatureFailed:      "feature",
	EventFeatureRetried:     "feature",
	EventFeatureReset:       "feature",
	EventExecutorInvoked:    "feature",
	EventExecutorTimedOut:   "feature",
	EventVerificationPassed: "feature",
	EventVerificationFailed: "feature",
	EventIterationLimit:     "feature",
	EventCostRecorded:       "feature",
	EventBlockerDetected:    "feature",

	EventMessageSent:     "message",
	EventMessageRead:     "message",
	EventMessageReplied:  "message",
	EventResponseIgnored: "message",

	EventEscalationRaised:    "message",
	EventEscalationForwarded: "message",
	EventEscalationResolved:  "message",
	EventEscalationTimedOut:  "message",
	EventNotificationSent:    "message",

	EventNoteRecorded: "note",
	EventLogRepaired:  "repair",
}

// KnownEventType reports whether t is an event type this build understands.
func KnownEventType(t EventType) bool {
	_, ok := payloadFamily[t]
	return ok
}

// eventEnvelope is the wire form of an Event.
type eventEnvelope struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Seq        int64           `json:"seq"`
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the event with its payload inlined under "payload".
func (e Event) MarshalJSON() ([]byte, error) {
	env := eventEnvelope{
		ID:         e.ID,
		WorkflowID: e.WorkflowID,
		Seq:        e.Seq,
		Type:       e.Type,
		Timestamp:  e.Timestamp,
	}
	if e.Payload != nil {
		if raw, ok := e.Payload.(RawPayload); ok {
			env.Payload = raw.Data
		} else {
			data, err := json.Marshal(e.Payload)
			if err != nil {
				return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
			}
			env.Payload = data
		}
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the envelope and then the payload keyed by Type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	e.ID = env.ID
	e.WorkflowID = env.WorkflowID
	e.Seq = env.Seq
	e.Type = env.Type
	e.Timestamp = env.Timestamp
	p, err := DecodePayload(env.Type, env.Payload)
	if err != nil {
		return err
	}
	e.Payload = p
	return nil
}

// DecodePayload decodes raw payload bytes into the concrete struct for t.
// Unknown event types decode to RawPayload rather than failing, so a log
// written by a newer build stays readable.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch payloadFamily[t] {
	case "workflow":
		var p WorkflowPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		p.Type = t
		return p, nil
	case "feature":
		var p FeaturePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		p.Type = t
		return p, nil
	case "message":
		var p MessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		p.Type = t
		return p, nil
	case "note":
		var p NotePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case "repair":
		var p RepairPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	}
	return RawPayload{Type: t, Data: append(json.RawMessage(nil), raw...)}, nil
}

// EncodePayload marshals a payload to raw bytes for storage.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := p.(RawPayload); ok {
		return raw.Data, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.EventType(), err)
	}
	return data, nil
}
