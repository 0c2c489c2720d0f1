// Package domain holds workflow coordination entities and the event model.
// It has no dependencies on other packages.
package domain

import (
	"fmt"
	"time"
)

// Phase is the lifecycle phase of a workflow.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseImplementing Phase = "implementing"
	PhaseVerifying    Phase = "verifying"
	PhasePaused       Phase = "paused"
	PhaseComplete     Phase = "complete"
	PhaseFailed       Phase = "failed"
)

// Terminal returns true for phases a workflow can never leave.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// FeatureStatus is the status of one feature in a workflow's ordered list.
type FeatureStatus string

const (
	FeatureNotStarted FeatureStatus = "not_started"
	FeatureInProgress FeatureStatus = "in_progress"
	FeatureCompleted  FeatureStatus = "completed"
	FeatureFailed     FeatureStatus = "failed"
)

// Feature is one unit of work within a workflow's ordered task list.
// A feature belongs to exactly one workflow; its index in the list is
// stable for the life of the workflow.
type Feature struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Description     string        `json:"description"`
	Status          FeatureStatus `json:"status"`
	VerificationRef string        `json:"verification_ref,omitempty"`
}

// featureOrder encodes the monotone status progression. Reset from failed
// back to not_started is the one allowed backward move and is operator-only
// (see Feature.Reset).
var featureOrder = map[FeatureStatus]int{
	FeatureNotStarted: 0,
	FeatureInProgress: 1,
	FeatureCompleted:  2,
	FeatureFailed:     2,
}

// Advance moves the feature to status, rejecting backward transitions.
func (f *Feature) Advance(status FeatureStatus) error {
	if _, ok := featureOrder[status]; !ok {
		return fmt.Errorf("unknown feature status %q", status)
	}
	if featureOrder[status] < featureOrder[f.Status] {
		return fmt.Errorf("feature %s: cannot move from %s to %s", f.ID, f.Status, status)
	}
	if f.Status == FeatureCompleted && status == FeatureFailed {
		return fmt.Errorf("feature %s: already completed", f.ID)
	}
	f.Status = status
	return nil
}

// Reset returns a failed feature to not_started. This is the explicit
// operator-initiated reset; any other backward move is rejected by Advance.
func (f *Feature) Reset() error {
	if f.Status != FeatureFailed {
		return fmt.Errorf("feature %s: reset requires status failed, got %s", f.ID, f.Status)
	}
	f.Status = FeatureNotStarted
	return nil
}

// WorkflowState is the operational record of one workflow instance.
// It is persisted as a snapshot file after every mutation and mirrored by
// event emission for audit (intentional dual-write).
type WorkflowState struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Phase               Phase     `json:"phase"`
	Features            []Feature `json:"features"`
	CurrentFeatureIndex int       `json:"current_feature_index"`
	IterationCount      int       `json:"iteration_count"`
	MaxIterations       int       `json:"max_iterations"`
	AccumulatedCost     float64   `json:"accumulated_cost"`
	SessionIDs          []string  `json:"session_ids,omitempty"`
	WaitingForResponse  bool      `json:"waiting_for_response"`
	// PausedFrom records the phase to return to on resume. Only meaningful
	// while Phase == paused.
	PausedFrom Phase `json:"paused_from,omitempty"`
	// PendingThreadID is the mailbox thread the paused workflow is waiting on.
	PendingThreadID string    `json:"pending_thread_id,omitempty"`
	LastEventSeq    int64     `json:"last_event_seq"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// validTransitions lists the allowed phase moves. paused is reachable only
// from implementing and verifying and returns to the same phase on resume.
var validTransitions = map[Phase][]Phase{
	PhasePlanning:     {PhaseImplementing, PhaseFailed},
	PhaseImplementing: {PhaseVerifying, PhasePaused, PhaseFailed},
	PhaseVerifying:    {PhaseComplete, PhasePaused, PhaseFailed},
	PhasePaused:       {PhaseImplementing, PhaseVerifying, PhaseFailed},
}

// CanTransition reports whether from -> to is a legal phase move,
// independent of feature-level preconditions.
func CanTransition(from, to Phase) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition moves the workflow to phase, enforcing the phase graph plus
// the feature-level preconditions: planning->implementing requires at
// least one feature, implementing->verifying requires every feature
// completed or failed, verifying->complete requires zero failed features.
// Entering paused records the return phase; leaving paused must return to
// it (or go terminal failed).
func (w *WorkflowState) Transition(to Phase) error {
	if !CanTransition(w.Phase, to) {
		return fmt.Errorf("workflow %s: invalid transition %s -> %s", w.ID, w.Phase, to)
	}
	switch {
	case w.Phase == PhasePlanning && to == PhaseImplementing:
		if len(w.Features) == 0 {
			return fmt.Errorf("workflow %s: cannot start implementing with no features", w.ID)
		}
	case w.Phase == PhaseImplementing && to == PhaseVerifying:
		for _, f := range w.Features {
			if f.Status != FeatureCompleted && f.Status != FeatureFailed {
				return fmt.Errorf("workflow %s: feature %s still %s", w.ID, f.ID, f.Status)
			}
		}
	case w.Phase == PhaseVerifying && to == PhaseComplete:
		for _, f := range w.Features {
			if f.Status == FeatureFailed {
				return fmt.Errorf("workflow %s: feature %s failed, cannot complete", w.ID, f.ID)
			}
		}
	}
	if w.Phase == PhasePaused && to != PhaseFailed && to != w.PausedFrom {
		return fmt.Errorf("workflow %s: resume must return to %s, not %s", w.ID, w.PausedFrom, to)
	}
	if to == PhasePaused {
		w.PausedFrom = w.Phase
	} else if w.Phase == PhasePaused {
		w.PausedFrom = ""
	}
	w.Phase = to
	w.UpdatedAt = time.Now()
	return nil
}

// FailedFeatures returns the features currently in status failed.
func (w *WorkflowState) FailedFeatures() []Feature {
	var out []Feature
	for _, f := range w.Features {
		if f.Status == FeatureFailed {
			out = append(out, f)
		}
	}
	return out
}

// FeatureByID returns a pointer into Features, or nil.
func (w *WorkflowState) FeatureByID(id string) *Feature {
	for i := range w.Features {
		if w.Features[i].ID == id {
			return &w.Features[i]
		}
	}
	return nil
}

// Priority orders mailbox messages.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityUrgent   Priority = "urgent"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank returns the sort rank of a priority (critical first). Unknown
// priorities rank after low so malformed messages never jump the queue.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityUrgent:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// EscalationLevel is the rung on the escalation ladder a message sits at.
type EscalationLevel int

const (
	// EscalationPeer is worker-to-worker clarification (level 1).
	EscalationPeer EscalationLevel = 1
	// EscalationCoordinator is worker-to-coordinator (level 2).
	EscalationCoordinator EscalationLevel = 2
	// EscalationHuman is coordinator-to-human (level 3).
	EscalationHuman EscalationLevel = 3
)

// Message is an asynchronous message between agents. Messages are never
// deleted; read/unread is a status flag.
type Message struct {
	ID               string          `json:"id"`
	ThreadID         string          `json:"thread_id"`
	InReplyTo        string          `json:"in_reply_to,omitempty"`
	From             string          `json:"from"`
	To               string          `json:"to"`
	Priority         Priority        `json:"priority"`
	Subject          string          `json:"subject"`
	Body             string          `json:"body"`
	WorkflowID       string          `json:"workflow_id,omitempty"`
	Level            EscalationLevel `json:"level,omitempty"`
	AwaitingResponse bool            `json:"awaiting_response"`
	Read             bool            `json:"read"`
	CreatedAt        time.Time       `json:"created_at"`
}
