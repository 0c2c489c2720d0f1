package app

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jaakkos/loomwork/internal/domain"
)

// FeatureSpec describes one feature when creating a workflow.
type FeatureSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// WorkflowService owns workflow lifecycle: creation, phase
// transitions, and the snapshot that callers read. Commands validate
// against the current state, emit events through the EventLogger, fold
// the events into the state and save the snapshot. A snapshot that
// falls behind the log (crash between append and save) is caught up on
// load by replaying the missing tail.
type WorkflowService struct {
	events *EventLogger
	states StateStore
	logger *log.Logger

	defaultMaxIterations int

	mu sync.Mutex
}

// NewWorkflowService returns a service over the given stores.
// defaultMaxIterations applies when Create is called without a budget.
func NewWorkflowService(events *EventLogger, states StateStore, defaultMaxIterations int, logger *log.Logger) *WorkflowService {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if defaultMaxIterations <= 0 {
		defaultMaxIterations = 25
	}
	return &WorkflowService{
		events:               events,
		states:               states,
		defaultMaxIterations: defaultMaxIterations,
		logger:               logger,
	}
}

// Create starts a new workflow in the planning phase with the given
// features seeded in order.
func (s *WorkflowService) Create(name string, features []FeatureSpec, maxIterations int) (*domain.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return nil, fmt.Errorf("create workflow: name is required")
	}
	if maxIterations <= 0 {
		maxIterations = s.defaultMaxIterations
	}
	id := uuid.NewString()
	state := &domain.WorkflowState{}

	events := []domain.Payload{
		domain.WorkflowPayload{Type: domain.EventWorkflowCreated, Name: name, MaxIterations: maxIterations},
	}
	for i, f := range features {
		events = append(events, domain.FeaturePayload{
			Type:        domain.EventFeatureAdded,
			FeatureID:   uuid.NewString(),
			Name:        f.Name,
			Description: f.Description,
			Index:       i,
		})
	}
	for _, payload := range events {
		ev, err := s.events.Append(id, payload)
		if err != nil {
			return nil, err
		}
		if err := state.Apply(ev); err != nil {
			return nil, err
		}
	}
	if err := s.states.Save(state); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	s.logger.Printf("WorkflowService: created %s (%s) with %d features", id, name, len(features))
	return state, nil
}

// Load returns the workflow's current state. When the saved snapshot is
// behind the event log, the missing events are replayed and the
// snapshot rewritten before returning.
func (s *WorkflowService) Load(id string) (*domain.WorkflowState, error) {
	state, err := s.states.Load(id)
	if err != nil {
		return nil, err
	}
	maxSeq, err := s.events.MaxSeq(id)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	if state.LastEventSeq >= maxSeq {
		return state, nil
	}
	s.logger.Printf("WorkflowService: snapshot for %s at seq %d, log at %d, replaying tail", id, state.LastEventSeq, maxSeq)
	tail, err := s.events.Query(id, "", state.LastEventSeq)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	for _, ev := range tail {
		if err := state.Apply(ev); err != nil {
			return nil, fmt.Errorf("load %s: %w", id, err)
		}
	}
	if err := s.states.Save(state); err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return state, nil
}

// Rebuild reconstructs the state purely from the event log, ignoring
// any snapshot, and rewrites the snapshot with the result.
func (s *WorkflowService) Rebuild(id string) (*domain.WorkflowState, error) {
	events, err := s.events.Query(id, "", 0)
	if err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", id, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrWorkflowNotFound)
	}
	state, err := domain.Replay(events)
	if err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", id, err)
	}
	if err := s.states.Save(state); err != nil {
		return nil, fmt.Errorf("rebuild %s: %w", id, err)
	}
	return state, nil
}

// List returns every known workflow, most recently updated first.
func (s *WorkflowService) List() ([]*domain.WorkflowState, error) {
	ids, err := s.states.List()
	if err != nil {
		return nil, err
	}
	states := make([]*domain.WorkflowState, 0, len(ids))
	for _, id := range ids {
		state, err := s.Load(id)
		if err != nil {
			s.logger.Printf("WorkflowService: skipping %s: %v", id, err)
			continue
		}
		states = append(states, state)
	}
	sort.Slice(states, func(a, b int) bool {
		return states[a].UpdatedAt.After(states[b].UpdatedAt)
	})
	return states, nil
}

// apply validates nothing; it records already-emitted events into the
// state and persists the snapshot.
func (s *WorkflowService) apply(state *domain.WorkflowState, payloads ...domain.Payload) error {
	for _, payload := range payloads {
		ev, err := s.events.Append(state.ID, payload)
		if err != nil {
			return err
		}
		if err := state.Apply(ev); err != nil {
			return err
		}
	}
	return s.states.Save(state)
}

// Transition moves the workflow to the given phase, emitting the
// matching lifecycle event. Preconditions are enforced by the domain
// transition rules before anything is written.
func (s *WorkflowService) Transition(id string, to domain.Phase, reason string) (*domain.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	from := state.Phase
	// Validate on a copy so a rejected transition leaves no trace.
	scratch := *state
	if err := scratch.Transition(to); err != nil {
		return nil, err
	}
	var payloads []domain.Payload
	if from == domain.PhasePlanning && to == domain.PhaseImplementing {
		payloads = append(payloads, domain.WorkflowPayload{Type: domain.EventPlanningCompleted, Phase: from})
	}
	payloads = append(payloads, domain.WorkflowPayload{Type: lifecycleEvent(to), Phase: to, From: from, Reason: reason})
	if err := s.apply(state, payloads...); err != nil {
		return nil, err
	}
	s.logger.Printf("WorkflowService: %s %s -> %s", id, from, to)
	return state, nil
}

func lifecycleEvent(to domain.Phase) domain.EventType {
	switch to {
	case domain.PhaseImplementing:
		return domain.EventImplementing
	case domain.PhaseVerifying:
		return domain.EventVerifying
	case domain.PhasePaused:
		return domain.EventWorkflowPaused
	case domain.PhaseComplete:
		return domain.EventWorkflowCompleted
	case domain.PhaseFailed:
		return domain.EventWorkflowFailed
	}
	return domain.EventWorkflowCreated
}

// Resume returns a paused workflow to the phase it was paused from.
// When the pause is waiting on an escalation thread that nothing has
// resolved yet, the resume resolves it and records the reason as the
// decision, so a manual resume leaves the same trail as one driven by
// a reply.
func (s *WorkflowService) Resume(id, reason string) (*domain.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	if state.Phase != domain.PhasePaused {
		return nil, fmt.Errorf("workflow %s is %s, not paused", id, state.Phase)
	}
	if thread := state.PendingThreadID; thread != "" {
		ev, appended, err := s.events.AppendOnce(id, domain.MessagePayload{
			Type:     domain.EventEscalationResolved,
			ThreadID: thread,
			Reason:   reason,
		}, func(ev domain.Event) bool {
			p, ok := ev.Payload.(domain.MessagePayload)
			return ok && p.ThreadID == thread
		})
		if err != nil {
			return nil, err
		}
		if appended {
			if err := state.Apply(ev); err != nil {
				return nil, err
			}
			if err := s.apply(state, domain.NotePayload{Author: "operator", Category: "decision", Content: reason}); err != nil {
				return nil, err
			}
		}
	}
	payload := domain.WorkflowPayload{
		Type:   domain.EventWorkflowResumed,
		Phase:  state.PausedFrom,
		From:   domain.PhasePaused,
		Reason: reason,
	}
	if err := s.apply(state, payload); err != nil {
		return nil, err
	}
	s.logger.Printf("WorkflowService: resumed %s into %s", id, state.Phase)
	return state, nil
}

// RecordSession attaches an executor session ID to the workflow.
func (s *WorkflowService) RecordSession(id, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.Load(id)
	if err != nil {
		return err
	}
	return s.apply(state, domain.WorkflowPayload{Type: domain.EventSessionRecorded, Session: sessionID})
}

// RecordNote appends a note event to the workflow's log.
func (s *WorkflowService) RecordNote(id, author, category, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.Load(id)
	if err != nil {
		return err
	}
	return s.apply(state, domain.NotePayload{Author: author, Category: category, Content: content})
}

// ResetFeature is the operator-initiated reset of a failed feature back
// to not_started, the only backward status move besides retry. feature
// matches by feature ID or name.
func (s *WorkflowService) ResetFeature(id, feature, reason string) (*domain.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	target := state.FeatureByID(feature)
	if target == nil {
		for i := range state.Features {
			if state.Features[i].Name == feature {
				target = &state.Features[i]
				break
			}
		}
	}
	if target == nil {
		return nil, fmt.Errorf("workflow %s: no feature %q", id, feature)
	}
	// Validate on a copy; the real move happens when the event folds.
	scratch := *target
	if err := scratch.Reset(); err != nil {
		return nil, err
	}
	payload := domain.FeaturePayload{
		Type:       domain.EventFeatureReset,
		FeatureID:  target.ID,
		Name:       target.Name,
		Diagnostic: reason,
	}
	if err := s.apply(state, payload); err != nil {
		return nil, err
	}
	s.logger.Printf("WorkflowService: reset feature %s on %s", target.ID, id)
	return state, nil
}
