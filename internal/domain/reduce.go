package domain

import "fmt"

// Apply folds one event into the workflow state. Events are validated
// when they are emitted, so Apply sets fields directly instead of
// re-checking transition rules; replaying the same log always produces
// the same state. Unknown event types are no-ops.
func (w *WorkflowState) Apply(ev Event) error {
	switch p := ev.Payload.(type) {
	case WorkflowPayload:
		w.applyWorkflow(ev, p)
	case FeaturePayload:
		if err := w.applyFeature(ev, p); err != nil {
			return err
		}
	case MessagePayload:
		w.applyMessage(ev, p)
	}
	w.LastEventSeq = ev.Seq
	w.UpdatedAt = ev.Timestamp
	return nil
}

func (w *WorkflowState) applyWorkflow(ev Event, p WorkflowPayload) {
	switch ev.Type {
	case EventWorkflowCreated:
		w.ID = ev.WorkflowID
		w.Name = p.Name
		w.Phase = PhasePlanning
		w.MaxIterations = p.MaxIterations
		w.CreatedAt = ev.Timestamp
	case EventImplementing:
		w.Phase = PhaseImplementing
	case EventVerifying:
		w.Phase = PhaseVerifying
	case EventWorkflowPaused:
		w.PausedFrom = w.Phase
		w.Phase = PhasePaused
		w.WaitingForResponse = true
	case EventWorkflowResumed:
		if w.PausedFrom != "" {
			w.Phase = w.PausedFrom
		}
		w.PausedFrom = ""
		w.WaitingForResponse = false
		w.PendingThreadID = ""
	case EventWorkflowCompleted:
		w.Phase = PhaseComplete
	case EventWorkflowFailed:
		w.Phase = PhaseFailed
	case EventSessionRecorded:
		if p.Session != "" {
			w.SessionIDs = append(w.SessionIDs, p.Session)
		}
	}
}

func (w *WorkflowState) applyFeature(ev Event, p FeaturePayload) error {
	switch ev.Type {
	case EventFeatureAdded:
		w.Features = append(w.Features, Feature{
			ID:          p.FeatureID,
			Name:        p.Name,
			Description: p.Description,
			Status:      FeatureNotStarted,
		})
		return nil
	case EventExecutorInvoked:
		w.IterationCount++
		return nil
	case EventCostRecorded:
		w.AccumulatedCost += p.Cost
		return nil
	case EventExecutorTimedOut, EventIterationLimit, EventBlockerDetected,
		EventVerificationPassed, EventVerificationFailed:
		return nil
	}

	f := w.FeatureByID(p.FeatureID)
	if f == nil {
		return fmt.Errorf("event %s seq %d: unknown feature %s", ev.Type, ev.Seq, p.FeatureID)
	}
	switch ev.Type {
	case EventFeatureStarted:
		if err := f.Advance(FeatureInProgress); err != nil {
			return fmt.Errorf("event %s seq %d: %w", ev.Type, ev.Seq, err)
		}
		for i := range w.Features {
			if w.Features[i].ID == p.FeatureID {
				w.CurrentFeatureIndex = i
			}
		}
	case EventFeatureCompleted:
		if err := f.Advance(FeatureCompleted); err != nil {
			return fmt.Errorf("event %s seq %d: %w", ev.Type, ev.Seq, err)
		}
	case EventFeatureFailed:
		if err := f.Advance(FeatureFailed); err != nil {
			return fmt.Errorf("event %s seq %d: %w", ev.Type, ev.Seq, err)
		}
	case EventFeatureRetried:
		// The one sanctioned backward move besides Reset: a retried
		// feature goes back to in_progress regardless of how the
		// previous attempt ended.
		f.Status = FeatureInProgress
	case EventFeatureReset:
		if err := f.Reset(); err != nil {
			return fmt.Errorf("event %s seq %d: %w", ev.Type, ev.Seq, err)
		}
	}
	return nil
}

func (w *WorkflowState) applyMessage(ev Event, p MessagePayload) {
	switch ev.Type {
	case EventEscalationRaised:
		w.PendingThreadID = p.ThreadID
	}
	// escalation_resolved and escalation_timed_out do not touch the
	// state: a paused workflow keeps waiting_for_response until
	// workflow_resumed, and the thread outcome lives in the mailbox
	// projection.
}

// Replay builds a workflow state from scratch by folding every event in
// order.
func Replay(events []Event) (*WorkflowState, error) {
	w := &WorkflowState{}
	for _, ev := range events {
		if err := w.Apply(ev); err != nil {
			return nil, err
		}
	}
	return w, nil
}
