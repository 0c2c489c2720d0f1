package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jaakkos/loomwork/internal/domain"
)

const maxRetryDelay = 2 * time.Minute

// ExecResult is what an executor returns for one feature attempt.
type ExecResult struct {
	Output    string
	SessionID string
	Cost      float64
}

// Executor runs one implementation attempt for a feature.
type Executor interface {
	Execute(ctx context.Context, wf *domain.WorkflowState, f domain.Feature) (ExecResult, error)
}

// Verifier checks whether a feature's implementation holds up. The
// string return is the diagnostic when it does not.
type Verifier interface {
	Verify(ctx context.Context, wf *domain.WorkflowState, f domain.Feature) (bool, string, error)
}

// BlockerDetector inspects executor output for signs the run needs a
// decision it cannot make itself.
type BlockerDetector interface {
	Detect(output string) (blocked bool, reason string)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRetryDelay sets the base delay before a feature retry. The delay
// doubles per attempt, capped at two minutes.
func WithRetryDelay(d time.Duration) EngineOption {
	return func(e *Engine) { e.retryDelay = d }
}

// WithAgentName sets the name the engine escalates as.
func WithAgentName(name string) EngineOption {
	return func(e *Engine) { e.agent = name }
}

// Engine drives a workflow feature by feature without human
// intervention: invoke the executor, verify, retry with backoff on
// failure, and pause with an escalation when a blocker needs a
// decision. Every step lands in the event log before the engine acts
// on it.
type Engine struct {
	workflows  *WorkflowService
	events     *EventLogger
	escalation *EscalationService
	locks      *LockManager
	executor   Executor
	verifier   Verifier
	detector   BlockerDetector
	logger     *log.Logger

	agent        string
	maxRetries   int
	execTimeout  time.Duration
	retryDelay   time.Duration
	awaitTimeout time.Duration
}

// NewEngine assembles an engine. maxRetries is additional attempts
// after the first; execTimeout bounds one executor invocation;
// awaitTimeout bounds the wait for an escalation reply.
func NewEngine(workflows *WorkflowService, events *EventLogger, escalation *EscalationService, locks *LockManager,
	executor Executor, verifier Verifier, detector BlockerDetector,
	maxRetries int, execTimeout, awaitTimeout time.Duration, logger *log.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	e := &Engine{
		workflows:    workflows,
		events:       events,
		escalation:   escalation,
		locks:        locks,
		executor:     executor,
		verifier:     verifier,
		detector:     detector,
		logger:       logger,
		agent:        "engine",
		maxRetries:   maxRetries,
		execTimeout:  execTimeout,
		retryDelay:   15 * time.Second,
		awaitTimeout: awaitTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run drives the workflow until it completes, fails, pauses on a
// blocker, or ctx is cancelled. Only one engine may run a workflow at
// a time; a second caller gets ErrWorkflowLocked.
func (e *Engine) Run(ctx context.Context, workflowID string) error {
	if err := e.locks.Acquire(workflowID); err != nil {
		return err
	}
	defer e.locks.Release(workflowID)

	state, err := e.workflows.Load(workflowID)
	if err != nil {
		return err
	}
	if state.Phase == domain.PhasePaused {
		return fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowPaused)
	}
	if state.Phase.Terminal() {
		return fmt.Errorf("workflow %s already %s", workflowID, state.Phase)
	}
	if state.Phase == domain.PhasePlanning {
		state, err = e.workflows.Transition(workflowID, domain.PhaseImplementing, "auto-continue")
		if err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		e.locks.Refresh(workflowID)

		feature := nextFeature(state)
		if feature == nil {
			return e.finish(workflowID, state)
		}
		state, err = e.runFeature(ctx, state, *feature)
		if err != nil {
			return err
		}
		if state.Phase.Terminal() || state.Phase == domain.PhasePaused {
			return nil
		}
	}
}

func nextFeature(state *domain.WorkflowState) *domain.Feature {
	for i := range state.Features {
		if state.Features[i].Status != domain.FeatureCompleted {
			return &state.Features[i]
		}
	}
	return nil
}

// runFeature drives one feature through attempts until it completes,
// exhausts retries, or hits a blocker.
func (e *Engine) runFeature(ctx context.Context, state *domain.WorkflowState, feature domain.Feature) (*domain.WorkflowState, error) {
	workflowID := state.ID
	delay := e.retryDelay

	for attempt := 1; attempt <= e.maxRetries+1; attempt++ {
		if state.IterationCount >= state.MaxIterations {
			if _, err := e.events.Append(workflowID, domain.FeaturePayload{
				Type:      domain.EventIterationLimit,
				FeatureID: feature.ID,
				Iteration: state.IterationCount,
			}); err != nil {
				return nil, err
			}
			e.logger.Printf("Engine: %s hit iteration limit %d", workflowID, state.MaxIterations)
			return e.workflows.Transition(workflowID, domain.PhaseFailed, "iteration limit reached")
		}

		startType := domain.EventFeatureStarted
		if attempt > 1 || feature.Status == domain.FeatureFailed {
			startType = domain.EventFeatureRetried
		}
		if _, err := e.events.Append(workflowID, domain.FeaturePayload{
			Type:      startType,
			FeatureID: feature.ID,
			Name:      feature.Name,
			Attempt:   attempt,
		}); err != nil {
			return nil, err
		}

		result, execErr := e.invoke(ctx, workflowID, state, feature, attempt)
		if execErr != nil && ctx.Err() != nil {
			return nil, execErr
		}

		if execErr == nil {
			if blocked, reason := e.detector.Detect(result.Output); blocked {
				return e.pauseOnBlocker(ctx, workflowID, feature, reason)
			}
			ok, diagnostic, err := e.verify(ctx, workflowID, state, feature)
			if err != nil {
				return nil, err
			}
			if ok {
				if _, err := e.events.Append(workflowID, domain.FeaturePayload{
					Type:      domain.EventFeatureCompleted,
					FeatureID: feature.ID,
					Attempt:   attempt,
				}); err != nil {
					return nil, err
				}
				return e.workflows.Load(workflowID)
			}
			execErr = errors.New(diagnostic)
		}

		if attempt > e.maxRetries {
			if _, err := e.events.Append(workflowID, domain.FeaturePayload{
				Type:       domain.EventFeatureFailed,
				FeatureID:  feature.ID,
				Attempt:    attempt,
				Diagnostic: execErr.Error(),
			}); err != nil {
				return nil, err
			}
			break
		}

		// Transient failure: the feature stays in_progress and the next
		// attempt opens with feature_retried.
		var loadErr error
		state, loadErr = e.workflows.Load(workflowID)
		if loadErr != nil {
			return nil, loadErr
		}
		e.logger.Printf("Engine: feature %s attempt %d failed, retrying in %s: %v", feature.ID, attempt, delay, execErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}

	e.logger.Printf("Engine: feature %s exhausted retries, failing workflow %s", feature.ID, workflowID)
	return e.workflows.Transition(workflowID, domain.PhaseFailed,
		fmt.Sprintf("feature %s failed after %d attempts", feature.Name, e.maxRetries+1))
}

// invoke runs the executor once under its timeout and records the
// invocation, session and cost events.
func (e *Engine) invoke(ctx context.Context, workflowID string, state *domain.WorkflowState, feature domain.Feature, attempt int) (ExecResult, error) {
	if _, err := e.events.Append(workflowID, domain.FeaturePayload{
		Type:      domain.EventExecutorInvoked,
		FeatureID: feature.ID,
		Attempt:   attempt,
	}); err != nil {
		return ExecResult{}, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.execTimeout)
	defer cancel()
	result, err := e.executor.Execute(execCtx, state, feature)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		if _, aerr := e.events.Append(workflowID, domain.FeaturePayload{
			Type:      domain.EventExecutorTimedOut,
			FeatureID: feature.ID,
			Attempt:   attempt,
		}); aerr != nil {
			return ExecResult{}, aerr
		}
		return ExecResult{}, fmt.Errorf("executor timed out after %s", e.execTimeout)
	}
	if err != nil {
		return ExecResult{}, err
	}

	if result.SessionID != "" {
		if err := e.workflows.RecordSession(workflowID, result.SessionID); err != nil {
			return ExecResult{}, err
		}
	}
	if result.Cost > 0 {
		if _, err := e.events.Append(workflowID, domain.FeaturePayload{
			Type:      domain.EventCostRecorded,
			FeatureID: feature.ID,
			Cost:      result.Cost,
		}); err != nil {
			return ExecResult{}, err
		}
	}
	return result, nil
}

func (e *Engine) verify(ctx context.Context, workflowID string, state *domain.WorkflowState, feature domain.Feature) (bool, string, error) {
	ok, diagnostic, err := e.verifier.Verify(ctx, state, feature)
	if err != nil {
		return false, "", fmt.Errorf("verify feature %s: %w", feature.ID, err)
	}
	typ := domain.EventVerificationFailed
	if ok {
		typ = domain.EventVerificationPassed
	}
	if _, err := e.events.Append(workflowID, domain.FeaturePayload{
		Type:       typ,
		FeatureID:  feature.ID,
		Diagnostic: diagnostic,
	}); err != nil {
		return false, "", err
	}
	return ok, diagnostic, nil
}

// pauseOnBlocker records the blocker, pauses the workflow and raises a
// coordinator escalation. A reply resumes the workflow and records the
// decision as a note; a timeout leaves the workflow paused.
func (e *Engine) pauseOnBlocker(ctx context.Context, workflowID string, feature domain.Feature, reason string) (*domain.WorkflowState, error) {
	if _, err := e.events.Append(workflowID, domain.FeaturePayload{
		Type:       domain.EventBlockerDetected,
		FeatureID:  feature.ID,
		Diagnostic: reason,
	}); err != nil {
		return nil, err
	}
	if _, err := e.workflows.Transition(workflowID, domain.PhasePaused, reason); err != nil {
		return nil, err
	}
	msg, err := e.escalation.Raise(workflowID, e.agent, "", domain.EscalationCoordinator,
		fmt.Sprintf("decision needed on feature %s", feature.Name), reason)
	if err != nil {
		return nil, err
	}

	reply, err := e.escalation.Await(ctx, workflowID, e.agent, msg.ThreadID, e.awaitTimeout)
	if err != nil {
		if errors.Is(err, ErrEscalationTimedOut) {
			e.logger.Printf("Engine: %s stays paused, thread %s unanswered", workflowID, msg.ThreadID)
			return e.workflows.Load(workflowID)
		}
		return nil, err
	}
	if err := e.workflows.RecordNote(workflowID, reply.From, "decision", reply.Body); err != nil {
		return nil, err
	}
	return e.workflows.Resume(workflowID, "decision received")
}

// finish runs the verification phase over the whole feature list and
// closes the workflow out.
func (e *Engine) finish(workflowID string, state *domain.WorkflowState) error {
	if state.Phase == domain.PhaseImplementing {
		var err error
		state, err = e.workflows.Transition(workflowID, domain.PhaseVerifying, "all features settled")
		if err != nil {
			return err
		}
	}
	if len(state.FailedFeatures()) > 0 {
		_, err := e.workflows.Transition(workflowID, domain.PhaseFailed, "failed features remain")
		return err
	}
	_, err := e.workflows.Transition(workflowID, domain.PhaseComplete, "all features verified")
	if err == nil {
		e.logger.Printf("Engine: workflow %s complete after %d iterations, cost %.2f",
			workflowID, state.IterationCount, state.AccumulatedCost)
	}
	return err
}
