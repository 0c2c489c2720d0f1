package app

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/jaakkos/loomwork/internal/domain"
)

const (
	// defaultWatchdogInterval is how often the watchdog runs its checks.
	defaultWatchdogInterval = 60 * time.Second
)

// Watchdog recovers from engines that died mid-workflow. It runs
// periodically and:
// - Reclaims stale workflow lockfiles left behind by dead processes
// - Times out escalations whose paused workflow has waited past the
//   response window with no engine alive to notice
// - Verifies both persistence sides agree, repairing after a crash
//   landed an event on only one of them
type Watchdog struct {
	workflows  *WorkflowService
	events     *EventLogger
	escalation *EscalationService
	locks      *LockManager
	logger     *log.Logger
	interval   time.Duration
	awaitLimit time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// WatchdogOption configures the watchdog.
type WatchdogOption func(*Watchdog)

// WithWatchdogInterval sets the check interval.
func WithWatchdogInterval(d time.Duration) WatchdogOption {
	return func(w *Watchdog) { w.interval = d }
}

// NewWatchdog creates a watchdog. awaitLimit is how long a paused
// workflow may wait on an escalation before the watchdog times the
// thread out on the dead engine's behalf.
func NewWatchdog(workflows *WorkflowService, events *EventLogger, escalation *EscalationService, locks *LockManager,
	awaitLimit time.Duration, logger *log.Logger, opts ...WatchdogOption) *Watchdog {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	w := &Watchdog{
		workflows:  workflows,
		events:     events,
		escalation: escalation,
		locks:      locks,
		logger:     logger,
		interval:   defaultWatchdogInterval,
		awaitLimit: awaitLimit,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start begins the watchdog loop. Returns when ctx is cancelled or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	defer close(w.doneCh)
	w.logger.Printf("Watchdog: started (interval=%s, await_limit=%s)", w.interval, w.awaitLimit)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Println("Watchdog: stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Println("Watchdog: stopped")
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// Stop signals the watchdog to stop.
func (w *Watchdog) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// CheckOnce runs one watchdog cycle (for testing or manual trigger).
func (w *Watchdog) CheckOnce() {
	w.check()
}

func (w *Watchdog) check() {
	for _, id := range w.locks.SweepStale() {
		w.logger.Printf("Watchdog: reclaimed stale lock for %s", id)
	}
	w.sweepStore()
	w.sweepEscalations()
}

// sweepStore verifies every workflow's two persistence sides and
// repairs the ones a crash left asymmetric.
func (w *Watchdog) sweepStore() {
	ids, err := w.events.Workflows()
	if err != nil {
		w.logger.Printf("Watchdog: listing workflows: %v", err)
		return
	}
	for _, id := range ids {
		if err := w.events.Verify(id); err == nil {
			continue
		}
		copied, err := w.events.Repair(id)
		if err != nil {
			w.logger.Printf("Watchdog: repair %s failed: %v", id, err)
			continue
		}
		if copied > 0 {
			w.logger.Printf("Watchdog: repaired %s, copied %d events", id, copied)
		}
	}
}

// sweepEscalations times out escalation threads whose workflow is
// paused with nobody waiting. The per-thread dedup in recordTimeout
// keeps this safe to race with a live Await.
func (w *Watchdog) sweepEscalations() {
	states, err := w.workflows.List()
	if err != nil {
		w.logger.Printf("Watchdog: listing states: %v", err)
		return
	}
	now := time.Now()
	for _, state := range states {
		if state.Phase != domain.PhasePaused || !state.WaitingForResponse || state.PendingThreadID == "" {
			continue
		}
		raisedAt, ok := w.threadRaisedAt(state.ID, state.PendingThreadID)
		if !ok || now.Sub(raisedAt) <= w.awaitLimit {
			continue
		}
		if err := w.escalation.recordTimeout(state.ID, state.PendingThreadID); err != nil {
			w.logger.Printf("Watchdog: timing out thread %s: %v", state.PendingThreadID, err)
		}
	}
}

func (w *Watchdog) threadRaisedAt(workflowID, threadID string) (time.Time, bool) {
	events, err := w.events.Query(workflowID, domain.EventEscalationRaised, 0)
	if err != nil {
		return time.Time{}, false
	}
	for _, ev := range events {
		if p, ok := ev.Payload.(domain.MessagePayload); ok && p.ThreadID == threadID {
			return ev.Timestamp, true
		}
	}
	return time.Time{}, false
}
