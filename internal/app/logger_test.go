package app

import (
	"errors"
	"sync"
	"testing"

	"github.com/jaakkos/loomwork/internal/domain"
)

func TestAppendAssignsGaplessSeq(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		ev, err := env.events.Append("wf-1", domain.WorkflowPayload{Type: domain.EventSessionRecorded})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if ev.Seq != int64(i+1) {
			t.Errorf("append %d assigned seq %d", i, ev.Seq)
		}
		if ev.ID == "" {
			t.Error("event has no ID")
		}
	}

	indexed, _ := env.index.Query("wf-1", "", 0)
	journaled, _ := env.journal.Read("wf-1")
	if len(indexed) != 5 || len(journaled) != 5 {
		t.Errorf("index has %d events, journal has %d, want 5 each", len(indexed), len(journaled))
	}
}

func TestAppendNilPayload(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.events.Append("wf-1", nil); err == nil {
		t.Error("expected error for nil payload")
	}
}

func TestAppendConcurrent(t *testing.T) {
	env := newTestEnv(t)

	const writers = 8
	const perWriter = 20
	var wg sync.WaitGroup
	errCh := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := env.events.Append("wf-1", domain.WorkflowPayload{Type: domain.EventSessionRecorded}); err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent append: %v", err)
	}

	events, _ := env.index.Query("wf-1", "", 0)
	if len(events) != writers*perWriter {
		t.Fatalf("expected %d events, got %d", writers*perWriter, len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("gap at position %d: seq %d", i, ev.Seq)
		}
	}
}

func TestAppendKeepsWorkflowsIndependent(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		if _, err := env.events.Append("wf-a", domain.WorkflowPayload{Type: domain.EventSessionRecorded}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	ev, err := env.events.Append("wf-b", domain.WorkflowPayload{Type: domain.EventSessionRecorded})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ev.Seq != 1 {
		t.Errorf("second workflow started at seq %d", ev.Seq)
	}
}

func TestObserve(t *testing.T) {
	env := newTestEnv(t)

	var seen []domain.Event
	env.events.Observe(func(ev domain.Event) { seen = append(seen, ev) })

	if _, err := env.events.Append("wf-1", domain.WorkflowPayload{Type: domain.EventWorkflowCreated, Name: "x"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(seen) != 1 || seen[0].Type != domain.EventWorkflowCreated {
		t.Errorf("observer saw %d events", len(seen))
	}
}

func TestAppendOnceReturnsExisting(t *testing.T) {
	env := newTestEnv(t)

	payload := domain.MessagePayload{Type: domain.EventEscalationTimedOut, ThreadID: "th-1"}
	match := func(ev domain.Event) bool {
		p, ok := ev.Payload.(domain.MessagePayload)
		return ok && p.ThreadID == "th-1"
	}

	first, appended, err := env.events.AppendOnce("wf-1", payload, match)
	if err != nil {
		t.Fatalf("AppendOnce: %v", err)
	}
	if !appended {
		t.Fatal("first AppendOnce did not append")
	}
	second, appended, err := env.events.AppendOnce("wf-1", payload, match)
	if err != nil {
		t.Fatalf("AppendOnce: %v", err)
	}
	if appended {
		t.Error("second AppendOnce appended a duplicate")
	}
	if second.ID != first.ID || second.Seq != first.Seq {
		t.Errorf("second call returned %+v, want the original event", second)
	}

	events, _ := env.events.Query("wf-1", domain.EventEscalationTimedOut, 0)
	if len(events) != 1 {
		t.Errorf("escalation_timed_out events = %d, want 1", len(events))
	}

	// A different thread gets its own event.
	_, appended, err = env.events.AppendOnce("wf-1", domain.MessagePayload{
		Type: domain.EventEscalationTimedOut, ThreadID: "th-2",
	}, func(ev domain.Event) bool {
		p, ok := ev.Payload.(domain.MessagePayload)
		return ok && p.ThreadID == "th-2"
	})
	if err != nil || !appended {
		t.Errorf("AppendOnce for a new thread: appended=%v err=%v", appended, err)
	}
}

func TestAppendOnceConcurrent(t *testing.T) {
	env := newTestEnv(t)

	const callers = 8
	var wg sync.WaitGroup
	appends := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, appended, err := env.events.AppendOnce("wf-1", domain.MessagePayload{
				Type: domain.EventEscalationTimedOut, ThreadID: "th-1",
			}, func(ev domain.Event) bool {
				p, ok := ev.Payload.(domain.MessagePayload)
				return ok && p.ThreadID == "th-1"
			})
			if err != nil {
				t.Errorf("AppendOnce: %v", err)
				return
			}
			appends <- appended
		}()
	}
	wg.Wait()
	close(appends)

	wrote := 0
	for appended := range appends {
		if appended {
			wrote++
		}
	}
	if wrote != 1 {
		t.Errorf("%d callers appended, want exactly 1", wrote)
	}
	events, _ := env.events.Query("wf-1", domain.EventEscalationTimedOut, 0)
	if len(events) != 1 {
		t.Errorf("escalation_timed_out events = %d, want 1", len(events))
	}
}

func TestVerifyAgreeingSides(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		if _, err := env.events.Append("wf-1", domain.WorkflowPayload{Type: domain.EventSessionRecorded}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := env.events.Verify("wf-1"); err != nil {
		t.Errorf("Verify on consistent store: %v", err)
	}
}

func TestRepairAfterJournalWriteFailure(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		if _, err := env.events.Append("wf-1", domain.WorkflowPayload{Type: domain.EventSessionRecorded}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// The crash case: index insert succeeds, journal write does not.
	env.journal.failAppends = 1
	if _, err := env.events.Append("wf-1", domain.WorkflowPayload{Type: domain.EventSessionRecorded}); err == nil {
		t.Fatal("expected append to surface the journal failure")
	}

	if err := env.events.Verify("wf-1"); !errors.Is(err, ErrLogDiverged) {
		t.Fatalf("expected divergence before repair, got %v", err)
	}

	copied, err := env.events.Repair("wf-1")
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if copied != 1 {
		t.Errorf("Repair copied %d events, want 1", copied)
	}
	if err := env.events.Verify("wf-1"); err != nil {
		t.Errorf("Verify after repair: %v", err)
	}

	repaired, err := env.events.Query("wf-1", domain.EventLogRepaired, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(repaired) != 1 {
		t.Fatalf("expected one log_repaired event, got %d", len(repaired))
	}
	p, ok := repaired[0].Payload.(domain.RepairPayload)
	if !ok {
		t.Fatalf("expected RepairPayload, got %T", repaired[0].Payload)
	}
	if p.Side != "journal" || p.Rebuilt != 1 || p.FromSeq != 4 {
		t.Errorf("repair payload = %+v", p)
	}
}

func TestRepairAfterIndexLoss(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 4; i++ {
		if _, err := env.events.Append("wf-1", domain.WorkflowPayload{Type: domain.EventSessionRecorded}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	env.index.dropTail("wf-1", 2)

	copied, err := env.events.Repair("wf-1")
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if copied != 2 {
		t.Errorf("Repair copied %d events, want 2", copied)
	}

	repaired, _ := env.events.Query("wf-1", domain.EventLogRepaired, 0)
	if len(repaired) != 1 {
		t.Fatalf("expected one log_repaired event, got %d", len(repaired))
	}
	if p := repaired[0].Payload.(domain.RepairPayload); p.Side != "indexed" {
		t.Errorf("repair side = %s, want indexed", p.Side)
	}
	if err := env.events.Verify("wf-1"); err != nil {
		t.Errorf("Verify after repair: %v", err)
	}
}

func TestRepairNoopWhenConsistent(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.events.Append("wf-1", domain.WorkflowPayload{Type: domain.EventSessionRecorded}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	copied, err := env.events.Repair("wf-1")
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if copied != 0 {
		t.Errorf("Repair on consistent store copied %d events", copied)
	}
	repaired, _ := env.events.Query("wf-1", domain.EventLogRepaired, 0)
	if len(repaired) != 0 {
		t.Errorf("no-op repair appended %d log_repaired events", len(repaired))
	}
}

func TestRepairRejectsConflictingContent(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.events.Append("wf-1", domain.WorkflowPayload{Type: domain.EventSessionRecorded}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Overwrite the journal with a same-length log of different events.
	env.journal.Rewrite("wf-1", []domain.Event{{
		ID: "foreign", WorkflowID: "wf-1", Seq: 1, Type: domain.EventWorkflowFailed,
	}})

	if _, err := env.events.Repair("wf-1"); !errors.Is(err, ErrLogDiverged) {
		t.Errorf("expected ErrLogDiverged, got %v", err)
	}
	if err := env.events.Verify("wf-1"); !errors.Is(err, ErrLogDiverged) {
		t.Errorf("expected Verify to report divergence, got %v", err)
	}
}

func TestDuplicateSeqSurfaces(t *testing.T) {
	env := newTestEnv(t)

	ev, err := env.events.Append("wf-1", domain.WorkflowPayload{Type: domain.EventSessionRecorded})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	dup := ev
	dup.ID = "dup"
	if err := env.index.Insert(dup); !errors.Is(err, ErrDuplicateSeq) {
		t.Errorf("expected ErrDuplicateSeq, got %v", err)
	}
}
