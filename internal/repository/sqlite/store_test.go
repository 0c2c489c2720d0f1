package sqlite

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaakkos/loomwork/internal/app"
	"github.com/jaakkos/loomwork/internal/domain"
)

func newTestStore(t *testing.T) app.EventIndex {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testEvent(workflowID string, seq int64, typ domain.EventType) domain.Event {
	return domain.Event{
		ID:         "ev-" + workflowID + "-" + time.Now().Format("150405.000000000"),
		WorkflowID: workflowID,
		Seq:        seq,
		Type:       typ,
		Timestamp:  time.Now().UTC(),
		Payload:    domain.WorkflowPayload{Type: typ, Name: "test"},
	}
}

func TestInsertAndQuery(t *testing.T) {
	store := newTestStore(t)

	ev1 := testEvent("wf-1", 1, domain.EventWorkflowCreated)
	ev2 := testEvent("wf-1", 2, domain.EventImplementing)
	ev2.ID = ev1.ID + "-b"
	for _, ev := range []domain.Event{ev1, ev2} {
		if err := store.Insert(ev); err != nil {
			t.Fatalf("Insert seq %d: %v", ev.Seq, err)
		}
	}

	events, err := store.Query("wf-1", "", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Errorf("events out of order: %d, %d", events[0].Seq, events[1].Seq)
	}
	if events[0].Type != domain.EventWorkflowCreated {
		t.Errorf("expected workflow_created, got %s", events[0].Type)
	}
	p, ok := events[0].Payload.(domain.WorkflowPayload)
	if !ok {
		t.Fatalf("expected WorkflowPayload, got %T", events[0].Payload)
	}
	if p.Name != "test" {
		t.Errorf("payload name = %q, want test", p.Name)
	}
}

func TestQueryFilters(t *testing.T) {
	store := newTestStore(t)

	types := []domain.EventType{
		domain.EventWorkflowCreated,
		domain.EventImplementing,
		domain.EventWorkflowCompleted,
	}
	for i, typ := range types {
		ev := testEvent("wf-1", int64(i+1), typ)
		ev.ID = ev.ID + string(rune('a'+i))
		if err := store.Insert(ev); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	byType, err := store.Query("wf-1", domain.EventImplementing, 0)
	if err != nil {
		t.Fatalf("Query by type: %v", err)
	}
	if len(byType) != 1 || byType[0].Seq != 2 {
		t.Errorf("type filter returned %d events", len(byType))
	}

	since, err := store.Query("wf-1", "", 1)
	if err != nil {
		t.Fatalf("Query since: %v", err)
	}
	if len(since) != 2 {
		t.Errorf("sinceSeq=1 returned %d events, want 2", len(since))
	}
	for _, ev := range since {
		if ev.Seq <= 1 {
			t.Errorf("sinceSeq filter leaked seq %d", ev.Seq)
		}
	}

	other, err := store.Query("wf-other", "", 0)
	if err != nil {
		t.Fatalf("Query other: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no events for unknown workflow, got %d", len(other))
	}
}

func TestDuplicateSeqRejected(t *testing.T) {
	store := newTestStore(t)

	ev := testEvent("wf-1", 1, domain.EventWorkflowCreated)
	if err := store.Insert(ev); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	dup := ev
	dup.ID = ev.ID + "-dup"
	err := store.Insert(dup)
	if err == nil {
		t.Fatal("expected duplicate seq to be rejected")
	}
	if !errors.Is(err, app.ErrDuplicateSeq) {
		t.Errorf("expected ErrDuplicateSeq, got %v", err)
	}
}

func TestMaxSeq(t *testing.T) {
	store := newTestStore(t)

	max, err := store.MaxSeq("wf-1")
	if err != nil {
		t.Fatalf("MaxSeq empty: %v", err)
	}
	if max != 0 {
		t.Errorf("empty workflow MaxSeq = %d, want 0", max)
	}

	for seq := int64(1); seq <= 3; seq++ {
		ev := testEvent("wf-1", seq, domain.EventSessionRecorded)
		ev.ID = ev.ID + string(rune('a'+seq))
		if err := store.Insert(ev); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	max, err = store.MaxSeq("wf-1")
	if err != nil {
		t.Fatalf("MaxSeq: %v", err)
	}
	if max != 3 {
		t.Errorf("MaxSeq = %d, want 3", max)
	}
}

func TestWorkflows(t *testing.T) {
	store := newTestStore(t)

	for i, id := range []string{"wf-b", "wf-a", "wf-b"} {
		ev := testEvent(id, int64(i/2+1), domain.EventWorkflowCreated)
		ev.ID = ev.ID + string(rune('a'+i))
		if err := store.Insert(ev); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	ids, err := store.Workflows()
	if err != nil {
		t.Fatalf("Workflows: %v", err)
	}
	if len(ids) != 2 || ids[0] != "wf-a" || ids[1] != "wf-b" {
		t.Errorf("Workflows = %v, want [wf-a wf-b]", ids)
	}
}

func TestUnknownEventTypeRoundTrip(t *testing.T) {
	store := newTestStore(t)

	ev := domain.Event{
		ID:         "ev-raw",
		WorkflowID: "wf-1",
		Seq:        1,
		Type:       domain.EventType("future_event"),
		Timestamp:  time.Now().UTC(),
		Payload:    domain.RawPayload{Type: "future_event", Data: []byte(`{"x":1}`)},
	}
	if err := store.Insert(ev); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	events, err := store.Query("wf-1", "", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	raw, ok := events[0].Payload.(domain.RawPayload)
	if !ok {
		t.Fatalf("expected RawPayload, got %T", events[0].Payload)
	}
	if string(raw.Data) != `{"x":1}` {
		t.Errorf("raw payload = %s", raw.Data)
	}
}
