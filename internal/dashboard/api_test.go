package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jaakkos/loomwork/internal/app"
	"github.com/jaakkos/loomwork/internal/domain"
	"github.com/jaakkos/loomwork/internal/repository/journal"
	"github.com/jaakkos/loomwork/internal/repository/sqlite"
)

type apiEnv struct {
	workflows *app.WorkflowService
	events    *app.EventLogger
	broker    *Broker
	mux       *http.ServeMux
}

func newAPIEnv(t *testing.T, limiter *StreamLimiter) *apiEnv {
	t.Helper()
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)

	jnl, err := journal.New(dir)
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}
	index, err := sqlite.New(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { index.Close() })

	events := app.NewEventLogger(index, jnl, logger)
	workflows := app.NewWorkflowService(events, jnl, 25, logger)
	projector := app.NewProjector(events, jnl, 100, logger)
	broker := NewBroker(256)
	events.Observe(broker.Publish)

	if limiter == nil {
		limiter = NewStreamLimiter(4, time.Minute)
	}
	h := NewHandler(workflows, events, projector, limiter, broker)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &apiEnv{workflows: workflows, events: events, broker: broker, mux: mux}
}

func (e *apiEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func TestAPIWorkflows(t *testing.T) {
	env := newAPIEnv(t, nil)

	state, err := env.workflows.Create("demo", []app.FeatureSpec{{Name: "a"}, {Name: "b"}}, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := env.get(t, "/api/workflows")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var summaries []WorkflowSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summaries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 workflow, got %d", len(summaries))
	}
	s := summaries[0]
	if s.ID != state.ID || s.Name != "demo" || s.Phase != "planning" || s.Features != 2 {
		t.Errorf("summary = %+v", s)
	}
}

func TestAPIWorkflowsPhaseFilter(t *testing.T) {
	env := newAPIEnv(t, nil)

	if _, err := env.workflows.Create("still planning", []app.FeatureSpec{{Name: "a"}}, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	active, err := env.workflows.Create("active", []app.FeatureSpec{{Name: "a"}}, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.workflows.Transition(active.ID, domain.PhaseImplementing, ""); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	w := env.get(t, "/api/workflows?phase=implementing")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var summaries []WorkflowSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summaries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(summaries) != 1 || summaries[0].ID != active.ID {
		t.Errorf("phase filter returned %+v", summaries)
	}

	// An unknown phase matches nothing rather than erroring.
	w = env.get(t, "/api/workflows?phase=bogus")
	if err := json.Unmarshal(w.Body.Bytes(), &summaries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(summaries) != 0 {
		t.Errorf("bogus phase returned %d workflows", len(summaries))
	}
}

func TestAPIWorkflowByID(t *testing.T) {
	env := newAPIEnv(t, nil)

	state, err := env.workflows.Create("demo", []app.FeatureSpec{{Name: "a"}}, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := env.get(t, "/api/workflows/"+state.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var got domain.WorkflowState
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != state.ID || len(got.Features) != 1 {
		t.Errorf("state = %+v", got)
	}

	if w := env.get(t, "/api/workflows/no-such-id"); w.Code != http.StatusNotFound {
		t.Errorf("missing workflow status = %d, want 404", w.Code)
	}
}

func TestAPIEvents(t *testing.T) {
	env := newAPIEnv(t, nil)

	state, err := env.workflows.Create("demo", []app.FeatureSpec{{Name: "a"}}, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := env.get(t, "/api/events?workflow="+state.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var events []domain.Event
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected workflow_created + feature_added, got %d", len(events))
	}

	w = env.get(t, "/api/events?workflow="+state.ID+"&type=feature_added")
	var filtered []domain.Event
	if err := json.Unmarshal(w.Body.Bytes(), &filtered); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Type != domain.EventFeatureAdded {
		t.Errorf("type filter returned %d events", len(filtered))
	}

	if w := env.get(t, "/api/events"); w.Code != http.StatusBadRequest {
		t.Errorf("missing workflow param status = %d, want 400", w.Code)
	}
	if w := env.get(t, "/api/events?workflow=x&since=abc"); w.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d, want 400", w.Code)
	}
}

func TestAPIProjections(t *testing.T) {
	env := newAPIEnv(t, nil)

	state, err := env.workflows.Create("demo", []app.FeatureSpec{{Name: "a"}}, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.events.Append(state.ID, domain.MessagePayload{
		Type: domain.EventMessageSent, MessageID: "m-1", ThreadID: "t-1", Subject: "hi",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	w := env.get(t, "/api/projections?workflow="+state.ID)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var out map[string]struct {
		LastSeq int64           `json:"last_seq"`
		State   json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := out["mailbox"]; !ok {
		t.Error("mailbox projection missing")
	}
	if _, ok := out["notes"]; !ok {
		t.Error("notes projection missing")
	}

	w = env.get(t, "/api/projections?workflow="+state.ID+"&name=mailbox")
	out = nil
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("name filter returned %d projections", len(out))
	}

	if w := env.get(t, "/api/projections?workflow="+state.ID+"&name=bogus"); w.Code != http.StatusInternalServerError {
		t.Errorf("unknown projection status = %d", w.Code)
	}
}

func TestStreamRejectsOverLimit(t *testing.T) {
	env := newAPIEnv(t, NewStreamLimiter(0, time.Minute))

	w := env.get(t, "/api/stream?workflow=wf-1")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestStreamRequiresWorkflow(t *testing.T) {
	env := newAPIEnv(t, nil)
	if w := env.get(t, "/api/stream"); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestStreamReplaysAndDisconnects(t *testing.T) {
	env := newAPIEnv(t, NewStreamLimiter(1, 30*time.Millisecond))

	state, err := env.workflows.Create("demo", []app.FeatureSpec{{Name: "a"}}, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest("GET", "/api/stream?workflow="+state.ID, nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)

	body := w.Body.String()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(body, "id: 1\n") {
		t.Errorf("replayed events missing from stream:\n%s", body)
	}
	// The lifetime cutoff says goodbye rather than silently dropping.
	if !strings.Contains(body, "event: bye") {
		t.Errorf("no bye event at lifetime:\n%s", body)
	}
}

func TestDashboardPage(t *testing.T) {
	env := newAPIEnv(t, nil)
	w := env.get(t, "/dashboard")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
}
