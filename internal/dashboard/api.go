// Package dashboard provides a web dashboard and read-only JSON API
// over workflows, their event logs and projections, plus a bounded
// server-sent-events stream of live events.
package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jaakkos/loomwork/internal/app"
	"github.com/jaakkos/loomwork/internal/domain"
)

// WorkflowSummary is one row in the /api/workflows response.
type WorkflowSummary struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Phase           string    `json:"phase"`
	Features        int       `json:"features"`
	FeaturesDone    int       `json:"features_done"`
	IterationCount  int       `json:"iteration_count"`
	MaxIterations   int       `json:"max_iterations"`
	AccumulatedCost float64   `json:"accumulated_cost"`
	Waiting         bool      `json:"waiting_for_response"`
	LastEventSeq    int64     `json:"last_event_seq"`
	UpdatedAt       time.Time `json:"updated_at"`
	Age             string    `json:"age"`
}

// Handler holds dependencies for dashboard HTTP handlers.
type Handler struct {
	workflows *app.WorkflowService
	events    *app.EventLogger
	projector *app.Projector
	limiter   *StreamLimiter
	broker    *Broker
}

// NewHandler creates a dashboard handler. The broker must be attached
// to the event logger by the caller.
func NewHandler(workflows *app.WorkflowService, events *app.EventLogger, projector *app.Projector, limiter *StreamLimiter, broker *Broker) *Handler {
	return &Handler{
		workflows: workflows,
		events:    events,
		projector: projector,
		limiter:   limiter,
		broker:    broker,
	}
}

// RegisterRoutes adds dashboard routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/workflows", h.handleWorkflows)
	mux.HandleFunc("/api/workflows/", h.handleWorkflow)
	mux.HandleFunc("/api/events", h.handleEvents)
	mux.HandleFunc("/api/projections", h.handleProjections)
	mux.HandleFunc("/api/stream", h.handleStream)
	mux.HandleFunc("/dashboard", h.handleDashboard)
	mux.HandleFunc("/dashboard/", h.handleDashboard)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	states, err := h.workflows.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	phase := r.URL.Query().Get("phase")
	now := time.Now()
	summaries := make([]WorkflowSummary, 0, len(states))
	for _, s := range states {
		if phase != "" && string(s.Phase) != phase {
			continue
		}
		summaries = append(summaries, summarize(s, now))
	}
	writeJSON(w, http.StatusOK, summaries)
}

func summarize(s *domain.WorkflowState, now time.Time) WorkflowSummary {
	done := 0
	for _, f := range s.Features {
		if f.Status == domain.FeatureCompleted {
			done++
		}
	}
	return WorkflowSummary{
		ID:              s.ID,
		Name:            s.Name,
		Phase:           string(s.Phase),
		Features:        len(s.Features),
		FeaturesDone:    done,
		IterationCount:  s.IterationCount,
		MaxIterations:   s.MaxIterations,
		AccumulatedCost: s.AccumulatedCost,
		Waiting:         s.WaitingForResponse,
		LastEventSeq:    s.LastEventSeq,
		UpdatedAt:       s.UpdatedAt,
		Age:             relTime(s.CreatedAt, now),
	}
}

func (h *Handler) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/workflows/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("workflow id required"))
		return
	}
	state, err := h.workflows.Load(id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, app.ErrWorkflowNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow")
	if workflowID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("workflow parameter required"))
		return
	}
	eventType := domain.EventType(r.URL.Query().Get("type"))
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad since %q", v))
			return
		}
		since = n
	}
	events, err := h.events.Query(workflowID, eventType, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleProjections(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow")
	if workflowID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("workflow parameter required"))
		return
	}
	name := r.URL.Query().Get("name")
	names := h.projector.Names()
	if name != "" {
		names = []string{name}
	}
	out := make(map[string]any, len(names))
	for _, n := range names {
		state, lastSeq, err := h.projector.Rebuild(workflowID, n)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out[n] = map[string]any{"last_seq": lastSeq, "state": state}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStream serves live events over SSE. Consumers are bounded per
// workflow and disconnected after the limiter's lifetime.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow")
	if workflowID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("workflow parameter required"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	if err := h.limiter.Acquire(workflowID); err != nil {
		writeError(w, http.StatusTooManyRequests, err)
		return
	}
	defer h.limiter.Release(workflowID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	replay, ch := h.broker.Subscribe(workflowID)
	defer h.broker.Unsubscribe(workflowID, ch)

	send := func(ev domain.Event) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	var lastSeq int64
	if v := r.URL.Query().Get("since"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			lastSeq = n
		}
	}
	for _, ev := range replay {
		if ev.Seq <= lastSeq {
			continue
		}
		if !send(ev) {
			return
		}
		lastSeq = ev.Seq
	}

	lifetime := time.NewTimer(h.limiter.Lifetime())
	defer lifetime.Stop()
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-lifetime.C:
			fmt.Fprint(w, "event: bye\ndata: lifetime exceeded\n\n")
			flusher.Flush()
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			if !send(ev) {
				return
			}
			lastSeq = ev.Seq
		}
	}
}

// relTime formats how long ago t was, coarsely.
func relTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
