// Package journal persists the file-backed half of the event store:
// per-workflow append-only event logs, workflow state snapshots,
// projection snapshots, and agent mailboxes. Everything lives under a
// single state directory so a workflow can be inspected (or rescued)
// with nothing but a text editor.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jaakkos/loomwork/internal/app"
	"github.com/jaakkos/loomwork/internal/domain"
)

// Journal is a file-based implementation of app.Journal, app.StateStore,
// app.SnapshotStore and app.MailStore rooted at a state directory.
type Journal struct {
	root string
}

// New creates the state directory if needed and returns a Journal.
func New(root string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Join(root, "workflows"), 0755); err != nil {
		return nil, fmt.Errorf("journal mkdir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "mail"), 0755); err != nil {
		return nil, fmt.Errorf("journal mkdir: %w", err)
	}
	return &Journal{root: root}, nil
}

func (j *Journal) workflowDir(id string) string {
	return filepath.Join(j.root, "workflows", id)
}

func (j *Journal) logPath(id string) string {
	return filepath.Join(j.workflowDir(id), "events.log")
}

func (j *Journal) statePath(id string) string {
	return filepath.Join(j.workflowDir(id), "state.json")
}

// Append writes one event as a JSON line at the end of the workflow's log.
func (j *Journal) Append(ev domain.Event) error {
	if err := os.MkdirAll(j.workflowDir(ev.WorkflowID), 0755); err != nil {
		return fmt.Errorf("journal append mkdir: %w", err)
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("journal append marshal: %w", err)
	}
	f, err := os.OpenFile(j.logPath(ev.WorkflowID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("journal append open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal append write: %w", err)
	}
	return f.Sync()
}

// Read returns every event in the workflow's log in file order. A
// missing log is an empty history, not an error.
func (j *Journal) Read(workflowID string) ([]domain.Event, error) {
	data, err := os.ReadFile(j.logPath(workflowID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal read: %w", err)
	}
	var events []domain.Event
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("journal %s line %d: %w", workflowID, i+1, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Rewrite atomically replaces the workflow's log with the given events.
// Used by repair after the indexed side has been confirmed authoritative.
func (j *Journal) Rewrite(workflowID string, events []domain.Event) error {
	if err := os.MkdirAll(j.workflowDir(workflowID), 0755); err != nil {
		return fmt.Errorf("journal rewrite mkdir: %w", err)
	}
	var buf strings.Builder
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("journal rewrite marshal: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return atomicWrite(j.logPath(workflowID), []byte(buf.String()))
}

// Save writes the workflow snapshot via temp file and rename so readers
// never observe a partial state.json.
func (j *Journal) Save(state *domain.WorkflowState) error {
	if err := os.MkdirAll(j.workflowDir(state.ID), 0755); err != nil {
		return fmt.Errorf("state save mkdir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("state save marshal: %w", err)
	}
	return atomicWrite(j.statePath(state.ID), data)
}

// Load reads one workflow snapshot.
func (j *Journal) Load(workflowID string) (*domain.WorkflowState, error) {
	data, err := os.ReadFile(j.statePath(workflowID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, app.ErrWorkflowNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("state load: %w", err)
	}
	var state domain.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("state load %s: %w", workflowID, err)
	}
	return &state, nil
}

// Exists reports whether a snapshot exists for workflowID.
func (j *Journal) Exists(workflowID string) bool {
	_, err := os.Stat(j.statePath(workflowID))
	return err == nil
}

// List returns the IDs of all workflows with a saved snapshot.
func (j *Journal) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(j.root, "workflows"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state list: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if j.Exists(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveSnapshot persists one projection snapshot for a workflow.
func (j *Journal) SaveSnapshot(workflowID, name string, snap app.ProjectionSnapshot) error {
	dir := filepath.Join(j.workflowDir(workflowID), "projections")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("snapshot mkdir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot marshal: %w", err)
	}
	return atomicWrite(filepath.Join(dir, name+".json"), data)
}

// LoadSnapshot returns the stored snapshot for (workflowID, name),
// or nil when none has been written yet.
func (j *Journal) LoadSnapshot(workflowID, name string) (*app.ProjectionSnapshot, error) {
	path := filepath.Join(j.workflowDir(workflowID), "projections", name+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot load: %w", err)
	}
	var snap app.ProjectionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot load %s/%s: %w", workflowID, name, err)
	}
	return &snap, nil
}

func (j *Journal) mailboxDir(agent, box string) string {
	return filepath.Join(j.root, "mail", agent, box)
}

// Deliver writes the message to the recipient's inbox and a copy to the
// sender's outbox.
func (j *Journal) Deliver(msg domain.Message) error {
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("mail marshal: %w", err)
	}
	for _, dir := range []string{j.mailboxDir(msg.To, "inbox"), j.mailboxDir(msg.From, "outbox")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mail mkdir: %w", err)
		}
		if err := atomicWrite(filepath.Join(dir, msg.ID+".json"), data); err != nil {
			return fmt.Errorf("mail deliver: %w", err)
		}
	}
	return nil
}

// Inbox returns every message in the agent's inbox, highest priority
// first and oldest first within a priority.
func (j *Journal) Inbox(agent string) ([]domain.Message, error) {
	dir := j.mailboxDir(agent, "inbox")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mail inbox: %w", err)
	}
	var msgs []domain.Message
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("mail read %s: %w", e.Name(), err)
		}
		var m domain.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("mail parse %s: %w", e.Name(), err)
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(a, b int) bool {
		ra, rb := msgs[a].Priority.Rank(), msgs[b].Priority.Rank()
		if ra != rb {
			return ra < rb
		}
		return msgs[a].CreatedAt.Before(msgs[b].CreatedAt)
	})
	return msgs, nil
}

// InboxDir returns (and creates) the agent's inbox directory.
func (j *Journal) InboxDir(agent string) (string, error) {
	dir := j.mailboxDir(agent, "inbox")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("mail mkdir: %w", err)
	}
	return dir, nil
}

// Get returns one inbox message by ID.
func (j *Journal) Get(agent, messageID string) (*domain.Message, error) {
	data, err := os.ReadFile(filepath.Join(j.mailboxDir(agent, "inbox"), messageID+".json"))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("message %s: %w", messageID, app.ErrMessageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mail get: %w", err)
	}
	var m domain.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("mail parse %s: %w", messageID, err)
	}
	return &m, nil
}

// Update rewrites an existing inbox message in place (read flags,
// awaiting-response state).
func (j *Journal) Update(agent string, msg domain.Message) error {
	path := filepath.Join(j.mailboxDir(agent, "inbox"), msg.ID+".json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("message %s: %w", msg.ID, app.ErrMessageNotFound)
	}
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("mail marshal: %w", err)
	}
	return atomicWrite(path, data)
}

// atomicWrite writes data to a temp file in the same directory and
// renames it over path.
func atomicWrite(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
