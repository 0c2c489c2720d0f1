package app

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/jaakkos/loomwork/internal/domain"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// memIndex is an in-memory EventIndex with the same duplicate-seq
// semantics as the SQLite store.
type memIndex struct {
	mu     sync.Mutex
	events map[string][]domain.Event
}

func newMemIndex() *memIndex {
	return &memIndex{events: make(map[string][]domain.Event)}
}

func (m *memIndex) Insert(ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.events[ev.WorkflowID] {
		if existing.Seq == ev.Seq {
			return fmt.Errorf("event %s seq %d: %w", ev.WorkflowID, ev.Seq, ErrDuplicateSeq)
		}
	}
	m.events[ev.WorkflowID] = append(m.events[ev.WorkflowID], ev)
	sort.Slice(m.events[ev.WorkflowID], func(a, b int) bool {
		return m.events[ev.WorkflowID][a].Seq < m.events[ev.WorkflowID][b].Seq
	})
	return nil
}

func (m *memIndex) Query(workflowID string, eventType domain.EventType, sinceSeq int64) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, ev := range m.events[workflowID] {
		if ev.Seq <= sinceSeq {
			continue
		}
		if eventType != "" && ev.Type != eventType {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *memIndex) MaxSeq(workflowID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[workflowID]
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Seq, nil
}

func (m *memIndex) Workflows() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memIndex) Close() error { return nil }

// dropTail discards the last n indexed events, simulating a lost
// database tail.
func (m *memIndex) dropTail(workflowID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[workflowID]
	if n > len(events) {
		n = len(events)
	}
	m.events[workflowID] = events[:len(events)-n]
}

// memJournal is an in-memory Journal. failAppends makes the next
// appends fail, simulating a crash between the two persistence writes.
type memJournal struct {
	mu          sync.Mutex
	logs        map[string][]domain.Event
	failAppends int
}

func newMemJournal() *memJournal {
	return &memJournal{logs: make(map[string][]domain.Event)}
}

func (m *memJournal) Append(ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppends > 0 {
		m.failAppends--
		return fmt.Errorf("journal write failed")
	}
	m.logs[ev.WorkflowID] = append(m.logs[ev.WorkflowID], ev)
	return nil
}

func (m *memJournal) Read(workflowID string) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.logs[workflowID]...), nil
}

func (m *memJournal) Rewrite(workflowID string, events []domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[workflowID] = append([]domain.Event(nil), events...)
	return nil
}

// memStates is an in-memory StateStore. States are copied through JSON
// so callers cannot alias the stored snapshot. loadErr, when set, is
// returned by every Load, simulating a broken snapshot store.
type memStates struct {
	mu      sync.Mutex
	states  map[string][]byte
	loadErr error
}

func newMemStates() *memStates {
	return &memStates{states: make(map[string][]byte)}
}

func (m *memStates) Save(state *domain.WorkflowState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.states[state.ID] = data
	m.mu.Unlock()
	return nil
}

func (m *memStates) Load(workflowID string) (*domain.WorkflowState, error) {
	m.mu.Lock()
	data, ok := m.states[workflowID]
	err := m.loadErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotFound)
	}
	var state domain.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (m *memStates) setLoadErr(err error) {
	m.mu.Lock()
	m.loadErr = err
	m.mu.Unlock()
}

func (m *memStates) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStates) Exists(workflowID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[workflowID]
	return ok
}

// memSnaps is an in-memory SnapshotStore.
type memSnaps struct {
	mu    sync.Mutex
	snaps map[string]ProjectionSnapshot
	saves int
}

func newMemSnaps() *memSnaps {
	return &memSnaps{snaps: make(map[string]ProjectionSnapshot)}
}

func (m *memSnaps) SaveSnapshot(workflowID, name string, snap ProjectionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[workflowID+"/"+name] = snap
	m.saves++
	return nil
}

func (m *memSnaps) LoadSnapshot(workflowID, name string) (*ProjectionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[workflowID+"/"+name]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// memMail is an in-memory MailStore backed by a real directory for
// InboxDir, so the fsnotify path in Await has something to watch.
type memMail struct {
	dir string

	mu      sync.Mutex
	inboxes map[string]map[string]domain.Message
}

func newMemMail(t *testing.T) *memMail {
	t.Helper()
	return &memMail{dir: t.TempDir(), inboxes: make(map[string]map[string]domain.Message)}
}

func (m *memMail) Deliver(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inboxes[msg.To] == nil {
		m.inboxes[msg.To] = make(map[string]domain.Message)
	}
	m.inboxes[msg.To][msg.ID] = msg
	return nil
}

func (m *memMail) Inbox(agent string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var msgs []domain.Message
	for _, msg := range m.inboxes[agent] {
		msgs = append(msgs, msg)
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

func (m *memMail) Get(agent, messageID string) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.inboxes[agent][messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, ErrMessageNotFound)
	}
	return &msg, nil
}

func (m *memMail) Update(agent string, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inboxes[agent][msg.ID]; !ok {
		return fmt.Errorf("message %s: %w", msg.ID, ErrMessageNotFound)
	}
	m.inboxes[agent][msg.ID] = msg
	return nil
}

func (m *memMail) InboxDir(agent string) (string, error) {
	dir := filepath.Join(m.dir, agent, "inbox")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// testEnv bundles the fakes behind one event logger.
type testEnv struct {
	index   *memIndex
	journal *memJournal
	states  *memStates
	snaps   *memSnaps
	mail    *memMail
	events  *EventLogger
	log     *log.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()
	env := &testEnv{
		index:   newMemIndex(),
		journal: newMemJournal(),
		states:  newMemStates(),
		snaps:   newMemSnaps(),
		mail:    newMemMail(t),
		log:     logger,
	}
	env.events = NewEventLogger(env.index, env.journal, logger)
	return env
}
