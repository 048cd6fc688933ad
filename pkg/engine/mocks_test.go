package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Persistence.
type memStore struct {
	mu           sync.Mutex
	transactions map[string]*Transaction
	runs         []TaskRun
	snapshots    []Snapshot
	seq          int64
}

func newMemStore() *memStore {
	return &memStore{transactions: make(map[string]*Transaction)}
}

func (m *memStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[tx.ID]; ok {
		return fmt.Errorf("transaction exists: %s", tx.ID)
	}
	c := *tx
	m.transactions[tx.ID] = &c
	return nil
}

func (m *memStore) UpdateTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.transactions[tx.ID]
	if !ok {
		return NewPermanentError("transaction not found", nil).WithCode(ErrCodeNotFound).WithResource(tx.ID)
	}
	if stored.Status.IsTerminal() {
		return NewConflictError("transaction already "+string(stored.Status), nil).
			WithCode(ErrCodeConflict).WithResource(tx.ID)
	}
	c := *tx
	m.transactions[tx.ID] = &c
	return nil
}

func (m *memStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, NewPermanentError("transaction not found", nil).WithCode(ErrCodeNotFound).WithResource(id)
	}
	c := *tx
	return &c, nil
}

func (m *memStore) AppendTaskRun(ctx context.Context, run *TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	run.Seq = m.seq
	m.runs = append(m.runs, *run)
	return nil
}

func (m *memStore) ListTaskRuns(ctx context.Context, transactionID string) ([]TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskRun, 0)
	for _, r := range m.runs {
		if r.TransactionID == transactionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, *snap)
	return nil
}

func (m *memStore) LatestSnapshot(ctx context.Context, clusterID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		if m.snapshots[i].ClusterID == clusterID {
			s := m.snapshots[i]
			return &s, nil
		}
	}
	return nil, nil
}

// memNodes is an in-memory NodeRegistry and LivenessStore.
type memNodes struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

func newMemNodes(nodes ...Node) *memNodes {
	m := &memNodes{nodes: make(map[string]*Node)}
	for i := range nodes {
		n := nodes[i]
		m.nodes[n.UID] = &n
	}
	return m
}

func (m *memNodes) ListNodes(ctx context.Context) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (m *memNodes) GetNode(ctx context.Context, uid string) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[uid]
	if !ok {
		return nil, NewPermanentError("node not found", nil).WithCode(ErrCodeNotFound).WithResource(uid)
	}
	c := *n
	return &c, nil
}

func (m *memNodes) SetNodeStatus(ctx context.Context, uid string, status NodeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[uid]
	if !ok {
		return fmt.Errorf("node not found: %s", uid)
	}
	n.Status = status
	return nil
}

func (m *memNodes) SetNodeOnline(ctx context.Context, uid string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[uid]
	if !ok {
		return fmt.Errorf("node not found: %s", uid)
	}
	n.Online = online
	return nil
}

func (m *memNodes) RecordHeartbeat(ctx context.Context, uid string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[uid]
	if !ok {
		return fmt.Errorf("node not found: %s", uid)
	}
	n.LastHeartbeat = at
	return nil
}

func (m *memNodes) get(uid string) Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.nodes[uid]
}

// staticAttrs is a fixed ClusterAttributes.
type staticAttrs map[string]string

func (a staticAttrs) Attributes(ctx context.Context, clusterID string) (map[string]string, error) {
	return map[string]string(a), nil
}

// mockHandle is a CompletionHandle fed by mockTransport.
type mockHandle struct {
	id string
	ch chan Completion
}

func (h *mockHandle) ID() string              { return h.id }
func (h *mockHandle) Done() <-chan Completion { return h.ch }

// mockTransport completes tasks after a delay. Failures are keyed by
// "task/node"; unreachable and hanging nodes are keyed by uid.
type mockTransport struct {
	mu          sync.Mutex
	delay       time.Duration
	fail        map[string]bool
	unreachable map[string]bool
	hang        map[string]bool
	sent        []string
	cancelled   []string
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		delay:       5 * time.Millisecond,
		fail:        make(map[string]bool),
		unreachable: make(map[string]bool),
		hang:        make(map[string]bool),
	}
}

func (m *mockTransport) Send(ctx context.Context, node Node, task Task) (CompletionHandle, error) {
	m.mu.Lock()
	m.sent = append(m.sent, task.ID+"/"+node.UID)
	unreachable := m.unreachable[node.UID]
	hang := m.hang[node.UID]
	fail := m.fail[task.ID+"/"+node.UID]
	delay := m.delay
	m.mu.Unlock()

	if unreachable {
		return nil, errors.New("connection refused")
	}

	h := &mockHandle{id: uuid.New().String(), ch: make(chan Completion, 1)}
	if hang {
		return h, nil
	}
	go func() {
		defer close(h.ch)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			h.ch <- Completion{Status: TaskRunError, Err: ctx.Err()}
			return
		}
		if fail {
			h.ch <- Completion{Status: TaskRunError, Err: errors.New("exit status 1")}
			return
		}
		h.ch <- Completion{Status: TaskRunReady, Summary: []byte(`{"exit_code":0}`)}
	}()
	return h, nil
}

func (m *mockTransport) Cancel(handle CompletionHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, handle.ID())
	return nil
}

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockTransport) cancelledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancelled)
}

func (m *mockTransport) wasSent(taskID, uid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sent {
		if s == taskID+"/"+uid {
			return true
		}
	}
	return false
}

// recordingSink collects notifications.
type recordingSink struct {
	mu     sync.Mutex
	events []Notification
}

func (s *recordingSink) Notify(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, n)
}

func (s *recordingSink) topics() []NotificationTopic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NotificationTopic, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Topic)
	}
	return out
}

func execTask(id string, roles []string, requires ...string) Task {
	return Task{
		ID:         id,
		Type:       TaskTypeExec,
		Roles:      roles,
		Stage:      StageDeployment,
		Requires:   requires,
		Parameters: Parameters{Exec: &ExecParams{Cmd: "echo " + id}},
	}
}

func computeNodes(n int) []Node {
	nodes := make([]Node, 0, n)
	for i := 1; i <= n; i++ {
		nodes = append(nodes, Node{
			UID:           fmt.Sprintf("node%d", i),
			Roles:         []string{"compute"},
			Status:        NodeStatusDiscover,
			Online:        true,
			LastHeartbeat: time.Now(),
		})
	}
	return nodes
}
