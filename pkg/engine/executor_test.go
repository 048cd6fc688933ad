package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func collect(ch <-chan TaskRun) map[string]TaskRun {
	out := make(map[string]TaskRun)
	for run := range ch {
		out[run.TaskID+"/"+run.NodeUID] = run
	}
	return out
}

func newTestDispatcher(transport Transport, store *memStore, timeout time.Duration) *Dispatcher {
	return NewDispatcher(
		DispatcherConfig{MaxParallel: 4, DispatchTimeout: timeout},
		transport, nil, NewStateMachine(store), nil, nil, zerolog.Nop(),
	)
}

func TestNewDispatcher_Defaults(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, newMockTransport(), nil, nil, nil, nil, zerolog.Nop())
	if d.maxParallel != 10 {
		t.Errorf("Expected default maxParallel=10, got %d", d.maxParallel)
	}
	if d.timeout != 30*time.Minute {
		t.Errorf("Expected default timeout of 30m, got %s", d.timeout)
	}
}

func TestDispatchBatch_RoleFiltering(t *testing.T) {
	transport := newMockTransport()
	store := newMemStore()
	d := newTestDispatcher(transport, store, time.Second)

	nodes := []Node{
		{UID: "ctrl", Roles: []string{"controller"}},
		{UID: "cmp", Roles: []string{"compute"}},
	}
	tasks := []Task{
		execTask("keystone", []string{"controller"}),
		execTask("nova-compute", []string{"compute"}),
		execTask("hiera", []string{"controller", "compute"}),
	}

	runs := collect(d.DispatchBatch(context.Background(), "tx1", tasks, nodes))
	if len(runs) != 4 {
		t.Fatalf("Expected 4 runs, got %d: %v", len(runs), runs)
	}
	for key, run := range runs {
		if run.Status != TaskRunReady {
			t.Errorf("Expected %s to be ready, got %s", key, run.Status)
		}
	}
	if _, ok := runs["keystone/cmp"]; ok {
		t.Error("Expected keystone not to run on a compute node")
	}
}

func TestDispatchBatch_HistoryTransitions(t *testing.T) {
	store := newMemStore()
	d := newTestDispatcher(newMockTransport(), store, time.Second)

	collect(d.DispatchBatch(context.Background(), "tx1",
		[]Task{execTask("a", []string{"controller"})},
		[]Node{{UID: "n1", Roles: []string{"controller"}}}))

	runs, _ := store.ListTaskRuns(context.Background(), "tx1")
	if len(runs) != 3 {
		t.Fatalf("Expected pending, running and ready rows, got %d", len(runs))
	}
	expected := []TaskRunStatus{TaskRunPending, TaskRunRunning, TaskRunReady}
	for i, r := range runs {
		if r.Status != expected[i] {
			t.Errorf("Row %d: expected %s, got %s", i, expected[i], r.Status)
		}
		if r.ID != runs[0].ID {
			t.Errorf("Expected every row to share the run id")
		}
	}
}

func TestDispatchBatch_TaskFailure(t *testing.T) {
	transport := newMockTransport()
	transport.fail["a/n1"] = true
	d := newTestDispatcher(transport, newMemStore(), time.Second)

	runs := collect(d.DispatchBatch(context.Background(), "tx1",
		[]Task{execTask("a", []string{"controller"})},
		[]Node{{UID: "n1", Roles: []string{"controller"}}, {UID: "n2", Roles: []string{"controller"}}}))

	if runs["a/n1"].Status != TaskRunError {
		t.Errorf("Expected a/n1 to fail, got %s", runs["a/n1"].Status)
	}
	if runs["a/n2"].Status != TaskRunReady {
		t.Errorf("Expected a/n2 to succeed, got %s", runs["a/n2"].Status)
	}

	var summary map[string]interface{}
	if err := json.Unmarshal(runs["a/n1"].Summary, &summary); err != nil {
		t.Fatalf("Expected JSON summary, got: %v", err)
	}
	if summary["error"] != "exit status 1" {
		t.Errorf("Expected error in summary, got %v", summary)
	}
}

func TestDispatchBatch_TransportError(t *testing.T) {
	transport := newMockTransport()
	transport.unreachable["n1"] = true
	d := newTestDispatcher(transport, newMemStore(), time.Second)

	runs := collect(d.DispatchBatch(context.Background(), "tx1",
		[]Task{execTask("a", []string{"controller"})},
		[]Node{{UID: "n1", Roles: []string{"controller"}}}))

	run := runs["a/n1"]
	if run.Status != TaskRunError {
		t.Fatalf("Expected error, got %s", run.Status)
	}
	var summary map[string]interface{}
	_ = json.Unmarshal(run.Summary, &summary)
	if summary["code"] != ErrCodeTransport {
		t.Errorf("Expected transport error code, got %v", summary["code"])
	}
}

func TestDispatchBatch_Timeout(t *testing.T) {
	transport := newMockTransport()
	transport.hang["n1"] = true
	d := newTestDispatcher(transport, newMemStore(), 50*time.Millisecond)

	start := time.Now()
	runs := collect(d.DispatchBatch(context.Background(), "tx1",
		[]Task{execTask("a", []string{"controller"})},
		[]Node{{UID: "n1", Roles: []string{"controller"}}}))

	if time.Since(start) > 5*time.Second {
		t.Fatal("Expected the deadline to end the run")
	}
	run := runs["a/n1"]
	if run.Status != TaskRunError {
		t.Fatalf("Expected timeout to be an error, got %s", run.Status)
	}
	var summary map[string]interface{}
	_ = json.Unmarshal(run.Summary, &summary)
	if summary["code"] != ErrCodeDispatchTimeout {
		t.Errorf("Expected dispatch timeout code, got %v", summary["code"])
	}
	if len(transport.cancelled) != 1 {
		t.Errorf("Expected the handle to be cancelled, got %d cancellations", len(transport.cancelled))
	}
}

func TestDispatchBatch_TaskTimeoutOverride(t *testing.T) {
	transport := newMockTransport()
	transport.hang["n1"] = true
	d := newTestDispatcher(transport, newMemStore(), time.Hour)

	task := execTask("a", []string{"controller"})
	task.Timeout = 20 * time.Millisecond
	runs := collect(d.DispatchBatch(context.Background(), "tx1", []Task{task},
		[]Node{{UID: "n1", Roles: []string{"controller"}}}))

	if runs["a/n1"].Status != TaskRunError {
		t.Errorf("Expected per-task deadline to apply, got %s", runs["a/n1"].Status)
	}
}

func TestDispatchBatch_AbortSkipsRuns(t *testing.T) {
	transport := newMockTransport()
	transport.hang["n1"] = true
	transport.hang["n2"] = true
	d := newTestDispatcher(transport, newMemStore(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	ch := d.DispatchBatch(ctx, "tx1",
		[]Task{execTask("a", []string{"controller"})},
		[]Node{{UID: "n1", Roles: []string{"controller"}}, {UID: "n2", Roles: []string{"controller"}}})

	time.AfterFunc(20*time.Millisecond, cancel)
	runs := collect(ch)

	for key, run := range runs {
		if run.Status != TaskRunSkipped {
			t.Errorf("Expected %s to be skipped after abort, got %s", key, run.Status)
		}
	}
	if len(transport.cancelled) != 2 {
		t.Errorf("Expected both handles to be cancelled, got %d", len(transport.cancelled))
	}
}

func TestDispatchBatch_GroupAndSkippedTasks(t *testing.T) {
	transport := newMockTransport()
	d := newTestDispatcher(transport, newMemStore(), time.Second)

	tasks := []Task{
		{ID: "controller", Type: TaskTypeGroup, Roles: []string{"controller"}},
		{ID: "swift", Type: TaskTypeSkipped, Roles: []string{"controller"}},
	}
	runs := collect(d.DispatchBatch(context.Background(), "tx1", tasks,
		[]Node{{UID: "n1", Roles: []string{"controller"}}}))

	if runs["controller/n1"].Status != TaskRunReady {
		t.Errorf("Expected group task to be ready, got %s", runs["controller/n1"].Status)
	}
	if runs["swift/n1"].Status != TaskRunSkipped {
		t.Errorf("Expected skipped task to be skipped, got %s", runs["swift/n1"].Status)
	}
	if transport.sentCount() != 0 {
		t.Errorf("Expected nothing sent to the transport, got %d", transport.sentCount())
	}
}

func TestHandlerTable_RejectsNonDispatchable(t *testing.T) {
	_, err := NewHandlerTable(map[TaskType]Handler{TaskTypeGroup: HandlerFunc(sendTask)})
	if err == nil {
		t.Fatal("Expected error registering a group handler, got nil")
	}
}

func TestHandlerTable_CustomHandler(t *testing.T) {
	called := make(chan string, 1)
	table, err := NewHandlerTable(map[TaskType]Handler{
		TaskTypeExec: HandlerFunc(func(ctx context.Context, tr Transport, node Node, task Task) (CompletionHandle, error) {
			called <- task.ID
			return tr.Send(ctx, node, task)
		}),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	d := NewDispatcher(DispatcherConfig{}, newMockTransport(), table, nil, nil, nil, zerolog.Nop())
	runs := collect(d.DispatchBatch(context.Background(), "tx1",
		[]Task{execTask("a", []string{"controller"})},
		[]Node{{UID: "n1", Roles: []string{"controller"}}}))

	if runs["a/n1"].Status != TaskRunReady {
		t.Errorf("Expected ready, got %s", runs["a/n1"].Status)
	}
	if got := <-called; got != "a" {
		t.Errorf("Expected custom handler to see task a, got %s", got)
	}
}
