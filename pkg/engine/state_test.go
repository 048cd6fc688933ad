package engine

import (
	"context"
	"testing"
)

func TestStateMachine_RecordHistoryAppends(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	sm := NewStateMachine(store)
	_ = store.CreateTransaction(ctx, &Transaction{ID: "tx1", Status: TransactionRunning})

	run := &TaskRun{ID: "run1", TaskID: "a", NodeUID: "n1", Status: TaskRunRunning}
	if err := sm.RecordHistory(ctx, "tx1", run); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	first := run.Seq
	if err := sm.RecordHistory(ctx, "tx1", run); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if run.Seq == first {
		t.Error("Expected a new sequence number for the second append")
	}

	history, err := sm.History(ctx, "tx1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 rows for the same run id, got %d", len(history))
	}
	if history[0].ID != "run1" || history[1].ID != "run1" {
		t.Error("Expected both rows to carry the same run id")
	}
}

func TestStateMachine_RecordHistoryRejectsForeignRun(t *testing.T) {
	sm := NewStateMachine(newMemStore())
	run := &TaskRun{ID: "run1", TransactionID: "other", Status: TaskRunPending}

	if err := sm.RecordHistory(context.Background(), "tx1", run); err == nil {
		t.Fatal("Expected error for a run of another transaction, got nil")
	}
}

func TestStateMachine_RecordHistoryRejectsInvalidStatus(t *testing.T) {
	sm := NewStateMachine(newMemStore())
	run := &TaskRun{ID: "run1", Status: "finished"}

	if err := sm.RecordHistory(context.Background(), "tx1", run); err == nil {
		t.Fatal("Expected error for an invalid status, got nil")
	}
}

func TestStateMachine_HistoryUnknownTransaction(t *testing.T) {
	sm := NewStateMachine(newMemStore())
	_, err := sm.History(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("Expected not found, got: %v", err)
	}
}

func TestLatestRuns(t *testing.T) {
	runs := []TaskRun{
		{Seq: 1, TaskID: "a", NodeUID: "n1", Status: TaskRunPending},
		{Seq: 2, TaskID: "a", NodeUID: "n2", Status: TaskRunPending},
		{Seq: 3, TaskID: "a", NodeUID: "n1", Status: TaskRunRunning},
		{Seq: 4, TaskID: "a", NodeUID: "n1", Status: TaskRunReady},
	}

	latest := LatestRuns(runs)
	if len(latest) != 2 {
		t.Fatalf("Expected 2 latest rows, got %d", len(latest))
	}
	if latest[0].NodeUID != "n2" || latest[0].Status != TaskRunPending {
		t.Errorf("Unexpected first row: %+v", latest[0])
	}
	if latest[1].NodeUID != "n1" || latest[1].Status != TaskRunReady {
		t.Errorf("Unexpected second row: %+v", latest[1])
	}
}

func TestDeriveStatus(t *testing.T) {
	compute := map[string]Threshold{"compute": {UIDs: []string{"n1", "n2", "n3", "n4"}, Percentage: 25}}

	tests := []struct {
		name     string
		tx       Transaction
		runs     []TaskRun
		expected TransactionStatus
	}{
		{
			name:     "pending without runs",
			tx:       Transaction{Status: TransactionPending},
			expected: TransactionPending,
		},
		{
			name: "running while non-terminal",
			tx:   Transaction{Status: TransactionRunning},
			runs: []TaskRun{
				{TaskID: "a", NodeUID: "n1", Status: TaskRunReady},
				{TaskID: "a", NodeUID: "n2", Status: TaskRunRunning},
			},
			expected: TransactionRunning,
		},
		{
			name:     "running between stages",
			tx:       Transaction{Status: TransactionRunning},
			runs:     []TaskRun{{TaskID: "a", NodeUID: "n1", Status: TaskRunReady}},
			expected: TransactionRunning,
		},
		{
			name: "ready with skipped",
			tx:   Transaction{Status: TransactionReady},
			runs: []TaskRun{
				{TaskID: "a", NodeUID: "n1", Status: TaskRunReady},
				{TaskID: "b", NodeUID: "n1", Status: TaskRunSkipped},
			},
			expected: TransactionReady,
		},
		{
			name:     "tolerated failure",
			tx:       Transaction{Status: TransactionReady, Thresholds: compute},
			runs:     []TaskRun{{TaskID: "a", NodeUID: "n3", Status: TaskRunError}},
			expected: TransactionReady,
		},
		{
			name: "threshold exceeded",
			tx:   Transaction{Status: TransactionRunning, Thresholds: compute},
			runs: []TaskRun{
				{TaskID: "a", NodeUID: "n1", Status: TaskRunError},
				{TaskID: "a", NodeUID: "n2", Status: TaskRunError},
			},
			expected: TransactionError,
		},
		{
			name:     "aborted",
			tx:       Transaction{Status: TransactionError},
			expected: TransactionError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := tt.tx
			if got := DeriveStatus(&tx, tt.runs); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestSnapshot_Unchanged(t *testing.T) {
	g := mustBuild(t, []Task{
		execTask("keystone", []string{"controller"}),
		execTask("nova", []string{"compute"}),
	})
	nodes := []Node{
		{UID: "ctrl", Roles: []string{"controller"}},
		{UID: "cmp", Roles: []string{"compute"}},
	}
	old := NewSnapshot("tx1", "default", g, nodes)

	changed := mustBuild(t, []Task{
		execTask("keystone", []string{"controller"}),
		{ID: "nova", Type: TaskTypeExec, Roles: []string{"compute"}, Parameters: Parameters{Exec: &ExecParams{Cmd: "nova upgrade"}}},
	})
	next := NewSnapshot("tx2", "default", changed, nodes)

	unchanged := Unchanged(old, next)
	if !unchanged["ctrl"] {
		t.Error("Expected controller to be unchanged")
	}
	if unchanged["cmp"] {
		t.Error("Expected compute to be changed")
	}
	if len(Unchanged(nil, next)) != 0 {
		t.Error("Expected nothing unchanged without a previous snapshot")
	}

	without := next.Without([]string{"cmp"})
	if _, ok := without.Nodes["cmp"]; ok {
		t.Error("Expected cmp to be removed")
	}
	if _, ok := next.Nodes["cmp"]; !ok {
		t.Error("Expected Without not to mutate the snapshot")
	}
}
