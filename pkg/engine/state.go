package engine

import (
	"context"
	"fmt"
	"sort"
)

// StateMachine records task run history and derives transaction status
// from it. History is append-only: every call to RecordHistory produces a
// new row, even for a run id that was recorded before.
type StateMachine struct {
	store Persistence
}

// NewStateMachine creates a state machine over store.
func NewStateMachine(store Persistence) *StateMachine {
	return &StateMachine{store: store}
}

// RecordHistory appends one immutable history row for run and stores the
// assigned sequence number in run.Seq.
func (m *StateMachine) RecordHistory(ctx context.Context, transactionID string, run *TaskRun) error {
	if run.TransactionID == "" {
		run.TransactionID = transactionID
	}
	if run.TransactionID != transactionID {
		return NewPermanentError(
			fmt.Sprintf("task run belongs to transaction %s", run.TransactionID), nil).
			WithCode(ErrCodeConflict).WithResource(run.ID)
	}
	if err := run.Status.Validate(); err != nil {
		return NewPermanentError("invalid task run", err).WithResource(run.ID)
	}

	row := *run
	if err := m.store.AppendTaskRun(ctx, &row); err != nil {
		return fmt.Errorf("failed to append task run: %w", err)
	}
	run.Seq = row.Seq
	return nil
}

// History returns every history row of a transaction in append order.
func (m *StateMachine) History(ctx context.Context, transactionID string) ([]TaskRun, error) {
	if _, err := m.store.GetTransaction(ctx, transactionID); err != nil {
		return nil, err
	}
	runs, err := m.store.ListTaskRuns(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task runs: %w", err)
	}
	return runs, nil
}

// Status loads a transaction and its history and derives its status.
func (m *StateMachine) Status(ctx context.Context, transactionID string) (*StatusSnapshot, error) {
	tx, err := m.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	runs, err := m.store.ListTaskRuns(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task runs: %w", err)
	}

	latest := LatestRuns(runs)
	snap := &StatusSnapshot{
		Transaction: tx,
		Counts:      make(map[TaskRunStatus]int),
	}
	failed := make(map[string]bool)
	for _, r := range latest {
		snap.Counts[r.Status]++
		if r.Status == TaskRunError {
			failed[r.NodeUID] = true
		}
	}
	for uid := range failed {
		snap.FailedNodes = append(snap.FailedNodes, uid)
	}
	sort.Strings(snap.FailedNodes)
	snap.Status = DeriveStatus(tx, latest)
	return snap, nil
}

// LatestRuns reduces history to the most recent row per (task, node),
// ordered by sequence.
func LatestRuns(runs []TaskRun) []TaskRun {
	type key struct{ task, node string }
	idx := make(map[key]int)
	out := make([]TaskRun, 0)
	for _, r := range runs {
		k := key{r.TaskID, r.NodeUID}
		if i, ok := idx[k]; ok {
			if r.Seq >= out[i].Seq {
				out[i] = r
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// DeriveStatus computes the top-level status of a transaction:
// error once aborted or once failed runs exceed a role threshold, running
// while any run is non-terminal or the driver has not finished, and ready
// once the driver finished with every run ready or skipped.
func DeriveStatus(tx *Transaction, latest []TaskRun) TransactionStatus {
	if tx.Status == TransactionError {
		return TransactionError
	}

	failed := make(map[string]bool)
	for _, r := range latest {
		if r.Status == TaskRunError {
			failed[r.NodeUID] = true
		}
	}
	if thresholdExceeded(tx.Thresholds, failed) {
		return TransactionError
	}

	for _, r := range latest {
		if !r.Status.IsTerminal() {
			return TransactionRunning
		}
	}

	switch tx.Status {
	case TransactionReady:
		return TransactionReady
	case TransactionPending:
		if len(latest) == 0 {
			return TransactionPending
		}
	}
	return TransactionRunning
}

func thresholdExceeded(thresholds map[string]Threshold, failed map[string]bool) bool {
	if len(failed) == 0 {
		return false
	}
	for _, th := range thresholds {
		n := 0
		for _, uid := range th.UIDs {
			if failed[uid] {
				n++
			}
		}
		if n > th.Allowed() {
			return true
		}
	}
	return false
}
