package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// HistoryRecorder appends task run state changes.
type HistoryRecorder interface {
	RecordHistory(ctx context.Context, transactionID string, run *TaskRun) error
}

// DispatcherConfig tunes the dispatcher.
type DispatcherConfig struct {
	// MaxParallel bounds concurrent task runs within a batch.
	MaxParallel int

	// DispatchTimeout is the default per-run deadline.
	DispatchTimeout time.Duration
}

// Dispatcher fans a batch of tasks out to nodes and collects completions.
type Dispatcher struct {
	transport Transport
	handlers  *HandlerTable
	recorder  HistoryRecorder
	sink      NotificationSink
	observer  Observer
	logger    zerolog.Logger

	maxParallel int
	timeout     time.Duration
}

// NewDispatcher creates a dispatcher. sink and observer may be nil.
func NewDispatcher(
	cfg DispatcherConfig,
	transport Transport,
	handlers *HandlerTable,
	recorder HistoryRecorder,
	sink NotificationSink,
	observer Observer,
	logger zerolog.Logger,
) *Dispatcher {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 10
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Minute
	}
	if handlers == nil {
		handlers = DefaultHandlerTable()
	}
	if sink == nil {
		sink = nopSink{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Dispatcher{
		transport:   transport,
		handlers:    handlers,
		recorder:    recorder,
		sink:        sink,
		observer:    observer,
		logger:      logger.With().Str("component", "dispatcher").Logger(),
		maxParallel: cfg.MaxParallel,
		timeout:     cfg.DispatchTimeout,
	}
}

type dispatch struct {
	run  *TaskRun
	task Task
	node Node
}

// DispatchBatch creates one task run per (task, node) pair where the node
// carries one of the task's roles, records them as pending and sends them
// concurrently. Completions arrive on the returned channel in any order;
// the channel is closed once every run reached a terminal state.
//
// Cancelling ctx aborts the batch: runs not yet finished end as skipped and
// their transport handles are cancelled.
func (d *Dispatcher) DispatchBatch(ctx context.Context, transactionID string, tasks []Task, nodes []Node) <-chan TaskRun {
	sorted := append([]Node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UID < sorted[j].UID })

	batch := make([]dispatch, 0)
	for _, task := range tasks {
		for _, node := range sorted {
			if !task.RunsOn(&node) {
				continue
			}
			run := &TaskRun{
				ID:            uuid.New().String(),
				TransactionID: transactionID,
				TaskID:        task.ID,
				NodeUID:       node.UID,
				Status:        TaskRunPending,
			}
			d.record(ctx, run)
			batch = append(batch, dispatch{run: run, task: task, node: node})
		}
	}

	out := make(chan TaskRun, len(batch))
	go func() {
		defer close(out)

		var g errgroup.Group
		g.SetLimit(d.maxParallel)
		for _, item := range batch {
			g.Go(func() error {
				out <- d.execute(ctx, item)
				return nil
			})
		}
		// Workers never return errors; failures are reported as run states.
		_ = g.Wait()
	}()
	return out
}

// execute drives one run from pending to a terminal state.
func (d *Dispatcher) execute(ctx context.Context, item dispatch) TaskRun {
	run := item.run
	task := item.task
	start := time.Now()

	if ctx.Err() != nil {
		return d.finish(ctx, run, task, TaskRunSkipped, reasonSummary("transaction aborted"), start)
	}

	handler, dispatchable, err := d.handlers.Lookup(task)
	if err != nil {
		return d.finish(ctx, run, task, TaskRunError, errorSummary(err), start)
	}
	if !dispatchable {
		if task.Type == TaskTypeSkipped {
			return d.finish(ctx, run, task, TaskRunSkipped, reasonSummary("task skipped"), start)
		}
		return d.finish(ctx, run, task, TaskRunReady, nil, start)
	}

	timeout := d.timeout
	if task.Timeout > 0 {
		timeout = task.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handle, err := handler.Dispatch(runCtx, d.transport, item.node, task)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return d.finish(ctx, run, task, TaskRunSkipped, reasonSummary("transaction aborted"), start)
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			err = NewDispatchTimeoutError(task.ID, item.node.UID, err)
		case !IsTransportError(err):
			err = NewTransportError(item.node.UID, err)
		}
		return d.finish(ctx, run, task, TaskRunError, errorSummary(err), start)
	}

	run.Status = TaskRunRunning
	run.TimeStart = start
	d.record(ctx, run)

	select {
	case c, ok := <-handle.Done():
		if !ok {
			return d.finish(ctx, run, task, TaskRunError,
				errorSummary(NewTransportError(item.node.UID, fmt.Errorf("completion channel closed"))), start)
		}
		if c.Err != nil {
			return d.finish(ctx, run, task, TaskRunError, mergeSummary(c.Summary, c.Err), start)
		}
		if !c.Status.IsTerminal() {
			return d.finish(ctx, run, task, TaskRunError,
				mergeSummary(c.Summary, fmt.Errorf("non-terminal completion status %s", c.Status)), start)
		}
		return d.finish(ctx, run, task, c.Status, c.Summary, start)

	case <-runCtx.Done():
		if cerr := d.transport.Cancel(handle); cerr != nil {
			d.logger.Warn().Err(cerr).
				Str("handle", handle.ID()).
				Str("task_id", task.ID).
				Str("node_uid", item.node.UID).
				Msg("Failed to cancel task run")
		}
		if ctx.Err() != nil {
			return d.finish(ctx, run, task, TaskRunSkipped, reasonSummary("transaction aborted"), start)
		}
		return d.finish(ctx, run, task, TaskRunError,
			errorSummary(NewDispatchTimeoutError(task.ID, item.node.UID, runCtx.Err())), start)
	}
}

func (d *Dispatcher) finish(
	ctx context.Context,
	run *TaskRun,
	task Task,
	status TaskRunStatus,
	summary json.RawMessage,
	start time.Time,
) TaskRun {
	run.Status = status
	if run.TimeStart.IsZero() {
		run.TimeStart = start
	}
	run.TimeEnd = time.Now()
	run.Summary = summary

	d.record(ctx, run)
	d.observer.TaskRunFinished(task.Type, status, run.TimeEnd.Sub(start))

	d.sink.Notify(Notification{
		Topic:         TopicTaskRunFinished,
		Message:       fmt.Sprintf("task %s on node %s finished: %s", run.TaskID, run.NodeUID, status),
		TransactionID: run.TransactionID,
		NodeUID:       run.NodeUID,
		TaskID:        run.TaskID,
		Timestamp:     run.TimeEnd,
	})

	ev := d.logger.Debug()
	if status == TaskRunError {
		ev = d.logger.Warn().RawJSON("summary", nonEmptyJSON(summary))
	}
	ev.Str("transaction_id", run.TransactionID).
		Str("task_id", run.TaskID).
		Str("node_uid", run.NodeUID).
		Str("status", string(status)).
		Msg("Task run finished")

	return *run
}

func (d *Dispatcher) record(ctx context.Context, run *TaskRun) {
	if d.recorder == nil {
		return
	}
	// History must outlive an aborted transaction context.
	if err := d.recorder.RecordHistory(context.WithoutCancel(ctx), run.TransactionID, run); err != nil {
		d.logger.Error().Err(err).
			Str("transaction_id", run.TransactionID).
			Str("task_id", run.TaskID).
			Str("node_uid", run.NodeUID).
			Msg("Failed to record task run history")
	}
}

func errorSummary(err error) json.RawMessage {
	return mergeSummary(nil, err)
}

func mergeSummary(summary json.RawMessage, err error) json.RawMessage {
	m := make(map[string]interface{})
	if len(summary) > 0 {
		if uerr := json.Unmarshal(summary, &m); uerr != nil {
			m["output"] = string(summary)
		}
	}
	m["error"] = err.Error()
	var ee *EngineError
	if errors.As(err, &ee) && ee.Code != "" {
		m["code"] = ee.Code
	}
	data, _ := json.Marshal(m)
	return data
}

func reasonSummary(reason string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"reason": reason})
	return data
}

func nonEmptyJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
