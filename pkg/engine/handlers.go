package engine

import (
	"context"
	"fmt"
	"sort"
)

// Handler sends one task of a specific type to one node.
type Handler interface {
	Dispatch(ctx context.Context, transport Transport, node Node, task Task) (CompletionHandle, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, transport Transport, node Node, task Task) (CompletionHandle, error)

// Dispatch calls f.
func (f HandlerFunc) Dispatch(ctx context.Context, transport Transport, node Node, task Task) (CompletionHandle, error) {
	return f(ctx, transport, node, task)
}

// HandlerTable maps dispatchable task types to handlers. It is built once
// at startup and read-only afterwards.
type HandlerTable struct {
	handlers map[TaskType]Handler
}

// NewHandlerTable builds a table from an explicit registration list.
// Group and skipped tasks are never dispatched and cannot be registered.
func NewHandlerTable(entries map[TaskType]Handler) (*HandlerTable, error) {
	t := &HandlerTable{handlers: make(map[TaskType]Handler, len(entries))}
	for typ, h := range entries {
		if err := typ.Validate(); err != nil {
			return nil, err
		}
		if !typ.Dispatchable() {
			return nil, fmt.Errorf("task type %s is not dispatchable", typ)
		}
		if h == nil {
			return nil, fmt.Errorf("nil handler for task type %s", typ)
		}
		t.handlers[typ] = h
	}
	return t, nil
}

// DefaultHandlerTable registers the transport handler for every dispatchable type.
func DefaultHandlerTable() *HandlerTable {
	send := HandlerFunc(sendTask)
	t, _ := NewHandlerTable(map[TaskType]Handler{
		TaskTypeExec:   send,
		TaskTypePuppet: send,
		TaskTypeSync:   send,
		TaskTypeUpload: send,
	})
	return t
}

// Has returns true if a handler is registered for typ.
func (t *HandlerTable) Has(typ TaskType) bool {
	_, ok := t.handlers[typ]
	return ok
}

// Types returns the registered task types, sorted.
func (t *HandlerTable) Types() []TaskType {
	out := make([]TaskType, 0, len(t.handlers))
	for typ := range t.handlers {
		out = append(out, typ)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lookup returns the handler for a task. ok is false for task types that
// complete without being sent to the node.
func (t *HandlerTable) Lookup(task Task) (h Handler, ok bool, err error) {
	switch task.Type {
	case TaskTypeGroup, TaskTypeSkipped:
		return nil, false, nil
	case TaskTypeExec, TaskTypePuppet, TaskTypeSync, TaskTypeUpload:
		h, found := t.handlers[task.Type]
		if !found {
			return nil, false, NewPermanentError(fmt.Sprintf("no handler for task type %s", task.Type), nil).
				WithCode(ErrCodeInternal).WithResource(task.ID)
		}
		return h, true, nil
	default:
		return nil, false, NewPermanentError(fmt.Sprintf("unknown task type %s", task.Type), nil).
			WithCode(ErrCodeInternal).WithResource(task.ID)
	}
}

func sendTask(ctx context.Context, transport Transport, node Node, task Task) (CompletionHandle, error) {
	return transport.Send(ctx, node, task)
}

// validateParameters checks that the parameter variant matching the task
// type is present and complete.
func validateParameters(t *Task) error {
	p := t.Parameters
	switch t.Type {
	case TaskTypeGroup, TaskTypeSkipped:
		return nil
	case TaskTypeExec:
		if p.Exec == nil || p.Exec.Cmd == "" {
			return NewGraphValidationError("exec task requires parameters.exec.cmd", t.ID)
		}
	case TaskTypePuppet:
		if p.Puppet == nil || p.Puppet.Manifest == "" {
			return NewGraphValidationError("puppet task requires parameters.puppet.manifest", t.ID)
		}
	case TaskTypeSync:
		if p.Sync == nil || p.Sync.Src == "" || p.Sync.Dst == "" {
			return NewGraphValidationError("sync task requires parameters.sync.src and dst", t.ID)
		}
	case TaskTypeUpload:
		if p.Upload == nil || p.Upload.Path == "" {
			return NewGraphValidationError("upload task requires parameters.upload.path", t.ID)
		}
	default:
		return NewGraphValidationError(fmt.Sprintf("invalid task type: %s", t.Type), t.ID)
	}
	return nil
}
