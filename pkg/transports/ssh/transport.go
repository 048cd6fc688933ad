// Package ssh implements the deployment transport over SSH. Commands run
// in SSH sessions, uploads and directory mirrors go over SFTP, and every
// dispatch completes asynchronously through an engine.CompletionHandle.
package ssh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
)

// TransportError represents an error from the SSH layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "execute", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Transport implements engine.Transport. It keeps one connection per node,
// opened lazily on first dispatch.
type Transport struct {
	config *Config
	logger zerolog.Logger

	mu       sync.Mutex
	clients  map[string]*SSHClient
	inflight map[string]*dispatchHandle
}

var _ engine.Transport = (*Transport)(nil)

// NewTransport creates a transport from a template config. Host and port
// come from each node's address.
func NewTransport(config *Config, logger zerolog.Logger) (*Transport, error) {
	if err := config.validateTemplate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Transport{
		config:   config,
		logger:   logger.With().Str("component", "ssh-transport").Logger(),
		clients:  make(map[string]*SSHClient),
		inflight: make(map[string]*dispatchHandle),
	}, nil
}

// dispatchHandle implements engine.CompletionHandle.
type dispatchHandle struct {
	id     string
	done   chan engine.Completion
	cancel context.CancelFunc
}

func (h *dispatchHandle) ID() string                     { return h.id }
func (h *dispatchHandle) Done() <-chan engine.Completion { return h.done }

func (h *dispatchHandle) complete(c engine.Completion) {
	h.done <- c
	close(h.done)
}

// Send connects to the node if needed and starts the task. The returned
// handle means the connection is up and the task was accepted; the task
// itself runs in the background until it finishes, ctx is cancelled or
// Cancel is called.
func (t *Transport) Send(ctx context.Context, node engine.Node, task engine.Task) (engine.CompletionHandle, error) {
	op, err := t.operation(task)
	if err != nil {
		return nil, engine.NewPermanentError(err.Error(), nil).
			WithCode(engine.ErrCodeInternal).
			WithResource(task.ID).
			WithOperation("send")
	}

	client, err := t.clientFor(ctx, node)
	if err != nil {
		return nil, engine.NewTransportError(node.UID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &dispatchHandle{
		id:     uuid.New().String(),
		done:   make(chan engine.Completion, 1),
		cancel: cancel,
	}

	t.mu.Lock()
	t.inflight[h.id] = h
	t.mu.Unlock()

	go func() {
		defer cancel()
		c := op(runCtx, client)
		t.mu.Lock()
		delete(t.inflight, h.id)
		t.mu.Unlock()

		ev := t.logger.Debug()
		if c.Err != nil {
			ev = t.logger.Warn().Err(c.Err)
		}
		ev.Str("handle", h.id).
			Str("node_uid", node.UID).
			Str("task_id", task.ID).
			Str("status", string(c.Status)).
			Msg("Dispatch finished")
		h.complete(c)
	}()

	return h, nil
}

// Cancel stops an in-flight dispatch. Cancelling a finished or unknown
// handle is a no-op.
func (t *Transport) Cancel(handle engine.CompletionHandle) error {
	if handle == nil {
		return fmt.Errorf("nil handle")
	}
	t.mu.Lock()
	h, ok := t.inflight[handle.ID()]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	h.cancel()
	return nil
}

// Probe checks that the node accepts SSH sessions.
func (t *Transport) Probe(ctx context.Context, node engine.Node) error {
	client, err := t.clientFor(ctx, node)
	if err != nil {
		return engine.NewTransportError(node.UID, err)
	}
	if err := client.HealthCheck(ctx); err != nil {
		return engine.NewTransportError(node.UID, err)
	}
	return nil
}

// Close cancels in-flight dispatches and closes every connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, h := range t.inflight {
		h.cancel()
	}
	var firstErr error
	for uid, c := range t.clients {
		if err := c.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.clients, uid)
	}
	return firstErr
}

// clientFor returns a connected client for node, replacing the cached one
// when the node's address changed.
func (t *Transport) clientFor(ctx context.Context, node engine.Node) (*SSHClient, error) {
	cfg, err := t.config.ForAddress(node.Address)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	client, ok := t.clients[node.UID]
	if ok && client.config.Address() != cfg.Address() {
		_ = client.Disconnect()
		ok = false
	}
	if !ok {
		client, err = NewSSHClient(cfg, t.logger.With().Str("node_uid", node.UID).Logger())
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		t.clients[node.UID] = client
	}
	t.mu.Unlock()

	if client.IsConnected() {
		return client, nil
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

type operation func(ctx context.Context, client *SSHClient) engine.Completion

// operation maps a task to the work done on the node.
func (t *Transport) operation(task engine.Task) (operation, error) {
	switch task.Type {
	case engine.TaskTypeExec, engine.TaskTypePuppet:
		return t.commandOperation(task)

	case engine.TaskTypeSync:
		if task.Parameters.Sync == nil {
			return nil, fmt.Errorf("task %s has no sync parameters", task.ID)
		}
		if isRsyncSource(task.Parameters.Sync.Src) {
			return t.commandOperation(task)
		}
		src, dst := task.Parameters.Sync.Src, task.Parameters.Sync.Dst
		return func(ctx context.Context, client *SSHClient) engine.Completion {
			res, err := client.MirrorDirectory(ctx, src, dst)
			return transferCompletion(res, err)
		}, nil

	case engine.TaskTypeUpload:
		p := task.Parameters.Upload
		if p == nil {
			return nil, fmt.Errorf("task %s has no upload parameters", task.ID)
		}
		return func(ctx context.Context, client *SSHClient) engine.Completion {
			res, err := client.UploadData(ctx, p.Path, []byte(p.Data), p.Mode)
			return transferCompletion(res, err)
		}, nil

	default:
		return nil, fmt.Errorf("task type %s cannot be sent to a node", task.Type)
	}
}

func (t *Transport) commandOperation(task engine.Task) (operation, error) {
	rc, err := commandFor(task, t.config.UseSudo)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, client *SSHClient) engine.Completion {
		res, err := client.Run(ctx, rc.script)
		var summary json.RawMessage
		if res != nil {
			summary = marshalSummary(res)
		}
		if err != nil {
			return engine.Completion{Status: engine.TaskRunError, Summary: summary, Err: err}
		}
		if !rc.succeeded(res.ExitCode) {
			return engine.Completion{
				Status:  engine.TaskRunError,
				Summary: summary,
				Err:     fmt.Errorf("command exited with code %d", res.ExitCode),
			}
		}
		return engine.Completion{Status: engine.TaskRunReady, Summary: summary}
	}, nil
}

func transferCompletion(res *FileTransferResult, err error) engine.Completion {
	if err != nil {
		return engine.Completion{Status: engine.TaskRunError, Err: err}
	}
	return engine.Completion{Status: engine.TaskRunReady, Summary: marshalSummary(res)}
}

func marshalSummary(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
