package ssh

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
)

func newTestTransport(t *testing.T, server *testSSHServer) *Transport {
	t.Helper()
	cfg := server.clientConfig(t)
	cfg.Host = ""
	tr, err := NewTransport(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create transport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func waitCompletion(t *testing.T, h engine.CompletionHandle) engine.Completion {
	t.Helper()
	select {
	case c, ok := <-h.Done():
		if !ok {
			t.Fatal("completion channel closed without a value")
		}
		return c
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	return engine.Completion{}
}

func execTask(id, cmd string) engine.Task {
	return engine.Task{
		ID:         id,
		Type:       engine.TaskTypeExec,
		Roles:      []string{"controller"},
		Stage:      engine.StageDeployment,
		Parameters: engine.Parameters{Exec: &engine.ExecParams{Cmd: cmd}},
	}
}

func TestTransportSendExec(t *testing.T) {
	server := newTestSSHServer(t)
	tr := newTestTransport(t, server)
	node := engine.Node{UID: "1", Address: server.nodeAddress(), Roles: []string{"controller"}}

	h, err := tr.Send(context.Background(), node, execTask("hello", "echo done"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if h.ID() == "" {
		t.Error("expected a handle id")
	}

	c := waitCompletion(t, h)
	if c.Status != engine.TaskRunReady || c.Err != nil {
		t.Fatalf("expected ready completion, got %+v", c)
	}

	var res ExecResult
	if err := json.Unmarshal(c.Summary, &res); err != nil {
		t.Fatalf("bad summary %s: %v", c.Summary, err)
	}
	if res.Stdout != "done" || res.ExitCode != 0 {
		t.Errorf("unexpected result: %+v", res)
	}

	// The channel is closed after the single completion.
	if _, ok := <-h.Done(); ok {
		t.Error("expected done channel to be closed")
	}
}

func TestTransportSendExecFailure(t *testing.T) {
	server := newTestSSHServer(t)
	tr := newTestTransport(t, server)
	node := engine.Node{UID: "1", Address: server.nodeAddress()}

	h, err := tr.Send(context.Background(), node, execTask("broken", "echo oops >&2; exit 4"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	c := waitCompletion(t, h)
	if c.Status != engine.TaskRunError || c.Err == nil {
		t.Fatalf("expected error completion, got %+v", c)
	}
	var res ExecResult
	if err := json.Unmarshal(c.Summary, &res); err != nil {
		t.Fatalf("bad summary: %v", err)
	}
	if res.ExitCode != 4 || res.Stderr != "oops" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestTransportSendUpload(t *testing.T) {
	server := newTestSSHServer(t)
	tr := newTestTransport(t, server)
	node := engine.Node{UID: "1", Address: server.nodeAddress()}

	target := filepath.Join(t.TempDir(), "etc", "astute.yaml")
	task := engine.Task{
		ID:   "upload_configuration",
		Type: engine.TaskTypeUpload,
		Parameters: engine.Parameters{Upload: &engine.UploadParams{
			Path: target,
			Data: "uid: '1'\nrole: controller\n",
			Mode: 0600,
		}},
	}

	h, err := tr.Send(context.Background(), node, task)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	c := waitCompletion(t, h)
	if c.Status != engine.TaskRunReady {
		t.Fatalf("expected ready completion, got %+v", c)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if string(data) != "uid: '1'\nrole: controller\n" {
		t.Errorf("unexpected content %q", data)
	}
	info, _ := os.Stat(target)
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	var res FileTransferResult
	if err := json.Unmarshal(c.Summary, &res); err != nil {
		t.Fatalf("bad summary: %v", err)
	}
	if res.Files != 1 || res.Checksum == "" {
		t.Errorf("unexpected summary %+v", res)
	}
}

func TestTransportSendSyncMirrorsDirectory(t *testing.T) {
	server := newTestSSHServer(t)
	tr := newTestTransport(t, server)
	node := engine.Node{UID: "1", Address: server.nodeAddress()}

	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "modules")
	mustWrite(t, filepath.Join(src, "init.pp"), "class foo {}")
	mustWrite(t, filepath.Join(src, "manifests", "bar.pp"), "class bar {}")
	mustWrite(t, filepath.Join(dst, "stale.pp"), "old")
	mustWrite(t, filepath.Join(dst, "old", "gone.pp"), "old")

	task := engine.Task{
		ID:         "sync_modules",
		Type:       engine.TaskTypeSync,
		Parameters: engine.Parameters{Sync: &engine.SyncParams{Src: src, Dst: dst}},
	}
	h, err := tr.Send(context.Background(), node, task)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	c := waitCompletion(t, h)
	if c.Status != engine.TaskRunReady {
		t.Fatalf("expected ready completion, got %+v", c)
	}

	for _, p := range []string{"init.pp", filepath.Join("manifests", "bar.pp")} {
		if _, err := os.Stat(filepath.Join(dst, p)); err != nil {
			t.Errorf("expected %s to be mirrored: %v", p, err)
		}
	}
	for _, p := range []string{"stale.pp", "old"} {
		if _, err := os.Stat(filepath.Join(dst, p)); !os.IsNotExist(err) {
			t.Errorf("expected %s to be removed, got %v", p, err)
		}
	}

	var res FileTransferResult
	if err := json.Unmarshal(c.Summary, &res); err != nil {
		t.Fatalf("bad summary: %v", err)
	}
	if res.Files != 2 || res.Removed != 2 {
		t.Errorf("unexpected summary %+v", res)
	}
}

func TestTransportCancel(t *testing.T) {
	server := newTestSSHServer(t)
	tr := newTestTransport(t, server)
	node := engine.Node{UID: "1", Address: server.nodeAddress()}

	h, err := tr.Send(context.Background(), node, execTask("slow", "sleep 5"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := tr.Cancel(h); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	c := waitCompletion(t, h)
	if c.Status != engine.TaskRunError || !errors.Is(c.Err, context.Canceled) {
		t.Errorf("expected cancelled completion, got %+v", c)
	}

	// Cancelling a finished handle is a no-op.
	if err := tr.Cancel(h); err != nil {
		t.Errorf("expected no error cancelling a finished handle, got %v", err)
	}
}

func TestTransportSendUnreachable(t *testing.T) {
	cfg := DefaultConfig("", "root")
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "secret"
	cfg.StrictHostKeyChecking = false
	cfg.ConnectionTimeout = time.Second

	tr, err := NewTransport(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create transport: %v", err)
	}
	defer tr.Close()

	_, err = tr.Send(context.Background(), engine.Node{UID: "9", Address: "127.0.0.1:1"}, execTask("t", "true"))
	if !engine.IsTransportError(err) {
		t.Errorf("expected transport error, got %v", err)
	}

	_, err = tr.Send(context.Background(), engine.Node{UID: "10"}, execTask("t", "true"))
	if !engine.IsTransportError(err) {
		t.Errorf("expected transport error for node without address, got %v", err)
	}

	_, err = tr.Send(context.Background(), engine.Node{UID: "9", Address: "127.0.0.1:1"}, engine.Task{ID: "g", Type: engine.TaskTypeGroup})
	if err == nil || engine.IsTransportError(err) {
		t.Errorf("expected a non-transport error for a group task, got %v", err)
	}
}

func TestTransportProbeAndReuse(t *testing.T) {
	server := newTestSSHServer(t)
	tr := newTestTransport(t, server)
	node := engine.Node{UID: "1", Address: server.nodeAddress()}

	if err := tr.Probe(context.Background(), node); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	first := tr.clients["1"]

	h, err := tr.Send(context.Background(), node, execTask("t", "true"))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	waitCompletion(t, h)

	if tr.clients["1"] != first {
		t.Error("expected the connection to be reused")
	}

	if err := tr.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if first.IsConnected() {
		t.Error("expected connection closed")
	}
}

func TestTransportWithDispatcher(t *testing.T) {
	server := newTestSSHServer(t)
	tr := newTestTransport(t, server)

	nodes := []engine.Node{
		{UID: "1", Address: server.nodeAddress(), Roles: []string{"controller"}, Status: engine.NodeStatusReady, Online: true},
		{UID: "2", Address: server.nodeAddress(), Roles: []string{"controller"}, Status: engine.NodeStatusReady, Online: true},
	}
	d := engine.NewDispatcher(engine.DispatcherConfig{MaxParallel: 2, DispatchTimeout: 10 * time.Second},
		tr, nil, nil, nil, nil, zerolog.Nop())

	runs := d.DispatchBatch(context.Background(), "tx1", []engine.Task{execTask("hello", "echo hi")}, nodes)
	count := 0
	for run := range runs {
		count++
		if run.Status != engine.TaskRunReady {
			t.Errorf("expected ready run on %s, got %s: %s", run.NodeUID, run.Status, run.Summary)
		}
	}
	if count != 2 {
		t.Errorf("expected 2 runs, got %d", count)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
