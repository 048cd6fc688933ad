package ssh

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
)

func TestSSHClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)
	ctx := context.Background()

	tests := []struct {
		name           string
		command        string
		expectedStdout string
		expectedStderr string
		expectedCode   int
	}{
		{
			name:           "simple echo",
			command:        "echo test",
			expectedStdout: "test",
		},
		{
			name:           "stderr output",
			command:        "echo error >&2",
			expectedStderr: "error",
		},
		{
			name:         "exit with error",
			command:      "exit 3",
			expectedCode: 3,
		},
		{
			name:           "environment and directory",
			command:        shellCommand("echo $ROLE $(pwd)", "/", map[string]string{"ROLE": "compute"}),
			expectedStdout: "compute /",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := client.Run(ctx, tt.command)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.ExitCode != tt.expectedCode {
				t.Errorf("expected exit code %d, got %d", tt.expectedCode, res.ExitCode)
			}
			if res.Stdout != tt.expectedStdout {
				t.Errorf("expected stdout %q, got %q", tt.expectedStdout, res.Stdout)
			}
			if res.Stderr != tt.expectedStderr {
				t.Errorf("expected stderr %q, got %q", tt.expectedStderr, res.Stderr)
			}
			if res.FinishedAt.Before(res.StartedAt) {
				t.Error("expected finish after start")
			}
		})
	}
}

func TestSSHClientRunCancelled(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Run(ctx, "sleep 5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("expected the command to be interrupted")
	}
}

func TestSSHClientRunOutputLimit(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)
	client.config.OutputLimit = 8

	res, err := client.Run(context.Background(), "echo 0123456789abcdef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "9abcdef" {
		t.Errorf("expected trailing output, got %q", res.Stdout)
	}
}

func TestCommandFor(t *testing.T) {
	tests := []struct {
		name        string
		task        engine.Task
		sudo        bool
		wantScript  string
		wantSuccess []int
		wantErr     bool
	}{
		{
			name: "exec",
			task: engine.Task{ID: "hiera", Type: engine.TaskTypeExec, Parameters: engine.Parameters{
				Exec: &engine.ExecParams{Cmd: "ln -sf /etc/hiera.yaml /etc/puppet/hiera.yaml"},
			}},
			wantScript:  "ln -sf /etc/hiera.yaml /etc/puppet/hiera.yaml",
			wantSuccess: []int{0},
		},
		{
			name: "exec with env and cwd",
			task: engine.Task{ID: "t", Type: engine.TaskTypeExec, Parameters: engine.Parameters{
				Exec: &engine.ExecParams{Cmd: "make", Cwd: "/opt/src", Env: map[string]string{"B": "2", "A": "it's"}},
			}},
			wantScript:  `export A='it'\''s' B='2'; cd '/opt/src' && make`,
			wantSuccess: []int{0},
		},
		{
			name: "puppet",
			task: engine.Task{ID: "keystone", Type: engine.TaskTypePuppet, Parameters: engine.Parameters{
				Puppet: &engine.PuppetParams{
					Manifest:   "/etc/puppet/modules/osnailyfacter/modular/keystone/keystone.pp",
					ModulePath: "/etc/puppet/modules",
					Cwd:        "/",
				},
			}},
			wantScript:  "cd '/' && puppet apply --detailed-exitcodes --modulepath='/etc/puppet/modules' '/etc/puppet/modules/osnailyfacter/modular/keystone/keystone.pp'",
			wantSuccess: []int{0, 2},
		},
		{
			name: "rsync sync",
			task: engine.Task{ID: "rsync_core_puppet", Type: engine.TaskTypeSync, Parameters: engine.Parameters{
				Sync: &engine.SyncParams{Src: "rsync://10.20.0.2:/puppet/modules", Dst: "/etc/puppet/modules"},
			}},
			wantScript:  "mkdir -p '/etc/puppet/modules/' && rsync -c -r --delete 'rsync://10.20.0.2:/puppet/modules/' '/etc/puppet/modules/'",
			wantSuccess: []int{0},
		},
		{
			name: "sudo wraps the script",
			task: engine.Task{ID: "t", Type: engine.TaskTypeExec, Parameters: engine.Parameters{
				Exec: &engine.ExecParams{Cmd: "id -u"},
			}},
			sudo:        true,
			wantScript:  "sudo -n sh -c 'id -u'",
			wantSuccess: []int{0},
		},
		{
			name:    "missing parameters",
			task:    engine.Task{ID: "t", Type: engine.TaskTypeExec},
			wantErr: true,
		},
		{
			name:    "upload is not a command",
			task:    engine.Task{ID: "t", Type: engine.TaskTypeUpload},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := commandFor(tt.task, tt.sudo)
			if (err != nil) != tt.wantErr {
				t.Fatalf("commandFor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if rc.script != tt.wantScript {
				t.Errorf("script mismatch:\n got: %s\nwant: %s", rc.script, tt.wantScript)
			}
			for _, code := range tt.wantSuccess {
				if !rc.succeeded(code) {
					t.Errorf("expected exit code %d to count as success", code)
				}
			}
			if rc.succeeded(1) {
				t.Error("expected exit code 1 to count as failure")
			}
		})
	}
}

func TestIsRsyncSource(t *testing.T) {
	tests := map[string]bool{
		"rsync://10.20.0.2:/puppet/": true,
		"10.20.0.2::puppet/modules":  true,
		"/var/www/nailgun/plugins":   false,
		"./manifests":                false,
	}
	for src, want := range tests {
		if got := isRsyncSource(src); got != want {
			t.Errorf("isRsyncSource(%q) = %v, want %v", src, got, want)
		}
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(5)
	b.Write([]byte("abc"))
	b.Write([]byte("defgh"))
	if b.String() != "defgh" {
		t.Errorf("expected last 5 bytes, got %q", b.String())
	}
	b.Write([]byte(strings.Repeat("x", 10)))
	if b.String() != "xxxxx" {
		t.Errorf("expected last 5 bytes, got %q", b.String())
	}
}
