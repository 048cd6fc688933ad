package ssh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
)

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	// Stdout and Stderr hold the trailing OutputLimit bytes of each stream.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	ExitCode   int           `json:"exit_code"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// signalGrace is how long a cancelled command gets between SIGTERM and
// the session being torn down.
const signalGrace = 100 * time.Millisecond

// Run executes cmd on the node. A non-zero exit status is reported in the
// result, not as an error; errors mean the command could not be run to
// completion.
func (c *SSHClient) Run(ctx context.Context, cmd string) (*ExecResult, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "execute", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	stdout := newTailBuffer(c.config.OutputLimit)
	stderr := newTailBuffer(c.config.OutputLimit)
	session.Stdout = stdout
	session.Stderr = stderr

	result := &ExecResult{StartedAt: time.Now()}
	c.logger.Debug().Str("command", cmd).Msg("Executing command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(signalGrace):
			_ = session.Signal(ssh.SIGKILL)
		}
		runErr = ctx.Err()
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = strings.TrimSpace(stdout.String())
	result.Stderr = strings.TrimSpace(stderr.String())

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(result.Stdout)).
		Int("stderr_len", len(result.Stderr)).
		Dur("duration", result.Duration).
		Err(runErr).
		Msg("Command completed")

	if runErr == nil {
		return result, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		return result, runErr
	}
	return result, &TransportError{Op: "execute", Err: runErr, IsTemporary: true}
}

// remoteCommand is a shell command for a task plus the exit codes that
// count as success.
type remoteCommand struct {
	script  string
	success []int
}

func (r remoteCommand) succeeded(code int) bool {
	for _, c := range r.success {
		if c == code {
			return true
		}
	}
	return false
}

// commandFor builds the shell command that carries out an exec, puppet or
// rsync-backed sync task.
func commandFor(task engine.Task, sudo bool) (remoteCommand, error) {
	p := task.Parameters
	var rc remoteCommand
	switch task.Type {
	case engine.TaskTypeExec:
		if p.Exec == nil {
			return rc, fmt.Errorf("task %s has no exec parameters", task.ID)
		}
		rc = remoteCommand{script: shellCommand(p.Exec.Cmd, p.Exec.Cwd, p.Exec.Env), success: []int{0}}

	case engine.TaskTypePuppet:
		if p.Puppet == nil {
			return rc, fmt.Errorf("task %s has no puppet parameters", task.ID)
		}
		args := []string{"puppet", "apply", "--detailed-exitcodes"}
		if p.Puppet.ModulePath != "" {
			args = append(args, "--modulepath="+shellQuote(p.Puppet.ModulePath))
		}
		args = append(args, shellQuote(p.Puppet.Manifest))
		// --detailed-exitcodes: 2 means changes were applied.
		rc = remoteCommand{script: shellCommand(strings.Join(args, " "), p.Puppet.Cwd, nil), success: []int{0, 2}}

	case engine.TaskTypeSync:
		if p.Sync == nil {
			return rc, fmt.Errorf("task %s has no sync parameters", task.ID)
		}
		src := withTrailingSlash(p.Sync.Src)
		dst := withTrailingSlash(p.Sync.Dst)
		rc = remoteCommand{
			script: fmt.Sprintf("mkdir -p %s && rsync -c -r --delete %s %s",
				shellQuote(dst), shellQuote(src), shellQuote(dst)),
			success: []int{0},
		}

	default:
		return rc, fmt.Errorf("task type %s is not a remote command", task.Type)
	}

	if sudo {
		rc.script = "sudo -n sh -c " + shellQuote(rc.script)
	}
	return rc, nil
}

// isRsyncSource reports whether a sync source names an rsync daemon on the
// master. Other sources are local paths mirrored over SFTP.
func isRsyncSource(src string) bool {
	return strings.HasPrefix(src, "rsync://") || strings.Contains(src, "::")
}

// shellCommand prefixes cmd with environment exports and a directory change.
func shellCommand(cmd, cwd string, env map[string]string) string {
	var b strings.Builder
	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("export")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, shellQuote(env[k]))
		}
		b.WriteString("; ")
	}
	if cwd != "" {
		b.WriteString("cd " + shellQuote(cwd) + " && ")
	}
	b.WriteString(cmd)
	return b.String()
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func withTrailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = 4096
	}
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
