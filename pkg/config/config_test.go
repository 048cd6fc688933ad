package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
	"github.com/stackdeploy/stackdeploy/pkg/transports/ssh"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stackdeploy.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() is invalid: %v", err)
	}
	if cfg.Orchestrator.ClusterID != engine.DefaultClusterID {
		t.Errorf("expected default cluster %q, got %q", engine.DefaultClusterID, cfg.Orchestrator.ClusterID)
	}
	if len(cfg.Orchestrator.TolerantRoles) != 1 || cfg.Orchestrator.TolerantRoles[0] != "compute" {
		t.Errorf("unexpected tolerant roles %v", cfg.Orchestrator.TolerantRoles)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/state.db
orchestrator:
  cluster_id: env-1
  max_parallel: 4
  dispatch_timeout: 2m
  tolerant_roles: [compute, ceph-osd]
  strict_merge: true
ssh:
  user: deploy
  auth: agent
telemetry:
  logging:
    level: debug
    format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Database.Path != "/tmp/state.db" {
		t.Errorf("unexpected database path %q", cfg.Database.Path)
	}
	if cfg.Orchestrator.MaxParallel != 4 || cfg.Orchestrator.DispatchTimeout != 2*time.Minute {
		t.Errorf("unexpected orchestrator section %+v", cfg.Orchestrator)
	}
	if !cfg.Orchestrator.StrictMerge {
		t.Error("expected strict merge")
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "json" {
		t.Errorf("unexpected logging section %+v", cfg.Telemetry.Logging)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Health.Interval != 30*time.Second {
		t.Errorf("expected default health interval, got %s", cfg.Health.Interval)
	}
	if cfg.Telemetry.ServiceName != "stackdeploy" {
		t.Errorf("expected default service name, got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Database.Path != Default().Database.Path {
		t.Errorf("expected defaults, got %+v", cfg.Database)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown key",
			content: "orchestrator:\n  max_paralel: 3\n",
			wantErr: "max_paralel",
		},
		{
			name:    "zero parallelism",
			content: "orchestrator:\n  max_parallel: 0\n",
			wantErr: "MaxParallel",
		},
		{
			name:    "bad auth method",
			content: "ssh:\n  auth: kerberos\n",
			wantErr: "Auth",
		},
		{
			name:    "password auth without password",
			content: "ssh:\n  auth: password\n",
			wantErr: "Password",
		},
		{
			name:    "health timeout below interval",
			content: "health:\n  interval: 1m\n  timeout: 10s\n",
			wantErr: "shorter than the interval",
		},
		{
			name:    "bad log level",
			content: "telemetry:\n  logging:\n    level: loud\n",
			wantErr: "telemetry",
		},
		{
			name:    "bad duration",
			content: "orchestrator:\n  dispatch_timeout: soon\n",
			wantErr: "time.Duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"STACKDEPLOY_DB_PATH":          ":memory:",
		"STACKDEPLOY_MAX_PARALLEL":     "7",
		"STACKDEPLOY_DISPATCH_TIMEOUT": "90s",
		"STACKDEPLOY_TOLERANT_ROLES":   "compute, ceph-osd,,",
		"STACKDEPLOY_SSH_INSECURE":     "true",
		"STACKDEPLOY_LOG_LEVEL":        "warn",
		"UNRELATED":                    "x",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv() failed: %v", err)
	}

	if cfg.Database.Path != ":memory:" {
		t.Errorf("unexpected database path %q", cfg.Database.Path)
	}
	if cfg.Orchestrator.MaxParallel != 7 || cfg.Orchestrator.DispatchTimeout != 90*time.Second {
		t.Errorf("unexpected orchestrator section %+v", cfg.Orchestrator)
	}
	if got := cfg.Orchestrator.TolerantRoles; len(got) != 2 || got[0] != "compute" || got[1] != "ceph-osd" {
		t.Errorf("unexpected tolerant roles %v", got)
	}
	if !cfg.SSH.Insecure {
		t.Error("expected insecure SSH")
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("unexpected log level %q", cfg.Telemetry.Logging.Level)
	}

	bad := func(k string) (string, bool) {
		if k == "STACKDEPLOY_MAX_PARALLEL" {
			return "many", true
		}
		return "", false
	}
	err := Default().ApplyEnv(bad)
	if err == nil || !strings.Contains(err.Error(), "STACKDEPLOY_MAX_PARALLEL") {
		t.Errorf("expected error naming the variable, got %v", err)
	}
}

func TestConverters(t *testing.T) {
	cfg := Default()
	cfg.Database.Path = "state.db"
	cfg.Database.MaxOpenConns = 3
	cfg.Orchestrator.TolerantRoles = []string{"compute", "mongo"}
	cfg.SSH.User = "deploy"
	cfg.SSH.Port = 2222
	cfg.SSH.Auth = "password"
	cfg.SSH.Password = "secret"
	cfg.SSH.Insecure = true

	sc := cfg.StoreConfig()
	if sc.Path != "state.db" || sc.MaxOpenConns != 3 || sc.BusyTimeout != 5*time.Second {
		t.Errorf("unexpected store config %+v", sc)
	}

	ec := cfg.EngineConfig()
	if ec.MaxParallel != cfg.Orchestrator.MaxParallel || len(ec.TolerantRoles) != 2 ||
		ec.AbortPollInterval != cfg.Orchestrator.AbortPollInterval {
		t.Errorf("unexpected engine config %+v", ec)
	}
	ec.TolerantRoles[0] = "changed"
	if cfg.Orchestrator.TolerantRoles[0] != "compute" {
		t.Error("EngineConfig() must copy tolerant roles")
	}

	tc := cfg.SSHTransportConfig()
	if tc.User != "deploy" || tc.Port != 2222 || tc.Password != "secret" {
		t.Errorf("unexpected transport config %+v", tc)
	}
	if tc.AuthMethod != ssh.AuthMethodPassword {
		t.Errorf("expected password auth, got %s", tc.AuthMethod)
	}
	if tc.StrictHostKeyChecking {
		t.Error("expected host key checking to be disabled")
	}
	if tc.Host != "" {
		t.Errorf("expected empty host template, got %q", tc.Host)
	}
}
