package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "no-mongo.rego")

	regoContent := `# Mongo nodes are not supported
# by this release.
# severity: warning
package stackdeploy.custom.mongo

import rego.v1

deny contains "mongo is not supported" if {
	input.roles.mongo
}`

	if err := os.WriteFile(policyFile, []byte(regoContent), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "no-mongo" {
		t.Errorf("Expected name 'no-mongo', got '%s'", policy.Name)
	}
	if policy.Description != "Mongo nodes are not supported by this release." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected warning severity, got %s", policy.Severity)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
}

func TestLoadFromFile_RegoHeaders(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	tmpDir := t.TempDir()

	tests := []struct {
		name        string
		content     string
		wantErr     bool
		wantEnabled bool
		wantSev     Severity
	}{
		{
			name:        "defaults",
			content:     "package a\n",
			wantEnabled: true,
			wantSev:     SeverityError,
		},
		{
			name:        "disabled",
			content:     "# disabled\npackage a\n",
			wantEnabled: false,
			wantSev:     SeverityError,
		},
		{
			name:    "invalid severity",
			content: "# severity: fatal\npackage a\n",
			wantErr: true,
		},
		{
			name:        "comments after package are ignored",
			content:     "package a\n# severity: info\n",
			wantEnabled: true,
			wantSev:     SeverityError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.name+".rego")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			policy, err := loader.loadFromFile(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadFromFile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if policy.Enabled != tt.wantEnabled || policy.Severity != tt.wantSev {
				t.Errorf("got enabled=%v severity=%s", policy.Enabled, policy.Severity)
			}
		})
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "test-policy.json")

	policy := Policy{
		Name:        "test-json-policy",
		Description: "A test policy",
		Rego:        "package test\n\nimport rego.v1\n\ndeny contains msg if { false; msg := \"never\" }",
		Severity:    SeverityWarning,
		Enabled:     true,
	}
	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	if err := os.WriteFile(policyFile, data, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	loaded, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if loaded.Name != "test-json-policy" || loaded.Severity != SeverityWarning {
		t.Errorf("Unexpected policy %+v", loaded)
	}
	if loaded.Source != policyFile {
		t.Errorf("Expected source to be set, got %q", loaded.Source)
	}
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	policyFile := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(policyFile, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.loadFromFile(policyFile); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	tmpDir := t.TempDir()

	files := map[string]string{
		"a.rego":          "package a\n",
		"nested/b.rego":   "package b\n",
		"nested/notes.md": "ignored",
	}
	for name, content := range files {
		path := filepath.Join(tmpDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	policies, err := loader.LoadFromPaths(context.Background(), []string{tmpDir})
	if err != nil {
		t.Fatalf("LoadFromPaths() failed: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(tmpDir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestLoaderCache(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	policyFile := filepath.Join(t.TempDir(), "cached.rego")
	if err := os.WriteFile(policyFile, []byte("package one\n"), 0644); err != nil {
		t.Fatal(err)
	}

	first, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(policyFile, []byte("package two\n"), 0644); err != nil {
		t.Fatal(err)
	}
	second, _ := loader.loadFromFile(policyFile)
	if second != first {
		t.Error("Expected cached policy")
	}

	loader.ClearCache()
	third, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatal(err)
	}
	if third.Rego != "package two\n" {
		t.Errorf("Expected reloaded policy, got %q", third.Rego)
	}
}
