package metadata

import (
	"fmt"
	"strconv"
	"time"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
)

// TaskFile is the document format of every release file.
type TaskFile struct {
	// Tasks are the task definitions in registration order.
	Tasks []TaskSpec `yaml:"tasks" json:"tasks" validate:"dive"`
}

// TaskSpec is a task definition as written in a release file.
type TaskSpec struct {
	// ID is the unique identifier of the task (e.g., "hiera", "keystone").
	ID string `yaml:"id" json:"id" validate:"required"`

	// Type selects the handler (group, exec, puppet, sync, upload, skipped).
	Type string `yaml:"type" json:"type" validate:"required,oneof=group exec puppet sync upload skipped"`

	// Roles lists the node roles the task runs on. "*" matches every role.
	Roles []string `yaml:"roles,omitempty" json:"roles,omitempty" validate:"dive,required"`

	// Stage defaults to deployment.
	Stage string `yaml:"stage,omitempty" json:"stage,omitempty" validate:"omitempty,oneof=pre_deployment deployment post_deployment"`

	Requires    []string `yaml:"requires,omitempty" json:"requires,omitempty" validate:"dive,required"`
	RequiredFor []string `yaml:"required_for,omitempty" json:"required_for,omitempty" validate:"dive,required"`

	// Condition is a Starlark expression; the task is skipped when it is false.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Timeout is a Go duration string such as "10m".
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	Parameters ParameterSpec `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// ParameterSpec is the flat parameter block of a task. Which fields apply
// depends on the task type.
type ParameterSpec struct {
	Cmd            string            `yaml:"cmd,omitempty" json:"cmd,omitempty"`
	Cwd            string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Env            map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	PuppetManifest string            `yaml:"puppet_manifest,omitempty" json:"puppet_manifest,omitempty"`
	PuppetModules  string            `yaml:"puppet_modules,omitempty" json:"puppet_modules,omitempty"`
	Src            string            `yaml:"src,omitempty" json:"src,omitempty"`
	Dst            string            `yaml:"dst,omitempty" json:"dst,omitempty"`
	Path           string            `yaml:"path,omitempty" json:"path,omitempty"`
	Data           string            `yaml:"data,omitempty" json:"data,omitempty"`

	// Permissions is an octal file mode for upload tasks (e.g., "0644").
	Permissions string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
}

// Release is a loaded release: base tasks and per-role contributions.
type Release struct {
	Name      string
	Tasks     []engine.Task
	Overrides map[string][]engine.Task
	Files     []string
	LoadedAt  time.Time
}

// ToTask converts the spec into an engine task.
func (s TaskSpec) ToTask() (engine.Task, error) {
	t := engine.Task{
		ID:          s.ID,
		Type:        engine.TaskType(s.Type),
		Roles:       append([]string(nil), s.Roles...),
		Stage:       engine.Stage(s.Stage),
		Requires:    append([]string(nil), s.Requires...),
		RequiredFor: append([]string(nil), s.RequiredFor...),
		Condition:   s.Condition,
	}
	if t.Stage == "" {
		t.Stage = engine.StageDeployment
	}

	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return engine.Task{}, fmt.Errorf("invalid timeout %q: %w", s.Timeout, err)
		}
		t.Timeout = d
	}

	p := s.Parameters
	switch t.Type {
	case engine.TaskTypeExec:
		t.Parameters.Exec = &engine.ExecParams{Cmd: p.Cmd, Cwd: p.Cwd, Env: p.Env}
	case engine.TaskTypePuppet:
		t.Parameters.Puppet = &engine.PuppetParams{Manifest: p.PuppetManifest, ModulePath: p.PuppetModules, Cwd: p.Cwd}
	case engine.TaskTypeSync:
		t.Parameters.Sync = &engine.SyncParams{Src: p.Src, Dst: p.Dst}
	case engine.TaskTypeUpload:
		var mode uint64
		if p.Permissions != "" {
			var err error
			if mode, err = strconv.ParseUint(p.Permissions, 8, 32); err != nil {
				return engine.Task{}, fmt.Errorf("invalid permissions %q: %w", p.Permissions, err)
			}
		}
		t.Parameters.Upload = &engine.UploadParams{Path: p.Path, Data: p.Data, Mode: uint32(mode)}
	}
	return t, nil
}
