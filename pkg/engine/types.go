package engine

import (
	"encoding/json"
	"time"
)

// WildcardRole expands to every role present in a deployment.
const WildcardRole = "*"

// Task is a unit of work in the deployment graph.
// Tasks are immutable once the graph is built.
type Task struct {
	// ID is unique within a graph. Group tasks use the role name as their ID.
	ID string `json:"id"`

	// Type selects the handler that executes the task.
	Type TaskType `json:"type"`

	// Roles are the node roles this task runs on. "*" means every role
	// present in the deployment.
	Roles []string `json:"roles,omitempty"`

	// Stage is the deployment phase the task belongs to.
	Stage Stage `json:"stage"`

	// Requires lists task IDs that must complete first.
	Requires []string `json:"requires,omitempty"`

	// RequiredFor lists task IDs that must wait for this task.
	// They are folded into the targets' Requires when the graph is built.
	RequiredFor []string `json:"required_for,omitempty"`

	// Parameters is the per-type payload passed to the transport.
	Parameters Parameters `json:"parameters"`

	// Condition is an optional expression over cluster attributes.
	// A false result turns the task into a skipped task.
	Condition string `json:"condition,omitempty"`

	// Timeout overrides the dispatcher's default deadline when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// HasRole returns true if the task targets role.
func (t *Task) HasRole(role string) bool {
	for _, r := range t.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RunsOn returns true if the task targets any role of node.
func (t *Task) RunsOn(node *Node) bool {
	for _, r := range node.Roles {
		if t.HasRole(r) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	c := t
	c.Roles = append([]string(nil), t.Roles...)
	c.Requires = append([]string(nil), t.Requires...)
	c.RequiredFor = append([]string(nil), t.RequiredFor...)
	c.Parameters = t.Parameters.clone()
	return c
}

// Parameters is a tagged variant: exactly one field matching the task type is set.
type Parameters struct {
	Exec   *ExecParams   `json:"exec,omitempty"`
	Puppet *PuppetParams `json:"puppet,omitempty"`
	Sync   *SyncParams   `json:"sync,omitempty"`
	Upload *UploadParams `json:"upload,omitempty"`
}

func (p Parameters) clone() Parameters {
	var c Parameters
	if p.Exec != nil {
		e := *p.Exec
		if p.Exec.Env != nil {
			e.Env = make(map[string]string, len(p.Exec.Env))
			for k, v := range p.Exec.Env {
				e.Env[k] = v
			}
		}
		c.Exec = &e
	}
	if p.Puppet != nil {
		pp := *p.Puppet
		c.Puppet = &pp
	}
	if p.Sync != nil {
		s := *p.Sync
		c.Sync = &s
	}
	if p.Upload != nil {
		u := *p.Upload
		c.Upload = &u
	}
	return c
}

// ExecParams runs a shell command.
type ExecParams struct {
	Cmd string            `json:"cmd"`
	Cwd string            `json:"cwd,omitempty"`
	Env map[string]string `json:"env,omitempty"`
}

// PuppetParams applies a manifest.
type PuppetParams struct {
	Manifest   string `json:"manifest"`
	ModulePath string `json:"module_path,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
}

// SyncParams mirrors Src on the master to Dst on the node.
type SyncParams struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

// UploadParams writes Data to Path on the node.
type UploadParams struct {
	Path string `json:"path"`
	Data string `json:"data"`
	Mode uint32 `json:"mode,omitempty"`
}

// Node is a deployment target. Nodes are long-lived and shared between
// transactions.
type Node struct {
	UID           string     `json:"uid"`
	Address       string     `json:"address,omitempty"`
	Roles         []string   `json:"roles"`
	Status        NodeStatus `json:"status"`
	Online        bool       `json:"online"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}

// HasRole returns true if the node carries role.
func (n *Node) HasRole(role string) bool {
	for _, r := range n.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TaskRun is one execution attempt of a task against a node. Every state
// change is appended to history as a new record.
type TaskRun struct {
	// Seq is the history sequence number assigned by persistence.
	Seq int64 `json:"seq,omitempty"`

	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	TaskID        string          `json:"task_id"`
	NodeUID       string          `json:"node_uid"`
	Status        TaskRunStatus   `json:"status"`
	TimeStart     time.Time       `json:"time_start,omitempty"`
	TimeEnd       time.Time       `json:"time_end,omitempty"`
	Summary       json.RawMessage `json:"summary,omitempty"`
}

// Threshold is the failure tolerance computed for one role.
type Threshold struct {
	UIDs       []string `json:"uids"`
	Percentage int      `json:"percentage"`
}

// Allowed returns how many nodes of the role may fail:
// ceil(percentage/100 * len(UIDs)).
func (t Threshold) Allowed() int {
	return (t.Percentage*len(t.UIDs) + 99) / 100
}

// Snapshot captures per-node fingerprints of a successful deployment.
type Snapshot struct {
	TransactionID string            `json:"transaction_id"`
	ClusterID     string            `json:"cluster_id"`
	Nodes         map[string]string `json:"nodes"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Transaction is one end-to-end deployment request.
type Transaction struct {
	ID           string               `json:"id"`
	ClusterID    string               `json:"cluster_id"`
	Status       TransactionStatus    `json:"status"`
	CurrentStage Stage                `json:"current_stage,omitempty"`
	Thresholds   map[string]Threshold `json:"thresholds,omitempty"`
	NodeUIDs     []string             `json:"node_uids"`
	GraphHash    string               `json:"graph_hash"`
	OldState     *Snapshot            `json:"old_state,omitempty"`
	Error        string               `json:"error,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// GraphInput describes what to deploy.
type GraphInput struct {
	// ClusterID scopes the previous-state snapshot lookup.
	ClusterID string

	// Release names a release known to the metadata provider. It is used
	// when Tasks is empty.
	Release string

	// Tasks are the base task definitions in registration order.
	Tasks []Task

	// Overrides are per-role task lists contributed by extensions. They are
	// merged after the base tasks, last-write-wins on id.
	Overrides map[string][]Task

	// Strict rejects task id collisions instead of overriding.
	Strict bool

	// ForceRedeploy disables the unchanged-node diff.
	ForceRedeploy bool
}

// StatusSnapshot is the externally visible state of a transaction.
type StatusSnapshot struct {
	Transaction *Transaction          `json:"transaction"`
	Status      TransactionStatus     `json:"status"`
	Counts      map[TaskRunStatus]int `json:"counts"`
	FailedNodes []string              `json:"failed_nodes,omitempty"`
}

// Completion is the terminal result of a dispatched task run.
type Completion struct {
	Status  TaskRunStatus
	Summary json.RawMessage
	Err     error
}

// Notification is a human-readable progress event.
type Notification struct {
	Topic         NotificationTopic `json:"topic"`
	Message       string            `json:"message"`
	TransactionID string            `json:"transaction_id,omitempty"`
	ClusterID     string            `json:"cluster_id,omitempty"`
	NodeUID       string            `json:"node_uid,omitempty"`
	TaskID        string            `json:"task_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}
