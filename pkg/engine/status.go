package engine

import (
	"encoding/json"
	"fmt"
)

// TaskType identifies the kind of work a task performs.
type TaskType string

const (
	// TaskTypeGroup marks a role group. Group tasks carry no work and exist
	// so other tasks can depend on "everything of role X".
	TaskTypeGroup TaskType = "group"

	// TaskTypeExec runs a shell command on the node.
	TaskTypeExec TaskType = "exec"

	// TaskTypePuppet applies a puppet manifest on the node.
	TaskTypePuppet TaskType = "puppet"

	// TaskTypeSync synchronises a directory from the master to the node.
	TaskTypeSync TaskType = "sync"

	// TaskTypeUpload writes a file onto the node.
	TaskTypeUpload TaskType = "upload"

	// TaskTypeSkipped is a task that is kept for ordering but never dispatched.
	TaskTypeSkipped TaskType = "skipped"
)

// Validate checks if the task type is valid.
func (t TaskType) Validate() error {
	switch t {
	case TaskTypeGroup, TaskTypeExec, TaskTypePuppet, TaskTypeSync,
		TaskTypeUpload, TaskTypeSkipped:
		return nil
	default:
		return fmt.Errorf("invalid task type: %s", t)
	}
}

// Dispatchable returns true if tasks of this type are sent to nodes.
func (t TaskType) Dispatchable() bool {
	return t != TaskTypeGroup && t != TaskTypeSkipped
}

// Stage is a hard ordering boundary of a deployment.
type Stage string

const (
	// StagePreDeployment runs before any role is deployed.
	StagePreDeployment Stage = "pre_deployment"

	// StageDeployment deploys the roles.
	StageDeployment Stage = "deployment"

	// StagePostDeployment runs after every role is deployed.
	StagePostDeployment Stage = "post_deployment"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StagePreDeployment, StageDeployment, StagePostDeployment}

// Order returns the position of the stage in execution order, or -1.
func (s Stage) Order() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Validate checks if the stage is valid.
func (s Stage) Validate() error {
	if s.Order() < 0 {
		return fmt.Errorf("invalid stage: %s", s)
	}
	return nil
}

// NodeStatus represents the provisioning/deployment status of a node.
type NodeStatus string

const (
	NodeStatusDiscover     NodeStatus = "discover"
	NodeStatusProvisioning NodeStatus = "provisioning"
	NodeStatusDeploying    NodeStatus = "deploying"
	NodeStatusReady        NodeStatus = "ready"
	NodeStatusError        NodeStatus = "error"
	NodeStatusStopped      NodeStatus = "stopped"
)

// Validate checks if the node status is valid.
func (s NodeStatus) Validate() error {
	switch s {
	case NodeStatusDiscover, NodeStatusProvisioning, NodeStatusDeploying,
		NodeStatusReady, NodeStatusError, NodeStatusStopped:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}

// TaskRunStatus represents the state of one task on one node.
type TaskRunStatus string

const (
	// TaskRunPending indicates the run was created but not yet acknowledged.
	TaskRunPending TaskRunStatus = "pending"

	// TaskRunRunning indicates the transport acknowledged the run.
	TaskRunRunning TaskRunStatus = "running"

	// TaskRunReady indicates the run succeeded.
	TaskRunReady TaskRunStatus = "ready"

	// TaskRunError indicates the run failed, timed out or the node was unreachable.
	TaskRunError TaskRunStatus = "error"

	// TaskRunSkipped indicates the node was no longer eligible or the
	// transaction was aborted.
	TaskRunSkipped TaskRunStatus = "skipped"
)

// IsTerminal returns true if the run status represents a final state.
func (s TaskRunStatus) IsTerminal() bool {
	return s == TaskRunReady || s == TaskRunError || s == TaskRunSkipped
}

// Validate checks if the task run status is valid.
func (s TaskRunStatus) Validate() error {
	switch s {
	case TaskRunPending, TaskRunRunning, TaskRunReady, TaskRunError, TaskRunSkipped:
		return nil
	default:
		return fmt.Errorf("invalid task run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s TaskRunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *TaskRunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TaskRunStatus(str)
	return s.Validate()
}

// TransactionStatus represents the overall status of a deployment transaction.
type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionRunning TransactionStatus = "running"
	TransactionReady   TransactionStatus = "ready"
	TransactionError   TransactionStatus = "error"
)

// IsTerminal returns true if the transaction status represents a final state.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionReady || s == TransactionError
}

// IsActive returns true if the transaction is pending or running.
func (s TransactionStatus) IsActive() bool {
	return s == TransactionPending || s == TransactionRunning
}

// Validate checks if the transaction status is valid.
func (s TransactionStatus) Validate() error {
	switch s {
	case TransactionPending, TransactionRunning, TransactionReady, TransactionError:
		return nil
	default:
		return fmt.Errorf("invalid transaction status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s TransactionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *TransactionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TransactionStatus(str)
	return s.Validate()
}

// NotificationTopic classifies progress notifications.
type NotificationTopic string

const (
	TopicTransactionStarted  NotificationTopic = "transaction_started"
	TopicTransactionFinished NotificationTopic = "transaction_finished"
	TopicTransactionAborted  NotificationTopic = "transaction_aborted"
	TopicStageStarted        NotificationTopic = "stage_started"
	TopicStageFinished       NotificationTopic = "stage_finished"
	TopicTaskRunFinished     NotificationTopic = "task_run_finished"
	TopicNodeFailed          NotificationTopic = "node_failed"
	TopicNodeOffline         NotificationTopic = "node_offline"
)

// Severity returns the severity level of the topic.
func (t NotificationTopic) Severity() string {
	switch t {
	case TopicTransactionAborted, TopicNodeFailed:
		return "error"
	case TopicNodeOffline:
		return "warning"
	default:
		return "info"
	}
}
