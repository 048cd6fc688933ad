package engine

import (
	"context"
	"time"
)

// Transport delivers tasks to nodes and reports completion asynchronously.
// Retry policy, if any, belongs to the transport.
type Transport interface {
	// Send dispatches task to node. A returned handle means the node
	// acknowledged the task.
	Send(ctx context.Context, node Node, task Task) (CompletionHandle, error)

	// Cancel asks the transport to stop in-flight work. Cancellation is
	// best effort and need not be instantaneous.
	Cancel(handle CompletionHandle) error
}

// CompletionHandle resolves once a dispatched task finishes on its node.
type CompletionHandle interface {
	// ID identifies the dispatch for cancellation and logging.
	ID() string

	// Done delivers exactly one Completion and is then closed.
	Done() <-chan Completion
}

// MetadataProvider supplies task definitions per release. It is queried
// once per transaction, at graph build time.
type MetadataProvider interface {
	// Tasks returns the base tasks of a release in registration order and
	// the per-role task lists contributed by plugins.
	Tasks(ctx context.Context, release string) ([]Task, map[string][]Task, error)
}

// Persistence is the append-only store for transactions, task run history
// and deployment snapshots.
type Persistence interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error

	// UpdateTransaction overwrites a transaction that has not finished yet.
	// Once the stored status is ready or error the row is final and a
	// conflict error is returned.
	UpdateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// AppendTaskRun inserts one immutable history row and sets run.Seq.
	AppendTaskRun(ctx context.Context, run *TaskRun) error

	// ListTaskRuns returns every history row of a transaction in append order.
	ListTaskRuns(ctx context.Context, transactionID string) ([]TaskRun, error)

	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// LatestSnapshot returns the most recent snapshot of a cluster, or nil
	// if the cluster was never deployed successfully.
	LatestSnapshot(ctx context.Context, clusterID string) (*Snapshot, error)
}

// NodeRegistry is the executor's view of the fleet. It may read liveness
// but only writes deployment status.
type NodeRegistry interface {
	ListNodes(ctx context.Context) ([]Node, error)
	GetNode(ctx context.Context, uid string) (*Node, error)
	SetNodeStatus(ctx context.Context, uid string, status NodeStatus) error
}

// LivenessStore is written by the health monitor only.
type LivenessStore interface {
	ListNodes(ctx context.Context) ([]Node, error)
	SetNodeOnline(ctx context.Context, uid string, online bool) error
	RecordHeartbeat(ctx context.Context, uid string, at time.Time) error
}

// NotificationSink receives progress events. Notify must never block.
type NotificationSink interface {
	Notify(n Notification)
}

// ClusterAttributes is a read-only key/value source per cluster.
type ClusterAttributes interface {
	Attributes(ctx context.Context, clusterID string) (map[string]string, error)
}

// ConditionEvaluator decides whether a conditional task applies.
type ConditionEvaluator interface {
	EvaluateCondition(ctx context.Context, expr string, env ConditionEnv) (bool, error)
}

// ConditionEnv is the data a task condition can see.
type ConditionEnv struct {
	Attributes map[string]string
	Roles      []string
	TaskID     string
}

// PolicyGate reviews a deployment before anything is dispatched.
type PolicyGate interface {
	// Review returns the reasons the deployment is denied, if any.
	Review(ctx context.Context, review DeploymentReview) ([]string, error)
}

// DeploymentReview is the input to a PolicyGate.
type DeploymentReview struct {
	TransactionID string            `json:"transaction_id"`
	ClusterID     string            `json:"cluster_id"`
	Tasks         []Task            `json:"tasks"`
	Nodes         []Node            `json:"nodes"`
	Attributes    map[string]string `json:"attributes"`
}

type nopSink struct{}

func (nopSink) Notify(Notification) {}

// Observer receives measurements from the engine, typically for metrics.
type Observer interface {
	TransactionStarted()
	TaskRunFinished(taskType TaskType, status TaskRunStatus, duration time.Duration)
	StageFinished(stage Stage, duration time.Duration)
	TransactionFinished(status TransactionStatus, duration time.Duration)
	NodeOffline(uid string)
}

type nopObserver struct{}

func (nopObserver) TransactionStarted()                                    {}
func (nopObserver) TaskRunFinished(TaskType, TaskRunStatus, time.Duration) {}
func (nopObserver) StageFinished(Stage, time.Duration)                     {}
func (nopObserver) TransactionFinished(TransactionStatus, time.Duration)   {}
func (nopObserver) NodeOffline(string)                                     {}
