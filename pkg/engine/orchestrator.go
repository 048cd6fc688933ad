package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultClusterID is used when a GraphInput names no cluster.
const DefaultClusterID = "default"

// OrchestratorConfig tunes the orchestrator.
type OrchestratorConfig struct {
	MaxParallel     int
	DispatchTimeout time.Duration
	TolerantRoles   []string
	AttributePrefix string
	StrictMerge     bool
	PlanCacheSize   int

	// AbortPollInterval is how often a running transaction checks the
	// store for an abort recorded by another process.
	AbortPollInterval time.Duration
}

const defaultAbortPollInterval = 2 * time.Second

// Dependencies are the collaborators the orchestrator calls into.
// Store, Nodes, Attributes and Transport are required.
type Dependencies struct {
	Store      Persistence
	Nodes      NodeRegistry
	Attributes ClusterAttributes
	Transport  Transport
	Handlers   *HandlerTable
	Metadata   MetadataProvider
	Conditions ConditionEvaluator
	Gate       PolicyGate
	Sink       NotificationSink
	Observer   Observer
}

// Orchestrator runs deployment transactions.
type Orchestrator struct {
	deps       Dependencies
	strict     bool
	state      *StateMachine
	dispatcher *Dispatcher
	policy     *TolerancePolicy
	plans      *PlanCache
	abortPoll  time.Duration
	tracer     trace.Tracer
	logger     zerolog.Logger

	mu      sync.Mutex
	active  map[string]*activeTransaction
	claimed map[string]string
}

type activeTransaction struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig, deps Dependencies, logger zerolog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("orchestrator requires a store")
	case deps.Nodes == nil:
		return nil, fmt.Errorf("orchestrator requires a node registry")
	case deps.Attributes == nil:
		return nil, fmt.Errorf("orchestrator requires a cluster attributes provider")
	case deps.Transport == nil:
		return nil, fmt.Errorf("orchestrator requires a transport")
	}
	if deps.Handlers == nil {
		deps.Handlers = DefaultHandlerTable()
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}

	abortPoll := cfg.AbortPollInterval
	if abortPoll <= 0 {
		abortPoll = defaultAbortPollInterval
	}

	state := NewStateMachine(deps.Store)
	return &Orchestrator{
		deps:   deps,
		strict: cfg.StrictMerge,
		state:  state,
		dispatcher: NewDispatcher(DispatcherConfig{
			MaxParallel:     cfg.MaxParallel,
			DispatchTimeout: cfg.DispatchTimeout,
		}, deps.Transport, deps.Handlers, state, deps.Sink, deps.Observer, logger),
		policy:  NewTolerancePolicy(cfg.TolerantRoles, cfg.AttributePrefix),
		plans:     NewPlanCache(cfg.PlanCacheSize),
		abortPoll: abortPoll,
		tracer:  otel.Tracer("github.com/stackdeploy/stackdeploy/pkg/engine"),
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		active:  make(map[string]*activeTransaction),
		claimed: make(map[string]string),
	}, nil
}

// Prepare builds and linearizes the graph for in against nodes without
// starting anything.
func (o *Orchestrator) Prepare(ctx context.Context, in GraphInput, nodes []Node) (*Graph, *Plan, error) {
	clusterID := in.ClusterID
	if clusterID == "" {
		clusterID = DefaultClusterID
	}
	attrs, err := o.deps.Attributes.Attributes(ctx, clusterID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read cluster attributes: %w", err)
	}
	g, err := o.buildGraph(ctx, in, nodes, attrs)
	if err != nil {
		return nil, nil, err
	}
	plan, err := o.plans.Linearize(g)
	if err != nil {
		return nil, nil, err
	}
	return g, plan, nil
}

func (o *Orchestrator) buildGraph(ctx context.Context, in GraphInput, nodes []Node, attrs map[string]string) (*Graph, error) {
	base, overrides := in.Tasks, in.Overrides
	if len(base) == 0 && in.Release != "" {
		if o.deps.Metadata == nil {
			return nil, fmt.Errorf("release %s requested but no metadata provider is configured", in.Release)
		}
		var err error
		if base, overrides, err = o.deps.Metadata.Tasks(ctx, in.Release); err != nil {
			return nil, fmt.Errorf("failed to load release %s: %w", in.Release, err)
		}
	}

	roles := make([]string, 0)
	for _, n := range nodes {
		roles = append(roles, n.Roles...)
	}

	return BuildGraph(ctx, base, overrides, BuildOptions{
		Roles:      roles,
		Strict:     in.Strict || o.strict,
		Conditions: o.deps.Conditions,
		Attributes: attrs,
		Handlers:   o.deps.Handlers,
	})
}

// StartTransaction validates the deployment, persists a pending
// transaction and drives it in the background. Graph errors are returned
// synchronously and no transaction is created for them.
func (o *Orchestrator) StartTransaction(ctx context.Context, in GraphInput, nodeUIDs []string) (string, error) {
	if len(nodeUIDs) == 0 {
		return "", NewPermanentError("no nodes to deploy", nil).WithCode(ErrCodeGraphValidation)
	}
	if in.ClusterID == "" {
		in.ClusterID = DefaultClusterID
	}

	nodes := make([]Node, 0, len(nodeUIDs))
	for _, uid := range uniqueSorted(nodeUIDs) {
		n, err := o.deps.Nodes.GetNode(ctx, uid)
		if err != nil {
			return "", fmt.Errorf("failed to load node %s: %w", uid, err)
		}
		nodes = append(nodes, *n)
	}

	attrs, err := o.deps.Attributes.Attributes(ctx, in.ClusterID)
	if err != nil {
		return "", fmt.Errorf("failed to read cluster attributes: %w", err)
	}
	g, err := o.buildGraph(ctx, in, nodes, attrs)
	if err != nil {
		return "", err
	}
	plan, err := o.plans.Linearize(g)
	if err != nil {
		return "", err
	}

	txID := uuid.New().String()
	if o.deps.Gate != nil {
		reasons, err := o.deps.Gate.Review(ctx, DeploymentReview{
			TransactionID: txID,
			ClusterID:     in.ClusterID,
			Tasks:         g.Tasks(),
			Nodes:         nodes,
			Attributes:    attrs,
		})
		if err != nil {
			return "", fmt.Errorf("failed to review deployment: %w", err)
		}
		if len(reasons) > 0 {
			return "", NewPermanentError("deployment denied by policy", nil).
				WithCode(ErrCodePolicyDenied).
				WithDetail("reasons", reasons)
		}
	}

	if err := o.claim(txID, nodes); err != nil {
		return "", err
	}

	old, err := o.deps.Store.LatestSnapshot(ctx, in.ClusterID)
	if err != nil {
		o.release(txID)
		return "", fmt.Errorf("failed to load previous deployment state: %w", err)
	}

	now := time.Now().UTC()
	tx := &Transaction{
		ID:         txID,
		ClusterID:  in.ClusterID,
		Status:     TransactionPending,
		Thresholds: o.policy.ComputeThresholds(nodes, attrs),
		NodeUIDs:   uniqueSorted(nodeUIDs),
		GraphHash:  plan.GraphHash,
		OldState:   old,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.deps.Store.CreateTransaction(ctx, tx); err != nil {
		o.release(txID)
		return "", fmt.Errorf("failed to create transaction: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &activeTransaction{cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	o.active[txID] = a
	o.mu.Unlock()

	o.logger.Info().
		Str("transaction_id", txID).
		Str("cluster_id", tx.ClusterID).
		Int("nodes", len(nodes)).
		Int("tasks", g.Len()).
		Msg("Transaction started")

	go o.drive(runCtx, a, tx, g, plan, nodes, in.ForceRedeploy)
	return txID, nil
}

// claim reserves nodes for a transaction. Concurrent transactions must use
// disjoint node sets.
func (o *Orchestrator) claim(txID string, nodes []Node) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, n := range nodes {
		if owner, ok := o.claimed[n.UID]; ok {
			return NewConflictError(fmt.Sprintf("node %s is already deploying in transaction %s", n.UID, owner), nil).
				WithCode(ErrCodeConflict).
				WithResource(n.UID)
		}
	}
	for _, n := range nodes {
		o.claimed[n.UID] = txID
	}
	return nil
}

func (o *Orchestrator) release(txID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for uid, owner := range o.claimed {
		if owner == txID {
			delete(o.claimed, uid)
		}
	}
	delete(o.active, txID)
}

// drive executes the plan stage by stage.
func (o *Orchestrator) drive(
	ctx context.Context,
	a *activeTransaction,
	tx *Transaction,
	g *Graph,
	plan *Plan,
	nodes []Node,
	force bool,
) {
	started := time.Now()
	log := o.logger.With().Str("transaction_id", tx.ID).Logger()

	ctx, span := o.tracer.Start(ctx, "transaction", trace.WithAttributes(
		attribute.String("stackdeploy.transaction_id", tx.ID),
		attribute.String("stackdeploy.cluster_id", tx.ClusterID),
		attribute.Int("stackdeploy.nodes", len(nodes)),
	))
	defer span.End()

	persistCtx := context.WithoutCancel(ctx)
	defer func() {
		o.release(tx.ID)
		a.cancel()
		close(a.done)
	}()

	tx.Status = TransactionRunning
	o.deps.Observer.TransactionStarted()
	o.saveTransaction(persistCtx, tx, log)
	go o.watchAbort(ctx, a, tx.ID, log)
	o.notify(tx, TopicTransactionStarted, "deployment started", "", "")

	next := NewSnapshot(tx.ID, tx.ClusterID, g, nodes)
	unchanged := make(map[string]bool)
	if !force {
		for uid := range Unchanged(tx.OldState, next) {
			for _, n := range nodes {
				if n.UID == uid && n.Status == NodeStatusReady {
					unchanged[uid] = true
				}
			}
		}
	}

	byUID := make(map[string]Node, len(nodes))
	eligible := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if unchanged[n.UID] {
			log.Info().Str("node_uid", n.UID).Msg("Node unchanged since last deployment, skipping")
			continue
		}
		if err := o.deps.Nodes.SetNodeStatus(persistCtx, n.UID, NodeStatusDeploying); err != nil {
			log.Error().Err(err).Str("node_uid", n.UID).Msg("Failed to set node status")
		}
		n.Status = NodeStatusDeploying
		byUID[n.UID] = n
		eligible = append(eligible, n)
	}

	tracker := NewFailureTracker(tx.Thresholds)
	var abortErr error

	for _, sp := range plan.Stages {
		if ctx.Err() != nil {
			break
		}
		if err := o.checkLiveness(ctx, tx, eligible, tracker, log); err != nil {
			abortErr = err
			break
		}
		eligible = withoutFailed(eligible, tracker)

		stageStart := time.Now()
		stageCtx, stageSpan := o.tracer.Start(ctx, "stage", trace.WithAttributes(
			attribute.String("stackdeploy.stage", string(sp.Stage)),
			attribute.Int("stackdeploy.layers", len(sp.Layers)),
		))
		tx.CurrentStage = sp.Stage
		o.saveTransaction(persistCtx, tx, log)
		o.notify(tx, TopicStageStarted, fmt.Sprintf("stage %s started", sp.Stage), "", "")

		for _, layer := range sp.Layers {
			if o.abortedElsewhere(ctx, tx.ID, log) {
				a.cancel()
				break
			}
			tasks := make([]Task, 0, len(layer))
			for _, id := range layer {
				t, _ := g.Task(id)
				tasks = append(tasks, *t)
			}

			for run := range o.dispatcher.DispatchBatch(stageCtx, tx.ID, tasks, eligible) {
				if run.Status != TaskRunError || tracker.IsFailed(run.NodeUID) {
					continue
				}
				o.notify(tx, TopicNodeFailed, fmt.Sprintf("node %s failed task %s", run.NodeUID, run.TaskID), run.NodeUID, run.TaskID)
				if err := tracker.Fail(byUID[run.NodeUID]); err != nil && abortErr == nil {
					abortErr = err
					// Stop outstanding dispatches of this transaction only.
					a.cancel()
				}
			}

			if abortErr != nil || ctx.Err() != nil {
				break
			}
			eligible = withoutFailed(eligible, tracker)
		}

		o.deps.Observer.StageFinished(sp.Stage, time.Since(stageStart))
		o.notify(tx, TopicStageFinished, fmt.Sprintf("stage %s finished", sp.Stage), "", "")
		stageSpan.End()

		if abortErr != nil {
			break
		}
	}

	if abortErr == nil && ctx.Err() != nil {
		abortErr = NewPermanentError("transaction aborted by request", ctx.Err()).
			WithCode(ErrCodeDeploymentAborted).
			WithResource(tx.ID)
	}

	failed := tracker.Failed()
	for _, uid := range failed {
		o.setNodeStatus(persistCtx, uid, NodeStatusError, log)
	}

	if abortErr != nil {
		for _, n := range eligible {
			if !tracker.IsFailed(n.UID) {
				o.setNodeStatus(persistCtx, n.UID, NodeStatusStopped, log)
			}
		}
		o.finishAborted(persistCtx, tx, abortErr, failed, span, log)
	} else {
		tx.Status = TransactionReady
		if o.saveTransaction(persistCtx, tx, log) {
			for _, n := range eligible {
				o.setNodeStatus(persistCtx, n.UID, NodeStatusReady, log)
			}
			o.saveSnapshot(persistCtx, tx, next.Without(failed), log)
			span.SetStatus(codes.Ok, "")
			o.notify(tx, TopicTransactionFinished, "deployment finished", "", "")
			log.Info().
				Strs("failed_nodes", failed).
				Dur("duration", time.Since(started)).
				Msg("Transaction finished")
		} else {
			// Aborted elsewhere after the last layer finished.
			for _, n := range eligible {
				if !tracker.IsFailed(n.UID) {
					o.setNodeStatus(persistCtx, n.UID, NodeStatusStopped, log)
				}
			}
			tx.Status = TransactionError
			span.SetStatus(codes.Error, "transaction aborted by request")
			log.Warn().Msg("Transaction was aborted before it could be marked ready")
		}
	}

	o.deps.Observer.TransactionFinished(tx.Status, time.Since(started))
}

// saveSnapshot stores snap merged with the latest snapshot of the cluster,
// which may have been written by a concurrent transaction since this one
// started.
func (o *Orchestrator) saveSnapshot(ctx context.Context, tx *Transaction, snap *Snapshot, log zerolog.Logger) {
	prev, err := o.deps.Store.LatestSnapshot(ctx, tx.ClusterID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to reload deployment snapshot")
		prev = tx.OldState
	}
	if err := o.deps.Store.SaveSnapshot(ctx, snap.CarryForward(prev, tx.NodeUIDs)); err != nil {
		log.Error().Err(err).Msg("Failed to save deployment snapshot")
	}
}

func (o *Orchestrator) finishAborted(ctx context.Context, tx *Transaction, abortErr error, failed []string, span trace.Span, log zerolog.Logger) {
	tx.Status = TransactionError
	tx.Error = abortErr.Error()
	span.RecordError(abortErr)
	span.SetStatus(codes.Error, abortErr.Error())
	if o.saveTransaction(ctx, tx, log) {
		o.notify(tx, TopicTransactionAborted, abortErr.Error(), "", "")
	}
	log.Error().Err(abortErr).Strs("failed_nodes", failed).Msg("Transaction aborted")
}

// watchAbort cancels a once another process recorded an abort of the
// transaction. It returns when ctx is done.
func (o *Orchestrator) watchAbort(ctx context.Context, a *activeTransaction, txID string, log zerolog.Logger) {
	ticker := time.NewTicker(o.abortPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.abortedElsewhere(ctx, txID, log) {
				a.cancel()
				return
			}
		}
	}
}

// abortedElsewhere reports whether the stored transaction already ended in
// error while this process is still driving it.
func (o *Orchestrator) abortedElsewhere(ctx context.Context, txID string, log zerolog.Logger) bool {
	stored, err := o.deps.Store.GetTransaction(ctx, txID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("Failed to read transaction state")
		}
		return false
	}
	if stored.Status != TransactionError {
		return false
	}
	log.Info().Msg("Transaction aborted by another process")
	return true
}

// checkLiveness charges nodes that went offline while deploying as failed.
func (o *Orchestrator) checkLiveness(ctx context.Context, tx *Transaction, eligible []Node, tracker *FailureTracker, log zerolog.Logger) error {
	var exceeded error
	for _, n := range eligible {
		if tracker.IsFailed(n.UID) {
			continue
		}
		current, err := o.deps.Nodes.GetNode(ctx, n.UID)
		if err != nil {
			log.Error().Err(err).Str("node_uid", n.UID).Msg("Failed to read node liveness")
			continue
		}
		if current.Online {
			continue
		}
		n.Online = false
		o.notify(tx, TopicNodeFailed, fmt.Sprintf("node %s went offline while deploying", n.UID), n.UID, "")
		log.Warn().Str("node_uid", n.UID).Msg("Node offline at stage boundary")
		if err := tracker.Fail(n); err != nil && exceeded == nil {
			exceeded = err
		}
	}
	return exceeded
}

func withoutFailed(nodes []Node, tracker *FailureTracker) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if !tracker.IsFailed(n.UID) {
			out = append(out, n)
		}
	}
	return out
}

func (o *Orchestrator) setNodeStatus(ctx context.Context, uid string, status NodeStatus, log zerolog.Logger) {
	if err := o.deps.Nodes.SetNodeStatus(ctx, uid, status); err != nil {
		log.Error().Err(err).Str("node_uid", uid).Str("status", string(status)).Msg("Failed to set node status")
	}
}

// saveTransaction persists tx. It returns false when the stored
// transaction already finished, as after an abort from another process.
func (o *Orchestrator) saveTransaction(ctx context.Context, tx *Transaction, log zerolog.Logger) bool {
	tx.UpdatedAt = time.Now().UTC()
	err := o.deps.Store.UpdateTransaction(ctx, tx)
	switch {
	case err == nil:
		return true
	case IsConflict(err):
		log.Info().Err(err).Str("status", string(tx.Status)).Msg("Transaction already finished, update dropped")
		return false
	default:
		log.Error().Err(err).Str("status", string(tx.Status)).Msg("Failed to save transaction")
		return true
	}
}

func (o *Orchestrator) notify(tx *Transaction, topic NotificationTopic, msg, nodeUID, taskID string) {
	o.deps.Sink.Notify(Notification{
		Topic:         topic,
		Message:       msg,
		TransactionID: tx.ID,
		ClusterID:     tx.ClusterID,
		NodeUID:       nodeUID,
		TaskID:        taskID,
		Timestamp:     time.Now().UTC(),
	})
}

// AbortTransaction cancels a running transaction. Outstanding task runs
// end as skipped and in-flight transport work is cancelled best effort.
// Other transactions are unaffected.
func (o *Orchestrator) AbortTransaction(ctx context.Context, transactionID string) error {
	o.mu.Lock()
	a, ok := o.active[transactionID]
	o.mu.Unlock()
	if ok {
		o.logger.Info().Str("transaction_id", transactionID).Msg("Abort requested")
		a.cancel()
		return nil
	}

	tx, err := o.deps.Store.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if tx.Status.IsTerminal() {
		return NewConflictError(fmt.Sprintf("transaction already %s", tx.Status), nil).
			WithCode(ErrCodeConflict).
			WithResource(transactionID)
	}

	// Driven by another process, or left behind by one that exited. The
	// driver, if any, sees the error status and stops dispatching.
	tx.Status = TransactionError
	tx.Error = "transaction aborted by request"
	tx.UpdatedAt = time.Now().UTC()
	if err := o.deps.Store.UpdateTransaction(ctx, tx); err != nil {
		if IsConflict(err) {
			return err
		}
		return fmt.Errorf("failed to abort transaction: %w", err)
	}

	runs, err := o.deps.Store.ListTaskRuns(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("failed to list task runs: %w", err)
	}
	now := time.Now()
	for _, r := range LatestRuns(runs) {
		if r.Status.IsTerminal() {
			continue
		}
		r.Seq = 0
		r.Status = TaskRunSkipped
		r.TimeEnd = now
		r.Summary = reasonSummary("transaction aborted")
		if err := o.state.RecordHistory(ctx, transactionID, &r); err != nil {
			return err
		}
	}

	o.logger.Info().Str("transaction_id", transactionID).Msg("Abort recorded")
	o.notify(tx, TopicTransactionAborted, tx.Error, "", "")
	return nil
}

// TransactionStatus returns the derived status of a transaction.
func (o *Orchestrator) TransactionStatus(ctx context.Context, transactionID string) (*StatusSnapshot, error) {
	return o.state.Status(ctx, transactionID)
}

// GetHistory returns every task run record of a transaction in append order.
func (o *Orchestrator) GetHistory(ctx context.Context, transactionID string) ([]TaskRun, error) {
	return o.state.History(ctx, transactionID)
}

// Wait blocks until the transaction finished or ctx is done, then returns
// its status.
func (o *Orchestrator) Wait(ctx context.Context, transactionID string) (*StatusSnapshot, error) {
	o.mu.Lock()
	a, ok := o.active[transactionID]
	o.mu.Unlock()
	if ok {
		select {
		case <-a.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.state.Status(ctx, transactionID)
}
