package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"go.opentelemetry.io/otel/trace"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
	"github.com/stackdeploy/stackdeploy/pkg/telemetry"
)

// deployFlags are shared by deploy and graph.
type deployFlags struct {
	release string
	cluster string
	nodes   []string
	all     bool
	strict  bool
}

func (f *deployFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.release, "release", "r", "", "release to deploy")
	cmd.Flags().StringVar(&f.cluster, "cluster", "", "cluster id (defaults to orchestrator.cluster_id)")
	cmd.Flags().StringSliceVarP(&f.nodes, "node", "n", nil, "node uid to deploy (repeatable)")
	cmd.Flags().BoolVar(&f.all, "all", false, "deploy every registered node")
	cmd.Flags().BoolVar(&f.strict, "strict", false, "reject task id collisions between releases and role overrides")
	_ = cmd.MarkFlagRequired("release")
}

func (f *deployFlags) input(a *app) engine.GraphInput {
	return engine.GraphInput{
		ClusterID: a.clusterID(f.cluster),
		Release:   f.release,
		Strict:    f.strict,
	}
}

// selectNodes resolves the node selection to registered nodes.
func (f *deployFlags) selectNodes(ctx context.Context, a *app) ([]engine.Node, error) {
	switch {
	case f.all && len(f.nodes) > 0:
		return nil, fmt.Errorf("--all and --node are mutually exclusive")
	case f.all:
		nodes, err := a.store.ListNodes(ctx)
		if err != nil {
			return nil, err
		}
		if len(nodes) == 0 {
			return nil, fmt.Errorf("no nodes registered")
		}
		return nodes, nil
	case len(f.nodes) == 0:
		return nil, fmt.Errorf("select nodes with --node or --all")
	}

	nodes := make([]engine.Node, 0, len(f.nodes))
	for _, uid := range f.nodes {
		n, err := a.store.GetNode(ctx, uid)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, nil
}

func newDeployCommand() *cobra.Command {
	var (
		flags deployFlags
		force bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a release to nodes",
		Long: `Start a deployment transaction and wait for it to finish.

This command:
  - Loads the release tasks and role overrides from the metadata directory
  - Expands tasks to the roles of the selected nodes
  - Runs the deployment policies
  - Dispatches stages and layers over SSH
  - Prints the final transaction status

Nodes whose previous deployment of the same graph succeeded are skipped
unless --force is given. Interrupting the command aborts the transaction.`,
		Example: `  # Deploy a release to two nodes
  stackctl deploy --release 2024.1 --node 1 --node 2

  # Redeploy every node, even unchanged ones
  stackctl deploy --release 2024.1 --all --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{dispatch: true})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			ctx = a.tel.WithContext(ctx)
			ctx, span := a.tel.Tracer.StartCommandSpan(ctx, "deploy")
			defer span.End()
			err = a.deploy(ctx, cmd.OutOrStdout(), flags, force)
			if err != nil {
				a.tel.Metrics.RecordError(err)
				telemetry.RecordError(span, err)
				return err
			}
			telemetry.RecordSuccess(span)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "redeploy unchanged nodes")

	return cmd
}

// deploy starts the transaction and waits for it. An interrupted wait
// aborts the transaction.
func (a *app) deploy(ctx context.Context, out io.Writer, flags deployFlags, force bool) error {
	nodes, err := flags.selectNodes(ctx, a)
	if err != nil {
		return err
	}
	uids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		uids = append(uids, n.UID)
	}

	in := flags.input(a)
	in.ForceRedeploy = force
	txID, err := a.orch.StartTransaction(ctx, in, uids)
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		telemetry.AttrTransactionID.String(txID),
		telemetry.AttrClusterID.String(in.ClusterID),
	)
	logger := telemetry.FromContext(ctx).NewComponentLogger("deploy").WithTransaction(txID, in.ClusterID)
	logger.Info(fmt.Sprintf("Deployment started on %d nodes", len(uids)))

	snap, err := a.orch.Wait(ctx, txID)
	if err != nil {
		// Interrupted: stop the transaction and report where it ended.
		logger.Warn("Aborting deployment")
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if abortErr := a.orch.AbortTransaction(bg, txID); abortErr != nil && !engine.IsConflict(abortErr) {
			return fmt.Errorf("failed to abort transaction %s: %w", txID, abortErr)
		}
		if snap, err = a.orch.Wait(bg, txID); err != nil {
			return err
		}
	}

	if err := printStatus(out, snap); err != nil {
		return err
	}
	if snap.Status != engine.TransactionReady {
		a.logFailedRuns(ctx, logger, txID)
		err := fmt.Errorf("transaction %s finished with status %s", txID, snap.Status)
		logger.WithError(err).Error("Deployment failed")
		return err
	}
	logger.Info("Deployment finished")
	return nil
}

// logFailedRuns logs every task run whose latest state is error.
func (a *app) logFailedRuns(ctx context.Context, logger *telemetry.Logger, txID string) {
	runs, err := a.orch.GetHistory(context.WithoutCancel(ctx), txID)
	if err != nil {
		logger.WithError(err).Warn("Failed to read transaction history")
		return
	}
	for _, r := range engine.LatestRuns(runs) {
		if r.Status == engine.TaskRunError {
			logger.WithNode(r.NodeUID).WithTask(r.TaskID).Error("Task run failed")
		}
	}
}

func newGraphCommand() *cobra.Command {
	var (
		flags deployFlags
		dot   bool
	)

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the deployment graph of a release",
		Long: `Build the task graph a deployment would run and print its stages and
layers without dispatching anything. Tasks in the same layer run in
parallel.`,
		Example: `  # Print the dispatch order for all nodes
  stackctl graph --release 2024.1 --all

  # Render with graphviz
  stackctl graph --release 2024.1 --all --dot | dot -Tsvg > graph.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			nodes, err := flags.selectNodes(ctx, a)
			if err != nil {
				return err
			}
			g, plan, err := a.orch.Prepare(ctx, flags.input(a), nodes)
			if err != nil {
				return err
			}

			if dot {
				_, err := fmt.Fprint(cmd.OutOrStdout(), plan.ToDOT(g))
				return err
			}
			return printPlan(cmd.OutOrStdout(), g, plan)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&dot, "dot", false, "output graphviz DOT")

	return cmd
}

func newReleasesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "releases",
		Short: "List releases in the metadata directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if a.metadata == nil {
				return fmt.Errorf("metadata.dir is not configured")
			}
			names, err := a.metadata.Releases()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), names)
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
