package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
)

func newNodesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Node registry management",
		Long: `Register nodes and inspect their deployment status and liveness.

A node carries the roles it is deployed with and the address the SSH
transport connects to. Liveness is maintained by "stackctl monitor".`,
	}

	cmd.AddCommand(newNodesListCommand())
	cmd.AddCommand(newNodesAddCommand())
	cmd.AddCommand(newNodesRemoveCommand())
	cmd.AddCommand(newNodesHeartbeatCommand())
	cmd.AddCommand(newNodesSetStatusCommand())

	return cmd
}

func newNodesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			nodes, err := a.store.ListNodes(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), nodes)
			}

			tw := newTable(cmd.OutOrStdout(), "UID", "ADDRESS", "ROLES", "STATUS", "ONLINE", "LAST HEARTBEAT")
			for _, n := range nodes {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\n",
					n.UID, n.Address, strings.Join(n.Roles, ","), n.Status, n.Online, formatTime(n.LastHeartbeat))
			}
			return tw.Flush()
		},
	}
}

func newNodesAddCommand() *cobra.Command {
	var (
		address string
		roles   []string
		status  string
	)

	cmd := &cobra.Command{
		Use:   "add <uid>",
		Short: "Register a node or update its address and roles",
		Example: `  stackctl nodes add 1 --address 10.20.0.3 --role primary-controller
  stackctl nodes add 4 --address 10.20.0.6:2222 --role compute --role ceph-osd`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			node := &engine.Node{
				UID:     args[0],
				Address: address,
				Roles:   roles,
				Status:  engine.NodeStatus(status),
			}
			if err := a.store.AddNode(ctx, node); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Node %s registered\n", node.UID)
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "SSH address, host or host:port")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role of the node (repeatable)")
	cmd.Flags().StringVar(&status, "status", string(engine.NodeStatusDiscover), "initial status of a new node")
	_ = cmd.MarkFlagRequired("role")

	return cmd
}

func newNodesRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <uid>",
		Short: "Remove a node from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if err := a.store.RemoveNode(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Node %s removed\n", args[0])
			return nil
		},
	}
}

func newNodesHeartbeatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <uid>...",
		Short: "Record a heartbeat and mark nodes online",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			monitor := engine.NewHealthMonitor(a.store, a.sink, a.tel.Metrics, a.logger)
			now := time.Now().UTC()
			for _, uid := range args {
				if err := monitor.RecordHeartbeat(ctx, uid, now); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newNodesSetStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <uid> <status>",
		Short: "Set the deployment status of a node",
		Long: `Set the deployment status of a node by hand.

Valid statuses: discover, provisioning, deploying, ready, error, stopped.
Setting a node back to discover forces its next deployment even when the
graph did not change.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			return a.store.SetNodeStatus(ctx, args[0], engine.NodeStatus(args[1]))
		},
	}
}
