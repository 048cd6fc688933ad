package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newAttrsCommand() *cobra.Command {
	var cluster string

	cmd := &cobra.Command{
		Use:   "attrs",
		Short: "Cluster attribute management",
		Long: `Manage cluster attributes.

Attributes are visible to task conditions and deployment policies. Keys
under the fault tolerance prefix (fault_tolerance.<role> by default) set the
percentage of a role's nodes that may fail, for example:

  stackctl attrs set fault_tolerance.compute 20%`,
	}
	cmd.PersistentFlags().StringVar(&cluster, "cluster", "", "cluster id (defaults to orchestrator.cluster_id)")

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a cluster attribute",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			return a.store.SetAttribute(ctx, a.clusterID(cluster), args[0], args[1])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unset <key>",
		Short: "Delete a cluster attribute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			return a.store.DeleteAttribute(ctx, a.clusterID(cluster), args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cluster attributes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			attrs, err := a.store.Attributes(ctx, a.clusterID(cluster))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), attrs)
			}

			keys := make([]string, 0, len(attrs))
			for k := range attrs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			tw := newTable(cmd.OutOrStdout(), "KEY", "VALUE")
			for _, k := range keys {
				fmt.Fprintf(tw, "%s\t%s\n", k, attrs[k])
			}
			return tw.Flush()
		},
	})

	return cmd
}
