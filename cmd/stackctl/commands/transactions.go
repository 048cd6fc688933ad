package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status [transaction-id]",
		Short: "Show a transaction, or list recent transactions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if len(args) == 1 {
				snap, err := a.orch.TransactionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), snap)
			}

			txs, err := a.store.ListTransactions(ctx, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), txs)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "CLUSTER", "STATUS", "STAGE", "NODES", "CREATED")
			for _, tx := range txs {
				stage := string(tx.CurrentStage)
				if stage == "" {
					stage = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					tx.ID, tx.ClusterID, tx.Status, stage, len(tx.NodeUIDs), formatTime(tx.CreatedAt))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of transactions to list")

	return cmd
}

func newHistoryCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "history <transaction-id>",
		Short: "Show the task run history of a transaction",
		Long: `Show every task run record of a transaction in the order it was written.

History is append-only: a run that started and then finished appears twice,
once as running and once with its final status. With --events the progress
notifications of the transaction are printed instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if events {
				notes, err := a.store.ListNotifications(ctx, args[0], 1000)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), notes)
				}
				tw := newTable(cmd.OutOrStdout(), "TIME", "TOPIC", "NODE", "TASK", "MESSAGE")
				for _, n := range notes {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						formatTime(n.Timestamp), n.Topic, dash(n.NodeUID), dash(n.TaskID), n.Message)
				}
				return tw.Flush()
			}

			runs, err := a.orch.GetHistory(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			tw := newTable(cmd.OutOrStdout(), "SEQ", "TASK", "NODE", "STATUS", "START", "END", "SUMMARY")
			for _, r := range runs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Seq, r.TaskID, r.NodeUID, r.Status, formatTime(r.TimeStart), formatTime(r.TimeEnd),
					dash(strings.TrimSpace(string(r.Summary))))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "show notifications instead of task runs")

	return cmd
}

func newAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <transaction-id>",
		Short: "Abort a running transaction",
		Long: `Abort a running transaction.

Outstanding task runs end as skipped and the transaction ends in error.
A deploy running in another process stops dispatching within
orchestrator.abort_poll_interval. Other transactions are unaffected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if err := a.orch.AbortTransaction(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Transaction %s aborted\n", args[0])
			return nil
		},
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
