package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/stackdeploy/stackdeploy/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	return tw
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func printStatus(w io.Writer, snap *engine.StatusSnapshot) error {
	if jsonOutput {
		return printJSON(w, snap)
	}

	tx := snap.Transaction
	fmt.Fprintf(w, "Transaction:  %s\n", tx.ID)
	fmt.Fprintf(w, "Cluster:      %s\n", tx.ClusterID)
	fmt.Fprintf(w, "Status:       %s\n", snap.Status)
	if tx.CurrentStage != "" {
		fmt.Fprintf(w, "Stage:        %s\n", tx.CurrentStage)
	}
	fmt.Fprintf(w, "Nodes:        %s\n", strings.Join(tx.NodeUIDs, ", "))
	fmt.Fprintf(w, "Created:      %s\n", formatTime(tx.CreatedAt))
	fmt.Fprintf(w, "Updated:      %s\n", formatTime(tx.UpdatedAt))
	if tx.Error != "" {
		fmt.Fprintf(w, "Error:        %s\n", tx.Error)
	}

	statuses := make([]string, 0, len(snap.Counts))
	for s := range snap.Counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, fmt.Sprintf("%s=%d", s, snap.Counts[engine.TaskRunStatus(s)]))
	}
	fmt.Fprintf(w, "Task runs:    %s\n", strings.Join(parts, " "))
	if len(snap.FailedNodes) > 0 {
		fmt.Fprintf(w, "Failed nodes: %s\n", strings.Join(snap.FailedNodes, ", "))
	}

	if len(tx.Thresholds) > 0 {
		roles := make([]string, 0, len(tx.Thresholds))
		for r := range tx.Thresholds {
			roles = append(roles, r)
		}
		sort.Strings(roles)
		fmt.Fprintln(w, "Fault tolerance:")
		for _, r := range roles {
			th := tx.Thresholds[r]
			fmt.Fprintf(w, "  %s: %d%% of %d nodes\n", r, th.Percentage, len(th.UIDs))
		}
	}
	return nil
}

func printPlan(w io.Writer, g *engine.Graph, plan *engine.Plan) error {
	if jsonOutput {
		return printJSON(w, plan)
	}
	fmt.Fprintf(w, "Graph %s: %d tasks\n", plan.GraphHash, plan.TaskCount())
	for _, sp := range plan.Stages {
		fmt.Fprintf(w, "%s:\n", sp.Stage)
		for i, layer := range sp.Layers {
			entries := make([]string, 0, len(layer))
			for _, id := range layer {
				t, ok := g.Task(id)
				if !ok {
					entries = append(entries, id)
					continue
				}
				entries = append(entries, fmt.Sprintf("%s(%s)", id, t.Type))
			}
			fmt.Fprintf(w, "  %d: %s\n", i+1, strings.Join(entries, " "))
		}
	}
	return nil
}
