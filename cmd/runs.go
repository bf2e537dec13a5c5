package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/revledger/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect workflow run history",
	Long:  "Commands for listing and viewing persisted DAG runs and their task outcomes.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := env.Runner.ListRuns(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if status, _ := cmd.Flags().GetString("status"); status != "" {
			runs = keepRunsWithStatus(runs, model.RunStatus(status))
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs recorded.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with its task outcomes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, tasks, err := env.Runner.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		formatDagRun(os.Stdout, run, tasks)
		return nil
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 20, "newest runs to fetch")
	runsListCmd.Flags().String("status", "", "only runs in this state (pending, running, succeeded, failed)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

func keepRunsWithStatus(runs []model.DagRun, status model.RunStatus) []model.DagRun {
	kept := runs[:0]
	for _, r := range runs {
		if r.Status == status {
			kept = append(kept, r)
		}
	}
	return kept
}

// span renders the elapsed time between two checkpoints. A run or task still
// in flight has no end yet and shows a dash.
func span(started, completed *time.Time) string {
	if started == nil || completed == nil {
		return "-"
	}
	return completed.Sub(*started).Round(time.Millisecond).String()
}

// formatRunsList writes a tabular list of runs to w, newest first.
func formatRunsList(out io.Writer, runs []model.DagRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDAG\tSTATUS\tSTARTED\tDURATION\tERROR")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.DagName,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			span(&r.StartedAt, r.CompletedAt),
			r.Error,
		)
	}
	_ = w.Flush()
}

// formatTaskRuns writes a task outcome table to w.
func formatTaskRuns(out io.Writer, tasks []model.TaskRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TASK\tSTATUS\tDEPENDS\tDURATION\tDETAIL")
	for _, task := range tasks {
		detail := task.ErrorMessage
		if detail == "" {
			detail = formatTaskResult(task.Result)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			task.TaskName, task.Status, taskDeps(task.DependsOn),
			span(task.StartedAt, task.CompletedAt), detail)
	}
	_ = w.Flush()
}

// formatTaskResult renders a task result map as sorted key=value pairs.
func formatTaskResult(result map[string]any) string {
	if len(result) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, result[k]))
	}
	return strings.Join(parts, " ")
}
