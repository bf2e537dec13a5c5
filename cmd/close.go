package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/revledger/internal/model"
)

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Run the month-end close",
	Long:  "Executes the month_end_close graph: ingest all feeds, match coupons, reconcile, age suspense, generate settlements, resolve breaks, then the reporting tasks. Task results are persisted per run.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, tasks, err := env.Closer.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "month-end close")
		}

		zap.L().Info("close finished",
			zap.String("run_id", run.ID),
			zap.String("status", string(run.Status)),
		)

		formatDagRun(os.Stdout, run, tasks)
		if run.Status == model.RunFailed {
			return eris.Errorf("close run %s failed: %s", run.ID, run.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(closeCmd)
}

// formatDagRun writes one run header plus its task table to w.
func formatDagRun(out io.Writer, run *model.DagRun, tasks []model.TaskRun) {
	_, _ = fmt.Fprintf(out, "Run %s (%s) %s\n", run.ID, run.DagName, run.Status)
	if run.Error != "" {
		_, _ = fmt.Fprintf(out, "Error: %s\n", run.Error)
	}
	formatTaskRuns(out, tasks)
}
