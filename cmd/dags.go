package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/revledger/internal/closing"
	"github.com/sells-group/revledger/internal/model"
)

var dagsCmd = &cobra.Command{
	Use:   "dags",
	Short: "Inspect and run workflow graphs",
}

// -- dags list --

var dagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered graphs and their task order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		def, err := env.Closer.Definition()
		if err != nil {
			return eris.Wrap(err, "build close graph")
		}

		fmt.Fprintf(os.Stdout, "%s\n", def.Name())
		for i, task := range def.ExecutionOrder() {
			fmt.Fprintf(os.Stdout, "  %d. %s\n", i+1, task)
		}
		return nil
	},
}

// -- dags run --

var dagsRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Execute a graph by name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if args[0] != closing.DagName {
			return eris.Errorf("unknown dag %q (known: %s)", args[0], closing.DagName)
		}

		run, tasks, err := env.Closer.Run(ctx)
		if err != nil {
			return eris.Wrapf(err, "run dag %s", args[0])
		}

		formatDagRun(os.Stdout, run, tasks)
		if run.Status == model.RunFailed {
			return eris.Errorf("dag run %s failed: %s", run.ID, run.Error)
		}
		return nil
	},
}

func init() {
	dagsCmd.AddCommand(dagsListCmd)
	dagsCmd.AddCommand(dagsRunCmd)
	rootCmd.AddCommand(dagsCmd)
}

// taskDeps renders a dependency list for display.
func taskDeps(deps []string) string {
	if len(deps) == 0 {
		return "-"
	}
	return strings.Join(deps, ",")
}
