package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/revledger/internal/monitoring"
)

var (
	statusConsistency bool
	statusSample      int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a pipeline health snapshot",
	Long:  "Collects event, match, break, settlement, and dead letter counters in one pass. With --consistency it also replays a sample of tickets and reports drift.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store, env.Audit, env.Bus)
		snap, err := collector.Collect(ctx)
		if err != nil {
			return eris.Wrap(err, "collect metrics")
		}
		if err := encodeJSON(os.Stdout, snap); err != nil {
			return err
		}

		if !statusConsistency {
			return nil
		}
		report, err := monitoring.NewConsistency(env.Store).Check(ctx, statusSample)
		if err != nil {
			return eris.Wrap(err, "consistency check")
		}
		return encodeJSON(os.Stdout, report)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusConsistency, "consistency", false, "replay tickets and report projection drift")
	statusCmd.Flags().IntVar(&statusSample, "sample", 0, "max tickets to replay (0 checks all)")
	rootCmd.AddCommand(statusCmd)
}
