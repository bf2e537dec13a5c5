package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var suspenseCmd = &cobra.Command{
	Use:   "suspense",
	Short: "Track coupons awaiting their counterpart event",
}

// -- suspense list --

var suspenseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unmatched coupons by age",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		minAge, _ := cmd.Flags().GetInt("min-age")
		rows, err := env.Matcher.Suspense(ctx, minAge)
		if err != nil {
			return eris.Wrap(err, "suspense list")
		}

		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "No coupons in suspense.")
			return nil
		}
		formatMatchRows(os.Stdout, rows)
		return nil
	},
}

// -- suspense sweep --

var suspenseSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recompute ages, promote stale coupons, stamp escalations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		changed, err := env.Matcher.AgeSweep(ctx)
		if err != nil {
			return eris.Wrap(err, "suspense sweep")
		}

		zap.L().Info("suspense sweep complete", zap.Int("rows_changed", changed))
		fmt.Fprintf(os.Stdout, "Updated %d rows\n", changed)
		return nil
	},
}

func init() {
	suspenseListCmd.Flags().Int("min-age", 0, "only rows at least this many days old")

	suspenseCmd.AddCommand(suspenseListCmd)
	suspenseCmd.AddCommand(suspenseSweepCmd)
	rootCmd.AddCommand(suspenseCmd)
}
