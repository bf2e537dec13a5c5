package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reconCmd = &cobra.Command{
	Use:   "recon",
	Short: "Reconcile the ledger against matches and counterparty reports",
}

// -- recon run --

var reconTicket string

var reconRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the three reconciliation passes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if reconTicket != "" {
			results, err := env.Recon.ReconcileTicket(ctx, reconTicket)
			if err != nil {
				return eris.Wrapf(err, "reconcile ticket %s", reconTicket)
			}
			return encodeJSON(os.Stdout, results)
		}

		sum, err := env.Recon.Reconcile(ctx)
		if err != nil {
			return eris.Wrap(err, "reconcile")
		}

		zap.L().Info("reconciliation complete",
			zap.String("run_id", sum.RunID),
			zap.Int("total", sum.Total),
			zap.Int("breaks", sum.Breaks),
			zap.Int("auto_resolved", sum.AutoResolved),
		)
		return encodeJSON(os.Stdout, sum)
	},
}

// -- recon summary --

var reconSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show reconciliation counts by type and severity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Recon.Summary(ctx)
		if err != nil {
			return eris.Wrap(err, "recon summary")
		}
		return encodeJSON(os.Stdout, sum)
	},
}

func init() {
	reconRunCmd.Flags().StringVar(&reconTicket, "ticket", "", "reconcile a single ticket")

	reconCmd.AddCommand(reconRunCmd)
	reconCmd.AddCommand(reconSummaryCmd)
	rootCmd.AddCommand(reconCmd)
}
