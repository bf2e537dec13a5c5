package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/revledger/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "revledger",
	Short: "Airline revenue accounting ledger",
	Long:  "Ingests ticketing feeds into an event-sourced ticket ledger, matches coupons, reconciles counterparty reports, and settles interline billing through the month-end close.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
