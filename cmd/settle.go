package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/store"
)

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Inspect settlement sagas",
	Long:  "Commands for listing settlements, viewing one, and replaying its saga log. Settlements are created and advanced by the month-end close.",
}

// -- settle list --

var settleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List settlements",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		ticket, _ := cmd.Flags().GetString("ticket")
		limit, _ := cmd.Flags().GetInt("limit")

		rows, err := env.Settle.List(ctx, store.SettlementFilter{
			Status:       model.SettlementStatus(status),
			TicketNumber: ticket,
			Limit:        limit,
		})
		if err != nil {
			return eris.Wrap(err, "settle list")
		}

		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "No settlements found.")
			return nil
		}
		formatSettlements(os.Stdout, rows)
		return nil
	},
}

// -- settle show --

var settleShowCmd = &cobra.Command{
	Use:   "show <settlement-id>",
	Short: "Show one settlement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Settle.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "settle show")
		}
		return encodeJSON(os.Stdout, st)
	},
}

// -- settle saga --

var settleSagaCmd = &cobra.Command{
	Use:   "saga <settlement-id>",
	Short: "Show a settlement's transition log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Settle.Saga(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "settle saga")
		}
		if len(entries) == 0 {
			fmt.Fprintf(os.Stderr, "No saga log for %s.\n", args[0])
			return nil
		}

		formatSagaLog(os.Stdout, entries)
		return nil
	},
}

func init() {
	settleListCmd.Flags().String("status", "", "filter by status (calculated, validated, submitted, confirmed, disputed, reconciled, compensated)")
	settleListCmd.Flags().String("ticket", "", "filter by ticket number")
	settleListCmd.Flags().Int("limit", 100, "max rows to display")

	settleCmd.AddCommand(settleListCmd)
	settleCmd.AddCommand(settleShowCmd)
	settleCmd.AddCommand(settleSagaCmd)
	rootCmd.AddCommand(settleCmd)
}

// formatSettlements writes settlement rows as a table to w.
func formatSettlements(out io.Writer, rows []model.Settlement) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTICKET\tCPN\tCOUNTERPARTY\tSTATUS\tOURS\tTHEIRS\tCCY")
	for _, s := range rows {
		coupon := "-"
		if s.CouponNumber > 0 {
			coupon = fmt.Sprintf("%d", s.CouponNumber)
		}
		theirs := "-"
		if s.TheirAmount != nil {
			theirs = fmt.Sprintf("%.2f", *s.TheirAmount)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.2f\t%s\t%s\n",
			truncateID(s.ID), s.TicketNumber, coupon, s.Counterparty,
			s.Status, s.OurAmount, theirs, s.Currency)
	}
	_ = w.Flush()
}

// formatSagaLog writes saga transitions in order to w.
func formatSagaLog(out io.Writer, entries []model.SagaLogEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WHEN\tACTION\tFROM\tTO")
	for _, e := range entries {
		from := string(e.FromStatus)
		if from == "" {
			from = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format(time.RFC3339), e.Action, from, e.ToStatus)
	}
	_ = w.Flush()
}
