package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/store"
)

var breaksCmd = &cobra.Command{
	Use:   "breaks",
	Short: "Review and resolve reconciliation breaks",
}

// -- breaks list --

var breaksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reconciliation breaks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		severity, _ := cmd.Flags().GetString("severity")
		breakType, _ := cmd.Flags().GetString("type")
		resolution, _ := cmd.Flags().GetString("resolution")
		ticket, _ := cmd.Flags().GetString("ticket")
		limit, _ := cmd.Flags().GetInt("limit")

		rows, err := env.Recon.Breaks(ctx, store.ReconFilter{
			Severity:     model.Severity(severity),
			BreakType:    model.BreakType(breakType),
			Resolution:   model.Resolution(resolution),
			TicketNumber: ticket,
			Limit:        limit,
		})
		if err != nil {
			return eris.Wrap(err, "breaks list")
		}

		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "No breaks found.")
			return nil
		}
		formatBreaks(os.Stdout, rows)
		return nil
	},
}

// -- breaks resolve --

var breaksResolveCmd = &cobra.Command{
	Use:   "resolve <break-id>",
	Short: "Resolve a break exactly once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		resolution, _ := cmd.Flags().GetString("resolution")
		resolvedBy, _ := cmd.Flags().GetString("by")
		notes, _ := cmd.Flags().GetString("notes")

		result, err := env.Recon.Resolve(ctx, args[0], model.Resolution(resolution), resolvedBy, notes)
		if err != nil {
			return eris.Wrapf(err, "resolve break %s", args[0])
		}
		return encodeJSON(os.Stdout, result)
	},
}

func init() {
	breaksListCmd.Flags().String("severity", "", "filter by severity (low, medium, high)")
	breaksListCmd.Flags().String("type", "", "filter by break type (timing, fare_mismatch, missing_coupon, duplicate_lift, missing_settlement)")
	breaksListCmd.Flags().String("resolution", string(model.ResolutionUnresolved), "filter by resolution state")
	breaksListCmd.Flags().String("ticket", "", "filter by ticket number")
	breaksListCmd.Flags().Int("limit", 100, "max rows to display")

	breaksResolveCmd.Flags().String("resolution", string(model.ResolutionManuallyResolved), "resolution to record (manually_resolved, escalated)")
	breaksResolveCmd.Flags().String("by", "", "who resolved the break")
	breaksResolveCmd.Flags().String("notes", "", "resolution notes")

	breaksCmd.AddCommand(breaksListCmd)
	breaksCmd.AddCommand(breaksResolveCmd)
	rootCmd.AddCommand(breaksCmd)
}

// formatBreaks writes reconciliation rows as a table to w.
func formatBreaks(out io.Writer, rows []model.ReconResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tTICKET\tCOUPON\tBREAK\tSEV\tDIFF\tRESOLUTION")
	for _, r := range rows {
		coupon := "-"
		if r.CouponNumber > 0 {
			coupon = fmt.Sprintf("%d", r.CouponNumber)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
			truncateID(r.ID), r.ReconType, r.TicketNumber, coupon,
			r.BreakType, r.Severity, r.Difference, r.Resolution)
	}
	_ = w.Flush()
}
