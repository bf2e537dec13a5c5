package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/revledger/internal/model"
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Pair issued coupons with flown lifts",
}

// -- match run --

var matchTicket string

var matchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run coupon matching over the event log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if matchTicket != "" {
			rows, err := env.Matcher.MatchTicket(ctx, matchTicket)
			if err != nil {
				return eris.Wrapf(err, "match ticket %s", matchTicket)
			}
			formatMatchRows(os.Stdout, rows)
			return nil
		}

		sum, err := env.Matcher.MatchAll(ctx)
		if err != nil {
			return eris.Wrap(err, "match all")
		}

		zap.L().Info("matching complete",
			zap.Int("matched", sum.Matched),
			zap.Int("unmatched_issued", sum.UnmatchedIssued),
			zap.Int("unmatched_flown", sum.UnmatchedFlown),
			zap.Int("suspense", sum.Suspense),
		)
		return encodeJSON(os.Stdout, sum)
	},
}

// -- match summary --

var matchSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show match counts by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Matcher.Summary(ctx)
		if err != nil {
			return eris.Wrap(err, "match summary")
		}
		return encodeJSON(os.Stdout, sum)
	},
}

func init() {
	matchRunCmd.Flags().StringVar(&matchTicket, "ticket", "", "match a single ticket")

	matchCmd.AddCommand(matchRunCmd)
	matchCmd.AddCommand(matchSummaryCmd)
	rootCmd.AddCommand(matchCmd)
}

// encodeJSON writes v to out as indented JSON.
func encodeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatMatchRows writes coupon match rows as a table to w.
func formatMatchRows(out io.Writer, rows []model.CouponMatch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TICKET\tCOUPON\tSTATUS\tAMOUNT\tAGE\tNOTES")
	for _, row := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%.2f %s\t%dd\t%s\n",
			row.TicketNumber, row.CouponNumber, row.Status,
			row.Amount, row.Currency, row.DaysInSuspense, row.Notes)
	}
	_ = w.Flush()
}
