package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/revledger/internal/model"
)

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Inspect a ticket's lifecycle",
	Long:  "Commands for viewing a ticket's current projection, its point-in-time state, and its full event history.",
}

// -- ticket state --

var ticketAt string

var ticketStateCmd = &cobra.Command{
	Use:   "state <ticket-number>",
	Short: "Show the ticket projection, optionally as of a past instant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var st *model.TicketState
		if ticketAt != "" {
			asOf, err := time.Parse(time.RFC3339, ticketAt)
			if err != nil {
				return eris.Wrapf(err, "parse --at %q (want RFC3339)", ticketAt)
			}
			st, err = env.Ledger.StateAt(ctx, args[0], asOf)
			if err != nil {
				return eris.Wrap(err, "ticket state")
			}
		} else {
			st, err = env.Ledger.GetState(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "ticket state")
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

// -- ticket history --

var ticketHistoryCmd = &cobra.Command{
	Use:   "history <ticket-number>",
	Short: "Show the ticket's event log in sequence order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		events, err := env.Ledger.History(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "ticket history")
		}
		if len(events) == 0 {
			fmt.Fprintf(os.Stderr, "No events for %s.\n", args[0])
			return nil
		}

		formatTicketHistory(os.Stdout, events)
		return nil
	},
}

func init() {
	ticketStateCmd.Flags().StringVar(&ticketAt, "at", "", "replay state as of this RFC3339 instant")

	ticketCmd.AddCommand(ticketStateCmd)
	ticketCmd.AddCommand(ticketHistoryCmd)
	rootCmd.AddCommand(ticketCmd)
}

// formatTicketHistory writes the event log as a table to w.
func formatTicketHistory(out io.Writer, events []model.TicketEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tTYPE\tSOURCE\tCOUPON\tAMOUNT\tOCCURRED")
	for _, ev := range events {
		coupon := "-"
		if ev.Payload.CouponNumber > 0 {
			coupon = fmt.Sprintf("%d", ev.Payload.CouponNumber)
		}
		amount := "-"
		if ev.Payload.GrossAmount != nil {
			amount = fmt.Sprintf("%.2f %s", *ev.Payload.GrossAmount, ev.Payload.Currency)
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			ev.EventSequence, ev.EventType, ev.SourceSystem, coupon, amount,
			ev.OccurredAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
