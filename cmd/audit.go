package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/revledger/internal/model"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit trail",
	Long:  "Every pipeline stage records what it read and what it produced. These commands walk that trail by ticket or by output artifact.",
}

// -- audit trail --

var auditTrailCmd = &cobra.Command{
	Use:   "trail <ticket-number>",
	Short: "Show all audit records touching a ticket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		records, err := env.Audit.Trail(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "audit trail")
		}
		if len(records) == 0 {
			fmt.Fprintf(os.Stderr, "No audit records for %s.\n", args[0])
			return nil
		}

		formatAuditRecords(os.Stdout, records)
		return nil
	},
}

// -- audit lineage --

var auditLineageCmd = &cobra.Command{
	Use:   "lineage <output-reference>",
	Short: "Show which inputs produced an output artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		records, err := env.Audit.Lineage(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "audit lineage")
		}
		if len(records) == 0 {
			fmt.Fprintf(os.Stderr, "No audit records reference %s.\n", args[0])
			return nil
		}

		formatAuditRecords(os.Stdout, records)
		for _, rec := range records {
			if len(rec.InputEventIDs) == 0 {
				continue
			}
			fmt.Printf("\n%s inputs (%d):\n", rec.Action, len(rec.InputEventIDs))
			for _, id := range rec.InputEventIDs {
				fmt.Printf("  %s\n", id)
			}
		}
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditTrailCmd)
	auditCmd.AddCommand(auditLineageCmd)
	rootCmd.AddCommand(auditCmd)
}

// formatAuditRecords writes audit rows oldest first to w.
func formatAuditRecords(out io.Writer, records []model.AuditRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WHEN\tACTION\tCOMPONENT\tTICKET\tREF\tDETAIL")
	for _, rec := range records {
		ticket := rec.TicketNumber
		if ticket == "" {
			ticket = "-"
		}
		ref := rec.OutputReference
		if ref == "" {
			ref = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.Format(time.RFC3339), rec.Action, rec.Component,
			ticket, ref, formatAuditDetail(rec.Detail))
	}
	_ = w.Flush()
}

// formatAuditDetail renders a detail map as sorted key=value pairs.
func formatAuditDetail(detail map[string]any) string {
	if len(detail) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, detail[k]))
	}
	return strings.Join(parts, " ")
}
