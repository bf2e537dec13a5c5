package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/revledger/internal/feeds"
	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/resilience"
)

var ingestChannel string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Pull source channels into the ticket ledger",
	Long:  "Fetches the registered channels (PSS, DCS, GDS, OTA, interline), normalizes the records, and appends new events to the ledger. Malformed records land on the dead letter queue.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if ingestChannel != "" {
			res, err := env.Feeds.IngestOne(ctx, ingestChannel)
			if err != nil {
				return eris.Wrapf(err, "ingest %s", ingestChannel)
			}
			formatIngestSummary(os.Stdout, &feeds.Summary{
				Channels:   []feeds.ChannelResult{*res},
				Events:     res.Events,
				Appended:   res.Appended,
				Duplicates: res.Duplicates,
				Rejected:   res.Rejected,
			})
			return nil
		}

		sum, err := env.Feeds.IngestAll(ctx)
		if err != nil {
			return eris.Wrap(err, "ingest all channels")
		}
		formatIngestSummary(os.Stdout, sum)
		return nil
	},
}

// -- ingest statement --

var ingestStatementCmd = &cobra.Command{
	Use:   "statement <file.xlsx>",
	Short: "Import a counterparty statement workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		events, rejects, err := feeds.Statement{}.ImportFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "import statement %s", args[0])
		}

		var appended, duplicates int
		for _, ev := range events {
			seen, err := env.Store.HasTicketEvent(ctx, ev.EventID)
			if err == nil && seen {
				duplicates++
				continue
			}
			if _, err := env.Ledger.Append(ctx, ev); err != nil {
				return eris.Wrapf(err, "append statement row for %s", ev.TicketNumber)
			}
			appended++
		}

		env.Audit.Record(ctx, model.AuditRecord{
			Action:          "statement_imported",
			Component:       "adapter",
			OutputReference: args[0],
			Detail: map[string]any{
				"rows":       len(events),
				"appended":   appended,
				"duplicates": duplicates,
				"rejected":   len(rejects),
			},
		})

		for _, rej := range rejects {
			fmt.Fprintf(os.Stderr, "rejected row: %v\n", rej.Err)
		}
		fmt.Fprintf(os.Stdout, "Imported %d rows: %d appended, %d duplicates, %d rejected\n",
			len(events), appended, duplicates, len(rejects))
		return nil
	},
}

// -- ingest replay --

var ingestReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Retry dead-lettered feed records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		replayed, failed, err := env.Feeds.ReplayDeadLetters(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "replay dead letters")
		}

		zap.L().Info("dead letter replay complete",
			zap.Int("replayed", replayed),
			zap.Int("failed", failed),
		)
		fmt.Fprintf(os.Stdout, "Replayed %d, failed %d\n", replayed, failed)
		return nil
	},
}

// -- ingest dlq --

var ingestDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered feed records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		source, _ := cmd.Flags().GetString("source")
		errType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")

		letters, err := env.Store.ListDeadLetters(ctx, resilience.DeadLetterFilter{
			SourceSystem: model.SourceSystem(source),
			ErrorType:    errType,
			Limit:        limit,
		})
		if err != nil {
			return eris.Wrap(err, "list dead letters")
		}

		if len(letters) == 0 {
			fmt.Fprintln(os.Stderr, "Dead letter queue is empty.")
			return nil
		}
		formatDeadLetters(os.Stdout, letters)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestChannel, "channel", "", "ingest a single channel (pss, dcs, gds, ota, interline)")

	ingestReplayCmd.Flags().Int("limit", 50, "max records to replay")

	ingestDLQCmd.Flags().String("source", "", "filter by source system")
	ingestDLQCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	ingestDLQCmd.Flags().Int("limit", 50, "max records to display")

	ingestCmd.AddCommand(ingestStatementCmd)
	ingestCmd.AddCommand(ingestReplayCmd)
	ingestCmd.AddCommand(ingestDLQCmd)
	rootCmd.AddCommand(ingestCmd)
}

// formatIngestSummary writes per-channel ingest results to w.
func formatIngestSummary(out io.Writer, sum *feeds.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHANNEL\tEVENTS\tAPPENDED\tDUPLICATES\tREJECTED\tERROR")
	for _, ch := range sum.Channels {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
			ch.Channel, ch.Events, ch.Appended, ch.Duplicates, ch.Rejected, ch.Error)
	}
	_, _ = fmt.Fprintf(w, "TOTAL\t%d\t%d\t%d\t%d\t%d failed\n",
		sum.Events, sum.Appended, sum.Duplicates, sum.Rejected, sum.Failed)
	_ = w.Flush()
}

// formatDeadLetters writes a tabular DLQ listing to w.
func formatDeadLetters(out io.Writer, letters []resilience.DeadLetter) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tTYPE\tSTAGE\tRETRIES\tERROR")
	for _, dl := range letters {
		msg := dl.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			truncateID(dl.ID), dl.SourceSystem, dl.ErrorType, dl.FailedStage,
			dl.RetryCount, dl.MaxRetries, msg)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
