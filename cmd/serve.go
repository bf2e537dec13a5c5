package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/revledger/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the status server and background alert checker",
	Long:  "Serves health, metrics, matching and reconciliation summaries, and the consistency check over HTTP, and accepts OTA booking notifications pushed to /webhook/ota. The alert checker runs in the background until shutdown.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store, env.Audit, env.Bus)
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		go monitoring.NewChecker(collector, alerter, cfg.Monitoring).Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newServeMux(env, collector),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down status server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting status server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newServeMux wires the read-side routes and the OTA push endpoint.
func newServeMux(env *ledgerEnv, collector *monitoring.Collector) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		snap, err := collector.Collect(r.Context())
		if err != nil {
			writeHTTPError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("GET /summary/match", func(w http.ResponseWriter, r *http.Request) {
		sum, err := env.Matcher.Summary(r.Context())
		if err != nil {
			writeHTTPError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	})

	mux.HandleFunc("GET /summary/recon", func(w http.ResponseWriter, r *http.Request) {
		sum, err := env.Recon.Summary(r.Context())
		if err != nil {
			writeHTTPError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	})

	mux.HandleFunc("GET /consistency", func(w http.ResponseWriter, r *http.Request) {
		// sample=0 replays every ticket.
		sample := 100
		if raw := r.URL.Query().Get("sample"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, `{"error":"sample must be a non-negative integer"}`, http.StatusBadRequest)
				return
			}
			sample = n
		}
		report, err := monitoring.NewConsistency(env.Store).Check(r.Context(), sample)
		if err != nil {
			writeHTTPError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	mux.HandleFunc("POST /webhook/ota", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil || len(body) == 0 {
			http.Error(w, `{"error":"empty request body"}`, http.StatusBadRequest)
			return
		}

		res, err := env.Feeds.IngestPayload(r.Context(), "ota_partners", body)
		if err != nil {
			writeHTTPError(w, http.StatusBadRequest, err)
			return
		}

		zap.L().Info("webhook payload ingested",
			zap.Int("events", res.Events),
			zap.Int("appended", res.Appended),
			zap.Int("duplicates", res.Duplicates),
			zap.Int("rejected", res.Rejected),
		)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":     "accepted",
			"events":     res.Events,
			"appended":   res.Appended,
			"duplicates": res.Duplicates,
			"rejected":   res.Rejected,
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeHTTPError(w http.ResponseWriter, status int, err error) {
	http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), status)
}
