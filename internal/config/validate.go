package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks that the configuration is usable for the given mode.
// Modes: "ledger" (store-backed commands), "ingest" (feed pulls), "serve"
// (ops server). Shared bounds are checked in every mode.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}

	if c.Match.SuspenseAfterDays < 1 {
		problems = append(problems, "match.suspense_after_days must be >= 1")
	}
	if c.Match.EscalateAfterDays < c.Match.SuspenseAfterDays {
		problems = append(problems, "match.escalate_after_days must be >= match.suspense_after_days")
	}
	if c.Recon.AmountTolerance < 0 {
		problems = append(problems, "recon.amount_tolerance must be >= 0")
	}
	if c.Recon.SeverityHighMin <= c.Recon.SeverityLowMax {
		problems = append(problems, "recon.severity_high_min must be > recon.severity_low_max")
	}
	if c.Settle.DisputeTolerance < 0 {
		problems = append(problems, "settle.dispute_tolerance must be >= 0")
	}
	if c.Dag.Concurrency < 1 || c.Dag.Concurrency > 32 {
		problems = append(problems, "dag.concurrency must be between 1 and 32")
	}

	switch mode {
	case "ledger":
		// Shared checks above are sufficient.
	case "ingest":
		if c.Feeds.DataDir == "" && c.Feeds.PSS.FTPURL == "" {
			problems = append(problems, "feeds.data_dir or feeds.pss.ftp_url is required")
		}
		if c.Feeds.Interline.RateLimit <= 0 {
			problems = append(problems, "feeds.interline.rate_limit must be > 0")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}
