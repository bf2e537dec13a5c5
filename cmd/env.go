package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/revledger/internal/audit"
	"github.com/sells-group/revledger/internal/bus"
	"github.com/sells-group/revledger/internal/closing"
	"github.com/sells-group/revledger/internal/dag"
	"github.com/sells-group/revledger/internal/feeds"
	"github.com/sells-group/revledger/internal/ledger"
	"github.com/sells-group/revledger/internal/match"
	"github.com/sells-group/revledger/internal/recon"
	"github.com/sells-group/revledger/internal/resilience"
	"github.com/sells-group/revledger/internal/settle"
	"github.com/sells-group/revledger/internal/store"
)

// initStore opens the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "revledger.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// ledgerEnv holds the migrated store and every engine the commands drive.
type ledgerEnv struct {
	Store    store.Store
	Audit    *audit.Recorder
	Bus      *bus.Bus
	Ledger   *ledger.Ledger
	Registry *feeds.Registry
	Feeds    *feeds.Engine
	Matcher  *match.Matcher
	Recon    *recon.Engine
	Settle   *settle.Engine
	Runner   *dag.Runner
	Closer   *closing.Closer
}

// Close releases resources held by the environment.
func (e *ledgerEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens the store, migrates it, and wires the engines together.
// Callers should defer env.Close().
func initEnv(ctx context.Context) (*ledgerEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rec := audit.NewRecorder(st)
	b := bus.New()
	led := ledger.New(st, rec, ledger.WithPublisher(b))

	reg := feeds.NewRegistry(cfg.Feeds, cfg.Circuit)
	feedEngine := feeds.NewEngine(reg, led, st, rec,
		feeds.WithRetry(resilience.FromRetryConfig(
			cfg.Retry.MaxAttempts,
			cfg.Retry.InitialBackoffMs,
			cfg.Retry.MaxBackoffMs,
			cfg.Retry.Multiplier,
			cfg.Retry.JitterFraction,
		)),
	)

	matcher := match.New(st, rec, match.Config{
		SuspenseAfterDays: cfg.Match.SuspenseAfterDays,
		EscalateAfterDays: cfg.Match.EscalateAfterDays,
	})
	reconEngine := recon.New(st, rec, recon.Config{
		AmountTolerance: cfg.Recon.AmountTolerance,
		SeverityLowMax:  cfg.Recon.SeverityLowMax,
		SeverityHighMin: cfg.Recon.SeverityHighMin,
		TimingWindow:    time.Duration(cfg.Recon.TimingWindowHours) * time.Hour,
	})
	settleEngine := settle.New(st, rec, settle.Config{
		DisputeTolerance: cfg.Settle.DisputeTolerance,
	})
	runner := dag.NewRunner(st, rec, dag.WithConcurrency(cfg.Dag.Concurrency))

	closer := closing.New(closing.Deps{
		Store:   st,
		Ledger:  led,
		Feeds:   feedEngine,
		Matcher: matcher,
		Recon:   reconEngine,
		Settle:  settleEngine,
		Runner:  runner,
	}, closing.WithDisputeTolerance(cfg.Settle.DisputeTolerance))

	return &ledgerEnv{
		Store:    st,
		Audit:    rec,
		Bus:      b,
		Ledger:   led,
		Registry: reg,
		Feeds:    feedEngine,
		Matcher:  matcher,
		Recon:    reconEngine,
		Settle:   settleEngine,
		Runner:   runner,
		Closer:   closer,
	}, nil
}
