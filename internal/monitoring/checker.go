package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/revledger/internal/config"
)

// defaultCheckInterval applies when the config leaves the cadence unset.
const defaultCheckInterval = 5 * time.Minute

// Checker wakes on an interval, snapshots the ledger and pushes any
// threshold breaches through the alerter.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
}

// NewChecker builds the background checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{collector: collector, alerter: alerter, interval: interval}
}

// Run blocks until ctx is cancelled. The first sweep happens right away so a
// fresh process reports on startup instead of one interval later.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("alert checker running", zap.Duration("interval", c.interval))

	if ctx.Err() == nil {
		c.sweep(ctx, log)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.sweep(ctx, log)
		}
	}
}

// sweep snapshots the ledger and delivers any breaches.
func (c *Checker) sweep(ctx context.Context, log *zap.Logger) {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("metrics collection failed", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("all thresholds clear")
		return
	}

	delivered := c.alerter.Deliver(ctx, alerts)
	log.Warn("thresholds breached",
		zap.Int("alerts", len(alerts)),
		zap.Int("delivered", delivered),
	)
}
