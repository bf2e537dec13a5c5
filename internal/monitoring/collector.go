// Package monitoring is the operational view of the ledger: a point-in-time
// metrics snapshot, a consistency checker that re-derives projections from
// the event log, and a threshold alerter with a webhook sink.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/revledger/internal/audit"
	"github.com/sells-group/revledger/internal/bus"
	"github.com/sells-group/revledger/internal/match"
	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/store"
)

// recentRuns caps how many DAG runs feed the run statistics.
const recentRuns = 50

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	Tickets int `json:"tickets"`

	// Matching, plus suspense aging detail.
	Match             model.MatchSummary `json:"match"`
	SuspenseMaxAge    int                `json:"suspense_max_age_days"`
	SuspenseEscalated int                `json:"suspense_escalated"`

	// Unresolved breaks by severity.
	BreaksOpen   int `json:"breaks_open"`
	BreaksHigh   int `json:"breaks_high"`
	BreaksMedium int `json:"breaks_medium"`
	BreaksLow    int `json:"breaks_low"`
	AutoResolved int `json:"auto_resolved"`

	// Settlement sagas. Open counts every non-terminal status.
	SettlementsTotal    int `json:"settlements_total"`
	SettlementsOpen     int `json:"settlements_open"`
	SettlementsDisputed int `json:"settlements_disputed"`

	// Recent DAG runs, newest first.
	DagRuns       int    `json:"dag_runs"`
	DagFailed     int    `json:"dag_failed"`
	LastRunStatus string `json:"last_run_status,omitempty"`

	AuditWriteFailures int64            `json:"audit_write_failures"`
	DLQDepth           int              `json:"dlq_depth"`
	BusDeliveries      map[string]int64 `json:"bus_deliveries,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers the snapshot from the store, the audit recorder's
// failure counter and the bus delivery counters. The recorder and the bus
// may be nil when the caller runs without them.
type Collector struct {
	store store.Store
	rec   *audit.Recorder
	bus   *bus.Bus
}

// NewCollector creates a metrics collector.
func NewCollector(s store.Store, rec *audit.Recorder, b *bus.Bus) *Collector {
	return &Collector{store: s, rec: rec, bus: b}
}

// Collect gathers a snapshot of the ledger and its derived stores.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	tickets, err := c.store.ListTicketNumbers(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list tickets")
	}
	snap.Tickets = len(tickets)

	summary, err := c.store.CountCouponMatches(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count matches")
	}
	snap.Match = summary

	waiting, err := c.store.ListSuspense(ctx, 0)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list suspense")
	}
	for _, row := range waiting {
		if row.DaysInSuspense > snap.SuspenseMaxAge {
			snap.SuspenseMaxAge = row.DaysInSuspense
		}
		if match.Escalated(row) {
			snap.SuspenseEscalated++
		}
	}

	breaks, err := c.store.ListReconResults(ctx, store.ReconFilter{
		Status:     model.ReconStatusBreak,
		Resolution: model.ResolutionUnresolved,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list breaks")
	}
	snap.BreaksOpen = len(breaks)
	for _, b := range breaks {
		switch b.Severity {
		case model.SeverityHigh:
			snap.BreaksHigh++
		case model.SeverityMedium:
			snap.BreaksMedium++
		case model.SeverityLow:
			snap.BreaksLow++
		}
	}

	resolved, err := c.store.ListReconResults(ctx, store.ReconFilter{
		Resolution: model.ResolutionAutoResolved,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list auto-resolved")
	}
	snap.AutoResolved = len(resolved)

	settlements, err := c.store.ListSettlements(ctx, store.SettlementFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list settlements")
	}
	snap.SettlementsTotal = len(settlements)
	for _, st := range settlements {
		if !st.Status.Terminal() {
			snap.SettlementsOpen++
		}
		if st.Status == model.SettlementDisputed {
			snap.SettlementsDisputed++
		}
	}

	runs, err := c.store.ListDagRuns(ctx, recentRuns)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list dag runs")
	}
	snap.DagRuns = len(runs)
	for _, r := range runs {
		if r.Status == model.RunFailed {
			snap.DagFailed++
		}
	}
	if len(runs) > 0 {
		snap.LastRunStatus = string(runs[0].Status)
	}

	if c.rec != nil {
		snap.AuditWriteFailures = c.rec.Failures()
	}

	depth, err := c.store.CountDeadLetters(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dead letters")
	}
	snap.DLQDepth = depth

	if c.bus != nil {
		snap.BusDeliveries = c.bus.Counts()
	}

	return snap, nil
}
