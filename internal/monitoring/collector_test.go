package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/revledger/internal/audit"
	"github.com/sells-group/revledger/internal/bus"
	"github.com/sells-group/revledger/internal/ledger"
	"github.com/sells-group/revledger/internal/match"
	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/resilience"
	"github.com/sells-group/revledger/internal/settle"
	"github.com/sells-group/revledger/internal/store"
)

var monClock = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

func newMonitorStore(t *testing.T) (store.Store, *ledger.Ledger, *audit.Recorder) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	rec := audit.NewRecorder(s)
	return s, ledger.New(s, rec), rec
}

func appendEvent(t *testing.T, led *ledger.Ledger, ev model.CanonicalEvent) {
	t.Helper()
	_, err := led.Append(context.Background(), ev)
	require.NoError(t, err)
}

func issuedEvent(ticket string, coupon int, gross float64, at time.Time) model.CanonicalEvent {
	ev := model.NewEvent(model.SourcePSS, model.EventTicketIssued, ticket)
	ev.CouponNumber = coupon
	ev.GrossAmount = model.Float(gross)
	ev.Currency = "GBP"
	ev.OccurredAt = at
	return ev
}

func flownEvent(ticket string, coupon int, at time.Time) model.CanonicalEvent {
	ev := model.NewEvent(model.SourceDCS, model.EventCouponFlown, ticket)
	ev.CouponNumber = coupon
	ev.OccurredAt = at
	return ev
}

func TestCollectorEmptyStore(t *testing.T) {
	s, _, rec := newMonitorStore(t)

	c := NewCollector(s, rec, nil)
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, snap.Tickets)
	assert.Equal(t, 0, snap.Match.Total)
	assert.Equal(t, 0, snap.BreaksOpen)
	assert.Equal(t, 0, snap.SettlementsTotal)
	assert.Equal(t, 0, snap.DagRuns)
	assert.Empty(t, snap.LastRunStatus)
	assert.EqualValues(t, 0, snap.AuditWriteFailures)
	assert.Equal(t, 0, snap.DLQDepth)
	assert.Nil(t, snap.BusDeliveries)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollectorCounts(t *testing.T) {
	s, led, rec := newMonitorStore(t)
	ctx := context.Background()
	now := func() time.Time { return monClock }
	day := 24 * time.Hour

	// One matched pair, one 40-day suspense coupon, one 100-day escalated.
	appendEvent(t, led, issuedEvent("125-7700000001", 1, 500, monClock.Add(-5*day)))
	appendEvent(t, led, flownEvent("125-7700000001", 1, monClock.Add(-4*day)))
	appendEvent(t, led, issuedEvent("125-7700000002", 1, 300, monClock.Add(-40*day)))
	appendEvent(t, led, issuedEvent("125-7700000003", 1, 200, monClock.Add(-100*day)))

	matcher := match.New(s, rec, match.Config{}, match.WithNow(now))
	_, err := matcher.MatchAll(ctx)
	require.NoError(t, err)

	require.NoError(t, s.InsertReconResults(ctx, []model.ReconResult{
		{
			ReconType:    model.ReconCouponSettlement,
			TicketNumber: "125-7700000001",
			CouponNumber: 1,
			Status:       model.ReconStatusBreak,
			BreakType:    model.BreakFareMismatch,
			Severity:     model.SeverityHigh,
			Difference:   43,
		},
		{
			ReconType:    model.ReconThreeWay,
			TicketNumber: "125-7700000002",
			CouponNumber: 1,
			Status:       model.ReconStatusBreak,
			BreakType:    model.BreakMissingCoupon,
			Severity:     model.SeverityLow,
		},
		{
			ReconType:    model.ReconTicketCoupon,
			TicketNumber: "125-7700000001",
			Status:       model.ReconStatusMatched,
			Resolution:   model.ResolutionAutoResolved,
		},
	}))

	eng := settle.New(s, rec, settle.Config{}, settle.WithNow(now))
	reconciled, err := eng.Calculate(ctx, settle.CalculateParams{
		TicketNumber: "125-7700000001", CouponNumber: 1,
		Counterparty: "amadeus", CounterpartyType: model.CounterpartyGDSAgent,
		OurAmount: 500, Currency: "GBP",
	})
	require.NoError(t, err)
	_, err = eng.Validate(ctx, reconciled.ID)
	require.NoError(t, err)
	_, err = eng.Submit(ctx, reconciled.ID)
	require.NoError(t, err)
	_, err = eng.Confirm(ctx, reconciled.ID, 500)
	require.NoError(t, err)
	_, err = eng.MarkReconciled(ctx, reconciled.ID)
	require.NoError(t, err)

	parked, err := eng.Calculate(ctx, settle.CalculateParams{
		TicketNumber: "125-7700000002", CouponNumber: 1,
		Counterparty: "expedia", CounterpartyType: model.CounterpartyOTA,
		OurAmount: 300, Currency: "GBP",
	})
	require.NoError(t, err)
	_, err = eng.Validate(ctx, parked.ID)
	require.NoError(t, err)
	_, err = eng.Submit(ctx, parked.ID)
	require.NoError(t, err)

	disputed, err := eng.Calculate(ctx, settle.CalculateParams{
		TicketNumber: "125-7700000003", CouponNumber: 1,
		Counterparty: "AA", CounterpartyType: model.CounterpartyInterline,
		OurAmount: 200, Currency: "GBP",
	})
	require.NoError(t, err)
	_, err = eng.Validate(ctx, disputed.ID)
	require.NoError(t, err)
	_, err = eng.Submit(ctx, disputed.ID)
	require.NoError(t, err)
	_, err = eng.Confirm(ctx, disputed.ID, 150)
	require.NoError(t, err)
	_, err = eng.Dispute(ctx, disputed.ID, "counterparty short by 50.00")
	require.NoError(t, err)

	require.NoError(t, s.CreateDagRun(ctx, &model.DagRun{
		DagName: "month_end_close", Status: model.RunFailed,
		StartedAt: monClock.Add(-2 * time.Hour), Error: "1 of 8 tasks failed",
	}, nil))
	require.NoError(t, s.CreateDagRun(ctx, &model.DagRun{
		DagName: "month_end_close", Status: model.RunSucceeded,
		StartedAt: monClock.Add(-time.Hour),
	}, nil))

	require.NoError(t, s.EnqueueDeadLetter(ctx, resilience.DeadLetter{
		ID:           uuid.NewString(),
		SourceSystem: model.SourcePSS,
		Record:       []byte(`{"ticket_number": ""}`),
		Error:        "pss row has no ticket_number",
		ErrorType:    "permanent",
		MaxRetries:   3,
		NextRetryAt:  monClock,
		CreatedAt:    monClock,
		LastFailedAt: monClock,
	}))

	b := bus.New()
	require.NoError(t, b.Publish(ctx, issuedEvent("125-7700000001", 1, 500, monClock)))
	require.NoError(t, b.Publish(ctx, flownEvent("125-7700000001", 1, monClock)))

	c := NewCollector(s, rec, b)
	snap, err := c.Collect(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.Tickets)

	assert.Equal(t, 1, snap.Match.Matched)
	assert.Equal(t, 2, snap.Match.Suspense)
	assert.Equal(t, 3, snap.Match.Total)
	assert.Equal(t, 100, snap.SuspenseMaxAge)
	assert.Equal(t, 1, snap.SuspenseEscalated)

	assert.Equal(t, 2, snap.BreaksOpen)
	assert.Equal(t, 1, snap.BreaksHigh)
	assert.Equal(t, 0, snap.BreaksMedium)
	assert.Equal(t, 1, snap.BreaksLow)
	assert.Equal(t, 1, snap.AutoResolved)

	assert.Equal(t, 3, snap.SettlementsTotal)
	assert.Equal(t, 2, snap.SettlementsOpen)
	assert.Equal(t, 1, snap.SettlementsDisputed)

	assert.Equal(t, 2, snap.DagRuns)
	assert.Equal(t, 1, snap.DagFailed)
	assert.Equal(t, string(model.RunSucceeded), snap.LastRunStatus)

	assert.EqualValues(t, 0, snap.AuditWriteFailures)
	assert.Equal(t, 1, snap.DLQDepth)
	assert.EqualValues(t, 1, snap.BusDeliveries[bus.TopicTicketIssued])
	assert.EqualValues(t, 1, snap.BusDeliveries[bus.TopicCouponFlown])
}
