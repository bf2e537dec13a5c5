package sim

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/revledger/internal/audit"
	"github.com/sells-group/revledger/internal/config"
	"github.com/sells-group/revledger/internal/feeds"
	"github.com/sells-group/revledger/internal/ledger"
	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/store"
)

var simClock = time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)

func newSimStore(t *testing.T) (store.Store, *ledger.Ledger, *audit.Recorder) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "sim.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	rec := audit.NewRecorder(s)
	return s, ledger.New(s, rec), rec
}

func TestDefaultScenario(t *testing.T) {
	sc := DefaultScenario()
	require.NoError(t, sc.validate())
	assert.Len(t, sc.Flights, 3)

	var sourceWeight, cabinWeight float64
	for _, src := range sc.Sources {
		sourceWeight += src.Weight
	}
	for _, cabin := range sc.Cabins {
		cabinWeight += cabin.Weight
	}
	assert.InDelta(t, 1.0, sourceWeight, 0.001)
	assert.InDelta(t, 1.0, cabinWeight, 0.001)
}

func TestLoadScenarioAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	doc := `simulation:
  tickets_min: 10
  tickets_max: 12
  currency: USD
  discrepancy_rate: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, 10, sc.TicketsMin)
	assert.Equal(t, 12, sc.TicketsMax)
	assert.Equal(t, "USD", sc.Currency)
	assert.Equal(t, 0.5, sc.DiscrepancyRate)

	def := DefaultScenario()
	assert.Equal(t, def.Flights, sc.Flights)
	assert.Equal(t, def.Sources, sc.Sources)
	assert.Equal(t, def.Cabins, sc.Cabins)
	assert.Equal(t, def.NetFactor, sc.NetFactor)
}

func TestLoadScenarioRejectsInvertedBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	doc := `simulation:
  tickets_min: 9
  tickets_max: 4
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tickets_max")
}

func TestGenerateIsDeterministic(t *testing.T) {
	now := func() time.Time { return simClock }
	a := New(nil, nil, DefaultScenario(), WithSeed(7), WithNow(now)).Generate()
	b := New(nil, nil, DefaultScenario(), WithSeed(7), WithNow(now)).Generate()
	c := New(nil, nil, DefaultScenario(), WithSeed(8), WithNow(now)).Generate()

	require.Equal(t, a.Tickets, b.Tickets)
	assert.True(t, a.DepartureTime.Equal(b.DepartureTime))
	assert.NotEqual(t, a.SimulationID, b.SimulationID)
	assert.NotEqual(t, a.Tickets, c.Tickets)
}

func TestGenerateRespectsScenario(t *testing.T) {
	sc := DefaultScenario()
	e := New(nil, nil, sc, WithSeed(42), WithNow(func() time.Time { return simClock }))
	batch := e.Generate()

	require.GreaterOrEqual(t, len(batch.Tickets), sc.TicketsMin)
	require.LessOrEqual(t, len(batch.Tickets), sc.TicketsMax)
	assert.True(t, batch.DepartureTime.Equal(simClock.Add(6*time.Hour)))

	bands := map[string]CabinBand{}
	for _, cabin := range sc.Cabins {
		bands[cabin.Name] = cabin
	}

	discrepant := 0
	for _, ticket := range batch.Tickets {
		assert.True(t, len(ticket.TicketNumber) > len(TicketPrefix))
		assert.Equal(t, TicketPrefix, ticket.TicketNumber[:len(TicketPrefix)])
		assert.Len(t, ticket.PNR, 6)
		assert.Equal(t, "GBP", ticket.Currency)
		require.NotEmpty(t, ticket.Legs)
		require.LessOrEqual(t, len(ticket.Legs), 2)

		band, ok := bands[ticket.Cabin]
		require.True(t, ok, "unknown cabin %s", ticket.Cabin)
		base := ticket.Legs[0].Amount
		assert.GreaterOrEqual(t, base, band.Floor)
		assert.LessOrEqual(t, base, band.Ceil)
		if len(ticket.Legs) == 2 {
			assert.Equal(t, 2, ticket.Legs[1].CouponNumber)
			assert.InDelta(t, round2(base*0.55), ticket.Legs[1].Amount, 0.001)
		}

		var legSum float64
		for _, leg := range ticket.Legs {
			legSum += leg.Amount
		}
		assert.InDelta(t, ticket.InternalTotal, round2(legSum), 0.001)
		assert.InDelta(t, ticket.ExternalTotal, round2(ticket.InternalTotal+ticket.Discrepancy), 0.001)

		if ticket.Discrepancy != 0 {
			discrepant++
			size := ticket.Discrepancy
			if size < 0 {
				size = -size
			}
			assert.GreaterOrEqual(t, size, float64(sc.DiscrepancyMin))
			assert.LessOrEqual(t, size, float64(sc.DiscrepancyMax))
		}
	}
	assert.GreaterOrEqual(t, discrepant, 1)
	assert.LessOrEqual(t, discrepant, 2)
}

func TestDiscrepancyTarget(t *testing.T) {
	assert.Equal(t, 1, discrepancyTarget(3, 0.3))
	assert.Equal(t, 1, discrepancyTarget(4, 0.3))
	assert.Equal(t, 2, discrepancyTarget(5, 0.3))
	assert.Equal(t, 0, discrepancyTarget(5, 0))
	assert.Equal(t, 5, discrepancyTarget(5, 1.0))
	assert.Equal(t, 1, discrepancyTarget(2, 0.05))
}

func TestSeedLedgerAppendsLifecycle(t *testing.T) {
	s, led, rec := newSimStore(t)
	ctx := context.Background()

	sc := DefaultScenario()
	sc.TicketsMin = 2
	sc.TicketsMax = 2
	sc.SecondLegChance = 0
	sc.LiftRate = 1
	sc.DiscrepancyRate = 0

	e := New(led, rec, sc, WithSeed(11), WithNow(func() time.Time { return simClock }))
	batch := e.Generate()
	require.Len(t, batch.Tickets, 2)
	require.Zero(t, batch.Discrepancies())

	appended, err := e.SeedLedger(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 6, appended, "issuance, lift and report per single-leg ticket")

	for _, ticket := range batch.Tickets {
		state, err := s.GetTicketState(ctx, ticket.TicketNumber)
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, model.TicketStatusFlown, state.Status)
		assert.InDelta(t, ticket.InternalTotal, state.GrossAmount, 0.001)
		assert.Equal(t, model.CouponLegFlown, state.CouponStatuses[1])
	}

	bookings, err := s.ListAudit(ctx, store.AuditFilter{Action: "simulation_booking_processed"})
	require.NoError(t, err)
	assert.Len(t, bookings, 2)

	seeded, err := s.ListAudit(ctx, store.AuditFilter{Action: "simulation_seeded"})
	require.NoError(t, err)
	require.Len(t, seeded, 1)
	assert.Equal(t, batch.SimulationID, seeded[0].OutputReference)
}

// Renders a batch to raw channel files, ingests them through the real
// registry, and checks the projections agree with the in-memory batch. A
// second ingest must dedup completely since event ids derive from record
// bytes.
func TestWritePayloadsRoundTripsThroughFeeds(t *testing.T) {
	s, led, rec := newSimStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	sc := DefaultScenario()
	sc.TicketsMin = 3
	sc.TicketsMax = 3

	e := New(led, rec, sc, WithSeed(29), WithNow(func() time.Time { return simClock }))
	batch := e.Generate()
	require.NoError(t, e.WritePayloads(dir, batch))

	for _, name := range []string{feeds.PSSFile, feeds.DCSFile, feeds.GDSFile, feeds.OTAFile, feeds.InterlineFile, feeds.StatementFile} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
	}

	reg := feeds.NewRegistry(config.FeedsConfig{DataDir: dir}, config.CircuitConfig{})
	ingest := feeds.NewEngine(reg, led, s, rec, feeds.WithParallelism(1))

	sum, err := ingest.IngestAll(ctx)
	require.NoError(t, err)
	require.Zero(t, sum.Failed)
	require.Zero(t, sum.Rejected)

	totalLegs, flownLegs, channelReportLegs, statementLegs := 0, 0, 0, 0
	for _, ticket := range batch.Tickets {
		totalLegs += len(ticket.Legs)
		for _, leg := range ticket.Legs {
			if leg.Flown {
				flownLegs++
			}
		}
		if ticket.Source == "pss_direct" {
			statementLegs += len(ticket.Legs)
		} else {
			channelReportLegs += len(ticket.Legs)
		}
	}
	assert.Equal(t, totalLegs+flownLegs+channelReportLegs, sum.Appended)

	stmtEvents, stmtRejects, err := feeds.Statement{}.ImportFile(filepath.Join(dir, feeds.StatementFile))
	require.NoError(t, err)
	require.Empty(t, stmtRejects)
	require.Len(t, stmtEvents, statementLegs)
	for _, ev := range stmtEvents {
		_, err := led.Append(ctx, ev)
		require.NoError(t, err)
	}

	for _, ticket := range batch.Tickets {
		state, err := s.GetTicketState(ctx, ticket.TicketNumber)
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.InDelta(t, ticket.InternalTotal, state.GrossAmount, 0.001, ticket.TicketNumber)
		for _, leg := range ticket.Legs {
			want := model.CouponLegIssued
			if leg.Flown {
				want = model.CouponLegFlown
			}
			assert.Equal(t, want, state.CouponStatuses[leg.CouponNumber], "%s coupon %d", ticket.TicketNumber, leg.CouponNumber)
		}
	}

	again, err := ingest.IngestAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Appended)
	assert.Equal(t, sum.Appended, again.Duplicates)
}
