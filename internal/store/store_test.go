package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/resilience"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testEvent(ticket string, seq int, eventType model.EventType) model.TicketEvent {
	payload := model.NewEvent(model.SourcePSS, eventType, ticket)
	payload.CouponNumber = 1
	payload.GrossAmount = model.Float(500)
	payload.Currency = "USD"
	return model.TicketEvent{
		ID:            payload.EventID,
		TicketNumber:  ticket,
		EventSequence: seq,
		EventType:     eventType,
		SourceSystem:  payload.SourceSystem,
		OccurredAt:    payload.OccurredAt,
		Payload:       payload,
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("AppendAndGetTicketEvents", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for seq, typ := range []model.EventType{model.EventTicketIssued, model.EventCouponFlown, model.EventSettlementDue} {
			require.NoError(t, s.AppendTicketEvent(ctx, testEvent("125-4401000001", seq+1, typ)))
		}

		events, err := s.GetTicketEvents(ctx, "125-4401000001")
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, 1, events[0].EventSequence)
		assert.Equal(t, model.EventTicketIssued, events[0].EventType)
		assert.Equal(t, 3, events[2].EventSequence)
		assert.Equal(t, model.EventSettlementDue, events[2].EventType)
		assert.Equal(t, "125-4401000001", events[1].Payload.TicketNumber)
		assert.InDelta(t, 500, events[0].Payload.Amount(), 0.001)
		assert.False(t, events[0].IngestedAt.IsZero())
	})

	t.Run("AppendTicketEvent_Idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ev := testEvent("125-4401000002", 1, model.EventTicketIssued)
		require.NoError(t, s.AppendTicketEvent(ctx, ev))

		// Replaying the exact same event id is a no-op, not an error.
		require.NoError(t, s.AppendTicketEvent(ctx, ev))

		events, err := s.GetTicketEvents(ctx, "125-4401000002")
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("AppendTicketEvent_DuplicateSequence", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.AppendTicketEvent(ctx, testEvent("125-4401000003", 1, model.EventTicketIssued)))

		// A different event claiming the same (ticket, sequence) slot loses.
		err := s.AppendTicketEvent(ctx, testEvent("125-4401000003", 1, model.EventCouponFlown))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDuplicateSequence)

		events, err := s.GetTicketEvents(ctx, "125-4401000003")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, model.EventTicketIssued, events[0].EventType)
	})

	t.Run("HasTicketEvent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ev := testEvent("125-4401000004", 1, model.EventTicketIssued)
		require.NoError(t, s.AppendTicketEvent(ctx, ev))

		seen, err := s.HasTicketEvent(ctx, ev.ID)
		require.NoError(t, err)
		assert.True(t, seen)

		seen, err = s.HasTicketEvent(ctx, "no-such-event")
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("ListTicketEvents_Filters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.AppendTicketEvent(ctx, testEvent("125-4401000005", 1, model.EventTicketIssued)))
		require.NoError(t, s.AppendTicketEvent(ctx, testEvent("125-4401000005", 2, model.EventCouponFlown)))
		gds := testEvent("125-4401000006", 1, model.EventTicketIssued)
		gds.SourceSystem = model.SourceGDS
		require.NoError(t, s.AppendTicketEvent(ctx, gds))

		all, err := s.ListTicketEvents(ctx, EventFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		byTicket, err := s.ListTicketEvents(ctx, EventFilter{TicketNumber: "125-4401000005"})
		require.NoError(t, err)
		assert.Len(t, byTicket, 2)

		byType, err := s.ListTicketEvents(ctx, EventFilter{Types: []model.EventType{model.EventCouponFlown}})
		require.NoError(t, err)
		require.Len(t, byType, 1)
		assert.Equal(t, model.EventCouponFlown, byType[0].EventType)

		bySource, err := s.ListTicketEvents(ctx, EventFilter{SourceSystem: model.SourceGDS})
		require.NoError(t, err)
		require.Len(t, bySource, 1)
		assert.Equal(t, "125-4401000006", bySource[0].TicketNumber)

		limited, err := s.ListTicketEvents(ctx, EventFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("UpsertAndGetTicketState", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		st := model.NewTicketState("125-4401000010")
		st.Status = model.TicketStatusIssued
		st.PNR = "ABC123"
		st.PassengerName = "DOE/JANE"
		st.Origin = "LHR"
		st.Destination = "JFK"
		st.GrossAmount = 500
		st.Currency = "USD"
		st.EventCount = 1
		st.LastEventType = model.EventTicketIssued
		st.LastModified = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
		st.CouponStatuses[1] = model.CouponLegIssued
		st.CouponStatuses[2] = model.CouponLegIssued
		require.NoError(t, s.UpsertTicketState(ctx, st))

		got, err := s.GetTicketState(ctx, "125-4401000010")
		require.NoError(t, err)
		assert.Equal(t, model.TicketStatusIssued, got.Status)
		assert.Equal(t, "ABC123", got.PNR)
		assert.InDelta(t, 500, got.GrossAmount, 0.001)
		assert.Equal(t, model.CouponLegIssued, got.CouponStatuses[2])
		assert.Equal(t, []int{1, 2}, got.DeclaredCoupons())

		// Upsert overwrites the projection in place.
		st.Status = model.TicketStatusFlown
		st.EventCount = 2
		st.CouponStatuses[1] = model.CouponLegFlown
		require.NoError(t, s.UpsertTicketState(ctx, st))

		got, err = s.GetTicketState(ctx, "125-4401000010")
		require.NoError(t, err)
		assert.Equal(t, model.TicketStatusFlown, got.Status)
		assert.Equal(t, 2, got.EventCount)
		assert.Equal(t, model.CouponLegFlown, got.CouponStatuses[1])
	})

	t.Run("GetTicketState_NotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetTicketState(ctx, "125-0000000000")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListTicketStates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i, status := range []model.TicketStatus{model.TicketStatusIssued, model.TicketStatusFlown, model.TicketStatusIssued} {
			st := model.NewTicketState(string(rune('a'+i)) + "-ticket")
			st.Status = status
			st.LastModified = time.Now().UTC()
			require.NoError(t, s.UpsertTicketState(ctx, st))
		}

		all, err := s.ListTicketStates(ctx, StateFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		issued, err := s.ListTicketStates(ctx, StateFilter{Status: model.TicketStatusIssued})
		require.NoError(t, err)
		assert.Len(t, issued, 2)

		paged, err := s.ListTicketStates(ctx, StateFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, paged, 1)
		assert.Equal(t, "b-ticket", paged[0].TicketNumber)

		tickets, err := s.ListTicketNumbers(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a-ticket", "b-ticket", "c-ticket"}, tickets)
	})

	t.Run("CouponMatches_UpsertAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		issued := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
		matches := []model.CouponMatch{
			{
				TicketNumber: "125-4401000020", CouponNumber: 1, Status: model.MatchStatusMatched,
				IssuedEventID: "ev-1", FlownEventID: "ev-2", IssuedAt: &issued,
				Amount: 250, Currency: "USD",
			},
			{
				TicketNumber: "125-4401000020", CouponNumber: 2, Status: model.MatchStatusUnmatchedIssued,
				IssuedEventID: "ev-1", IssuedAt: &issued, Amount: 250, Currency: "USD",
				DaysInSuspense: 12,
			},
		}
		require.NoError(t, s.UpsertCouponMatches(ctx, matches))
		assert.NotEmpty(t, matches[0].ID)

		got, err := s.GetCouponMatch(ctx, "125-4401000020", 2)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.MatchStatusUnmatchedIssued, got.Status)
		assert.Equal(t, 12, got.DaysInSuspense)
		require.NotNil(t, got.IssuedAt)
		assert.Nil(t, got.FlownAt)

		// Missing rows probe as nil, not as an error.
		miss, err := s.GetCouponMatch(ctx, "125-4401000020", 3)
		require.NoError(t, err)
		assert.Nil(t, miss)
	})

	t.Run("CouponMatches_UpsertOverwrite", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertCouponMatches(ctx, []model.CouponMatch{{
			TicketNumber: "125-4401000021", CouponNumber: 1, Status: model.MatchStatusUnmatchedIssued,
			IssuedEventID: "ev-1", Amount: 300, Currency: "GBP", DaysInSuspense: 5,
		}}))

		matchedAt := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		require.NoError(t, s.UpsertCouponMatches(ctx, []model.CouponMatch{{
			TicketNumber: "125-4401000021", CouponNumber: 1, Status: model.MatchStatusMatched,
			IssuedEventID: "ev-1", FlownEventID: "ev-9", MatchedAt: &matchedAt,
			Amount: 300, Currency: "GBP", DaysInSuspense: 5,
		}}))

		got, err := s.GetCouponMatch(ctx, "125-4401000021", 1)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.MatchStatusMatched, got.Status)
		assert.Equal(t, "ev-9", got.FlownEventID)
		require.NotNil(t, got.MatchedAt)

		// Still a single row for the coupon.
		all, err := s.ListCouponMatches(ctx, MatchFilter{TicketNumber: "125-4401000021"})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("ListSuspense", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertCouponMatches(ctx, []model.CouponMatch{
			{TicketNumber: "t1", CouponNumber: 1, Status: model.MatchStatusUnmatchedIssued, DaysInSuspense: 31},
			{TicketNumber: "t2", CouponNumber: 1, Status: model.MatchStatusSuspense, DaysInSuspense: 95},
			{TicketNumber: "t3", CouponNumber: 1, Status: model.MatchStatusUnmatchedIssued, DaysInSuspense: 29},
			{TicketNumber: "t4", CouponNumber: 1, Status: model.MatchStatusMatched, DaysInSuspense: 120},
		}))

		aged, err := s.ListSuspense(ctx, 30)
		require.NoError(t, err)
		require.Len(t, aged, 2)
		// Oldest first; matched rows never appear regardless of age.
		assert.Equal(t, "t2", aged[0].TicketNumber)
		assert.Equal(t, "t1", aged[1].TicketNumber)

		all, err := s.ListSuspense(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("CountCouponMatches", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.UpsertCouponMatches(ctx, []model.CouponMatch{
			{TicketNumber: "t1", CouponNumber: 1, Status: model.MatchStatusMatched},
			{TicketNumber: "t1", CouponNumber: 2, Status: model.MatchStatusMatched},
			{TicketNumber: "t2", CouponNumber: 1, Status: model.MatchStatusUnmatchedFlown},
			{TicketNumber: "t3", CouponNumber: 1, Status: model.MatchStatusSuspense},
		}))

		summary, err := s.CountCouponMatches(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Matched)
		assert.Equal(t, 0, summary.UnmatchedIssued)
		assert.Equal(t, 1, summary.UnmatchedFlown)
		assert.Equal(t, 1, summary.Suspense)
		assert.Equal(t, 4, summary.Total)
	})

	t.Run("ReconResults_InsertAndList", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		results := []model.ReconResult{
			{
				ReconType: model.ReconTicketCoupon, TicketNumber: "125-4401000030", CouponNumber: 1,
				Status: model.ReconStatusMatched, RunID: "run-1",
			},
			{
				ReconType: model.ReconCouponSettlement, TicketNumber: "125-4401000030", CouponNumber: 2,
				Status: model.ReconStatusBreak, BreakType: model.BreakFareMismatch, Severity: model.SeverityMedium,
				OurAmount: model.Float(500), TheirAmount: model.Float(450), Difference: 50,
				Description: "counterparty declared 450.00 against calculated 500.00", RunID: "run-1",
			},
		}
		require.NoError(t, s.InsertReconResults(ctx, results))
		assert.NotEmpty(t, results[1].ID)

		byRun, err := s.ListReconResults(ctx, ReconFilter{RunID: "run-1"})
		require.NoError(t, err)
		assert.Len(t, byRun, 2)

		breaks, err := s.ListReconResults(ctx, ReconFilter{Status: model.ReconStatusBreak})
		require.NoError(t, err)
		require.Len(t, breaks, 1)
		assert.Equal(t, model.BreakFareMismatch, breaks[0].BreakType)
		assert.Equal(t, model.ResolutionUnresolved, breaks[0].Resolution)
		require.NotNil(t, breaks[0].OurAmount)
		assert.InDelta(t, 500, *breaks[0].OurAmount, 0.001)
		assert.InDelta(t, 50, breaks[0].Difference, 0.001)

		bySeverity, err := s.ListReconResults(ctx, ReconFilter{Severity: model.SeverityMedium})
		require.NoError(t, err)
		assert.Len(t, bySeverity, 1)

		got, err := s.GetReconResult(ctx, results[1].ID)
		require.NoError(t, err)
		assert.Equal(t, model.ReconCouponSettlement, got.ReconType)
		require.NotNil(t, got.TheirAmount)
		assert.InDelta(t, 450, *got.TheirAmount, 0.001)
	})

	t.Run("GetReconResult_NotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetReconResult(ctx, "nonexistent")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ResolveBreak", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		results := []model.ReconResult{{
			ReconType: model.ReconTicketCoupon, TicketNumber: "125-4401000031", CouponNumber: 1,
			Status: model.ReconStatusBreak, BreakType: model.BreakMissingCoupon, Severity: model.SeverityHigh,
			RunID: "run-2",
		}}
		require.NoError(t, s.InsertReconResults(ctx, results))

		resolved, err := s.ResolveBreak(ctx, results[0].ID, model.ResolutionManuallyResolved, "ops.analyst", "coupon surfaced in late DCS feed")
		require.NoError(t, err)
		assert.Equal(t, model.ResolutionManuallyResolved, resolved.Resolution)
		assert.Equal(t, "ops.analyst", resolved.ResolvedBy)
		assert.Equal(t, "coupon surfaced in late DCS feed", resolved.ResolutionNotes)
		require.NotNil(t, resolved.ResolvedAt)

		// Resolving twice is refused and preserves the first resolution.
		_, err = s.ResolveBreak(ctx, results[0].ID, model.ResolutionEscalated, "someone.else", "duplicate attempt")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAlreadyResolved)

		got, err := s.GetReconResult(ctx, results[0].ID)
		require.NoError(t, err)
		assert.Equal(t, model.ResolutionManuallyResolved, got.Resolution)
		assert.Equal(t, "ops.analyst", got.ResolvedBy)
	})

	t.Run("ResolveBreak_InvalidResolution", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		results := []model.ReconResult{{
			ReconType: model.ReconTicketCoupon, TicketNumber: "125-4401000032", CouponNumber: 1,
			Status: model.ReconStatusBreak, BreakType: model.BreakTiming, Severity: model.SeverityLow,
			RunID: "run-2",
		}}
		require.NoError(t, s.InsertReconResults(ctx, results))

		// A break cannot be resolved back to unresolved or to a made-up state.
		_, err := s.ResolveBreak(ctx, results[0].ID, model.ResolutionUnresolved, "ops.analyst", "")
		require.Error(t, err)
		_, err = s.ResolveBreak(ctx, results[0].ID, model.Resolution("closed"), "ops.analyst", "")
		require.Error(t, err)

		got, err := s.GetReconResult(ctx, results[0].ID)
		require.NoError(t, err)
		assert.Equal(t, model.ResolutionUnresolved, got.Resolution)
	})

	t.Run("ResolveBreak_NotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.ResolveBreak(ctx, "nonexistent", model.ResolutionAutoResolved, "ops.analyst", "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Settlements_CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		st := &model.Settlement{
			TicketNumber: "125-4401000040", CouponNumber: 1,
			Counterparty: "AMADEUS", CounterpartyType: model.CounterpartyGDSAgent,
			Status: model.SettlementCalculated, OurAmount: 477.50,
			Currency: "USD", SourceEventID: "ev-source-1",
		}
		require.NoError(t, s.CreateSettlement(ctx, st))
		assert.NotEmpty(t, st.ID)

		got, err := s.GetSettlement(ctx, st.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SettlementCalculated, got.Status)
		assert.InDelta(t, 477.50, got.OurAmount, 0.001)
		// Counterparty amount is unknown until confirmation comes back.
		assert.Nil(t, got.TheirAmount)

		bySource, err := s.GetSettlementBySourceEvent(ctx, "ev-source-1")
		require.NoError(t, err)
		require.NotNil(t, bySource)
		assert.Equal(t, st.ID, bySource.ID)

		miss, err := s.GetSettlementBySourceEvent(ctx, "no-such-event")
		require.NoError(t, err)
		assert.Nil(t, miss)
	})

	t.Run("Settlements_UpdateStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		st := &model.Settlement{
			TicketNumber: "125-4401000041", Counterparty: "EXPEDIA",
			CounterpartyType: model.CounterpartyOTA, Status: model.SettlementCalculated,
			OurAmount: 320, Currency: "EUR",
		}
		require.NoError(t, s.CreateSettlement(ctx, st))

		require.NoError(t, s.UpdateSettlementStatus(ctx, st.ID, model.SettlementConfirmed, model.Float(270)))

		got, err := s.GetSettlement(ctx, st.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SettlementConfirmed, got.Status)
		require.NotNil(t, got.TheirAmount)
		assert.InDelta(t, 270, *got.TheirAmount, 0.001)

		// A nil amount leaves the recorded counterparty figure untouched.
		require.NoError(t, s.UpdateSettlementStatus(ctx, st.ID, model.SettlementDisputed, nil))
		got, err = s.GetSettlement(ctx, st.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SettlementDisputed, got.Status)
		require.NotNil(t, got.TheirAmount)
		assert.InDelta(t, 270, *got.TheirAmount, 0.001)

		err = s.UpdateSettlementStatus(ctx, "nonexistent", model.SettlementValidated, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Settlements_List", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i, cp := range []model.CounterpartyType{model.CounterpartyGDSAgent, model.CounterpartyOTA, model.CounterpartyGDSAgent} {
			st := &model.Settlement{
				TicketNumber: "125-440100005" + string(rune('0'+i)), Counterparty: "CP",
				CounterpartyType: cp, Status: model.SettlementCalculated, Currency: "USD",
			}
			require.NoError(t, s.CreateSettlement(ctx, st))
		}

		all, err := s.ListSettlements(ctx, SettlementFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		gds, err := s.ListSettlements(ctx, SettlementFilter{CounterpartyType: model.CounterpartyGDSAgent})
		require.NoError(t, err)
		assert.Len(t, gds, 2)

		byStatus, err := s.ListSettlements(ctx, SettlementFilter{Status: model.SettlementCalculated, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, byStatus, 1)
	})

	t.Run("SagaLog_AppendAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		st := &model.Settlement{
			TicketNumber: "125-4401000060", Counterparty: "UA",
			CounterpartyType: model.CounterpartyInterline, Status: model.SettlementCalculated,
			Currency: "USD",
		}
		require.NoError(t, s.CreateSettlement(ctx, st))

		base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
		transitions := []struct {
			from, to model.SettlementStatus
			action   string
		}{
			{model.SettlementCalculated, model.SettlementValidated, "validate"},
			{model.SettlementValidated, model.SettlementSubmitted, "submit"},
			{model.SettlementSubmitted, model.SettlementConfirmed, "confirm"},
		}
		for i, tr := range transitions {
			require.NoError(t, s.AppendSagaLog(ctx, model.SagaLogEntry{
				SettlementID: st.ID, FromStatus: tr.from, ToStatus: tr.to,
				Action: tr.action, Detail: map[string]any{"step": float64(i + 1)},
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}

		log, err := s.GetSagaLog(ctx, st.ID)
		require.NoError(t, err)
		require.Len(t, log, 3)
		assert.Equal(t, "validate", log[0].Action)
		assert.Equal(t, float64(1), log[0].Detail["step"])
		assert.Equal(t, model.SettlementSubmitted, log[2].FromStatus)
		assert.Equal(t, model.SettlementConfirmed, log[2].ToStatus)
	})

	t.Run("DagRun_CreateWithTasks", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run := &model.DagRun{DagName: "month_end_close"}
		tasks := []model.TaskRun{
			{TaskName: "ingest"},
			{TaskName: "project", DependsOn: []string{"ingest"}},
			{TaskName: "match", DependsOn: []string{"project"}},
		}
		require.NoError(t, s.CreateDagRun(ctx, run, tasks))
		assert.NotEmpty(t, run.ID)
		assert.Equal(t, model.RunPending, run.Status)

		got, taskRuns, err := s.GetDagRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, "month_end_close", got.DagName)
		assert.Nil(t, got.CompletedAt)
		require.Len(t, taskRuns, 3)
		// Tasks come back sorted by name, all pending.
		assert.Equal(t, "ingest", taskRuns[0].TaskName)
		assert.Equal(t, "match", taskRuns[1].TaskName)
		assert.Equal(t, "project", taskRuns[2].TaskName)
		for _, task := range taskRuns {
			assert.Equal(t, model.TaskPending, task.Status)
			assert.Nil(t, task.StartedAt)
		}
		assert.Equal(t, []string{"project"}, taskRuns[1].DependsOn)
		assert.Equal(t, []string{"ingest"}, taskRuns[2].DependsOn)
	})

	t.Run("DagRun_StatusTransitions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run := &model.DagRun{DagName: "daily_recon"}
		require.NoError(t, s.CreateDagRun(ctx, run, []model.TaskRun{{TaskName: "recon"}}))

		require.NoError(t, s.UpdateDagRunStatus(ctx, run.ID, model.RunRunning, ""))
		got, _, err := s.GetDagRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunRunning, got.Status)
		assert.Nil(t, got.CompletedAt)

		require.NoError(t, s.UpdateDagRunStatus(ctx, run.ID, model.RunFailed, "task recon: feed unavailable"))
		got, _, err = s.GetDagRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunFailed, got.Status)
		assert.Equal(t, "task recon: feed unavailable", got.Error)
		require.NotNil(t, got.CompletedAt)

		err = s.UpdateDagRunStatus(ctx, "nonexistent", model.RunRunning, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DagRun_UpdateTask", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run := &model.DagRun{DagName: "daily_recon"}
		require.NoError(t, s.CreateDagRun(ctx, run, []model.TaskRun{
			{TaskName: "recon"},
			{TaskName: "report", DependsOn: []string{"recon"}},
		}))

		started := time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC)
		finished := started.Add(90 * time.Second)
		require.NoError(t, s.UpdateTaskRun(ctx, model.TaskRun{
			RunID: run.ID, TaskName: "recon", Status: model.TaskSucceeded,
			StartedAt: &started, CompletedAt: &finished,
			Result: map[string]any{"breaks": float64(4)},
		}))

		_, tasks, err := s.GetDagRun(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, model.TaskSucceeded, tasks[0].Status)
		require.NotNil(t, tasks[0].CompletedAt)
		assert.Equal(t, float64(4), tasks[0].Result["breaks"])
		assert.Equal(t, model.TaskPending, tasks[1].Status)
		assert.Equal(t, []string{"recon"}, tasks[1].DependsOn)

		err = s.UpdateTaskRun(ctx, model.TaskRun{RunID: run.ID, TaskName: "nonexistent", Status: model.TaskFailed})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DagRun_List", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for range 3 {
			require.NoError(t, s.CreateDagRun(ctx, &model.DagRun{DagName: "month_end_close"}, nil))
		}

		runs, err := s.ListDagRuns(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, runs, 3)

		limited, err := s.ListDagRuns(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("GetDagRun_NotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, _, err := s.GetDagRun(ctx, "nonexistent")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Audit_AppendAndList", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.AppendAudit(ctx, model.AuditRecord{
			Action: "event_appended", Component: "ledger", TicketNumber: "125-4401000070",
			InputEventIDs: []string{"ev-1"}, OutputReference: "125-4401000070/1",
			Detail:        map[string]any{"event_type": "ticket_issued", "sequence": float64(1)},
			RawSourceHash: "1f3870be274f6c49b3e31a0c6728957f",
		}))
		require.NoError(t, s.AppendAudit(ctx, model.AuditRecord{
			Action: "break_detected", Component: "recon", TicketNumber: "125-4401000070",
			OutputReference: "break-1",
		}))
		require.NoError(t, s.AppendAudit(ctx, model.AuditRecord{
			Action: "event_appended", Component: "ledger", TicketNumber: "125-4401000071",
		}))

		byTicket, err := s.ListAudit(ctx, AuditFilter{TicketNumber: "125-4401000070"})
		require.NoError(t, err)
		assert.Len(t, byTicket, 2)

		byAction, err := s.ListAudit(ctx, AuditFilter{Action: "event_appended"})
		require.NoError(t, err)
		assert.Len(t, byAction, 2)

		byComponent, err := s.ListAudit(ctx, AuditFilter{Component: "recon"})
		require.NoError(t, err)
		require.Len(t, byComponent, 1)
		assert.Equal(t, "break_detected", byComponent[0].Action)

		byOutput, err := s.ListAudit(ctx, AuditFilter{OutputReference: "125-4401000070/1"})
		require.NoError(t, err)
		require.Len(t, byOutput, 1)
		assert.Equal(t, "ticket_issued", byOutput[0].Detail["event_type"])
		assert.Equal(t, float64(1), byOutput[0].Detail["sequence"])
		assert.Equal(t, []string{"ev-1"}, byOutput[0].InputEventIDs)
		assert.Equal(t, "1f3870be274f6c49b3e31a0c6728957f", byOutput[0].RawSourceHash)
	})

	t.Run("DeadLetters_Lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		now := time.Now().UTC()
		dl := resilience.DeadLetter{
			ID:           uuid.New().String(),
			SourceSystem: model.SourceGDS,
			Record:       []byte(`<TicketRecord>malformed`),
			Error:        "parse: unexpected EOF",
			ErrorType:    "transient",
			FailedStage:  "decode",
			MaxRetries:   3,
			NextRetryAt:  now.Add(-time.Minute),
			CreatedAt:    now.Add(-time.Hour),
			LastFailedAt: now.Add(-time.Hour),
		}
		require.NoError(t, s.EnqueueDeadLetter(ctx, dl))

		count, err := s.CountDeadLetters(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		ready, err := s.DequeueDeadLetters(ctx, resilience.DeadLetterFilter{})
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, dl.ID, ready[0].ID)
		assert.Equal(t, model.SourceGDS, ready[0].SourceSystem)
		assert.Equal(t, []byte(`<TicketRecord>malformed`), ready[0].Record)
		assert.True(t, ready[0].CanRetry())

		// Pushing the retry horizon forward hides the record until it is due.
		require.NoError(t, s.IncrementDeadLetterRetry(ctx, dl.ID, now.Add(time.Hour), "still failing"))
		ready, err = s.DequeueDeadLetters(ctx, resilience.DeadLetterFilter{})
		require.NoError(t, err)
		assert.Empty(t, ready)

		require.NoError(t, s.RemoveDeadLetter(ctx, dl.ID))
		count, err = s.CountDeadLetters(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("DeadLetters_ExhaustedNotDequeued", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		now := time.Now().UTC()
		require.NoError(t, s.EnqueueDeadLetter(ctx, resilience.DeadLetter{
			ID:           uuid.New().String(),
			SourceSystem: model.SourceOTA,
			Record:       []byte(`{}`),
			Error:        "validation: missing ticket_number",
			ErrorType:    "permanent",
			RetryCount:   3,
			MaxRetries:   3,
			NextRetryAt:  now.Add(-time.Minute),
			CreatedAt:    now,
			LastFailedAt: now,
		}))

		ready, err := s.DequeueDeadLetters(ctx, resilience.DeadLetterFilter{})
		require.NoError(t, err)
		assert.Empty(t, ready)

		// Still counted even though it is out of retries.
		count, err := s.CountDeadLetters(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("DeadLetters_ListIncludesExhausted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		now := time.Now().UTC()
		require.NoError(t, s.EnqueueDeadLetter(ctx, resilience.DeadLetter{
			ID:           uuid.New().String(),
			SourceSystem: model.SourceOTA,
			Record:       []byte(`{}`),
			Error:        "validation: missing ticket_number",
			ErrorType:    "permanent",
			NextRetryAt:  now,
			CreatedAt:    now,
			LastFailedAt: now,
		}))
		require.NoError(t, s.EnqueueDeadLetter(ctx, resilience.DeadLetter{
			ID:           uuid.New().String(),
			SourceSystem: model.SourceGDS,
			Record:       []byte(`<xml`),
			Error:        "timeout",
			ErrorType:    "transient",
			MaxRetries:   3,
			NextRetryAt:  now.Add(-time.Minute),
			CreatedAt:    now.Add(-time.Hour),
			LastFailedAt: now,
		}))

		// The permanent record has no retry budget, so Dequeue skips it but
		// List still shows it, newest first.
		all, err := s.ListDeadLetters(ctx, resilience.DeadLetterFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, model.SourceOTA, all[0].SourceSystem)

		permanentOnly, err := s.ListDeadLetters(ctx, resilience.DeadLetterFilter{ErrorType: "permanent"})
		require.NoError(t, err)
		require.Len(t, permanentOnly, 1)
		assert.Equal(t, model.SourceOTA, permanentOnly[0].SourceSystem)
	})

	t.Run("DeadLetters_FilterBySource", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		now := time.Now().UTC()
		for _, src := range []model.SourceSystem{model.SourcePSS, model.SourceGDS} {
			require.NoError(t, s.EnqueueDeadLetter(ctx, resilience.DeadLetter{
				ID: uuid.New().String(), SourceSystem: src, Record: []byte("x"),
				Error: "boom", ErrorType: "transient", MaxRetries: 3,
				NextRetryAt: now.Add(-time.Minute), CreatedAt: now, LastFailedAt: now,
			}))
		}

		gdsOnly, err := s.DequeueDeadLetters(ctx, resilience.DeadLetterFilter{SourceSystem: model.SourceGDS})
		require.NoError(t, err)
		require.Len(t, gdsOnly, 1)
		assert.Equal(t, model.SourceGDS, gdsOnly[0].SourceSystem)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}
