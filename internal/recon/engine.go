// Package recon compares the ledger's own numbers against each other and
// against counterparty reports. A run performs up to three comparisons per
// ticket and writes one ReconResult per comparison: ticket_coupon checks the
// declared gross against the matched coupon total, coupon_settlement checks
// each matched coupon against what the counterparty reported, and three_way
// covers declared coupons that never matched. Each pass owns its breaks, so
// a discrepancy is reported exactly once.
package recon

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/revledger/internal/audit"
	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/store"
)

// Config holds the comparison tolerances. Amounts within AmountTolerance
// agree; break severity is banded by the absolute difference against
// SeverityLowMax and SeverityHighMin. A same-amount settlement for an
// unflown coupon counts as a timing break only while it is younger than
// TimingWindow.
type Config struct {
	AmountTolerance float64
	SeverityLowMax  float64
	SeverityHighMin float64
	TimingWindow    time.Duration
}

// Engine runs reconciliation passes over the match rows and settlement
// events.
type Engine struct {
	store store.Store
	audit *audit.Recorder
	cfg   Config
	now   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. Zero config fields fall back to 0.01 / 1.00 /
// 10.00 / 168h.
func New(s store.Store, rec *audit.Recorder, cfg Config, opts ...Option) *Engine {
	if cfg.AmountTolerance <= 0 {
		cfg.AmountTolerance = 0.01
	}
	if cfg.SeverityLowMax <= 0 {
		cfg.SeverityLowMax = 1.00
	}
	if cfg.SeverityHighMin <= 0 {
		cfg.SeverityHighMin = 10.00
	}
	if cfg.TimingWindow <= 0 {
		cfg.TimingWindow = 168 * time.Hour
	}
	e := &Engine{store: s, audit: rec, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type couponKey struct {
	ticket string
	coupon int
}

// Reconcile runs all three passes over every ticket and returns the run
// summary. Each run writes a fresh set of rows under its own run id; earlier
// runs are never modified.
func (e *Engine) Reconcile(ctx context.Context) (model.ReconSummary, error) {
	states, err := e.store.ListTicketStates(ctx, store.StateFilter{})
	if err != nil {
		return model.ReconSummary{}, err
	}
	matches, err := e.store.ListCouponMatches(ctx, store.MatchFilter{})
	if err != nil {
		return model.ReconSummary{}, err
	}
	settlements, err := e.store.ListTicketEvents(ctx, store.EventFilter{
		Types: []model.EventType{model.EventSettlementDue, model.EventInterlineClaim},
	})
	if err != nil {
		return model.ReconSummary{}, err
	}

	summary, results := e.run(states, matches, settlements)
	if len(results) > 0 {
		if err := e.store.InsertReconResults(ctx, results); err != nil {
			return model.ReconSummary{}, err
		}
	}

	e.audit.Record(ctx, model.AuditRecord{
		Action:          "reconciliation_completed",
		Component:       "reconciliation_engine",
		OutputReference: summary.RunID,
		Detail: map[string]any{
			"total_matched":      summary.Matched,
			"total_breaks":       summary.Breaks,
			"breaks_by_type":     summary.ByType,
			"breaks_by_severity": summary.BySeverity,
		},
	})
	zap.L().Info("recon: run complete",
		zap.String("run_id", summary.RunID),
		zap.Int("matched", summary.Matched),
		zap.Int("breaks", summary.Breaks))
	return summary, nil
}

// ReconcileTicket runs the three passes for a single ticket and persists the
// resulting rows.
func (e *Engine) ReconcileTicket(ctx context.Context, ticketNumber string) ([]model.ReconResult, error) {
	state, err := e.store.GetTicketState(ctx, ticketNumber)
	if err != nil {
		return nil, err
	}
	matches, err := e.store.ListCouponMatches(ctx, store.MatchFilter{TicketNumber: ticketNumber})
	if err != nil {
		return nil, err
	}
	events, err := e.store.GetTicketEvents(ctx, ticketNumber)
	if err != nil {
		return nil, err
	}
	var settlements []model.TicketEvent
	for _, ev := range events {
		if ev.EventType.IsSettlementReport() {
			settlements = append(settlements, ev)
		}
	}

	_, results := e.run([]model.TicketState{*state}, matches, settlements)
	if len(results) > 0 {
		if err := e.store.InsertReconResults(ctx, results); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// run executes the three passes in memory and returns the rows to persist.
func (e *Engine) run(states []model.TicketState, matches []model.CouponMatch, settlements []model.TicketEvent) (model.ReconSummary, []model.ReconResult) {
	runID := uuid.NewString()
	now := e.now()

	matchesByTicket := map[string]map[int]model.CouponMatch{}
	for _, m := range matches {
		byCoupon, ok := matchesByTicket[m.TicketNumber]
		if !ok {
			byCoupon = map[int]model.CouponMatch{}
			matchesByTicket[m.TicketNumber] = byCoupon
		}
		byCoupon[m.CouponNumber] = m
	}

	settlementsByKey := map[couponKey][]model.TicketEvent{}
	for _, ev := range settlements {
		if ev.Payload.CouponNumber <= 0 {
			continue
		}
		k := couponKey{ev.TicketNumber, ev.Payload.CouponNumber}
		settlementsByKey[k] = append(settlementsByKey[k], ev)
	}

	summary := model.ReconSummary{
		RunID:      runID,
		ByType:     map[model.BreakType]int{},
		BySeverity: map[model.Severity]int{},
	}
	var results []model.ReconResult

	emit := func(r model.ReconResult) {
		r.ID = uuid.NewString()
		r.RunID = runID
		r.CreatedAt = now
		if r.Status == model.ReconStatusMatched {
			r.Resolution = model.ResolutionAutoResolved
			r.ResolutionNotes = "difference below tolerance"
			resolvedAt := now
			r.ResolvedAt = &resolvedAt
			summary.Matched++
			summary.AutoResolved++
		} else {
			r.Resolution = model.ResolutionUnresolved
			summary.Breaks++
			summary.ByType[r.BreakType]++
			summary.BySeverity[r.Severity]++
		}
		summary.Total++
		results = append(results, r)
	}

	for _, state := range sortedStates(states) {
		byCoupon := matchesByTicket[state.TicketNumber]

		e.ticketCouponPass(state, byCoupon, emit)

		for _, coupon := range sortedCoupons(byCoupon) {
			m := byCoupon[coupon]
			k := couponKey{m.TicketNumber, m.CouponNumber}
			switch m.Status {
			case model.MatchStatusMatched:
				e.couponSettlementPass(m, settlementsByKey[k], emit)
			case model.MatchStatusUnmatchedIssued, model.MatchStatusSuspense:
				e.threeWayPass(m, settlementsByKey[k], now, emit)
			}
		}
	}

	return summary, results
}

// ticketCouponPass compares the declared gross against the matched coupon
// total. It only fires when every declared coupon has matched: open coupons
// raise their own three_way rows, and refund or void adjusts the gross
// without reweighting coupons.
func (e *Engine) ticketCouponPass(state model.TicketState, byCoupon map[int]model.CouponMatch, emit func(model.ReconResult)) {
	if state.Status == model.TicketStatusVoided || state.Status == model.TicketStatusRefunded {
		return
	}
	declared := state.DeclaredCoupons()
	if len(declared) == 0 {
		return
	}
	var total float64
	for _, coupon := range declared {
		m, ok := byCoupon[coupon]
		if !ok || m.Status != model.MatchStatusMatched {
			return
		}
		total += m.Amount
	}

	diff := state.GrossAmount - total
	row := model.ReconResult{
		ReconType:    model.ReconTicketCoupon,
		TicketNumber: state.TicketNumber,
		OurAmount:    model.Float(state.GrossAmount),
		TheirAmount:  model.Float(total),
		Difference:   diff,
		Description:  fmt.Sprintf("declared gross vs total of %d matched coupons", len(declared)),
	}
	if math.Abs(diff) <= e.cfg.AmountTolerance {
		row.Status = model.ReconStatusMatched
	} else {
		row.Status = model.ReconStatusBreak
		row.BreakType = model.BreakFareMismatch
		row.Severity = e.bandSeverity(diff)
	}
	emit(row)
}

// couponSettlementPass compares one matched coupon against the counterparty
// settlements reported for it.
func (e *Engine) couponSettlementPass(m model.CouponMatch, settlements []model.TicketEvent, emit func(model.ReconResult)) {
	row := model.ReconResult{
		ReconType:    model.ReconCouponSettlement,
		TicketNumber: m.TicketNumber,
		CouponNumber: m.CouponNumber,
		OurAmount:    model.Float(m.Amount),
	}

	switch {
	case len(settlements) == 0:
		row.Status = model.ReconStatusBreak
		row.BreakType = model.BreakMissingSettlement
		row.Severity = model.SeverityHigh
		row.Description = "no settlement reported for flown coupon"
	case len(settlements) > 1:
		var total float64
		for _, ev := range settlements {
			total += ev.Payload.Amount()
		}
		diff := m.Amount - total
		row.Status = model.ReconStatusBreak
		row.BreakType = model.BreakDuplicateLift
		row.Severity = maxSeverity(model.SeverityMedium, e.bandSeverity(diff))
		row.TheirAmount = model.Float(total)
		row.Difference = diff
		row.Description = fmt.Sprintf("%d settlements reported for one lift", len(settlements))
	default:
		ev := settlements[0]
		if ev.Payload.GrossAmount == nil {
			row.Status = model.ReconStatusBreak
			row.BreakType = model.BreakMissingSettlement
			row.Severity = model.SeverityHigh
			row.Description = "settlement reported without an amount"
			break
		}
		their := ev.Payload.Amount()
		diff := m.Amount - their
		row.TheirAmount = model.Float(their)
		row.Difference = diff
		row.Description = "matched coupon vs reported settlement"
		if math.Abs(diff) <= e.cfg.AmountTolerance {
			row.Status = model.ReconStatusMatched
		} else {
			row.Status = model.ReconStatusBreak
			row.BreakType = model.BreakFareMismatch
			row.Severity = e.bandSeverity(diff)
		}
	}
	emit(row)
}

// threeWayPass covers declared coupons that never matched. A same-amount
// settlement inside the timing window means the counterparty simply posted
// first; anything else is a coupon the ledger is still owed.
func (e *Engine) threeWayPass(m model.CouponMatch, settlements []model.TicketEvent, now time.Time, emit func(model.ReconResult)) {
	row := model.ReconResult{
		ReconType:    model.ReconThreeWay,
		TicketNumber: m.TicketNumber,
		CouponNumber: m.CouponNumber,
		OurAmount:    model.Float(m.Amount),
	}

	for _, ev := range settlements {
		if ev.Payload.GrossAmount == nil {
			continue
		}
		their := ev.Payload.Amount()
		if math.Abs(m.Amount-their) <= e.cfg.AmountTolerance && now.Sub(ev.OccurredAt) <= e.cfg.TimingWindow {
			row.Status = model.ReconStatusBreak
			row.BreakType = model.BreakTiming
			row.Severity = model.SeverityLow
			row.TheirAmount = model.Float(their)
			row.Description = "settlement posted before lift; amounts agree"
			emit(row)
			return
		}
	}

	row.Status = model.ReconStatusBreak
	row.BreakType = model.BreakMissingCoupon
	row.Severity = model.SeverityLow
	if m.Status == model.MatchStatusSuspense {
		row.Severity = model.SeverityMedium
	}
	if len(settlements) > 0 && settlements[0].Payload.GrossAmount != nil {
		row.TheirAmount = model.Float(settlements[0].Payload.Amount())
		row.Difference = m.Amount - settlements[0].Payload.Amount()
	}
	row.Description = "declared coupon never flown"
	emit(row)
}

// Resolve transitions a break out of unresolved exactly once and audits the
// resolution. Re-resolving returns ErrAlreadyResolved.
func (e *Engine) Resolve(ctx context.Context, breakID string, resolution model.Resolution, resolvedBy, notes string) (*model.ReconResult, error) {
	result, err := e.store.ResolveBreak(ctx, breakID, resolution, resolvedBy, notes)
	if err != nil {
		return nil, err
	}
	e.audit.Record(ctx, model.AuditRecord{
		Action:          "break_resolved",
		Component:       "reconciliation",
		TicketNumber:    result.TicketNumber,
		OutputReference: result.ID,
		Detail: map[string]any{
			"resolution": string(resolution),
			"notes":      notes,
		},
	})
	zap.L().Info("recon: break resolved",
		zap.String("break_id", breakID),
		zap.String("resolution", string(resolution)),
		zap.String("resolved_by", resolvedBy))
	return result, nil
}

// Breaks lists reconciliation rows matching the filter.
func (e *Engine) Breaks(ctx context.Context, filter store.ReconFilter) ([]model.ReconResult, error) {
	return e.store.ListReconResults(ctx, filter)
}

// Summary aggregates all stored rows across runs.
func (e *Engine) Summary(ctx context.Context) (model.ReconSummary, error) {
	rows, err := e.store.ListReconResults(ctx, store.ReconFilter{})
	if err != nil {
		return model.ReconSummary{}, err
	}
	summary := model.ReconSummary{
		ByType:     map[model.BreakType]int{},
		BySeverity: map[model.Severity]int{},
	}
	for _, row := range rows {
		summary.Total++
		if row.IsBreak() {
			summary.Breaks++
			summary.ByType[row.BreakType]++
			summary.BySeverity[row.Severity]++
		} else {
			summary.Matched++
		}
		if row.Resolution == model.ResolutionAutoResolved {
			summary.AutoResolved++
		}
	}
	return summary, nil
}

func (e *Engine) bandSeverity(diff float64) model.Severity {
	d := math.Abs(diff)
	switch {
	case d >= e.cfg.SeverityHighMin:
		return model.SeverityHigh
	case d <= e.cfg.SeverityLowMax:
		return model.SeverityLow
	default:
		return model.SeverityMedium
	}
}

var severityRank = map[model.Severity]int{
	model.SeverityLow:    0,
	model.SeverityMedium: 1,
	model.SeverityHigh:   2,
}

func maxSeverity(a, b model.Severity) model.Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

func sortedStates(states []model.TicketState) []model.TicketState {
	out := make([]model.TicketState, len(states))
	copy(out, states)
	sort.Slice(out, func(i, j int) bool {
		return out[i].TicketNumber < out[j].TicketNumber
	})
	return out
}

func sortedCoupons(byCoupon map[int]model.CouponMatch) []int {
	coupons := make([]int, 0, len(byCoupon))
	for c := range byCoupon {
		coupons = append(coupons, c)
	}
	sort.Ints(coupons)
	return coupons
}
