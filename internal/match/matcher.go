// Package match pairs each declared coupon with its reported lift. One row
// exists per (ticket_number, coupon_number); its status is a function of
// which of the issued/flown events exist and how long the pair has been
// waiting. A matched row is frozen: later lift reports are noted on the row,
// never applied.
package match

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/revledger/internal/audit"
	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/store"
)

// Config holds the aging thresholds, in days. Unmatched issued coupons move
// to suspense past SuspenseAfterDays and carry an escalation note past
// EscalateAfterDays.
type Config struct {
	SuspenseAfterDays int
	EscalateAfterDays int
}

const escalationNote = "escalation required: unmatched beyond"

// Escalated reports whether the row carries the aging escalation note.
func Escalated(row model.CouponMatch) bool {
	return strings.Contains(row.Notes, escalationNote)
}

// Matcher computes coupon match rows from the ticket event log.
type Matcher struct {
	store store.Store
	audit *audit.Recorder
	cfg   Config
	now   func() time.Time
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

// New creates a Matcher. Zero thresholds fall back to 30/90 days.
func New(s store.Store, rec *audit.Recorder, cfg Config, opts ...Option) *Matcher {
	if cfg.SuspenseAfterDays <= 0 {
		cfg.SuspenseAfterDays = 30
	}
	if cfg.EscalateAfterDays <= 0 {
		cfg.EscalateAfterDays = 90
	}
	m := &Matcher{store: s, audit: rec, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type couponKey struct {
	ticket string
	coupon int
}

type tally struct {
	matched         int
	unmatchedIssued int
	unmatchedFlown  int
}

// MatchAll recomputes match rows for every coupon seen in the event log and
// returns the per-status counts afterwards. Re-running without new events
// changes no row.
func (m *Matcher) MatchAll(ctx context.Context) (model.MatchSummary, error) {
	issued, err := m.store.ListTicketEvents(ctx, store.EventFilter{
		Types: []model.EventType{model.EventTicketIssued, model.EventTicketReissued},
	})
	if err != nil {
		return model.MatchSummary{}, err
	}
	flown, err := m.store.ListTicketEvents(ctx, store.EventFilter{
		Types: []model.EventType{model.EventCouponFlown},
	})
	if err != nil {
		return model.MatchSummary{}, err
	}

	_, counts, err := m.matchEvents(ctx, issued, flown)
	if err != nil {
		return model.MatchSummary{}, err
	}

	m.audit.Record(ctx, model.AuditRecord{
		Action:    "coupon_matching_completed",
		Component: "coupon_matcher",
		Detail: map[string]any{
			"matched":          counts.matched,
			"unmatched_issued": counts.unmatchedIssued,
			"unmatched_flown":  counts.unmatchedFlown,
		},
	})
	zap.L().Info("matcher: run complete",
		zap.Int("matched", counts.matched),
		zap.Int("unmatched_issued", counts.unmatchedIssued),
		zap.Int("unmatched_flown", counts.unmatchedFlown))

	return m.store.CountCouponMatches(ctx)
}

// MatchTicket recomputes match rows for one ticket and returns them ordered
// by coupon number.
func (m *Matcher) MatchTicket(ctx context.Context, ticketNumber string) ([]model.CouponMatch, error) {
	events, err := m.store.GetTicketEvents(ctx, ticketNumber)
	if err != nil {
		return nil, err
	}
	var issued, flown []model.TicketEvent
	for _, ev := range events {
		switch {
		case ev.EventType.IsIssuance():
			issued = append(issued, ev)
		case ev.EventType == model.EventCouponFlown:
			flown = append(flown, ev)
		}
	}
	rows, _, err := m.matchEvents(ctx, issued, flown)
	return rows, err
}

// Summary returns current per-status counts.
func (m *Matcher) Summary(ctx context.Context) (model.MatchSummary, error) {
	return m.store.CountCouponMatches(ctx)
}

// Suspense lists issued-but-unflown coupons whose age in days, measured from
// issuance to now, is at least minAgeDays, ordered by descending age. Ages
// are derived at query time, so the list is correct between sweeps.
func (m *Matcher) Suspense(ctx context.Context, minAgeDays int) ([]model.CouponMatch, error) {
	rows, err := m.store.ListCouponMatches(ctx, store.MatchFilter{
		Statuses: []model.MatchStatus{model.MatchStatusUnmatchedIssued, model.MatchStatusSuspense},
	})
	if err != nil {
		return nil, err
	}
	now := m.now()
	var aged []model.CouponMatch
	for _, row := range rows {
		if row.IssuedAt == nil {
			continue
		}
		age := daysBetween(*row.IssuedAt, now)
		if age < minAgeDays {
			continue
		}
		row.DaysInSuspense = age
		aged = append(aged, row)
	}
	sort.Slice(aged, func(i, j int) bool {
		if aged[i].DaysInSuspense != aged[j].DaysInSuspense {
			return aged[i].DaysInSuspense > aged[j].DaysInSuspense
		}
		if aged[i].TicketNumber != aged[j].TicketNumber {
			return aged[i].TicketNumber < aged[j].TicketNumber
		}
		return aged[i].CouponNumber < aged[j].CouponNumber
	})
	return aged, nil
}

// AgeSweep refreshes stored ages for unmatched issued coupons, promotes rows
// past the suspense threshold and stamps the escalation note past the
// escalation threshold. Returns the number of rows updated.
func (m *Matcher) AgeSweep(ctx context.Context) (int, error) {
	rows, err := m.store.ListCouponMatches(ctx, store.MatchFilter{
		Statuses: []model.MatchStatus{model.MatchStatusUnmatchedIssued, model.MatchStatusSuspense},
	})
	if err != nil {
		return 0, err
	}
	now := m.now()
	var changed []model.CouponMatch
	for _, row := range rows {
		if row.IssuedAt == nil {
			continue
		}
		next := row
		next.DaysInSuspense = daysBetween(*row.IssuedAt, now)
		if next.Status == model.MatchStatusUnmatchedIssued && next.DaysInSuspense > m.cfg.SuspenseAfterDays {
			next.Status = model.MatchStatusSuspense
		}
		if next.DaysInSuspense > m.cfg.EscalateAfterDays {
			next.Notes = appendNote(next.Notes, fmt.Sprintf("%s %d days", escalationNote, m.cfg.EscalateAfterDays))
		}
		if next.Status == row.Status && next.DaysInSuspense == row.DaysInSuspense && next.Notes == row.Notes {
			continue
		}
		next.UpdatedAt = now
		changed = append(changed, next)
	}
	if len(changed) > 0 {
		if err := m.store.UpsertCouponMatches(ctx, changed); err != nil {
			return 0, err
		}
	}
	zap.L().Info("matcher: suspense sweep", zap.Int("aged", len(changed)), zap.Int("open", len(rows)))
	return len(changed), nil
}

// matchEvents pairs issued and flown events by (ticket, coupon) and persists
// the rows that changed. Returned rows cover every key seen, in ticket then
// coupon order.
func (m *Matcher) matchEvents(ctx context.Context, issued, flown []model.TicketEvent) ([]model.CouponMatch, tally, error) {
	issuedByKey := map[couponKey]model.TicketEvent{}
	for _, ev := range issued {
		if ev.Payload.CouponNumber <= 0 {
			continue
		}
		k := couponKey{ev.TicketNumber, ev.Payload.CouponNumber}
		// The earliest issuance anchors the suspense age.
		if prev, ok := issuedByKey[k]; !ok || ev.OccurredAt.Before(prev.OccurredAt) {
			issuedByKey[k] = ev
		}
	}

	flownByKey := map[couponKey]model.TicketEvent{}
	lateLifts := map[couponKey][]string{}
	for _, ev := range flown {
		if ev.Payload.CouponNumber <= 0 {
			continue
		}
		k := couponKey{ev.TicketNumber, ev.Payload.CouponNumber}
		if prev, ok := flownByKey[k]; !ok {
			flownByKey[k] = ev
		} else if ev.OccurredAt.Before(prev.OccurredAt) {
			flownByKey[k] = ev
			lateLifts[k] = append(lateLifts[k], prev.ID)
		} else {
			lateLifts[k] = append(lateLifts[k], ev.ID)
		}
	}

	keys := make([]couponKey, 0, len(issuedByKey)+len(flownByKey))
	seen := map[couponKey]bool{}
	for k := range issuedByKey {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range flownByKey {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ticket != keys[j].ticket {
			return keys[i].ticket < keys[j].ticket
		}
		return keys[i].coupon < keys[j].coupon
	})

	var (
		rows    []model.CouponMatch
		upserts []model.CouponMatch
		counts  tally
	)
	for _, k := range keys {
		var issuedEv, flownEv *model.TicketEvent
		if ev, ok := issuedByKey[k]; ok {
			issuedEv = &ev
		}
		if ev, ok := flownByKey[k]; ok {
			flownEv = &ev
		}
		switch {
		case issuedEv != nil && flownEv != nil:
			counts.matched++
		case issuedEv != nil:
			counts.unmatchedIssued++
		default:
			counts.unmatchedFlown++
		}

		existing, err := m.store.GetCouponMatch(ctx, k.ticket, k.coupon)
		if err != nil {
			return nil, tally{}, err
		}
		row, dirty := m.mergeRow(existing, issuedEv, flownEv, lateLifts[k])
		rows = append(rows, row)
		if dirty {
			upserts = append(upserts, row)
		}
	}

	if len(upserts) > 0 {
		if err := m.store.UpsertCouponMatches(ctx, upserts); err != nil {
			return nil, tally{}, err
		}
	}
	return rows, counts, nil
}

// mergeRow computes the row for one coupon key against its existing state.
// Matched rows never revert: a differing lift event is recorded in the notes
// and the stored pair is left intact.
func (m *Matcher) mergeRow(existing *model.CouponMatch, issuedEv, flownEv *model.TicketEvent, lateLifts []string) (model.CouponMatch, bool) {
	now := m.now()

	if existing != nil && existing.Status == model.MatchStatusMatched {
		row := *existing
		dirty := false
		if flownEv != nil && flownEv.ID != row.FlownEventID {
			lateLifts = append(lateLifts, flownEv.ID)
		}
		for _, id := range lateLifts {
			note := fmt.Sprintf("late lift %s ignored", id)
			if !strings.Contains(row.Notes, note) {
				row.Notes = appendNote(row.Notes, note)
				dirty = true
				zap.L().Warn("matcher: late lift for matched coupon",
					zap.String("ticket", row.TicketNumber),
					zap.Int("coupon", row.CouponNumber),
					zap.String("event_id", id))
			}
		}
		if dirty {
			row.UpdatedAt = now
		}
		return row, dirty
	}

	row := model.CouponMatch{ID: uuid.NewString(), CreatedAt: now}
	if existing != nil {
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
		row.Notes = existing.Notes
	}

	switch {
	case issuedEv != nil && flownEv != nil:
		row.TicketNumber = issuedEv.TicketNumber
		row.CouponNumber = issuedEv.Payload.CouponNumber
		row.Status = model.MatchStatusMatched
		matchedAt := laterOf(issuedEv.OccurredAt, flownEv.OccurredAt)
		row.MatchedAt = &matchedAt
		row.DaysInSuspense = daysBetween(issuedEv.OccurredAt, matchedAt)
	case issuedEv != nil:
		row.TicketNumber = issuedEv.TicketNumber
		row.CouponNumber = issuedEv.Payload.CouponNumber
		row.Status = model.MatchStatusUnmatchedIssued
		row.DaysInSuspense = daysBetween(issuedEv.OccurredAt, now)
		if row.DaysInSuspense > m.cfg.SuspenseAfterDays {
			row.Status = model.MatchStatusSuspense
		}
		if row.DaysInSuspense > m.cfg.EscalateAfterDays {
			row.Notes = appendNote(row.Notes, fmt.Sprintf("%s %d days", escalationNote, m.cfg.EscalateAfterDays))
		}
	default:
		row.TicketNumber = flownEv.TicketNumber
		row.CouponNumber = flownEv.Payload.CouponNumber
		row.Status = model.MatchStatusUnmatchedFlown
	}

	if issuedEv != nil {
		row.IssuedEventID = issuedEv.ID
		at := issuedEv.OccurredAt
		row.IssuedAt = &at
		row.Amount = issuedEv.Payload.Amount()
		row.Currency = issuedEv.Payload.Currency
	}
	if flownEv != nil {
		row.FlownEventID = flownEv.ID
		at := flownEv.OccurredAt
		row.FlownAt = &at
		if row.Currency == "" {
			row.Currency = flownEv.Payload.Currency
		}
	}

	if existing != nil && rowsEquivalent(*existing, row) {
		return *existing, false
	}
	row.UpdatedAt = now
	return row, true
}

// rowsEquivalent ignores UpdatedAt so unchanged rows are not rewritten.
func rowsEquivalent(a, b model.CouponMatch) bool {
	return a.Status == b.Status &&
		a.IssuedEventID == b.IssuedEventID &&
		a.FlownEventID == b.FlownEventID &&
		a.DaysInSuspense == b.DaysInSuspense &&
		a.Notes == b.Notes &&
		a.Amount == b.Amount &&
		a.Currency == b.Currency &&
		timesEqual(a.IssuedAt, b.IssuedAt) &&
		timesEqual(a.FlownAt, b.FlownAt) &&
		timesEqual(a.MatchedAt, b.MatchedAt)
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func daysBetween(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from).Hours() / 24)
}

func appendNote(notes, note string) string {
	if strings.Contains(notes, note) {
		return notes
	}
	if notes == "" {
		return note
	}
	return notes + "; " + note
}
