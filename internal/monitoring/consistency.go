package monitoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/revledger/internal/ledger"
	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/store"
)

// Issue kinds reported by the consistency checker.
const (
	IssueSequenceGap     = "sequence_gap"
	IssueProjectionDrift = "projection_drift"
	IssueMatchOrphan     = "match_orphan"
)

// Issue is one disagreement between the event log and a derived row.
type Issue struct {
	Kind         string `json:"kind"`
	TicketNumber string `json:"ticket_number,omitempty"`
	CouponNumber int    `json:"coupon_number,omitempty"`
	Detail       string `json:"detail"`
}

// Report is the outcome of one consistency sweep.
type Report struct {
	TicketsChecked int       `json:"tickets_checked"`
	EventsChecked  int       `json:"events_checked"`
	MatchesChecked int       `json:"matches_checked"`
	Issues         []Issue   `json:"issues"`
	CheckedAt      time.Time `json:"checked_at"`
}

// OK reports whether the sweep found nothing.
func (r *Report) OK() bool { return len(r.Issues) == 0 }

// Consistency re-derives projections from the event log and compares them
// with the stored rows. The log is the source of truth; a disagreement
// becomes an Issue, never an automatic repair.
type Consistency struct {
	store store.Store
}

// NewConsistency creates a consistency checker.
func NewConsistency(s store.Store) *Consistency {
	return &Consistency{store: s}
}

// Check sweeps up to sample tickets (zero sweeps every ticket) plus every
// matched coupon row. The sweep starts from the event log, not the
// projection table, so a ticket whose projection was never written is
// still caught. Per ticket it verifies that event sequences run 1..n
// without gaps and that replaying the log through the fold reproduces the
// stored projection.
func (c *Consistency) Check(ctx context.Context, sample int) (*Report, error) {
	rep := &Report{Issues: []Issue{}, CheckedAt: time.Now().UTC()}

	events, err := c.store.ListTicketEvents(ctx, store.EventFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list events")
	}

	// Rows arrive ordered by (ticket_number, event_sequence).
	var order []string
	grouped := map[string][]model.TicketEvent{}
	for _, ev := range events {
		if _, seen := grouped[ev.TicketNumber]; !seen {
			order = append(order, ev.TicketNumber)
		}
		grouped[ev.TicketNumber] = append(grouped[ev.TicketNumber], ev)
	}
	if sample > 0 && len(order) > sample {
		order = order[:sample]
	}

	for _, ticket := range order {
		log := grouped[ticket]
		rep.TicketsChecked++
		rep.EventsChecked += len(log)

		replayed := model.NewTicketState(ticket)
		for i, ev := range log {
			if ev.EventSequence != i+1 {
				rep.Issues = append(rep.Issues, Issue{
					Kind:         IssueSequenceGap,
					TicketNumber: ticket,
					Detail:       fmt.Sprintf("position %d holds sequence %d", i+1, ev.EventSequence),
				})
			}
			ledger.Fold(replayed, ev)
		}

		stored, err := c.store.GetTicketState(ctx, ticket)
		if errors.Is(err, store.ErrNotFound) {
			rep.Issues = append(rep.Issues, Issue{
				Kind:         IssueProjectionDrift,
				TicketNumber: ticket,
				Detail:       "no stored projection for a ticket with events",
			})
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: state for %s", ticket)
		}
		if diff := projectionDiff(replayed, stored); diff != "" {
			rep.Issues = append(rep.Issues, Issue{
				Kind:         IssueProjectionDrift,
				TicketNumber: ticket,
				Detail:       diff,
			})
		}
	}

	matched, err := c.store.ListCouponMatches(ctx, store.MatchFilter{
		Statuses: []model.MatchStatus{model.MatchStatusMatched},
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list matched rows")
	}
	for _, row := range matched {
		rep.MatchesChecked++
		for _, ref := range []struct{ side, id string }{
			{"issued", row.IssuedEventID},
			{"flown", row.FlownEventID},
		} {
			if ref.id == "" {
				rep.Issues = append(rep.Issues, Issue{
					Kind:         IssueMatchOrphan,
					TicketNumber: row.TicketNumber,
					CouponNumber: row.CouponNumber,
					Detail:       fmt.Sprintf("matched row has no %s event reference", ref.side),
				})
				continue
			}
			ok, err := c.store.HasTicketEvent(ctx, ref.id)
			if err != nil {
				return nil, eris.Wrap(err, "monitoring: look up match event")
			}
			if !ok {
				rep.Issues = append(rep.Issues, Issue{
					Kind:         IssueMatchOrphan,
					TicketNumber: row.TicketNumber,
					CouponNumber: row.CouponNumber,
					Detail:       fmt.Sprintf("%s event %s is not in the log", ref.side, ref.id),
				})
			}
		}
	}

	return rep, nil
}

// projectionDiff describes the first field where the replayed state and the
// stored projection disagree, or returns "".
func projectionDiff(replayed, stored *model.TicketState) string {
	switch {
	case replayed.Status != stored.Status:
		return fmt.Sprintf("status %s from replay, %s stored", replayed.Status, stored.Status)
	case replayed.EventCount != stored.EventCount:
		return fmt.Sprintf("%d events in log, %d counted", replayed.EventCount, stored.EventCount)
	case math.Abs(replayed.GrossAmount-stored.GrossAmount) > 1e-9:
		return fmt.Sprintf("gross %.2f from replay, %.2f stored", replayed.GrossAmount, stored.GrossAmount)
	case len(replayed.CouponStatuses) != len(stored.CouponStatuses):
		return fmt.Sprintf("%d coupons from replay, %d stored", len(replayed.CouponStatuses), len(stored.CouponStatuses))
	}
	for coupon, status := range replayed.CouponStatuses {
		if stored.CouponStatuses[coupon] != status {
			return fmt.Sprintf("coupon %d %s from replay, %s stored", coupon, status, stored.CouponStatuses[coupon])
		}
	}
	return ""
}
