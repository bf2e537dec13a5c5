package ledger

import (
	"github.com/sells-group/revledger/internal/model"
)

// Fold applies one event to a projection in place. It is the only code that
// mutates TicketState, so replaying a log through Fold reproduces the stored
// projection exactly.
func Fold(s *model.TicketState, ev model.TicketEvent) {
	p := ev.Payload
	s.EventCount++
	s.LastEventType = ev.EventType
	s.LastModified = ev.OccurredAt

	// Counterparty-reported amounts are reconciliation input, not facts about
	// the ticket. They advance the bookkeeping fields only.
	if ev.EventType.IsSettlementReport() {
		return
	}

	if p.PNR != "" {
		s.PNR = p.PNR
	}
	if p.PassengerName != "" {
		s.PassengerName = p.PassengerName
	}
	if p.Origin != "" {
		s.Origin = p.Origin
	}
	if p.Destination != "" {
		s.Destination = p.Destination
	}
	if p.Currency != "" {
		s.Currency = p.Currency
	}

	switch ev.EventType {
	case model.EventTicketIssued:
		s.Status = model.TicketStatusIssued
		s.GrossAmount += p.Amount()
		if p.CouponNumber > 0 {
			s.CouponStatuses[p.CouponNumber] = model.CouponLegIssued
		}
	case model.EventTicketReissued:
		s.Status = model.TicketStatusReissued
		s.GrossAmount += p.Amount()
		if p.CouponNumber > 0 {
			s.CouponStatuses[p.CouponNumber] = model.CouponLegIssued
		}
	case model.EventTicketVoided:
		s.Status = model.TicketStatusVoided
	case model.EventCouponFlown:
		s.Status = model.TicketStatusFlown
		if p.CouponNumber > 0 {
			s.CouponStatuses[p.CouponNumber] = model.CouponLegFlown
		}
	case model.EventRefundRequested:
		s.Status = model.TicketStatusRefunded
		if p.GrossAmount != nil {
			s.GrossAmount -= *p.GrossAmount
		}
	case model.EventBookingModified:
		if p.GrossAmount != nil {
			s.GrossAmount = *p.GrossAmount
		}
		if s.Status == model.TicketStatusUnknown {
			s.Status = model.TicketStatusModified
		}
	}
}

// Replay folds an ordered event log into a fresh projection.
func Replay(ticketNumber string, history []model.TicketEvent) *model.TicketState {
	state := model.NewTicketState(ticketNumber)
	for _, ev := range history {
		Fold(state, ev)
	}
	if n := len(history); n > 0 {
		state.UpdatedAt = history[n-1].IngestedAt
	}
	return state
}
