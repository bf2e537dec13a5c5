package model

import (
	"sort"
	"time"
)

// TicketStatus is the lifecycle status of a ticket projection.
type TicketStatus string

const (
	TicketStatusUnknown  TicketStatus = "unknown"
	TicketStatusIssued   TicketStatus = "issued"
	TicketStatusReissued TicketStatus = "reissued"
	TicketStatusVoided   TicketStatus = "voided"
	TicketStatusFlown    TicketStatus = "flown"
	TicketStatusRefunded TicketStatus = "refunded"
	TicketStatusModified TicketStatus = "modified"
)

// CouponLegStatus tracks one coupon inside the ticket projection.
type CouponLegStatus string

const (
	CouponLegIssued CouponLegStatus = "issued"
	CouponLegFlown  CouponLegStatus = "flown"
)

// TicketEvent is the persisted form of a canonical event inside a ticket's
// ordered log. (ticket_number, event_sequence) is the primary key; the
// sequence is assigned at append time and never reused or reordered.
type TicketEvent struct {
	ID            string         `json:"id"`
	TicketNumber  string         `json:"ticket_number"`
	EventSequence int            `json:"event_sequence"`
	EventType     EventType      `json:"event_type"`
	SourceSystem  SourceSystem   `json:"source_system"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Payload       CanonicalEvent `json:"payload"`
	IngestedAt    time.Time      `json:"ingested_at"`
}

// TicketState is the CQRS read model: one row per ticket, mutated only by
// folding one TicketEvent at a time.
type TicketState struct {
	TicketNumber   string                  `json:"ticket_number"`
	Status         TicketStatus            `json:"status"`
	PNR            string                  `json:"pnr,omitempty"`
	PassengerName  string                  `json:"passenger_name,omitempty"`
	Origin         string                  `json:"origin,omitempty"`
	Destination    string                  `json:"destination,omitempty"`
	GrossAmount    float64                 `json:"gross_amount"`
	Currency       string                  `json:"currency,omitempty"`
	EventCount     int                     `json:"event_count"`
	LastEventType  EventType               `json:"last_event_type,omitempty"`
	LastModified   time.Time               `json:"last_modified"`
	CouponStatuses map[int]CouponLegStatus `json:"coupon_statuses"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// NewTicketState returns the empty projection a replay folds into.
func NewTicketState(ticketNumber string) *TicketState {
	return &TicketState{
		TicketNumber:   ticketNumber,
		Status:         TicketStatusUnknown,
		CouponStatuses: map[int]CouponLegStatus{},
	}
}

// DeclaredCoupons returns the coupon numbers the ticket has declared, in
// ascending order.
func (s *TicketState) DeclaredCoupons() []int {
	coupons := make([]int, 0, len(s.CouponStatuses))
	for coupon := range s.CouponStatuses {
		coupons = append(coupons, coupon)
	}
	sort.Ints(coupons)
	return coupons
}
