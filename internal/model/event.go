package model

import (
	"time"

	"github.com/google/uuid"
)

// SourceSystem identifies the upstream channel an event was normalized from.
type SourceSystem string

const (
	SourcePSS       SourceSystem = "reservation_pss"
	SourceDCS       SourceSystem = "departure_control"
	SourceGDS       SourceSystem = "gds_agent_settlement"
	SourceOTA       SourceSystem = "ota_partner"
	SourceInterline SourceSystem = "interline_partner"
	SourceStatement SourceSystem = "counterparty_statement"
)

// EventType discriminates the canonical event variants.
type EventType string

const (
	EventTicketIssued    EventType = "ticket_issued"
	EventTicketReissued  EventType = "ticket_reissued"
	EventTicketVoided    EventType = "ticket_voided"
	EventCouponFlown     EventType = "coupon_flown"
	EventRefundRequested EventType = "refund_requested"
	EventSettlementDue   EventType = "settlement_due"
	EventBookingModified EventType = "booking_modified"
	EventInterlineClaim  EventType = "interline_claim"
)

// IsIssuance reports whether the event declares a coupon as sold.
func (t EventType) IsIssuance() bool {
	return t == EventTicketIssued || t == EventTicketReissued
}

// IsSettlementReport reports whether the event carries a counterparty-reported amount.
func (t EventType) IsSettlementReport() bool {
	return t == EventSettlementDue || t == EventInterlineClaim
}

// Valid reports whether t is one of the canonical event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTicketIssued, EventTicketReissued, EventTicketVoided,
		EventCouponFlown, EventRefundRequested, EventSettlementDue,
		EventBookingModified, EventInterlineClaim:
		return true
	}
	return false
}

// CanonicalEvent is the source-agnostic fact every engine consumes.
// Adapters create it at the boundary; it is never mutated afterwards.
type CanonicalEvent struct {
	EventID          string         `json:"event_id"`
	EventType        EventType      `json:"event_type"`
	TicketNumber     string         `json:"ticket_number"`
	CouponNumber     int            `json:"coupon_number,omitempty"` // coupons start at 1; 0 means not coupon-scoped
	SourceSystem     SourceSystem   `json:"source_system"`
	OccurredAt       time.Time      `json:"occurred_at"`
	PNR              string         `json:"pnr,omitempty"`
	PassengerName    string         `json:"passenger_name,omitempty"`
	MarketingCarrier string         `json:"marketing_carrier,omitempty"`
	OperatingCarrier string         `json:"operating_carrier,omitempty"`
	FlightNumber     string         `json:"flight_number,omitempty"`
	FlightDate       string         `json:"flight_date,omitempty"` // YYYY-MM-DD
	Origin           string         `json:"origin,omitempty"`
	Destination      string         `json:"destination,omitempty"`
	Currency         string         `json:"currency,omitempty"`
	GrossAmount      *float64       `json:"gross_amount,omitempty"`
	NetAmount        *float64       `json:"net_amount,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds a canonical event with a fresh id and the current time.
// Adapters overwrite OccurredAt when the source payload carries event time.
func NewEvent(source SourceSystem, eventType EventType, ticketNumber string) CanonicalEvent {
	return CanonicalEvent{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		TicketNumber: ticketNumber,
		SourceSystem: source,
		OccurredAt:   time.Now().UTC(),
		Metadata:     map[string]any{},
	}
}

// Amount dereferences GrossAmount, returning 0 when absent.
func (e CanonicalEvent) Amount() float64 {
	if e.GrossAmount == nil {
		return 0
	}
	return *e.GrossAmount
}

// Float is a convenience for building optional amount fields.
func Float(v float64) *float64 { return &v }
