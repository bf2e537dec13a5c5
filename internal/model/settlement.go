package model

import "time"

// CounterpartyType classifies who the settlement is with.
type CounterpartyType string

const (
	CounterpartyGDSAgent  CounterpartyType = "gds_agent"
	CounterpartyOTA       CounterpartyType = "ota"
	CounterpartyInterline CounterpartyType = "interline_partner"
)

// SettlementStatus is a saga step. Transitions are validated by the
// settlement engine; the persisted status is always one of these.
type SettlementStatus string

const (
	SettlementCalculated  SettlementStatus = "calculated"
	SettlementValidated   SettlementStatus = "validated"
	SettlementSubmitted   SettlementStatus = "submitted"
	SettlementConfirmed   SettlementStatus = "confirmed"
	SettlementReconciled  SettlementStatus = "reconciled"
	SettlementDisputed    SettlementStatus = "disputed"
	SettlementCompensated SettlementStatus = "compensated"
)

// Terminal reports whether the saga can advance no further.
func (s SettlementStatus) Terminal() bool {
	return s == SettlementReconciled || s == SettlementCompensated
}

// Settlement is one counterparty settlement obligation for a ticket.
// OurAmount is what we calculated from the ticket ledger; TheirAmount is
// what the counterparty reported at confirmation and stays nil until then.
type Settlement struct {
	ID               string           `json:"id"`
	TicketNumber     string           `json:"ticket_number"`
	CouponNumber     int              `json:"coupon_number,omitempty"`
	Counterparty     string           `json:"counterparty"`
	CounterpartyType CounterpartyType `json:"counterparty_type"`
	Status           SettlementStatus `json:"status"`
	OurAmount        float64          `json:"our_amount"`
	TheirAmount      *float64         `json:"their_amount,omitempty"`
	Currency         string           `json:"currency"`
	SourceEventID    string           `json:"source_event_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// SagaLogEntry records one settlement transition. The log is append-only
// and replays the saga's path through its statuses.
type SagaLogEntry struct {
	ID           string           `json:"id"`
	SettlementID string           `json:"settlement_id"`
	FromStatus   SettlementStatus `json:"from_status"`
	ToStatus     SettlementStatus `json:"to_status"`
	Action       string           `json:"action"`
	Detail       map[string]any   `json:"detail,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}
