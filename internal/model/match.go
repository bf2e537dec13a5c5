package model

import "time"

// MatchStatus is the outcome of pairing a coupon's issued and flown events.
type MatchStatus string

const (
	MatchStatusMatched         MatchStatus = "matched"
	MatchStatusUnmatchedIssued MatchStatus = "unmatched_issued"
	MatchStatusUnmatchedFlown  MatchStatus = "unmatched_flown"
	MatchStatusSuspense        MatchStatus = "suspense"
)

// Unmatched reports whether the row still awaits its counterpart event.
func (s MatchStatus) Unmatched() bool {
	return s == MatchStatusUnmatchedIssued || s == MatchStatusUnmatchedFlown || s == MatchStatusSuspense
}

// CouponMatch is one row per (ticket_number, coupon_number). Once matched,
// the issued/flown event reference pair is immutable; days_in_suspense is
// derived from age since issuance while unmatched and freezes on match.
type CouponMatch struct {
	ID             string      `json:"id"`
	TicketNumber   string      `json:"ticket_number"`
	CouponNumber   int         `json:"coupon_number"`
	Status         MatchStatus `json:"status"`
	IssuedEventID  string      `json:"issued_event_id,omitempty"`
	FlownEventID   string      `json:"flown_event_id,omitempty"`
	IssuedAt       *time.Time  `json:"issued_at,omitempty"`
	FlownAt        *time.Time  `json:"flown_at,omitempty"`
	MatchedAt      *time.Time  `json:"matched_at,omitempty"`
	Amount         float64     `json:"amount"`
	Currency       string      `json:"currency,omitempty"`
	DaysInSuspense int         `json:"days_in_suspense"`
	Notes          string      `json:"notes,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// MatchSummary aggregates match rows by status.
type MatchSummary struct {
	Matched         int `json:"matched"`
	UnmatchedIssued int `json:"unmatched_issued"`
	UnmatchedFlown  int `json:"unmatched_flown"`
	Suspense        int `json:"suspense"`
	Total           int `json:"total"`
}
