package model

import "time"

// ReconType identifies which comparison produced a reconciliation row.
type ReconType string

const (
	ReconTicketCoupon     ReconType = "ticket_coupon"
	ReconCouponSettlement ReconType = "coupon_settlement"
	ReconThreeWay         ReconType = "three_way"
)

// ReconStatus says whether the comparison agreed or raised a break.
type ReconStatus string

const (
	ReconStatusMatched ReconStatus = "matched"
	ReconStatusBreak   ReconStatus = "break"
)

// BreakType classifies a reconciliation break.
type BreakType string

const (
	BreakTiming            BreakType = "timing"
	BreakFareMismatch      BreakType = "fare_mismatch"
	BreakMissingCoupon     BreakType = "missing_coupon"
	BreakDuplicateLift     BreakType = "duplicate_lift"
	BreakMissingSettlement BreakType = "missing_settlement"
)

// Severity ranks a break for triage.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Resolution tracks the lifecycle of a break. A break starts unresolved
// and moves to exactly one of the other three states, once.
type Resolution string

const (
	ResolutionUnresolved       Resolution = "unresolved"
	ResolutionAutoResolved     Resolution = "auto_resolved"
	ResolutionManuallyResolved Resolution = "manually_resolved"
	ResolutionEscalated        Resolution = "escalated"
)

// Resolved reports whether the break has left the unresolved state.
func (r Resolution) Resolved() bool { return r != ResolutionUnresolved && r != "" }

// ValidResolution reports whether s is a legal terminal resolution value.
func ValidResolution(s Resolution) bool {
	switch s {
	case ResolutionAutoResolved, ResolutionManuallyResolved, ResolutionEscalated:
		return true
	}
	return false
}

// ReconResult is one comparison outcome from a reconciliation run. Breaks
// carry a type, a severity and a monetary difference; matched rows carry
// none of the three.
type ReconResult struct {
	ID              string      `json:"id"`
	ReconType       ReconType   `json:"recon_type"`
	TicketNumber    string      `json:"ticket_number"`
	CouponNumber    int         `json:"coupon_number,omitempty"`
	Status          ReconStatus `json:"status"`
	BreakType       BreakType   `json:"break_type,omitempty"`
	Severity        Severity    `json:"severity,omitempty"`
	OurAmount       *float64    `json:"our_amount,omitempty"`
	TheirAmount     *float64    `json:"their_amount,omitempty"`
	Difference      float64     `json:"difference"`
	Description     string      `json:"description,omitempty"`
	Resolution      Resolution  `json:"resolution"`
	ResolutionNotes string      `json:"resolution_notes,omitempty"`
	ResolvedBy      string      `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	RunID           string      `json:"run_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// IsBreak reports whether the row raised a discrepancy.
func (r ReconResult) IsBreak() bool { return r.Status == ReconStatusBreak }

// ReconSummary aggregates one reconciliation run.
type ReconSummary struct {
	RunID        string            `json:"run_id"`
	Total        int               `json:"total"`
	Matched      int               `json:"matched"`
	Breaks       int               `json:"breaks"`
	ByType       map[BreakType]int `json:"by_type"`
	BySeverity   map[Severity]int  `json:"by_severity"`
	AutoResolved int               `json:"auto_resolved"`
}
