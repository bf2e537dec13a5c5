package model

import "time"

// AuditRecord is one append-only lineage entry. Records are written on a
// best-effort basis alongside the operation they describe and are never
// updated or deleted.
type AuditRecord struct {
	ID              string         `json:"id"`
	Action          string         `json:"action"`
	Component       string         `json:"component"`
	TicketNumber    string         `json:"ticket_number,omitempty"`
	InputEventIDs   []string       `json:"input_event_ids,omitempty"`
	OutputReference string         `json:"output_reference,omitempty"`
	Detail          map[string]any `json:"detail,omitempty"`
	RawSourceHash   string         `json:"raw_source_hash,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
