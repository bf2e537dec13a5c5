// Package audit records the append-only action trail every engine writes
// through. Writes are best-effort: a failed append never blocks or fails the
// operation that produced it, it is counted and surfaced by the consistency
// checker instead.
package audit

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/store"
)

// Recorder appends audit records and tracks dropped writes.
type Recorder struct {
	store    store.Store
	failures atomic.Int64
}

// NewRecorder creates a Recorder backed by the given store.
func NewRecorder(s store.Store) *Recorder {
	return &Recorder{store: s}
}

// Record appends rec. It never returns an error: a failed write increments
// the failure counter and is logged, leaving the caller's operation intact.
func (r *Recorder) Record(ctx context.Context, rec model.AuditRecord) {
	if err := r.store.AppendAudit(ctx, rec); err != nil {
		r.failures.Add(1)
		zap.L().Error("audit: write dropped",
			zap.String("action", rec.Action),
			zap.String("component", rec.Component),
			zap.String("ticket", rec.TicketNumber),
			zap.Error(err))
	}
}

// Failures reports how many audit writes have been dropped since startup.
// A non-zero value means the trail has gaps and flags the store as
// inconsistent until operators intervene.
func (r *Recorder) Failures() int64 {
	return r.failures.Load()
}

// Trail returns every audit record for a ticket in chronological order.
func (r *Recorder) Trail(ctx context.Context, ticketNumber string) ([]model.AuditRecord, error) {
	records, err := r.store.ListAudit(ctx, store.AuditFilter{TicketNumber: ticketNumber})
	if err != nil {
		return nil, err
	}
	reverse(records)
	return records, nil
}

// Lineage returns the records that produced the given output reference,
// oldest first. Following input_event_ids from there walks the full
// derivation chain back to the raw source hashes.
func (r *Recorder) Lineage(ctx context.Context, outputReference string) ([]model.AuditRecord, error) {
	records, err := r.store.ListAudit(ctx, store.AuditFilter{OutputReference: outputReference})
	if err != nil {
		return nil, err
	}
	reverse(records)
	return records, nil
}

// reverse flips the store's newest-first ordering to chronological.
func reverse(records []model.AuditRecord) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}
