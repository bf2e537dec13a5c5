// Package settle drives each counterparty settlement through its saga:
// calculated, validated, submitted, confirmed, then reconciled, with a
// dispute path from confirmed through compensated. Every legal transition
// appends one saga log entry and one audit record; illegal transitions fail
// with ErrInvalidTransition and leave the settlement untouched.
package settle

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/revledger/internal/audit"
	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/store"
)

// ErrInvalidTransition is returned when a saga operation is applied to a
// settlement whose current status does not allow it.
var ErrInvalidTransition = eris.New("invalid settlement transition")

// allowedEdges is the complete transition table. Anything absent is illegal.
var allowedEdges = map[model.SettlementStatus]map[model.SettlementStatus]bool{
	model.SettlementCalculated: {model.SettlementValidated: true},
	model.SettlementValidated:  {model.SettlementSubmitted: true},
	model.SettlementSubmitted:  {model.SettlementConfirmed: true},
	model.SettlementConfirmed: {
		model.SettlementReconciled: true,
		model.SettlementDisputed:   true,
	},
	model.SettlementDisputed: {model.SettlementCompensated: true},
}

// Config holds the dispute guard tolerance: a confirmed settlement can only
// be disputed when |our - their| is at least DisputeTolerance.
type Config struct {
	DisputeTolerance float64
}

// Engine owns settlement rows and their saga logs.
type Engine struct {
	store store.Store
	audit *audit.Recorder
	cfg   Config
	now   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. A zero tolerance falls back to 0.01.
func New(s store.Store, rec *audit.Recorder, cfg Config, opts ...Option) *Engine {
	if cfg.DisputeTolerance <= 0 {
		cfg.DisputeTolerance = 0.01
	}
	e := &Engine{store: s, audit: rec, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CalculateParams describes a settlement obligation derived from the ledger.
type CalculateParams struct {
	TicketNumber     string
	CouponNumber     int
	Counterparty     string
	CounterpartyType model.CounterpartyType
	OurAmount        float64
	Currency         string
	SourceEventID    string
}

// Calculate opens a new saga in the calculated state.
func (e *Engine) Calculate(ctx context.Context, p CalculateParams) (*model.Settlement, error) {
	if p.CounterpartyType == "" {
		p.CounterpartyType = model.CounterpartyInterline
	}
	now := e.now()
	st := &model.Settlement{
		TicketNumber:     p.TicketNumber,
		CouponNumber:     p.CouponNumber,
		Counterparty:     p.Counterparty,
		CounterpartyType: p.CounterpartyType,
		Status:           model.SettlementCalculated,
		OurAmount:        p.OurAmount,
		Currency:         p.Currency,
		SourceEventID:    p.SourceEventID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.CreateSettlement(ctx, st); err != nil {
		return nil, err
	}
	e.logTransition(ctx, st, "", model.SettlementCalculated, "calculate", map[string]any{
		"our_amount":   p.OurAmount,
		"counterparty": p.Counterparty,
	})
	return st, nil
}

// Validate checks the settlement's required fields and advances it from
// calculated to validated. A settlement that fails validation keeps its
// status and gets no saga entry.
func (e *Engine) Validate(ctx context.Context, id string) (*model.Settlement, error) {
	st, err := e.store.GetSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	if !allowedEdges[st.Status][model.SettlementValidated] {
		return nil, eris.Wrapf(ErrInvalidTransition, "settlement %s: %s -> validated", id, st.Status)
	}

	var problems []string
	if st.TicketNumber == "" {
		problems = append(problems, "ticket_number is empty")
	}
	if st.Counterparty == "" {
		problems = append(problems, "counterparty is empty")
	}
	if st.OurAmount <= 0 {
		problems = append(problems, fmt.Sprintf("our_amount %.2f is not positive", st.OurAmount))
	}
	if st.Currency == "" {
		problems = append(problems, "currency is empty")
	}
	if len(problems) > 0 {
		return nil, eris.Errorf("settle: settlement %s failed validation: %s", id, strings.Join(problems, "; "))
	}

	return e.transition(ctx, id, model.SettlementValidated, "validate", nil, nil)
}

// Submit advances a validated settlement to submitted.
func (e *Engine) Submit(ctx context.Context, id string) (*model.Settlement, error) {
	return e.transition(ctx, id, model.SettlementSubmitted, "submit", nil, nil)
}

// Confirm records the counterparty's reported amount and advances a
// submitted settlement to confirmed.
func (e *Engine) Confirm(ctx context.Context, id string, theirAmount float64) (*model.Settlement, error) {
	return e.transition(ctx, id, model.SettlementConfirmed, "confirm", model.Float(theirAmount), map[string]any{
		"their_amount": theirAmount,
	})
}

// Dispute moves a confirmed settlement to disputed. The difference between
// the two amounts must be material; an agreeing settlement cannot be
// disputed.
func (e *Engine) Dispute(ctx context.Context, id, reason string) (*model.Settlement, error) {
	st, err := e.store.GetSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	if !allowedEdges[st.Status][model.SettlementDisputed] {
		return nil, eris.Wrapf(ErrInvalidTransition, "settlement %s: %s -> disputed", id, st.Status)
	}
	if st.TheirAmount == nil {
		return nil, eris.Errorf("settle: settlement %s has no counterparty amount to dispute", id)
	}
	diff := st.OurAmount - *st.TheirAmount
	if math.Abs(diff) < e.cfg.DisputeTolerance {
		return nil, eris.Errorf("settle: settlement %s difference %.2f is below the dispute tolerance", id, diff)
	}

	return e.transition(ctx, id, model.SettlementDisputed, "dispute", nil, map[string]any{
		"reason":       reason,
		"our_amount":   st.OurAmount,
		"their_amount": *st.TheirAmount,
		"difference":   diff,
	})
}

// MarkReconciled closes a confirmed settlement.
func (e *Engine) MarkReconciled(ctx context.Context, id string) (*model.Settlement, error) {
	return e.transition(ctx, id, model.SettlementReconciled, "reconcile", nil, nil)
}

// Compensate closes a disputed settlement with a compensating adjustment.
// Compensation is forward-only: the saga never returns to an earlier state.
func (e *Engine) Compensate(ctx context.Context, id, reason string) (*model.Settlement, error) {
	return e.transition(ctx, id, model.SettlementCompensated, "compensate", nil, map[string]any{
		"reason": reason,
	})
}

// Get returns one settlement.
func (e *Engine) Get(ctx context.Context, id string) (*model.Settlement, error) {
	return e.store.GetSettlement(ctx, id)
}

// List returns settlements matching the filter, newest first.
func (e *Engine) List(ctx context.Context, filter store.SettlementFilter) ([]model.Settlement, error) {
	return e.store.ListSettlements(ctx, filter)
}

// Saga returns the settlement's transition log in order.
func (e *Engine) Saga(ctx context.Context, id string) ([]model.SagaLogEntry, error) {
	return e.store.GetSagaLog(ctx, id)
}

func (e *Engine) transition(ctx context.Context, id string, to model.SettlementStatus, action string, theirAmount *float64, detail map[string]any) (*model.Settlement, error) {
	st, err := e.store.GetSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	if !allowedEdges[st.Status][to] {
		return nil, eris.Wrapf(ErrInvalidTransition, "settlement %s: %s -> %s", id, st.Status, to)
	}
	if err := e.store.UpdateSettlementStatus(ctx, id, to, theirAmount); err != nil {
		return nil, err
	}
	e.logTransition(ctx, st, st.Status, to, action, detail)
	return e.store.GetSettlement(ctx, id)
}

func (e *Engine) logTransition(ctx context.Context, st *model.Settlement, from, to model.SettlementStatus, action string, detail map[string]any) {
	entry := model.SagaLogEntry{
		SettlementID: st.ID,
		FromStatus:   from,
		ToStatus:     to,
		Action:       action,
		Detail:       detail,
		CreatedAt:    e.now(),
	}
	if err := e.store.AppendSagaLog(ctx, entry); err != nil {
		zap.L().Error("settle: saga log write failed",
			zap.String("settlement_id", st.ID),
			zap.String("action", action),
			zap.Error(err))
	}

	auditDetail := map[string]any{
		"from_status": string(from),
		"to_status":   string(to),
	}
	for k, v := range detail {
		auditDetail[k] = v
	}
	e.audit.Record(ctx, model.AuditRecord{
		Action:          "settlement_" + action,
		Component:       "settlement_engine",
		TicketNumber:    st.TicketNumber,
		OutputReference: st.ID,
		Detail:          auditDetail,
	})
	zap.L().Info("settle: transition",
		zap.String("settlement_id", st.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("action", action))
}
