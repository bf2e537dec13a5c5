package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/resilience"
)

// Sentinel errors surfaced by store implementations. Callers check them
// with errors.Is; implementations wrap them with row context.
var (
	// ErrNotFound is returned when a row addressed by identifier does not exist.
	ErrNotFound = eris.New("not found")

	// ErrDuplicateSequence is returned when an append collides with an
	// existing (ticket_number, event_sequence) pair under a different event id.
	ErrDuplicateSequence = eris.New("duplicate event sequence")

	// ErrAlreadyResolved is returned when resolving a break that is no longer open.
	ErrAlreadyResolved = eris.New("break already resolved")
)

// EventFilter selects ticket events. A zero Limit means no limit.
type EventFilter struct {
	TicketNumber string             `json:"ticket_number,omitempty"`
	Types        []model.EventType  `json:"types,omitempty"`
	SourceSystem model.SourceSystem `json:"source_system,omitempty"`
	Limit        int                `json:"limit,omitempty"`
}

// StateFilter selects ticket state projections. A zero Limit means no limit.
type StateFilter struct {
	Status model.TicketStatus `json:"status,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Offset int                `json:"offset,omitempty"`
}

// MatchFilter selects coupon match rows. A zero Limit means no limit.
type MatchFilter struct {
	Statuses     []model.MatchStatus `json:"statuses,omitempty"`
	TicketNumber string              `json:"ticket_number,omitempty"`
	Limit        int                 `json:"limit,omitempty"`
}

// ReconFilter selects reconciliation rows. A zero Limit means no limit.
type ReconFilter struct {
	ReconType    model.ReconType   `json:"recon_type,omitempty"`
	Status       model.ReconStatus `json:"status,omitempty"`
	BreakType    model.BreakType   `json:"break_type,omitempty"`
	Severity     model.Severity    `json:"severity,omitempty"`
	Resolution   model.Resolution  `json:"resolution,omitempty"`
	TicketNumber string            `json:"ticket_number,omitempty"`
	RunID        string            `json:"run_id,omitempty"`
	Limit        int               `json:"limit,omitempty"`
}

// SettlementFilter selects settlements. A zero Limit means no limit.
type SettlementFilter struct {
	Status           model.SettlementStatus `json:"status,omitempty"`
	CounterpartyType model.CounterpartyType `json:"counterparty_type,omitempty"`
	TicketNumber     string                 `json:"ticket_number,omitempty"`
	Limit            int                    `json:"limit,omitempty"`
}

// AuditFilter selects audit records. A zero Limit means no limit.
type AuditFilter struct {
	TicketNumber    string `json:"ticket_number,omitempty"`
	Action          string `json:"action,omitempty"`
	Component       string `json:"component,omitempty"`
	OutputReference string `json:"output_reference,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

// Store defines the persistence interface for the revenue ledger.
type Store interface {
	// Ticket events. AppendTicketEvent is idempotent by event id: appending
	// a payload whose event id is already stored is a no-op. A new event id
	// landing on an occupied (ticket_number, event_sequence) slot returns
	// ErrDuplicateSequence.
	AppendTicketEvent(ctx context.Context, ev model.TicketEvent) error
	HasTicketEvent(ctx context.Context, eventID string) (bool, error)
	GetTicketEvents(ctx context.Context, ticketNumber string) ([]model.TicketEvent, error)
	ListTicketEvents(ctx context.Context, filter EventFilter) ([]model.TicketEvent, error)

	// Current state projection
	UpsertTicketState(ctx context.Context, st *model.TicketState) error
	GetTicketState(ctx context.Context, ticketNumber string) (*model.TicketState, error)
	ListTicketStates(ctx context.Context, filter StateFilter) ([]model.TicketState, error)
	ListTicketNumbers(ctx context.Context) ([]string, error)

	// Coupon matches, keyed by (ticket_number, coupon_number).
	// GetCouponMatch returns (nil, nil) when no row exists.
	UpsertCouponMatches(ctx context.Context, matches []model.CouponMatch) error
	GetCouponMatch(ctx context.Context, ticketNumber string, couponNumber int) (*model.CouponMatch, error)
	ListCouponMatches(ctx context.Context, filter MatchFilter) ([]model.CouponMatch, error)
	ListSuspense(ctx context.Context, minAgeDays int) ([]model.CouponMatch, error)
	CountCouponMatches(ctx context.Context) (model.MatchSummary, error)

	// Reconciliation results. ResolveBreak transitions a break out of
	// unresolved exactly once; a second resolve returns ErrAlreadyResolved.
	InsertReconResults(ctx context.Context, results []model.ReconResult) error
	GetReconResult(ctx context.Context, id string) (*model.ReconResult, error)
	ListReconResults(ctx context.Context, filter ReconFilter) ([]model.ReconResult, error)
	ResolveBreak(ctx context.Context, id string, resolution model.Resolution, resolvedBy, notes string) (*model.ReconResult, error)

	// Settlements and saga log. UpdateSettlementStatus records theirAmount
	// when non-nil (set at confirmation, preserved afterwards).
	// GetSettlementBySourceEvent returns (nil, nil) when no row exists.
	CreateSettlement(ctx context.Context, st *model.Settlement) error
	GetSettlement(ctx context.Context, id string) (*model.Settlement, error)
	GetSettlementBySourceEvent(ctx context.Context, eventID string) (*model.Settlement, error)
	UpdateSettlementStatus(ctx context.Context, id string, status model.SettlementStatus, theirAmount *float64) error
	ListSettlements(ctx context.Context, filter SettlementFilter) ([]model.Settlement, error)
	AppendSagaLog(ctx context.Context, entry model.SagaLogEntry) error
	GetSagaLog(ctx context.Context, settlementID string) ([]model.SagaLogEntry, error)

	// DAG runs. CreateDagRun inserts the run plus the given pending task
	// rows in the same transaction.
	CreateDagRun(ctx context.Context, run *model.DagRun, tasks []model.TaskRun) error
	UpdateDagRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error
	GetDagRun(ctx context.Context, runID string) (*model.DagRun, []model.TaskRun, error)
	ListDagRuns(ctx context.Context, limit int) ([]model.DagRun, error)
	UpdateTaskRun(ctx context.Context, tr model.TaskRun) error

	// Audit log (append-only)
	AppendAudit(ctx context.Context, rec model.AuditRecord) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error)

	// Dead letter queue for failed feed records. Dequeue returns only
	// retry-eligible records; List returns everything parked.
	EnqueueDeadLetter(ctx context.Context, dl resilience.DeadLetter) error
	DequeueDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error)
	ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error)
	IncrementDeadLetterRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error
	RemoveDeadLetter(ctx context.Context, id string) error
	CountDeadLetters(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
