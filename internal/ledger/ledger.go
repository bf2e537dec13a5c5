// Package ledger is the ticket lifecycle store: an append-only event log per
// ticket plus a fold-maintained current-state projection. Appending assigns
// the next sequence number, persists the event, folds it into the projection,
// and audits the write. Replaying a ticket's log in sequence order always
// reproduces the stored projection.
package ledger

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/revledger/internal/audit"
	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/store"
)

// Publisher receives every appended event for downstream fan-out. Publishing
// is optional and best-effort; the ledger stays consistent without it.
type Publisher interface {
	Publish(ctx context.Context, ev model.CanonicalEvent) error
}

// lockShards bounds the per-ticket append serialization table.
const lockShards = 64

// Ledger owns the ticket event log and its projection.
type Ledger struct {
	store store.Store
	audit *audit.Recorder
	pub   Publisher
	locks [lockShards]sync.Mutex
	now   func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPublisher attaches an event publisher invoked after each append.
func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.pub = p }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger backed by the given store and audit recorder.
func New(s store.Store, rec *audit.Recorder, opts ...Option) *Ledger {
	l := &Ledger{store: s, audit: rec, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records a canonical event under the next sequence number for its
// ticket and returns the updated projection. Replaying an event id already in
// the log is a no-op that returns the current state.
func (l *Ledger) Append(ctx context.Context, ev model.CanonicalEvent) (*model.TicketState, error) {
	return l.append(ctx, ev, "")
}

// AppendFromSource is Append carrying the SHA-256 of the raw feed payload the
// event was normalized from, so the audit trail links back to the source file.
func (l *Ledger) AppendFromSource(ctx context.Context, ev model.CanonicalEvent, rawHash string) (*model.TicketState, error) {
	return l.append(ctx, ev, rawHash)
}

func (l *Ledger) append(ctx context.Context, ev model.CanonicalEvent, rawHash string) (*model.TicketState, error) {
	if ev.TicketNumber == "" {
		return nil, eris.New("ledger: event has no ticket number")
	}
	if ev.EventID == "" {
		return nil, eris.New("ledger: event has no id")
	}

	mu := l.lockFor(ev.TicketNumber)
	mu.Lock()
	defer mu.Unlock()

	seen, err := l.store.HasTicketEvent(ctx, ev.EventID)
	if err != nil {
		return nil, err
	}
	if seen {
		return l.GetState(ctx, ev.TicketNumber)
	}

	history, err := l.store.GetTicketEvents(ctx, ev.TicketNumber)
	if err != nil {
		return nil, err
	}
	seq := 1
	if n := len(history); n > 0 {
		seq = history[n-1].EventSequence + 1
	}

	record := model.TicketEvent{
		ID:            ev.EventID,
		TicketNumber:  ev.TicketNumber,
		EventSequence: seq,
		EventType:     ev.EventType,
		SourceSystem:  ev.SourceSystem,
		OccurredAt:    ev.OccurredAt,
		Payload:       ev,
		IngestedAt:    l.now(),
	}
	if err := l.store.AppendTicketEvent(ctx, record); err != nil {
		return nil, err
	}

	state, err := l.baseState(ctx, ev.TicketNumber, history)
	if err != nil {
		return nil, err
	}
	Fold(state, record)
	state.UpdatedAt = l.now()
	if err := l.store.UpsertTicketState(ctx, state); err != nil {
		return nil, err
	}

	l.audit.Record(ctx, model.AuditRecord{
		Action:          "ticket_event_appended",
		Component:       "ticket_lifecycle_store",
		TicketNumber:    ev.TicketNumber,
		InputEventIDs:   []string{ev.EventID},
		OutputReference: ev.EventID,
		Detail: map[string]any{
			"event_type":     string(ev.EventType),
			"source_system":  string(ev.SourceSystem),
			"event_sequence": seq,
		},
		RawSourceHash: rawHash,
	})

	if l.pub != nil {
		if err := l.pub.Publish(ctx, ev); err != nil {
			zap.L().Warn("ledger: publish failed",
				zap.String("ticket", ev.TicketNumber),
				zap.String("event_type", string(ev.EventType)),
				zap.Error(err))
		}
	}
	return state, nil
}

// GetState returns the current projection for a ticket. When the snapshot row
// is missing but events exist, the projection is rebuilt from the log.
func (l *Ledger) GetState(ctx context.Context, ticketNumber string) (*model.TicketState, error) {
	state, err := l.store.GetTicketState(ctx, ticketNumber)
	if err == nil {
		return state, nil
	}
	if !eris.Is(err, store.ErrNotFound) {
		return nil, err
	}
	history, histErr := l.store.GetTicketEvents(ctx, ticketNumber)
	if histErr != nil {
		return nil, histErr
	}
	if len(history) == 0 {
		return nil, err
	}
	return Replay(ticketNumber, history), nil
}

// StateAt replays the projection as of a point in time, including only events
// that occurred at or before asOf.
func (l *Ledger) StateAt(ctx context.Context, ticketNumber string, asOf time.Time) (*model.TicketState, error) {
	history, err := l.store.GetTicketEvents(ctx, ticketNumber)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, eris.Wrapf(store.ErrNotFound, "ticket %s", ticketNumber)
	}
	var upTo []model.TicketEvent
	for _, ev := range history {
		if !ev.OccurredAt.After(asOf) {
			upTo = append(upTo, ev)
		}
	}
	return Replay(ticketNumber, upTo), nil
}

// History returns the ordered event log for a ticket. Unknown tickets return
// an empty slice.
func (l *Ledger) History(ctx context.Context, ticketNumber string) ([]model.TicketEvent, error) {
	return l.store.GetTicketEvents(ctx, ticketNumber)
}

// EventsByType lists events of the given types across all tickets.
func (l *Ledger) EventsByType(ctx context.Context, types ...model.EventType) ([]model.TicketEvent, error) {
	return l.store.ListTicketEvents(ctx, store.EventFilter{Types: types})
}

// baseState returns the projection to fold the next event into. A missing or
// stale snapshot (event count disagreeing with the log) is rebuilt from the
// history loaded by the caller, so a crash between event insert and snapshot
// upsert heals on the next append.
func (l *Ledger) baseState(ctx context.Context, ticketNumber string, history []model.TicketEvent) (*model.TicketState, error) {
	state, err := l.store.GetTicketState(ctx, ticketNumber)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return Replay(ticketNumber, history), nil
		}
		return nil, err
	}
	if state.EventCount != len(history) {
		return Replay(ticketNumber, history), nil
	}
	return state, nil
}

func (l *Ledger) lockFor(ticketNumber string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(ticketNumber)) //nolint:errcheck
	return &l.locks[h.Sum32()%lockShards]
}
