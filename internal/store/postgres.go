package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/revledger/internal/db"
	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest ledger operations.
var preparedStatements = map[string]string{
	"append_event": `INSERT INTO ticket_events
		 (ticket_number, event_sequence, event_id, event_type, source_system, occurred_at, payload, ingested_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT DO NOTHING`,
	"has_event": `SELECT 1 FROM ticket_events WHERE event_id = $1`,
	"get_ticket_events": `SELECT ticket_number, event_sequence, event_id, event_type, source_system, occurred_at, payload, ingested_at
		 FROM ticket_events WHERE ticket_number = $1 ORDER BY event_sequence ASC`,
	"get_state": `SELECT ticket_number, status, pnr, passenger_name, origin, destination, gross_amount, currency,
		 event_count, last_event_type, last_modified, coupon_statuses, updated_at
		 FROM ticket_current_state WHERE ticket_number = $1`,
	"append_audit": `INSERT INTO audit_log (id, action, component, ticket_number, input_event_ids, output_reference, detail, raw_source_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
	"append_saga_log": `INSERT INTO settlement_saga_log (id, settlement_id, from_status, to_status, action, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

// Pool returns the underlying database pool for use by subsystems
// that need direct query access (e.g., bulk loads).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ticket_events (
	ticket_number  TEXT NOT NULL,
	event_sequence INTEGER NOT NULL,
	event_id       TEXT NOT NULL UNIQUE,
	event_type     TEXT NOT NULL,
	source_system  TEXT NOT NULL,
	occurred_at    TIMESTAMPTZ NOT NULL,
	payload        JSONB NOT NULL,
	ingested_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (ticket_number, event_sequence)
);

CREATE TABLE IF NOT EXISTS ticket_current_state (
	ticket_number   TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	pnr             TEXT NOT NULL DEFAULT '',
	passenger_name  TEXT NOT NULL DEFAULT '',
	origin          TEXT NOT NULL DEFAULT '',
	destination     TEXT NOT NULL DEFAULT '',
	gross_amount    DOUBLE PRECISION NOT NULL DEFAULT 0,
	currency        TEXT NOT NULL DEFAULT '',
	event_count     INTEGER NOT NULL DEFAULT 0,
	last_event_type TEXT NOT NULL DEFAULT '',
	last_modified   TIMESTAMPTZ NOT NULL,
	coupon_statuses JSONB NOT NULL DEFAULT '{}',
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS coupon_matches (
	id               TEXT PRIMARY KEY,
	ticket_number    TEXT NOT NULL,
	coupon_number    INTEGER NOT NULL,
	status           TEXT NOT NULL,
	issued_event_id  TEXT NOT NULL DEFAULT '',
	flown_event_id   TEXT NOT NULL DEFAULT '',
	issued_at        TIMESTAMPTZ,
	flown_at         TIMESTAMPTZ,
	matched_at       TIMESTAMPTZ,
	amount           DOUBLE PRECISION NOT NULL DEFAULT 0,
	currency         TEXT NOT NULL DEFAULT '',
	days_in_suspense INTEGER NOT NULL DEFAULT 0,
	notes            TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (ticket_number, coupon_number)
);

CREATE TABLE IF NOT EXISTS recon_results (
	id               TEXT PRIMARY KEY,
	recon_type       TEXT NOT NULL,
	ticket_number    TEXT NOT NULL,
	coupon_number    INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	break_type       TEXT NOT NULL DEFAULT '',
	severity         TEXT NOT NULL DEFAULT '',
	our_amount       DOUBLE PRECISION,
	their_amount     DOUBLE PRECISION,
	difference       DOUBLE PRECISION NOT NULL DEFAULT 0,
	description      TEXT NOT NULL DEFAULT '',
	resolution       TEXT NOT NULL DEFAULT 'unresolved',
	resolution_notes TEXT NOT NULL DEFAULT '',
	resolved_by      TEXT NOT NULL DEFAULT '',
	resolved_at      TIMESTAMPTZ,
	run_id           TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_log (
	id               TEXT PRIMARY KEY,
	action           TEXT NOT NULL,
	component        TEXT NOT NULL,
	ticket_number    TEXT NOT NULL DEFAULT '',
	input_event_ids  JSONB NOT NULL DEFAULT '[]',
	output_reference TEXT NOT NULL DEFAULT '',
	detail           JSONB,
	raw_source_hash  TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS settlements (
	id                TEXT PRIMARY KEY,
	ticket_number     TEXT NOT NULL,
	coupon_number     INTEGER NOT NULL DEFAULT 0,
	counterparty      TEXT NOT NULL,
	counterparty_type TEXT NOT NULL,
	status            TEXT NOT NULL,
	our_amount        DOUBLE PRECISION NOT NULL DEFAULT 0,
	their_amount      DOUBLE PRECISION,
	currency          TEXT NOT NULL DEFAULT '',
	source_event_id   TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS settlement_saga_log (
	id            TEXT PRIMARY KEY,
	settlement_id TEXT NOT NULL REFERENCES settlements(id),
	from_status   TEXT NOT NULL,
	to_status     TEXT NOT NULL,
	action        TEXT NOT NULL,
	detail        JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dag_runs (
	id           TEXT PRIMARY KEY,
	dag_name     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS task_runs (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES dag_runs(id),
	task_name     TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	depends_on    JSONB NOT NULL DEFAULT '[]',
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT '',
	result        JSONB,
	UNIQUE (run_id, task_name)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	source_system  TEXT NOT NULL,
	record         BYTEA NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_stage   TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ticket_events_type ON ticket_events(event_type);
CREATE INDEX IF NOT EXISTS idx_ticket_events_source ON ticket_events(source_system);
CREATE INDEX IF NOT EXISTS idx_ticket_state_status ON ticket_current_state(status);
CREATE INDEX IF NOT EXISTS idx_coupon_matches_status ON coupon_matches(status);
CREATE INDEX IF NOT EXISTS idx_coupon_matches_age ON coupon_matches(days_in_suspense);
CREATE INDEX IF NOT EXISTS idx_recon_results_ticket ON recon_results(ticket_number);
CREATE INDEX IF NOT EXISTS idx_recon_results_run ON recon_results(run_id);
CREATE INDEX IF NOT EXISTS idx_recon_results_resolution ON recon_results(resolution);
CREATE INDEX IF NOT EXISTS idx_audit_log_ticket ON audit_log(ticket_number);
CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
CREATE INDEX IF NOT EXISTS idx_audit_log_output ON audit_log(output_reference);
CREATE INDEX IF NOT EXISTS idx_settlements_ticket ON settlements(ticket_number);
CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status);
CREATE INDEX IF NOT EXISTS idx_settlements_source_event ON settlements(source_event_id);
CREATE INDEX IF NOT EXISTS idx_saga_log_settlement ON settlement_saga_log(settlement_id);
CREATE INDEX IF NOT EXISTS idx_task_runs_run_id ON task_runs(run_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_next_retry ON dead_letters(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Ticket events

func (s *PostgresStore) AppendTicketEvent(ctx context.Context, ev model.TicketEvent) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal event payload")
	}
	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ticket_events
		 (ticket_number, event_sequence, event_id, event_type, source_system, occurred_at, payload, ingested_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT DO NOTHING`,
		ev.TicketNumber, ev.EventSequence, ev.ID, string(ev.EventType), string(ev.SourceSystem),
		ev.OccurredAt.UTC(), payloadJSON, ev.IngestedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: append event for ticket %s", ev.TicketNumber)
	}
	if tag.RowsAffected() == 0 {
		seen, err := s.HasTicketEvent(ctx, ev.ID)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
		return eris.Wrapf(ErrDuplicateSequence, "ticket %s sequence %d", ev.TicketNumber, ev.EventSequence)
	}
	return nil
}

func (s *PostgresStore) HasTicketEvent(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM ticket_events WHERE event_id = $1`, eventID,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, eris.Wrap(err, "postgres: has event")
	}
	return true, nil
}

func (s *PostgresStore) GetTicketEvents(ctx context.Context, ticketNumber string) ([]model.TicketEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ticket_number, event_sequence, event_id, event_type, source_system, occurred_at, payload, ingested_at
		 FROM ticket_events WHERE ticket_number = $1 ORDER BY event_sequence ASC`,
		ticketNumber,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get events for ticket %s", ticketNumber)
	}
	defer rows.Close()
	return collectPgTicketEvents(rows)
}

func (s *PostgresStore) ListTicketEvents(ctx context.Context, filter EventFilter) ([]model.TicketEvent, error) {
	query := `SELECT ticket_number, event_sequence, event_id, event_type, source_system, occurred_at, payload, ingested_at
	          FROM ticket_events WHERE true`
	args := []any{}
	argIdx := 1

	if filter.TicketNumber != "" {
		query += fmt.Sprintf(` AND ticket_number = $%d`, argIdx)
		args = append(args, filter.TicketNumber)
		argIdx++
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		query += fmt.Sprintf(` AND event_type = ANY($%d)`, argIdx)
		args = append(args, types)
		argIdx++
	}
	if filter.SourceSystem != "" {
		query += fmt.Sprintf(` AND source_system = $%d`, argIdx)
		args = append(args, string(filter.SourceSystem))
		argIdx++
	}
	query += ` ORDER BY ticket_number ASC, event_sequence ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()
	return collectPgTicketEvents(rows)
}

// Current state projection

func (s *PostgresStore) UpsertTicketState(ctx context.Context, st *model.TicketState) error {
	couponJSON, err := json.Marshal(st.CouponStatuses)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal coupon statuses")
	}
	st.UpdatedAt = time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ticket_current_state
		 (ticket_number, status, pnr, passenger_name, origin, destination, gross_amount, currency,
		  event_count, last_event_type, last_modified, coupon_statuses, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (ticket_number) DO UPDATE SET
		   status = EXCLUDED.status, pnr = EXCLUDED.pnr, passenger_name = EXCLUDED.passenger_name,
		   origin = EXCLUDED.origin, destination = EXCLUDED.destination,
		   gross_amount = EXCLUDED.gross_amount, currency = EXCLUDED.currency,
		   event_count = EXCLUDED.event_count, last_event_type = EXCLUDED.last_event_type,
		   last_modified = EXCLUDED.last_modified, coupon_statuses = EXCLUDED.coupon_statuses,
		   updated_at = EXCLUDED.updated_at`,
		st.TicketNumber, string(st.Status), st.PNR, st.PassengerName, st.Origin, st.Destination,
		st.GrossAmount, st.Currency, st.EventCount, string(st.LastEventType),
		st.LastModified.UTC(), couponJSON, st.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert state for ticket %s", st.TicketNumber)
}

func (s *PostgresStore) GetTicketState(ctx context.Context, ticketNumber string) (*model.TicketState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT ticket_number, status, pnr, passenger_name, origin, destination, gross_amount, currency,
		        event_count, last_event_type, last_modified, coupon_statuses, updated_at
		 FROM ticket_current_state WHERE ticket_number = $1`,
		ticketNumber,
	)
	st, err := scanPgTicketState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "ticket state %s", ticketNumber)
		}
		return nil, eris.Wrapf(err, "postgres: get state for ticket %s", ticketNumber)
	}
	return st, nil
}

func (s *PostgresStore) ListTicketStates(ctx context.Context, filter StateFilter) ([]model.TicketState, error) {
	query := `SELECT ticket_number, status, pnr, passenger_name, origin, destination, gross_amount, currency,
	                 event_count, last_event_type, last_modified, coupon_statuses, updated_at
	          FROM ticket_current_state WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY ticket_number ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list states")
	}
	defer rows.Close()

	var states []model.TicketState
	for rows.Next() {
		st, err := scanPgTicketState(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan state")
		}
		states = append(states, *st)
	}
	return states, eris.Wrap(rows.Err(), "postgres: list states iterate")
}

func (s *PostgresStore) ListTicketNumbers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ticket_number FROM ticket_current_state ORDER BY ticket_number ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ticket numbers")
	}
	defer rows.Close()

	var tickets []string
	for rows.Next() {
		var tn string
		if err := rows.Scan(&tn); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ticket number")
		}
		tickets = append(tickets, tn)
	}
	return tickets, eris.Wrap(rows.Err(), "postgres: list ticket numbers iterate")
}

// Coupon matches

var couponMatchColumns = []string{
	"id", "ticket_number", "coupon_number", "status", "issued_event_id", "flown_event_id",
	"issued_at", "flown_at", "matched_at", "amount", "currency", "days_in_suspense", "notes",
	"created_at", "updated_at",
}

func (s *PostgresStore) UpsertCouponMatches(ctx context.Context, matches []model.CouponMatch) error {
	if len(matches) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(matches))
	for i := range matches {
		m := &matches[i]
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.UpdatedAt = now
		rows = append(rows, []any{
			m.ID, m.TicketNumber, m.CouponNumber, string(m.Status), m.IssuedEventID, m.FlownEventID,
			m.IssuedAt, m.FlownAt, m.MatchedAt, m.Amount, m.Currency, m.DaysInSuspense, m.Notes,
			m.CreatedAt, m.UpdatedAt,
		})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertSpec{
		Table:        "coupon_matches",
		Columns:      couponMatchColumns,
		ConflictKeys: []string{"ticket_number", "coupon_number"},
		UpdateCols: []string{
			"status", "issued_event_id", "flown_event_id", "issued_at", "flown_at", "matched_at",
			"amount", "currency", "days_in_suspense", "notes", "updated_at",
		},
	}, rows)
	return eris.Wrap(err, "postgres: upsert coupon matches")
}

func (s *PostgresStore) GetCouponMatch(ctx context.Context, ticketNumber string, couponNumber int) (*model.CouponMatch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, ticket_number, coupon_number, status, issued_event_id, flown_event_id,
		        issued_at, flown_at, matched_at, amount, currency, days_in_suspense, notes, created_at, updated_at
		 FROM coupon_matches WHERE ticket_number = $1 AND coupon_number = $2`,
		ticketNumber, couponNumber,
	)
	m, err := scanPgCouponMatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get match %s/%d", ticketNumber, couponNumber)
	}
	return m, nil
}

func (s *PostgresStore) ListCouponMatches(ctx context.Context, filter MatchFilter) ([]model.CouponMatch, error) {
	query := `SELECT id, ticket_number, coupon_number, status, issued_event_id, flown_event_id,
	                 issued_at, flown_at, matched_at, amount, currency, days_in_suspense, notes, created_at, updated_at
	          FROM coupon_matches WHERE true`
	args := []any{}
	argIdx := 1

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(` AND status = ANY($%d)`, argIdx)
		args = append(args, statuses)
		argIdx++
	}
	if filter.TicketNumber != "" {
		query += fmt.Sprintf(` AND ticket_number = $%d`, argIdx)
		args = append(args, filter.TicketNumber)
		argIdx++
	}
	query += ` ORDER BY ticket_number ASC, coupon_number ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list matches")
	}
	defer rows.Close()
	return collectPgCouponMatches(rows)
}

func (s *PostgresStore) ListSuspense(ctx context.Context, minAgeDays int) ([]model.CouponMatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ticket_number, coupon_number, status, issued_event_id, flown_event_id,
		        issued_at, flown_at, matched_at, amount, currency, days_in_suspense, notes, created_at, updated_at
		 FROM coupon_matches
		 WHERE status = ANY($1) AND days_in_suspense >= $2
		 ORDER BY days_in_suspense DESC, ticket_number ASC, coupon_number ASC`,
		[]string{string(model.MatchStatusUnmatchedIssued), string(model.MatchStatusSuspense)}, minAgeDays,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list suspense")
	}
	defer rows.Close()
	return collectPgCouponMatches(rows)
}

func (s *PostgresStore) CountCouponMatches(ctx context.Context) (model.MatchSummary, error) {
	var summary model.MatchSummary
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM coupon_matches GROUP BY status`,
	)
	if err != nil {
		return summary, eris.Wrap(err, "postgres: count matches")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return summary, eris.Wrap(err, "postgres: scan match count")
		}
		applyMatchCount(&summary, model.MatchStatus(status), count)
	}
	return summary, eris.Wrap(rows.Err(), "postgres: count matches iterate")
}

// Reconciliation results

var reconResultColumns = []string{
	"id", "recon_type", "ticket_number", "coupon_number", "status", "break_type", "severity",
	"our_amount", "their_amount", "difference", "description", "resolution", "resolution_notes",
	"resolved_by", "resolved_at", "run_id", "created_at",
}

func (s *PostgresStore) InsertReconResults(ctx context.Context, results []model.ReconResult) error {
	if len(results) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(results))
	for i := range results {
		r := &results[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.Resolution == "" {
			r.Resolution = model.ResolutionUnresolved
		}
		rows = append(rows, []any{
			r.ID, string(r.ReconType), r.TicketNumber, r.CouponNumber, string(r.Status),
			string(r.BreakType), string(r.Severity), r.OurAmount, r.TheirAmount, r.Difference,
			r.Description, string(r.Resolution), r.ResolutionNotes, r.ResolvedBy, r.ResolvedAt,
			r.RunID, r.CreatedAt,
		})
	}

	_, err := db.CopyFrom(ctx, s.pool, "recon_results", reconResultColumns, rows)
	return eris.Wrap(err, "postgres: insert recon results")
}

func (s *PostgresStore) GetReconResult(ctx context.Context, id string) (*model.ReconResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, recon_type, ticket_number, coupon_number, status, break_type, severity,
		        our_amount, their_amount, difference, description, resolution, resolution_notes,
		        resolved_by, resolved_at, run_id, created_at
		 FROM recon_results WHERE id = $1`,
		id,
	)
	r, err := scanPgReconResult(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "recon result %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get recon result %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListReconResults(ctx context.Context, filter ReconFilter) ([]model.ReconResult, error) {
	query := `SELECT id, recon_type, ticket_number, coupon_number, status, break_type, severity,
	                 our_amount, their_amount, difference, description, resolution, resolution_notes,
	                 resolved_by, resolved_at, run_id, created_at
	          FROM recon_results WHERE true`
	args := []any{}
	argIdx := 1

	addFilter := func(clause, value string) {
		if value == "" {
			return
		}
		query += fmt.Sprintf(` AND %s = $%d`, clause, argIdx)
		args = append(args, value)
		argIdx++
	}
	addFilter("recon_type", string(filter.ReconType))
	addFilter("status", string(filter.Status))
	addFilter("break_type", string(filter.BreakType))
	addFilter("severity", string(filter.Severity))
	addFilter("resolution", string(filter.Resolution))
	addFilter("ticket_number", filter.TicketNumber)
	addFilter("run_id", filter.RunID)

	query += ` ORDER BY created_at DESC, ticket_number ASC, coupon_number ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list recon results")
	}
	defer rows.Close()

	var results []model.ReconResult
	for rows.Next() {
		r, err := scanPgReconResult(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan recon result")
		}
		results = append(results, *r)
	}
	return results, eris.Wrap(rows.Err(), "postgres: list recon results iterate")
}

func (s *PostgresStore) ResolveBreak(ctx context.Context, id string, resolution model.Resolution, resolvedBy, notes string) (*model.ReconResult, error) {
	if !model.ValidResolution(resolution) {
		return nil, eris.Errorf("postgres: invalid resolution %q", resolution)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE recon_results
		 SET resolution = $1, resolved_by = $2, resolved_at = $3, resolution_notes = $4
		 WHERE id = $5 AND resolution = $6`,
		string(resolution), resolvedBy, time.Now().UTC(), notes, id, string(model.ResolutionUnresolved),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: resolve break %s", id)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetReconResult(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, eris.Wrapf(ErrAlreadyResolved, "break %s is %s", id, existing.Resolution)
	}
	return s.GetReconResult(ctx, id)
}

// Settlements

func (s *PostgresStore) CreateSettlement(ctx context.Context, st *model.Settlement) error {
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements
		 (id, ticket_number, coupon_number, counterparty, counterparty_type, status,
		  our_amount, their_amount, currency, source_event_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		st.ID, st.TicketNumber, st.CouponNumber, st.Counterparty, string(st.CounterpartyType),
		string(st.Status), st.OurAmount, st.TheirAmount, st.Currency, st.SourceEventID,
		st.CreatedAt, st.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert settlement for ticket %s", st.TicketNumber)
}

func (s *PostgresStore) GetSettlement(ctx context.Context, id string) (*model.Settlement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, ticket_number, coupon_number, counterparty, counterparty_type, status,
		        our_amount, their_amount, currency, source_event_id, created_at, updated_at
		 FROM settlements WHERE id = $1`,
		id,
	)
	st, err := scanPgSettlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "settlement %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get settlement %s", id)
	}
	return st, nil
}

func (s *PostgresStore) GetSettlementBySourceEvent(ctx context.Context, eventID string) (*model.Settlement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, ticket_number, coupon_number, counterparty, counterparty_type, status,
		        our_amount, their_amount, currency, source_event_id, created_at, updated_at
		 FROM settlements WHERE source_event_id = $1 LIMIT 1`,
		eventID,
	)
	st, err := scanPgSettlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get settlement by source event %s", eventID)
	}
	return st, nil
}

func (s *PostgresStore) UpdateSettlementStatus(ctx context.Context, id string, status model.SettlementStatus, theirAmount *float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlements SET status = $1, their_amount = COALESCE($2, their_amount), updated_at = $3 WHERE id = $4`,
		string(status), theirAmount, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update settlement status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "settlement %s", id)
	}
	return nil
}

func (s *PostgresStore) ListSettlements(ctx context.Context, filter SettlementFilter) ([]model.Settlement, error) {
	query := `SELECT id, ticket_number, coupon_number, counterparty, counterparty_type, status,
	                 our_amount, their_amount, currency, source_event_id, created_at, updated_at
	          FROM settlements WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.CounterpartyType != "" {
		query += fmt.Sprintf(` AND counterparty_type = $%d`, argIdx)
		args = append(args, string(filter.CounterpartyType))
		argIdx++
	}
	if filter.TicketNumber != "" {
		query += fmt.Sprintf(` AND ticket_number = $%d`, argIdx)
		args = append(args, filter.TicketNumber)
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list settlements")
	}
	defer rows.Close()

	var settlements []model.Settlement
	for rows.Next() {
		st, err := scanPgSettlement(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan settlement")
		}
		settlements = append(settlements, *st)
	}
	return settlements, eris.Wrap(rows.Err(), "postgres: list settlements iterate")
}

func (s *PostgresStore) AppendSagaLog(ctx context.Context, entry model.SagaLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal saga detail")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO settlement_saga_log (id, settlement_id, from_status, to_status, action, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.SettlementID, string(entry.FromStatus), string(entry.ToStatus),
		entry.Action, detailJSON, entry.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append saga log for settlement %s", entry.SettlementID)
}

func (s *PostgresStore) GetSagaLog(ctx context.Context, settlementID string) ([]model.SagaLogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, settlement_id, from_status, to_status, action, detail, created_at
		 FROM settlement_saga_log WHERE settlement_id = $1
		 ORDER BY created_at ASC, id ASC`,
		settlementID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get saga log for settlement %s", settlementID)
	}
	defer rows.Close()

	var entries []model.SagaLogEntry
	for rows.Next() {
		var e model.SagaLogEntry
		var from, to string
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.SettlementID, &from, &to, &e.Action, &detailJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan saga log entry")
		}
		e.FromStatus = model.SettlementStatus(from)
		e.ToStatus = model.SettlementStatus(to)
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal saga detail")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: get saga log iterate")
}

// DAG runs

func (s *PostgresStore) CreateDagRun(ctx context.Context, run *model.DagRun, tasks []model.TaskRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunPending
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create dag run")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO dag_runs (id, dag_name, status, started_at, completed_at, error) VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.DagName, string(run.Status), run.StartedAt, run.CompletedAt, run.Error,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert dag run %s", run.DagName)
	}

	for _, tr := range tasks {
		if tr.ID == "" {
			tr.ID = uuid.New().String()
		}
		if tr.RunID == "" {
			tr.RunID = run.ID
		}
		if tr.Status == "" {
			tr.Status = model.TaskPending
		}
		depsJSON, err := json.Marshal(tr.DependsOn)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal depends_on for task %s", tr.TaskName)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO task_runs (id, run_id, task_name, status, depends_on) VALUES ($1, $2, $3, $4, $5)`,
			tr.ID, tr.RunID, tr.TaskName, string(tr.Status), depsJSON,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert task run %s", tr.TaskName)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit create dag run")
}

func (s *PostgresStore) UpdateDagRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	query := `UPDATE dag_runs SET status = $1, error = $2 WHERE id = $3`
	args := []any{string(status), errMsg, runID}
	if status == model.RunSucceeded || status == model.RunFailed {
		query = `UPDATE dag_runs SET status = $1, error = $2, completed_at = $3 WHERE id = $4`
		args = []any{string(status), errMsg, time.Now().UTC(), runID}
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update dag run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dag run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetDagRun(ctx context.Context, runID string) (*model.DagRun, []model.TaskRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, dag_name, status, started_at, completed_at, error FROM dag_runs WHERE id = $1`,
		runID,
	)
	run, err := scanPgDagRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, eris.Wrapf(ErrNotFound, "dag run %s", runID)
		}
		return nil, nil, eris.Wrapf(err, "postgres: get dag run %s", runID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, task_name, status, depends_on, started_at, completed_at, error_message, result
		 FROM task_runs WHERE run_id = $1 ORDER BY task_name ASC`,
		runID,
	)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "postgres: get task runs for %s", runID)
	}
	defer rows.Close()

	var tasks []model.TaskRun
	for rows.Next() {
		tr, err := scanPgTaskRun(rows)
		if err != nil {
			return nil, nil, eris.Wrap(err, "postgres: scan task run")
		}
		tasks = append(tasks, *tr)
	}
	return run, tasks, eris.Wrap(rows.Err(), "postgres: get task runs iterate")
}

func (s *PostgresStore) ListDagRuns(ctx context.Context, limit int) ([]model.DagRun, error) {
	query := `SELECT id, dag_name, status, started_at, completed_at, error FROM dag_runs ORDER BY started_at DESC, id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dag runs")
	}
	defer rows.Close()

	var runs []model.DagRun
	for rows.Next() {
		run, err := scanPgDagRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan dag run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list dag runs iterate")
}

func (s *PostgresStore) UpdateTaskRun(ctx context.Context, tr model.TaskRun) error {
	resultJSON, err := json.Marshal(tr.Result)
	if err != nil {
		return eris.Wrapf(err, "postgres: marshal result for task %s", tr.TaskName)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE task_runs SET status = $1, started_at = $2, completed_at = $3, error_message = $4, result = $5
		 WHERE run_id = $6 AND task_name = $7`,
		string(tr.Status), tr.StartedAt, tr.CompletedAt, tr.ErrorMessage, resultJSON, tr.RunID, tr.TaskName,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update task run %s/%s", tr.RunID, tr.TaskName)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "task run %s", tr.TaskName)
	}
	return nil
}

// Audit log

func (s *PostgresStore) AppendAudit(ctx context.Context, rec model.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	detailJSON, err := json.Marshal(rec.Detail)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal audit detail")
	}
	inputJSON, err := json.Marshal(rec.InputEventIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal audit input event ids")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, action, component, ticket_number, input_event_ids, output_reference, detail, raw_source_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.Action, rec.Component, rec.TicketNumber, inputJSON,
		rec.OutputReference, detailJSON, rec.RawSourceHash, rec.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append audit %s", rec.Action)
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error) {
	query := `SELECT id, action, component, ticket_number, input_event_ids, output_reference, detail, raw_source_hash, created_at
	          FROM audit_log WHERE true`
	args := []any{}
	argIdx := 1

	addFilter := func(column, value string) {
		if value == "" {
			return
		}
		query += fmt.Sprintf(` AND %s = $%d`, column, argIdx)
		args = append(args, value)
		argIdx++
	}
	addFilter("ticket_number", filter.TicketNumber)
	addFilter("action", filter.Action)
	addFilter("component", filter.Component)
	addFilter("output_reference", filter.OutputReference)

	query += ` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var records []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		var detailJSON, inputJSON []byte
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.Component, &rec.TicketNumber,
			&inputJSON, &rec.OutputReference, &detailJSON, &rec.RawSourceHash, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit record")
		}
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &rec.Detail); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal audit detail")
			}
		}
		if len(inputJSON) > 0 {
			if err := json.Unmarshal(inputJSON, &rec.InputEventIDs); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal audit input event ids")
			}
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

// Dead letter queue

func (s *PostgresStore) EnqueueDeadLetter(ctx context.Context, dl resilience.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters
		 (id, source_system, record, error, error_type, failed_stage, retry_count, max_retries,
		  next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $4, error_type = $5, failed_stage = $6, retry_count = $7,
		   next_retry_at = $9, last_failed_at = $11`,
		dl.ID, string(dl.SourceSystem), dl.Record, dl.Error, dl.ErrorType, dl.FailedStage,
		dl.RetryCount, dl.MaxRetries, dl.NextRetryAt, dl.CreatedAt, dl.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dead letter")
}

func (s *PostgresStore) DequeueDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	query := `SELECT id, source_system, record, error, error_type, failed_stage, retry_count, max_retries,
	               next_retry_at, created_at, last_failed_at
	          FROM dead_letters
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.SourceSystem != "" {
		query += fmt.Sprintf(` AND source_system = $%d`, argIdx)
		args = append(args, string(filter.SourceSystem))
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dead letters")
	}
	defer rows.Close()

	var letters []resilience.DeadLetter
	for rows.Next() {
		var dl resilience.DeadLetter
		var source string
		if err := rows.Scan(&dl.ID, &source, &dl.Record, &dl.Error, &dl.ErrorType, &dl.FailedStage,
			&dl.RetryCount, &dl.MaxRetries, &dl.NextRetryAt, &dl.CreatedAt, &dl.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		dl.SourceSystem = model.SourceSystem(source)
		letters = append(letters, dl)
	}
	return letters, eris.Wrap(rows.Err(), "postgres: dequeue dead letters iterate")
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	query := `SELECT id, source_system, record, error, error_type, failed_stage, retry_count, max_retries,
	               next_retry_at, created_at, last_failed_at
	          FROM dead_letters WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.SourceSystem != "" {
		query += fmt.Sprintf(` AND source_system = $%d`, argIdx)
		args = append(args, string(filter.SourceSystem))
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var letters []resilience.DeadLetter
	for rows.Next() {
		var dl resilience.DeadLetter
		var source string
		if err := rows.Scan(&dl.ID, &source, &dl.Record, &dl.Error, &dl.ErrorType, &dl.FailedStage,
			&dl.RetryCount, &dl.MaxRetries, &dl.NextRetryAt, &dl.CreatedAt, &dl.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		dl.SourceSystem = model.SourceSystem(source)
		letters = append(letters, dl)
	}
	return letters, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

func (s *PostgresStore) IncrementDeadLetterRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letters
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dead letter retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dead letter %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDeadLetter(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dead letter")
}

func (s *PostgresStore) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dead letters")
}

// pgx scan helpers

func collectPgTicketEvents(rows pgx.Rows) ([]model.TicketEvent, error) {
	var events []model.TicketEvent
	for rows.Next() {
		ev, err := scanPgTicketEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		events = append(events, *ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: iterate events")
}

func scanPgTicketEvent(row pgx.Row) (*model.TicketEvent, error) {
	var ev model.TicketEvent
	var eventType, source string
	var payloadJSON []byte

	err := row.Scan(&ev.TicketNumber, &ev.EventSequence, &ev.ID, &eventType, &source,
		&ev.OccurredAt, &payloadJSON, &ev.IngestedAt)
	if err != nil {
		return nil, err
	}
	ev.EventType = model.EventType(eventType)
	ev.SourceSystem = model.SourceSystem(source)
	if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
		return nil, eris.Wrap(err, "unmarshal event payload")
	}
	return &ev, nil
}

func scanPgTicketState(row pgx.Row) (*model.TicketState, error) {
	var st model.TicketState
	var status, lastEventType string
	var couponJSON []byte

	err := row.Scan(&st.TicketNumber, &status, &st.PNR, &st.PassengerName, &st.Origin, &st.Destination,
		&st.GrossAmount, &st.Currency, &st.EventCount, &lastEventType, &st.LastModified,
		&couponJSON, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.Status = model.TicketStatus(status)
	st.LastEventType = model.EventType(lastEventType)
	if err := json.Unmarshal(couponJSON, &st.CouponStatuses); err != nil {
		return nil, eris.Wrap(err, "unmarshal coupon statuses")
	}
	return &st, nil
}

func collectPgCouponMatches(rows pgx.Rows) ([]model.CouponMatch, error) {
	var matches []model.CouponMatch
	for rows.Next() {
		m, err := scanPgCouponMatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan match")
		}
		matches = append(matches, *m)
	}
	return matches, eris.Wrap(rows.Err(), "postgres: iterate matches")
}

func scanPgCouponMatch(row pgx.Row) (*model.CouponMatch, error) {
	var m model.CouponMatch
	var status string

	err := row.Scan(&m.ID, &m.TicketNumber, &m.CouponNumber, &status, &m.IssuedEventID, &m.FlownEventID,
		&m.IssuedAt, &m.FlownAt, &m.MatchedAt, &m.Amount, &m.Currency, &m.DaysInSuspense, &m.Notes,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = model.MatchStatus(status)
	return &m, nil
}

func scanPgReconResult(row pgx.Row) (*model.ReconResult, error) {
	var r model.ReconResult
	var reconType, status, breakType, severity, resolution string

	err := row.Scan(&r.ID, &reconType, &r.TicketNumber, &r.CouponNumber, &status, &breakType, &severity,
		&r.OurAmount, &r.TheirAmount, &r.Difference, &r.Description, &resolution, &r.ResolutionNotes,
		&r.ResolvedBy, &r.ResolvedAt, &r.RunID, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.ReconType = model.ReconType(reconType)
	r.Status = model.ReconStatus(status)
	r.BreakType = model.BreakType(breakType)
	r.Severity = model.Severity(severity)
	r.Resolution = model.Resolution(resolution)
	return &r, nil
}

func scanPgSettlement(row pgx.Row) (*model.Settlement, error) {
	var st model.Settlement
	var counterpartyType, status string

	err := row.Scan(&st.ID, &st.TicketNumber, &st.CouponNumber, &st.Counterparty, &counterpartyType,
		&status, &st.OurAmount, &st.TheirAmount, &st.Currency,
		&st.SourceEventID, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.CounterpartyType = model.CounterpartyType(counterpartyType)
	st.Status = model.SettlementStatus(status)
	return &st, nil
}

func scanPgDagRun(row pgx.Row) (*model.DagRun, error) {
	var run model.DagRun
	var status string

	err := row.Scan(&run.ID, &run.DagName, &status, &run.StartedAt, &run.CompletedAt, &run.Error)
	if err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	return &run, nil
}

func scanPgTaskRun(row pgx.Row) (*model.TaskRun, error) {
	var tr model.TaskRun
	var status string
	var depsJSON, resultJSON []byte

	err := row.Scan(&tr.ID, &tr.RunID, &tr.TaskName, &status, &depsJSON,
		&tr.StartedAt, &tr.CompletedAt, &tr.ErrorMessage, &resultJSON)
	if err != nil {
		return nil, err
	}
	tr.Status = model.TaskStatus(status)
	if len(depsJSON) > 0 {
		if err := json.Unmarshal(depsJSON, &tr.DependsOn); err != nil {
			return nil, err
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &tr.Result); err != nil {
			return nil, err
		}
	}
	return &tr, nil
}
