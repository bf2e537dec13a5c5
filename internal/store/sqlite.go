package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/revledger/internal/model"
	"github.com/sells-group/revledger/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ticket_events (
	ticket_number  TEXT NOT NULL,
	event_sequence INTEGER NOT NULL,
	event_id       TEXT NOT NULL UNIQUE,
	event_type     TEXT NOT NULL,
	source_system  TEXT NOT NULL,
	occurred_at    DATETIME NOT NULL,
	payload        TEXT NOT NULL,
	ingested_at    DATETIME NOT NULL,
	PRIMARY KEY (ticket_number, event_sequence)
);

CREATE TABLE IF NOT EXISTS ticket_current_state (
	ticket_number   TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	pnr             TEXT NOT NULL DEFAULT '',
	passenger_name  TEXT NOT NULL DEFAULT '',
	origin          TEXT NOT NULL DEFAULT '',
	destination     TEXT NOT NULL DEFAULT '',
	gross_amount    REAL NOT NULL DEFAULT 0,
	currency        TEXT NOT NULL DEFAULT '',
	event_count     INTEGER NOT NULL DEFAULT 0,
	last_event_type TEXT NOT NULL DEFAULT '',
	last_modified   DATETIME NOT NULL,
	coupon_statuses TEXT NOT NULL DEFAULT '{}',
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS coupon_matches (
	id               TEXT PRIMARY KEY,
	ticket_number    TEXT NOT NULL,
	coupon_number    INTEGER NOT NULL,
	status           TEXT NOT NULL,
	issued_event_id  TEXT NOT NULL DEFAULT '',
	flown_event_id   TEXT NOT NULL DEFAULT '',
	issued_at        DATETIME,
	flown_at         DATETIME,
	matched_at       DATETIME,
	amount           REAL NOT NULL DEFAULT 0,
	currency         TEXT NOT NULL DEFAULT '',
	days_in_suspense INTEGER NOT NULL DEFAULT 0,
	notes            TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
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
	our_amount       REAL,
	their_amount     REAL,
	difference       REAL NOT NULL DEFAULT 0,
	description      TEXT NOT NULL DEFAULT '',
	resolution       TEXT NOT NULL DEFAULT 'unresolved',
	resolution_notes TEXT NOT NULL DEFAULT '',
	resolved_by      TEXT NOT NULL DEFAULT '',
	resolved_at      DATETIME,
	run_id           TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id               TEXT PRIMARY KEY,
	action           TEXT NOT NULL,
	component        TEXT NOT NULL,
	ticket_number    TEXT NOT NULL DEFAULT '',
	input_event_ids  TEXT NOT NULL DEFAULT '[]',
	output_reference TEXT NOT NULL DEFAULT '',
	detail           TEXT NOT NULL DEFAULT 'null',
	raw_source_hash  TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS settlements (
	id                TEXT PRIMARY KEY,
	ticket_number     TEXT NOT NULL,
	coupon_number     INTEGER NOT NULL DEFAULT 0,
	counterparty      TEXT NOT NULL,
	counterparty_type TEXT NOT NULL,
	status            TEXT NOT NULL,
	our_amount        REAL NOT NULL DEFAULT 0,
	their_amount      REAL,
	currency          TEXT NOT NULL DEFAULT '',
	source_event_id   TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS settlement_saga_log (
	id            TEXT PRIMARY KEY,
	settlement_id TEXT NOT NULL REFERENCES settlements(id),
	from_status   TEXT NOT NULL,
	to_status     TEXT NOT NULL,
	action        TEXT NOT NULL,
	detail        TEXT NOT NULL DEFAULT 'null',
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dag_runs (
	id           TEXT PRIMARY KEY,
	dag_name     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS task_runs (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES dag_runs(id),
	task_name     TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	depends_on    TEXT NOT NULL DEFAULT '[]',
	started_at    DATETIME,
	completed_at  DATETIME,
	error_message TEXT NOT NULL DEFAULT '',
	result        TEXT NOT NULL DEFAULT 'null',
	UNIQUE (run_id, task_name)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	source_system  TEXT NOT NULL,
	record         TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	failed_stage   TEXT NOT NULL DEFAULT '',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
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

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ticket events

func (s *SQLiteStore) AppendTicketEvent(ctx context.Context, ev model.TicketEvent) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal event payload")
	}
	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ticket_events
		 (ticket_number, event_sequence, event_id, event_type, source_system, occurred_at, payload, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		ev.TicketNumber, ev.EventSequence, ev.ID, string(ev.EventType), string(ev.SourceSystem),
		ev.OccurredAt.UTC(), string(payloadJSON), ev.IngestedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: append event for ticket %s", ev.TicketNumber)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		// Either the same event id was replayed (fine) or another writer
		// took the sequence slot first.
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

func (s *SQLiteStore) HasTicketEvent(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM ticket_events WHERE event_id = ?`, eventID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "sqlite: has event")
	}
	return true, nil
}

func (s *SQLiteStore) GetTicketEvents(ctx context.Context, ticketNumber string) ([]model.TicketEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ticket_number, event_sequence, event_id, event_type, source_system, occurred_at, payload, ingested_at
		 FROM ticket_events WHERE ticket_number = ? ORDER BY event_sequence ASC`,
		ticketNumber,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get events for ticket %s", ticketNumber)
	}
	defer rows.Close()
	return collectTicketEvents(rows)
}

func (s *SQLiteStore) ListTicketEvents(ctx context.Context, filter EventFilter) ([]model.TicketEvent, error) {
	query := `SELECT ticket_number, event_sequence, event_id, event_type, source_system, occurred_at, payload, ingested_at
	          FROM ticket_events WHERE 1=1`
	var args []any

	if filter.TicketNumber != "" {
		query += ` AND ticket_number = ?`
		args = append(args, filter.TicketNumber)
	}
	if len(filter.Types) > 0 {
		query += ` AND event_type IN (` + placeholders(len(filter.Types)) + `)`
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if filter.SourceSystem != "" {
		query += ` AND source_system = ?`
		args = append(args, string(filter.SourceSystem))
	}
	query += ` ORDER BY ticket_number ASC, event_sequence ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()
	return collectTicketEvents(rows)
}

// Current state projection

func (s *SQLiteStore) UpsertTicketState(ctx context.Context, st *model.TicketState) error {
	couponJSON, err := json.Marshal(st.CouponStatuses)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal coupon statuses")
	}
	st.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ticket_current_state
		 (ticket_number, status, pnr, passenger_name, origin, destination, gross_amount, currency,
		  event_count, last_event_type, last_modified, coupon_statuses, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (ticket_number) DO UPDATE SET
		   status = excluded.status, pnr = excluded.pnr, passenger_name = excluded.passenger_name,
		   origin = excluded.origin, destination = excluded.destination,
		   gross_amount = excluded.gross_amount, currency = excluded.currency,
		   event_count = excluded.event_count, last_event_type = excluded.last_event_type,
		   last_modified = excluded.last_modified, coupon_statuses = excluded.coupon_statuses,
		   updated_at = excluded.updated_at`,
		st.TicketNumber, string(st.Status), st.PNR, st.PassengerName, st.Origin, st.Destination,
		st.GrossAmount, st.Currency, st.EventCount, string(st.LastEventType),
		st.LastModified.UTC(), string(couponJSON), st.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert state for ticket %s", st.TicketNumber)
}

func (s *SQLiteStore) GetTicketState(ctx context.Context, ticketNumber string) (*model.TicketState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ticket_number, status, pnr, passenger_name, origin, destination, gross_amount, currency,
		        event_count, last_event_type, last_modified, coupon_statuses, updated_at
		 FROM ticket_current_state WHERE ticket_number = ?`,
		ticketNumber,
	)
	st, err := scanTicketState(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "ticket state %s", ticketNumber)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get state for ticket %s", ticketNumber)
	}
	return st, nil
}

func (s *SQLiteStore) ListTicketStates(ctx context.Context, filter StateFilter) ([]model.TicketState, error) {
	query := `SELECT ticket_number, status, pnr, passenger_name, origin, destination, gross_amount, currency,
	                 event_count, last_event_type, last_modified, coupon_statuses, updated_at
	          FROM ticket_current_state WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY ticket_number ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list states")
	}
	defer rows.Close()

	var states []model.TicketState
	for rows.Next() {
		st, err := scanTicketState(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan state")
		}
		states = append(states, *st)
	}
	return states, eris.Wrap(rows.Err(), "sqlite: list states iterate")
}

func (s *SQLiteStore) ListTicketNumbers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ticket_number FROM ticket_current_state ORDER BY ticket_number ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ticket numbers")
	}
	defer rows.Close()

	var tickets []string
	for rows.Next() {
		var tn string
		if err := rows.Scan(&tn); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ticket number")
		}
		tickets = append(tickets, tn)
	}
	return tickets, eris.Wrap(rows.Err(), "sqlite: list ticket numbers iterate")
}

// Coupon matches

func (s *SQLiteStore) UpsertCouponMatches(ctx context.Context, matches []model.CouponMatch) error {
	if len(matches) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert matches")
	}
	defer tx.Rollback()

	for i := range matches {
		m := &matches[i]
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		m.UpdatedAt = time.Now().UTC()

		_, err := tx.ExecContext(ctx,
			`INSERT INTO coupon_matches
			 (id, ticket_number, coupon_number, status, issued_event_id, flown_event_id,
			  issued_at, flown_at, matched_at, amount, currency, days_in_suspense, notes, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (ticket_number, coupon_number) DO UPDATE SET
			   status = excluded.status, issued_event_id = excluded.issued_event_id,
			   flown_event_id = excluded.flown_event_id, issued_at = excluded.issued_at,
			   flown_at = excluded.flown_at, matched_at = excluded.matched_at,
			   amount = excluded.amount, currency = excluded.currency,
			   days_in_suspense = excluded.days_in_suspense, notes = excluded.notes,
			   updated_at = excluded.updated_at`,
			m.ID, m.TicketNumber, m.CouponNumber, string(m.Status), m.IssuedEventID, m.FlownEventID,
			m.IssuedAt, m.FlownAt, m.MatchedAt, m.Amount, m.Currency, m.DaysInSuspense, m.Notes,
			m.CreatedAt, m.UpdatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert match %s/%d", m.TicketNumber, m.CouponNumber)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert matches")
}

func (s *SQLiteStore) GetCouponMatch(ctx context.Context, ticketNumber string, couponNumber int) (*model.CouponMatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ticket_number, coupon_number, status, issued_event_id, flown_event_id,
		        issued_at, flown_at, matched_at, amount, currency, days_in_suspense, notes, created_at, updated_at
		 FROM coupon_matches WHERE ticket_number = ? AND coupon_number = ?`,
		ticketNumber, couponNumber,
	)
	m, err := scanCouponMatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get match %s/%d", ticketNumber, couponNumber)
	}
	return m, nil
}

func (s *SQLiteStore) ListCouponMatches(ctx context.Context, filter MatchFilter) ([]model.CouponMatch, error) {
	query := `SELECT id, ticket_number, coupon_number, status, issued_event_id, flown_event_id,
	                 issued_at, flown_at, matched_at, amount, currency, days_in_suspense, notes, created_at, updated_at
	          FROM coupon_matches WHERE 1=1`
	var args []any

	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.TicketNumber != "" {
		query += ` AND ticket_number = ?`
		args = append(args, filter.TicketNumber)
	}
	query += ` ORDER BY ticket_number ASC, coupon_number ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list matches")
	}
	defer rows.Close()
	return collectCouponMatches(rows)
}

func (s *SQLiteStore) ListSuspense(ctx context.Context, minAgeDays int) ([]model.CouponMatch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ticket_number, coupon_number, status, issued_event_id, flown_event_id,
		        issued_at, flown_at, matched_at, amount, currency, days_in_suspense, notes, created_at, updated_at
		 FROM coupon_matches
		 WHERE status IN (?, ?) AND days_in_suspense >= ?
		 ORDER BY days_in_suspense DESC, ticket_number ASC, coupon_number ASC`,
		string(model.MatchStatusUnmatchedIssued), string(model.MatchStatusSuspense), minAgeDays,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list suspense")
	}
	defer rows.Close()
	return collectCouponMatches(rows)
}

func (s *SQLiteStore) CountCouponMatches(ctx context.Context) (model.MatchSummary, error) {
	var summary model.MatchSummary
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM coupon_matches GROUP BY status`,
	)
	if err != nil {
		return summary, eris.Wrap(err, "sqlite: count matches")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return summary, eris.Wrap(err, "sqlite: scan match count")
		}
		applyMatchCount(&summary, model.MatchStatus(status), count)
	}
	return summary, eris.Wrap(rows.Err(), "sqlite: count matches iterate")
}

// Reconciliation results

func (s *SQLiteStore) InsertReconResults(ctx context.Context, results []model.ReconResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert recon results")
	}
	defer tx.Rollback()

	for i := range results {
		r := &results[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		if r.Resolution == "" {
			r.Resolution = model.ResolutionUnresolved
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO recon_results
			 (id, recon_type, ticket_number, coupon_number, status, break_type, severity,
			  our_amount, their_amount, difference, description, resolution, resolution_notes,
			  resolved_by, resolved_at, run_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, string(r.ReconType), r.TicketNumber, r.CouponNumber, string(r.Status),
			string(r.BreakType), string(r.Severity), r.OurAmount, r.TheirAmount, r.Difference,
			r.Description, string(r.Resolution), r.ResolutionNotes, r.ResolvedBy, r.ResolvedAt,
			r.RunID, r.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert recon result for ticket %s", r.TicketNumber)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit insert recon results")
}

func (s *SQLiteStore) GetReconResult(ctx context.Context, id string) (*model.ReconResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, recon_type, ticket_number, coupon_number, status, break_type, severity,
		        our_amount, their_amount, difference, description, resolution, resolution_notes,
		        resolved_by, resolved_at, run_id, created_at
		 FROM recon_results WHERE id = ?`,
		id,
	)
	r, err := scanReconResult(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "recon result %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get recon result %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) ListReconResults(ctx context.Context, filter ReconFilter) ([]model.ReconResult, error) {
	query := `SELECT id, recon_type, ticket_number, coupon_number, status, break_type, severity,
	                 our_amount, their_amount, difference, description, resolution, resolution_notes,
	                 resolved_by, resolved_at, run_id, created_at
	          FROM recon_results WHERE 1=1`
	var args []any

	if filter.ReconType != "" {
		query += ` AND recon_type = ?`
		args = append(args, string(filter.ReconType))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.BreakType != "" {
		query += ` AND break_type = ?`
		args = append(args, string(filter.BreakType))
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	if filter.Resolution != "" {
		query += ` AND resolution = ?`
		args = append(args, string(filter.Resolution))
	}
	if filter.TicketNumber != "" {
		query += ` AND ticket_number = ?`
		args = append(args, filter.TicketNumber)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	query += ` ORDER BY created_at DESC, ticket_number ASC, coupon_number ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list recon results")
	}
	defer rows.Close()

	var results []model.ReconResult
	for rows.Next() {
		r, err := scanReconResult(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan recon result")
		}
		results = append(results, *r)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: list recon results iterate")
}

func (s *SQLiteStore) ResolveBreak(ctx context.Context, id string, resolution model.Resolution, resolvedBy, notes string) (*model.ReconResult, error) {
	if !model.ValidResolution(resolution) {
		return nil, eris.Errorf("sqlite: invalid resolution %q", resolution)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE recon_results
		 SET resolution = ?, resolved_by = ?, resolved_at = ?, resolution_notes = ?
		 WHERE id = ? AND resolution = ?`,
		string(resolution), resolvedBy, now, notes, id, string(model.ResolutionUnresolved),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: resolve break %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		// Distinguish a missing row from one resolved earlier.
		existing, err := s.GetReconResult(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, eris.Wrapf(ErrAlreadyResolved, "break %s is %s", id, existing.Resolution)
	}
	return s.GetReconResult(ctx, id)
}

// Settlements

func (s *SQLiteStore) CreateSettlement(ctx context.Context, st *model.Settlement) error {
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settlements
		 (id, ticket_number, coupon_number, counterparty, counterparty_type, status,
		  our_amount, their_amount, currency, source_event_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.TicketNumber, st.CouponNumber, st.Counterparty, string(st.CounterpartyType),
		string(st.Status), st.OurAmount, st.TheirAmount, st.Currency, st.SourceEventID,
		st.CreatedAt, st.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert settlement for ticket %s", st.TicketNumber)
}

func (s *SQLiteStore) GetSettlement(ctx context.Context, id string) (*model.Settlement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ticket_number, coupon_number, counterparty, counterparty_type, status,
		        our_amount, their_amount, currency, source_event_id, created_at, updated_at
		 FROM settlements WHERE id = ?`,
		id,
	)
	st, err := scanSettlement(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "settlement %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get settlement %s", id)
	}
	return st, nil
}

func (s *SQLiteStore) GetSettlementBySourceEvent(ctx context.Context, eventID string) (*model.Settlement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ticket_number, coupon_number, counterparty, counterparty_type, status,
		        our_amount, their_amount, currency, source_event_id, created_at, updated_at
		 FROM settlements WHERE source_event_id = ? LIMIT 1`,
		eventID,
	)
	st, err := scanSettlement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get settlement by source event %s", eventID)
	}
	return st, nil
}

func (s *SQLiteStore) UpdateSettlementStatus(ctx context.Context, id string, status model.SettlementStatus, theirAmount *float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settlements SET status = ?, their_amount = COALESCE(?, their_amount), updated_at = ? WHERE id = ?`,
		string(status), theirAmount, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update settlement status %s", id)
	}
	return checkRowsAffected(res, "settlement", id)
}

func (s *SQLiteStore) ListSettlements(ctx context.Context, filter SettlementFilter) ([]model.Settlement, error) {
	query := `SELECT id, ticket_number, coupon_number, counterparty, counterparty_type, status,
	                 our_amount, their_amount, currency, source_event_id, created_at, updated_at
	          FROM settlements WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CounterpartyType != "" {
		query += ` AND counterparty_type = ?`
		args = append(args, string(filter.CounterpartyType))
	}
	if filter.TicketNumber != "" {
		query += ` AND ticket_number = ?`
		args = append(args, filter.TicketNumber)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list settlements")
	}
	defer rows.Close()

	var settlements []model.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan settlement")
		}
		settlements = append(settlements, *st)
	}
	return settlements, eris.Wrap(rows.Err(), "sqlite: list settlements iterate")
}

func (s *SQLiteStore) AppendSagaLog(ctx context.Context, entry model.SagaLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal saga detail")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settlement_saga_log (id, settlement_id, from_status, to_status, action, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SettlementID, string(entry.FromStatus), string(entry.ToStatus),
		entry.Action, string(detailJSON), entry.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: append saga log for settlement %s", entry.SettlementID)
}

func (s *SQLiteStore) GetSagaLog(ctx context.Context, settlementID string) ([]model.SagaLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, settlement_id, from_status, to_status, action, detail, created_at
		 FROM settlement_saga_log WHERE settlement_id = ?
		 ORDER BY created_at ASC, id ASC`,
		settlementID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get saga log for settlement %s", settlementID)
	}
	defer rows.Close()

	var entries []model.SagaLogEntry
	for rows.Next() {
		var e model.SagaLogEntry
		var from, to, detailJSON string
		if err := rows.Scan(&e.ID, &e.SettlementID, &from, &to, &e.Action, &detailJSON, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan saga log entry")
		}
		e.FromStatus = model.SettlementStatus(from)
		e.ToStatus = model.SettlementStatus(to)
		if err := json.Unmarshal([]byte(detailJSON), &e.Detail); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal saga detail")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: get saga log iterate")
}

// DAG runs

func (s *SQLiteStore) CreateDagRun(ctx context.Context, run *model.DagRun, tasks []model.TaskRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = model.RunPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create dag run")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO dag_runs (id, dag_name, status, started_at, completed_at, error) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.DagName, string(run.Status), run.StartedAt, run.CompletedAt, run.Error,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert dag run %s", run.DagName)
	}

	for i := range tasks {
		tr := &tasks[i]
		if tr.ID == "" {
			tr.ID = uuid.New().String()
		}
		tr.RunID = run.ID
		if tr.Status == "" {
			tr.Status = model.TaskPending
		}
		depsJSON, err := json.Marshal(tr.DependsOn)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal depends_on")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO task_runs (id, run_id, task_name, status, depends_on) VALUES (?, ?, ?, ?, ?)`,
			tr.ID, run.ID, tr.TaskName, string(tr.Status), string(depsJSON),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert task run %s", tr.TaskName)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit create dag run")
}

func (s *SQLiteStore) UpdateDagRunStatus(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	var res sql.Result
	var err error
	if status == model.RunSucceeded || status == model.RunFailed {
		res, err = s.db.ExecContext(ctx,
			`UPDATE dag_runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
			string(status), errMsg, time.Now().UTC(), runID,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE dag_runs SET status = ?, error = ? WHERE id = ?`,
			string(status), errMsg, runID,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: update dag run %s", runID)
	}
	return checkRowsAffected(res, "dag run", runID)
}

func (s *SQLiteStore) GetDagRun(ctx context.Context, runID string) (*model.DagRun, []model.TaskRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, dag_name, status, started_at, completed_at, error FROM dag_runs WHERE id = ?`,
		runID,
	)
	run, err := scanDagRun(row)
	if err == sql.ErrNoRows {
		return nil, nil, eris.Wrapf(ErrNotFound, "dag run %s", runID)
	}
	if err != nil {
		return nil, nil, eris.Wrapf(err, "sqlite: get dag run %s", runID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, task_name, status, depends_on, started_at, completed_at, error_message, result
		 FROM task_runs WHERE run_id = ? ORDER BY task_name ASC`,
		runID,
	)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "sqlite: get task runs for %s", runID)
	}
	defer rows.Close()

	var tasks []model.TaskRun
	for rows.Next() {
		tr, err := scanTaskRun(rows)
		if err != nil {
			return nil, nil, eris.Wrap(err, "sqlite: scan task run")
		}
		tasks = append(tasks, *tr)
	}
	return run, tasks, eris.Wrap(rows.Err(), "sqlite: get task runs iterate")
}

func (s *SQLiteStore) ListDagRuns(ctx context.Context, limit int) ([]model.DagRun, error) {
	query := `SELECT id, dag_name, status, started_at, completed_at, error FROM dag_runs ORDER BY started_at DESC, id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dag runs")
	}
	defer rows.Close()

	var runs []model.DagRun
	for rows.Next() {
		run, err := scanDagRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dag run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list dag runs iterate")
}

func (s *SQLiteStore) UpdateTaskRun(ctx context.Context, tr model.TaskRun) error {
	resultJSON, err := json.Marshal(tr.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal task result")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET status = ?, started_at = ?, completed_at = ?, error_message = ?, result = ?
		 WHERE run_id = ? AND task_name = ?`,
		string(tr.Status), tr.StartedAt, tr.CompletedAt, tr.ErrorMessage, string(resultJSON),
		tr.RunID, tr.TaskName,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update task run %s/%s", tr.RunID, tr.TaskName)
	}
	return checkRowsAffected(res, "task run", tr.TaskName)
}

// Audit log

func (s *SQLiteStore) AppendAudit(ctx context.Context, rec model.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	detailJSON, err := json.Marshal(rec.Detail)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal audit detail")
	}
	inputJSON, err := json.Marshal(rec.InputEventIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal audit input event ids")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, action, component, ticket_number, input_event_ids, output_reference, detail, raw_source_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Action, rec.Component, rec.TicketNumber, string(inputJSON),
		rec.OutputReference, string(detailJSON), rec.RawSourceHash, rec.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: append audit %s", rec.Action)
}

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error) {
	query := `SELECT id, action, component, ticket_number, input_event_ids, output_reference, detail, raw_source_hash, created_at
	          FROM audit_log WHERE 1=1`
	var args []any

	if filter.TicketNumber != "" {
		query += ` AND ticket_number = ?`
		args = append(args, filter.TicketNumber)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	if filter.Component != "" {
		query += ` AND component = ?`
		args = append(args, filter.Component)
	}
	if filter.OutputReference != "" {
		query += ` AND output_reference = ?`
		args = append(args, filter.OutputReference)
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close()

	var records []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		var inputJSON, detailJSON string
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.Component, &rec.TicketNumber,
			&inputJSON, &rec.OutputReference, &detailJSON, &rec.RawSourceHash, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit record")
		}
		if err := json.Unmarshal([]byte(inputJSON), &rec.InputEventIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal audit input event ids")
		}
		if err := json.Unmarshal([]byte(detailJSON), &rec.Detail); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal audit detail")
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDeadLetter(ctx context.Context, dl resilience.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters
		 (id, source_system, record, error, error_type, failed_stage, retry_count, max_retries,
		  next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type,
		   failed_stage = excluded.failed_stage, retry_count = excluded.retry_count,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		dl.ID, string(dl.SourceSystem), string(dl.Record), dl.Error, dl.ErrorType, dl.FailedStage,
		dl.RetryCount, dl.MaxRetries, dl.NextRetryAt, dl.CreatedAt, dl.LastFailedAt,
	)
	return eris.Wrap(err, "sqlite: enqueue dead letter")
}

func (s *SQLiteStore) DequeueDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	query := `SELECT id, source_system, record, error, error_type, failed_stage, retry_count, max_retries,
	                 next_retry_at, created_at, last_failed_at
	          FROM dead_letters
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UTC()}

	if filter.SourceSystem != "" {
		query += ` AND source_system = ?`
		args = append(args, string(filter.SourceSystem))
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dead letters")
	}
	defer rows.Close()

	var letters []resilience.DeadLetter
	for rows.Next() {
		var dl resilience.DeadLetter
		var source, record string
		if err := rows.Scan(&dl.ID, &source, &record, &dl.Error, &dl.ErrorType, &dl.FailedStage,
			&dl.RetryCount, &dl.MaxRetries, &dl.NextRetryAt, &dl.CreatedAt, &dl.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		dl.SourceSystem = model.SourceSystem(source)
		dl.Record = []byte(record)
		letters = append(letters, dl)
	}
	return letters, eris.Wrap(rows.Err(), "sqlite: dequeue dead letters iterate")
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	query := `SELECT id, source_system, record, error, error_type, failed_stage, retry_count, max_retries,
	                 next_retry_at, created_at, last_failed_at
	          FROM dead_letters WHERE 1=1`
	var args []any

	if filter.SourceSystem != "" {
		query += ` AND source_system = ?`
		args = append(args, string(filter.SourceSystem))
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var letters []resilience.DeadLetter
	for rows.Next() {
		var dl resilience.DeadLetter
		var source, record string
		if err := rows.Scan(&dl.ID, &source, &record, &dl.Error, &dl.ErrorType, &dl.FailedStage,
			&dl.RetryCount, &dl.MaxRetries, &dl.NextRetryAt, &dl.CreatedAt, &dl.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		dl.SourceSystem = model.SourceSystem(source)
		dl.Record = []byte(record)
		letters = append(letters, dl)
	}
	return letters, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

func (s *SQLiteStore) IncrementDeadLetterRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt, lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dead letter retry %s", id)
	}
	return checkRowsAffected(res, "dead letter", id)
}

func (s *SQLiteStore) RemoveDeadLetter(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dead letter")
}

func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dead letters")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func applyMatchCount(summary *model.MatchSummary, status model.MatchStatus, count int) {
	switch status {
	case model.MatchStatusMatched:
		summary.Matched = count
	case model.MatchStatusUnmatchedIssued:
		summary.UnmatchedIssued = count
	case model.MatchStatusUnmatchedFlown:
		summary.UnmatchedFlown = count
	case model.MatchStatusSuspense:
		summary.Suspense = count
	}
	summary.Total += count
}

type scannable interface {
	Scan(dest ...any) error
}

func collectTicketEvents(rows *sql.Rows) ([]model.TicketEvent, error) {
	var events []model.TicketEvent
	for rows.Next() {
		ev, err := scanTicketEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		events = append(events, *ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: iterate events")
}

func scanTicketEvent(row scannable) (*model.TicketEvent, error) {
	var ev model.TicketEvent
	var eventType, source, payloadJSON string

	err := row.Scan(&ev.TicketNumber, &ev.EventSequence, &ev.ID, &eventType, &source,
		&ev.OccurredAt, &payloadJSON, &ev.IngestedAt)
	if err != nil {
		return nil, err
	}
	ev.EventType = model.EventType(eventType)
	ev.SourceSystem = model.SourceSystem(source)
	if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
		return nil, eris.Wrap(err, "unmarshal event payload")
	}
	return &ev, nil
}

func scanTicketState(row scannable) (*model.TicketState, error) {
	var st model.TicketState
	var status, lastEventType, couponJSON string

	err := row.Scan(&st.TicketNumber, &status, &st.PNR, &st.PassengerName, &st.Origin, &st.Destination,
		&st.GrossAmount, &st.Currency, &st.EventCount, &lastEventType, &st.LastModified,
		&couponJSON, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.Status = model.TicketStatus(status)
	st.LastEventType = model.EventType(lastEventType)
	if err := json.Unmarshal([]byte(couponJSON), &st.CouponStatuses); err != nil {
		return nil, eris.Wrap(err, "unmarshal coupon statuses")
	}
	return &st, nil
}

func collectCouponMatches(rows *sql.Rows) ([]model.CouponMatch, error) {
	var matches []model.CouponMatch
	for rows.Next() {
		m, err := scanCouponMatch(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan match")
		}
		matches = append(matches, *m)
	}
	return matches, eris.Wrap(rows.Err(), "sqlite: iterate matches")
}

func scanCouponMatch(row scannable) (*model.CouponMatch, error) {
	var m model.CouponMatch
	var status string
	var issuedAt, flownAt, matchedAt sql.NullTime

	err := row.Scan(&m.ID, &m.TicketNumber, &m.CouponNumber, &status, &m.IssuedEventID, &m.FlownEventID,
		&issuedAt, &flownAt, &matchedAt, &m.Amount, &m.Currency, &m.DaysInSuspense, &m.Notes,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = model.MatchStatus(status)
	m.IssuedAt = nullableTime(issuedAt)
	m.FlownAt = nullableTime(flownAt)
	m.MatchedAt = nullableTime(matchedAt)
	return &m, nil
}

func scanReconResult(row scannable) (*model.ReconResult, error) {
	var r model.ReconResult
	var reconType, status, breakType, severity, resolution string
	var ours, theirs sql.NullFloat64
	var resolvedAt sql.NullTime

	err := row.Scan(&r.ID, &reconType, &r.TicketNumber, &r.CouponNumber, &status, &breakType, &severity,
		&ours, &theirs, &r.Difference, &r.Description, &resolution, &r.ResolutionNotes,
		&r.ResolvedBy, &resolvedAt, &r.RunID, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.ReconType = model.ReconType(reconType)
	r.Status = model.ReconStatus(status)
	r.BreakType = model.BreakType(breakType)
	r.Severity = model.Severity(severity)
	r.Resolution = model.Resolution(resolution)
	r.OurAmount = nullableFloat(ours)
	r.TheirAmount = nullableFloat(theirs)
	r.ResolvedAt = nullableTime(resolvedAt)
	return &r, nil
}

func scanSettlement(row scannable) (*model.Settlement, error) {
	var st model.Settlement
	var counterpartyType, status string
	var theirs sql.NullFloat64

	err := row.Scan(&st.ID, &st.TicketNumber, &st.CouponNumber, &st.Counterparty, &counterpartyType,
		&status, &st.OurAmount, &theirs, &st.Currency, &st.SourceEventID, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.CounterpartyType = model.CounterpartyType(counterpartyType)
	st.Status = model.SettlementStatus(status)
	st.TheirAmount = nullableFloat(theirs)
	return &st, nil
}

func scanDagRun(row scannable) (*model.DagRun, error) {
	var run model.DagRun
	var status string
	var completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.DagName, &status, &run.StartedAt, &completedAt, &run.Error)
	if err != nil {
		return nil, err
	}
	run.Status = model.RunStatus(status)
	run.CompletedAt = nullableTime(completedAt)
	return &run, nil
}

func scanTaskRun(row scannable) (*model.TaskRun, error) {
	var tr model.TaskRun
	var status, depsJSON, resultJSON string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&tr.ID, &tr.RunID, &tr.TaskName, &status, &depsJSON, &startedAt, &completedAt,
		&tr.ErrorMessage, &resultJSON)
	if err != nil {
		return nil, err
	}
	tr.Status = model.TaskStatus(status)
	tr.StartedAt = nullableTime(startedAt)
	tr.CompletedAt = nullableTime(completedAt)
	if err := json.Unmarshal([]byte(depsJSON), &tr.DependsOn); err != nil {
		return nil, eris.Wrap(err, "unmarshal depends_on")
	}
	if err := json.Unmarshal([]byte(resultJSON), &tr.Result); err != nil {
		return nil, eris.Wrap(err, "unmarshal task result")
	}
	return &tr, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullableFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
