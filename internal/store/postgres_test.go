package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/revledger/internal/model"
)

func newMockPostgres(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithPool(mock), mock
}

func TestPostgresAppendTicketEvent(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`INSERT INTO ticket_events`).
		WithArgs("125-4401000001", 1, "ev-1", "ticket_issued", "reservation_pss",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ev := testEvent("125-4401000001", 1, model.EventTicketIssued)
	ev.ID = "ev-1"
	err := s.AppendTicketEvent(context.Background(), ev)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendTicketEvent_IdempotentReplay(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`INSERT INTO ticket_events`).
		WithArgs("125-4401000001", 1, "ev-1", "ticket_issued", "reservation_pss",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT 1 FROM ticket_events`).
		WithArgs("ev-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	ev := testEvent("125-4401000001", 1, model.EventTicketIssued)
	ev.ID = "ev-1"
	err := s.AppendTicketEvent(context.Background(), ev)

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendTicketEvent_DuplicateSequence(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`INSERT INTO ticket_events`).
		WithArgs("125-4401000001", 1, "ev-2", "coupon_flown", "reservation_pss",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT 1 FROM ticket_events`).
		WithArgs("ev-2").
		WillReturnError(pgx.ErrNoRows)

	ev := testEvent("125-4401000001", 1, model.EventCouponFlown)
	ev.ID = "ev-2"
	err := s.AppendTicketEvent(context.Background(), ev)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateSequence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetTicketState_NotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT (.+) FROM ticket_current_state`).
		WithArgs("125-0000000000").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetTicketState(context.Background(), "125-0000000000")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetCouponMatch_Miss(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT (.+) FROM coupon_matches`).
		WithArgs("125-4401000001", 2).
		WillReturnError(pgx.ErrNoRows)

	m, err := s.GetCouponMatch(context.Background(), "125-4401000001", 2)

	require.NoError(t, err)
	assert.Nil(t, m)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateSettlementStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`UPDATE settlements`).
		WithArgs("validated", pgxmock.AnyArg(), pgxmock.AnyArg(), "nonexistent").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateSettlementStatus(context.Background(), "nonexistent", model.SettlementValidated, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResolveBreak_AlreadyResolved(t *testing.T) {
	s, mock := newMockPostgres(t)

	resolvedAt := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE recon_results`).
		WithArgs("manually_resolved", "ops.analyst", pgxmock.AnyArg(), "note", "break-1", "unresolved").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT (.+) FROM recon_results`).
		WithArgs("break-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "recon_type", "ticket_number", "coupon_number", "status", "break_type", "severity",
			"our_amount", "their_amount", "difference", "description", "resolution",
			"resolution_notes", "resolved_by", "resolved_at", "run_id", "created_at",
		}).AddRow(
			"break-1", "coupon_settlement", "125-4401000001", 1, "break", "fare_mismatch", "medium",
			model.Float(500), model.Float(450), 50.0, "declared off by 50", "escalated",
			"first resolution", "first.analyst", &resolvedAt, "run-1", time.Now().UTC(),
		))

	_, err := s.ResolveBreak(context.Background(), "break-1", model.ResolutionManuallyResolved, "ops.analyst", "note")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Contains(t, err.Error(), "escalated")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateDagRun(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO dag_runs`).
		WithArgs(pgxmock.AnyArg(), "month_end_close", "pending", pgxmock.AnyArg(), pgxmock.AnyArg(), "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO task_runs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "ingest", "pending", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO task_runs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "project", "pending", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	run := &model.DagRun{DagName: "month_end_close"}
	err := s.CreateDagRun(context.Background(), run, []model.TaskRun{
		{TaskName: "ingest"},
		{TaskName: "project", DependsOn: []string{"ingest"}},
	})

	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPing(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
