package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertSpec names the target of a bulk upsert and the unique constraint
// that decides between inserting a row and updating the one already there.
type UpsertSpec struct {
	Table        string
	Columns      []string
	ConflictKeys []string
	// UpdateCols limits what a conflicting row takes from the new batch.
	// Empty means every column outside the conflict key.
	UpdateCols []string
}

func (s UpsertSpec) validate() error {
	if len(s.Columns) == 0 {
		return eris.New("db: upsert: no columns")
	}
	if len(s.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys")
	}
	return nil
}

// stagingTable derives a session-local table name from the target.
func (s UpsertSpec) stagingTable() string {
	return "_stage_" + strings.ReplaceAll(s.Table, ".", "_")
}

func (s UpsertSpec) updateColumns() []string {
	if len(s.UpdateCols) > 0 {
		return s.UpdateCols
	}
	keys := make(map[string]bool, len(s.ConflictKeys))
	for _, k := range s.ConflictKeys {
		keys[k] = true
	}
	var cols []string
	for _, c := range s.Columns {
		if !keys[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

// mergeSQL renders the INSERT ... ON CONFLICT statement that folds the
// staging table into the target. A spec whose columns are all conflict
// keys has nothing to update and merges with DO NOTHING.
func (s UpsertSpec) mergeSQL() string {
	cols := quoteColumns(s.Columns)
	head := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s)",
		quoteTable(s.Table), cols, cols,
		pgx.Identifier{s.stagingTable()}.Sanitize(),
		quoteColumns(s.ConflictKeys),
	)

	update := s.updateColumns()
	if len(update) == 0 {
		return head + " DO NOTHING"
	}
	assign := make([]string, len(update))
	for i, col := range update {
		q := pgx.Identifier{col}.Sanitize()
		assign[i] = q + " = EXCLUDED." + q
	}
	return head + " DO UPDATE SET " + strings.Join(assign, ", ")
}

// BulkUpsert stages rows over COPY and folds them into the target in one
// transaction. Match batches land here: re-running the matcher against the
// same tickets must update the existing rows, not duplicate them.
func BulkUpsert(ctx context.Context, pool Pool, spec UpsertSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := spec.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	staging := spec.stagingTable()
	create := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{staging}.Sanitize(), quoteTable(spec.Table),
	)
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", spec.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, spec.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: copy batch for %s", spec.Table)
	}

	tag, err := tx.Exec(ctx, spec.mergeSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", spec.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// quoteTable quotes a possibly schema-qualified name.
func quoteTable(table string) string {
	if schema, rest, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, rest}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
