package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	errwrap "github.com/pkg/errors"

	"github.com/workload-advisor/controller/types"
)

const selectRecommendationColumns = `SELECT id, table_name, column_name, columns, kind, priority, status,
		estimated_improvement, improvement_percent, query_count, avg_exec_time_ms,
		sql_statement, rationale, query_template, created_at, applied_at, error_message
	FROM index_recommendations`

// InsertRecommendation stores a new recommendation. It returns false without
// error when an active recommendation already holds the (table, column) slot.
func (d *Database) InsertRecommendation(ctx context.Context, rec *types.Recommendation) (bool, error) {
	funcName := "Database.InsertRecommendation"

	query := `
		INSERT INTO index_recommendations (
			id, table_name, column_name, columns, kind, priority, status,
			estimated_improvement, improvement_percent, query_count, avg_exec_time_ms,
			sql_statement, rationale, query_template, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (table_name, column_name) WHERE status IN ('pending', 'approved', 'applied')
		DO NOTHING`

	result, err := d.db.ExecContext(ctx, query,
		rec.ID, rec.TableName, rec.ColumnName, pq.Array(rec.Columns), rec.Kind, rec.Priority, rec.Status,
		rec.EstimatedImprovement, rec.ImprovementPercent, rec.QueryCount, rec.AvgExecTimeMs,
		rec.SQLStatement, rec.Rationale, rec.QueryTemplate, rec.CreatedAt,
	)
	if err != nil {
		return false, errwrap.Wrap(err, funcName)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, errwrap.Wrap(err, funcName)
	}
	return affected > 0, nil
}

// GetRecommendation retrieves a recommendation by id
func (d *Database) GetRecommendation(ctx context.Context, id string) (*types.Recommendation, error) {
	funcName := "Database.GetRecommendation"

	row := d.db.QueryRowContext(ctx, selectRecommendationColumns+" WHERE id = $1", id)
	rec, err := scanRecommendation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errwrap.Wrapf(types.ErrNotFound, "recommendation %s", id)
		}
		return nil, errwrap.Wrap(err, funcName)
	}
	return rec, nil
}

// ListRecommendations lists recommendations ordered by priority then estimated improvement
func (d *Database) ListRecommendations(ctx context.Context, filter types.RecommendationFilter) ([]*types.Recommendation, error) {
	funcName := "Database.ListRecommendations"

	query := selectRecommendationColumns + " WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argCount)
		args = append(args, pq.Array(statuses))
		argCount++
	}

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argCount)
		args = append(args, filter.Kind)
		argCount++
	}

	if filter.Table != "" {
		query += fmt.Sprintf(" AND table_name = $%d", argCount)
		args = append(args, filter.Table)
		argCount++
	}

	query += ` ORDER BY CASE priority WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END DESC,
		estimated_improvement DESC, created_at DESC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	defer rows.Close()

	var recs []*types.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, errwrap.Wrap(err, funcName)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return recs, nil
}

// ActiveRecommendationKeys returns the (table, column) keys that are already taken
func (d *Database) ActiveRecommendationKeys(ctx context.Context) (map[string]bool, error) {
	funcName := "Database.ActiveRecommendationKeys"

	rows, err := d.db.QueryContext(ctx,
		`SELECT table_name, column_name FROM index_recommendations WHERE status = ANY($1)`,
		pq.Array(types.ActiveStatuses()))
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, errwrap.Wrap(err, funcName)
		}
		keys[types.DedupKey(table, column)] = true
	}

	if err := rows.Err(); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return keys, nil
}

// UpdateRecommendationStatus moves a recommendation from one status to another.
// The update only matches when the stored status still equals from, so
// concurrent transitions cannot both succeed.
func (d *Database) UpdateRecommendationStatus(
	ctx context.Context,
	id string,
	from, to types.RecommendationStatus,
	errMsg string,
	appliedAt *time.Time,
) error {
	funcName := "Database.UpdateRecommendationStatus"

	if !from.CanTransition(to) {
		return &types.TransitionError{RecommendationID: id, From: from, To: to}
	}

	query := `
		UPDATE index_recommendations
		SET status = $1, error_message = $2, applied_at = COALESCE($3, applied_at)
		WHERE id = $4 AND status = $5`

	result, err := d.db.ExecContext(ctx, query, to, types.TruncateError(errMsg), appliedAt, id, from)
	if isUniqueViolation(err) {
		// a failed recommendation left the active set and a newer one took its target
		return &types.TransitionError{RecommendationID: id, From: from, To: to, Reason: "another active recommendation covers the same target"}
	}
	if err != nil {
		return errwrap.Wrap(err, funcName)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errwrap.Wrap(err, funcName)
	}
	if affected == 0 {
		return &types.TransitionError{RecommendationID: id, From: from, To: to}
	}
	return nil
}

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecommendation(row rowScanner) (*types.Recommendation, error) {
	rec := &types.Recommendation{}
	var columns []string
	var appliedAt sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.TableName, &rec.ColumnName, pq.Array(&columns), &rec.Kind, &rec.Priority, &rec.Status,
		&rec.EstimatedImprovement, &rec.ImprovementPercent, &rec.QueryCount, &rec.AvgExecTimeMs,
		&rec.SQLStatement, &rec.Rationale, &rec.QueryTemplate, &rec.CreatedAt, &appliedAt, &rec.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	rec.Columns = columns
	if appliedAt.Valid {
		t := appliedAt.Time
		rec.AppliedAt = &t
	}
	return rec, nil
}
