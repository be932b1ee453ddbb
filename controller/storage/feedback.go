package storage

import (
	"context"

	errwrap "github.com/pkg/errors"

	"github.com/workload-advisor/controller/types"
)

// RecordFeedback folds one realized improvement into the running mean of a pattern
func (d *Database) RecordFeedback(ctx context.Context, table, column string, improvementPct float64) error {
	funcName := "Database.RecordFeedback"

	query := `
		INSERT INTO recommendation_feedback (table_name, column_name, samples, mean_improvement_pct, updated_at)
		VALUES ($1, $2, 1, $3, NOW())
		ON CONFLICT (table_name, column_name) DO UPDATE SET
			mean_improvement_pct = (recommendation_feedback.mean_improvement_pct * recommendation_feedback.samples + EXCLUDED.mean_improvement_pct)
				/ (recommendation_feedback.samples + 1),
			samples = recommendation_feedback.samples + 1,
			updated_at = NOW()`

	if _, err := d.db.ExecContext(ctx, query, table, column, improvementPct); err != nil {
		return errwrap.Wrap(err, funcName)
	}
	return nil
}

// ListFeedback returns the realized improvement history of every pattern
func (d *Database) ListFeedback(ctx context.Context) ([]types.PatternFeedback, error) {
	funcName := "Database.ListFeedback"

	rows, err := d.db.QueryContext(ctx, `
		SELECT table_name, column_name, samples, mean_improvement_pct, updated_at
		FROM recommendation_feedback`)
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	defer rows.Close()

	var feedback []types.PatternFeedback
	for rows.Next() {
		var f types.PatternFeedback
		if err := rows.Scan(&f.TableName, &f.ColumnName, &f.Samples, &f.MeanImprovementPct, &f.UpdatedAt); err != nil {
			return nil, errwrap.Wrap(err, funcName)
		}
		feedback = append(feedback, f)
	}

	if err := rows.Err(); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return feedback, nil
}
