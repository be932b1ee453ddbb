package storage

import (
	"context"
	"database/sql"
	"time"

	errwrap "github.com/pkg/errors"

	"github.com/workload-advisor/controller/types"
)

// InsertApproval records one approval attempt
func (d *Database) InsertApproval(ctx context.Context, approval *types.ApprovalRecord) error {
	funcName := "Database.InsertApproval"

	query := `
		INSERT INTO recommendation_approvals (id, recommendation_id, approved_by, approved_at, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := d.db.ExecContext(ctx, query,
		approval.ID, approval.RecommendationID, approval.ApprovedBy,
		approval.ApprovedAt, approval.Status, approval.Notes,
	)
	if err != nil {
		return errwrap.Wrap(err, funcName)
	}
	return nil
}

// MarkApprovalOutcome stamps the latest approval of a recommendation with the apply outcome
func (d *Database) MarkApprovalOutcome(ctx context.Context, recommendationID string, status types.RecommendationStatus, appliedAt *time.Time) error {
	funcName := "Database.MarkApprovalOutcome"

	query := `
		UPDATE recommendation_approvals SET status = $1, applied_at = $2
		WHERE id = (
			SELECT id FROM recommendation_approvals
			WHERE recommendation_id = $3
			ORDER BY approved_at DESC
			LIMIT 1
		)`

	if _, err := d.db.ExecContext(ctx, query, status, appliedAt, recommendationID); err != nil {
		return errwrap.Wrap(err, funcName)
	}
	return nil
}

// ListApprovals returns every approval attempt of a recommendation, newest first
func (d *Database) ListApprovals(ctx context.Context, recommendationID string) ([]*types.ApprovalRecord, error) {
	funcName := "Database.ListApprovals"

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, recommendation_id, approved_by, approved_at, status, notes, applied_at
		FROM recommendation_approvals
		WHERE recommendation_id = $1
		ORDER BY approved_at DESC`, recommendationID)
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	defer rows.Close()

	var approvals []*types.ApprovalRecord
	for rows.Next() {
		a := &types.ApprovalRecord{}
		var appliedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.RecommendationID, &a.ApprovedBy, &a.ApprovedAt, &a.Status, &a.Notes, &appliedAt); err != nil {
			return nil, errwrap.Wrap(err, funcName)
		}
		if appliedAt.Valid {
			t := appliedAt.Time
			a.AppliedAt = &t
		}
		approvals = append(approvals, a)
	}

	if err := rows.Err(); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return approvals, nil
}
