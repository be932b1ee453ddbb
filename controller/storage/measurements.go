package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	errwrap "github.com/pkg/errors"

	"github.com/workload-advisor/controller/types"
)

// InsertMeasurement stores one aggregated benchmark measurement
func (d *Database) InsertMeasurement(ctx context.Context, m *types.PerformanceMeasurement) error {
	funcName := "Database.InsertMeasurement"

	notes, err := json.Marshal(m.Notes)
	if err != nil {
		return errwrap.Wrap(err, funcName)
	}

	query := `
		INSERT INTO performance_test_results (id, test_name, query_text, execution_time_ms, run_id, timestamp, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = d.db.ExecContext(ctx, query,
		m.ID, m.TestName, m.QueryText, m.ExecutionTimeMs, m.RunID, m.Timestamp, string(notes),
	)
	if err != nil {
		return errwrap.Wrap(err, funcName)
	}
	return nil
}

// ListMeasurementsByRun returns all measurements of one run
func (d *Database) ListMeasurementsByRun(ctx context.Context, runID string) ([]*types.PerformanceMeasurement, error) {
	funcName := "Database.ListMeasurementsByRun"

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, test_name, query_text, execution_time_ms, run_id, timestamp, notes
		FROM performance_test_results
		WHERE run_id = $1
		ORDER BY test_name`, runID)
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	defer rows.Close()

	var measurements []*types.PerformanceMeasurement
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, errwrap.Wrap(err, funcName)
		}
		measurements = append(measurements, m)
	}

	if err := rows.Err(); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return measurements, nil
}

// PreviousMeasurement returns the most recent measurement of testName taken before
// the given time by a different run. It returns nil without error when none exists.
func (d *Database) PreviousMeasurement(ctx context.Context, testName, excludeRunID string, before time.Time) (*types.PerformanceMeasurement, error) {
	funcName := "Database.PreviousMeasurement"

	row := d.db.QueryRowContext(ctx, `
		SELECT id, test_name, query_text, execution_time_ms, run_id, timestamp, notes
		FROM performance_test_results
		WHERE test_name = $1 AND run_id <> $2 AND timestamp <= $3
		ORDER BY timestamp DESC
		LIMIT 1`, testName, excludeRunID, before)

	m, err := scanMeasurement(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errwrap.Wrap(err, funcName)
	}
	return m, nil
}

func scanMeasurement(row rowScanner) (*types.PerformanceMeasurement, error) {
	m := &types.PerformanceMeasurement{}
	var notes []byte

	if err := row.Scan(&m.ID, &m.TestName, &m.QueryText, &m.ExecutionTimeMs, &m.RunID, &m.Timestamp, &notes); err != nil {
		return nil, err
	}

	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &m.Notes); err != nil {
			return nil, err
		}
	}
	return m, nil
}
