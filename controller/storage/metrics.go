package storage

import (
	"context"
	"fmt"

	errwrap "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/types"
)

// InsertMetrics appends resource or performance counters
func (d *Database) InsertMetrics(ctx context.Context, table types.MetricTable, metrics []types.ResourceMetric) error {
	funcName := "Database.InsertMetrics"
	if len(metrics) == 0 {
		return nil
	}

	if table != types.ResourceUsageTable && table != types.PerformanceMetricsTable {
		return fmt.Errorf("%s: unknown metric table %q", funcName, table)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errwrap.Wrap(err, funcName)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (metric_type, metric_name, value, unit, metadata, collected_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, table))
	if err != nil {
		return errwrap.Wrap(err, funcName)
	}
	defer stmt.Close()

	for _, m := range metrics {
		if _, err := stmt.ExecContext(ctx, m.MetricType, m.MetricName, m.Value, m.Unit, jsonText(m.Metadata), m.CollectedAt); err != nil {
			return errwrap.Wrapf(err, "%s: %s/%s", funcName, m.MetricType, m.MetricName)
		}
	}

	if err := tx.Commit(); err != nil {
		return errwrap.Wrap(err, funcName)
	}

	d.log.WithFields(logrus.Fields{
		"table": table,
		"count": len(metrics),
	}).Debug("Inserted metrics")
	return nil
}

// LatestMetrics returns the newest value of every metric name of a type
func (d *Database) LatestMetrics(ctx context.Context, table types.MetricTable, metricType string) ([]types.ResourceMetric, error) {
	funcName := "Database.LatestMetrics"

	if table != types.ResourceUsageTable && table != types.PerformanceMetricsTable {
		return nil, fmt.Errorf("%s: unknown metric table %q", funcName, table)
	}

	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT ON (metric_name) metric_type, metric_name, value, unit, metadata, collected_at
		FROM %s
		WHERE metric_type = $1
		ORDER BY metric_name, collected_at DESC`, table), metricType)
	if err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	defer rows.Close()

	var metrics []types.ResourceMetric
	for rows.Next() {
		var m types.ResourceMetric
		var metadata []byte
		if err := rows.Scan(&m.MetricType, &m.MetricName, &m.Value, &m.Unit, &metadata, &m.CollectedAt); err != nil {
			return nil, errwrap.Wrap(err, funcName)
		}
		if len(metadata) > 0 {
			m.Metadata = metadata
		}
		metrics = append(metrics, m)
	}

	if err := rows.Err(); err != nil {
		return nil, errwrap.Wrap(err, funcName)
	}
	return metrics, nil
}
