package collector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/types"
)

// ClickHouseSource aggregates finished queries from system.query_log by normalized shape
type ClickHouseSource struct {
	db            *sql.DB
	lookbackHours int
	limit         int
	log           logrus.FieldLogger
}

// NewClickHouseSource opens a ClickHouse connection pool for the configured cluster
func NewClickHouseSource(cfg config.ClickHouseConfig, log logrus.FieldLogger) *ClickHouseSource {
	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	return NewClickHouseSourceFromDB(db, cfg, log)
}

// NewClickHouseSourceFromDB wraps an already opened pool
func NewClickHouseSourceFromDB(db *sql.DB, cfg config.ClickHouseConfig, log logrus.FieldLogger) *ClickHouseSource {
	return &ClickHouseSource{
		db:            db,
		lookbackHours: cfg.LookbackHours,
		limit:         cfg.Limit,
		log:           log.WithField("component", "clickhouse-source"),
	}
}

func (s *ClickHouseSource) Name() string {
	return SourceClickHouse
}

// Collect reads per-shape aggregates of the lookback window
func (s *ClickHouseSource) Collect(ctx context.Context) ([]*types.QueryLogRecord, error) {
	query := `
		SELECT
			any(query)                                 AS sample_query,
			toInt64(count())                           AS calls,
			toFloat64(sum(query_duration_ms))          AS total_ms,
			toFloat64(avg(query_duration_ms))          AS mean_ms,
			toFloat64(min(query_duration_ms))          AS min_ms,
			toFloat64(max(query_duration_ms))          AS max_ms,
			toFloat64(stddevPop(query_duration_ms))    AS stddev_ms,
			toInt64(sum(result_rows))                  AS rows
		FROM system.query_log
		WHERE
			event_time >= now() - toIntervalHour(?)
			AND type = 'QueryFinish'
			AND is_initial_query = 1
		GROUP BY normalizeQuery(query)
		ORDER BY total_ms DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, s.lookbackHours, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query system.query_log: %w", err)
	}
	defer rows.Close()

	var records []*types.QueryLogRecord
	for rows.Next() {
		r := &types.QueryLogRecord{Source: SourceClickHouse}
		if err := rows.Scan(
			&r.QueryText, &r.Calls, &r.TotalExecTimeMs, &r.MeanExecTimeMs,
			&r.MinExecTimeMs, &r.MaxExecTimeMs, &r.StddevExecTime, &r.RowsAffected,
		); err != nil {
			s.log.WithError(err).Warn("Skipping unreadable query_log row")
			continue
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return records, fmt.Errorf("failed to read system.query_log: %w", err)
	}
	return records, nil
}

// Close releases the pool
func (s *ClickHouseSource) Close() error {
	return s.db.Close()
}
