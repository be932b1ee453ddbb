package collector

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/types"
)

// Source names stored on query_logs rows
const (
	SourcePgStatStatements = "pg_stat_statements"
	SourceDirectExecution  = "direct_execution"
	SourceClickHouse       = "clickhouse_query_log"
)

// StatisticsSource yields raw per-query statistics for one collection cycle.
// Returned records carry text and counters; the Collector fills in identity and features.
type StatisticsSource interface {
	Name() string
	Collect(ctx context.Context) ([]*types.QueryLogRecord, error)
}

// PgStatStatementsSource reads the top queries by total execution time from pg_stat_statements
type PgStatStatementsSource struct {
	db   *sql.DB
	topN int
	log  logrus.FieldLogger
}

// NewPgStatStatementsSource creates the primary statistics source
func NewPgStatStatementsSource(db *sql.DB, topN int, log logrus.FieldLogger) *PgStatStatementsSource {
	return &PgStatStatementsSource{
		db:   db,
		topN: topN,
		log:  log.WithField("component", "pg-stat-statements"),
	}
}

func (s *PgStatStatementsSource) Name() string {
	return SourcePgStatStatements
}

// EnsureExtension checks for pg_stat_statements and tries to create it when missing.
// Any failure is reported as ErrCollectionUnavailable.
func (s *PgStatStatementsSource) EnsureExtension(ctx context.Context) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pg_extension WHERE extname = 'pg_stat_statements'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("%w: failed to check extension: %v", types.ErrCollectionUnavailable, err)
	}
	if count > 0 {
		return nil
	}

	s.log.Warn("pg_stat_statements extension not found, attempting to create it")
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS pg_stat_statements`); err != nil {
		return fmt.Errorf("%w: failed to create extension: %v", types.ErrCollectionUnavailable, err)
	}
	s.log.Info("Created pg_stat_statements extension")
	return nil
}

// pg17BlockTimeVersion is the first server_version_num where block I/O timings
// were split into shared_ and local_ columns
const pg17BlockTimeVersion = 170000

// blockTimeColumns picks the block I/O timing columns the server exposes.
// An unreadable version falls back to the pre-17 names; a mismatch then
// surfaces as ErrCollectionUnavailable from the statistics query.
func (s *PgStatStatementsSource) blockTimeColumns(ctx context.Context) string {
	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT current_setting('server_version_num')::int`).Scan(&version); err != nil {
		s.log.WithError(err).Debug("Could not read server version")
		return "blk_read_time, blk_write_time"
	}
	if version >= pg17BlockTimeVersion {
		return "shared_blk_read_time, shared_blk_write_time"
	}
	return "blk_read_time, blk_write_time"
}

// Collect returns up to topN statements with at least one call
func (s *PgStatStatementsSource) Collect(ctx context.Context) ([]*types.QueryLogRecord, error) {
	if err := s.EnsureExtension(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT
			query, calls,
			total_exec_time, mean_exec_time, min_exec_time, max_exec_time, stddev_exec_time,
			rows,
			shared_blks_hit, shared_blks_read, shared_blks_dirtied, shared_blks_written,
			local_blks_hit, local_blks_read, local_blks_dirtied, local_blks_written,
			temp_blks_read, temp_blks_written,
			` + s.blockTimeColumns(ctx) + `
		FROM pg_stat_statements
		WHERE calls > 0
		ORDER BY total_exec_time DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, s.topN)
	if err != nil {
		// The view exists but is unusable, e.g. the library is not preloaded.
		return nil, fmt.Errorf("%w: %v", types.ErrCollectionUnavailable, err)
	}
	defer rows.Close()

	var records []*types.QueryLogRecord
	for rows.Next() {
		r := &types.QueryLogRecord{Source: SourcePgStatStatements}
		var rowCount int64
		b := &r.Buffers
		if err := rows.Scan(
			&r.QueryText, &r.Calls,
			&r.TotalExecTimeMs, &r.MeanExecTimeMs, &r.MinExecTimeMs, &r.MaxExecTimeMs, &r.StddevExecTime,
			&rowCount,
			&b.SharedBlksHit, &b.SharedBlksRead, &b.SharedBlksDirtied, &b.SharedBlksWritten,
			&b.LocalBlksHit, &b.LocalBlksRead, &b.LocalBlksDirtied, &b.LocalBlksWritten,
			&b.TempBlksRead, &b.TempBlksWritten,
			&b.BlkReadTimeMs, &b.BlkWriteTimeMs,
		); err != nil {
			s.log.WithError(err).Warn("Skipping unreadable pg_stat_statements row")
			continue
		}
		r.RowsAffected = rowCount * r.Calls
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return records, fmt.Errorf("failed to read pg_stat_statements: %w", err)
	}
	return records, nil
}
