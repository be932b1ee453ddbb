package collector

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/types"
)

// introspectionQuery is one statement of the fallback battery
type introspectionQuery struct {
	name  string
	query string
}

var introspectionBattery = []introspectionQuery{
	{name: "schema_info", query: "SELECT COUNT(*) FROM information_schema.tables"},
	{name: "database_info", query: "SELECT COUNT(*) FROM pg_database"},
	{name: "table_counts", query: "SELECT schemaname, COUNT(*) FROM pg_tables GROUP BY schemaname"},
	{name: "connection_info", query: "SELECT COUNT(*) FROM pg_stat_activity"},
	{name: "db_stats", query: "SELECT datname, numbackends FROM pg_stat_database LIMIT 10"},
}

// DirectExecutionSource times a fixed battery of lightweight catalog queries itself.
// It keeps the pipeline fed when pg_stat_statements is unavailable.
type DirectExecutionSource struct {
	db  *sql.DB
	log logrus.FieldLogger
	now func() time.Time
}

// NewDirectExecutionSource creates the fallback statistics source
func NewDirectExecutionSource(db *sql.DB, log logrus.FieldLogger) *DirectExecutionSource {
	return &DirectExecutionSource{
		db:  db,
		log: log.WithField("component", "direct-execution"),
		now: time.Now,
	}
}

func (s *DirectExecutionSource) Name() string {
	return SourceDirectExecution
}

// Collect runs every battery query once. A failing query is logged and skipped.
func (s *DirectExecutionSource) Collect(ctx context.Context) ([]*types.QueryLogRecord, error) {
	records := make([]*types.QueryLogRecord, 0, len(introspectionBattery))

	for _, q := range introspectionBattery {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		start := s.now()
		rowCount, err := s.run(ctx, q.query)
		elapsed := float64(s.now().Sub(start).Microseconds()) / 1000.0
		if err != nil {
			s.log.WithError(err).WithField("query", q.name).Warn("Introspection query failed")
			continue
		}

		records = append(records, &types.QueryLogRecord{
			QueryText:       q.query,
			Calls:           1,
			TotalExecTimeMs: elapsed,
			MeanExecTimeMs:  elapsed,
			MinExecTimeMs:   elapsed,
			MaxExecTimeMs:   elapsed,
			RowsAffected:    rowCount,
			Source:          SourceDirectExecution,
		})
	}

	s.log.WithField("queries", len(records)).Debug("Collected fallback statistics")
	return records, nil
}

func (s *DirectExecutionSource) run(ctx context.Context, query string) (int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}
