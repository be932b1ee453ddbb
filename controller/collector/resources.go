package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/storage"
	"github.com/workload-advisor/controller/types"
)

// bloatSampleSize is how many of the largest tables get a pgstattuple scan per cycle
const bloatSampleSize = 10

// ResourceCollector records storage, cache and connection figures of the observed database
type ResourceCollector struct {
	db      *sql.DB
	store   storage.MetricStore
	schemas []string
	host    *HostMetricsCollector
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewResourceCollector creates a resource collector. host may be nil.
func NewResourceCollector(db *sql.DB, store storage.MetricStore, schemas []string, host *HostMetricsCollector, log logrus.FieldLogger) *ResourceCollector {
	return &ResourceCollector{
		db:      db,
		store:   store,
		schemas: schemas,
		host:    host,
		log:     log.WithField("component", "resource-collector"),
		now:     time.Now,
	}
}

type resourceSection struct {
	name    string
	collect func(ctx context.Context, at time.Time) ([]types.ResourceMetric, error)
}

// CollectAndStore gathers every section and persists the result.
// A failing section is logged and skipped.
func (rc *ResourceCollector) CollectAndStore(ctx context.Context) (int, error) {
	at := rc.now()
	sections := []resourceSection{
		{"table_sizes", rc.tableSizes},
		{"index_sizes", rc.indexSizes},
		{"cache_hit_ratios", rc.cacheHitRatios},
		{"bloat", rc.bloat},
		{"activity", rc.activity},
	}

	var resources []types.ResourceMetric
	for _, s := range sections {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		metrics, err := s.collect(ctx, at)
		if err != nil {
			rc.log.WithError(err).WithField("section", s.name).Warn("Resource section failed")
			continue
		}
		resources = append(resources, metrics...)
	}

	if err := rc.store.InsertMetrics(ctx, types.ResourceUsageTable, resources); err != nil {
		return 0, fmt.Errorf("failed to store resource usage: %w", err)
	}
	stored := len(resources)

	if rc.host != nil {
		hostMetrics := rc.host.Collect(ctx)
		if err := rc.store.InsertMetrics(ctx, types.PerformanceMetricsTable, hostMetrics); err != nil {
			rc.log.WithError(err).Warn("Failed to store host metrics")
		} else {
			stored += len(hostMetrics)
		}
	}

	var totalBytes uint64
	for _, m := range resources {
		if m.MetricType == "table" {
			totalBytes += uint64(m.Value)
		}
	}
	rc.log.WithFields(logrus.Fields{
		"metrics":     humanize.Comma(int64(stored)),
		"table_bytes": humanize.Bytes(totalBytes),
	}).Info("Resource usage collected")

	return stored, nil
}

func (rc *ResourceCollector) tableSizes(ctx context.Context, at time.Time) ([]types.ResourceMetric, error) {
	rows, err := rc.db.QueryContext(ctx, `
		SELECT schemaname, tablename,
			pg_total_relation_size(quote_ident(schemaname) || '.' || quote_ident(tablename)) AS total_bytes,
			pg_relation_size(quote_ident(schemaname) || '.' || quote_ident(tablename)) AS table_bytes,
			pg_indexes_size(quote_ident(schemaname) || '.' || quote_ident(tablename)) AS index_bytes
		FROM pg_tables
		WHERE schemaname = ANY($1)
		ORDER BY total_bytes DESC`, pq.Array(rc.schemas))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ResourceMetric
	for rows.Next() {
		var schema, table string
		var total, tableBytes, indexBytes int64
		if err := rows.Scan(&schema, &table, &total, &tableBytes, &indexBytes); err != nil {
			return nil, err
		}
		out = append(out, resource("table", schema+"."+table, float64(total), "bytes", at, map[string]interface{}{
			"table_size_bytes":   tableBytes,
			"indexes_size_bytes": indexBytes,
		}))
	}
	return out, rows.Err()
}

func (rc *ResourceCollector) indexSizes(ctx context.Context, at time.Time) ([]types.ResourceMetric, error) {
	rows, err := rc.db.QueryContext(ctx, `
		SELECT schemaname, relname, indexrelname, pg_relation_size(indexrelid) AS index_bytes
		FROM pg_stat_user_indexes
		WHERE schemaname = ANY($1)
		ORDER BY index_bytes DESC`, pq.Array(rc.schemas))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ResourceMetric
	for rows.Next() {
		var schema, table, index string
		var size int64
		if err := rows.Scan(&schema, &table, &index, &size); err != nil {
			return nil, err
		}
		out = append(out, resource("index", schema+"."+index, float64(size), "bytes", at, map[string]interface{}{
			"table_name": table,
		}))
	}
	return out, rows.Err()
}

func (rc *ResourceCollector) cacheHitRatios(ctx context.Context, at time.Time) ([]types.ResourceMetric, error) {
	queries := []struct {
		metricType string
		query      string
	}{
		{"table_cache", `
			SELECT schemaname, relname, heap_blks_read + heap_blks_hit, heap_blks_hit
			FROM pg_statio_user_tables
			WHERE schemaname = ANY($1) AND heap_blks_read + heap_blks_hit > 0`},
		{"index_cache", `
			SELECT schemaname, indexrelname, idx_blks_read + idx_blks_hit, idx_blks_hit
			FROM pg_statio_user_indexes
			WHERE schemaname = ANY($1) AND idx_blks_read + idx_blks_hit > 0`},
	}

	var out []types.ResourceMetric
	for _, q := range queries {
		rows, err := rc.db.QueryContext(ctx, q.query, pq.Array(rc.schemas))
		if err != nil {
			return out, err
		}
		for rows.Next() {
			var schema, name string
			var total, hits int64
			if err := rows.Scan(&schema, &name, &total, &hits); err != nil {
				rows.Close()
				return out, err
			}
			out = append(out, resource(q.metricType, schema+"."+name, float64(hits)/float64(total), "ratio", at, map[string]interface{}{
				"total_reads": total,
				"cache_hits":  hits,
			}))
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// bloat reports dead tuple plus free space percent for the largest tables when pgstattuple is installed
func (rc *ResourceCollector) bloat(ctx context.Context, at time.Time) ([]types.ResourceMetric, error) {
	var installed int
	if err := rc.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pg_extension WHERE extname = 'pgstattuple'`).Scan(&installed); err != nil {
		return nil, err
	}
	if installed == 0 {
		rc.log.Debug("pgstattuple not installed, skipping bloat analysis")
		return nil, nil
	}

	rows, err := rc.db.QueryContext(ctx, `
		SELECT quote_ident(schemaname) || '.' || quote_ident(tablename)
		FROM pg_tables
		WHERE schemaname = ANY($1)
		ORDER BY pg_total_relation_size(quote_ident(schemaname) || '.' || quote_ident(tablename)) DESC
		LIMIT $2`, pq.Array(rc.schemas), bloatSampleSize)
	if err != nil {
		return nil, err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		tables = append(tables, name)
	}
	rows.Close()

	var out []types.ResourceMetric
	for _, table := range tables {
		var bloatPct float64
		err := rc.db.QueryRowContext(ctx,
			`SELECT dead_tuple_percent + free_percent FROM pgstattuple($1::regclass)`, table).Scan(&bloatPct)
		if err != nil {
			rc.log.WithError(err).WithField("table", table).Warn("Bloat analysis failed")
			continue
		}
		out = append(out, resource("bloat", table, bloatPct, "percent", at, nil))
	}
	return out, nil
}

func (rc *ResourceCollector) activity(ctx context.Context, at time.Time) ([]types.ResourceMetric, error) {
	var out []types.ResourceMetric

	collect := func(metricType, query string) error {
		rows, err := rc.db.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			var count int64
			if err := rows.Scan(&name, &count); err != nil {
				return err
			}
			out = append(out, resource(metricType, name, float64(count), "count", at, nil))
		}
		return rows.Err()
	}

	if err := collect("connections", `
		SELECT COALESCE(state, 'unknown'), COUNT(*) FROM pg_stat_activity
		WHERE datname = current_database() GROUP BY 1`); err != nil {
		return out, err
	}
	if err := collect("locks", `SELECT mode, COUNT(*) FROM pg_locks GROUP BY mode`); err != nil {
		return out, err
	}
	return out, nil
}

func resource(metricType, name string, value float64, unit string, at time.Time, metadata map[string]interface{}) types.ResourceMetric {
	m := types.ResourceMetric{
		MetricType:  metricType,
		MetricName:  name,
		Value:       value,
		Unit:        unit,
		CollectedAt: at,
	}
	if metadata != nil {
		if raw, err := json.Marshal(metadata); err == nil {
			m.Metadata = raw
		}
	}
	return m
}
