package storage

// QueryLogsTable stores one row per query per collection cycle
const QueryLogsTable = `
CREATE TABLE IF NOT EXISTS query_logs (
	id BIGSERIAL PRIMARY KEY,
	query_hash VARCHAR(64) NOT NULL,
	query_text TEXT NOT NULL,
	normalized_query TEXT NOT NULL,
	calls BIGINT NOT NULL DEFAULT 0,
	total_exec_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	mean_exec_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	min_exec_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_exec_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	stddev_exec_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	rows_affected BIGINT NOT NULL DEFAULT 0,
	shared_blks_hit BIGINT NOT NULL DEFAULT 0,
	shared_blks_read BIGINT NOT NULL DEFAULT 0,
	shared_blks_dirtied BIGINT NOT NULL DEFAULT 0,
	shared_blks_written BIGINT NOT NULL DEFAULT 0,
	local_blks_hit BIGINT NOT NULL DEFAULT 0,
	local_blks_read BIGINT NOT NULL DEFAULT 0,
	local_blks_dirtied BIGINT NOT NULL DEFAULT 0,
	local_blks_written BIGINT NOT NULL DEFAULT 0,
	temp_blks_read BIGINT NOT NULL DEFAULT 0,
	temp_blks_written BIGINT NOT NULL DEFAULT 0,
	blk_read_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	blk_write_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	query_plan JSONB,
	extracted_features JSONB,
	source VARCHAR(32) NOT NULL DEFAULT 'pg_stat_statements',
	collected_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_query_logs_hash ON query_logs(query_hash);
CREATE INDEX IF NOT EXISTS idx_query_logs_collected_at ON query_logs(collected_at DESC);
`

// RecommendationsTable stores recommendations; the partial unique index keeps
// at most one active recommendation per (table, column)
const RecommendationsTable = `
CREATE TABLE IF NOT EXISTS index_recommendations (
	id VARCHAR(64) PRIMARY KEY,
	table_name VARCHAR(255) NOT NULL,
	column_name VARCHAR(255) NOT NULL,
	columns TEXT[],
	kind VARCHAR(16) NOT NULL DEFAULT 'index',
	priority VARCHAR(16) NOT NULL,
	status VARCHAR(16) NOT NULL DEFAULT 'pending',
	estimated_improvement DOUBLE PRECISION NOT NULL DEFAULT 0,
	improvement_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	query_count BIGINT NOT NULL DEFAULT 0,
	avg_exec_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
	sql_statement TEXT NOT NULL DEFAULT '',
	rationale TEXT NOT NULL DEFAULT '',
	query_template TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	applied_at TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_recommendations_active
	ON index_recommendations(table_name, column_name)
	WHERE status IN ('pending', 'approved', 'applied');
CREATE INDEX IF NOT EXISTS idx_recommendations_status ON index_recommendations(status);
`

// ApprovalsTable stores every approval attempt
const ApprovalsTable = `
CREATE TABLE IF NOT EXISTS recommendation_approvals (
	id VARCHAR(64) PRIMARY KEY,
	recommendation_id VARCHAR(64) NOT NULL REFERENCES index_recommendations(id),
	approved_by VARCHAR(255) NOT NULL,
	approved_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	status VARCHAR(16) NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_approvals_recommendation ON recommendation_approvals(recommendation_id, approved_at DESC);
`

// PerformanceResultsTable stores aggregated benchmark measurements
const PerformanceResultsTable = `
CREATE TABLE IF NOT EXISTS performance_test_results (
	id VARCHAR(64) PRIMARY KEY,
	test_name VARCHAR(255) NOT NULL,
	query_text TEXT NOT NULL,
	execution_time_ms DOUBLE PRECISION NOT NULL,
	run_id VARCHAR(64) NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	notes JSONB
);
CREATE INDEX IF NOT EXISTS idx_perf_results_test ON performance_test_results(test_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_perf_results_run ON performance_test_results(run_id);
`

// MetricTables stores resource and performance counters
const MetricTables = `
CREATE TABLE IF NOT EXISTS resource_usage (
	id BIGSERIAL PRIMARY KEY,
	metric_type VARCHAR(64) NOT NULL,
	metric_name VARCHAR(255) NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	unit VARCHAR(32) NOT NULL DEFAULT '',
	metadata JSONB,
	collected_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_resource_usage_type ON resource_usage(metric_type, metric_name, collected_at DESC);
CREATE TABLE IF NOT EXISTS performance_metrics (
	id BIGSERIAL PRIMARY KEY,
	metric_type VARCHAR(64) NOT NULL,
	metric_name VARCHAR(255) NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	unit VARCHAR(32) NOT NULL DEFAULT '',
	metadata JSONB,
	collected_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_performance_metrics_type ON performance_metrics(metric_type, metric_name, collected_at DESC);
`

// FeedbackTable accumulates realized improvement per pattern
const FeedbackTable = `
CREATE TABLE IF NOT EXISTS recommendation_feedback (
	table_name VARCHAR(255) NOT NULL,
	column_name VARCHAR(255) NOT NULL,
	samples INTEGER NOT NULL DEFAULT 0,
	mean_improvement_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (table_name, column_name)
);
`

// PgStatTupleExtension enables bloat estimation when the contrib module is installed
const PgStatTupleExtension = `CREATE EXTENSION IF NOT EXISTS pgstattuple`
