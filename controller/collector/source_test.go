package collector

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/storage/storagetest"
	"github.com/workload-advisor/controller/types"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

var pgStatColumns = []string{
	"query", "calls", "total_exec_time", "mean_exec_time", "min_exec_time", "max_exec_time", "stddev_exec_time",
	"rows", "shared_blks_hit", "shared_blks_read", "shared_blks_dirtied", "shared_blks_written",
	"local_blks_hit", "local_blks_read", "local_blks_dirtied", "local_blks_written",
	"temp_blks_read", "temp_blks_written", "blk_read_time", "blk_write_time",
}

func expectServerVersion(mock sqlmock.Sqlmock, version int) {
	mock.ExpectQuery(regexp.QuoteMeta("current_setting('server_version_num')")).
		WillReturnRows(sqlmock.NewRows([]string{"current_setting"}).AddRow(version))
}

func TestPgStatStatementsCollect(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM pg_extension").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	expectServerVersion(mock, 150004)
	mock.ExpectQuery(`\sblk_read_time, blk_write_time\s+FROM pg_stat_statements`).
		WithArgs(1000).
		WillReturnRows(sqlmock.NewRows(pgStatColumns).
			AddRow("SELECT * FROM orders WHERE customer_id = $1", 500, 60000.0, 120.0, 5.0, 900.0, 30.0,
				2, 100, 10, 0, 0, 0, 0, 0, 0, 0, 0, 1.5, 0.0))

	src := NewPgStatStatementsSource(db, 1000, quietLogger())
	records, err := src.Collect(context.Background())

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(500), records[0].Calls)
	assert.Equal(t, int64(1000), records[0].RowsAffected)
	assert.Equal(t, int64(100), records[0].Buffers.SharedBlksHit)
	assert.Equal(t, 1.5, records[0].Buffers.BlkReadTimeMs)
	assert.Equal(t, SourcePgStatStatements, records[0].Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStatStatementsCreatesExtension(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM pg_extension").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS pg_stat_statements").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("current_setting").WillReturnError(errors.New("permission denied"))
	mock.ExpectQuery("FROM pg_stat_statements").
		WillReturnRows(sqlmock.NewRows(pgStatColumns))

	src := NewPgStatStatementsSource(db, 1000, quietLogger())
	records, err := src.Collect(context.Background())

	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStatStatementsUsesSharedTimingsOn17(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM pg_extension").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	expectServerVersion(mock, 170002)
	mock.ExpectQuery(regexp.QuoteMeta("shared_blk_read_time, shared_blk_write_time")).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(pgStatColumns).
			AddRow("SELECT 1", 3, 3.0, 1.0, 1.0, 1.0, 0.0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2.5, 0.5))

	src := NewPgStatStatementsSource(db, 10, quietLogger())
	records, err := src.Collect(context.Background())

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2.5, records[0].Buffers.BlkReadTimeMs)
	assert.Equal(t, 0.5, records[0].Buffers.BlkWriteTimeMs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStatStatementsUnavailable(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM pg_extension").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("CREATE EXTENSION").
		WillReturnError(errors.New("permission denied to create extension"))

	src := NewPgStatStatementsSource(db, 1000, quietLogger())
	_, err := src.Collect(context.Background())

	assert.ErrorIs(t, err, types.ErrCollectionUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectExecutionSkipsFailures(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("information_schema.tables").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery("pg_database").WillReturnError(errors.New("canceling statement"))
	mock.ExpectQuery("pg_tables").WillReturnRows(sqlmock.NewRows([]string{"schemaname", "count"}).
		AddRow("public", 3).AddRow("silver", 4))
	mock.ExpectQuery("pg_stat_activity").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("pg_stat_database").WillReturnRows(sqlmock.NewRows([]string{"datname", "numbackends"}).
		AddRow("analytics", 3))

	src := NewDirectExecutionSource(db, quietLogger())
	records, err := src.Collect(context.Background())

	require.NoError(t, err)
	require.Len(t, records, 4)
	for _, r := range records {
		assert.Equal(t, int64(1), r.Calls)
		assert.Equal(t, SourceDirectExecution, r.Source)
		assert.Equal(t, r.MeanExecTimeMs, r.TotalExecTimeMs)
	}
	assert.Equal(t, int64(2), records[1].RowsAffected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClickHouseCollect(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("FROM system.query_log").
		WithArgs(24, 1000).
		WillReturnRows(sqlmock.NewRows([]string{
			"sample_query", "calls", "total_ms", "mean_ms", "min_ms", "max_ms", "stddev_ms", "rows",
		}).AddRow("SELECT count() FROM events WHERE day = '2024-01-01'", 40, 4000.0, 100.0, 20.0, 300.0, 12.0, 40))

	src := NewClickHouseSourceFromDB(db, config.DefaultConfig().ClickHouse, quietLogger())
	records, err := src.Collect(context.Background())

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(40), records[0].Calls)
	assert.Equal(t, 100.0, records[0].MeanExecTimeMs)
	assert.Equal(t, SourceClickHouse, records[0].Source)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResourceCollectorToleratesSectionFailures(t *testing.T) {
	db, sqlMock := newMockDB(t)
	store := new(storagetest.MockStore)

	sqlMock.ExpectQuery("FROM pg_tables").
		WillReturnRows(sqlmock.NewRows([]string{"schemaname", "tablename", "total", "table", "index"}).
			AddRow("silver", "orders", 2048, 1024, 1024))
	sqlMock.ExpectQuery("FROM pg_stat_user_indexes").WillReturnError(errors.New("timeout"))
	sqlMock.ExpectQuery("FROM pg_statio_user_tables").
		WillReturnRows(sqlmock.NewRows([]string{"schemaname", "relname", "total", "hits"}).
			AddRow("silver", "orders", 100, 90))
	sqlMock.ExpectQuery("FROM pg_statio_user_indexes").
		WillReturnRows(sqlmock.NewRows([]string{"schemaname", "indexrelname", "total", "hits"}))
	sqlMock.ExpectQuery("extname = 'pgstattuple'").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	sqlMock.ExpectQuery("FROM pg_stat_activity").
		WillReturnRows(sqlmock.NewRows([]string{"state", "count"}).AddRow("active", 3).AddRow("idle", 5))
	sqlMock.ExpectQuery("FROM pg_locks").
		WillReturnRows(sqlmock.NewRows([]string{"mode", "count"}).AddRow("AccessShareLock", 4))

	var stored []types.ResourceMetric
	store.On("InsertMetrics", mock.Anything, types.ResourceUsageTable, mock.Anything).
		Run(func(args mock.Arguments) { stored = args.Get(2).([]types.ResourceMetric) }).
		Return(nil).Once()

	rc := NewResourceCollector(db, store, []string{"silver"}, nil, quietLogger())
	n, err := rc.CollectAndStore(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.Len(t, stored, 5)
	assert.Equal(t, "table", stored[0].MetricType)
	assert.Equal(t, "silver.orders", stored[0].MetricName)
	assert.Equal(t, "table_cache", stored[1].MetricType)
	assert.InDelta(t, 0.9, stored[1].Value, 1e-9)
	assert.Equal(t, "connections", stored[2].MetricType)
	store.AssertExpectations(t)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}
