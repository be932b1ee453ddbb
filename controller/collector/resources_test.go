package collector

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/workload-advisor/controller/storage/storagetest"
	"github.com/workload-advisor/controller/types"
)

func TestResourceCollectorSkipsFailingSections(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store := new(storagetest.MockStore)

	at := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	rc := NewResourceCollector(db, store, []string{"bronze", "silver", "gold"}, nil, logger)
	rc.now = func() time.Time { return at }

	sqlMock.ExpectQuery(regexp.QuoteMeta("pg_total_relation_size")).WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"schemaname", "tablename", "total_bytes", "table_bytes", "index_bytes"}).
			AddRow("silver", "orders", 3000000, 2000000, 1000000))
	sqlMock.ExpectQuery(regexp.QuoteMeta("FROM pg_stat_user_indexes")).WithArgs(sqlmock.AnyArg()).
		WillReturnError(errors.New("permission denied"))
	sqlMock.ExpectQuery(regexp.QuoteMeta("FROM pg_statio_user_tables")).WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"schemaname", "relname", "total", "hits"}).
			AddRow("silver", "orders", 100, 90))
	sqlMock.ExpectQuery(regexp.QuoteMeta("FROM pg_statio_user_indexes")).WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"schemaname", "indexrelname", "total", "hits"}))
	sqlMock.ExpectQuery(regexp.QuoteMeta("FROM pg_extension WHERE extname = 'pgstattuple'")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	sqlMock.ExpectQuery(regexp.QuoteMeta("FROM pg_stat_activity")).
		WillReturnRows(sqlmock.NewRows([]string{"state", "count"}).AddRow("active", 3))
	sqlMock.ExpectQuery(regexp.QuoteMeta("FROM pg_locks")).
		WillReturnRows(sqlmock.NewRows([]string{"mode", "count"}).AddRow("AccessShareLock", 5))

	var stored []types.ResourceMetric
	store.On("InsertMetrics", mock.Anything, types.ResourceUsageTable, mock.Anything).
		Run(func(args mock.Arguments) { stored = args.Get(2).([]types.ResourceMetric) }).
		Return(nil).Once()

	n, err := rc.CollectAndStore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.Len(t, stored, 4)

	assert.Equal(t, "table", stored[0].MetricType)
	assert.Equal(t, "silver.orders", stored[0].MetricName)
	assert.Equal(t, 3000000.0, stored[0].Value)
	assert.JSONEq(t, `{"table_size_bytes": 2000000, "indexes_size_bytes": 1000000}`, string(stored[0].Metadata))

	assert.Equal(t, "table_cache", stored[1].MetricType)
	assert.InDelta(t, 0.9, stored[1].Value, 1e-9)
	assert.Equal(t, "connections", stored[2].MetricType)
	assert.Equal(t, "locks", stored[3].MetricType)
	for _, m := range stored {
		assert.Equal(t, at, m.CollectedAt)
	}

	assert.NoError(t, sqlMock.ExpectationsWereMet())
	store.AssertExpectations(t)
}

func TestResourceCollectorStoreFailure(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	sqlMock.MatchExpectationsInOrder(false)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store := new(storagetest.MockStore)
	rc := NewResourceCollector(db, store, []string{"silver"}, nil, logger)

	for _, pattern := range []string{"pg_total_relation_size", "FROM pg_stat_user_indexes", "FROM pg_statio_user_tables", "FROM pg_extension", "FROM pg_stat_activity"} {
		sqlMock.ExpectQuery(regexp.QuoteMeta(pattern)).WillReturnError(errors.New("connection reset"))
	}
	store.On("InsertMetrics", mock.Anything, types.ResourceUsageTable, mock.Anything).
		Return(errors.New("disk full")).Once()

	_, err = rc.CollectAndStore(context.Background())
	assert.ErrorContains(t, err, "failed to store resource usage")
	store.AssertExpectations(t)
}
