package recommender

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/models"
	"github.com/workload-advisor/controller/storage/storagetest"
	"github.com/workload-advisor/controller/types"
)

type fakeCandidates struct {
	candidates []models.CacheCandidate
	threshold  float64
}

func (f *fakeCandidates) GetCacheCandidates(threshold float64) []models.CacheCandidate {
	f.threshold = threshold
	return f.candidates
}

func logs(n int, query string, calls int64, execMs float64) []*types.QueryLogRecord {
	out := make([]*types.QueryLogRecord, n)
	for i := range out {
		out[i] = &types.QueryLogRecord{
			QueryHash:      fmt.Sprintf("%s-%d", query, i),
			QueryText:      query,
			Calls:          calls,
			MeanExecTimeMs: execMs,
		}
	}
	return out
}

// EngineTestSuite drives recommendation generation against a mock store
type EngineTestSuite struct {
	suite.Suite
	store  *storagetest.MockStore
	logger *logrus.Logger
	ctx    context.Context
	cfg    config.RecommenderConfig
	now    time.Time
}

func (suite *EngineTestSuite) SetupTest() {
	suite.store = new(storagetest.MockStore)
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.ErrorLevel)
	suite.ctx = context.Background()
	suite.cfg = config.DefaultConfig().Recommender
	suite.now = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
}

func (suite *EngineTestSuite) TearDownTest() {
	suite.store.AssertExpectations(suite.T())
}

func (suite *EngineTestSuite) newEngine(opts Options) *Engine {
	opts.Store = suite.store
	e, err := New(suite.cfg, opts, suite.logger)
	suite.Require().NoError(err)
	e.now = func() time.Time { return suite.now }
	ids := 0
	e.newID = func() string {
		ids++
		return fmt.Sprintf("rec-%d", ids)
	}
	return e
}

func (suite *EngineTestSuite) expectWindow(records []*types.QueryLogRecord, active map[string]bool, feedback []types.PatternFeedback) {
	suite.store.On("ListQueryLogs", suite.ctx, types.QueryLogFilter{
		Since:        suite.now.Add(-suite.cfg.Window),
		MinCalls:     10,
		TextLike:     "%WHERE%",
		OrderByCalls: true,
		Limit:        50,
	}).Return(records, nil).Once()
	suite.store.On("ActiveRecommendationKeys", suite.ctx).Return(active, nil).Once()
	suite.store.On("ListFeedback", suite.ctx).Return(feedback, nil).Once()
}

func (suite *EngineTestSuite) TestOrdersByDateScenario() {
	records := logs(50, "SELECT * FROM silver.orders WHERE order_date >= '?' LIMIT ?", 8500, 150)
	suite.expectWindow(records, map[string]bool{}, nil)

	var stored *types.Recommendation
	suite.store.On("InsertRecommendation", suite.ctx, mock.AnythingOfType("*types.Recommendation")).
		Run(func(args mock.Arguments) { stored = args.Get(1).(*types.Recommendation) }).
		Return(true, nil).Once()

	recs, err := suite.newEngine(Options{}).GenerateIndexRecommendations(suite.ctx, 0)
	suite.Require().NoError(err)
	suite.Require().Len(recs, 1)

	rec := recs[0]
	suite.Same(stored, rec)
	suite.Equal(types.KindIndex, rec.Kind)
	suite.Equal(types.StatusPending, rec.Status)
	suite.Equal(types.PriorityHigh, rec.Priority)
	suite.Equal("silver.orders", rec.TableName)
	suite.Equal("order_date", rec.ColumnName)
	suite.Equal("CREATE INDEX IF NOT EXISTS idx_orders_order_date ON silver.orders(order_date)", rec.SQLStatement)
	suite.Equal(int64(50*8500), rec.QueryCount)
	suite.InDelta(150.0, rec.AvgExecTimeMs, 1e-9)
	suite.InDelta(75.0, rec.EstimatedImprovement, 1e-9)
	suite.Equal(50.0, rec.ImprovementPercent)
	suite.Equal(suite.now, rec.CreatedAt)
}

func (suite *EngineTestSuite) TestGenerationIsIdempotent() {
	records := logs(3, "SELECT * FROM silver.customers WHERE customer_id = ?", 500, 80)
	suite.store.On("InsertRecommendation", suite.ctx, mock.AnythingOfType("*types.Recommendation")).Return(true, nil).Once()

	e := suite.newEngine(Options{})

	suite.expectWindow(records, map[string]bool{}, nil)
	first, err := e.GenerateIndexRecommendations(suite.ctx, 0)
	suite.Require().NoError(err)
	suite.Len(first, 1)

	suite.expectWindow(records, map[string]bool{"silver.customers|customer_id": true}, nil)
	second, err := e.GenerateIndexRecommendations(suite.ctx, 0)
	suite.Require().NoError(err)
	suite.Empty(second)
}

func (suite *EngineTestSuite) TestLostInsertRaceIsNotReported() {
	suite.expectWindow(logs(1, "SELECT * FROM silver.customers WHERE customer_id = ?", 500, 80), map[string]bool{}, nil)
	suite.store.On("InsertRecommendation", suite.ctx, mock.Anything).Return(false, nil).Once()

	recs, err := suite.newEngine(Options{}).GenerateIndexRecommendations(suite.ctx, 0)
	suite.NoError(err)
	suite.Empty(recs)
}

func (suite *EngineTestSuite) TestFiltersAndAggregation() {
	records := []*types.QueryLogRecord{
		{QueryHash: "a", QueryText: "SELECT * FROM silver.customers WHERE customer_id = ?", Calls: 300, MeanExecTimeMs: 60},
		{QueryHash: "a", QueryText: "SELECT * FROM silver.customers WHERE customer_id = ?", Calls: 200, MeanExecTimeMs: 60},
		{QueryHash: "b", QueryText: "select name from SILVER.CUSTOMERS where Customer_ID in (?)", Calls: 100, MeanExecTimeMs: 20},
		{QueryHash: "c", QueryText: "SELECT * FROM silver.customers WHERE customer_id = ?", Calls: 10, MeanExecTimeMs: 9000},
		{QueryHash: "d", QueryText: "SELECT customer_id FROM silver.customers", Calls: 900, MeanExecTimeMs: 9000},
		{QueryHash: "e", QueryText: "SELECT * FROM silver.customers_archive WHERE customer_id_old = ?", Calls: 900, MeanExecTimeMs: 9000},
	}
	suite.expectWindow(records, map[string]bool{}, nil)
	suite.store.On("InsertRecommendation", suite.ctx, mock.Anything).Return(true, nil).Once()

	recs, err := suite.newEngine(Options{}).GenerateIndexRecommendations(suite.ctx, 0)
	suite.Require().NoError(err)
	suite.Require().Len(recs, 1)

	// hash a counted once, b joins case-insensitively, c is below the frequency floor,
	// d has no filter and e only matches on a prefix
	suite.Equal(int64(400), recs[0].QueryCount)
	suite.InDelta((300*60+100*20)/400.0, recs[0].AvgExecTimeMs, 1e-9)
	suite.Equal(types.PriorityMedium, recs[0].Priority)
}

func (suite *EngineTestSuite) TestFeedbackPromotesProvenPatterns() {
	records := logs(1, "SELECT * FROM silver.customers WHERE customer_id = ?", 500, 40)
	suite.expectWindow(records, map[string]bool{}, []types.PatternFeedback{
		{TableName: "silver.customers", ColumnName: "customer_id", Samples: 3, MeanImprovementPct: 50},
	})
	suite.store.On("InsertRecommendation", suite.ctx, mock.Anything).Return(true, nil).Once()

	recs, err := suite.newEngine(Options{}).GenerateIndexRecommendations(suite.ctx, 0)
	suite.Require().NoError(err)
	suite.Require().Len(recs, 1)
	// 40ms is below the 50ms threshold but above 50/1.5
	suite.Equal(types.PriorityHigh, recs[0].Priority)
}

func (suite *EngineTestSuite) TestPinnedPriorityAndMultiplePatterns() {
	records := logs(1, "SELECT p.* FROM silver.products p WHERE p.category = ? AND p.product_id > ?", 500, 4000)
	suite.expectWindow(records, map[string]bool{}, nil)
	suite.store.On("InsertRecommendation", suite.ctx, mock.Anything).Return(true, nil).Twice()

	recs, err := suite.newEngine(Options{}).GenerateIndexRecommendations(suite.ctx, 0)
	suite.Require().NoError(err)
	suite.Require().Len(recs, 2)
	suite.Equal("product_id", recs[0].ColumnName)
	suite.Equal("category", recs[1].ColumnName)
	for _, r := range recs {
		suite.Equal(types.PriorityMedium, r.Priority)
		suite.InDelta(1600.0, r.EstimatedImprovement, 1e-9)
	}
}

func (suite *EngineTestSuite) TestStoreFailureAbortsCycle() {
	suite.store.On("ListQueryLogs", suite.ctx, mock.Anything).Return(nil, fmt.Errorf("connection reset")).Once()

	_, err := suite.newEngine(Options{}).GenerateIndexRecommendations(suite.ctx, time.Hour)
	suite.Error(err)
}

func (suite *EngineTestSuite) TestRunCycleEmitsEveryKind() {
	records := logs(2, "SELECT * FROM silver.orders WHERE order_date > ?", 1000, 400)
	suite.expectWindow(records, map[string]bool{}, nil)
	suite.store.On("LatestMetrics", suite.ctx, types.ResourceUsageTable, "table").Return([]types.ResourceMetric{
		{MetricType: "table", MetricName: "silver.orders", Value: 20 << 30},
		{MetricType: "table", MetricName: "silver.customers", Value: 1 << 20},
	}, nil).Once()
	suite.store.On("InsertRecommendation", suite.ctx, mock.Anything).Return(true, nil).Times(3)

	candidates := &fakeCandidates{candidates: []models.CacheCandidate{
		{QueryTemplate: "SELECT * FROM gold.daily_sales WHERE day = ?", Probability: 0.95, AccessCount: 400, AvgExecTimeMs: 900},
	}}
	e := suite.newEngine(Options{Candidates: candidates, CacheThreshold: 0.8})

	report, err := e.RunCycle(suite.ctx)
	suite.Require().NoError(err)
	suite.Equal(2, report.Scanned)
	suite.Equal(3, report.Inserted())
	suite.Equal(0.8, candidates.threshold)

	suite.Require().Len(report.Partition, 1)
	partition := report.Partition[0]
	suite.Equal(types.KindPartition, partition.Kind)
	suite.Equal("range(order_date)", partition.ColumnName)
	suite.Contains(partition.SQLStatement, "PARTITION BY RANGE (order_date)")
	suite.NotEqual(report.Index[0].Key(), partition.Key())

	suite.Require().Len(report.Cache, 1)
	cached := report.Cache[0]
	suite.Equal(types.KindCache, cached.Kind)
	suite.Equal(CacheTarget, cached.TableName)
	suite.Regexp(`^tmpl_[0-9a-f]{12}$`, cached.ColumnName)
	suite.Equal(types.PriorityHigh, cached.Priority)
	suite.Empty(cached.SQLStatement)
	suite.InDelta(855.0, cached.EstimatedImprovement, 1e-9)
}

func (suite *EngineTestSuite) TestRunCycleSkipsTakenSlots() {
	records := logs(1, "SELECT * FROM silver.orders WHERE order_date > ?", 1000, 400)
	suite.cfg.EnableCacheAdvice = false
	suite.expectWindow(records, map[string]bool{"silver.orders|order_date": true}, nil)
	suite.store.On("LatestMetrics", suite.ctx, types.ResourceUsageTable, "table").Return(nil, fmt.Errorf("no table")).Once()

	report, err := suite.newEngine(Options{}).RunCycle(suite.ctx)
	suite.Require().NoError(err)
	suite.Zero(report.Inserted())
	suite.Equal(1, report.Duplicates)
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func TestCompilePatternsRejectsUnsafeIdentifiers(t *testing.T) {
	_, err := CompilePatterns([]config.PatternConfig{{Table: "silver.orders; DROP TABLE x", Column: "id", ImprovementFactor: 0.5}})
	assert.Error(t, err)

	_, err = CompilePatterns([]config.PatternConfig{{Table: "silver.orders", Column: "a.b", ImprovementFactor: 0.5}})
	assert.Error(t, err)

	_, err = CompilePatterns([]config.PatternConfig{{Table: "orders", Column: "id", ImprovementFactor: 0}})
	assert.Error(t, err)

	patterns, err := CompilePatterns(config.DefaultPatterns())
	require.NoError(t, err)
	assert.Len(t, patterns, 4)
}

func TestFeedbackWeight(t *testing.T) {
	assert.Equal(t, 1.0, FeedbackWeight(0))
	assert.Equal(t, 1.5, FeedbackWeight(50))
	assert.Equal(t, 0.5, FeedbackWeight(-80))
	assert.Equal(t, 2.0, FeedbackWeight(300))
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "idx_orders_order_date", IndexName("silver.orders", "order_date"))
	assert.Equal(t, "idx_events_ts", IndexName("events", "ts"))
}

func TestPatternPriority(t *testing.T) {
	patterns, err := CompilePatterns(config.DefaultPatterns())
	require.NoError(t, err)
	orders := patterns[0]

	assert.Equal(t, types.PriorityHigh, orders.PriorityFor(100.1, 1))
	assert.Equal(t, types.PriorityMedium, orders.PriorityFor(100, 1))
	assert.Equal(t, types.PriorityHigh, orders.PriorityFor(60, 2))
	assert.Equal(t, types.PriorityMedium, orders.PriorityFor(150, 0.5))
}
