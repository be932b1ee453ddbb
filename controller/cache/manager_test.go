package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/metrics"
	"github.com/workload-advisor/controller/models"
)

type fixedPredictor map[string]float64

func (p fixedPredictor) PredictCacheProbability(template string) float64 {
	if v, ok := p[template]; ok {
		return v
	}
	return models.UnseenCacheProbability
}

func newTestManager(t *testing.T, predictor Predictor, recorder *metrics.Recorder) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	m, err := NewManager(context.Background(), config.DefaultConfig().Cache, predictor, recorder, logger)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

const dailySales = "SELECT day, SUM(total) FROM gold.daily_sales WHERE region = 'EU' GROUP BY day"

func TestKeyIsStableAcrossLiteralsAndParamOrder(t *testing.T) {
	a, err := Key("SELECT * FROM orders WHERE id = 1", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := Key("SELECT  *  FROM orders WHERE id = 42", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	c, err := Key("SELECT * FROM orders WHERE id = 1", map[string]any{"a": 2})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, "query:"))
	assert.Len(t, a, len("query:")+64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestShouldCache(t *testing.T) {
	template := "SELECT day, SUM(total) FROM gold.daily_sales WHERE region = '?' GROUP BY day"
	m := newTestManager(t, fixedPredictor{template: 0.9}, nil)

	assert.False(t, m.ShouldCache(dailySales, 99.9), "below the latency floor")
	assert.True(t, m.ShouldCache(dailySales, 100))
	assert.False(t, m.ShouldCache("SELECT * FROM silver.customers WHERE customer_id = 7", 500), "unseen templates score 0.5")

	noPredictor := newTestManager(t, nil, nil)
	assert.True(t, noPredictor.ShouldCache("SELECT 1", 150))
	assert.False(t, noPredictor.ShouldCache("SELECT 1", 10))
}

func TestPinBypassesPredictor(t *testing.T) {
	m := newTestManager(t, fixedPredictor{}, nil)
	query := "SELECT * FROM silver.customers WHERE customer_id = 7"
	require.False(t, m.ShouldCache(query, 500))

	m.Pin("SELECT * FROM silver.customers WHERE customer_id = 12")
	assert.True(t, m.ShouldCache(query, 500))
	assert.False(t, m.ShouldCache(query, 50))
	assert.Equal(t, 1, m.Effectiveness().PinnedCount)
}

func TestCacheRoundTripAndEffectiveness(t *testing.T) {
	recorder := metrics.NewRecorder()
	m := newTestManager(t, nil, recorder)
	params := map[string]any{"region": "EU"}

	_, ok := m.GetCached(dailySales, params)
	assert.False(t, ok)

	rows := []map[string]any{{"day": "2024-03-01", "total": 1250.5}}
	require.NoError(t, m.CacheResult(dailySales, rows, time.Minute, params))

	got, ok := m.GetCached(dailySales, params)
	require.True(t, ok)
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(got, &decoded))
	assert.Equal(t, "2024-03-01", decoded[0]["day"])

	_, ok = m.GetCached(dailySales, map[string]any{"region": "US"})
	assert.False(t, ok)

	eff := m.Effectiveness()
	assert.Equal(t, uint64(1), eff.Hits)
	assert.Equal(t, uint64(2), eff.Misses)
	assert.Equal(t, uint64(1), eff.Sets)
	assert.Equal(t, uint64(3), eff.TotalRequests)
	assert.InDelta(t, 1.0/3.0, eff.HitRate, 1e-9)
	assert.Equal(t, 1, eff.Entries)

	families, err := recorder.Gatherer().Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "workload_advisor_cache_requests_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			counts[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{"hit": 1, "miss": 2, "set": 1}, counts)
}

func TestExpiredEntriesAreMisses(t *testing.T) {
	m := newTestManager(t, nil, nil)
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.NoError(t, m.CacheResult(dailySales, 42, 10*time.Second, nil))
	_, ok := m.GetCached(dailySales, nil)
	require.True(t, ok)

	now = now.Add(10 * time.Second)
	_, ok = m.GetCached(dailySales, nil)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Effectiveness().Entries)
}

func TestInvalidateAndClear(t *testing.T) {
	m := newTestManager(t, nil, nil)

	require.NoError(t, m.CacheResult(dailySales, "a", 0, nil))
	require.NoError(t, m.CacheResult("SELECT COUNT(*) FROM silver.orders", 10, 0, nil))

	require.NoError(t, m.Invalidate(dailySales, nil))
	require.NoError(t, m.Invalidate(dailySales, nil), "invalidating a missing key is not an error")
	_, ok := m.GetCached(dailySales, nil)
	assert.False(t, ok)

	n, err := m.Clear()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	eff := m.Effectiveness()
	assert.Zero(t, eff.Entries)
	assert.Zero(t, eff.TotalRequests)
	assert.Zero(t, eff.HitRate)
}

func TestConcurrentWritersKeepCountersConsistent(t *testing.T) {
	m := newTestManager(t, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params := map[string]any{"worker": i % 4}
			for j := 0; j < 25; j++ {
				assert.NoError(t, m.CacheResult(dailySales, j, 0, params))
				m.GetCached(dailySales, params)
			}
		}(i)
	}
	wg.Wait()

	eff := m.Effectiveness()
	assert.Equal(t, uint64(400), eff.Sets)
	assert.Equal(t, uint64(400), eff.Hits+eff.Misses)
	assert.Equal(t, 4, eff.Entries)
}
