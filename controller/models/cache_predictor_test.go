package models

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/workload-advisor/controller/storage/storagetest"
	"github.com/workload-advisor/controller/types"
)

func TestCacheProbabilityUnseen(t *testing.T) {
	p := NewCachePredictor(0)
	assert.Equal(t, UnseenCacheProbability, p.PredictCacheProbability("SELECT ?"))
}

func TestCacheProbabilityFormula(t *testing.T) {
	p := NewCachePredictor(DefaultHistoryCap)
	now := time.Now()
	for i := 0; i < 50; i++ {
		p.TrackAccess("q", now, 500)
	}
	// 0.6 * 50/100 + 0.4 * 500/1000
	assert.InDelta(t, 0.5, p.PredictCacheProbability("q"), 1e-12)
}

func TestCacheProbabilityBoundsAndMonotonicity(t *testing.T) {
	now := time.Now()

	for _, execMs := range []float64{0, 10, 400, 1000, 25000} {
		p := NewCachePredictor(DefaultHistoryCap)
		prev := 0.0
		for n := 1; n <= 250; n++ {
			p.TrackAccess("q", now, execMs)
			prob := p.PredictCacheProbability("q")
			assert.GreaterOrEqual(t, prob, 0.0)
			assert.LessOrEqual(t, prob, 1.0)
			assert.GreaterOrEqual(t, prob, prev, "frequency %d at %vms", n, execMs)
			prev = prob
		}
	}

	prev := 0.0
	for _, execMs := range []float64{0, 1, 50, 500, 999, 1000, 5000} {
		p := NewCachePredictor(DefaultHistoryCap)
		for n := 0; n < 30; n++ {
			p.TrackAccess("q", now, execMs)
		}
		prob := p.PredictCacheProbability("q")
		assert.GreaterOrEqual(t, prob, prev, "exec time %v", execMs)
		prev = prob
	}
}

func TestCacheHistoryIsBounded(t *testing.T) {
	p := NewCachePredictor(10)
	now := time.Now()
	for i := 0; i < 10; i++ {
		p.TrackAccess("q", now, 0)
	}
	for i := 0; i < 10; i++ {
		p.TrackAccess("q", now.Add(time.Duration(i)*time.Second), 1000)
	}

	candidates := p.GetCacheCandidates(0)
	require.Len(t, candidates, 1)
	assert.Equal(t, 10, candidates[0].AccessCount)
	assert.Equal(t, 1000.0, candidates[0].AvgExecTimeMs, "oldest accesses are evicted")
	assert.Equal(t, now.Add(9*time.Second), candidates[0].LastAccess)
}

func TestGetCacheCandidatesSorted(t *testing.T) {
	p := NewCachePredictor(DefaultHistoryCap)
	now := time.Now()
	track := func(template string, n int, execMs float64) {
		for i := 0; i < n; i++ {
			p.TrackAccess(template, now, execMs)
		}
	}
	track("hot-slow", 150, 2000) // 1.0
	track("hot-fast", 150, 100)  // 0.64
	track("warm-slow", 60, 1500) // 0.76
	track("cold", 1, 1)

	candidates := p.GetCacheCandidates(0.7)
	require.Len(t, candidates, 2)
	assert.Equal(t, "hot-slow", candidates[0].QueryTemplate)
	assert.Equal(t, "warm-slow", candidates[1].QueryTemplate)
	assert.InDelta(t, 1.0, candidates[0].Probability, 1e-12)

	assert.Len(t, p.GetCacheCandidates(0), 4)
}

func TestCachePredictorConcurrentTracking(t *testing.T) {
	p := NewCachePredictor(DefaultHistoryCap)
	now := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p.TrackAccess(fmt.Sprintf("q%d", i%4), now, 100)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 4, p.Templates())
	for _, c := range p.GetCacheCandidates(0) {
		assert.Equal(t, 200, c.AccessCount)
	}
}

func TestCachePredictorReplay(t *testing.T) {
	store := new(storagetest.MockStore)
	ctx := context.Background()
	store.On("ListQueryLogs", ctx, mock.AnythingOfType("types.QueryLogFilter")).Return([]*types.QueryLogRecord{
		{NormalizedQuery: "SELECT * FROM t WHERE id = ?", MeanExecTimeMs: 300, CollectedAt: time.Now()},
		{NormalizedQuery: "SELECT * FROM t WHERE id = ?", MeanExecTimeMs: 500, CollectedAt: time.Now()},
		{QueryText: "legacy row without template"},
	}, nil).Once()

	p := NewCachePredictor(DefaultHistoryCap)
	n, err := p.Replay(ctx, store, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, p.Templates())
	// 0.6 * 2/100 + 0.4 * 400/1000
	assert.InDelta(t, 0.172, p.PredictCacheProbability("SELECT * FROM t WHERE id = ?"), 1e-12)
	store.AssertExpectations(t)
}
