package models

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workload-advisor/controller/types"
)

func metricRecord(execMs float64, calls, hit, read int64) *types.QueryLogRecord {
	return &types.QueryLogRecord{
		MeanExecTimeMs: execMs,
		Calls:          calls,
		RowsAffected:   2 * calls,
		Buffers:        types.BufferUsage{SharedBlksHit: hit, SharedBlksRead: read},
	}
}

// steadyHistory spreads 200 samples evenly around a 100ms mean
func steadyHistory() []*types.QueryLogRecord {
	out := make([]*types.QueryLogRecord, 200)
	for i := range out {
		out[i] = metricRecord(80+float64(i%41), int64(100+i%21), int64(1000+i%50), int64(10+i%5))
	}
	return out
}

func TestAnomalyDetectorBoundary(t *testing.T) {
	for _, algorithm := range []string{AlgorithmIsolationForest, AlgorithmZScore} {
		t.Run(algorithm, func(t *testing.T) {
			cfg := testModelsConfig(t)
			cfg.Anomaly.Algorithm = algorithm
			d := NewAnomalyDetector(cfg, quietLogger())
			require.NoError(t, d.Train(steadyHistory()))

			spike, err := d.DetectAnomaly(metricRecord(50*100, 110, 1025, 12))
			require.NoError(t, err)
			assert.True(t, spike.IsAnomaly, "50x the mean must be anomalous")

			typical, err := d.DetectAnomaly(metricRecord(100, 110, 1025, 12))
			require.NoError(t, err)
			assert.False(t, typical.IsAnomaly, "a typical query must not be anomalous")
			assert.Greater(t, typical.Score, spike.Score)
		})
	}
}

func TestAnomalyDetectorUntrained(t *testing.T) {
	d := NewAnomalyDetector(testModelsConfig(t), quietLogger())

	_, err := d.DetectAnomaly(metricRecord(100, 1, 0, 0))
	assert.ErrorIs(t, err, types.ErrModelNotTrained)

	err = d.Train(steadyHistory()[:20])
	assert.ErrorIs(t, err, types.ErrInsufficientTrainingData)
}

func TestAnomalyDetectorBaseline(t *testing.T) {
	d := NewAnomalyDetector(testModelsConfig(t), quietLogger())
	require.NoError(t, d.Train(steadyHistory()))

	baseline := d.Baseline()
	require.Contains(t, baseline, "mean_exec_time_log")
	assert.InDelta(t, math.Log1p(100), baseline["mean_exec_time_log"].Mean, 0.05)
	assert.InDelta(t, 110, baseline["calls"].Mean, 2)
	assert.Greater(t, baseline["calls"].Std, 0.0)
}

func TestClassifyAnomaly(t *testing.T) {
	assert.Equal(t, ReasonExecutionSpike, ClassifyAnomaly(metricRecord(5000.1, 1, 0, 0)))
	assert.Equal(t, ReasonPerformance, ClassifyAnomaly(metricRecord(5000, 1, 0, 0)))
	assert.Equal(t, ReasonUnusualPattern, ClassifyAnomaly(metricRecord(0.5, 1001, 0, 0)))
	assert.Equal(t, ReasonPerformance, ClassifyAnomaly(metricRecord(0.5, 1000, 0, 0)))
}

func TestAnomalyArtifactRoundTrip(t *testing.T) {
	cfg := testModelsConfig(t)
	store, err := NewArtifactStore(cfg.Dir, cfg.Version)
	require.NoError(t, err)
	defer store.Close()

	trained := NewAnomalyDetector(cfg, quietLogger())
	require.NoError(t, trained.Train(steadyHistory()))
	require.NoError(t, store.SaveModel(trained))

	restored := NewAnomalyDetector(cfg, quietLogger())
	require.NoError(t, store.LoadModel(restored))

	query := metricRecord(95, 105, 1010, 11)
	want, _ := trained.DetectAnomaly(query)
	got, err := restored.DetectAnomaly(query)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 10.24, averagePathLength(256), 0.01)
}
