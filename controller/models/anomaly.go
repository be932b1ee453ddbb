package models

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/types"
)

// AnomalyDetectorName names the anomaly detector artifact
const AnomalyDetectorName = "anomaly_detector"

// Anomaly scorer algorithms
const (
	AlgorithmIsolationForest = "isolation_forest"
	AlgorithmZScore          = "zscore"
)

// Anomaly reasons
const (
	ReasonExecutionSpike = "execution time spike"
	ReasonUnusualPattern = "unusual query pattern"
	ReasonPerformance    = "performance anomaly"
)

// AnomalyResult is the verdict for one record. Lower scores are more anomalous.
type AnomalyResult struct {
	IsAnomaly bool    `json:"is_anomaly"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
}

// FeatureBaseline is the mean and standard deviation of a feature over normal samples
type FeatureBaseline struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// AnomalyDetector scores records against the learned normal distribution
type AnomalyDetector struct {
	cfg  config.AnomalyConfig
	seed int64
	log  logrus.FieldLogger

	mu        sync.RWMutex
	scaler    *Scaler
	forest    *IsolationForest
	threshold float64
	baseline  map[string]FeatureBaseline
	trainedAt time.Time
}

// NewAnomalyDetector creates an untrained detector
func NewAnomalyDetector(cfg config.ModelsConfig, log logrus.FieldLogger) *AnomalyDetector {
	return &AnomalyDetector{
		cfg:  cfg.Anomaly,
		seed: cfg.Seed,
		log:  log.WithField("component", "anomaly-detector"),
	}
}

func (d *AnomalyDetector) Name() string { return AnomalyDetectorName }

// Train fits the scorer on historical records. The previous model survives a failure.
func (d *AnomalyDetector) Train(records []*types.QueryLogRecord) error {
	if len(records) < d.cfg.MinSamples {
		return fmt.Errorf("%w: %d samples, need %d", types.ErrInsufficientTrainingData, len(records), d.cfg.MinSamples)
	}

	raw := make([][]float64, len(records))
	for i, r := range records {
		raw[i] = anomalyRow(r)
	}
	scaler := FitScaler(raw)
	X := scaler.TransformAll(raw)

	var forest *IsolationForest
	var threshold float64
	scores := make([]float64, len(X))

	switch d.cfg.Algorithm {
	case AlgorithmZScore:
		threshold = -d.cfg.ZThreshold
		for i, x := range X {
			scores[i] = zScore(x)
		}
	default:
		forest = NewIsolationForest(d.cfg.NEstimators, d.cfg.MaxSamples)
		forest.Fit(X, rand.New(rand.NewSource(d.seed)))
		for i, x := range X {
			scores[i] = forest.Score(x)
		}
		sorted := append([]float64(nil), scores...)
		sort.Float64s(sorted)
		threshold = stat.Quantile(d.cfg.Contamination, stat.LinInterp, sorted, nil)
	}

	var normal [][]float64
	for i, s := range scores {
		if s >= threshold {
			normal = append(normal, raw[i])
		}
	}

	d.mu.Lock()
	d.scaler, d.forest, d.threshold = scaler, forest, threshold
	d.baseline = baselineOf(normal)
	d.trainedAt = time.Now()
	d.mu.Unlock()

	d.log.WithFields(logrus.Fields{
		"algorithm": d.cfg.Algorithm,
		"samples":   len(records),
		"normal":    len(normal),
	}).Info("Anomaly detector trained")
	return nil
}

func baselineOf(rows [][]float64) map[string]FeatureBaseline {
	out := make(map[string]FeatureBaseline, len(AnomalyFeatureNames))
	if len(rows) == 0 {
		return out
	}
	for j, name := range AnomalyFeatureNames {
		m, s := stat.MeanStdDev(column(rows, j), nil)
		if math.IsNaN(s) {
			s = 0
		}
		out[name] = FeatureBaseline{Mean: m, Std: s}
	}
	return out
}

// DetectAnomaly scores one record
func (d *AnomalyDetector) DetectAnomaly(r *types.QueryLogRecord) (AnomalyResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.scaler == nil {
		return AnomalyResult{}, types.ErrModelNotTrained
	}

	x := d.scaler.Transform(anomalyRow(r))
	var s float64
	if d.forest != nil {
		s = d.forest.Score(x)
	} else {
		s = zScore(x)
	}

	return AnomalyResult{
		IsAnomaly: s < d.threshold,
		Score:     s,
		Reason:    ClassifyAnomaly(r),
	}, nil
}

// ClassifyAnomaly names the likely kind of anomaly from raw metrics
func ClassifyAnomaly(r *types.QueryLogRecord) string {
	switch {
	case r.MeanExecTimeMs > 5000:
		return ReasonExecutionSpike
	case r.MeanExecTimeMs < 1 && r.Calls > 1000:
		return ReasonUnusualPattern
	default:
		return ReasonPerformance
	}
}

// Baseline returns the statistics of the samples judged normal at training time
func (d *AnomalyDetector) Baseline() map[string]FeatureBaseline {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]FeatureBaseline, len(d.baseline))
	for k, v := range d.baseline {
		out[k] = v
	}
	return out
}

// zScore is the negated largest absolute standardized deviation
func zScore(x []float64) float64 {
	var worst float64
	for _, v := range x {
		worst = math.Max(worst, math.Abs(v))
	}
	return -worst
}

type anomalyPayload struct {
	Algorithm string                     `json:"algorithm"`
	Scaler    *Scaler                    `json:"scaler"`
	Forest    *IsolationForest           `json:"forest,omitempty"`
	Threshold float64                    `json:"threshold"`
	Baseline  map[string]FeatureBaseline `json:"baseline"`
}

func (d *AnomalyDetector) Snapshot() (*Artifact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.scaler == nil {
		return nil, types.ErrModelNotTrained
	}
	raw, err := json.Marshal(anomalyPayload{
		Algorithm: d.cfg.Algorithm,
		Scaler:    d.scaler,
		Forest:    d.forest,
		Threshold: d.threshold,
		Baseline:  d.baseline,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode anomaly detector: %w", err)
	}
	return &Artifact{
		Name:         AnomalyDetectorName,
		Family:       d.cfg.Algorithm,
		FeatureNames: AnomalyFeatureNames,
		Metrics:      map[string]float64{"threshold": d.threshold},
		TrainedAt:    d.trainedAt,
		Payload:      raw,
	}, nil
}

func (d *AnomalyDetector) Restore(a *Artifact) error {
	var payload anomalyPayload
	if err := json.Unmarshal(a.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode anomaly detector: %w", err)
	}
	if payload.Scaler == nil {
		return fmt.Errorf("anomaly artifact has no scaler")
	}

	d.mu.Lock()
	d.cfg.Algorithm = payload.Algorithm
	d.scaler, d.forest, d.threshold = payload.Scaler, payload.Forest, payload.Threshold
	d.baseline, d.trainedAt = payload.Baseline, a.TrainedAt
	d.mu.Unlock()
	return nil
}

// IsolationForest isolates points with random axis-aligned splits.
// Short average paths mean easily isolated, anomalous points.
type IsolationForest struct {
	NTrees     int        `json:"n_trees"`
	MaxSamples int        `json:"max_samples"`
	SampleSize int        `json:"sample_size"`
	Lower      []float64  `json:"lower"`
	Upper      []float64  `json:"upper"`
	Trees      []*isoNode `json:"trees"`
}

type isoNode struct {
	Feature int      `json:"f"`
	Split   float64  `json:"s"`
	Size    int      `json:"n"`
	Left    *isoNode `json:"l,omitempty"`
	Right   *isoNode `json:"r,omitempty"`
}

// NewIsolationForest creates an unfitted forest
func NewIsolationForest(nTrees, maxSamples int) *IsolationForest {
	return &IsolationForest{NTrees: nTrees, MaxSamples: maxSamples}
}

// Fit grows every tree on a random subsample without replacement
func (f *IsolationForest) Fit(X [][]float64, rng *rand.Rand) {
	f.SampleSize = f.MaxSamples
	if f.SampleSize > len(X) || f.SampleSize <= 0 {
		f.SampleSize = len(X)
	}
	limit := int(math.Ceil(math.Log2(math.Max(float64(f.SampleSize), 2))))
	f.envelope(X)

	f.Trees = make([]*isoNode, f.NTrees)
	for t := range f.Trees {
		idx := rng.Perm(len(X))[:f.SampleSize]
		f.Trees[t] = growTree(X, idx, 0, limit, rng)
	}
}

// envelope stores the training range widened by its own width on both sides
func (f *IsolationForest) envelope(X [][]float64) {
	if len(X) == 0 {
		return
	}
	dims := len(X[0])
	f.Lower, f.Upper = make([]float64, dims), make([]float64, dims)
	for j := 0; j < dims; j++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, x := range X {
			lo, hi = math.Min(lo, x[j]), math.Max(hi, x[j])
		}
		width := hi - lo
		f.Lower[j], f.Upper[j] = lo-width, hi+width
	}
}

// outside reports whether x lies beyond the envelope on any varying feature.
// Splits are drawn inside the training range, so such points could never be isolated by them.
func (f *IsolationForest) outside(x []float64) bool {
	for j := range f.Lower {
		if j >= len(x) || f.Upper[j] == f.Lower[j] {
			continue
		}
		if x[j] < f.Lower[j] || x[j] > f.Upper[j] {
			return true
		}
	}
	return false
}

func growTree(X [][]float64, idx []int, depth, limit int, rng *rand.Rand) *isoNode {
	if depth >= limit || len(idx) <= 1 {
		return &isoNode{Feature: -1, Size: len(idx)}
	}

	// only features that still vary can split
	dims := len(X[idx[0]])
	var candidates []int
	lo := make([]float64, dims)
	hi := make([]float64, dims)
	for j := 0; j < dims; j++ {
		lo[j], hi[j] = math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			lo[j] = math.Min(lo[j], X[i][j])
			hi[j] = math.Max(hi[j], X[i][j])
		}
		if hi[j] > lo[j] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return &isoNode{Feature: -1, Size: len(idx)}
	}

	feature := candidates[rng.Intn(len(candidates))]
	split := lo[feature] + rng.Float64()*(hi[feature]-lo[feature])

	var left, right []int
	for _, i := range idx {
		if X[i][feature] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &isoNode{
		Feature: feature,
		Split:   split,
		Size:    len(idx),
		Left:    growTree(X, left, depth+1, limit, rng),
		Right:   growTree(X, right, depth+1, limit, rng),
	}
}

func (n *isoNode) pathLength(x []float64, depth int) float64 {
	if n.Feature < 0 || n.Left == nil || n.Right == nil {
		return float64(depth) + averagePathLength(n.Size)
	}
	if x[n.Feature] < n.Split {
		return n.Left.pathLength(x, depth+1)
	}
	return n.Right.pathLength(x, depth+1)
}

// averagePathLength is the expected path length of an unsuccessful BST search over n points
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+0.5772156649) - 2*(fn-1)/fn
}

// Score returns the negated anomaly score in [-1, 0]
func (f *IsolationForest) Score(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	if f.outside(x) {
		return -1
	}
	var total float64
	for _, t := range f.Trees {
		total += t.pathLength(x, 0)
	}
	avg := total / float64(len(f.Trees))
	norm := averagePathLength(f.SampleSize)
	if norm == 0 {
		norm = 1
	}
	return -math.Pow(2, -avg/norm)
}
