package models

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/types"
)

// PredictorName names the query time predictor artifact
const PredictorName = "query_time_predictor"

// RegressionMetrics is the evaluation of one training run
type RegressionMetrics struct {
	Train        RegressionScores `json:"train"`
	Test         RegressionScores `json:"test"`
	CVRMSE       float64          `json:"cv_rmse"`
	CVStd        float64          `json:"cv_std"`
	TrainSamples int              `json:"train_samples"`
	TestSamples  int              `json:"test_samples"`
}

// Flatten returns the metrics as artifact metadata
func (m *RegressionMetrics) Flatten() map[string]float64 {
	if m == nil {
		return nil
	}
	return map[string]float64{
		"train_rmse": m.Train.RMSE,
		"train_mae":  m.Train.MAE,
		"train_r2":   m.Train.R2,
		"test_rmse":  m.Test.RMSE,
		"test_mae":   m.Test.MAE,
		"test_r2":    m.Test.R2,
		"cv_rmse":    m.CVRMSE,
		"cv_std":     m.CVStd,
	}
}

// QueryTimePredictor regresses mean execution time on query structure
type QueryTimePredictor struct {
	cfg       config.PredictorConfig
	minSample int
	testSplit float64
	folds     int
	seed      int64
	log       logrus.FieldLogger

	mu        sync.RWMutex
	model     Regressor
	scaler    *Scaler
	metrics   *RegressionMetrics
	trainedAt time.Time
}

// NewQueryTimePredictor creates an untrained predictor
func NewQueryTimePredictor(cfg config.ModelsConfig, log logrus.FieldLogger) *QueryTimePredictor {
	return &QueryTimePredictor{
		cfg:       cfg.Predictor,
		minSample: cfg.MinSamplesForTraining,
		testSplit: cfg.TestSplit,
		folds:     cfg.CVFolds,
		seed:      cfg.Seed,
		log:       log.WithField("component", "query-time-predictor"),
	}
}

func (p *QueryTimePredictor) Name() string { return PredictorName }

// Train fits a new model. On any error the previous model stays in place.
func (p *QueryTimePredictor) Train(records []*types.QueryLogRecord) (*RegressionMetrics, error) {
	if len(records) < p.minSample {
		return nil, fmt.Errorf("%w: %d samples, need %d", types.ErrInsufficientTrainingData, len(records), p.minSample)
	}

	X := make([][]float64, len(records))
	y := make([]float64, len(records))
	for i, r := range records {
		X[i] = predictorRow(r.Features)
		y[i] = r.MeanExecTimeMs
	}

	rng := rand.New(rand.NewSource(p.seed))
	perm := rng.Perm(len(records))
	nTest := int(math.Ceil(p.testSplit * float64(len(records))))
	if nTest >= len(records) {
		nTest = len(records) - 1
	}
	testIdx, trainIdx := perm[:nTest], perm[nTest:]

	xTrain, yTrain := subset(X, trainIdx), subsetVec(y, trainIdx)
	xTest, yTest := subset(X, testIdx), subsetVec(y, testIdx)

	scaler := FitScaler(xTrain)
	xTrainScaled := scaler.TransformAll(xTrain)
	xTestScaled := scaler.TransformAll(xTest)

	model, err := p.newRegressor()
	if err != nil {
		return nil, err
	}
	if err := model.Fit(xTrainScaled, yTrain); err != nil {
		return nil, fmt.Errorf("failed to fit %s regressor: %w", p.cfg.Family, err)
	}

	metrics := &RegressionMetrics{
		Train:        score(yTrain, predictAll(model, xTrainScaled)),
		Test:         score(yTest, predictAll(model, xTestScaled)),
		TrainSamples: len(trainIdx),
		TestSamples:  len(testIdx),
	}
	metrics.CVRMSE, metrics.CVStd, err = p.crossValidate(xTrainScaled, yTrain)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.model, p.scaler, p.metrics, p.trainedAt = model, scaler, metrics, time.Now()
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"family":    p.cfg.Family,
		"samples":   len(records),
		"test_rmse": fmt.Sprintf("%.2f", metrics.Test.RMSE),
		"cv_rmse":   fmt.Sprintf("%.2f", metrics.CVRMSE),
	}).Info("Query time predictor trained")

	return metrics, nil
}

// crossValidate returns the RMSE over k contiguous folds and its spread
func (p *QueryTimePredictor) crossValidate(X [][]float64, y []float64) (float64, float64, error) {
	k := p.folds
	if k > len(X) {
		k = len(X)
	}
	if k < 2 {
		return 0, 0, nil
	}

	mses := make([]float64, 0, k)
	foldRMSE := make([]float64, 0, k)
	for f := 0; f < k; f++ {
		lo, hi := f*len(X)/k, (f+1)*len(X)/k
		var trainIdx, valIdx []int
		for i := range X {
			if i >= lo && i < hi {
				valIdx = append(valIdx, i)
			} else {
				trainIdx = append(trainIdx, i)
			}
		}

		model, err := p.newRegressor()
		if err != nil {
			return 0, 0, err
		}
		if err := model.Fit(subset(X, trainIdx), subsetVec(y, trainIdx)); err != nil {
			return 0, 0, fmt.Errorf("failed to fit fold %d: %w", f, err)
		}
		s := score(subsetVec(y, valIdx), predictAll(model, subset(X, valIdx)))
		mses = append(mses, s.RMSE*s.RMSE)
		foldRMSE = append(foldRMSE, s.RMSE)
	}

	_, spread := stat.PopMeanStdDev(foldRMSE, nil)
	return math.Sqrt(stat.Mean(mses, nil)), spread, nil
}

func (p *QueryTimePredictor) newRegressor() (Regressor, error) {
	return NewRegressor(p.cfg.Family, p.cfg.NEstimators, p.cfg.LearningRate, p.cfg.Alpha)
}

func predictAll(m Regressor, X [][]float64) []float64 {
	out := make([]float64, len(X))
	for i, x := range X {
		out[i] = m.Predict(x)
	}
	return out
}

// Predict estimates the execution time in milliseconds. Estimates are never negative.
func (p *QueryTimePredictor) Predict(fv *types.ExtractedFeatureVector) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.model == nil {
		return 0, types.ErrModelNotTrained
	}
	return math.Max(p.model.Predict(p.scaler.Transform(predictorRow(fv))), 0), nil
}

// FeatureImportances maps feature names to normalized importance. Nil before training.
func (p *QueryTimePredictor) FeatureImportances() map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.model == nil {
		return nil
	}
	weights := p.model.Importances()
	out := make(map[string]float64, len(weights))
	for i, w := range weights {
		if i < len(PredictorFeatureNames) {
			out[PredictorFeatureNames[i]] = w
		}
	}
	return out
}

// Metrics returns the evaluation of the active model
func (p *QueryTimePredictor) Metrics() *RegressionMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metrics
}

type predictorPayload struct {
	Family  string             `json:"family"`
	Scaler  *Scaler            `json:"scaler"`
	Linear  *LinearModel       `json:"linear,omitempty"`
	Stumps  *StumpEnsemble     `json:"stumps,omitempty"`
	Metrics *RegressionMetrics `json:"metrics"`
}

// Snapshot serializes the active model
func (p *QueryTimePredictor) Snapshot() (*Artifact, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.model == nil {
		return nil, types.ErrModelNotTrained
	}

	payload := predictorPayload{Family: p.cfg.Family, Scaler: p.scaler, Metrics: p.metrics}
	switch m := p.model.(type) {
	case *LinearModel:
		payload.Linear = m
	case *StumpEnsemble:
		payload.Stumps = m
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode predictor: %w", err)
	}

	return &Artifact{
		Name:         PredictorName,
		Family:       p.cfg.Family,
		FeatureNames: PredictorFeatureNames,
		Metrics:      p.metrics.Flatten(),
		TrainedAt:    p.trainedAt,
		Payload:      raw,
	}, nil
}

// Restore loads a model written by Snapshot
func (p *QueryTimePredictor) Restore(a *Artifact) error {
	var payload predictorPayload
	if err := json.Unmarshal(a.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode predictor: %w", err)
	}

	var model Regressor
	switch {
	case payload.Linear != nil:
		model = payload.Linear
	case payload.Stumps != nil:
		model = payload.Stumps
	default:
		return fmt.Errorf("predictor artifact has no model for family %q", payload.Family)
	}
	if payload.Scaler == nil {
		return fmt.Errorf("predictor artifact has no scaler")
	}

	p.mu.Lock()
	p.model, p.scaler, p.metrics, p.trainedAt = model, payload.Scaler, payload.Metrics, a.TrainedAt
	p.cfg.Family = payload.Family
	p.mu.Unlock()
	return nil
}
