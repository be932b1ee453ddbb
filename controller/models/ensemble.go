package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/metrics"
	"github.com/workload-advisor/controller/storage"
	"github.com/workload-advisor/controller/types"
)

// TrainingReport summarizes one training cycle
type TrainingReport struct {
	Samples   int                `json:"samples"`
	Predictor *RegressionMetrics `json:"predictor,omitempty"`
	Clusters  []ClusterProfile   `json:"clusters,omitempty"`
	Skipped   map[string]string  `json:"skipped,omitempty"`
	TrainedAt time.Time          `json:"trained_at"`
}

// Ensemble owns the four models and their artifacts
type Ensemble struct {
	Predictor      *QueryTimePredictor
	Clusterer      *WorkloadClusterer
	Anomaly        *AnomalyDetector
	CachePredictor *CachePredictor

	cfg       config.ModelsConfig
	artifacts *ArtifactStore
	recorder  *metrics.Recorder
	log       logrus.FieldLogger
}

// NewEnsemble creates untrained models backed by an artifact store in cfg.Dir
func NewEnsemble(cfg config.ModelsConfig, recorder *metrics.Recorder, log logrus.FieldLogger) (*Ensemble, error) {
	artifacts, err := NewArtifactStore(cfg.Dir, cfg.Version)
	if err != nil {
		return nil, err
	}
	return &Ensemble{
		Predictor:      NewQueryTimePredictor(cfg, log),
		Clusterer:      NewWorkloadClusterer(cfg, log),
		Anomaly:        NewAnomalyDetector(cfg, log),
		CachePredictor: NewCachePredictor(cfg.CachePredictor.HistoryCap),
		cfg:            cfg,
		artifacts:      artifacts,
		recorder:       recorder,
		log:            log.WithField("component", "model-ensemble"),
	}, nil
}

func (e *Ensemble) persistable() []Persistable {
	return []Persistable{e.Predictor, e.Clusterer, e.Anomaly}
}

// LoadArtifacts restores every model that has an artifact at the configured version
func (e *Ensemble) LoadArtifacts() int {
	loaded := 0
	for _, m := range e.persistable() {
		err := e.artifacts.LoadModel(m)
		switch {
		case err == nil:
			loaded++
		case errors.Is(err, types.ErrNotFound):
			e.log.WithField("model", m.Name()).Debug("No saved artifact")
		default:
			e.log.WithError(err).WithField("model", m.Name()).Warn("Failed to load model artifact")
		}
	}
	return loaded
}

// Train fits every model on the configured training window. A model that cannot be
// trained keeps its previous state; the cycle fails only when the logs cannot be read.
func (e *Ensemble) Train(ctx context.Context, store storage.QueryLogStore) (*TrainingReport, error) {
	records, err := store.ListQueryLogs(ctx, types.QueryLogFilter{Since: time.Now().Add(-e.cfg.TrainingWindow)})
	if err != nil {
		return nil, fmt.Errorf("failed to load training window: %w", err)
	}
	return e.TrainOn(records), nil
}

// TrainOn fits every model on the given records. The cache predictor is not
// touched: it follows committed batches through Observe and Replay.
func (e *Ensemble) TrainOn(records []*types.QueryLogRecord) *TrainingReport {
	report := &TrainingReport{Samples: len(records), Skipped: make(map[string]string), TrainedAt: time.Now()}

	metricsOut, err := e.Predictor.Train(records)
	e.finish(e.Predictor, err, report)
	report.Predictor = metricsOut

	// the clusterer logs its own warning when the window is too small
	if err := e.Clusterer.Fit(records); err != nil || len(records) >= e.cfg.Clusterer.MinSamples {
		e.finish(e.Clusterer, err, report)
	} else {
		report.Skipped[ClustererName] = types.ErrInsufficientTrainingData.Error()
	}
	report.Clusters = e.Clusterer.Profiles()

	e.finish(e.Anomaly, e.Anomaly.Train(records), report)

	return report
}

func (e *Ensemble) finish(m Persistable, err error, report *TrainingReport) {
	e.recorder.IncTraining(m.Name(), err)
	log := e.log.WithField("model", m.Name())

	if err != nil {
		report.Skipped[m.Name()] = err.Error()
		if errors.Is(err, types.ErrInsufficientTrainingData) {
			log.WithError(err).Warn("Skipping training, keeping previous model")
		} else {
			log.WithError(err).Error("Model training failed")
		}
		return
	}

	if err := e.artifacts.SaveModel(m); err != nil {
		log.WithError(err).Error("Failed to save model artifact")
	}
}

// ScanAnomalies scores freshly collected records. It fits the collector observer signature.
func (e *Ensemble) ScanAnomalies(records []*types.QueryLogRecord) {
	for _, r := range records {
		result, err := e.Anomaly.DetectAnomaly(r)
		if err != nil {
			return
		}
		if !result.IsAnomaly {
			continue
		}
		e.recorder.IncAnomaly()
		e.log.WithFields(logrus.Fields{
			"query_hash":   r.QueryHash,
			"mean_exec_ms": r.MeanExecTimeMs,
			"calls":        r.Calls,
			"score":        result.Score,
			"reason":       result.Reason,
		}).Warn("Anomalous query detected")
	}
}

// Close releases the artifact codecs
func (e *Ensemble) Close() {
	e.artifacts.Close()
}
