package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/workload-advisor/controller/types"
)

const namespace = "workload_advisor"

// Recorder owns the controller's Prometheus collectors.
// All methods are safe on a nil *Recorder so components can run without metrics.
type Recorder struct {
	registry *prometheus.Registry

	cycles           *prometheus.CounterVec
	cycleDuration    *prometheus.HistogramVec
	collectedRecords *prometheus.CounterVec
	recommendations  *prometheus.CounterVec
	statusGauge      *prometheus.GaugeVec
	applyOutcomes    *prometheus.CounterVec
	approvals        *prometheus.CounterVec
	cacheRequests    *prometheus.CounterVec
	cacheBytes       prometheus.Gauge
	modelTrainings   *prometheus.CounterVec
	anomalies        prometheus.Counter
	benchmarkMean    *prometheus.GaugeVec
}

// NewRecorder registers every collector on a fresh registry
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Controller cycles by name and result",
		}, []string{"cycle", "result"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of controller cycles",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"cycle"}),
		collectedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collected_records_total",
			Help:      "Query log records stored per statistics source",
		}, []string{"source"}),
		recommendations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommendations_generated_total",
			Help:      "Recommendations inserted by kind",
		}, []string{"kind"}),
		statusGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recommendations",
			Help:      "Recommendations currently in each status",
		}, []string{"status"}),
		applyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_outcomes_total",
			Help:      "Apply attempts by resulting status",
		}, []string{"status"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval entries handled by source and result",
		}, []string{"source", "result"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Result cache operations",
		}, []string{"op"}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Bytes held by the result cache",
		}),
		modelTrainings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_trainings_total",
			Help:      "Model training attempts by model and result",
		}, []string{"model", "result"}),
		anomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Query log records flagged as anomalous",
		}),
		benchmarkMean: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "benchmark_mean_ms",
			Help:      "Mean execution time of the latest benchmark run per test",
		}, []string{"test"}),
	}

	reg.MustRegister(
		r.cycles, r.cycleDuration, r.collectedRecords, r.recommendations, r.statusGauge,
		r.applyOutcomes, r.approvals, r.cacheRequests, r.cacheBytes, r.modelTrainings,
		r.anomalies, r.benchmarkMean,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

// ObserveCycle records the outcome and duration of one cycle started at start
func (r *Recorder) ObserveCycle(cycle string, start time.Time, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.cycles.WithLabelValues(cycle, result).Inc()
	r.cycleDuration.WithLabelValues(cycle).Observe(time.Since(start).Seconds())
}

func (r *Recorder) AddCollected(source string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.collectedRecords.WithLabelValues(source).Add(float64(n))
}

func (r *Recorder) AddRecommendations(kind types.RecommendationKind, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.recommendations.WithLabelValues(string(kind)).Add(float64(n))
}

// SetStatusCounts replaces the per-status gauge values
func (r *Recorder) SetStatusCounts(counts map[types.RecommendationStatus]int) {
	if r == nil {
		return
	}
	for _, s := range []types.RecommendationStatus{
		types.StatusPending, types.StatusApproved, types.StatusApplied, types.StatusFailed, types.StatusRejected,
	} {
		r.statusGauge.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (r *Recorder) IncApplyOutcome(status types.RecommendationStatus) {
	if r == nil {
		return
	}
	r.applyOutcomes.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) IncApproval(source string, err error) {
	if r == nil {
		return
	}
	result := "accepted"
	if err != nil {
		result = "rejected"
	}
	r.approvals.WithLabelValues(source, result).Inc()
}

// Cache operation labels
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
	CacheSet  = "set"
)

func (r *Recorder) IncCache(op string) {
	if r == nil {
		return
	}
	r.cacheRequests.WithLabelValues(op).Inc()
}

func (r *Recorder) SetCacheBytes(n int) {
	if r == nil {
		return
	}
	r.cacheBytes.Set(float64(n))
}

func (r *Recorder) IncTraining(model string, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.modelTrainings.WithLabelValues(model, result).Inc()
}

func (r *Recorder) IncAnomaly() {
	if r == nil {
		return
	}
	r.anomalies.Inc()
}

func (r *Recorder) SetBenchmarkMean(test string, ms float64) {
	if r == nil {
		return
	}
	r.benchmarkMean.WithLabelValues(test).Set(ms)
}
