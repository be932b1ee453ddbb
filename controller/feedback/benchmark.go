package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/metrics"
	"github.com/workload-advisor/controller/storage"
	"github.com/workload-advisor/controller/types"
)

const runIDLayout = "20060102_150405"

// Change thresholds in percent, applied to the absolute improvement
const (
	MinorChangePct    = 5.0
	MajorChangePct    = 10.0
	CriticalChangePct = 20.0
)

// Severity labels of a benchmark change
const (
	SeverityLow      = "low"
	SeverityMinor    = "minor"
	SeverityMajor    = "major"
	SeverityCritical = "critical"
)

// BenchmarkStore persists measurements and realized improvements
type BenchmarkStore interface {
	storage.MeasurementStore
	storage.FeedbackStore
}

// BenchmarkRun is the outcome of one pass over the test battery
type BenchmarkRun struct {
	RunID        string                          `json:"run_id"`
	StartedAt    time.Time                       `json:"started_at"`
	Measurements []*types.PerformanceMeasurement `json:"measurements"`
	Failed       map[string]string               `json:"failed,omitempty"`
}

// Benchmarker times a battery of representative queries against the observed database
type Benchmarker struct {
	db       *sql.DB
	store    BenchmarkStore
	cfg      config.FeedbackConfig
	recorder *metrics.Recorder
	log      logrus.FieldLogger
	now      func() time.Time
	clock    func() time.Time

	mu       sync.Mutex
	lastBase string
	seq      int
}

// NewBenchmarker creates a benchmarker. recorder may be nil.
func NewBenchmarker(db *sql.DB, store BenchmarkStore, cfg config.FeedbackConfig, recorder *metrics.Recorder, log logrus.FieldLogger) *Benchmarker {
	if cfg.Runs <= 0 {
		cfg.Runs = 5
	}
	return &Benchmarker{
		db:       db,
		store:    store,
		cfg:      cfg,
		recorder: recorder,
		log:      log.WithField("component", "benchmarker"),
		now:      time.Now,
		clock:    time.Now,
	}
}

// Tests returns the configured battery
func (b *Benchmarker) Tests() []types.BenchmarkTest {
	return b.cfg.Tests
}

// nextRunID formats test_YYYYMMDD_HHMMSS, suffixed when runs start within the same second
func (b *Benchmarker) nextRunID(at time.Time) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	base := "test_" + at.Format(runIDLayout)
	if base != b.lastBase {
		b.lastBase, b.seq = base, 1
		return base
	}
	b.seq++
	return fmt.Sprintf("%s_%d", base, b.seq)
}

// RunBenchmark executes every test runs times (after one optional warm-up) and stores one
// aggregated measurement per test under a shared run id. Failed runs are excluded from
// the aggregate; a test without a single successful run is reported in Failed.
func (b *Benchmarker) RunBenchmark(ctx context.Context, tests []types.BenchmarkTest, runs int) (*BenchmarkRun, error) {
	if len(tests) == 0 {
		tests = b.cfg.Tests
	}
	if runs <= 0 {
		runs = b.cfg.Runs
	}

	started := b.now()
	run := &BenchmarkRun{
		RunID:     b.nextRunID(started),
		StartedAt: started,
		Failed:    make(map[string]string),
	}

	for _, test := range tests {
		if err := ctx.Err(); err != nil {
			return run, err
		}

		m, err := b.measure(ctx, test, runs)
		if err != nil {
			run.Failed[test.Name] = err.Error()
			b.log.WithError(err).WithField("test", test.Name).Warn("Benchmark test produced no valid runs")
			continue
		}
		m.ID = uuid.NewString()
		m.RunID = run.RunID
		m.Timestamp = started

		if err := b.store.InsertMeasurement(ctx, m); err != nil {
			return run, fmt.Errorf("failed to store measurement for %s: %w", test.Name, err)
		}
		b.recorder.SetBenchmarkMean(test.Name, m.ExecutionTimeMs)
		run.Measurements = append(run.Measurements, m)

		b.log.WithFields(logrus.Fields{
			"test":      test.Name,
			"mean_ms":   fmt.Sprintf("%.2f", m.ExecutionTimeMs),
			"median_ms": fmt.Sprintf("%.2f", m.Notes.Median),
			"runs":      m.Notes.Runs,
		}).Debug("Benchmark test finished")
	}

	b.log.WithFields(logrus.Fields{
		"run_id": run.RunID,
		"tests":  len(run.Measurements),
		"failed": len(run.Failed),
	}).Info("Benchmark run finished")
	return run, nil
}

func (b *Benchmarker) measure(ctx context.Context, test types.BenchmarkTest, runs int) (*types.PerformanceMeasurement, error) {
	if b.cfg.WarmUp {
		if _, err := b.timeQuery(ctx, test.Query); err != nil {
			b.log.WithError(err).WithField("test", test.Name).Debug("Warm-up failed")
		}
	}

	samples := make([]float64, 0, runs)
	var lastErr error
	for i := 0; i < runs; i++ {
		ms, err := b.timeQuery(ctx, test.Query)
		if err != nil {
			lastErr = err
			b.log.WithError(err).WithFields(logrus.Fields{"test": test.Name, "run": i + 1}).Warn("Benchmark run failed")
			continue
		}
		samples = append(samples, ms)
	}

	if len(samples) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no runs executed")
		}
		return nil, lastErr
	}

	m := &types.PerformanceMeasurement{
		TestName:        test.Name,
		QueryText:       test.Query,
		ExecutionTimeMs: stat.Mean(samples, nil),
		Notes:           summarizeSamples(samples),
	}
	if lastErr != nil {
		m.Notes.Error = types.TruncateError(lastErr.Error())
	}
	return m, nil
}

func summarizeSamples(samples []float64) types.MeasurementNotes {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}
	return types.MeasurementNotes{
		Min:    floats.Min(sorted),
		Max:    floats.Max(sorted),
		Median: median,
		Runs:   len(sorted),
	}
}

// timeQuery runs the query to completion, draining every row, and returns the elapsed milliseconds
func (b *Benchmarker) timeQuery(ctx context.Context, query string) (float64, error) {
	if b.cfg.StatementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.StatementTimeout)
		defer cancel()
	}

	start := b.clock()
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return float64(b.clock().Sub(start).Microseconds()) / 1000, nil
}

// ImprovementPct is ((previous - current) / previous) * 100; zero when there is no baseline
func ImprovementPct(previous, current float64) float64 {
	if previous <= 0 {
		return 0
	}
	return ((previous - current) / previous) * 100
}

// ChangeSeverity grades the size of a change between two runs, in either direction
func ChangeSeverity(improvementPct float64) string {
	abs := math.Abs(improvementPct)
	switch {
	case abs >= CriticalChangePct:
		return SeverityCritical
	case abs >= MajorChangePct:
		return SeverityMajor
	case abs >= MinorChangePct:
		return SeverityMinor
	}
	return SeverityLow
}

// CompareToPrevious compares every measurement of a run with the most recent earlier
// measurement of the same test from a different run
func (b *Benchmarker) CompareToPrevious(ctx context.Context, runID string) ([]types.BenchmarkComparison, error) {
	current, err := b.store.ListMeasurementsByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if len(current) == 0 {
		return nil, fmt.Errorf("benchmark run %s: %w", runID, types.ErrNotFound)
	}

	comparisons := make([]types.BenchmarkComparison, 0, len(current))
	for _, m := range current {
		c := types.BenchmarkComparison{
			TestName:      m.TestName,
			RunID:         runID,
			CurrentMeanMs: m.ExecutionTimeMs,
		}

		prev, err := b.store.PreviousMeasurement(ctx, m.TestName, runID, m.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to load previous measurement for %s: %w", m.TestName, err)
		}
		if prev != nil {
			c.HasPrevious = true
			c.PreviousRunID = prev.RunID
			c.PreviousMeanMs = prev.ExecutionTimeMs
			c.ImprovementPct = ImprovementPct(prev.ExecutionTimeMs, m.ExecutionTimeMs)
			c.Severity = ChangeSeverity(c.ImprovementPct)
			c.Regression = c.ImprovementPct < 0 && c.Severity != SeverityLow

			if c.Regression && c.Severity != SeverityMinor {
				b.log.WithFields(logrus.Fields{
					"test":            m.TestName,
					"run_id":          runID,
					"previous_run_id": prev.RunID,
					"change_pct":      c.ImprovementPct,
					"severity":        c.Severity,
				}).Warn("Benchmark regression detected")
			}
		}
		comparisons = append(comparisons, c)
	}
	return comparisons, nil
}

// RecordFeedback attributes each compared test's improvement to the (table, column)
// pattern the test exercises, if that pattern is among targets
func (b *Benchmarker) RecordFeedback(ctx context.Context, tests []types.BenchmarkTest, comparisons []types.BenchmarkComparison, targets map[string]bool) int {
	byName := make(map[string]types.BenchmarkTest, len(tests))
	for _, t := range tests {
		byName[t.Name] = t
	}

	recorded := 0
	for _, c := range comparisons {
		test, ok := byName[c.TestName]
		if !ok || !c.HasPrevious || test.Table == "" {
			continue
		}
		if !targets[types.DedupKey(test.Table, test.Column)] {
			continue
		}
		if err := b.store.RecordFeedback(ctx, test.Table, test.Column, c.ImprovementPct); err != nil {
			b.log.WithError(err).WithField("test", c.TestName).Warn("Failed to record feedback")
			continue
		}
		recorded++
	}
	return recorded
}
