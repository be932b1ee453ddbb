package types

import (
	"encoding/json"
	"time"
)

// PerformanceMeasurement is the stored aggregate of one benchmark test within a run
type PerformanceMeasurement struct {
	ID              string           `json:"id" db:"id"`
	TestName        string           `json:"test_name" db:"test_name"`
	QueryText       string           `json:"query_text" db:"query_text"`
	ExecutionTimeMs float64          `json:"execution_time_ms" db:"execution_time_ms"`
	RunID           string           `json:"run_id" db:"run_id"`
	Timestamp       time.Time        `json:"timestamp" db:"timestamp"`
	Notes           MeasurementNotes `json:"notes" db:"notes"`
}

// MeasurementNotes is the side blob stored next to a measurement
type MeasurementNotes struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	Runs   int     `json:"runs"`
	Error  string  `json:"error,omitempty"`
}

// BenchmarkTest is one representative query of the benchmark battery
type BenchmarkTest struct {
	Name  string `yaml:"name" json:"name" validate:"required"`
	Query string `yaml:"query" json:"query" validate:"required"`

	// Table and Column tie the test to a recommendation pattern for feedback.
	Table  string `yaml:"table,omitempty" json:"table,omitempty"`
	Column string `yaml:"column,omitempty" json:"column,omitempty"`
}

// BenchmarkComparison is the change of one test against the most recent prior run
type BenchmarkComparison struct {
	TestName       string  `json:"test_name"`
	RunID          string  `json:"run_id"`
	PreviousRunID  string  `json:"previous_run_id"`
	CurrentMeanMs  float64 `json:"current_mean_ms"`
	PreviousMeanMs float64 `json:"previous_mean_ms"`
	ImprovementPct float64 `json:"improvement_pct"`
	HasPrevious    bool    `json:"has_previous"`
	Severity       string  `json:"severity,omitempty"`
	Regression     bool    `json:"regression,omitempty"`
}

// ResourceMetric is a generic row of the resource_usage / performance_metrics tables
type ResourceMetric struct {
	MetricType  string          `json:"metric_type" db:"metric_type"`
	MetricName  string          `json:"metric_name" db:"metric_name"`
	Value       float64         `json:"value" db:"value"`
	Unit        string          `json:"unit" db:"unit"`
	Metadata    json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CollectedAt time.Time       `json:"collected_at" db:"collected_at"`
}

// MetricTable selects the table a ResourceMetric is written to
type MetricTable string

const (
	ResourceUsageTable      MetricTable = "resource_usage"
	PerformanceMetricsTable MetricTable = "performance_metrics"
)
