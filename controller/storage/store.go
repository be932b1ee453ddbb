package storage

import (
	"context"
	"time"

	"github.com/workload-advisor/controller/types"
)

// QueryLogStore persists collected query statistics
type QueryLogStore interface {
	InsertQueryLogs(ctx context.Context, records []*types.QueryLogRecord) (int, error)
	ListQueryLogs(ctx context.Context, filter types.QueryLogFilter) ([]*types.QueryLogRecord, error)
}

// RecommendationStore persists recommendations and their lifecycle
type RecommendationStore interface {
	InsertRecommendation(ctx context.Context, rec *types.Recommendation) (bool, error)
	GetRecommendation(ctx context.Context, id string) (*types.Recommendation, error)
	ListRecommendations(ctx context.Context, filter types.RecommendationFilter) ([]*types.Recommendation, error)
	ActiveRecommendationKeys(ctx context.Context) (map[string]bool, error)
	UpdateRecommendationStatus(ctx context.Context, id string, from, to types.RecommendationStatus, errMsg string, appliedAt *time.Time) error
}

// ApprovalStore records approval attempts
type ApprovalStore interface {
	InsertApproval(ctx context.Context, approval *types.ApprovalRecord) error
	MarkApprovalOutcome(ctx context.Context, recommendationID string, status types.RecommendationStatus, appliedAt *time.Time) error
	ListApprovals(ctx context.Context, recommendationID string) ([]*types.ApprovalRecord, error)
}

// MeasurementStore persists benchmark results
type MeasurementStore interface {
	InsertMeasurement(ctx context.Context, m *types.PerformanceMeasurement) error
	ListMeasurementsByRun(ctx context.Context, runID string) ([]*types.PerformanceMeasurement, error)
	PreviousMeasurement(ctx context.Context, testName, excludeRunID string, before time.Time) (*types.PerformanceMeasurement, error)
}

// MetricStore persists resource and performance counters
type MetricStore interface {
	InsertMetrics(ctx context.Context, table types.MetricTable, metrics []types.ResourceMetric) error
	LatestMetrics(ctx context.Context, table types.MetricTable, metricType string) ([]types.ResourceMetric, error)
}

// FeedbackStore accumulates realized improvement per pattern
type FeedbackStore interface {
	RecordFeedback(ctx context.Context, table, column string, improvementPct float64) error
	ListFeedback(ctx context.Context) ([]types.PatternFeedback, error)
}

// Store is everything the controller persists
type Store interface {
	QueryLogStore
	RecommendationStore
	ApprovalStore
	MeasurementStore
	MetricStore
	FeedbackStore
}

var _ Store = (*Database)(nil)
