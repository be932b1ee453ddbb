// Package storagetest provides a testify mock of storage.Store for package tests.
package storagetest

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/workload-advisor/controller/storage"
	"github.com/workload-advisor/controller/types"
)

// MockStore is a mock implementation of storage.Store
type MockStore struct {
	mock.Mock
}

var _ storage.Store = (*MockStore)(nil)

func (m *MockStore) InsertQueryLogs(ctx context.Context, records []*types.QueryLogRecord) (int, error) {
	args := m.Called(ctx, records)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) ListQueryLogs(ctx context.Context, filter types.QueryLogFilter) ([]*types.QueryLogRecord, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*types.QueryLogRecord), args.Error(1)
}

func (m *MockStore) InsertRecommendation(ctx context.Context, rec *types.Recommendation) (bool, error) {
	args := m.Called(ctx, rec)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) GetRecommendation(ctx context.Context, id string) (*types.Recommendation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Recommendation), args.Error(1)
}

func (m *MockStore) ListRecommendations(ctx context.Context, filter types.RecommendationFilter) ([]*types.Recommendation, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*types.Recommendation), args.Error(1)
}

func (m *MockStore) ActiveRecommendationKeys(ctx context.Context) (map[string]bool, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]bool), args.Error(1)
}

func (m *MockStore) UpdateRecommendationStatus(ctx context.Context, id string, from, to types.RecommendationStatus, errMsg string, appliedAt *time.Time) error {
	args := m.Called(ctx, id, from, to, errMsg, appliedAt)
	return args.Error(0)
}

func (m *MockStore) InsertApproval(ctx context.Context, approval *types.ApprovalRecord) error {
	args := m.Called(ctx, approval)
	return args.Error(0)
}

func (m *MockStore) MarkApprovalOutcome(ctx context.Context, recommendationID string, status types.RecommendationStatus, appliedAt *time.Time) error {
	args := m.Called(ctx, recommendationID, status, appliedAt)
	return args.Error(0)
}

func (m *MockStore) ListApprovals(ctx context.Context, recommendationID string) ([]*types.ApprovalRecord, error) {
	args := m.Called(ctx, recommendationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*types.ApprovalRecord), args.Error(1)
}

func (m *MockStore) InsertMeasurement(ctx context.Context, pm *types.PerformanceMeasurement) error {
	args := m.Called(ctx, pm)
	return args.Error(0)
}

func (m *MockStore) ListMeasurementsByRun(ctx context.Context, runID string) ([]*types.PerformanceMeasurement, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*types.PerformanceMeasurement), args.Error(1)
}

func (m *MockStore) PreviousMeasurement(ctx context.Context, testName, excludeRunID string, before time.Time) (*types.PerformanceMeasurement, error) {
	args := m.Called(ctx, testName, excludeRunID, before)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.PerformanceMeasurement), args.Error(1)
}

func (m *MockStore) InsertMetrics(ctx context.Context, table types.MetricTable, metrics []types.ResourceMetric) error {
	args := m.Called(ctx, table, metrics)
	return args.Error(0)
}

func (m *MockStore) LatestMetrics(ctx context.Context, table types.MetricTable, metricType string) ([]types.ResourceMetric, error) {
	args := m.Called(ctx, table, metricType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.ResourceMetric), args.Error(1)
}

func (m *MockStore) RecordFeedback(ctx context.Context, table, column string, improvementPct float64) error {
	args := m.Called(ctx, table, column, improvementPct)
	return args.Error(0)
}

func (m *MockStore) ListFeedback(ctx context.Context) ([]types.PatternFeedback, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.PatternFeedback), args.Error(1)
}
