package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/workload-advisor/controller/cache"
	"github.com/workload-advisor/controller/feedback"
	"github.com/workload-advisor/controller/metrics"
	"github.com/workload-advisor/controller/scheduler"
	"github.com/workload-advisor/controller/storage/storagetest"
	"github.com/workload-advisor/controller/types"
)

type MockController struct {
	mock.Mock
}

func (m *MockController) Approve(ctx context.Context, batch types.ApprovalBatch) (*feedback.ApprovalResult, error) {
	args := m.Called(ctx, batch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*feedback.ApprovalResult), args.Error(1)
}

func (m *MockController) Reject(ctx context.Context, id, by, notes string) error {
	return m.Called(ctx, id, by, notes).Error(0)
}

func (m *MockController) Apply(ctx context.Context, req types.ApplyRequest) (*types.ApplyReport, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.ApplyReport), args.Error(1)
}

type stubCache cache.Effectiveness

func (s stubCache) Effectiveness() cache.Effectiveness { return cache.Effectiveness(s) }

type stubCycles []scheduler.JobStatus

func (s stubCycles) Status() []scheduler.JobStatus { return s }

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

type fixture struct {
	store      *storagetest.MockStore
	controller *MockController
	handler    http.Handler
}

func newFixture(t *testing.T, mutate func(*Dependencies)) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	f := &fixture{store: new(storagetest.MockStore), controller: new(MockController)}
	deps := Dependencies{
		Recommendations: f.store,
		Controller:      f.controller,
		Profile: func(ctx context.Context, window time.Duration) (*types.WorkloadProfile, error) {
			return &types.WorkloadProfile{RecordCount: int(window.Hours())}, nil
		},
		Cache:    stubCache{Hits: 3, Misses: 1, TotalRequests: 4, HitRate: 0.75},
		Cycles:   stubCycles{{Name: scheduler.CollectionCycle, Interval: 5 * time.Minute, Runs: 2}},
		Metrics:  metrics.NewRecorder(),
		Database: pinger{},
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.handler = NewServer(":0", deps, logger).(*server).setupRoutes()
	t.Cleanup(func() {
		f.store.AssertExpectations(t)
		f.controller.AssertExpectations(t)
	})
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "connected", decode(t, rec)["database"])

	down := newFixture(t, func(d *Dependencies) { d.Database = pinger{err: errors.New("connection refused")} })
	rec = down.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decode(t, rec)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestListRecommendations(t *testing.T) {
	f := newFixture(t, nil)
	f.store.On("ListRecommendations", mock.Anything, types.RecommendationFilter{
		Statuses: []types.RecommendationStatus{types.StatusPending, types.StatusFailed},
		Kind:     types.KindIndex,
		Limit:    10,
	}).Return([]*types.Recommendation{{ID: "r1", TableName: "silver.orders", ColumnName: "order_date"}}, nil).Once()

	rec := f.do(http.MethodGet, "/api/recommendations?status=pending&status=failed&kind=index&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, "r1", body["recommendations"].([]interface{})[0].(map[string]interface{})["id"])

	rec = f.do(http.MethodGet, "/api/recommendations?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRecommendation(t *testing.T) {
	f := newFixture(t, nil)
	f.store.On("GetRecommendation", mock.Anything, "r1").Return(&types.Recommendation{ID: "r1", Status: types.StatusFailed, ErrorMessage: "syntax error"}, nil).Once()
	f.store.On("GetRecommendation", mock.Anything, "nope").Return(nil, fmt.Errorf("recommendation nope: %w", types.ErrNotFound)).Once()

	rec := f.do(http.MethodGet, "/api/recommendations/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "syntax error", decode(t, rec)["error_message"])

	rec = f.do(http.MethodGet, "/api/recommendations/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovals(t *testing.T) {
	f := newFixture(t, nil)
	f.controller.On("Approve", mock.Anything, types.ApprovalBatch{
		Source:    SourceName,
		Approvals: []types.Approval{{RecommendationID: "r1", ApprovedBy: "dba@example.com"}},
	}).Return(&feedback.ApprovalResult{Source: SourceName, Accepted: 1}, nil).Once()

	rec := f.do(http.MethodPost, "/api/approvals", `[{"recommendation_id": "r1", "approved_by": "dba@example.com"}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["accepted"])

	rec = f.do(http.MethodPost, "/api/approvals", `[{"approved_by": "dba@example.com"}]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReject(t *testing.T) {
	f := newFixture(t, nil)
	f.controller.On("Reject", mock.Anything, "r1", "dba@example.com", "duplicate").Return(nil).Once()
	f.controller.On("Reject", mock.Anything, "r2", "dba@example.com", "").
		Return(&types.TransitionError{RecommendationID: "r2", From: types.StatusApplied, To: types.StatusRejected}).Once()

	rec := f.do(http.MethodPost, "/api/recommendations/r1/reject", `{"rejected_by": "dba@example.com", "notes": "duplicate"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/api/recommendations/r2/reject", `{"rejected_by": "dba@example.com"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/api/recommendations/r3/reject", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApply(t *testing.T) {
	f := newFixture(t, nil)
	f.controller.On("Apply", mock.Anything, types.ApplyRequest{IDs: []string{"r1"}, DryRun: true}).
		Return(&types.ApplyReport{Skipped: 1, Outcomes: []types.ApplyOutcome{{RecommendationID: "r1", DryRun: true}}}, nil).Once()
	f.controller.On("Apply", mock.Anything, types.ApplyRequest{IDs: []string{"r2"}}).
		Return(nil, fmt.Errorf("recommendation r2 is pending: %w", types.ErrApprovalRequired)).Once()
	f.controller.On("Apply", mock.Anything, types.ApplyRequest{}).
		Return(&types.ApplyReport{Applied: 2}, nil).Once()

	rec := f.do(http.MethodPost, "/api/apply?dry_run=true", `{"ids": ["r1"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["skipped"])

	rec = f.do(http.MethodPost, "/api/apply", `{"ids": ["r2"]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/api/apply", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["applied"])

	rec = f.do(http.MethodPost, "/api/apply", `{"ids": "r1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProfileCacheAndCycles(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/workload/profile?window=6h", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 6, decode(t, rec)["record_count"])

	rec = f.do(http.MethodGet, "/api/workload/profile?window=soon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/cache/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.75, decode(t, rec)["hit_rate"], 1e-9)

	rec = f.do(http.MethodGet, "/api/cycles", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cycles := decode(t, rec)["cycles"].([]interface{})
	assert.Equal(t, "collection", cycles[0].(map[string]interface{})["name"])
}

func TestDisabledEndpoints(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) {
		d.Cache = nil
		d.Profile = nil
	})
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/cache/stats", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/workload/profile", "").Code)
}
