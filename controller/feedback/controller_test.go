package feedback

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/storage/storagetest"
	"github.com/workload-advisor/controller/types"
)

type recordingPinner struct {
	pinned []string
}

func (p *recordingPinner) Pin(template string) {
	p.pinned = append(p.pinned, template)
}

// ControllerTestSuite covers approval, rejection and apply against sqlmock and a mock store
type ControllerTestSuite struct {
	suite.Suite
	store  *storagetest.MockStore
	sql    sqlmock.Sqlmock
	ctx    context.Context
	cfg    config.FeedbackConfig
	pinner *recordingPinner
	c      *Controller
}

func (suite *ControllerTestSuite) SetupTest() {
	db, sqlMock, err := sqlmock.New()
	suite.Require().NoError(err)
	suite.T().Cleanup(func() { db.Close() })

	suite.store = new(storagetest.MockStore)
	suite.sql = sqlMock
	suite.ctx = context.Background()
	suite.cfg = config.DefaultConfig().Feedback
	suite.cfg.BenchmarkOnApply = false
	suite.pinner = &recordingPinner{}
	suite.c = NewController(db, suite.store, suite.cfg, Options{Pinner: suite.pinner}, quietLogger())
}

func (suite *ControllerTestSuite) TearDownTest() {
	suite.store.AssertExpectations(suite.T())
	suite.NoError(suite.sql.ExpectationsWereMet())
}

func indexRecommendation(id string, status types.RecommendationStatus, statement string) *types.Recommendation {
	return &types.Recommendation{
		ID:           id,
		TableName:    "silver.orders",
		ColumnName:   "order_date",
		Columns:      []string{"order_date"},
		Kind:         types.KindIndex,
		Priority:     types.PriorityHigh,
		Status:       status,
		SQLStatement: statement,
	}
}

const validIndex = "CREATE INDEX IF NOT EXISTS idx_orders_order_date ON silver.orders(order_date)"

func (suite *ControllerTestSuite) expectTimeout() {
	suite.sql.ExpectExec(regexp.QuoteMeta("SET LOCAL statement_timeout = 60000")).WillReturnResult(sqlmock.NewResult(0, 0))
}

func (suite *ControllerTestSuite) TestApplyInvalidStatementMarksFailed() {
	invalid := "CREATE INDX idx_orders_order_date ON silver.orders(order_date)"
	rec := indexRecommendation("r1", types.StatusApproved, invalid)
	suite.store.On("GetRecommendation", suite.ctx, "r1").Return(rec, nil).Once()

	longErr := `pq: syntax error at or near "INDX" ` + strings.Repeat("x", 800)
	suite.sql.ExpectBegin()
	suite.expectTimeout()
	suite.sql.ExpectExec(regexp.QuoteMeta(invalid)).WillReturnError(errors.New(longErr))
	suite.sql.ExpectRollback()

	truncated := mock.MatchedBy(func(msg string) bool {
		return strings.HasPrefix(msg, "pq: syntax error") && utf8.RuneCountInString(msg) == types.MaxErrorMessageLength
	})
	suite.store.On("UpdateRecommendationStatus", mock.Anything, "r1", types.StatusApproved, types.StatusFailed, truncated, (*time.Time)(nil)).
		Return(nil).Once()
	suite.store.On("MarkApprovalOutcome", mock.Anything, "r1", types.StatusFailed, (*time.Time)(nil)).Return(nil).Once()

	report, err := suite.c.Apply(suite.ctx, types.ApplyRequest{IDs: []string{"r1"}})
	suite.Require().NoError(err)
	suite.Equal(1, report.Failed)
	suite.Equal(0, report.Applied)
	suite.Require().Len(report.Outcomes, 1)
	suite.Equal(types.StatusFailed, report.Outcomes[0].Status)
	suite.NotEmpty(report.Outcomes[0].Error)
	suite.LessOrEqual(utf8.RuneCountInString(report.Outcomes[0].Error), types.MaxErrorMessageLength)
}

func (suite *ControllerTestSuite) TestApplyApprovedIndex() {
	rec := indexRecommendation("r2", types.StatusApproved, validIndex)
	suite.store.On("ListRecommendations", suite.ctx, types.RecommendationFilter{
		Statuses: []types.RecommendationStatus{types.StatusApproved},
	}).Return([]*types.Recommendation{rec}, nil).Once()

	suite.sql.ExpectBegin()
	suite.expectTimeout()
	suite.sql.ExpectExec(regexp.QuoteMeta(validIndex)).WillReturnResult(sqlmock.NewResult(0, 0))
	suite.sql.ExpectCommit()

	suite.store.On("UpdateRecommendationStatus", mock.Anything, "r2", types.StatusApproved, types.StatusApplied, "", mock.AnythingOfType("*time.Time")).
		Return(nil).Once()
	suite.store.On("MarkApprovalOutcome", mock.Anything, "r2", types.StatusApplied, mock.AnythingOfType("*time.Time")).Return(nil).Once()

	report, err := suite.c.Apply(suite.ctx, types.ApplyRequest{})
	suite.Require().NoError(err)
	suite.Equal(1, report.Applied)
	suite.Equal(types.StatusApplied, report.Outcomes[0].Status)
	suite.Equal(types.StatusApproved, report.Outcomes[0].PreviousStatus)
}

func (suite *ControllerTestSuite) TestApplyRequiresApproval() {
	suite.store.On("GetRecommendation", suite.ctx, "ok").Return(indexRecommendation("ok", types.StatusApproved, validIndex), nil).Once()
	suite.store.On("GetRecommendation", suite.ctx, "pending").Return(indexRecommendation("pending", types.StatusPending, validIndex), nil).Once()

	report, err := suite.c.Apply(suite.ctx, types.ApplyRequest{IDs: []string{"ok", "pending"}})
	suite.ErrorIs(err, types.ErrApprovalRequired)
	suite.Nil(report)
}

func (suite *ControllerTestSuite) TestDryRunPreviewsWithoutApproval() {
	suite.store.On("GetRecommendation", suite.ctx, "pending").Return(indexRecommendation("pending", types.StatusPending, validIndex), nil).Once()

	report, err := suite.c.Apply(suite.ctx, types.ApplyRequest{IDs: []string{"pending"}, DryRun: true})
	suite.Require().NoError(err)
	suite.Require().Len(report.Outcomes, 1)
	outcome := report.Outcomes[0]
	suite.True(outcome.DryRun)
	suite.Equal(validIndex, outcome.SQLStatement)
	suite.Equal(types.StatusPending, outcome.Status)
	suite.Equal(1, report.Skipped)
}

func (suite *ControllerTestSuite) TestApplyCacheAdvicePinsTemplate() {
	rec := &types.Recommendation{
		ID:            "c1",
		TableName:     "query_cache",
		ColumnName:    "tmpl_0123456789ab",
		Kind:          types.KindCache,
		Status:        types.StatusApproved,
		QueryTemplate: "SELECT * FROM gold.daily_sales WHERE day = ?",
	}
	suite.store.On("GetRecommendation", suite.ctx, "c1").Return(rec, nil).Once()
	suite.store.On("UpdateRecommendationStatus", mock.Anything, "c1", types.StatusApproved, types.StatusApplied, "", mock.Anything).Return(nil).Once()
	suite.store.On("MarkApprovalOutcome", mock.Anything, "c1", types.StatusApplied, mock.Anything).Return(nil).Once()

	report, err := suite.c.Apply(suite.ctx, types.ApplyRequest{IDs: []string{"c1"}})
	suite.Require().NoError(err)
	suite.Equal(1, report.Applied)
	suite.Equal([]string{rec.QueryTemplate}, suite.pinner.pinned)
}

func (suite *ControllerTestSuite) TestApproveBatch() {
	suite.store.On("GetRecommendation", suite.ctx, "pending").Return(indexRecommendation("pending", types.StatusPending, validIndex), nil).Once()
	suite.store.On("GetRecommendation", suite.ctx, "failed").Return(indexRecommendation("failed", types.StatusFailed, validIndex), nil).Once()
	suite.store.On("GetRecommendation", suite.ctx, "rejected").Return(indexRecommendation("rejected", types.StatusRejected, validIndex), nil).Once()
	suite.store.On("GetRecommendation", suite.ctx, "missing").Return(nil, types.ErrNotFound).Once()

	suite.store.On("UpdateRecommendationStatus", suite.ctx, "pending", types.StatusPending, types.StatusApproved, "", (*time.Time)(nil)).Return(nil).Once()
	suite.store.On("UpdateRecommendationStatus", suite.ctx, "failed", types.StatusFailed, types.StatusApproved, "", (*time.Time)(nil)).Return(nil).Once()
	suite.store.On("InsertApproval", suite.ctx, mock.MatchedBy(func(a *types.ApprovalRecord) bool {
		return a.ApprovedBy == "dba@example.com" && a.Status == types.StatusApproved && a.ID != ""
	})).Return(nil).Twice()

	result, err := suite.c.Approve(suite.ctx, types.ApprovalBatch{
		Source: "file",
		Approvals: []types.Approval{
			{RecommendationID: "pending", ApprovedBy: "dba@example.com"},
			{RecommendationID: "failed", ApprovedBy: "dba@example.com", Notes: "retry after fixing the typo"},
			{RecommendationID: "rejected", ApprovedBy: "dba@example.com"},
			{RecommendationID: "missing", ApprovedBy: "dba@example.com"},
		},
	})
	suite.Require().NoError(err)
	suite.Equal(2, result.Accepted)
	suite.Equal(2, result.Rejected)
	suite.Equal(types.StatusApproved, result.Outcomes[1].Status)
	suite.Contains(result.Outcomes[2].Error, "cannot move from rejected")
	suite.NotEmpty(result.Outcomes[3].Error)
}

func (suite *ControllerTestSuite) TestApproveRejectsInvalidBatch() {
	_, err := suite.c.Approve(suite.ctx, types.ApprovalBatch{})
	suite.Error(err)

	_, err = suite.c.Approve(suite.ctx, types.ApprovalBatch{Approvals: []types.Approval{{RecommendationID: "r1"}}})
	suite.Error(err)
}

func (suite *ControllerTestSuite) TestReject() {
	suite.store.On("GetRecommendation", suite.ctx, "r1").Return(indexRecommendation("r1", types.StatusPending, validIndex), nil).Once()
	suite.store.On("UpdateRecommendationStatus", suite.ctx, "r1", types.StatusPending, types.StatusRejected, "", (*time.Time)(nil)).Return(nil).Once()
	suite.store.On("InsertApproval", suite.ctx, mock.MatchedBy(func(a *types.ApprovalRecord) bool {
		return a.Status == types.StatusRejected && a.Notes == "covered by an existing index"
	})).Return(nil).Once()

	suite.NoError(suite.c.Reject(suite.ctx, "r1", "dba@example.com", "covered by an existing index"))

	suite.store.On("GetRecommendation", suite.ctx, "r2").Return(indexRecommendation("r2", types.StatusApplied, validIndex), nil).Once()
	err := suite.c.Reject(suite.ctx, "r2", "dba@example.com", "")
	suite.ErrorIs(err, types.ErrInvalidTransition)
}

func (suite *ControllerTestSuite) TestCancelDuringApplyFinishesCurrentRecommendation() {
	second := "CREATE INDEX IF NOT EXISTS idx_orders_customer ON silver.orders(customer_id)"
	suite.store.On("GetRecommendation", suite.ctx, "r1").Return(indexRecommendation("r1", types.StatusApproved, validIndex), nil).Once()
	suite.store.On("GetRecommendation", suite.ctx, "r2").Return(indexRecommendation("r2", types.StatusApproved, second), nil).Once()

	suite.sql.ExpectBegin()
	suite.expectTimeout()
	suite.sql.ExpectExec(regexp.QuoteMeta(validIndex)).WillDelayFor(300 * time.Millisecond).WillReturnResult(sqlmock.NewResult(0, 0))
	suite.sql.ExpectCommit()

	suite.store.On("UpdateRecommendationStatus", mock.Anything, "r1", types.StatusApproved, types.StatusApplied, "", mock.AnythingOfType("*time.Time")).
		Run(func(args mock.Arguments) {
			suite.NoError(args.Get(0).(context.Context).Err())
		}).Return(nil).Once()
	suite.store.On("MarkApprovalOutcome", mock.Anything, "r1", types.StatusApplied, mock.AnythingOfType("*time.Time")).Return(nil).Once()

	ctx, cancel := context.WithCancel(suite.ctx)
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	report, err := suite.c.Apply(ctx, types.ApplyRequest{IDs: []string{"r1", "r2"}})
	suite.ErrorIs(err, context.Canceled)
	suite.Require().NotNil(report)
	suite.Equal(1, report.Applied)
	suite.Require().Len(report.Outcomes, 1)
	suite.Equal(types.StatusApplied, report.Outcomes[0].Status)
}

func (suite *ControllerTestSuite) TestApplyWithBenchmarkRecordsFeedback() {
	cfg := suite.cfg
	cfg.BenchmarkOnApply = true
	cfg.StatementTimeout = 0
	cfg.WarmUp = false
	cfg.Runs = 1
	cfg.Tests = []types.BenchmarkTest{{
		Name:   "orders_by_date",
		Query:  "SELECT * FROM silver.orders WHERE order_date >= CURRENT_DATE - 30",
		Table:  "silver.orders",
		Column: "order_date",
	}}

	db, sqlMock, err := sqlmock.New()
	suite.Require().NoError(err)
	defer db.Close()

	measurements := newMemoryStore()
	bench := NewBenchmarker(db, measurements, cfg, nil, quietLogger())
	bench.now = func() time.Time { return benchStart }
	bench.clock = steppingClock(0, 100*time.Millisecond, 0, 40*time.Millisecond)
	c := NewController(db, suite.store, cfg, Options{Benchmarker: bench}, quietLogger())

	rec := indexRecommendation("r3", types.StatusApproved, validIndex)
	suite.store.On("GetRecommendation", suite.ctx, "r3").Return(rec, nil).Once()
	suite.store.On("UpdateRecommendationStatus", mock.Anything, "r3", types.StatusApproved, types.StatusApplied, "", mock.Anything).Return(nil).Once()
	suite.store.On("MarkApprovalOutcome", mock.Anything, "r3", types.StatusApplied, mock.Anything).Return(nil).Once()

	query := regexp.QuoteMeta(cfg.Tests[0].Query)
	sqlMock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"order_id"}).AddRow(1))
	sqlMock.ExpectBegin()
	sqlMock.ExpectExec(regexp.QuoteMeta(validIndex)).WillReturnResult(sqlmock.NewResult(0, 0))
	sqlMock.ExpectCommit()
	sqlMock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"order_id"}).AddRow(1))

	report, err := c.Apply(suite.ctx, types.ApplyRequest{IDs: []string{"r3"}})
	suite.Require().NoError(err)
	suite.Equal(1, report.Applied)
	suite.NoError(sqlMock.ExpectationsWereMet())

	suite.Len(measurements.measurements, 2)
	suite.Equal("test_20240304_120000_2", measurements.measurements[1].RunID)
	suite.Require().Len(measurements.feedback["silver.orders|order_date"], 1)
	suite.InDelta(60.0, measurements.feedback["silver.orders|order_date"][0], 1e-9)
}

func TestControllerTestSuite(t *testing.T) {
	suite.Run(t, new(ControllerTestSuite))
}
