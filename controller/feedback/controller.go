package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/metrics"
	"github.com/workload-advisor/controller/storage"
	"github.com/workload-advisor/controller/types"
)

// Store is the persistence the controller needs
type Store interface {
	storage.RecommendationStore
	storage.ApprovalStore
	storage.MeasurementStore
	storage.FeedbackStore
}

// TemplatePinner keeps a query template cacheable regardless of its predicted reuse
type TemplatePinner interface {
	Pin(template string)
}

// ApprovalOutcome is the result of one entry of an approval batch
type ApprovalOutcome struct {
	RecommendationID string                     `json:"recommendation_id"`
	PreviousStatus   types.RecommendationStatus `json:"previous_status,omitempty"`
	Status           types.RecommendationStatus `json:"status,omitempty"`
	Error            string                     `json:"error,omitempty"`
}

// ApprovalResult summarizes a handled approval batch
type ApprovalResult struct {
	Source   string            `json:"source"`
	Accepted int               `json:"accepted"`
	Rejected int               `json:"rejected"`
	Outcomes []ApprovalOutcome `json:"outcomes"`
}

// Options wires optional collaborators
type Options struct {
	Benchmarker *Benchmarker
	Pinner      TemplatePinner
	Metrics     *metrics.Recorder
}

// Controller gates recommendations behind approval and applies them one at a time
type Controller struct {
	db       *sql.DB
	store    Store
	cfg      config.FeedbackConfig
	opts     Options
	validate *validator.Validate
	log      logrus.FieldLogger
	now      func() time.Time

	// applyMu serializes DDL so before/after measurements stay attributable
	applyMu sync.Mutex
}

// NewController creates the application and feedback controller.
// db is the observed database the recommendation SQL runs against.
func NewController(db *sql.DB, store Store, cfg config.FeedbackConfig, opts Options, log logrus.FieldLogger) *Controller {
	return &Controller{
		db:       db,
		store:    store,
		cfg:      cfg,
		opts:     opts,
		validate: validator.New(),
		log:      log.WithField("component", "feedback-controller"),
		now:      time.Now,
	}
}

// Approve moves every listed recommendation to approved and records the approval.
// An invalid batch is rejected as a whole; entries are otherwise handled independently.
func (c *Controller) Approve(ctx context.Context, batch types.ApprovalBatch) (*ApprovalResult, error) {
	if batch.Source == "" {
		batch.Source = "api"
	}
	if err := c.validate.Struct(batch); err != nil {
		c.opts.Metrics.IncApproval(batch.Source, err)
		return nil, fmt.Errorf("invalid approval batch: %w", err)
	}

	result := &ApprovalResult{Source: batch.Source}
	for _, a := range batch.Approvals {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		outcome, err := c.approveOne(ctx, a)
		c.opts.Metrics.IncApproval(batch.Source, err)
		if err != nil {
			outcome.Error = err.Error()
			result.Rejected++
			c.log.WithError(err).WithFields(logrus.Fields{
				"recommendation_id": a.RecommendationID,
				"approved_by":       a.ApprovedBy,
				"source":            batch.Source,
			}).Warn("Approval not accepted")
		} else {
			result.Accepted++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	c.log.WithFields(logrus.Fields{
		"source":   batch.Source,
		"accepted": result.Accepted,
		"rejected": result.Rejected,
	}).Info("Approval batch handled")
	return result, nil
}

func (c *Controller) approveOne(ctx context.Context, a types.Approval) (ApprovalOutcome, error) {
	outcome := ApprovalOutcome{RecommendationID: a.RecommendationID}

	rec, err := c.store.GetRecommendation(ctx, a.RecommendationID)
	if err != nil {
		return outcome, err
	}
	outcome.PreviousStatus = rec.Status

	// approving twice only records the extra approval
	if rec.Status != types.StatusApproved {
		if !rec.Status.CanTransition(types.StatusApproved) {
			return outcome, &types.TransitionError{RecommendationID: rec.ID, From: rec.Status, To: types.StatusApproved}
		}
		if err := c.store.UpdateRecommendationStatus(ctx, rec.ID, rec.Status, types.StatusApproved, "", nil); err != nil {
			return outcome, err
		}
	}
	outcome.Status = types.StatusApproved

	err = c.store.InsertApproval(ctx, &types.ApprovalRecord{
		ID:               uuid.NewString(),
		RecommendationID: rec.ID,
		ApprovedBy:       a.ApprovedBy,
		ApprovedAt:       c.now(),
		Status:           types.StatusApproved,
		Notes:            a.Notes,
	})
	return outcome, err
}

// Reject moves a recommendation to the terminal rejected status
func (c *Controller) Reject(ctx context.Context, id, by, notes string) error {
	rec, err := c.store.GetRecommendation(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Status.CanTransition(types.StatusRejected) {
		return &types.TransitionError{RecommendationID: id, From: rec.Status, To: types.StatusRejected}
	}
	if err := c.store.UpdateRecommendationStatus(ctx, id, rec.Status, types.StatusRejected, "", nil); err != nil {
		return err
	}

	if err := c.store.InsertApproval(ctx, &types.ApprovalRecord{
		ID:               uuid.NewString(),
		RecommendationID: id,
		ApprovedBy:       by,
		ApprovedAt:       c.now(),
		Status:           types.StatusRejected,
		Notes:            notes,
	}); err != nil {
		return fmt.Errorf("failed to record rejection: %w", err)
	}

	c.log.WithFields(logrus.Fields{"recommendation_id": id, "rejected_by": by}).Info("Recommendation rejected")
	return nil
}

// targets resolves the recommendations an apply request refers to
func (c *Controller) targets(ctx context.Context, req types.ApplyRequest) ([]*types.Recommendation, error) {
	if len(req.IDs) == 0 {
		return c.store.ListRecommendations(ctx, types.RecommendationFilter{Statuses: []types.RecommendationStatus{types.StatusApproved}})
	}

	recs := make([]*types.Recommendation, 0, len(req.IDs))
	for _, id := range req.IDs {
		rec, err := c.store.GetRecommendation(ctx, id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Apply executes approved recommendations. A dry run only reports the plan.
// If any explicitly requested recommendation is not approved nothing is applied
// and the error wraps types.ErrApprovalRequired. A failing statement is rolled
// back and leaves its recommendation failed with the truncated error; the pass continues.
// Cancellation stops the pass between recommendations, never during one.
func (c *Controller) Apply(ctx context.Context, req types.ApplyRequest) (*types.ApplyReport, error) {
	recs, err := c.targets(ctx, req)
	if err != nil {
		return nil, err
	}

	report := &types.ApplyReport{Outcomes: make([]types.ApplyOutcome, 0, len(recs))}
	if req.DryRun {
		for _, rec := range recs {
			report.Outcomes = append(report.Outcomes, types.ApplyOutcome{
				RecommendationID: rec.ID,
				SQLStatement:     rec.SQLStatement,
				PreviousStatus:   rec.Status,
				Status:           rec.Status,
				DryRun:           true,
			})
			report.Skipped++
		}
		return report, nil
	}

	for _, rec := range recs {
		if rec.Status != types.StatusApproved {
			return nil, fmt.Errorf("recommendation %s is %s: %w", rec.ID, rec.Status, types.ErrApprovalRequired)
		}
	}
	if len(recs) == 0 {
		return report, nil
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	var before *BenchmarkRun
	if c.benchmarkEnabled(recs) {
		if before, err = c.opts.Benchmarker.RunBenchmark(ctx, nil, 0); err != nil {
			c.log.WithError(err).Warn("Pre-apply benchmark failed, applying without feedback")
			before = nil
		}
	}

	applied := make(map[string]bool)
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome := c.applyOne(ctx, rec)
		report.Outcomes = append(report.Outcomes, outcome)

		switch outcome.Status {
		case types.StatusApplied:
			report.Applied++
			applied[types.DedupKey(rec.TableName, primaryColumn(rec))] = true
		case types.StatusFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}

	if before != nil && len(applied) > 0 {
		c.recordImprovement(ctx, applied)
	}

	c.log.WithFields(logrus.Fields{
		"applied": report.Applied,
		"failed":  report.Failed,
		"skipped": report.Skipped,
	}).Info("Apply pass finished")
	return report, nil
}

func (c *Controller) benchmarkEnabled(recs []*types.Recommendation) bool {
	if c.opts.Benchmarker == nil || !c.cfg.BenchmarkOnApply {
		return false
	}
	for _, rec := range recs {
		if rec.Kind.Executable() {
			return true
		}
	}
	return false
}

func (c *Controller) recordImprovement(ctx context.Context, applied map[string]bool) {
	after, err := c.opts.Benchmarker.RunBenchmark(ctx, nil, 0)
	if err != nil {
		c.log.WithError(err).Warn("Post-apply benchmark failed")
		return
	}
	comparisons, err := c.opts.Benchmarker.CompareToPrevious(ctx, after.RunID)
	if err != nil {
		c.log.WithError(err).Warn("Failed to compare benchmark runs")
		return
	}
	n := c.opts.Benchmarker.RecordFeedback(ctx, c.opts.Benchmarker.Tests(), comparisons, applied)
	c.log.WithFields(logrus.Fields{"run_id": after.RunID, "patterns": n}).Info("Recorded realized improvement")
}

// primaryColumn is the real column of a recommendation, whatever slot name it uses
func primaryColumn(rec *types.Recommendation) string {
	if len(rec.Columns) > 0 {
		return rec.Columns[0]
	}
	return rec.ColumnName
}

// applyOne runs a single recommendation and records its final status.
// Once started it is not interrupted by the caller going away; the statement
// timeout bounds it instead.
func (c *Controller) applyOne(ctx context.Context, rec *types.Recommendation) types.ApplyOutcome {
	ctx = context.WithoutCancel(ctx)
	outcome := types.ApplyOutcome{
		RecommendationID: rec.ID,
		SQLStatement:     rec.SQLStatement,
		PreviousStatus:   rec.Status,
	}
	start := c.now()
	log := c.log.WithFields(logrus.Fields{
		"recommendation_id": rec.ID,
		"table":             rec.TableName,
		"column":            rec.ColumnName,
		"kind":              rec.Kind,
	})

	var execErr error
	switch {
	case rec.Kind.Executable():
		execErr = c.execute(ctx, rec.SQLStatement)
	case rec.Kind == types.KindCache && c.opts.Pinner != nil && rec.QueryTemplate != "":
		c.opts.Pinner.Pin(rec.QueryTemplate)
	}
	outcome.Duration = c.now().Sub(start)

	if execErr != nil {
		applyErr := &types.ApplyError{RecommendationID: rec.ID, Message: types.TruncateError(execErr.Error())}
		outcome.Status = types.StatusFailed
		outcome.Error = applyErr.Message

		if err := c.store.UpdateRecommendationStatus(ctx, rec.ID, types.StatusApproved, types.StatusFailed, applyErr.Message, nil); err != nil {
			log.WithError(err).Error("Failed to mark recommendation failed")
		}
		if err := c.store.MarkApprovalOutcome(ctx, rec.ID, types.StatusFailed, nil); err != nil {
			log.WithError(err).Warn("Failed to update approval outcome")
		}
		c.opts.Metrics.IncApplyOutcome(types.StatusFailed)
		log.WithError(applyErr).Error("Recommendation apply failed")
		return outcome
	}

	appliedAt := c.now()
	if err := c.store.UpdateRecommendationStatus(ctx, rec.ID, types.StatusApproved, types.StatusApplied, "", &appliedAt); err != nil {
		// the statement ran; a concurrent transition is the only way to get here
		outcome.Status = rec.Status
		outcome.Error = err.Error()
		log.WithError(err).Error("Failed to mark recommendation applied")
		return outcome
	}
	if err := c.store.MarkApprovalOutcome(ctx, rec.ID, types.StatusApplied, &appliedAt); err != nil {
		log.WithError(err).Warn("Failed to update approval outcome")
	}

	outcome.Status = types.StatusApplied
	c.opts.Metrics.IncApplyOutcome(types.StatusApplied)
	log.WithField("duration", outcome.Duration.String()).Info("Recommendation applied")
	return outcome
}

// execute runs one statement in its own transaction
func (c *Controller) execute(ctx context.Context, statement string) error {
	if statement == "" {
		return errors.New("recommendation has no SQL statement")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if c.cfg.StatementTimeout > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", c.cfg.StatementTimeout.Milliseconds())); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, statement); err != nil {
		return err
	}
	return tx.Commit()
}
