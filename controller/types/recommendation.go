package types

import (
	"fmt"
	"time"
)

// RecommendationKind identifies the kind of optimization a recommendation proposes
type RecommendationKind string

const (
	KindIndex     RecommendationKind = "index"
	KindPartition RecommendationKind = "partition"
	KindCache     RecommendationKind = "cache"
)

// Executable reports whether the kind carries DDL that must run against the database
func (k RecommendationKind) Executable() bool {
	return k == KindIndex
}

// Priority ranks recommendations for operators
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities so that higher is more urgent
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// RecommendationStatus is the lifecycle state of a recommendation
type RecommendationStatus string

const (
	StatusPending  RecommendationStatus = "pending"
	StatusApproved RecommendationStatus = "approved"
	StatusApplied  RecommendationStatus = "applied"
	StatusFailed   RecommendationStatus = "failed"
	StatusRejected RecommendationStatus = "rejected"
)

// transitions lists the legal target states for every source state.
// applied and rejected have no outgoing edges.
var transitions = map[RecommendationStatus][]RecommendationStatus{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusApplied, StatusFailed, StatusRejected},
	StatusFailed:   {StatusApproved, StatusRejected},
}

// CanTransition reports whether moving from s to next is allowed
func (s RecommendationStatus) CanTransition(next RecommendationStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive reports whether the status occupies the (table, column) slot
func (s RecommendationStatus) IsActive() bool {
	return s == StatusPending || s == StatusApproved || s == StatusApplied
}

// IsTerminal reports whether no further transition is possible
func (s RecommendationStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// ActiveStatuses returns the statuses that count towards deduplication
func ActiveStatuses() []string {
	return []string{string(StatusPending), string(StatusApproved), string(StatusApplied)}
}

// Recommendation is a proposed, approval-gated optimization
type Recommendation struct {
	ID                   string               `json:"id" db:"id"`
	TableName            string               `json:"table_name" db:"table_name"`
	ColumnName           string               `json:"column_name" db:"column_name"`
	Columns              []string             `json:"columns,omitempty" db:"columns"`
	Kind                 RecommendationKind   `json:"kind" db:"kind"`
	Priority             Priority             `json:"priority" db:"priority"`
	Status               RecommendationStatus `json:"status" db:"status"`
	EstimatedImprovement float64              `json:"estimated_improvement_ms" db:"estimated_improvement"`
	ImprovementPercent   float64              `json:"improvement_percent" db:"improvement_percent"`
	QueryCount           int64                `json:"query_count" db:"query_count"`
	AvgExecTimeMs        float64              `json:"avg_exec_time_ms" db:"avg_exec_time_ms"`
	SQLStatement         string               `json:"sql_statement" db:"sql_statement"`
	Rationale            string               `json:"rationale,omitempty" db:"rationale"`
	QueryTemplate        string               `json:"query_template,omitempty" db:"query_template"`
	CreatedAt            time.Time            `json:"created_at" db:"created_at"`
	AppliedAt            *time.Time           `json:"applied_at,omitempty" db:"applied_at"`
	ErrorMessage         string               `json:"error_message,omitempty" db:"error_message"`
}

// Key returns the deduplication key of the recommendation
func (r *Recommendation) Key() string {
	return DedupKey(r.TableName, r.ColumnName)
}

// DedupKey builds the (table, column) identity used for deduplication
func DedupKey(table, column string) string {
	return fmt.Sprintf("%s|%s", table, column)
}

// RecommendationFilter narrows recommendation listings
type RecommendationFilter struct {
	Statuses []RecommendationStatus
	Kind     RecommendationKind
	Table    string
	Limit    int
}

// ApprovalRecord links an approver decision to a recommendation
type ApprovalRecord struct {
	ID               string               `json:"id" db:"id"`
	RecommendationID string               `json:"recommendation_id" db:"recommendation_id"`
	ApprovedBy       string               `json:"approved_by" db:"approved_by"`
	ApprovedAt       time.Time            `json:"approved_at" db:"approved_at"`
	Status           RecommendationStatus `json:"status" db:"status"`
	Notes            string               `json:"notes,omitempty" db:"notes"`
	AppliedAt        *time.Time           `json:"applied_at,omitempty" db:"applied_at"`
}

// Approval is one entry of an approval batch
type Approval struct {
	RecommendationID string `json:"recommendation_id" validate:"required"`
	ApprovedBy       string `json:"approved_by" validate:"required"`
	Notes            string `json:"notes,omitempty"`
}

// ApprovalBatch is the command object carrying human approvals into the controller.
// Source names where the batch came from (file, queue, api).
type ApprovalBatch struct {
	Source    string     `json:"source,omitempty"`
	Approvals []Approval `json:"approvals" validate:"required,min=1,dive"`
}

// ApplyRequest asks the controller to apply approved recommendations.
// An empty IDs list means every approved recommendation.
type ApplyRequest struct {
	IDs    []string `json:"ids,omitempty"`
	DryRun bool     `json:"dry_run"`
}

// ApplyOutcome describes what happened (or would happen) to one recommendation
type ApplyOutcome struct {
	RecommendationID string               `json:"recommendation_id"`
	SQLStatement     string               `json:"sql_statement"`
	PreviousStatus   RecommendationStatus `json:"previous_status"`
	Status           RecommendationStatus `json:"status"`
	DryRun           bool                 `json:"dry_run"`
	Error            string               `json:"error,omitempty"`
	Duration         time.Duration        `json:"duration"`
}

// ApplyReport summarizes an apply pass
type ApplyReport struct {
	Outcomes []ApplyOutcome `json:"outcomes"`
	Applied  int            `json:"applied"`
	Failed   int            `json:"failed"`
	Skipped  int            `json:"skipped"`
}

// PatternFeedback is the realized improvement history for one (table, column) pattern
type PatternFeedback struct {
	TableName          string    `json:"table_name"`
	ColumnName         string    `json:"column_name"`
	Samples            int       `json:"samples"`
	MeanImprovementPct float64   `json:"mean_improvement_pct"`
	UpdatedAt          time.Time `json:"updated_at"`
}
