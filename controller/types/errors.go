package types

import (
	"errors"
	"fmt"
)

var (
	// ErrCollectionUnavailable means the statistics facility is missing or disabled
	ErrCollectionUnavailable = errors.New("query statistics collection unavailable")
	// ErrInsufficientTrainingData means a model was asked to train on too few samples
	ErrInsufficientTrainingData = errors.New("insufficient training data")
	// ErrApplyFailed means executing a recommendation's SQL failed
	ErrApplyFailed = errors.New("recommendation apply failed")
	// ErrApprovalRequired means a mutating apply was attempted without approval
	ErrApprovalRequired = errors.New("approval required")
	// ErrInvalidTransition means a status change is not allowed by the lifecycle
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound means the requested entity does not exist
	ErrNotFound = errors.New("not found")
	// ErrModelNotTrained means inference was requested before training
	ErrModelNotTrained = errors.New("model not trained")
)

// MaxErrorMessageLength bounds the diagnostic text kept on failed recommendations
const MaxErrorMessageLength = 500

// TruncateError shortens an error message to MaxErrorMessageLength runes
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxErrorMessageLength {
		return msg
	}
	return string(r[:MaxErrorMessageLength])
}

// ApplyError carries the truncated diagnostic of a failed apply
type ApplyError struct {
	RecommendationID string
	Message          string
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s: %s", e.RecommendationID, e.Message)
}

// Unwrap lets errors.Is match ErrApplyFailed
func (e *ApplyError) Unwrap() error {
	return ErrApplyFailed
}

// TransitionError reports an illegal lifecycle move
type TransitionError struct {
	RecommendationID string
	From             RecommendationStatus
	To               RecommendationStatus
	// Reason is set when the lifecycle allows the move but the store refused it
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("recommendation %s cannot move from %s to %s", e.RecommendationID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
