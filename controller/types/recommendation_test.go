package types

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	all := []RecommendationStatus{StatusPending, StatusApproved, StatusApplied, StatusFailed, StatusRejected}

	for _, from := range all {
		for _, to := range all {
			allowed := from.CanTransition(to)
			if to == StatusApplied || to == StatusFailed {
				assert.Equal(t, from == StatusApproved, allowed, "%s -> %s", from, to)
			}
			if from == StatusRejected || from == StatusApplied {
				assert.False(t, allowed, "%s must be terminal", from)
			}
		}
	}

	assert.True(t, StatusFailed.CanTransition(StatusApproved), "failed recommendations can be re-approved")
	assert.True(t, StatusRejected.IsTerminal())
	assert.True(t, StatusApplied.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
}

func TestStatusIsActive(t *testing.T) {
	assert.True(t, StatusPending.IsActive())
	assert.True(t, StatusApproved.IsActive())
	assert.True(t, StatusApplied.IsActive())
	assert.False(t, StatusFailed.IsActive())
	assert.False(t, StatusRejected.IsActive())
	assert.ElementsMatch(t, []string{"pending", "approved", "applied"}, ActiveStatuses())
}

func TestTruncateError(t *testing.T) {
	short := "syntax error at or near \"INDX\""
	assert.Equal(t, short, TruncateError(short))

	long := strings.Repeat("é", MaxErrorMessageLength+20)
	truncated := TruncateError(long)
	assert.Len(t, []rune(truncated), MaxErrorMessageLength)
}

func TestApplyErrorUnwrap(t *testing.T) {
	err := error(&ApplyError{RecommendationID: "r1", Message: "boom"})
	assert.True(t, errors.Is(err, ErrApplyFailed))
	assert.Contains(t, err.Error(), "r1")

	var terr error = &TransitionError{RecommendationID: "r2", From: StatusApplied, To: StatusApproved}
	assert.True(t, errors.Is(terr, ErrInvalidTransition))
}

func TestComplexityScore(t *testing.T) {
	f := &ExtractedFeatureVector{JoinCount: 2, HasAggregation: 1, HasSubquery: 1, HasWindowFunction: 1, FilterPredicateCount: 3}
	assert.InDelta(t, 2*2+2+3+2+1.5, f.ComplexityScore(), 1e-9)

	var nilVec *ExtractedFeatureVector
	assert.Equal(t, 0.0, nilVec.ComplexityScore())
}
