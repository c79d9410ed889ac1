package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  Status
		to    Status
		rerun bool
		want  bool
	}{
		{"pending starts running", StatusPending, StatusRunning, false, true},
		{"pending cannot finish directly", StatusPending, StatusDone, false, false},
		{"running completes", StatusRunning, StatusDone, false, true},
		{"running fails", StatusRunning, StatusFailed, false, true},
		{"running ends in review", StatusRunning, StatusNeedsReview, false, true},
		{"cancelled run resets to pending", StatusRunning, StatusPending, false, true},
		{"running cannot jump to running", StatusRunning, StatusRunning, false, false},
		{"needs_review re-enters running", StatusNeedsReview, StatusRunning, false, true},
		{"needs_review cannot complete directly", StatusNeedsReview, StatusDone, false, false},
		{"done stays done without rerun", StatusDone, StatusRunning, false, false},
		{"done reruns explicitly", StatusDone, StatusRunning, true, true},
		{"failed stays failed without rerun", StatusFailed, StatusRunning, false, false},
		{"failed reruns explicitly", StatusFailed, StatusRunning, true, true},
		{"rerun does not unlock arbitrary targets", StatusDone, StatusPending, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to, tt.rerun))
		})
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{From: StatusPending, To: StatusDone}
	assert.Equal(t, "invalid status transition pending -> done", err.Error())
}

func TestApplyTransitionOptions(t *testing.T) {
	p := ApplyTransitionOptions(nil)
	assert.False(t, p.Rerun)
	assert.Empty(t, p.Reason)
	assert.Nil(t, p.Output)

	p = ApplyTransitionOptions([]TransitionOption{
		WithRerun(),
		WithReason("operator request"),
		WithFailureCause("upstream:7"),
		WithOutput("partial result"),
		nil,
	})
	assert.True(t, p.Rerun)
	assert.Equal(t, "operator request", p.Reason)
	assert.Equal(t, "upstream:7", p.FailureCause)
	assert.Equal(t, "partial result", *p.Output)
}
