package task

import "fmt"

// transitions is the status machine. Rerun re-entry from done and
// failed is gated separately; see CanTransition.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning},
	// Running may fall back to pending when a run is cancelled.
	StatusRunning:     {StatusDone, StatusFailed, StatusNeedsReview, StatusPending},
	StatusNeedsReview: {StatusRunning},
	StatusDone:        {StatusRunning},
	StatusFailed:      {StatusRunning},
}

// CanTransition reports whether from may move to to. Leaving done or
// failed is only allowed when rerun is set; needs_review re-enters
// running freely.
func CanTransition(from, to Status, rerun bool) bool {
	if (from == StatusDone || from == StatusFailed) && !rerun {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a status update falls outside
// the machine.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// TransitionParams carries optional context for a status change.
type TransitionParams struct {
	// Rerun permits leaving done or failed.
	Rerun bool
	// Reason is recorded in task metadata under "status_reason".
	Reason string
	// FailureCause is recorded under "failure_cause", e.g. "upstream:7".
	FailureCause string
	// Output replaces the stored task output when non-nil.
	Output *string
}

// TransitionOption customizes a status change.
type TransitionOption func(*TransitionParams)

// WithRerun marks the change as an explicit rerun.
func WithRerun() TransitionOption {
	return func(p *TransitionParams) { p.Rerun = true }
}

// WithReason records why the status changed.
func WithReason(reason string) TransitionOption {
	return func(p *TransitionParams) { p.Reason = reason }
}

// WithFailureCause records what made the task fail.
func WithFailureCause(cause string) TransitionOption {
	return func(p *TransitionParams) { p.FailureCause = cause }
}

// WithOutput stores the task output alongside the status change.
func WithOutput(output string) TransitionOption {
	return func(p *TransitionParams) { p.Output = &output }
}

// ApplyTransitionOptions folds opts into a TransitionParams.
func ApplyTransitionOptions(opts []TransitionOption) TransitionParams {
	var p TransitionParams
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	return p
}
