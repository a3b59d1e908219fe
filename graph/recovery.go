package graph

import "fmt"

// RecoveryPolicy converts a step failure into a routed transition.
//
// Handle receives the failure, the state the step saw and the failing
// step name. It returns the update to merge and the directive to follow.
// Returning a StepResult with Err set fails the run with that error.
type RecoveryPolicy interface {
	Handle(err *StepExecutionError, state State, step string) StepResult
}

// RecoveryFunc is a function adapter for RecoveryPolicy.
type RecoveryFunc func(err *StepExecutionError, state State, step string) StepResult

// Handle implements RecoveryPolicy.
func (f RecoveryFunc) Handle(err *StepExecutionError, state State, step string) StepResult {
	return f(err, state, step)
}

// Default field names written by ReviewPolicy.
const (
	FieldError         = "error"
	FieldReviewRequest = "review_request"
)

// DefaultErrorMaxLen is the truncation length for captured error messages.
const DefaultErrorMaxLen = 500

// ReviewPolicy is the default recovery policy. It stores a truncated error
// message and a structured review request in state, then continues to
// ReviewStep instead of failing the run.
//
// The review request has the shape:
//
//	{"name": "error", "title": <step>, "step": <step>,
//	 "description": "An error occurred in <step>: <message>", "approved": false}
type ReviewPolicy struct {
	// ReviewStep receives control after a failure. Required.
	ReviewStep string

	// ErrorField defaults to FieldError.
	ErrorField string

	// ReviewField defaults to FieldReviewRequest.
	ReviewField string

	// MaxLen defaults to DefaultErrorMaxLen.
	MaxLen int
}

// Handle implements RecoveryPolicy.
func (p ReviewPolicy) Handle(err *StepExecutionError, _ State, step string) StepResult {
	if p.ReviewStep == "" {
		return StepResult{Err: err}
	}
	errField := p.ErrorField
	if errField == "" {
		errField = FieldError
	}
	reviewField := p.ReviewField
	if reviewField == "" {
		reviewField = FieldReviewRequest
	}
	maxLen := p.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultErrorMaxLen
	}

	cause := err.Error()
	if err.Cause != nil {
		cause = err.Cause.Error()
	}
	msg := Truncate(cause, maxLen)
	return StepResult{
		Update: State{
			errField: msg,
			reviewField: map[string]any{
				"name":        "error",
				"title":       step,
				"step":        step,
				"description": fmt.Sprintf("An error occurred in %s: %s", step, msg),
				"approved":    false,
			},
		},
		Next: Continue(p.ReviewStep),
	}
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
