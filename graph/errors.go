// Package graph provides the resumable, checkpointed workflow engine.
package graph

import (
	"errors"
	"fmt"
)

// ErrMaxStepsExceeded indicates that a single Run or Resume call executed
// the maximum allowed number of steps without suspending or completing.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrNoEntryStep is returned when Run creates a session before StartAt was called.
var ErrNoEntryStep = errors.New("entry step not configured")

// ErrSessionNotFound is returned by Status and History for unknown sessions.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// EngineError reports a graph-construction mistake such as a duplicate
// step name or an invalid router table.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// StepExecutionError wraps a failure raised inside a step. It is the only
// recoverable error: the RecoveryPolicy turns it into a routed transition.
type StepExecutionError struct {
	Step  string
	Cause error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Cause)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}

// UnknownStepError is returned when the current step name is not
// registered. It indicates a misconfigured graph and is never routed.
type UnknownStepError struct {
	Step string
}

func (e *UnknownStepError) Error() string {
	if e.Step == "" {
		return "unknown step: no next step resolved"
	}
	return fmt.Sprintf("unknown step %q", e.Step)
}

// TypeMismatchError reports an update that violates a field's merge policy.
type TypeMismatchError struct {
	Field  string
	Policy MergePolicy
	// Side is "update" or "current".
	Side string
	Got  string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("field %q (%s): %s value has type %s", e.Field, e.Policy, e.Side, e.Got)
}

// InvalidResumeStateError is returned by Resume when the session is not
// awaiting input. The session's checkpoints are left untouched.
type InvalidResumeStateError struct {
	SessionID string
	Status    string
}

func (e *InvalidResumeStateError) Error() string {
	if e.Status == "" {
		return fmt.Sprintf("session %s cannot be resumed: no checkpoint", e.SessionID)
	}
	return fmt.Sprintf("session %s cannot be resumed: status is %s", e.SessionID, e.Status)
}

// CheckpointStoreError wraps a failed checkpoint read or write. The step
// being committed is discarded; the last persisted checkpoint remains the
// recovery point.
type CheckpointStoreError struct {
	SessionID string
	Op        string
	Seq       int
	Cause     error
}

func (e *CheckpointStoreError) Error() string {
	return fmt.Sprintf("checkpoint %s for session %s (seq %d): %v", e.Op, e.SessionID, e.Seq, e.Cause)
}

func (e *CheckpointStoreError) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether err aborts a run rather than being routed by
// the recovery policy.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var stepErr *StepExecutionError
	return !errors.As(err, &stepErr)
}
