package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStepTimeout is wrapped by the error a timed-out step returns.
var ErrStepTimeout = errors.New("step timed out")

// WithTimeout wraps step so that each invocation runs under a deadline of d.
// If the deadline passes, the step's result is replaced by an error
// wrapping ErrStepTimeout, which the recovery policy then routes.
//
// Cancellation is cooperative: the wrapper waits for the step to return.
func WithTimeout(step Step, d time.Duration) Step {
	if d <= 0 {
		return step
	}
	return StepFunc(func(ctx context.Context, state State) StepResult {
		return runWithTimeout(ctx, step, state, d)
	})
}

// runWithTimeout executes step under a deadline of d. Engine-wide default
// timeouts use the same path.
func runWithTimeout(ctx context.Context, step Step, state State, d time.Duration) StepResult {
	if d <= 0 {
		return step.Run(ctx, state)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	result := step.Run(timeoutCtx, state)

	// A parent cancellation is not a timeout.
	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return StepResult{Err: fmt.Errorf("%w after %v", ErrStepTimeout, d)}
	}
	return result
}
