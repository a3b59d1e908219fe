package graph

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy bounds automatic retries of a failing step.
//
// Retry is never performed by the engine loop itself; wrap a step with
// WithRetry to opt in.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of executions, including the first.
	// Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	// The actual delay is min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay caps the exponential component. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth another attempt.
	// If nil, every error except context cancellation is retried.
	Retryable func(error) bool
}

// Validate checks the policy:
//   - MaxAttempts must be >= 1
//   - MaxDelay, when set, must be >= BaseDelay
func (rp RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return fmt.Errorf("%w: MaxAttempts must be >= 1", ErrInvalidRetryPolicy)
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return fmt.Errorf("%w: delays cannot be negative", ErrInvalidRetryPolicy)
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return fmt.Errorf("%w: MaxDelay must be >= BaseDelay", ErrInvalidRetryPolicy)
	}
	return nil
}

func (rp RetryPolicy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if rp.Retryable == nil {
		return true
	}
	return rp.Retryable(err)
}

// WithRetry wraps step so that a failed result is retried according to
// policy. Each attempt sees the same input state. Waiting between attempts
// honours ctx; a cancelled context returns the last failure.
//
// Example:
//
//	engine.Add("code_module", graph.WithRetry(codeStep, graph.RetryPolicy{
//	    MaxAttempts: 3,
//	    BaseDelay:   time.Second,
//	    MaxDelay:    10 * time.Second,
//	}))
func WithRetry(step Step, policy RetryPolicy) Step {
	return StepFunc(func(ctx context.Context, state State) StepResult {
		if err := policy.Validate(); err != nil {
			return StepResult{Err: err}
		}
		var res StepResult
		for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
			res = step.Run(ctx, state)
			if res.Err == nil {
				return res
			}
			if attempt == policy.MaxAttempts-1 || !policy.retryable(res.Err) {
				break
			}

			reason := "error"
			if errors.Is(res.Err, context.DeadlineExceeded) {
				reason = "timeout"
			}
			recordRetry(ctx, reason)
			Report(ctx, fmt.Sprintf("attempt %d failed, retrying: %s", attempt+1, Truncate(res.Err.Error(), 80)))

			timer := time.NewTimer(computeBackoff(attempt, policy.BaseDelay, policy.MaxDelay, nil))
			select {
			case <-ctx.Done():
				timer.Stop()
				return res
			case <-timer.C:
			}
		}
		return res
	})
}

// computeBackoff calculates the delay before retry number attempt
// (0 = first retry):
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// Example delays with base=1s, maxDelay=30s:
//   - attempt 0: 1-2s
//   - attempt 1: 2-3s
//   - attempt 2: 4-5s
//   - attempt 10: 30-31s (capped)
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	exponentialDelay := base * (1 << attempt)
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}

	return exponentialDelay + jitter
}
