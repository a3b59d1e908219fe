package graph

import "context"

// Step is a named unit of work in the workflow graph.
//
// A step receives a read-only view of the session State and returns the
// fields it changes plus a Directive telling the engine what to do next.
// Steps must not mutate the State they are given; the engine merges the
// returned Update according to the Schema.
//
// Steps may block on I/O (for example a call to a generation service).
// They should observe ctx and return promptly once it is cancelled.
type Step interface {
	Run(ctx context.Context, state State) StepResult
}

// StepResult is the output of one step invocation.
//
//   - Update: partial state update, merged via the Schema
//   - Next: routing directive; the zero value defers to the Router
//   - Err: step failure, handed to the RecoveryPolicy
type StepResult struct {
	Update State
	Next   Directive
	Err    error
}

// StepFunc is a function adapter that implements the Step interface.
//
// Example:
//
//	collect := graph.StepFunc(func(ctx context.Context, s graph.State) graph.StepResult {
//	    return graph.StepResult{
//	        Update: graph.State{"count": 1},
//	        Next:   graph.Interrupt(map[string]any{"ask": "approve?"}),
//	    }
//	})
type StepFunc func(ctx context.Context, state State) StepResult

// Run implements Step.
func (f StepFunc) Run(ctx context.Context, state State) StepResult {
	return f(ctx, state)
}

// DirectiveKind discriminates the Directive union.
type DirectiveKind int

const (
	// KindRoute defers the choice of next step to the Router. It is the
	// zero value, so a StepResult without Next is routed by hint.
	KindRoute DirectiveKind = iota

	// KindContinue moves to an explicitly named step.
	KindContinue

	// KindInterrupt suspends the session awaiting external input.
	KindInterrupt

	// KindTerminate completes the session.
	KindTerminate
)

func (k DirectiveKind) String() string {
	switch k {
	case KindRoute:
		return "route"
	case KindContinue:
		return "continue"
	case KindInterrupt:
		return "interrupt"
	case KindTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Directive is a step's control instruction to the engine.
type Directive struct {
	Kind DirectiveKind

	// Step is the target of a KindContinue directive.
	Step string

	// Payload is offered to the external actor by a KindInterrupt directive.
	Payload any
}

// Continue returns a directive that moves to step.
func Continue(step string) Directive {
	return Directive{Kind: KindContinue, Step: step}
}

// Interrupt returns a directive that suspends the session with payload.
// The interrupting step is invoked again once a resume value arrives.
func Interrupt(payload any) Directive {
	return Directive{Kind: KindInterrupt, Payload: payload}
}

// Terminate returns a directive that completes the session.
func Terminate() Directive {
	return Directive{Kind: KindTerminate}
}

// Route returns the directive that lets the Router pick the next step
// from the state's hint field.
func Route() Directive {
	return Directive{}
}
