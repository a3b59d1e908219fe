package graph

import (
	"context"
	"fmt"
	"log/slog"
)

// Progress is delivered to a ProgressSink.
//
// The engine sends one Progress with State set after every merge. Steps
// send free-text messages with Report; those carry no State.
type Progress struct {
	SessionID string
	Seq       int
	Step      string
	Message   string
	State     State
}

// ProgressSink observes a run. It is fire-and-forget: returned errors and
// panics are logged and never abort the run.
type ProgressSink func(ctx context.Context, p Progress) error

type progressKey struct{}

type stepInfoKey struct{}

// StepInfo identifies the step invocation a context belongs to.
type StepInfo struct {
	SessionID string
	Step      string
	Seq       int
}

type stepRuntime struct {
	info    StepInfo
	metrics *PrometheusMetrics
	logger  *slog.Logger
}

// WithProgress attaches a progress sink to ctx. Sinks are per run: pass
// the returned context to Run or Resume.
func WithProgress(ctx context.Context, sink ProgressSink) context.Context {
	return context.WithValue(ctx, progressKey{}, sink)
}

func progressFrom(ctx context.Context) ProgressSink {
	sink, _ := ctx.Value(progressKey{}).(ProgressSink)
	return sink
}

// StepInfoFrom returns the session and step a step context belongs to.
func StepInfoFrom(ctx context.Context) (StepInfo, bool) {
	rt, ok := ctx.Value(stepInfoKey{}).(*stepRuntime)
	if !ok {
		return StepInfo{}, false
	}
	return rt.info, true
}

func withStepRuntime(ctx context.Context, rt *stepRuntime) context.Context {
	return context.WithValue(ctx, stepInfoKey{}, rt)
}

// Report sends a progress message from inside a step. It is a no-op when
// no sink is attached.
func Report(ctx context.Context, msg string) {
	sink := progressFrom(ctx)
	if sink == nil {
		return
	}
	p := Progress{Message: msg}
	var logger *slog.Logger
	if rt, ok := ctx.Value(stepInfoKey{}).(*stepRuntime); ok {
		p.SessionID, p.Step, p.Seq = rt.info.SessionID, rt.info.Step, rt.info.Seq
		logger = rt.logger
	}
	notify(ctx, sink, p, logger)
}

func recordRetry(ctx context.Context, reason string) {
	if rt, ok := ctx.Value(stepInfoKey{}).(*stepRuntime); ok {
		rt.metrics.IncrementRetries(rt.info.Step, reason)
	}
}

// notify calls sink, swallowing errors and panics.
func notify(ctx context.Context, sink ProgressSink, p Progress, logger *slog.Logger) {
	if sink == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("progress sink panicked", "session", p.SessionID, "step", p.Step, "err", fmt.Sprint(r))
		}
	}()
	if err := sink(ctx, p); err != nil {
		logger.Warn("progress sink failed", "session", p.SessionID, "step", p.Step, "err", err)
	}
}
