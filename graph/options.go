package graph

import (
	"log/slog"
	"time"
)

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := graph.New(schema, st, emitter,
//	    graph.WithMaxSteps(200),
//	    graph.WithRouter(router),
//	    graph.WithRecoveryPolicy(graph.ReviewPolicy{ReviewStep: "review"}),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	maxSteps     int
	stepTimeout  time.Duration
	router       *Router
	recovery     RecoveryPolicy
	metrics      *PrometheusMetrics
	logger       *slog.Logger
	locker       Locker
	entryStep    string
	sessionIDGen func() string
}

// DefaultMaxSteps bounds the steps a single Run or Resume call executes.
const DefaultMaxSteps = 100

// WithMaxSteps limits the number of steps one Run or Resume call may
// execute before failing with ErrMaxStepsExceeded. Loops between steps
// are legal; this guards against a loop with no exit. Zero disables the
// limit.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{Code: "INVALID_OPTION", Message: "MaxSteps cannot be negative"}
		}
		cfg.maxSteps = n
		return nil
	}
}

// WithDefaultStepTimeout applies a timeout to every step invocation.
// Per-step timeouts are added with the WithTimeout wrapper instead.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return &EngineError{Code: "INVALID_OPTION", Message: "step timeout cannot be negative"}
		}
		cfg.stepTimeout = d
		return nil
	}
}

// WithRouter sets the keyword router used when a step returns a Route
// directive.
func WithRouter(r *Router) Option {
	return func(cfg *engineConfig) error {
		cfg.router = r
		return nil
	}
}

// WithRecoveryPolicy sets how step failures are turned into transitions.
// Without a policy every StepExecutionError fails the run.
func WithRecoveryPolicy(p RecoveryPolicy) Option {
	return func(cfg *engineConfig) error {
		cfg.recovery = p
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = m
		return nil
	}
}

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		cfg.logger = l
		return nil
	}
}

// WithLocker replaces the in-process session lock, e.g. with a
// distributed lock when several processes share one checkpoint store.
func WithLocker(l Locker) Option {
	return func(cfg *engineConfig) error {
		cfg.locker = l
		return nil
	}
}

// WithEntryStep sets the step new sessions start at. Equivalent to StartAt.
func WithEntryStep(step string) Option {
	return func(cfg *engineConfig) error {
		cfg.entryStep = step
		return nil
	}
}

// WithSessionIDGenerator overrides the UUID generator used by Start.
func WithSessionIDGenerator(gen func() string) Option {
	return func(cfg *engineConfig) error {
		cfg.sessionIDGen = gen
		return nil
	}
}
