package swe

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/swegraph/graph"
	"github.com/dshills/swegraph/graph/emit"
	"github.com/dshills/swegraph/graph/model"
	"github.com/dshills/swegraph/graph/store"
)

// Workflow holds the dependencies of the project generation steps.
//
// Usage:
//
//	wf := swe.New(anthropic.NewChatModel(key, ""), swe.NewArtifactStore("out"))
//	engine, err := wf.NewEngine(store.NewMemStore(), emit.NewLogEmitter(os.Stderr, false))
//	res, err := engine.Run(ctx, "session-1", swe.InitialState("Build a todo CLI in Go", ""))
//	// res.Outcome == graph.Suspended: show res.Interrupt.Payload to a reviewer
//	res, err = engine.Resume(ctx, "session-1", map[string]any{"name": "documentation"})
type Workflow struct {
	model     model.ChatModel
	artifacts *ArtifactStore
	logger    *slog.Logger
	now       func() time.Time
	retry     graph.RetryPolicy
	timeout   time.Duration
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the logger used by the steps.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClock overrides the time source for log entries and review requests.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// WithRetryPolicy sets the retry policy of the generation steps. The
// default retries transient provider errors three times.
func WithRetryPolicy(p graph.RetryPolicy) Option {
	return func(w *Workflow) { w.retry = p }
}

// WithGenerationTimeout bounds each attempt of a generation step.
func WithGenerationTimeout(d time.Duration) Option {
	return func(w *Workflow) { w.timeout = d }
}

// New creates a Workflow.
func New(m model.ChatModel, artifacts *ArtifactStore, opts ...Option) *Workflow {
	if artifacts == nil {
		artifacts = NewArtifactStore("")
	}
	w := &Workflow{
		model:     m,
		artifacts: artifacts,
		logger:    slog.Default(),
		now:       time.Now,
		retry: graph.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
			Retryable:   model.IsTransient,
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Recovery routes failed steps to process_feedback_node with an "error"
// review request naming the failing step.
func Recovery() graph.ReviewPolicy {
	return graph.ReviewPolicy{ReviewStep: StepProcessFeedback}
}

// Options returns the engine options the workflow depends on.
func (w *Workflow) Options() []graph.Option {
	return []graph.Option{
		graph.WithRouter(Router()),
		graph.WithRecoveryPolicy(Recovery()),
		graph.WithLogger(w.logger),
	}
}

// Register adds the workflow steps to e and sets generate_path as entry.
func (w *Workflow) Register(e *graph.Engine) error {
	steps := []struct {
		name       string
		fn         graph.StepFunc
		generation bool
	}{
		{StepGeneratePath, w.generatePath, false},
		{StepAnalyze, w.analyzeRequest, true},
		{StepPlanner, w.planner, true},
		{StepCreateModule, w.createModule, false},
		{StepCodeModule, w.codeModule, true},
		{StepRespond, w.respond, true},
		{StepReflect, w.reflect, true},
		{StepProcessFeedback, w.processFeedback, false},
		{StepClearState, w.clearState, false},
	}
	for _, s := range steps {
		var step graph.Step = s.fn
		if s.generation {
			step = graph.WithRetry(graph.WithTimeout(step, w.timeout), w.retry)
		}
		if err := e.Add(s.name, step); err != nil {
			return fmt.Errorf("register %s: %w", s.name, err)
		}
	}
	return e.StartAt(StepGeneratePath)
}

// NewEngine builds an engine running the workflow. Extra options are
// applied after the workflow's own.
func (w *Workflow) NewEngine(st store.Store, emitter emit.Emitter, opts ...graph.Option) (*graph.Engine, error) {
	all := append(w.Options(), opts...)
	e, err := graph.New(Schema(), st, emitter, all...)
	if err != nil {
		return nil, err
	}
	if err := w.Register(e); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
