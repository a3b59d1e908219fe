package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/swegraph/graph/emit"
	"github.com/dshills/swegraph/graph/store"
)

// Outcome classifies a RunResult.
type Outcome int

const (
	// Suspended means the session awaits input through Resume.
	Suspended Outcome = iota + 1
	// Completed means a step returned Terminate.
	Completed
	// Failed means a fatal error stopped the run. The last persisted
	// checkpoint is the recovery point.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Suspended:
		return "suspended"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// RunResult is returned by Run and Resume.
type RunResult struct {
	SessionID string
	Outcome   Outcome

	// State is the latest persisted state.
	State State

	// Seq is the sequence number of the latest persisted checkpoint.
	Seq int

	// Interrupt is set for Suspended results.
	Interrupt *InterruptRecord

	// Err is set for Failed results.
	Err error
}

// Engine runs sessions of a workflow graph.
//
// The Engine:
//   - Holds the Step Registry (Add) and entry step (StartAt)
//   - Merges step updates through the Schema
//   - Resolves the next step through directives and the Router
//   - Appends a checkpoint after every step
//   - Suspends on Interrupt and continues on Resume
//   - Routes step failures through the RecoveryPolicy
//
// Sessions run concurrently; steps within a session are serialised by
// the Locker. The engine never deletes sessions.
//
// Example:
//
//	schema, _ := graph.NewSchema(graph.Field{Name: "logs", Policy: graph.Append})
//	engine, _ := graph.New(schema, store.NewMemStore(), emit.NewNullEmitter())
//	_ = engine.Add("collect", collectStep)
//	_ = engine.Add("finish", finishStep)
//	_ = engine.StartAt("collect")
//
//	id, _ := engine.Start(ctx, graph.State{})
//	res, _ := engine.Run(ctx, id, nil)
//	if res.Outcome == graph.Suspended {
//	    res, _ = engine.Resume(ctx, id, "yes")
//	}
type Engine struct {
	mu    sync.RWMutex
	steps map[string]Step
	entry string

	schema  *Schema
	store   store.Store
	emitter emit.Emitter

	router      *Router
	recovery    RecoveryPolicy
	metrics     *PrometheusMetrics
	logger      *slog.Logger
	locker      Locker
	maxSteps    int
	stepTimeout time.Duration
	newID       func() string

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// New creates an Engine.
//
// Parameters:
//   - schema: field merge policies (nil means every field uses Replace)
//   - st: checkpoint store (required)
//   - emitter: telemetry sink (nil discards events)
//   - opts: functional options
func New(schema *Schema, st store.Store, emitter emit.Emitter, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, &EngineError{Code: "MISSING_STORE", Message: "checkpoint store is required"}
	}
	cfg := engineConfig{maxSteps: DefaultMaxSteps}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if schema == nil {
		schema = &Schema{policies: map[string]MergePolicy{}}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.locker == nil {
		cfg.locker = NewSessionLocks()
	}
	if cfg.sessionIDGen == nil {
		cfg.sessionIDGen = uuid.NewString
	}

	return &Engine{
		steps:       make(map[string]Step),
		entry:       cfg.entryStep,
		schema:      schema,
		store:       st,
		emitter:     emitter,
		router:      cfg.router,
		recovery:    cfg.recovery,
		metrics:     cfg.metrics,
		logger:      cfg.logger,
		locker:      cfg.locker,
		maxSteps:    cfg.maxSteps,
		stepTimeout: cfg.stepTimeout,
		newID:       cfg.sessionIDGen,
		cancels:     make(map[string]context.CancelFunc),
	}, nil
}

// Add registers a step under name.
//
// Returns error if name is empty, step is nil, or name is already taken.
func (e *Engine) Add(name string, step Step) error {
	if name == "" {
		return &EngineError{Code: "INVALID_STEP", Message: "step name cannot be empty"}
	}
	if step == nil {
		return &EngineError{Code: "INVALID_STEP", Message: "step cannot be nil"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.steps[name]; exists {
		return &EngineError{Code: "DUPLICATE_STEP", Message: "duplicate step: " + name}
	}
	e.steps[name] = step
	return nil
}

// StartAt sets the entry step for new sessions. The step must be registered.
func (e *Engine) StartAt(name string) error {
	if name == "" {
		return &EngineError{Code: "INVALID_STEP", Message: "entry step cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.steps[name]; !exists {
		return &EngineError{Code: "STEP_NOT_FOUND", Message: "entry step does not exist: " + name}
	}
	e.entry = name
	return nil
}

// Steps returns the registered step names, sorted.
func (e *Engine) Steps() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.steps))
	for name := range e.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that the graph is wired: the entry step, every router
// target and the review step of a ReviewPolicy are registered.
func (e *Engine) Validate() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.entry == "" {
		return ErrNoEntryStep
	}
	if _, ok := e.steps[e.entry]; !ok {
		return &UnknownStepError{Step: e.entry}
	}
	if e.router != nil {
		for _, name := range e.router.Steps() {
			if _, ok := e.steps[name]; !ok {
				return &EngineError{Code: "INVALID_ROUTER", Message: "router targets unregistered step: " + name}
			}
		}
	}
	if rp, ok := e.recovery.(ReviewPolicy); ok && rp.ReviewStep != "" {
		if _, ok := e.steps[rp.ReviewStep]; !ok {
			return &EngineError{Code: "INVALID_RECOVERY", Message: "review step is not registered: " + rp.ReviewStep}
		}
	}
	return nil
}

func (e *Engine) lookup(name string) (Step, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.steps[name]
	return s, ok
}

// Start creates a session at checkpoint 0 with initial state and returns
// its id. No step runs until Run is called.
func (e *Engine) Start(ctx context.Context, initial State) (string, error) {
	id := e.newID()
	unlock, err := e.locker.Lock(ctx, id)
	if err != nil {
		return "", fmt.Errorf("lock session %s: %w", id, err)
	}
	defer unlock()

	if _, err := e.create(ctx, id, initial); err != nil {
		return "", err
	}
	return id, nil
}

// create appends checkpoint 0 for a new session.
func (e *Engine) create(ctx context.Context, sessionID string, initial State) (store.Checkpoint, error) {
	e.mu.RLock()
	entry := e.entry
	e.mu.RUnlock()
	if entry == "" {
		return store.Checkpoint{}, ErrNoEntryStep
	}

	state, err := initial.Clone()
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("initial state: %w", err)
	}
	cp := store.Checkpoint{
		SessionID: sessionID,
		Seq:       0,
		State:     state,
		Step:      entry,
		Status:    store.StatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.Append(context.WithoutCancel(ctx), cp); err != nil {
		e.metrics.IncrementCheckpoints(false)
		return store.Checkpoint{}, &CheckpointStoreError{SessionID: sessionID, Op: "append", Seq: 0, Cause: err}
	}
	e.metrics.IncrementCheckpoints(true)
	e.emit(emit.Event{SessionID: sessionID, Step: entry, Msg: emit.MsgSessionStarted})
	return cp, nil
}

// Run executes a session until it suspends, completes or fails.
//
// If the session has no checkpoint, one is created from initial at the
// entry step. A completed session returns Completed without running a
// step; a suspended session returns Suspended without running a step.
//
// Failed results are also returned as the error. Errors that produce no
// result (no entry step, lock acquisition) return a zero RunResult.
func (e *Engine) Run(ctx context.Context, sessionID string, initial State) (RunResult, error) {
	if sessionID == "" {
		return RunResult{}, &EngineError{Code: "INVALID_SESSION", Message: "session id cannot be empty"}
	}
	unlock, err := e.locker.Lock(ctx, sessionID)
	if err != nil {
		return RunResult{}, fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	defer unlock()

	cp, err := e.store.Latest(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		cp, err = e.create(ctx, sessionID, initial)
		if errors.Is(err, ErrNoEntryStep) {
			return RunResult{}, err
		}
		if err != nil {
			return e.finish(e.failed(sessionID, -1, nil, err))
		}
	case err != nil:
		return e.finish(e.failed(sessionID, -1, nil, &CheckpointStoreError{SessionID: sessionID, Op: "latest", Seq: -1, Cause: err}))
	}

	switch cp.Status {
	case store.StatusCompleted:
		return RunResult{SessionID: sessionID, Outcome: Completed, State: cp.State, Seq: cp.Seq}, nil
	case store.StatusAwaitingInput:
		return suspendedResult(cp), nil
	}

	return e.finish(e.execute(ctx, cp))
}

// Resume delivers value to the step that interrupted a suspended session
// and continues the run.
//
// The value is exposed to that step through ResumeValue and is removed
// from state once the step's update has been merged, so it is delivered
// exactly once. Resume fails with *InvalidResumeStateError when the
// session is not awaiting input; nothing is written in that case.
func (e *Engine) Resume(ctx context.Context, sessionID string, value any) (RunResult, error) {
	unlock, err := e.locker.Lock(ctx, sessionID)
	if err != nil {
		return RunResult{}, fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	defer unlock()

	cp, err := e.store.Latest(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return RunResult{}, &InvalidResumeStateError{SessionID: sessionID}
	}
	if err != nil {
		return e.finish(e.failed(sessionID, -1, nil, &CheckpointStoreError{SessionID: sessionID, Op: "latest", Seq: -1, Cause: err}))
	}
	if cp.Status != store.StatusAwaitingInput {
		return RunResult{}, &InvalidResumeStateError{SessionID: sessionID, Status: string(cp.Status)}
	}

	state := State(cp.State).With(State{FieldResume: value})
	if rec, ok := InterruptFrom(state); ok {
		rec.Awaiting = false
		state[FieldInterrupt] = rec.toState()
	}
	state, err = state.Clone()
	if err != nil {
		return RunResult{}, fmt.Errorf("resume value: %w", err)
	}

	e.emit(emit.Event{SessionID: sessionID, Seq: cp.Seq, Step: cp.Step, Msg: emit.MsgSessionResumed})
	cp.State = state
	cp.Status = store.StatusRunning
	return e.finish(e.execute(ctx, cp))
}

// Status returns the latest checkpoint of a session.
func (e *Engine) Status(ctx context.Context, sessionID string) (store.Checkpoint, error) {
	cp, err := e.store.Latest(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Checkpoint{}, ErrSessionNotFound
	}
	if err != nil {
		return store.Checkpoint{}, &CheckpointStoreError{SessionID: sessionID, Op: "latest", Seq: -1, Cause: err}
	}
	return cp, nil
}

// History returns a session's checkpoints, oldest first.
func (e *Engine) History(ctx context.Context, sessionID string) ([]store.Checkpoint, error) {
	cps, err := e.store.History(ctx, sessionID)
	if err != nil {
		return nil, &CheckpointStoreError{SessionID: sessionID, Op: "history", Seq: -1, Cause: err}
	}
	if len(cps) == 0 {
		return nil, ErrSessionNotFound
	}
	return cps, nil
}

// Cancel stops an in-flight run of sessionID at the next step boundary.
// The running step sees its context cancelled. Reports whether a run was
// in flight.
func (e *Engine) Cancel(sessionID string) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	cancel, ok := e.cancels[sessionID]
	if ok {
		cancel()
	}
	return ok
}

func (e *Engine) trackCancel(sessionID string, cancel context.CancelFunc) func() {
	e.cancelMu.Lock()
	e.cancels[sessionID] = cancel
	e.cancelMu.Unlock()
	return func() {
		e.cancelMu.Lock()
		delete(e.cancels, sessionID)
		e.cancelMu.Unlock()
	}
}

// execute is the step loop. The caller holds the session lock and cp is
// the checkpoint to continue from: Step is the next step to run.
func (e *Engine) execute(ctx context.Context, cp store.Checkpoint) RunResult {
	sessionID := cp.SessionID
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer e.trackCancel(sessionID, cancel)()

	e.metrics.AddActiveSessions(1)
	defer e.metrics.AddActiveSessions(-1)

	// Checkpoints are written even if the caller's context is cancelled
	// after the step returned.
	commitCtx := context.WithoutCancel(ctx)
	sink := progressFrom(ctx)

	state := State(cp.State)
	current := cp.Step
	seq := cp.Seq
	log := e.logger.With("session", sessionID)

	for executed := 0; ; executed++ {
		if e.maxSteps > 0 && executed >= e.maxSteps {
			return e.failed(sessionID, seq, state, fmt.Errorf("%w (%d)", ErrMaxStepsExceeded, e.maxSteps))
		}
		if err := runCtx.Err(); err != nil {
			return e.failed(sessionID, seq, state, err)
		}

		step, ok := e.lookup(current)
		if !ok {
			return e.failed(sessionID, seq, state, &UnknownStepError{Step: current})
		}

		_, resumed := state[FieldResume]
		rt := &stepRuntime{
			info:    StepInfo{SessionID: sessionID, Step: current, Seq: seq},
			metrics: e.metrics,
			logger:  log,
		}
		start := time.Now()
		res, latencyStatus := e.invoke(withStepRuntime(runCtx, rt), step, state)
		latency := time.Since(start)
		e.metrics.RecordStepLatency(current, latency, latencyStatus)

		update, directive := res.Update, res.Next
		if res.Err != nil {
			if err := runCtx.Err(); err != nil {
				// Cancelled mid-step: nothing is committed.
				return e.failed(sessionID, seq, state, err)
			}
			stepErr := &StepExecutionError{Step: current, Cause: res.Err}
			log.Warn("step failed", "step", current, "seq", seq, "err", res.Err)
			e.emit(emit.Event{
				SessionID: sessionID, Seq: seq, Step: current, Msg: emit.MsgStepFailed,
				Meta: map[string]any{"error": res.Err.Error(), "latency_ms": latency.Milliseconds()},
			})
			if e.recovery == nil {
				return e.failed(sessionID, seq, state, stepErr)
			}
			recovered := e.recovery.Handle(stepErr, state, current)
			if recovered.Err != nil {
				return e.failed(sessionID, seq, state, recovered.Err)
			}
			update, directive = recovered.Update, recovered.Next
		}

		merged, err := e.schema.Merge(state, update)
		if err != nil {
			return e.failed(sessionID, seq, state, err)
		}
		if resumed {
			delete(merged, FieldResume)
		}

		next := ""
		status := store.StatusRunning
		switch directive.Kind {
		case KindTerminate:
			status = store.StatusCompleted
		case KindInterrupt:
			rec := InterruptRecord{RequestingStep: current, Payload: directive.Payload, Awaiting: true}
			merged[FieldInterrupt] = rec.toState()
			next, status = current, store.StatusAwaitingInput
		default:
			next = e.resolve(directive, merged)
			if next == "" {
				return e.failed(sessionID, seq, state, &UnknownStepError{})
			}
		}

		normalized, err := merged.Clone()
		if err != nil {
			return e.failed(sessionID, seq, state, fmt.Errorf("step %s produced unserializable state: %w", current, err))
		}

		checkpoint := store.Checkpoint{
			SessionID: sessionID,
			Seq:       seq + 1,
			State:     normalized,
			Step:      next,
			Status:    status,
			CreatedAt: time.Now().UTC(),
		}
		if err := e.store.Append(commitCtx, checkpoint); err != nil {
			e.metrics.IncrementCheckpoints(false)
			return e.failed(sessionID, seq, state, &CheckpointStoreError{SessionID: sessionID, Op: "append", Seq: seq + 1, Cause: err})
		}
		e.metrics.IncrementCheckpoints(true)
		e.metrics.IncrementSteps(current, directive.Kind)

		seq++
		state = normalized
		log.Debug("step committed", "step", current, "seq", seq, "next", next, "directive", directive.Kind.String())
		e.emit(emit.Event{
			SessionID: sessionID, Seq: seq, Step: current, Msg: emit.MsgStepCompleted,
			Meta: map[string]any{"directive": directive.Kind.String(), "next": next, "latency_ms": latency.Milliseconds()},
		})
		if sink != nil {
			if snapshot, err := state.Clone(); err == nil {
				notify(runCtx, sink, Progress{SessionID: sessionID, Seq: seq, Step: current, State: snapshot}, log)
			}
		}

		switch status {
		case store.StatusCompleted:
			return RunResult{SessionID: sessionID, Outcome: Completed, State: state, Seq: seq}
		case store.StatusAwaitingInput:
			e.metrics.IncrementInterrupts(current)
			return suspendedResult(checkpoint)
		}
		current = next
	}
}

// invoke runs one step on a private copy of state, converting panics into
// step errors. status is the latency label.
func (e *Engine) invoke(ctx context.Context, step Step, state State) (res StepResult, status string) {
	defer func() {
		if r := recover(); r != nil {
			res = StepResult{Err: fmt.Errorf("step panicked: %v", r)}
			status = "panic"
		}
	}()

	view, err := state.Clone()
	if err != nil {
		view = state
	}
	res = runWithTimeout(ctx, step, view, e.stepTimeout)
	switch {
	case res.Err == nil:
		status = "success"
	case errors.Is(res.Err, ErrStepTimeout):
		status = "timeout"
	default:
		status = "error"
	}
	return res, status
}

func (e *Engine) resolve(d Directive, state State) string {
	if d.Kind == KindContinue && d.Step != "" {
		return d.Step
	}
	if e.router == nil {
		return ""
	}
	return e.router.Resolve(d, state)
}

func (e *Engine) failed(sessionID string, seq int, state State, err error) RunResult {
	return RunResult{SessionID: sessionID, Outcome: Failed, State: state, Seq: seq, Err: err}
}

// finish records the result and converts Failed into an error return.
func (e *Engine) finish(res RunResult) (RunResult, error) {
	e.metrics.IncrementRuns(res.Outcome)
	switch res.Outcome {
	case Completed:
		e.emit(emit.Event{SessionID: res.SessionID, Seq: res.Seq, Msg: emit.MsgSessionCompleted})
	case Suspended:
		e.emit(emit.Event{
			SessionID: res.SessionID, Seq: res.Seq, Step: res.Interrupt.RequestingStep,
			Msg: emit.MsgSessionSuspended,
		})
	case Failed:
		e.logger.Error("session failed", "session", res.SessionID, "seq", res.Seq, "err", res.Err)
		e.emit(emit.Event{
			SessionID: res.SessionID, Seq: res.Seq, Msg: emit.MsgSessionFailed,
			Meta: map[string]any{"error": res.Err.Error()},
		})
		return res, res.Err
	}
	return res, nil
}

// emit forwards to the emitter, recovering panics.
func (e *Engine) emit(ev emit.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("emitter panicked", "session", ev.SessionID, "err", fmt.Sprint(r))
		}
	}()
	e.emitter.Emit(ev)
}

func suspendedResult(cp store.Checkpoint) RunResult {
	state := State(cp.State)
	rec, ok := InterruptFrom(state)
	if !ok {
		rec = InterruptRecord{RequestingStep: cp.Step, Awaiting: true}
	}
	return RunResult{SessionID: cp.SessionID, Outcome: Suspended, State: state, Seq: cp.Seq, Interrupt: &rec}
}
