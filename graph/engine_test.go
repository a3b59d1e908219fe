package graph

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/swegraph/graph/emit"
	"github.com/dshills/swegraph/graph/store"
)

type testHarness struct {
	engine  *Engine
	store   *store.MemStore
	emitter *emit.BufferedEmitter
}

func newHarness(t *testing.T, schema *Schema, opts ...Option) *testHarness {
	t.Helper()
	st := store.NewMemStore()
	em := emit.NewBufferedEmitter()
	e, err := New(schema, st, em, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testHarness{engine: e, store: st, emitter: em}
}

func (h *testHarness) add(t *testing.T, name string, fn StepFunc) {
	t.Helper()
	if err := h.engine.Add(name, fn); err != nil {
		t.Fatalf("Add(%s): %v", name, err)
	}
}

// collectFinish wires the approve-then-finish graph.
func collectFinish(t *testing.T, h *testHarness) *atomic.Int32 {
	t.Helper()
	var collectCalls atomic.Int32
	h.add(t, "collect", func(ctx context.Context, s State) StepResult {
		collectCalls.Add(1)
		if v, ok := ResumeValue(s); ok {
			return StepResult{
				Update: ClearInterrupt().With(State{"answer": v}),
				Next:   Continue("finish"),
			}
		}
		return StepResult{
			Update: State{"count": 1},
			Next:   Interrupt(map[string]any{"ask": "approve?"}),
		}
	})
	h.add(t, "finish", func(ctx context.Context, s State) StepResult {
		return StepResult{Update: State{"done": true}, Next: Terminate()}
	})
	if err := h.engine.StartAt("collect"); err != nil {
		t.Fatal(err)
	}
	return &collectCalls
}

func TestEngine_New(t *testing.T) {
	t.Run("nil store rejected", func(t *testing.T) {
		_, err := New(nil, nil, nil)
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "MISSING_STORE" {
			t.Fatalf("expected MISSING_STORE, got %v", err)
		}
	})

	t.Run("nil schema and emitter allowed", func(t *testing.T) {
		e, err := New(nil, store.NewMemStore(), nil)
		if err != nil || e == nil {
			t.Fatalf("New: %v", err)
		}
	})

	t.Run("option error surfaces", func(t *testing.T) {
		_, err := New(nil, store.NewMemStore(), nil, WithMaxSteps(-1))
		if err == nil {
			t.Fatal("expected error for negative MaxSteps")
		}
	})
}

func TestEngine_Registry(t *testing.T) {
	h := newHarness(t, nil)
	noop := StepFunc(func(ctx context.Context, s State) StepResult { return StepResult{Next: Terminate()} })

	if err := h.engine.Add("a", noop); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Add("a", noop); err == nil {
		t.Error("duplicate Add should fail")
	}
	if err := h.engine.Add("", noop); err == nil {
		t.Error("empty name should fail")
	}
	if err := h.engine.Add("b", nil); err == nil {
		t.Error("nil step should fail")
	}
	if err := h.engine.StartAt("missing"); err == nil {
		t.Error("StartAt unknown step should fail")
	}
	if got := h.engine.Steps(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("Steps = %v", got)
	}
}

func TestEngine_Validate(t *testing.T) {
	router, _ := NewRouter("hint", "a", Route{Keyword: "x", Step: "ghost"})
	h := newHarness(t, nil, WithRouter(router), WithRecoveryPolicy(ReviewPolicy{ReviewStep: "review"}))
	h.add(t, "a", func(ctx context.Context, s State) StepResult { return StepResult{} })

	if err := h.engine.Validate(); !errors.Is(err, ErrNoEntryStep) {
		t.Errorf("expected ErrNoEntryStep, got %v", err)
	}
	_ = h.engine.StartAt("a")
	if err := h.engine.Validate(); err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Errorf("expected router error, got %v", err)
	}
	h.add(t, "ghost", func(ctx context.Context, s State) StepResult { return StepResult{} })
	if err := h.engine.Validate(); err == nil || !strings.Contains(err.Error(), "review") {
		t.Errorf("expected review step error, got %v", err)
	}
	h.add(t, "review", func(ctx context.Context, s State) StepResult { return StepResult{} })
	if err := h.engine.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestEngine_CollectFinishScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	collectCalls := collectFinish(t, h)

	id, err := h.engine.Start(ctx, State{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := h.engine.Run(ctx, id, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != Suspended {
		t.Fatalf("outcome = %v, want suspended", res.Outcome)
	}
	if res.Interrupt == nil || res.Interrupt.RequestingStep != "collect" || !res.Interrupt.Awaiting {
		t.Fatalf("interrupt = %+v", res.Interrupt)
	}
	if payload, _ := res.Interrupt.Payload.(map[string]any); payload["ask"] != "approve?" {
		t.Errorf("payload = %v", res.Interrupt.Payload)
	}

	cp, err := h.engine.Status(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if cp.Status != store.StatusAwaitingInput || cp.Step != "collect" {
		t.Errorf("latest checkpoint = %+v", cp)
	}

	res, err = h.engine.Resume(ctx, id, "yes")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Outcome != Completed {
		t.Fatalf("outcome = %v, want completed (err %v)", res.Outcome, res.Err)
	}
	if res.State.Int("count") != 1 {
		t.Errorf("count = %v, want 1", res.State["count"])
	}
	if res.State.String("answer") != "yes" {
		t.Errorf("answer = %v", res.State["answer"])
	}
	if _, ok := res.State[FieldInterrupt]; ok {
		t.Error("interrupt record should be cleared")
	}
	if _, ok := res.State[FieldResume]; ok {
		t.Error("resume value should be consumed")
	}
	if n := collectCalls.Load(); n != 2 {
		t.Errorf("collect ran %d times, want 2", n)
	}

	msgs := []string{}
	for _, ev := range h.emitter.GetHistory(id) {
		msgs = append(msgs, ev.Msg)
	}
	for _, want := range []string{emit.MsgSessionStarted, emit.MsgSessionSuspended, emit.MsgSessionResumed, emit.MsgSessionCompleted} {
		found := false
		for _, m := range msgs {
			found = found || m == want
		}
		if !found {
			t.Errorf("missing event %s in %v", want, msgs)
		}
	}
}

func TestEngine_CheckpointMonotonicity(t *testing.T) {
	ctx := context.Background()
	schema := mustSchema(t, Field{Name: "trail", Policy: Append})
	h := newHarness(t, schema)

	const n = 5
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("s%d", i)
		next := Continue(fmt.Sprintf("s%d", i+1))
		if i == n-1 {
			next = Terminate()
		}
		h.add(t, name, func(ctx context.Context, s State) StepResult {
			return StepResult{Update: State{"trail": []any{name}}, Next: next}
		})
	}
	_ = h.engine.StartAt("s0")

	res, err := h.engine.Run(ctx, "mono", State{"seed": true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != Completed || res.Seq != n {
		t.Fatalf("result = %+v", res)
	}

	history, err := h.engine.History(ctx, "mono")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != n+1 {
		t.Fatalf("history has %d checkpoints, want %d", len(history), n+1)
	}
	for i, cp := range history {
		if cp.Seq != i {
			t.Errorf("checkpoint %d has seq %d", i, cp.Seq)
		}
	}
	if history[n].Status != store.StatusCompleted {
		t.Errorf("last status = %s", history[n].Status)
	}
	trail := res.State.Slice("trail")
	if len(trail) != n || trail[0] != "s0" || trail[n-1] != "s4" {
		t.Errorf("trail = %v", trail)
	}
}

// A restart after any checkpoint followed by Run reaches the same final
// state as an uninterrupted run.
func TestEngine_ResumeEquivalence(t *testing.T) {
	ctx := context.Background()
	schema := mustSchema(t,
		Field{Name: "logs", Policy: Append},
		Field{Name: "plans", Policy: UnionMerge},
	)

	build := func(st store.Store, crashAt string) *Engine {
		e, err := New(schema, st, nil)
		if err != nil {
			t.Fatal(err)
		}
		steps := []string{"a", "b", "c"}
		for i, name := range steps {
			next := Directive{Kind: KindTerminate}
			if i < len(steps)-1 {
				next = Continue(steps[i+1])
			}
			_ = e.Add(name, StepFunc(func(ctx context.Context, s State) StepResult {
				if name == crashAt {
					return StepResult{Err: errors.New("process died")}
				}
				return StepResult{
					Update: State{
						"logs":  []any{name},
						"plans": map[string]any{name: len(s.Slice("logs"))},
						"last":  name,
					},
					Next: next,
				}
			}))
		}
		_ = e.StartAt("a")
		return e
	}

	full, err := build(store.NewMemStore(), "").Run(ctx, "s", State{})
	if err != nil {
		t.Fatal(err)
	}

	for _, crashAt := range []string{"b", "c"} {
		t.Run("restart before "+crashAt, func(t *testing.T) {
			st := store.NewMemStore()
			res, err := build(st, crashAt).Run(ctx, "s", State{})
			if err == nil || res.Outcome != Failed {
				t.Fatalf("expected failure, got %+v", res)
			}

			restarted, err := build(st, "").Run(ctx, "s", nil)
			if err != nil {
				t.Fatalf("Run after restart: %v", err)
			}
			if !reflect.DeepEqual(restarted.State, full.State) {
				t.Errorf("state after restart:\n%v\nwant\n%v", restarted.State, full.State)
			}
		})
	}
}

func TestEngine_InterruptExclusivity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	collectCalls := collectFinish(t, h)

	res, err := h.engine.Run(ctx, "excl", State{})
	if err != nil || res.Outcome != Suspended {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	before, _ := h.engine.History(ctx, "excl")

	for i := 0; i < 3; i++ {
		again, err := h.engine.Run(ctx, "excl", nil)
		if err != nil || again.Outcome != Suspended {
			t.Fatalf("second Run = %+v, %v", again, err)
		}
	}
	after, _ := h.engine.History(ctx, "excl")
	if len(after) != len(before) {
		t.Errorf("checkpoints grew from %d to %d", len(before), len(after))
	}
	if n := collectCalls.Load(); n != 1 {
		t.Errorf("collect ran %d times, want 1", n)
	}
}

func TestEngine_ResumeInvalidState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	collectFinish(t, h)

	t.Run("unknown session", func(t *testing.T) {
		_, err := h.engine.Resume(ctx, "nobody", "x")
		var ire *InvalidResumeStateError
		if !errors.As(err, &ire) {
			t.Fatalf("expected InvalidResumeStateError, got %v", err)
		}
	})

	t.Run("completed session", func(t *testing.T) {
		if _, err := h.engine.Run(ctx, "done", State{}); err != nil {
			t.Fatal(err)
		}
		if res, err := h.engine.Resume(ctx, "done", "yes"); err != nil || res.Outcome != Completed {
			t.Fatalf("Resume = %+v, %v", res, err)
		}
		before, _ := h.engine.History(ctx, "done")

		_, err := h.engine.Resume(ctx, "done", "again")
		var ire *InvalidResumeStateError
		if !errors.As(err, &ire) || ire.Status != string(store.StatusCompleted) {
			t.Fatalf("expected InvalidResumeStateError(completed), got %v", err)
		}
		after, _ := h.engine.History(ctx, "done")
		if len(after) != len(before) {
			t.Error("rejected resume must not write checkpoints")
		}
	})

	t.Run("run on completed session executes nothing", func(t *testing.T) {
		res, err := h.engine.Run(ctx, "done", nil)
		if err != nil || res.Outcome != Completed {
			t.Fatalf("Run = %+v, %v", res, err)
		}
	})
}

// The resume value is seen by exactly one step invocation.
func TestEngine_ResumeValueDeliveredOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var seen []any
	var mu sync.Mutex
	record := func(s State) {
		v, _ := ResumeValue(s)
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	}
	h.add(t, "ask", func(ctx context.Context, s State) StepResult {
		record(s)
		if _, ok := ResumeValue(s); ok {
			return StepResult{Next: Continue("after")}
		}
		return StepResult{Next: Interrupt("question")}
	})
	h.add(t, "after", func(ctx context.Context, s State) StepResult {
		record(s)
		return StepResult{Next: Continue("end")}
	})
	h.add(t, "end", func(ctx context.Context, s State) StepResult {
		record(s)
		return StepResult{Next: Terminate()}
	})
	_ = h.engine.StartAt("ask")

	if _, err := h.engine.Run(ctx, "once", State{}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Resume(ctx, "once", 42); err != nil {
		t.Fatal(err)
	}

	want := []any{nil, 42.0, nil, nil}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("resume values seen = %v, want %v", seen, want)
	}
}

func TestEngine_Routing(t *testing.T) {
	ctx := context.Background()
	router, err := NewRouter("next_node", "fallback",
		Route{Keyword: "plan", Step: "planner"},
	)
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, nil, WithRouter(router))

	var visited []string
	h.add(t, "start", func(ctx context.Context, s State) StepResult {
		visited = append(visited, "start")
		return StepResult{Update: State{"next_node": "go to the Planner"}}
	})
	h.add(t, "planner", func(ctx context.Context, s State) StepResult {
		visited = append(visited, "planner")
		return StepResult{Update: State{"next_node": "nothing matches"}}
	})
	h.add(t, "fallback", func(ctx context.Context, s State) StepResult {
		visited = append(visited, "fallback")
		return StepResult{Next: Terminate()}
	})
	_ = h.engine.StartAt("start")

	res, err := h.engine.Run(ctx, "route", State{})
	if err != nil || res.Outcome != Completed {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	if want := []string{"start", "planner", "fallback"}; !reflect.DeepEqual(visited, want) {
		t.Errorf("visited = %v, want %v", visited, want)
	}
}

func TestEngine_FatalErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown step", func(t *testing.T) {
		h := newHarness(t, nil)
		h.add(t, "a", func(ctx context.Context, s State) StepResult { return StepResult{Next: Continue("ghost")} })
		_ = h.engine.StartAt("a")

		res, err := h.engine.Run(ctx, "u", State{})
		var use *UnknownStepError
		if !errors.As(err, &use) || use.Step != "ghost" {
			t.Fatalf("expected UnknownStepError(ghost), got %v", err)
		}
		if res.Outcome != Failed || res.Seq != 1 {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("no route without router", func(t *testing.T) {
		h := newHarness(t, nil)
		h.add(t, "a", func(ctx context.Context, s State) StepResult { return StepResult{} })
		_ = h.engine.StartAt("a")

		res, err := h.engine.Run(ctx, "r", State{})
		var use *UnknownStepError
		if !errors.As(err, &use) {
			t.Fatalf("expected UnknownStepError, got %v", err)
		}
		if res.Seq != 0 {
			t.Errorf("nothing should be committed, seq = %d", res.Seq)
		}
	})

	t.Run("type mismatch is not recovered", func(t *testing.T) {
		schema := mustSchema(t, Field{Name: "logs", Policy: Append})
		h := newHarness(t, schema, WithRecoveryPolicy(ReviewPolicy{ReviewStep: "review"}))
		h.add(t, "a", func(ctx context.Context, s State) StepResult {
			return StepResult{Update: State{"logs": "not a list"}, Next: Terminate()}
		})
		h.add(t, "review", func(ctx context.Context, s State) StepResult { return StepResult{Next: Terminate()} })
		_ = h.engine.StartAt("a")

		res, err := h.engine.Run(ctx, "tm", State{})
		var tm *TypeMismatchError
		if !errors.As(err, &tm) || res.Outcome != Failed {
			t.Fatalf("expected TypeMismatchError, got %v", err)
		}
		history, _ := h.engine.History(ctx, "tm")
		if len(history) != 1 {
			t.Errorf("failed step must not be committed, history = %d", len(history))
		}
	})

	t.Run("step error without recovery", func(t *testing.T) {
		h := newHarness(t, nil)
		h.add(t, "a", func(ctx context.Context, s State) StepResult { return StepResult{Err: errors.New("boom")} })
		_ = h.engine.StartAt("a")

		_, err := h.engine.Run(ctx, "se", State{})
		var se *StepExecutionError
		if !errors.As(err, &se) || se.Step != "a" {
			t.Fatalf("expected StepExecutionError, got %v", err)
		}
	})

	t.Run("max steps", func(t *testing.T) {
		h := newHarness(t, nil, WithMaxSteps(3))
		h.add(t, "loop", func(ctx context.Context, s State) StepResult { return StepResult{Next: Continue("loop")} })
		_ = h.engine.StartAt("loop")

		res, err := h.engine.Run(ctx, "ms", State{})
		if !errors.Is(err, ErrMaxStepsExceeded) || res.Seq != 3 {
			t.Fatalf("got %+v, %v", res, err)
		}
	})

	t.Run("no entry step", func(t *testing.T) {
		h := newHarness(t, nil)
		if _, err := h.engine.Run(ctx, "x", State{}); !errors.Is(err, ErrNoEntryStep) {
			t.Fatalf("expected ErrNoEntryStep, got %v", err)
		}
		if _, err := h.engine.Start(ctx, State{}); !errors.Is(err, ErrNoEntryStep) {
			t.Fatalf("expected ErrNoEntryStep, got %v", err)
		}
	})
}

func TestEngine_Recovery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, WithRecoveryPolicy(ReviewPolicy{ReviewStep: "review", MaxLen: 10}))

	h.add(t, "work", func(ctx context.Context, s State) StepResult {
		if s.Bool("fixed") {
			return StepResult{Next: Terminate()}
		}
		return StepResult{Err: errors.New("generation service unavailable")}
	})
	h.add(t, "review", func(ctx context.Context, s State) StepResult {
		req := s.Map(FieldReviewRequest)
		return StepResult{
			Update: State{"fixed": true, "reviewed": req["step"]},
			Next:   Continue(req["step"].(string)),
		}
	})
	_ = h.engine.StartAt("work")

	res, err := h.engine.Run(ctx, "rec", State{})
	if err != nil || res.Outcome != Completed {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	if got := res.State.String(FieldError); got != "generation" {
		t.Errorf("error field = %q, want truncated message", got)
	}
	req := res.State.Map(FieldReviewRequest)
	if req["name"] != "error" || req["approved"] != false || req["title"] != "work" {
		t.Errorf("review request = %v", req)
	}
	if !strings.HasPrefix(req["description"].(string), "An error occurred in work: ") {
		t.Errorf("description = %v", req["description"])
	}

	failed := 0
	for _, ev := range h.emitter.GetHistory("rec") {
		if ev.Msg == emit.MsgStepFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("step_failed events = %d, want 1", failed)
	}
}

func TestEngine_PanicBecomesStepError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.add(t, "bad", func(ctx context.Context, s State) StepResult { panic("kaboom") })
	_ = h.engine.StartAt("bad")

	_, err := h.engine.Run(ctx, "p", State{})
	var se *StepExecutionError
	if !errors.As(err, &se) || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("expected StepExecutionError from panic, got %v", err)
	}
}

// failingStore fails Append after a number of successful writes.
type failingStore struct {
	*store.MemStore
	mu    sync.Mutex
	okay  int
	calls int
}

func (f *failingStore) Append(ctx context.Context, cp store.Checkpoint) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls > f.okay
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.MemStore.Append(ctx, cp)
}

func TestEngine_CheckpointStoreFailure(t *testing.T) {
	ctx := context.Background()
	st := &failingStore{MemStore: store.NewMemStore(), okay: 2}
	e, err := New(nil, st, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = e.Add("a", StepFunc(func(ctx context.Context, s State) StepResult {
		return StepResult{Update: State{"n": s.Int("n") + 1}, Next: Continue("a")}
	}))
	_ = e.StartAt("a")

	res, err := e.Run(ctx, "cs", State{})
	var cse *CheckpointStoreError
	if !errors.As(err, &cse) || cse.Op != "append" || cse.Seq != 2 {
		t.Fatalf("expected CheckpointStoreError at seq 2, got %v", err)
	}
	if res.Outcome != Failed || res.Seq != 1 || res.State.Int("n") != 1 {
		t.Errorf("result should reflect last persisted checkpoint: %+v", res)
	}
	latest, _ := st.MemStore.Latest(ctx, "cs")
	if latest.Seq != 1 {
		t.Errorf("latest seq = %d", latest.Seq)
	}
}

func TestEngine_CancellationAtStepBoundary(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var secondRan atomic.Bool

	h.add(t, "slow", func(ctx context.Context, s State) StepResult {
		close(started)
		<-release
		return StepResult{Update: State{"slow": "done"}, Next: Continue("next")}
	})
	h.add(t, "next", func(ctx context.Context, s State) StepResult {
		secondRan.Store(true)
		return StepResult{Next: Terminate()}
	})
	_ = h.engine.StartAt("slow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan RunResult, 1)
	go func() {
		res, _ := h.engine.Run(ctx, "cancel", State{})
		done <- res
	}()

	<-started
	cancel()
	close(release)

	var res RunResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	if res.Outcome != Failed || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("result = %+v", res)
	}
	if secondRan.Load() {
		t.Error("no step may start after cancellation")
	}
	if res.Seq != 1 || res.State.String("slow") != "done" {
		t.Errorf("the in-flight step should be committed: %+v", res)
	}
}

func TestEngine_Cancel(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan struct{})
	h.add(t, "wait", func(ctx context.Context, s State) StepResult {
		close(started)
		<-ctx.Done()
		return StepResult{Err: ctx.Err()}
	})
	_ = h.engine.StartAt("wait")

	if h.engine.Cancel("idle") {
		t.Error("Cancel on idle session should report false")
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Run(context.Background(), "c", State{})
		done <- err
	}()
	<-started
	if !h.engine.Cancel("c") {
		t.Fatal("Cancel should find the running session")
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestEngine_DefaultStepTimeout(t *testing.T) {
	h := newHarness(t, nil, WithDefaultStepTimeout(20*time.Millisecond))
	h.add(t, "hang", func(ctx context.Context, s State) StepResult {
		<-ctx.Done()
		return StepResult{Err: ctx.Err()}
	})
	_ = h.engine.StartAt("hang")

	_, err := h.engine.Run(context.Background(), "t", State{})
	if !errors.Is(err, ErrStepTimeout) {
		t.Fatalf("expected ErrStepTimeout, got %v", err)
	}
}

func TestEngine_StepsSeeIsolatedState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.add(t, "mutator", func(ctx context.Context, s State) StepResult {
		s["sneaky"] = true
		if m := s.Map("nested"); m != nil {
			m["changed"] = true
		}
		return StepResult{Next: Terminate()}
	})
	_ = h.engine.StartAt("mutator")

	res, err := h.engine.Run(ctx, "iso", State{"nested": map[string]any{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.State["sneaky"]; ok {
		t.Error("in-place mutation leaked into state")
	}
	if len(res.State.Map("nested")) != 0 {
		t.Error("nested mutation leaked into state")
	}
}

func TestEngine_ConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	schema := mustSchema(t, Field{Name: "logs", Policy: Append})
	h := newHarness(t, schema)

	var inFlight sync.Map
	h.add(t, "work", func(ctx context.Context, s State) StepResult {
		info, _ := StepInfoFrom(ctx)
		if _, busy := inFlight.LoadOrStore(info.SessionID, true); busy {
			return StepResult{Err: errors.New("two steps of one session overlapped")}
		}
		time.Sleep(time.Millisecond)
		inFlight.Delete(info.SessionID)
		if len(s.Slice("logs")) >= 3 {
			return StepResult{Next: Terminate()}
		}
		return StepResult{Update: State{"logs": []any{info.Seq}}, Next: Continue("work")}
	})
	_ = h.engine.StartAt("work")

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("session-%d", i)
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := h.engine.Run(ctx, id, State{}); err != nil {
					errs <- err
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for i := 0; i < 10; i++ {
		history, err := h.engine.History(ctx, fmt.Sprintf("session-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		for j, cp := range history {
			if cp.Seq != j {
				t.Fatalf("session %d: seq gap at %d", i, j)
			}
		}
		if last := history[len(history)-1]; last.Status != store.StatusCompleted {
			t.Errorf("session %d not completed", i)
		}
	}
}

func TestEngine_ProgressSink(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "a", func(ctx context.Context, s State) StepResult {
		Report(ctx, "halfway")
		return StepResult{Update: State{"x": 1}, Next: Continue("b")}
	})
	h.add(t, "b", func(ctx context.Context, s State) StepResult {
		return StepResult{Next: Terminate()}
	})
	_ = h.engine.StartAt("a")

	var got []Progress
	ctx := WithProgress(context.Background(), func(ctx context.Context, p Progress) error {
		got = append(got, p)
		if p.Step == "b" {
			panic("observer bug")
		}
		return errors.New("observer unavailable")
	})

	res, err := h.engine.Run(ctx, "prog", State{})
	if err != nil || res.Outcome != Completed {
		t.Fatalf("sink failures must not abort the run: %+v, %v", res, err)
	}
	if len(got) != 3 {
		t.Fatalf("progress events = %d, want 3", len(got))
	}
	if got[0].Message != "halfway" || got[0].Step != "a" || got[0].SessionID != "prog" {
		t.Errorf("report = %+v", got[0])
	}
	if got[1].State.Int("x") != 1 || got[1].Seq != 1 {
		t.Errorf("merge progress = %+v", got[1])
	}
}

func TestEngine_StatusAndHistoryUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.engine.Status(context.Background(), "none"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Status err = %v", err)
	}
	if _, err := h.engine.History(context.Background(), "none"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("History err = %v", err)
	}
}

func TestOutcome_String(t *testing.T) {
	for o, s := range map[Outcome]string{Suspended: "suspended", Completed: "completed", Failed: "failed", Outcome(0): "unknown"} {
		if o.String() != s {
			t.Errorf("%d = %q", int(o), o.String())
		}
	}
}
