package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/swegraph/graph/store"
)

// factory returns a fresh, empty store for one subtest.
type factory func(t *testing.T) store.Store

func checkpoint(session string, seq int, status store.Status, state map[string]any) store.Checkpoint {
	step := fmt.Sprintf("step-%d", seq)
	if status == store.StatusCompleted {
		step = ""
	}
	return store.Checkpoint{
		SessionID: session,
		Seq:       seq,
		State:     state,
		Step:      step,
		Status:    status,
		CreatedAt: time.Unix(1700000000, int64(seq)).UTC(),
	}
}

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, newStore factory) {
	ctx := context.Background()

	t.Run("append latest history", func(t *testing.T) {
		st := newStore(t)
		for i := 0; i < 4; i++ {
			require.NoError(t, st.Append(ctx, checkpoint("s1", i, store.StatusRunning, map[string]any{"n": float64(i)})))
		}

		latest, err := st.Latest(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, 3, latest.Seq)
		assert.Equal(t, "step-3", latest.Step)
		assert.Equal(t, store.StatusRunning, latest.Status)
		assert.Equal(t, map[string]any{"n": float64(3)}, latest.State)
		assert.True(t, latest.CreatedAt.Equal(time.Unix(1700000000, 3)))

		history, err := st.History(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, history, 4)
		for i, cp := range history {
			assert.Equal(t, i, cp.Seq)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		st := newStore(t)
		_, err := st.Latest(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)

		history, err := st.History(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, history)

		assert.NoError(t, st.Delete(ctx, "missing"))
	})

	t.Run("sequence conflicts", func(t *testing.T) {
		st := newStore(t)
		assert.ErrorIs(t, st.Append(ctx, checkpoint("s", 1, store.StatusRunning, nil)), store.ErrSequenceConflict,
			"a new session must start at 0")

		require.NoError(t, st.Append(ctx, checkpoint("s", 0, store.StatusRunning, map[string]any{"v": "first"})))
		assert.ErrorIs(t, st.Append(ctx, checkpoint("s", 0, store.StatusRunning, map[string]any{"v": "second"})), store.ErrSequenceConflict)
		assert.ErrorIs(t, st.Append(ctx, checkpoint("s", 2, store.StatusRunning, nil)), store.ErrSequenceConflict)

		latest, err := st.Latest(ctx, "s")
		require.NoError(t, err)
		assert.Equal(t, "first", latest.State["v"], "existing checkpoints are immutable")
	})

	t.Run("invalid checkpoints", func(t *testing.T) {
		st := newStore(t)
		assert.Error(t, st.Append(ctx, store.Checkpoint{Seq: 0, Status: store.StatusRunning}))
		assert.Error(t, st.Append(ctx, store.Checkpoint{SessionID: "s", Seq: -1, Status: store.StatusRunning}))
		assert.Error(t, st.Append(ctx, store.Checkpoint{SessionID: "s", Seq: 0, Status: "bogus"}))
	})

	t.Run("statuses and nested state round trip", func(t *testing.T) {
		st := newStore(t)
		state := map[string]any{
			"__interrupt__": map[string]any{"requesting_step": "collect", "payload": map[string]any{"ask": "approve?"}, "awaiting": true},
			"logs":          []any{"a", "b"},
			"count":         float64(1),
		}
		require.NoError(t, st.Append(ctx, checkpoint("r", 0, store.StatusRunning, map[string]any{})))
		require.NoError(t, st.Append(ctx, checkpoint("r", 1, store.StatusAwaitingInput, state)))
		require.NoError(t, st.Append(ctx, checkpoint("r", 2, store.StatusCompleted, map[string]any{"count": float64(1)})))

		history, err := st.History(ctx, "r")
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, store.StatusAwaitingInput, history[1].Status)
		assert.Equal(t, state, history[1].State)
		assert.Equal(t, store.StatusCompleted, history[2].Status)
		assert.Equal(t, "", history[2].Step)
	})

	t.Run("returned state does not alias storage", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Append(ctx, checkpoint("a", 0, store.StatusRunning, map[string]any{"k": "v"})))

		first, err := st.Latest(ctx, "a")
		require.NoError(t, err)
		first.State["k"] = "mutated"

		second, err := st.Latest(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "v", second.State["k"])
	})

	t.Run("sessions are isolated and deletable", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Append(ctx, checkpoint("x", 0, store.StatusRunning, nil)))
		require.NoError(t, st.Append(ctx, checkpoint("y", 0, store.StatusRunning, nil)))
		require.NoError(t, st.Append(ctx, checkpoint("y", 1, store.StatusRunning, nil)))

		if lister, ok := st.(store.Lister); ok {
			ids, err := lister.Sessions(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"x", "y"}, ids)
		}

		require.NoError(t, st.Delete(ctx, "y"))
		_, err := st.Latest(ctx, "y")
		assert.ErrorIs(t, err, store.ErrNotFound)

		latest, err := st.Latest(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, 0, latest.Seq)

		require.NoError(t, st.Append(ctx, checkpoint("y", 0, store.StatusRunning, nil)), "a deleted session starts over")
	})

	t.Run("prune keeps the newest", func(t *testing.T) {
		st := newStore(t)
		pruner, ok := st.(store.Pruner)
		if !ok {
			t.Skip("store does not prune")
		}
		for i := 0; i < 6; i++ {
			require.NoError(t, st.Append(ctx, checkpoint("p", i, store.StatusRunning, nil)))
		}
		require.NoError(t, pruner.Prune(ctx, "p", 2))

		history, err := st.History(ctx, "p")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, 4, history[0].Seq)
		assert.Equal(t, 5, history[1].Seq)

		require.NoError(t, pruner.Prune(ctx, "p", 0))
		history, err = st.History(ctx, "p")
		require.NoError(t, err)
		require.Len(t, history, 1, "prune always keeps the latest")

		require.NoError(t, st.Append(ctx, checkpoint("p", 6, store.StatusRunning, nil)), "appends continue after pruning")
	})

	t.Run("concurrent appends to one session", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Append(ctx, checkpoint("c", 0, store.StatusRunning, nil)))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := st.Append(ctx, checkpoint("c", 1, store.StatusRunning, nil))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, store.ErrSequenceConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, 7, conflicts)
	})
}

func TestMemStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) store.Store { return store.NewMemStore() })
}

func TestMemStore_JSONSnapshot(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	require.NoError(t, st.Append(ctx, checkpoint("s", 0, store.StatusRunning, map[string]any{"a": "b"})))
	require.NoError(t, st.Append(ctx, checkpoint("s", 1, store.StatusAwaitingInput, map[string]any{"a": "c"})))

	data, err := st.MarshalJSON()
	require.NoError(t, err)

	restored := store.NewMemStore()
	require.NoError(t, restored.UnmarshalJSON(data))

	latest, err := restored.Latest(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Seq)
	assert.Equal(t, store.StatusAwaitingInput, latest.Status)
	assert.Equal(t, "c", latest.State["a"])

	require.NoError(t, restored.Append(ctx, checkpoint("s", 2, store.StatusCompleted, nil)))
}
