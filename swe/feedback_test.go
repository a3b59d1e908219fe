package swe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeedback(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		pending string
		want    Feedback
		wantErr bool
	}{
		{"approval word", "OK", ReviewDocumentation, Feedback{Name: ReviewDocumentation}, false},
		{"remarks", "use postgres instead", ReviewPlanner, Feedback{Name: ReviewPlanner, Remarks: "use postgres instead"}, false},
		{"json string", `{"name":"planner","selected_sections":["1. Core"]}`, "", Feedback{Name: ReviewPlanner, SelectedSections: []any{"1. Core"}}, false},
		{"mapping", map[string]any{"remarks": "again", "revise": true}, ReviewDocumentation, Feedback{Name: ReviewDocumentation, Remarks: "again", Revise: true}, false},
		{"false means revise", false, ReviewPlanner, Feedback{Name: ReviewPlanner, Revise: true}, false},
		{"bad json", `{"name":`, ReviewPlanner, Feedback{}, true},
		{"unsupported type", 42.0, ReviewPlanner, Feedback{}, true},
		{"no review name", "ok", "", Feedback{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFeedback(tt.value, tt.pending)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectSections(t *testing.T) {
	pending := []ModulePlan{{Name: "1. Core"}, {Name: "2. Storage"}, {Name: "3. API"}}

	got := selectSections(pending, []any{"3. api", map[string]any{"name": "1. Core"}, "missing", "3. API"})
	require.Len(t, got, 2)
	assert.Equal(t, "3. API", got[0].Name)
	assert.Equal(t, "1. Core", got[1].Name)

	assert.Empty(t, selectSections(pending, []any{7}))
}

func TestDispatch(t *testing.T) {
	w := New(nil, nil)
	state := map[string]any{
		FieldPendingSections: []any{map[string]any{"name": "1. Core"}, map[string]any{"name": "2. Storage"}},
	}

	tests := []struct {
		name   string
		review map[string]any
		fb     Feedback
		next   string
	}{
		{"documentation", nil, Feedback{Name: ReviewDocumentation}, StepPlanner},
		{"documentation revise", nil, Feedback{Name: ReviewDocumentation, Revise: true}, StepAnalyze},
		{"planner", nil, Feedback{Name: ReviewPlanner}, StepCreateModule},
		{"planner revise", nil, Feedback{Name: ReviewPlanner, Revise: true}, StepPlanner},
		{"create module", nil, Feedback{Name: ReviewCreateModule}, StepCodeModule},
		{"success", nil, Feedback{Name: ReviewSuccess}, StepReflect},
		{"error retries failing step", map[string]any{"step": StepCodeModule}, Feedback{Name: ReviewError}, StepCodeModule},
		{"error without step", map[string]any{}, Feedback{Name: ReviewError}, StepRespond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			update, err := w.dispatch(state, tt.review, tt.fb)
			require.NoError(t, err)
			assert.Equal(t, tt.next, update[FieldNextNode])
			assert.Contains(t, update, FieldReviewRequest)
			assert.Nil(t, update[FieldReviewRequest])
		})
	}

	t.Run("planner selection narrows pending", func(t *testing.T) {
		update, err := w.dispatch(state, nil, Feedback{Name: ReviewPlanner, SelectedSections: []any{"2. Storage"}})
		require.NoError(t, err)
		pending := update[FieldPendingSections].([]any)
		require.Len(t, pending, 1)
		assert.Equal(t, "2. Storage", pending[0].(map[string]any)["name"])
	})

	t.Run("planner selection of unknown sections", func(t *testing.T) {
		_, err := w.dispatch(state, nil, Feedback{Name: ReviewPlanner, SelectedSections: []any{"9. Nope"}})
		assert.Error(t, err)
	})

	t.Run("unknown review", func(t *testing.T) {
		_, err := w.dispatch(state, nil, Feedback{Name: "bogus"})
		assert.Error(t, err)
	})
}
