package swe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/swegraph/graph"
)

// Feedback is a reviewer's answer to a review request, delivered as the
// resume value of process_feedback_node.
//
// The resume value may be a mapping with these keys, a JSON object string,
// or plain text. Plain text answers the pending review; anything other
// than an approval word becomes the remarks.
type Feedback struct {
	Name             string `json:"name"`
	Remarks          string `json:"remarks"`
	SelectedSections []any  `json:"selected_sections"`
	// Revise re-runs the step that produced a documentation or planner
	// review instead of moving on.
	Revise bool `json:"revise"`
}

var approvals = map[string]bool{
	"": true, "ok": true, "y": true, "yes": true,
	"approve": true, "approved": true, "continue": true, "proceed": true,
}

// ParseFeedback decodes a resume value. pending is the name of the review
// being answered and is used when the value does not name one.
func ParseFeedback(v any, pending string) (Feedback, error) {
	var fb Feedback
	switch val := v.(type) {
	case string:
		trimmed := strings.TrimSpace(val)
		if strings.HasPrefix(trimmed, "{") {
			if err := json.Unmarshal([]byte(trimmed), &fb); err != nil {
				return Feedback{}, fmt.Errorf("invalid feedback JSON: %w", err)
			}
			break
		}
		if !approvals[strings.ToLower(trimmed)] {
			fb.Remarks = trimmed
		}
	case map[string]any:
		if err := decode(val, &fb); err != nil {
			return Feedback{}, fmt.Errorf("invalid feedback: %w", err)
		}
	case bool:
		if !val {
			fb.Revise = true
		}
	default:
		return Feedback{}, fmt.Errorf("unsupported feedback type %T", v)
	}
	if fb.Name == "" {
		fb.Name = pending
	}
	if fb.Name == "" {
		return Feedback{}, errors.New("feedback does not name a review")
	}
	return fb, nil
}

// processFeedback suspends with the pending review request and, once
// resumed, dispatches on the review name.
func (w *Workflow) processFeedback(ctx context.Context, s graph.State) graph.StepResult {
	review := s.Map(FieldReviewRequest)
	if review == nil {
		review = map[string]any{}
	}
	pending, _ := review["name"].(string)

	value, resumed := graph.ResumeValue(s)
	if !resumed {
		logs := w.note(ctx, nil, "feedback", "info", "Waiting for review: "+pending)
		return graph.StepResult{Update: graph.State{FieldLogs: logs}, Next: graph.Interrupt(review)}
	}

	fb, err := ParseFeedback(value, pending)
	if err == nil {
		var update graph.State
		update, err = w.dispatch(s, review, fb)
		if err == nil {
			logs := w.note(ctx, nil, "feedback", "info", fmt.Sprintf("Review %q answered, continuing to %s", fb.Name, update.String(FieldNextNode)))
			update[FieldLogs] = logs
			return graph.StepResult{Update: update}
		}
	}

	// Ask again with the same request.
	logs := w.note(ctx, nil, "feedback", "warn", "Could not process feedback: "+err.Error())
	return graph.StepResult{
		Update: graph.State{FieldError: graph.Truncate(err.Error(), graph.DefaultErrorMaxLen), FieldLogs: logs},
		Next:   graph.Interrupt(review),
	}
}

func (w *Workflow) dispatch(s graph.State, review map[string]any, fb Feedback) (graph.State, error) {
	update := graph.ClearInterrupt().With(graph.State{
		FieldReviewRequest: nil,
		FieldError:         nil,
		FieldFollowUp:      fb.Remarks,
	})

	var next string
	switch fb.Name {
	case ReviewDocumentation:
		next = StepPlanner
		if fb.Revise {
			next = StepAnalyze
		}
	case ReviewPlanner:
		next = StepCreateModule
		if fb.Revise {
			next = StepPlanner
			break
		}
		if len(fb.SelectedSections) > 0 {
			selected := selectSections(decodePlans(s.Slice(FieldPendingSections)), fb.SelectedSections)
			if len(selected) == 0 {
				return nil, errors.New("none of the selected sections are pending")
			}
			update[FieldPendingSections] = encode(selected)
		}
	case ReviewCreateModule:
		next = StepCodeModule
	case ReviewSuccess:
		next = StepReflect
	case ReviewError:
		next, _ = review["step"].(string)
		if next == "" {
			next = StepRespond
		}
	default:
		return nil, fmt.Errorf("unknown review %q", fb.Name)
	}
	update[FieldNextNode] = next
	return update, nil
}

// selectSections keeps the pending modules named by selected, in selection
// order. Entries are module names or module plan mappings.
func selectSections(pending []ModulePlan, selected []any) []ModulePlan {
	byName := make(map[string]ModulePlan, len(pending))
	for _, p := range pending {
		byName[strings.ToLower(p.Name)] = p
	}
	out := make([]ModulePlan, 0, len(selected))
	seen := map[string]bool{}
	for _, sel := range selected {
		var name string
		switch v := sel.(type) {
		case string:
			name = v
		case map[string]any:
			name, _ = v["name"].(string)
		}
		key := strings.ToLower(strings.TrimSpace(name))
		if p, ok := byName[key]; ok && !seen[key] {
			out = append(out, p)
			seen[key] = true
		}
	}
	return out
}
