package graph

// Reserved state fields owned by the interrupt protocol.
const (
	// FieldInterrupt holds the InterruptRecord of a suspended session.
	FieldInterrupt = "__interrupt__"

	// FieldResume carries the value passed to Resume. The engine removes
	// it once the resumed step's update has been merged.
	FieldResume = "__resume__"
)

func isReserved(name string) bool {
	return name == FieldInterrupt || name == FieldResume
}

// InterruptRecord describes a pending suspension. It is stored in State
// under FieldInterrupt so it survives checkpointing.
type InterruptRecord struct {
	RequestingStep string `json:"requesting_step"`
	Payload        any    `json:"payload"`
	Awaiting       bool   `json:"awaiting"`
}

func (r InterruptRecord) toState() map[string]any {
	return map[string]any{
		"requesting_step": r.RequestingStep,
		"payload":         r.Payload,
		"awaiting":        r.Awaiting,
	}
}

// InterruptFrom reads the interrupt record from state.
func InterruptFrom(state State) (InterruptRecord, bool) {
	m := state.Map(FieldInterrupt)
	if m == nil {
		return InterruptRecord{}, false
	}
	rec := InterruptRecord{Payload: m["payload"]}
	rec.RequestingStep, _ = m["requesting_step"].(string)
	rec.Awaiting, _ = m["awaiting"].(bool)
	return rec, true
}

// ResumeValue returns the value delivered by Resume, if any.
//
// A step that issued Interrupt checks this on re-entry:
//
//	if v, ok := graph.ResumeValue(s); ok {
//	    return graph.StepResult{Update: graph.ClearInterrupt(), Next: graph.Continue("finish")}
//	}
func ResumeValue(state State) (any, bool) {
	v, ok := state[FieldResume]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// ClearInterrupt returns an update that removes the interrupt record and
// the resume value. Combine it with other fields using State.With.
func ClearInterrupt() State {
	return State{FieldInterrupt: nil, FieldResume: nil}
}
