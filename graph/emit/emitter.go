// Package emit provides telemetry sinks for the workflow engine.
package emit

// Emitter receives engine telemetry.
//
// Emit is fire-and-forget: implementations must not block the run for long
// and must not panic. The engine additionally recovers panics from Emit so a
// faulty sink can never abort a session.
type Emitter interface {
	Emit(event Event)
}

// Multi fans an event out to several emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
