package emit

// Event is a telemetry record emitted by the engine.
//
// The engine emits events for:
//   - step completion ("step completed", with directive and latency)
//   - suspension ("session suspended") and resumption ("session resumed")
//   - recovered step failures ("step failed", with the error)
//   - terminal results ("session completed", "session failed")
type Event struct {
	// SessionID identifies the session that emitted this event.
	SessionID string

	// Seq is the checkpoint sequence number the event relates to.
	Seq int

	// Step is the step name. Empty for session-level events.
	Step string

	// Msg is a human-readable description of the event.
	Msg string

	// Meta contains additional structured data.
	// Common keys:
	//   - "latency_ms": step duration in milliseconds
	//   - "directive": continue, interrupt, terminate or route
	//   - "next": the resolved next step
	//   - "error": error details
	//   - "model": generation model used by a step
	Meta map[string]any
}

// Common event messages.
const (
	MsgStepCompleted    = "step completed"
	MsgStepFailed       = "step failed"
	MsgSessionStarted   = "session started"
	MsgSessionSuspended = "session suspended"
	MsgSessionResumed   = "session resumed"
	MsgSessionCompleted = "session completed"
	MsgSessionFailed    = "session failed"
)
