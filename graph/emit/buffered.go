package emit

import "sync"

// BufferedEmitter keeps events in memory, grouped by session.
//
// Useful for:
//   - Tests asserting on the telemetry a run produced
//   - Serving a session's recent activity over an API
//
// Thread-safe. A non-zero limit bounds the events retained per session;
// the oldest are dropped first.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // sessionID -> events
	limit  int
}

// HistoryFilter narrows GetHistoryWithFilter results. Zero fields match
// everything.
type HistoryFilter struct {
	Step   string
	Msg    string
	MinSeq *int
	MaxSeq *int
}

// NewBufferedEmitter creates an unbounded BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return NewBoundedEmitter(0)
}

// NewBoundedEmitter creates a BufferedEmitter retaining at most limit
// events per session.
func NewBoundedEmitter(limit int) *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
		limit:  limit,
	}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := append(b.events[event.SessionID], event)
	if b.limit > 0 && len(events) > b.limit {
		events = append([]Event(nil), events[len(events)-b.limit:]...)
	}
	b.events[event.SessionID] = events
}

// GetHistory returns a copy of every event for sessionID in emission order.
func (b *BufferedEmitter) GetHistory(sessionID string) []Event {
	return b.GetHistoryWithFilter(sessionID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events for sessionID that match filter.
func (b *BufferedEmitter) GetHistoryWithFilter(sessionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[sessionID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

func (f HistoryFilter) matches(event Event) bool {
	if f.Step != "" && event.Step != f.Step {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinSeq != nil && event.Seq < *f.MinSeq {
		return false
	}
	if f.MaxSeq != nil && event.Seq > *f.MaxSeq {
		return false
	}
	return true
}

// Clear drops the events for sessionID, or every session when empty.
func (b *BufferedEmitter) Clear(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sessionID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, sessionID)
	}
}
