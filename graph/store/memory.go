package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for:
//   - Testing and development
//   - Single-process workflows
//   - Short-lived sessions where persistence isn't required
//
// MemStore is thread-safe. Checkpoints are deep-copied on the way in and
// on the way out, so stored snapshots never alias caller state.
//
// Limitations:
//   - Data is lost when process terminates (see MarshalJSON for a snapshot)
//   - Not suitable for distributed systems
//   - Memory usage grows with history unless Prune is called
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string][]Checkpoint
	now      func() time.Time
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore()
//	engine, _ := graph.New(schema, st, emitter)
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string][]Checkpoint),
		now:      time.Now,
	}
}

// Append implements Store.
func (m *MemStore) Append(_ context.Context, cp Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	stored, err := cloneCheckpoint(cp)
	if err != nil {
		return err
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = m.now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	lineage := m.sessions[cp.SessionID]
	want := 0
	if n := len(lineage); n > 0 {
		want = lineage[n-1].Seq + 1
	}
	if cp.Seq != want {
		return conflict(cp.SessionID, want, cp.Seq)
	}
	m.sessions[cp.SessionID] = append(lineage, stored)
	return nil
}

// Latest implements Store.
func (m *MemStore) Latest(_ context.Context, sessionID string) (Checkpoint, error) {
	m.mu.RLock()
	lineage := m.sessions[sessionID]
	if len(lineage) == 0 {
		m.mu.RUnlock()
		return Checkpoint{}, ErrNotFound
	}
	latest := lineage[len(lineage)-1]
	m.mu.RUnlock()

	return cloneCheckpoint(latest)
}

// History implements Store.
func (m *MemStore) History(_ context.Context, sessionID string) ([]Checkpoint, error) {
	m.mu.RLock()
	lineage := append([]Checkpoint(nil), m.sessions[sessionID]...)
	m.mu.RUnlock()

	out := make([]Checkpoint, 0, len(lineage))
	for _, cp := range lineage {
		c, err := cloneCheckpoint(cp)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Delete implements Store.
func (m *MemStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// Sessions implements Lister. Ids are sorted.
func (m *MemStore) Sessions(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Prune implements Pruner.
func (m *MemStore) Prune(_ context.Context, sessionID string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lineage := m.sessions[sessionID]
	if len(lineage) > keep {
		m.sessions[sessionID] = append([]Checkpoint(nil), lineage[len(lineage)-keep:]...)
	}
	return nil
}

// serializableMemStore is the JSON representation of MemStore.
type serializableMemStore struct {
	Sessions map[string][]Checkpoint `json:"sessions"`
}

// MarshalJSON serialises every session's lineage.
//
// Example:
//
//	data, err := st.MarshalJSON()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	os.WriteFile("sessions.json", data, 0o644)
func (m *MemStore) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(serializableMemStore{Sessions: m.sessions})
}

// UnmarshalJSON replaces the store contents with data.
func (m *MemStore) UnmarshalJSON(data []byte) error {
	var s serializableMemStore
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.Sessions == nil {
		s.Sessions = make(map[string][]Checkpoint)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = s.Sessions
	if m.now == nil {
		m.now = time.Now
	}
	return nil
}
