// Package store persists the checkpoint lineage of workflow sessions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a session has no checkpoints.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by every operation on a closed store.
var ErrClosed = errors.New("store is closed")

// ErrSequenceConflict is returned by Append when the checkpoint's sequence
// number does not directly follow the session's latest checkpoint.
// Checkpoints are immutable, so an existing sequence number is never
// overwritten.
var ErrSequenceConflict = errors.New("checkpoint sequence conflict")

// Status is the control position recorded in a checkpoint.
type Status string

const (
	// StatusRunning means Step is the next step to execute.
	StatusRunning Status = "running"

	// StatusAwaitingInput means the session is suspended; Step is the step
	// that requested input and runs again on resume.
	StatusAwaitingInput Status = "awaiting_input"

	// StatusCompleted means the session terminated. Step is empty.
	StatusCompleted Status = "completed"
)

// Checkpoint is an immutable, sequence-numbered snapshot of a session.
type Checkpoint struct {
	SessionID string         `json:"session_id"`
	Seq       int            `json:"seq"`
	State     map[string]any `json:"state"`
	Step      string         `json:"step"`
	Status    Status         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store persists checkpoints.
//
// Implementations must allow concurrent use across sessions. Within one
// session the engine appends in sequence order, and Append rejects any
// checkpoint whose Seq is not exactly latest+1 (0 for a new session).
//
// Implementations:
//   - MemStore: in-process map, for tests and single-process use
//   - SQLiteStore: embedded single-file log
//   - MySQLStore: shared relational store
//   - RedisStore: shared key-value store with optional TTL
type Store interface {
	// Append adds cp to its session's lineage.
	Append(ctx context.Context, cp Checkpoint) error

	// Latest returns the checkpoint with the highest Seq, or ErrNotFound.
	Latest(ctx context.Context, sessionID string) (Checkpoint, error)

	// History returns all retained checkpoints, oldest first. An unknown
	// session yields an empty slice.
	History(ctx context.Context, sessionID string) ([]Checkpoint, error)

	// Delete removes a session's lineage. Deleting an unknown session is
	// not an error. The engine never calls Delete.
	Delete(ctx context.Context, sessionID string) error
}

// Lister is implemented by stores that can enumerate sessions.
type Lister interface {
	Sessions(ctx context.Context) ([]string, error)
}

// Pruner is implemented by stores that can drop old checkpoints. Pruning
// always retains the latest checkpoint.
type Pruner interface {
	Prune(ctx context.Context, sessionID string, keep int) error
}

// validate checks the fields every implementation requires.
func validate(cp Checkpoint) error {
	if cp.SessionID == "" {
		return errors.New("checkpoint session id cannot be empty")
	}
	if cp.Seq < 0 {
		return fmt.Errorf("checkpoint seq cannot be negative: %d", cp.Seq)
	}
	switch cp.Status {
	case StatusRunning, StatusAwaitingInput, StatusCompleted:
	default:
		return fmt.Errorf("checkpoint has unknown status %q", cp.Status)
	}
	return nil
}

// conflict builds the error for an out-of-order append.
func conflict(sessionID string, want, got int) error {
	return fmt.Errorf("%w: session %s expects seq %d, got %d", ErrSequenceConflict, sessionID, want, got)
}

// encodeState serialises checkpoint state for persistent backends.
func encodeState(state map[string]any) (string, error) {
	if state == nil {
		state = map[string]any{}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	return string(data), nil
}

func decodeState(data string) (map[string]any, error) {
	state := map[string]any{}
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, nil
}

// cloneCheckpoint returns a deep copy so callers cannot mutate stored
// checkpoints.
func cloneCheckpoint(cp Checkpoint) (Checkpoint, error) {
	data, err := encodeState(cp.State)
	if err != nil {
		return Checkpoint{}, err
	}
	state, err := decodeState(data)
	if err != nil {
		return Checkpoint{}, err
	}
	cp.State = state
	return cp, nil
}
