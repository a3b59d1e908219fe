package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps every session's checkpoints in an append-only table of a
// single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments that must survive restarts
//
// Features:
//   - Single file database (e.g., "./sessions.db")
//   - Auto-migration on first use
//   - WAL mode for concurrent reads
//   - Transactional appends with sequence checks
//
// Schema:
//   - checkpoints: one row per (session_id, seq)
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (or creates) the database at path.
//
//   - "./sessions.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	st, err := store.NewSQLiteStore("./sessions.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(session_id, seq)
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_session_seq ON checkpoints(session_id, seq)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_session_seq: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Append implements Store. The sequence check and the insert run in one
// transaction.
func (s *SQLiteStore) Append(ctx context.Context, cp Checkpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validate(cp); err != nil {
		return err
	}
	stateJSON, err := encodeState(cp.State)
	if err != nil {
		return err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(seq) FROM checkpoints WHERE session_id = ?", cp.SessionID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("failed to read latest seq: %w", err)
	}
	want := 0
	if maxSeq.Valid {
		want = int(maxSeq.Int64) + 1
	}
	if cp.Seq != want {
		return conflict(cp.SessionID, want, cp.Seq)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, seq, step, status, state, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		cp.SessionID, cp.Seq, cp.Step, string(cp.Status), stateJSON, cp.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context, sessionID string) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, seq, step, status, state, created_at
		FROM checkpoints
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, sessionID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return cp, nil
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, step, status, state, created_at
		FROM checkpoints
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Sessions implements Lister.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT session_id FROM checkpoints ORDER BY session_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Prune implements Pruner.
func (s *SQLiteStore) Prune(ctx context.Context, sessionID string, keep int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if keep < 1 {
		keep = 1
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE session_id = ? AND seq <= (SELECT MAX(seq) FROM checkpoints WHERE session_id = ?) - ?
	`, sessionID, sessionID, keep)
	if err != nil {
		return fmt.Errorf("failed to prune session: %w", err)
	}
	return nil
}

// Close closes the database. Further operations return ErrClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanCheckpoint reads one row of session_id, seq, step, status, state,
// created_at. created_at is stored as Unix nanoseconds by both SQL stores.
func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var (
		cp        Checkpoint
		status    string
		stateJSON string
		created   int64
	)
	if err := row.Scan(&cp.SessionID, &cp.Seq, &cp.Step, &status, &stateJSON, &created); err != nil {
		return Checkpoint{}, err
	}
	state, err := decodeState(stateJSON)
	if err != nil {
		return Checkpoint{}, err
	}
	cp.Status = Status(status)
	cp.State = state
	cp.CreatedAt = time.Unix(0, created).UTC()
	return cp, nil
}
