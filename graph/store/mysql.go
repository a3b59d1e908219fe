package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlDuplicateEntry is the server error number for a unique key violation.
const mysqlDuplicateEntry = 1062

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production deployments requiring durable sessions
//   - Several engine processes sharing one checkpoint lineage
//   - Audit trails of every step a session took
//
// Appends run in a transaction that locks the session's latest row, and a
// unique (session_id, seq) key rejects any concurrent writer that slips
// through. Both paths surface as ErrSequenceConflict.
//
// Schema:
//   - checkpoints: one row per (session_id, seq), state stored as JSON
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects to dsn and creates the schema if needed.
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Read the DSN from the
//	environment (SWEGRAPH_DSN) or the config file.
//
// Example:
//
//	st, err := store.NewMySQLStore("user:pass@tcp(localhost:3306)/swegraph")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			session_id VARCHAR(255) NOT NULL,
			seq INT NOT NULL,
			step VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			state JSON NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE KEY unique_session_seq (session_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Append implements Store.
func (m *MySQLStore) Append(ctx context.Context, cp Checkpoint) error {
	if err := m.checkOpen(); err != nil {
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

	return m.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var maxSeq sql.NullInt64
		err := tx.QueryRowContext(ctx,
			"SELECT MAX(seq) FROM checkpoints WHERE session_id = ? FOR UPDATE", cp.SessionID).Scan(&maxSeq)
		if err != nil {
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
		if isDuplicateEntry(err) {
			return conflict(cp.SessionID, want, cp.Seq)
		}
		if err != nil {
			return fmt.Errorf("failed to insert checkpoint: %w", err)
		}
		return nil
	})
}

// Latest implements Store.
func (m *MySQLStore) Latest(ctx context.Context, sessionID string) (Checkpoint, error) {
	if err := m.checkOpen(); err != nil {
		return Checkpoint{}, err
	}
	row := m.db.QueryRowContext(ctx, `
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
func (m *MySQLStore) History(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, `
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
func (m *MySQLStore) Delete(ctx context.Context, sessionID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, err := m.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Sessions implements Lister.
func (m *MySQLStore) Sessions(ctx context.Context) ([]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, "SELECT DISTINCT session_id FROM checkpoints ORDER BY session_id")
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
func (m *MySQLStore) Prune(ctx context.Context, sessionID string, keep int) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if keep < 1 {
		keep = 1
	}
	return m.WithTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			"SELECT MAX(seq) FROM checkpoints WHERE session_id = ? FOR UPDATE", sessionID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("failed to read latest seq: %w", err)
		}
		if !maxSeq.Valid {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			"DELETE FROM checkpoints WHERE session_id = ? AND seq <= ?", sessionID, int(maxSeq.Int64)-keep)
		if err != nil {
			return fmt.Errorf("failed to prune session: %w", err)
		}
		return nil
	})
}

// Close closes the connection pool. Calling Close twice is a no-op.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

// Stats returns database connection pool statistics.
func (m *MySQLStore) Stats() sql.DBStats {
	return m.db.Stats()
}

// WithTransaction executes fn within a READ COMMITTED transaction,
// committing on success and rolling back on error.
func (m *MySQLStore) WithTransaction(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isDuplicateEntry(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}
