package chat

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hannes/kiji-rag/src/backend/pii"
	"github.com/hannes/kiji-rag/src/backend/providers"
)

// Transcript is the append-only masked message log of each session
type Transcript interface {
	Append(ctx context.Context, sessionID string, msgs ...providers.Message) error
	// History returns the last limit messages, oldest first
	History(ctx context.Context, sessionID string, limit int) ([]providers.Message, error)
	Delete(ctx context.Context, sessionID string) error
	// LastActivity returns the newest append of every session
	LastActivity(ctx context.Context) (map[string]time.Time, error)
}

// SQLTranscript stores messages in the mapping database
type SQLTranscript struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

func NewSQLTranscript(ctx context.Context, db *sql.DB, driver string) (*SQLTranscript, error) {
	id := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == pii.DriverPostgres {
		id = "id BIGSERIAL PRIMARY KEY"
	}
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chat_messages (
			` + id + `,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, id)`,
	}
	for _, q := range queries {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return nil, fmt.Errorf("failed to create transcript table: %w", err)
		}
	}
	return &SQLTranscript{db: db, driver: driver, now: time.Now}, nil
}

func (t *SQLTranscript) Append(ctx context.Context, sessionID string, msgs ...providers.Message) (err error) {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := pii.Rebind(t.driver, `INSERT INTO chat_messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`)
	now := t.now().UnixNano()
	for _, m := range msgs {
		if _, err = tx.ExecContext(ctx, query, sessionID, m.Role, m.Content, now); err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
	}
	return tx.Commit()
}

func (t *SQLTranscript) History(ctx context.Context, sessionID string, limit int) ([]providers.Message, error) {
	rows, err := t.db.QueryContext(ctx, pii.Rebind(t.driver,
		`SELECT role, content FROM chat_messages WHERE session_id = ? ORDER BY id DESC LIMIT ?`), sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var newestFirst []providers.Message
	for rows.Next() {
		var m providers.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]providers.Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(out)-1-i] = m
	}
	return out, nil
}

func (t *SQLTranscript) Delete(ctx context.Context, sessionID string) error {
	_, err := t.db.ExecContext(ctx, pii.Rebind(t.driver, `DELETE FROM chat_messages WHERE session_id = ?`), sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	return nil
}

func (t *SQLTranscript) LastActivity(ctx context.Context) (map[string]time.Time, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT session_id, MAX(created_at) FROM chat_messages GROUP BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript activity: %w", err)
	}
	defer rows.Close()

	last := make(map[string]time.Time)
	for rows.Next() {
		var (
			id string
			at int64
		)
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		last[id] = time.Unix(0, at)
	}
	return last, rows.Err()
}

// MemoryTranscript keeps transcripts in process memory
type MemoryTranscript struct {
	mu       sync.RWMutex
	sessions map[string][]providers.Message
	last     map[string]time.Time
	now      func() time.Time
}

func NewMemoryTranscript() *MemoryTranscript {
	return &MemoryTranscript{
		sessions: make(map[string][]providers.Message),
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

func (t *MemoryTranscript) Append(ctx context.Context, sessionID string, msgs ...providers.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sessionID] = append(t.sessions[sessionID], msgs...)
	t.last[sessionID] = t.now()
	return nil
}

func (t *MemoryTranscript) History(ctx context.Context, sessionID string, limit int) ([]providers.Message, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	msgs := t.sessions[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]providers.Message{}, msgs...), nil
}

func (t *MemoryTranscript) Delete(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
	delete(t.last, sessionID)
	return nil
}

func (t *MemoryTranscript) LastActivity(ctx context.Context) (map[string]time.Time, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	last := make(map[string]time.Time, len(t.last))
	for id, at := range t.last {
		last[id] = at
	}
	return last, nil
}
