package pii

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	detectors "github.com/hannes/kiji-rag/src/backend/pii/detectors"
)

// Supported database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver       string // sqlite or postgres
	Path         string // SQLite database file
	DSN          string // Postgres connection string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// MappingEntry is one pseudonym -> original association of a session
type MappingEntry struct {
	Pseudonym  string
	Original   string
	EntityType string
}

// MappingStore persists session-scoped mapping tables. Tables only grow
// through Merge and are removed as a whole by DeleteSession.
type MappingStore interface {
	// Merge upserts entries into the session table atomically; later entries
	// win on pseudonym collision.
	Merge(ctx context.Context, sessionID string, entries []MappingEntry) error

	// Get returns the full pseudonym -> original table of a session
	Get(ctx context.Context, sessionID string) (map[string]string, error)

	// FindPseudonym returns the pseudonym already assigned to value in a session
	FindPseudonym(ctx context.Context, sessionID, entityType, value string) (string, bool, error)

	// DeleteSession removes the session table
	DeleteSession(ctx context.Context, sessionID string) error

	// LastActivity returns the newest mapping write of every session
	LastActivity(ctx context.Context) (map[string]time.Time, error)

	Close() error
}

// LogEntry is one masking event for the audit log. Original values are never
// stored here.
type LogEntry struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SessionID   string    `json:"session_id"`
	Direction   string    `json:"direction"`
	Message     string    `json:"message"`
	EntityTypes []string  `json:"entity_types"`
}

// MaxLogMessageSize caps the masked message stored with a log entry
const MaxLogMessageSize = 50 * 1024

// SQLStore implements MappingStore and the audit log on database/sql for
// SQLite and Postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// OpenDatabase opens and pings the configured database
func OpenDatabase(ctx context.Context, config DatabaseConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch config.Driver {
	case DriverSQLite, "":
		dbPath := config.Path
		if dbPath == "" {
			dbPath = "kiji-rag.db"
		}
		dir := filepath.Dir(dbPath)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", dbPath)
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database connection: %w", err)
		}
		// SQLite works best with a single writer connection
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		db, err = sql.Open("postgres", config.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database connection: %w", err)
		}
		if config.MaxOpenConns > 0 {
			db.SetMaxOpenConns(config.MaxOpenConns)
		}
		if config.MaxIdleConns > 0 {
			db.SetMaxIdleConns(config.MaxIdleConns)
		}
		if config.MaxLifetime > 0 {
			db.SetConnMaxLifetime(config.MaxLifetime)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// NewSQLStore creates the mapping and log tables if needed
func NewSQLStore(ctx context.Context, db *sql.DB, driver string, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if driver == "" {
		driver = DriverSQLite
	}
	s := &SQLStore{db: db, driver: driver, logger: logger.Named("mapping_store")}
	if err := s.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables(ctx context.Context) error {
	logID := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		logID = "id BIGSERIAL PRIMARY KEY"
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS mask_mappings (
			session_id TEXT NOT NULL,
			pseudonym TEXT NOT NULL,
			original_value TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (session_id, pseudonym)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mask_mappings_value ON mask_mappings(session_id, entity_type, original_value)`,
		`CREATE INDEX IF NOT EXISTS idx_mask_mappings_updated_at ON mask_mappings(updated_at)`,

		`CREATE TABLE IF NOT EXISTS logs (
			` + logID + `,
			timestamp BIGINT NOT NULL,
			session_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			message TEXT,
			entity_types TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_session ON logs(session_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute: %s: %w", query, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres
func (s *SQLStore) rebind(query string) string {
	return Rebind(s.driver, query)
}

// Rebind rewrites ? placeholders to the driver's bind syntax
func Rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Merge upserts all entries in one transaction. On failure nothing is written.
func (s *SQLStore) Merge(ctx context.Context, sessionID string, entries []MappingEntry) (err error) {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
	INSERT INTO mask_mappings (session_id, pseudonym, original_value, entity_type, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (session_id, pseudonym)
	DO UPDATE SET
		original_value = excluded.original_value,
		entity_type = excluded.entity_type,
		updated_at = excluded.updated_at
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixNano()
	for _, e := range entries {
		if _, err = stmt.ExecContext(ctx, sessionID, e.Pseudonym, e.Original, e.EntityType, now, now); err != nil {
			return fmt.Errorf("failed to upsert mapping: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mappings: %w", err)
	}
	return nil
}

// Get returns the session table
func (s *SQLStore) Get(ctx context.Context, sessionID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT pseudonym, original_value FROM mask_mappings WHERE session_id = ?`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	mapping := make(map[string]string)
	for rows.Next() {
		var pseudonym, original string
		if err := rows.Scan(&pseudonym, &original); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mapping[pseudonym] = original
	}
	return mapping, rows.Err()
}

// FindPseudonym returns the most recent pseudonym recorded for value
func (s *SQLStore) FindPseudonym(ctx context.Context, sessionID, entityType, value string) (string, bool, error) {
	var pseudonym string
	err := s.db.QueryRowContext(ctx, s.rebind(`
	SELECT pseudonym FROM mask_mappings
	WHERE session_id = ? AND entity_type = ? AND original_value = ?
	ORDER BY updated_at DESC LIMIT 1`), sessionID, entityType, value).Scan(&pseudonym)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return pseudonym, true, nil
}

// DeleteSession removes the session table and its log entries
func (s *SQLStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM mask_mappings WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete mappings: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM logs WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete logs: %w", err)
	}
	s.logger.Info("session mappings deleted", zap.String("session_id", sessionID))
	return nil
}

// LastActivity returns the newest updated_at per session
func (s *SQLStore) LastActivity(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, MAX(updated_at) FROM mask_mappings GROUP BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query session activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	last := make(map[string]time.Time)
	for rows.Next() {
		var (
			id string
			at int64
		)
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		last[id] = time.Unix(0, at)
	}
	return last, rows.Err()
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// InsertLog records which entity types were masked in a message
func (s *SQLStore) InsertLog(ctx context.Context, sessionID, direction, maskedMessage string, entities []detectors.Entity) error {
	if len(maskedMessage) > MaxLogMessageSize {
		maskedMessage = maskedMessage[:MaxLogMessageSize] + "... [truncated]"
	}

	types := make([]string, 0, len(entities))
	for _, e := range entities {
		types = append(types, e.Label)
	}
	typesJSON, err := json.Marshal(types)
	if err != nil {
		return fmt.Errorf("failed to marshal entity types: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
	INSERT INTO logs (timestamp, session_id, direction, message, entity_types)
	VALUES (?, ?, ?, ?, ?)`), time.Now().UnixNano(), sessionID, direction, maskedMessage, string(typesJSON))
	if err != nil {
		return fmt.Errorf("failed to insert log: %w", err)
	}
	return nil
}

// GetLogs returns log entries newest first
func (s *SQLStore) GetLogs(ctx context.Context, limit, offset int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
	SELECT id, timestamp, session_id, direction, message, entity_types
	FROM logs ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []LogEntry{}
	for rows.Next() {
		var (
			e       LogEntry
			ts      int64
			message sql.NullString
			types   string
		)
		if err := rows.Scan(&e.ID, &ts, &e.SessionID, &e.Direction, &message, &types); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Message = message.String
		if err := json.Unmarshal([]byte(types), &e.EntityTypes); err != nil {
			e.EntityTypes = []string{}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
