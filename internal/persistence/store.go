// Package persistence archives what sessions did: executed steps, tool calls
// and task snapshots. Checkpoints are not stored here.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

const queryTimeout = 5 * time.Second

// Session statuses.
const (
	StatusRunning   = "running"
	StatusSuspended = "suspended"
	StatusFinished  = "finished"
	StatusFailed    = "failed"
	StatusCleared   = "cleared"
	StatusExpired   = "expired"
)

// SessionRecord is the archived summary of a session.
type SessionRecord struct {
	ID        string
	Goal      string
	Status    string
	Answer    string
	Replans   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StepRecord is one executed graph step.
type StepRecord struct {
	SessionID    string
	CheckpointID string
	Step         int
	Node         string
	Next         string
	Messages     int
	CreatedAt    time.Time
}

// TaskRecord is the latest known state of a plan task.
type TaskRecord struct {
	SessionID    string
	TaskID       string
	Description  string
	Worker       string
	Status       string
	FailureCount int
	UpdatedAt    time.Time
}

// ToolCallRecord is one archived tool execution.
type ToolCallRecord struct {
	SessionID string
	Sequence  int
	Tool      string
	RequestID string
	Success   bool
	Result    string
	Duration  time.Duration
	CreatedAt time.Time
}

// Store defines the archive operations.
type Store interface {
	// Sessions
	SaveSession(ctx context.Context, rec SessionRecord) error
	EnsureSession(ctx context.Context, id string) error
	SetSessionStatus(ctx context.Context, id, status string) error
	FinishSession(ctx context.Context, id, status, answer string, replans int) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	ListSessions(ctx context.Context) ([]SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error

	// Session history
	AppendStep(ctx context.Context, rec StepRecord) error
	ListSteps(ctx context.Context, sessionID string) ([]StepRecord, error)
	SaveTask(ctx context.Context, rec TaskRecord) error
	ListTasks(ctx context.Context, sessionID string) ([]TaskRecord, error)
	AppendToolCall(ctx context.Context, rec ToolCallRecord) error
	ListToolCalls(ctx context.Context, sessionID string) ([]ToolCallRecord, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates a private in-memory SQLite store.
// The shared cache lets the pool's connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString()))
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite ignores _foreign_keys; the _pragma parameter covers new
	// connections and this covers the first one.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// exec runs a single statement in a serializable transaction.
func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return res, nil
}
