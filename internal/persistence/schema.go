package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		answer TEXT NOT NULL DEFAULT '',
		replans INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		node TEXT NOT NULL,
		next TEXT NOT NULL,
		messages INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_steps_session ON steps(session_id, id);

	CREATE TABLE IF NOT EXISTS tasks (
		session_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		description TEXT NOT NULL,
		worker TEXT NOT NULL,
		status TEXT NOT NULL,
		failure_count INTEGER NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, task_id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		tool TEXT NOT NULL,
		request_id TEXT NOT NULL,
		success INTEGER NOT NULL,
		result TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, sequence);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
