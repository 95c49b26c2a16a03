package persistence

import (
	"context"
	"fmt"
	"time"
)

// AppendStep archives an executed step. Steps are append-only.
func (s *SQLiteStore) AppendStep(ctx context.Context, rec StepRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO steps (session_id, checkpoint_id, step, node, next, messages, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.CheckpointID, rec.Step, rec.Node, rec.Next, rec.Messages, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append step: %w", err)
	}
	return nil
}

// ListSteps returns the steps of a session in execution order.
// Returns an empty slice (not nil) if there are none.
func (s *SQLiteStore) ListSteps(ctx context.Context, sessionID string) ([]StepRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, checkpoint_id, step, node, next, messages, created_at
		FROM steps
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	out := []StepRecord{}
	for rows.Next() {
		var rec StepRecord
		if err := rows.Scan(&rec.SessionID, &rec.CheckpointID, &rec.Step, &rec.Node, &rec.Next, &rec.Messages, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}
	return out, nil
}

// SaveTask stores the latest state of a task.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, rec TaskRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO tasks (session_id, task_id, description, worker, status, failure_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, task_id) DO UPDATE SET
			description = excluded.description,
			worker = excluded.worker,
			status = excluded.status,
			failure_count = excluded.failure_count,
			updated_at = excluded.updated_at
	`, rec.SessionID, rec.TaskID, rec.Description, rec.Worker, rec.Status, rec.FailureCount, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// ListTasks returns the tasks of a session ordered by id.
func (s *SQLiteStore) ListTasks(ctx context.Context, sessionID string) ([]TaskRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, task_id, description, worker, status, failure_count, updated_at
		FROM tasks
		WHERE session_id = ?
		ORDER BY task_id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	out := []TaskRecord{}
	for rows.Next() {
		var rec TaskRecord
		if err := rows.Scan(&rec.SessionID, &rec.TaskID, &rec.Description, &rec.Worker, &rec.Status, &rec.FailureCount, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return out, nil
}

// AppendToolCall archives one tool execution.
func (s *SQLiteStore) AppendToolCall(ctx context.Context, rec ToolCallRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.exec(ctx, `
		INSERT INTO tool_calls (session_id, sequence, tool, request_id, success, result, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.Sequence, rec.Tool, rec.RequestID, success, rec.Result, rec.Duration.Milliseconds(), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append tool call: %w", err)
	}
	return nil
}

// ListToolCalls returns the tool calls of a session by sequence number.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, sessionID string) ([]ToolCallRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sequence, tool, request_id, success, result, duration_ms, created_at
		FROM tool_calls
		WHERE session_id = ?
		ORDER BY sequence ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool calls: %w", err)
	}
	defer rows.Close()

	out := []ToolCallRecord{}
	for rows.Next() {
		var (
			rec     ToolCallRecord
			success int
			ms      int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.Sequence, &rec.Tool, &rec.RequestID, &success, &rec.Result, &ms, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool call: %w", err)
		}
		rec.Success = success != 0
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tool calls: %w", err)
	}
	return out, nil
}
