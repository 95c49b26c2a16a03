package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveSession inserts or replaces the goal and status of a session.
// Uses ON CONFLICT to upsert so a restarted run keeps its history.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec SessionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = StatusRunning
	}

	_, err := s.exec(ctx, `
		INSERT INTO sessions (id, goal, status, answer, replans, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			goal = excluded.goal,
			status = excluded.status,
			answer = excluded.answer,
			replans = excluded.replans,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Goal, rec.Status, rec.Answer, rec.Replans, rec.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// EnsureSession creates a running session row if none exists.
func (s *SQLiteStore) EnsureSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.exec(ctx, `
		INSERT INTO sessions (id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, StatusRunning, now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}
	return nil
}

// SetSessionStatus updates the status of a session.
func (s *SQLiteStore) SetSessionStatus(ctx context.Context, id, status string) error {
	return s.updateSession(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		id, status, time.Now().UTC(), id)
}

// FinishSession records the final answer of a session run.
func (s *SQLiteStore) FinishSession(ctx context.Context, id, status, answer string, replans int) error {
	return s.updateSession(ctx, `UPDATE sessions SET status = ?, answer = ?, replans = ?, updated_at = ? WHERE id = ?`,
		id, status, answer, replans, time.Now().UTC(), id)
}

func (s *SQLiteStore) updateSession(ctx context.Context, query, id string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rec SessionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, goal, status, answer, replans, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Goal, &rec.Status, &rec.Answer, &rec.Replans, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return &rec, nil
}

// ListSessions returns all sessions, oldest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal, status, answer, replans, created_at, updated_at
		FROM sessions
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	out := []SessionRecord{}
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.Goal, &rec.Status, &rec.Answer, &rec.Replans, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return out, nil
}

// DeleteSession removes a session and its history.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"steps", "tasks", "tool_calls"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
