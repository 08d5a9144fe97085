package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

func (db *DB) CreateSession(ctx context.Context, s *models.Session) error {
	_, err := db.Exec(ctx, `
		INSERT INTO sessions (id, entity_id, task_id, status, provider_session_id, pid, worktree_path, interactive, started_at, ended_at, tokens_used, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.EntityID, nullableString(s.TaskID), string(s.Status), nullableString(s.ProviderSessionID),
		nullableInt(s.PID), nullableString(s.WorktreePath), boolToInt(s.Interactive),
		formatTime(s.StartedAt), nullableTimeString(s.EndedAt), s.TokensUsed, s.CostUSD)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (db *DB) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := db.QueryRow(ctx, sessionSelectColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, dispatcherr.NotFound("session " + id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (db *DB) UpdateSession(ctx context.Context, s *models.Session) error {
	_, err := db.Exec(ctx, `
		UPDATE sessions SET status = ?, provider_session_id = ?, pid = ?, worktree_path = ?,
			ended_at = ?, tokens_used = ?, cost_usd = ?
		WHERE id = ?
	`, string(s.Status), nullableString(s.ProviderSessionID), nullableInt(s.PID), nullableString(s.WorktreePath),
		nullableTimeString(s.EndedAt), s.TokensUsed, s.CostUSD, s.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func (db *DB) ListSessions(ctx context.Context, filter models.SessionFilter) ([]models.Session, error) {
	clauses := []string{"1=1"}
	var args []any

	if filter.EntityID != "" {
		clauses = append(clauses, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Active {
		clauses = append(clauses, "status IN (?, ?, ?)")
		args = append(args, string(models.SessionStatusStarting), string(models.SessionStatusRunning), string(models.SessionStatusSuspended))
	}

	query := sessionSelectColumns + ` FROM sessions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY started_at DESC`
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

const sessionSelectColumns = `SELECT id, entity_id, task_id, status, provider_session_id, pid, worktree_path, interactive, started_at, ended_at, tokens_used, cost_usd`

func scanSession(scan func(...any) error) (*models.Session, error) {
	var s models.Session
	var status string
	var taskID, providerSessionID, worktreePath sql.NullString
	var pid sql.NullInt64
	var interactive int
	var startedAt string
	var endedAt sql.NullString

	if err := scan(&s.ID, &s.EntityID, &taskID, &status, &providerSessionID, &pid, &worktreePath,
		&interactive, &startedAt, &endedAt, &s.TokensUsed, &s.CostUSD); err != nil {
		return nil, err
	}

	s.Status = models.SessionStatus(status)
	if taskID.Valid {
		s.TaskID = taskID.String
	}
	if providerSessionID.Valid {
		s.ProviderSessionID = providerSessionID.String
	}
	if worktreePath.Valid {
		s.WorktreePath = worktreePath.String
	}
	if pid.Valid {
		s.PID = int(pid.Int64)
	}
	s.Interactive = interactive != 0
	s.StartedAt, _ = parseTime(startedAt)
	s.EndedAt = parseNullableTime(endedAt)
	return &s, nil
}

func nullableInt(i int) any {
	if i == 0 {
		return nil
	}
	return i
}
