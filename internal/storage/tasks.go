package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

func (db *DB) CreateTask(ctx context.Context, t *models.Task) error {
	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("marshal task history: %w", err)
	}
	meta, err := json.Marshal(t.Meta)
	if err != nil {
		return fmt.Errorf("marshal task meta: %w", err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO tasks (id, title, description, created_by, priority, status, assigned_to, worktree_path, branch, merge_status, history, meta, created_at, updated_at, closed_at, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, t.Description, nullableString(t.CreatedBy), t.Priority, string(t.Status), nullableString(t.AssignedTo), nullableString(t.WorktreePath),
		nullableString(t.Branch), nullableString(string(t.MergeStatus)), string(history), string(meta),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), nullableTimeString(t.ClosedAt), nullableString(t.CloseReason))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := db.QueryRow(ctx, taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, dispatcherr.NotFound("task " + id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (db *DB) UpdateTask(ctx context.Context, t *models.Task) error {
	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("marshal task history: %w", err)
	}
	meta, err := json.Marshal(t.Meta)
	if err != nil {
		return fmt.Errorf("marshal task meta: %w", err)
	}

	_, err = db.Exec(ctx, `
		UPDATE tasks SET title = ?, description = ?, created_by = ?, priority = ?, status = ?, assigned_to = ?, worktree_path = ?,
			branch = ?, merge_status = ?, history = ?, meta = ?, updated_at = ?, closed_at = ?, close_reason = ?
		WHERE id = ?
	`, t.Title, t.Description, nullableString(t.CreatedBy), t.Priority, string(t.Status), nullableString(t.AssignedTo), nullableString(t.WorktreePath),
		nullableString(t.Branch), nullableString(string(t.MergeStatus)), string(history), string(meta),
		formatTime(t.UpdatedAt), nullableTimeString(t.ClosedAt), nullableString(t.CloseReason), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// PatchTask applies a partial update transactionally: load, mutate the
// fields the caller set, persist, return the new state. This is how Task
// Assignment and the Merge Pipeline make status/assignee changes without
// clobbering fields they don't own.
func (db *DB) PatchTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error) {
	t, err := db.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.AssignedTo != nil {
		t.AssignedTo = *patch.AssignedTo
	}
	if patch.WorktreePath != nil {
		t.WorktreePath = *patch.WorktreePath
	}
	if patch.Branch != nil {
		t.Branch = *patch.Branch
	}
	if patch.MergeStatus != nil {
		t.MergeStatus = *patch.MergeStatus
	}

	if err := db.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (db *DB) ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error) {
	clauses := []string{"1=1"}
	var args []any

	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.MergeStatus != "" {
		clauses = append(clauses, "merge_status = ?")
		args = append(args, string(filter.MergeStatus))
	}
	if filter.Unassigned {
		clauses = append(clauses, "(assigned_to IS NULL OR assigned_to = '')")
	} else if filter.AssignedTo != "" {
		clauses = append(clauses, "assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if len(filter.IDs) > 0 {
		clauses = append(clauses, "id IN ("+placeholders(len(filter.IDs))+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}

	query := taskSelectColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at`
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ReadyTasks returns open, unassigned tasks ordered by effective priority:
// lower Priority value first, ties broken by creation time. The real
// ready() predicate (blocked tasks, draft plans, future scheduling) belongs
// to the entity/document layer this module treats as opaque; this is the
// authoritative readiness view the dispatcher is allowed to consume.
func (db *DB) ReadyTasks(ctx context.Context, limit int) ([]models.Task, error) {
	query := taskSelectColumns + ` FROM tasks WHERE status = ? AND (assigned_to IS NULL OR assigned_to = '') ORDER BY priority, created_at`
	args := []any{string(models.TaskStatusOpen)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ready tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

const taskSelectColumns = `SELECT id, title, description, created_by, priority, status, assigned_to, worktree_path, branch, merge_status, history, meta, created_at, updated_at, closed_at, close_reason`

func scanTask(scan func(...any) error) (*models.Task, error) {
	var t models.Task
	var status string
	var description, createdBy, assignedTo, worktreePath, branch, mergeStatus sql.NullString
	var history, meta sql.NullString
	var createdAt, updatedAt string
	var closedAt, closeReason sql.NullString

	if err := scan(&t.ID, &t.Title, &description, &createdBy, &t.Priority, &status, &assignedTo, &worktreePath, &branch,
		&mergeStatus, &history, &meta, &createdAt, &updatedAt, &closedAt, &closeReason); err != nil {
		return nil, err
	}

	t.Status = models.TaskStatus(status)
	if description.Valid {
		t.Description = description.String
	}
	if createdBy.Valid {
		t.CreatedBy = createdBy.String
	}
	if assignedTo.Valid {
		t.AssignedTo = assignedTo.String
	}
	if worktreePath.Valid {
		t.WorktreePath = worktreePath.String
	}
	if branch.Valid {
		t.Branch = branch.String
	}
	if mergeStatus.Valid {
		t.MergeStatus = models.MergeStatus(mergeStatus.String)
	}
	if history.Valid && history.String != "" {
		json.Unmarshal([]byte(history.String), &t.History)
	}
	if meta.Valid && meta.String != "" {
		json.Unmarshal([]byte(meta.String), &t.Meta)
	}
	t.CreatedAt, _ = parseTime(createdAt)
	t.UpdatedAt, _ = parseTime(updatedAt)
	t.ClosedAt = parseNullableTime(closedAt)
	if closeReason.Valid {
		t.CloseReason = closeReason.String
	}
	return &t, nil
}
