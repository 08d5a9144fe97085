package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

func (db *DB) CreateEntity(ctx context.Context, e *models.Entity) error {
	_, err := db.Exec(ctx, `
		INSERT INTO entities (id, name, role, worker_mode, steward_focus, deactivated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Name, string(e.Role), nullableString(string(e.WorkerMode)), nullableString(string(e.StewardFocus)),
		boolToInt(e.Deactivated), formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create entity: %w", err)
	}
	return nil
}

func (db *DB) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	row := db.QueryRow(ctx, `
		SELECT id, name, role, worker_mode, steward_focus, deactivated, created_at, updated_at
		FROM entities WHERE id = ?
	`, id)
	e, err := scanEntity(row.Scan)
	if err == sql.ErrNoRows {
		return nil, dispatcherr.NotFound("entity " + id)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

func (db *DB) UpdateEntity(ctx context.Context, e *models.Entity) error {
	_, err := db.Exec(ctx, `
		UPDATE entities SET name = ?, role = ?, worker_mode = ?, steward_focus = ?, deactivated = ?, updated_at = ?
		WHERE id = ?
	`, e.Name, string(e.Role), nullableString(string(e.WorkerMode)), nullableString(string(e.StewardFocus)),
		boolToInt(e.Deactivated), formatTime(e.UpdatedAt), e.ID)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	return nil
}

func (db *DB) ListEntities(ctx context.Context, filter models.EntityFilter) ([]models.Entity, error) {
	clauses := []string{"1=1"}
	var args []any

	if filter.Role != "" {
		clauses = append(clauses, "role = ?")
		args = append(args, string(filter.Role))
	}
	if filter.WorkerMode != "" {
		clauses = append(clauses, "worker_mode = ?")
		args = append(args, string(filter.WorkerMode))
	}
	if filter.StewardFocus != "" {
		clauses = append(clauses, "steward_focus = ?")
		args = append(args, string(filter.StewardFocus))
	}
	if len(filter.IDs) > 0 {
		clauses = append(clauses, "id IN ("+placeholders(len(filter.IDs))+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	for _, id := range filter.ExcludeIDs {
		clauses = append(clauses, "id != ?")
		args = append(args, id)
	}

	query := `SELECT id, name, role, worker_mode, steward_focus, deactivated, created_at, updated_at
		FROM entities WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at`

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var entities []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

func scanEntity(scan func(...any) error) (*models.Entity, error) {
	var e models.Entity
	var role string
	var workerMode, stewardFocus sql.NullString
	var deactivated int
	var createdAt, updatedAt string

	if err := scan(&e.ID, &e.Name, &role, &workerMode, &stewardFocus, &deactivated, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	e.Role = models.EntityRole(role)
	if workerMode.Valid {
		e.WorkerMode = models.WorkerMode(workerMode.String)
	}
	if stewardFocus.Valid {
		e.StewardFocus = models.StewardFocus(stewardFocus.String)
	}
	e.Deactivated = deactivated != 0
	e.CreatedAt, _ = parseTime(createdAt)
	e.UpdatedAt, _ = parseTime(updatedAt)
	return &e, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "?"
	}
	return strings.Join(ph, ", ")
}
