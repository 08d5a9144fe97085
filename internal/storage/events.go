package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func (db *DB) AppendEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := db.Exec(ctx, `
		INSERT INTO events (id, kind, subject, payload, created_at) VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.Kind, e.Subject, e.Payload, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (db *DB) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	clauses := []string{"1=1"}
	var args []any

	if filter.Subject != "" {
		clauses = append(clauses, "subject = ?")
		args = append(args, filter.Subject)
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, filter.Kind)
	}

	query := `SELECT id, kind, subject, payload FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Subject, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
