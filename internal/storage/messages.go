package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

// CreateDirectChannel returns the existing direct channel between a and b if
// one exists, otherwise creates one. Direct channels are looked up by exact
// two-member match regardless of order.
func (db *DB) CreateDirectChannel(ctx context.Context, a, b string) (*models.Channel, error) {
	rows, err := db.Query(ctx, `SELECT id, members, direct, created_at FROM channels WHERE direct = 1`)
	if err != nil {
		return nil, fmt.Errorf("find direct channel: %w", err)
	}
	for rows.Next() {
		c, err := scanChannel(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		if len(c.Members) == 2 && sameMembers(c.Members, a, b) {
			rows.Close()
			return c, nil
		}
	}
	rows.Close()

	c := &models.Channel{
		ID:        uuid.NewString(),
		Members:   []string{a, b},
		Direct:    true,
		CreatedAt: time.Now(),
	}
	members, err := json.Marshal(c.Members)
	if err != nil {
		return nil, fmt.Errorf("marshal channel members: %w", err)
	}
	if _, err := db.Exec(ctx, `
		INSERT INTO channels (id, members, direct, created_at) VALUES (?, ?, ?, ?)
	`, c.ID, string(members), boolToInt(c.Direct), formatTime(c.CreatedAt)); err != nil {
		return nil, fmt.Errorf("create direct channel: %w", err)
	}
	return c, nil
}

func sameMembers(members []string, a, b string) bool {
	return (members[0] == a && members[1] == b) || (members[0] == b && members[1] == a)
}

func scanChannel(scan func(...any) error) (*models.Channel, error) {
	var c models.Channel
	var membersJSON string
	var direct int
	var createdAt string
	if err := scan(&c.ID, &membersJSON, &direct, &createdAt); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(membersJSON), &c.Members)
	c.Direct = direct != 0
	c.CreatedAt, _ = parseTime(createdAt)
	return &c, nil
}

// PostMessage stores msg under channelID and fans it out as an unread
// InboxItem to every channel member other than the sender.
func (db *DB) PostMessage(ctx context.Context, channelID string, msg *models.Message) (*models.Message, error) {
	row := db.QueryRow(ctx, `SELECT id, members, direct, created_at FROM channels WHERE id = ?`, channelID)
	channel, err := scanChannel(row.Scan)
	if err == sql.ErrNoRows {
		return nil, dispatcherr.NotFound("channel " + channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ChannelID = channelID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal message metadata: %w", err)
	}

	err = db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, channel_id, sender_id, content, content_ref, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, msg.ChannelID, msg.SenderID, msg.Content, msg.ContentRef, string(metadata), formatTime(msg.CreatedAt)); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		for _, member := range channel.Members {
			if member == msg.SenderID {
				continue
			}
			item := models.InboxItem{
				ID:        uuid.NewString(),
				EntityID:  member,
				MessageID: msg.ID,
				ChannelID: channelID,
				Status:    models.InboxStatusUnread,
				CreatedAt: msg.CreatedAt,
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO inbox_items (id, entity_id, message_id, channel_id, status, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, item.ID, item.EntityID, item.MessageID, item.ChannelID, string(item.Status), formatTime(item.CreatedAt)); err != nil {
				return fmt.Errorf("insert inbox item: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (db *DB) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := db.QueryRow(ctx, `SELECT id, channel_id, sender_id, content, content_ref, metadata, created_at
		FROM messages WHERE id = ?`, id)
	var msg models.Message
	var metadata sql.NullString
	var createdAt string
	err := row.Scan(&msg.ID, &msg.ChannelID, &msg.SenderID, &msg.Content, &msg.ContentRef, &metadata, &createdAt)
	if err == sql.ErrNoRows {
		return nil, dispatcherr.NotFound("message " + id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata: %w", err)
		}
	}
	msg.CreatedAt, _ = parseTime(createdAt)
	return &msg, nil
}

func (db *DB) GetInbox(ctx context.Context, filter models.InboxFilter) ([]models.InboxItem, error) {
	clauses := []string{"1=1"}
	var args []any

	if filter.EntityID != "" {
		clauses = append(clauses, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ChannelID != "" {
		clauses = append(clauses, "channel_id = ?")
		args = append(args, filter.ChannelID)
	}

	query := `SELECT id, entity_id, message_id, channel_id, status, created_at, read_at
		FROM inbox_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at`
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get inbox: %w", err)
	}
	defer rows.Close()

	var items []models.InboxItem
	for rows.Next() {
		var item models.InboxItem
		var status string
		var createdAt string
		var readAt sql.NullString
		if err := rows.Scan(&item.ID, &item.EntityID, &item.MessageID, &item.ChannelID, &status, &createdAt, &readAt); err != nil {
			return nil, fmt.Errorf("scan inbox item: %w", err)
		}
		item.Status = models.InboxStatus(status)
		item.CreatedAt, _ = parseTime(createdAt)
		item.ReadAt = parseNullableTime(readAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *DB) MarkAsRead(ctx context.Context, inboxItemID string) error {
	res, err := db.Exec(ctx, `
		UPDATE inbox_items SET status = ?, read_at = ? WHERE id = ?
	`, string(models.InboxStatusRead), formatTime(time.Now()), inboxItemID)
	if err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}
	if n == 0 {
		return dispatcherr.NotFound("inbox item " + inboxItemID)
	}
	return nil
}

// MarkAsReadBatch marks every id read in one transaction, so a triage
// session's normal exit can satisfy triage atomicity:
// either all listed items become read, or none do.
func (db *DB) MarkAsReadBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := formatTime(time.Now())
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE inbox_items SET status = ?, read_at = ? WHERE id = ?
			`, string(models.InboxStatusRead), now, id); err != nil {
				return fmt.Errorf("mark as read batch, item %s: %w", id, err)
			}
		}
		return nil
	})
}
