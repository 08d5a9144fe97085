package storage

import (
	"context"
	"fmt"
)

// Migrate applies all pending schema migrations in order, each in its own
// transaction, recording progress in schema_version so restarts resume from
// the right point.
func (db *DB) Migrate(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

var migrations = []struct {
	version int
	sql     string
}{
	{1, migrationV1Entities},
	{2, migrationV2Tasks},
	{3, migrationV3Sessions},
	{4, migrationV4Messaging},
	{5, migrationV5Events},
	{6, migrationV6TaskDispatchFields},
}

const migrationV1Entities = `
CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	role TEXT NOT NULL,
	worker_mode TEXT,
	steward_focus TEXT,
	deactivated INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_role ON entities(role);
CREATE INDEX IF NOT EXISTS idx_entities_deactivated ON entities(deactivated);
`

const migrationV2Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'open',
	assigned_to TEXT,
	worktree_path TEXT,
	branch TEXT,
	merge_status TEXT,
	history TEXT,
	meta TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	closed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks(assigned_to);
CREATE INDEX IF NOT EXISTS idx_tasks_merge_status ON tasks(merge_status);
`

const migrationV3Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	task_id TEXT,
	status TEXT NOT NULL,
	provider_session_id TEXT,
	pid INTEGER,
	worktree_path TEXT,
	interactive INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME NOT NULL,
	ended_at DATETIME,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0.0
);

CREATE INDEX IF NOT EXISTS idx_sessions_entity_id ON sessions(entity_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

const migrationV4Messaging = `
CREATE TABLE IF NOT EXISTS channels (
	id TEXT PRIMARY KEY,
	members TEXT NOT NULL,
	direct INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	content TEXT,
	content_ref TEXT,
	metadata TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS inbox_items (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'unread',
	created_at DATETIME NOT NULL,
	read_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_messages_channel_id ON messages(channel_id);
CREATE INDEX IF NOT EXISTS idx_inbox_items_entity_id ON inbox_items(entity_id);
CREATE INDEX IF NOT EXISTS idx_inbox_items_status ON inbox_items(status);
`

const migrationV5Events = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL,
	payload TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`

// migrationV6TaskDispatchFields adds the task columns Task Assignment and
// the Merge Pipeline need that migrationV2Tasks predates: the director who
// filed the task (for the dispatch notification's other channel endpoint),
// its nominal priority (for ready-task ordering), and why it was closed
// (cleared by closed-but-unmerged reconciliation when it reopens a task).
const migrationV6TaskDispatchFields = `
ALTER TABLE tasks ADD COLUMN created_by TEXT;
ALTER TABLE tasks ADD COLUMN priority INTEGER NOT NULL DEFAULT 0;
ALTER TABLE tasks ADD COLUMN close_reason TEXT;

CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);
`
