// Package storage provides the dispatch core's persistence contract and a
// SQLite-backed implementation of it. The core treats storage as an opaque
// CRUD + query surface; this package is where that surface is
// actually answered.
package storage

import (
	"context"
	"io"

	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

// EntityStore handles entity persistence.
type EntityStore interface {
	CreateEntity(ctx context.Context, e *models.Entity) error
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
	UpdateEntity(ctx context.Context, e *models.Entity) error
	ListEntities(ctx context.Context, filter models.EntityFilter) ([]models.Entity, error)
}

// TaskStore handles task persistence, including the authoritative ready()
// query the dispatcher never re-derives.
type TaskStore interface {
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task) error
	PatchTask(ctx context.Context, id string, patch models.TaskPatch) (*models.Task, error)
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]models.Task, error)
	// ReadyTasks returns tasks passing all readiness predicates, sorted by
	// effective priority. The dispatcher consumes this verbatim.
	ReadyTasks(ctx context.Context, limit int) ([]models.Task, error)
}

// SessionStore handles session persistence.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	ListSessions(ctx context.Context, filter models.SessionFilter) ([]models.Session, error)
}

// MessageStore handles channels, messages, and the inbox projection over
// them.
type MessageStore interface {
	CreateDirectChannel(ctx context.Context, a, b string) (*models.Channel, error)
	PostMessage(ctx context.Context, channelID string, msg *models.Message) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetInbox(ctx context.Context, filter models.InboxFilter) ([]models.InboxItem, error)
	MarkAsRead(ctx context.Context, inboxItemID string) error
	MarkAsReadBatch(ctx context.Context, ids []string) error
}

// Event is a single row of the append-only event log.
type Event struct {
	ID      string
	Kind    string
	Subject string
	Payload string
}

// EventFilter selects a subset of the event log.
type EventFilter struct {
	Subject string
	Kind    string
	Limit   int
}

// EventStore handles the append-only event log.
type EventStore interface {
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)
}

// Migrator applies pending schema migrations.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Store is the full storage contract the dispatch core consumes, composed
// from focused sub-interfaces so components can depend on only what they
// need (Task Assignment needs TaskStore + EntityStore, the Inbox Router
// needs MessageStore, and so on).
type Store interface {
	io.Closer
	Migrator
	EntityStore
	TaskStore
	SessionStore
	MessageStore
	EventStore
}
