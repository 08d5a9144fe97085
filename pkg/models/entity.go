// Package models defines the typed entities the dispatch orchestrator reads
// and writes: entities (agents), tasks, sessions, inbox items, messages,
// channels, and worktrees. The storage engine that persists them is treated
// as an opaque contract elsewhere in this module; this package only carries
// the shapes that contract moves around.
package models

import "time"

// EntityRole is the kind of actor an Entity represents.
type EntityRole string

const (
	// RoleDirector is the single interactive entity driving a session.
	RoleDirector EntityRole = "director"
	// RoleWorker is an entity that executes dispatched tasks.
	RoleWorker EntityRole = "worker"
	// RoleSteward is an entity that reviews and merges completed work.
	RoleSteward EntityRole = "steward"
)

// Valid reports whether r is a known role.
func (r EntityRole) Valid() bool {
	switch r {
	case RoleDirector, RoleWorker, RoleSteward:
		return true
	default:
		return false
	}
}

// WorkerMode distinguishes ephemeral (one task, then retired) workers from
// persistent ones that are resumed across tasks.
type WorkerMode string

const (
	WorkerEphemeral  WorkerMode = "ephemeral"
	WorkerPersistent WorkerMode = "persistent"
)

// StewardFocus distinguishes the two steward specializations.
type StewardFocus string

const (
	StewardFocusMerge  StewardFocus = "merge"
	StewardFocusHealth StewardFocus = "health"
)

// Entity is an opaque identity with a role. It owns at most one active
// session at a time. Entities are created once and never destroyed; they are
// soft-deactivated instead.
type Entity struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Role EntityRole `json:"role"`

	// WorkerMode is set only when Role == RoleWorker.
	WorkerMode WorkerMode `json:"workerMode,omitempty"`
	// StewardFocus is set only when Role == RoleSteward.
	StewardFocus StewardFocus `json:"stewardFocus,omitempty"`

	Deactivated bool      `json:"deactivated"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// IsWorker reports whether the entity is a worker of the given mode. An
// empty mode matches any worker.
func (e *Entity) IsWorker(mode WorkerMode) bool {
	if e == nil || e.Role != RoleWorker {
		return false
	}
	return mode == "" || e.WorkerMode == mode
}

// IsSteward reports whether the entity is a steward of the given focus. An
// empty focus matches any steward.
func (e *Entity) IsSteward(focus StewardFocus) bool {
	if e == nil || e.Role != RoleSteward {
		return false
	}
	return focus == "" || e.StewardFocus == focus
}

// EntityFilter selects a subset of entities from the storage layer.
type EntityFilter struct {
	Role         EntityRole
	WorkerMode   WorkerMode
	StewardFocus StewardFocus
	IDs          []string
	ExcludeIDs   []string
}
