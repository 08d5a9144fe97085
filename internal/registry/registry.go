// Package registry answers "which agents are idle" for the Dispatch
// Daemon. It is not a standalone store: an agent's identity lives in
// storage.EntityStore and its liveness lives in internal/session, so the
// registry is a thin query composition over both rather than a third
// copy of agent state.
package registry

import (
	"context"
	"sort"

	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

// ActiveSessionChecker reports whether an entity currently has an active
// session, per internal/session's self-healing liveness check. It is the
// narrow slice of *session.Manager the registry actually needs.
type ActiveSessionChecker interface {
	GetActiveSession(ctx context.Context, entityID string) (*models.Session, error)
}

// EntityLister is the narrow slice of storage.EntityStore the registry
// needs to enumerate candidate agents.
type EntityLister interface {
	ListEntities(ctx context.Context, filter models.EntityFilter) ([]models.Entity, error)
}

// Registry composes an EntityLister and an ActiveSessionChecker into
// idle-agent queries. It holds no state of its own.
type Registry struct {
	entities EntityLister
	sessions ActiveSessionChecker
}

func New(entities EntityLister, sessions ActiveSessionChecker) *Registry {
	return &Registry{entities: entities, sessions: sessions}
}

// IdleAgents returns the non-deactivated entities matching filter that
// have no active session, sorted by ID for deterministic dispatch order.
func (r *Registry) IdleAgents(ctx context.Context, filter models.EntityFilter) ([]models.Entity, error) {
	candidates, err := r.entities.ListEntities(ctx, filter)
	if err != nil {
		return nil, err
	}

	idle := make([]models.Entity, 0, len(candidates))
	for _, e := range candidates {
		if e.Deactivated {
			continue
		}
		ok, err := r.isIdle(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			idle = append(idle, e)
		}
	}

	sort.Slice(idle, func(i, j int) bool { return idle[i].ID < idle[j].ID })
	return idle, nil
}

// IdleWorkers is a convenience wrapper for the common case: idle workers
// of the given mode ("" matches either mode).
func (r *Registry) IdleWorkers(ctx context.Context, mode models.WorkerMode) ([]models.Entity, error) {
	return r.IdleAgents(ctx, models.EntityFilter{Role: models.RoleWorker, WorkerMode: mode})
}

// IdleStewards is a convenience wrapper for idle stewards of the given
// focus ("" matches either focus).
func (r *Registry) IdleStewards(ctx context.Context, focus models.StewardFocus) ([]models.Entity, error) {
	return r.IdleAgents(ctx, models.EntityFilter{Role: models.RoleSteward, StewardFocus: focus})
}

// IsIdle reports whether a single entity has no active session.
func (r *Registry) IsIdle(ctx context.Context, entityID string) (bool, error) {
	return r.isIdle(ctx, entityID)
}

// isIdle treats GetActiveSession's NOT_FOUND as "idle" rather than an
// error: the absence of an active session is the expected, common case,
// not a failure.
func (r *Registry) isIdle(ctx context.Context, entityID string) (bool, error) {
	_, err := r.sessions.GetActiveSession(ctx, entityID)
	if err == nil {
		return false, nil
	}
	if kind, ok := dispatcherr.KindOf(err); ok && kind == dispatcherr.KindNotFound {
		return true, nil
	}
	return false, err
}
