// Package inbox classifies each entity's unread messages and decides
// whether to forward them into a live session, mark them read as
// already-handled dispatch traffic, leave them for the entity to read on
// its own, or batch them into a triage session.
package inbox

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/internal/session"
	"github.com/stoneforge-ai/stoneforge/internal/storage"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

// action is the disposition the classification table assigns to one
// unread item.
type action int

const (
	actionLeaveUnread action = iota
	actionMarkRead
	actionForward
	actionDefer
)

// EntityGetter is the narrow slice of storage.EntityStore the router
// needs to resolve an item's owning entity's role and kind.
type EntityGetter interface {
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
}

// SessionChecker reports an entity's active session, if any.
type SessionChecker interface {
	GetActiveSession(ctx context.Context, entityID string) (*models.Session, error)
}

// Messenger injects content into a live session as user input.
type Messenger interface {
	MessageSession(ctx context.Context, sessionID, content string) error
}

// SessionStarter spawns the headless triage session and lets the router
// observe it ending. It is the narrow slice of *session.Manager the
// router needs.
type SessionStarter interface {
	StartSession(ctx context.Context, entityID string, opts session.StartOptions) (*models.Session, error)
	GetEventEmitter(sessionID string) (<-chan models.StreamEvent, error)
}

// WorktreeProvider hands the router a read-only worktree for triage.
type WorktreeProvider interface {
	CreateReadOnlyWorktree(opts models.CreateReadOnlyWorktreeOpts) (*models.Worktree, error)
	RemoveWorktree(path string, opts models.RemoveWorktreeOpts) error
	ReadOnlyWorktreePath(agentName, purpose string) string
}

// UserIdleFunc reports how long the director's interactive session has
// been idle. ok is false when idle time cannot be determined (e.g. no
// activity tracker wired up), in which case the router conservatively
// treats the director as active rather than forwarding.
type UserIdleFunc func(entityID string) (idleFor time.Duration, ok bool)

const triagePurpose = "triage"

// Router classifies unread InboxItems and drives forwarding and triage
// batching. It holds the per-item in-flight forwarding guard; everything
// else (entity roles, session liveness, storage) is read fresh per poll.
type Router struct {
	messages  storage.MessageStore
	entities  EntityGetter
	sessions  SessionChecker
	messenger Messenger
	starter   SessionStarter
	worktrees WorktreeProvider

	directorIdleThreshold time.Duration
	userIdle              UserIdleFunc

	mu       sync.Mutex
	inFlight map[string]bool
}

// Options configures a Router.
type Options struct {
	DirectorIdleThreshold time.Duration
	UserIdle              UserIdleFunc
}

func New(messages storage.MessageStore, entities EntityGetter, sessions SessionChecker, messenger Messenger, starter SessionStarter, worktrees WorktreeProvider, opts Options) *Router {
	if opts.DirectorIdleThreshold <= 0 {
		opts.DirectorIdleThreshold = 2 * time.Minute
	}
	return &Router{
		messages:              messages,
		entities:              entities,
		sessions:              sessions,
		messenger:             messenger,
		starter:               starter,
		worktrees:             worktrees,
		directorIdleThreshold: opts.DirectorIdleThreshold,
		userIdle:              opts.UserIdle,
		inFlight:              make(map[string]bool),
	}
}

// Poll runs one classification pass over every unread InboxItem, forwards
// or marks read as the classification table dictates, and spawns at most
// one triage session per entity for the remainder.
func (r *Router) Poll(ctx context.Context) *models.PollResult {
	result := &models.PollResult{PollType: models.PollInbox, StartedAt: time.Now()}

	items, err := r.messages.GetInbox(ctx, models.InboxFilter{Status: models.InboxStatusUnread})
	if err != nil {
		result.Record(0, err)
		result.DurationMs = time.Since(result.StartedAt).Milliseconds()
		return result
	}

	byEntity := make(map[string][]models.InboxItem)
	var order []string
	for _, item := range items {
		if _, seen := byEntity[item.EntityID]; !seen {
			order = append(order, item.EntityID)
		}
		byEntity[item.EntityID] = append(byEntity[item.EntityID], item)
	}

	for _, entityID := range order {
		r.pollEntity(ctx, entityID, byEntity[entityID], result)
	}

	result.DurationMs = time.Since(result.StartedAt).Milliseconds()
	return result
}

func (r *Router) pollEntity(ctx context.Context, entityID string, items []models.InboxItem, result *models.PollResult) {
	entity, err := r.entities.GetEntity(ctx, entityID)
	if err != nil {
		result.Record(0, err)
		return
	}

	active, err := r.sessions.GetActiveSession(ctx, entityID)
	sessionActive := err == nil && active != nil
	if err != nil {
		if kind, ok := dispatcherr.KindOf(err); !ok || kind != dispatcherr.KindNotFound {
			result.Record(0, err)
			return
		}
	}

	var deferred []models.InboxItem
	for _, item := range items {
		msg, err := r.messages.GetMessage(ctx, item.MessageID)
		if err != nil {
			result.Record(0, err)
			continue
		}

		act := r.classify(entity, sessionActive, active, msg)
		switch act {
		case actionLeaveUnread:
		case actionMarkRead:
			if err := r.messages.MarkAsRead(ctx, item.ID); err != nil {
				result.Record(0, err)
				continue
			}
			result.Record(1, nil)
		case actionForward:
			if err := r.forward(ctx, item, active, msg); err != nil {
				result.Record(0, err)
				continue
			}
			result.Record(1, nil)
		case actionDefer:
			deferred = append(deferred, item)
		}
	}

	if len(deferred) > 0 {
		if err := r.triage(ctx, entity, deferred); err != nil {
			result.Record(0, err)
		}
	}
}

// classify decides what to do with one unread message for entity.
func (r *Router) classify(entity *models.Entity, sessionActive bool, active *models.Session, msg *models.Message) action {
	switch entity.Role {
	case models.RoleDirector:
		if !sessionActive {
			return actionLeaveUnread
		}
		if r.userIdle == nil {
			return actionLeaveUnread
		}
		idleFor, ok := r.userIdle(entity.ID)
		if !ok || idleFor < r.directorIdleThreshold {
			return actionLeaveUnread
		}
		return actionForward
	case models.RoleWorker:
		if entity.WorkerMode == models.WorkerPersistent {
			if sessionActive {
				return actionForward
			}
			return actionLeaveUnread
		}
		return r.classifyEphemeral(sessionActive, msg)
	case models.RoleSteward:
		return r.classifyEphemeral(sessionActive, msg)
	default:
		return actionLeaveUnread
	}
}

func (r *Router) classifyEphemeral(sessionActive bool, msg *models.Message) action {
	if sessionActive {
		return actionLeaveUnread
	}
	if msg.IsDispatch() {
		return actionMarkRead
	}
	return actionDefer
}

// forward injects the message as user input into the entity's active
// session, guarding against two concurrent polls forwarding the same item
// before the first call's mark-as-read commits.
func (r *Router) forward(ctx context.Context, item models.InboxItem, active *models.Session, msg *models.Message) error {
	r.mu.Lock()
	if r.inFlight[item.ID] {
		r.mu.Unlock()
		return nil
	}
	r.inFlight[item.ID] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inFlight, item.ID)
		r.mu.Unlock()
	}()

	if err := r.messenger.MessageSession(ctx, active.ID, msg.Content); err != nil {
		return err
	}
	return r.messages.MarkAsRead(ctx, item.ID)
}

// triage groups deferred items by channel and spawns at most one triage
// session for the first channel group; remaining groups roll into the
// next poll cycle untouched.
func (r *Router) triage(ctx context.Context, entity *models.Entity, deferred []models.InboxItem) error {
	var channelOrder []string
	byChannel := make(map[string][]models.InboxItem)
	for _, item := range deferred {
		if _, seen := byChannel[item.ChannelID]; !seen {
			channelOrder = append(channelOrder, item.ChannelID)
		}
		byChannel[item.ChannelID] = append(byChannel[item.ChannelID], item)
	}
	if len(channelOrder) == 0 {
		return nil
	}

	channelID := channelOrder[0]
	group := byChannel[channelID]

	worktree, err := r.worktrees.CreateReadOnlyWorktree(models.CreateReadOnlyWorktreeOpts{
		AgentName: entity.Name, Purpose: triagePurpose,
	})
	if err != nil {
		if kind, ok := dispatcherr.KindOf(err); ok && kind == dispatcherr.KindWorktreeExists {
			path := r.worktrees.ReadOnlyWorktreePath(entity.Name, triagePurpose)
			if rmErr := r.worktrees.RemoveWorktree(path, models.RemoveWorktreeOpts{Force: true}); rmErr != nil {
				return rmErr
			}
			worktree, err = r.worktrees.CreateReadOnlyWorktree(models.CreateReadOnlyWorktreeOpts{
				AgentName: entity.Name, Purpose: triagePurpose,
			})
		}
		if err != nil {
			return err
		}
	}

	prompt, err := r.buildTriagePrompt(ctx, group)
	if err != nil {
		return err
	}

	newSession, err := r.starter.StartSession(ctx, entity.ID, session.StartOptions{
		WorkingDirectory: worktree.Path,
		Worktree:         worktree.Path,
		InitialPrompt:    prompt,
		Interactive:      false,
		Role:             entity.Role,
		Persisted:        false,
	})
	if err != nil {
		return err
	}

	events, err := r.starter.GetEventEmitter(newSession.ID)
	if err != nil {
		return err
	}
	go r.waitAndMarkRead(newSession.ID, events, group)
	return nil
}

// waitAndMarkRead drains a triage session's event stream to completion and
// marks the batch read only if the session's terminal exit code was zero,
// so a daemon crash, a killed process, or a triage session that exits
// non-zero leaves the items unread for retry next cycle. It runs in its
// own goroutine; a poll cycle never blocks on a triage session actually
// finishing.
//
// The Session Manager appends one synthetic models.StreamEventExit event
// to every session's stream right before closing it, carrying the
// process's real exit code. That's the one signal this checks: a missing
// exit event (channel closed with no exit event seen, which should not
// happen but is treated as failure rather than assumed success) or a
// nonzero code both leave the batch unread.
func (r *Router) waitAndMarkRead(sessionID string, events <-chan models.StreamEvent, group []models.InboxItem) {
	clean := false
	for event := range events {
		if event.Kind == models.StreamEventExit {
			clean = event.ExitCode == 0
		}
	}

	if !clean {
		log.Printf("inbox: triage session %s exited non-zero or was killed; leaving %d item(s) unread for retry", sessionID, len(group))
		return
	}

	ids := make([]string, len(group))
	for i, item := range group {
		ids[i] = item.ID
	}
	if err := r.messages.MarkAsReadBatch(context.Background(), ids); err != nil {
		log.Printf("inbox: mark triage batch read for session %s: %v", sessionID, err)
	}
}

func (r *Router) buildTriagePrompt(ctx context.Context, group []models.InboxItem) (string, error) {
	prompt := "You have pending messages to triage. Review each and act as appropriate.\n\n"
	for _, item := range group {
		msg, err := r.messages.GetMessage(ctx, item.MessageID)
		if err != nil {
			return "", err
		}
		prompt += fmt.Sprintf("- [%s] message %s from %s at %s: %s\n",
			item.ID, msg.ID, msg.SenderID, msg.CreatedAt.Format(time.RFC3339), msg.Content)
	}
	return prompt, nil
}
