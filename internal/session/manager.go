// Package session translates start/resume/suspend/stop requests for an
// entity into Process Spawner calls while enforcing the
// single-active-session-per-entity invariant and keeping a durable
// history in storage.
package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/internal/spawner"
	"github.com/stoneforge-ai/stoneforge/internal/storage"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

// terminatedRetention is how long a terminated session's in-memory record
// is kept around after its cleanup timer fires, letting observers that
// were mid-read see its final state, before it is evicted (unless it was
// never persisted, in which case it is kept indefinitely).
const terminatedRetention = 5 * time.Second

// Spawner is the subset of *spawner.Spawner the Session Manager drives.
// Defined here, narrowly, so this package depends on a capability rather
// than a concrete type.
type Spawner interface {
	Spawn(ctx context.Context, opts spawner.Options) (*models.Session, <-chan models.StreamEvent, error)
	GetSession(sessionID string) (*models.Session, bool)
	SendInput(sessionID, content string) error
	Suspend(sessionID string) error
	Terminate(sessionID string, graceful bool) error
	Wait(sessionID string) (*models.ExitEvent, error)
}

// ReadyTasksFunc is the optional UWP callback: given an entity, return its
// highest-priority ready tasks so a resume can be compared against them.
type ReadyTasksFunc func(ctx context.Context, entityID string, limit int) ([]models.Task, error)

// StartOptions parameterizes startSession.
type StartOptions struct {
	WorkingDirectory string
	Worktree         string
	TaskID           string
	InitialPrompt    string
	Interactive      bool
	Role             models.EntityRole
	// Persisted controls whether the session survives the 5s
	// terminated-cleanup window indefinitely (false, the zero value) or is
	// evicted from the in-memory cache once that window elapses (true).
	Persisted bool
}

// ResumeOptions parameterizes resumeSession.
type ResumeOptions struct {
	ProviderSessionID string
	WorkingDirectory  string
	Worktree          string
	TaskID            string
	Interactive       bool
	Role              models.EntityRole
	Persisted         bool
}

// UWPCheck carries the Universal Work Principle result from a resume: ready
// tasks the caller may want to prioritise over a bare resume.
type UWPCheck struct {
	Tasks []models.Task
}

type trackedSession struct {
	mu        sync.Mutex
	session   models.Session
	emitter   *eventEmitter
	persisted bool
}

// Manager is the Session Manager: the sole owner of session lifecycle and
// the single-active-session-per-entity invariant.
type Manager struct {
	store   storage.SessionStore
	entities storage.EntityStore
	spawner Spawner

	mu             sync.Mutex
	activeByEntity map[string]string // entityID -> sessionID
	tracked        map[string]*trackedSession
	onExit         func(entityID, sessionID string)
}

// SetExitHook registers fn to run once a session's process exits, after
// the always-terminated transition is persisted. Used by the daemon to
// release a session's Process Spawner pool claim without this package
// needing to know the pool exists. Only one hook is supported; a later
// call replaces an earlier one.
func (m *Manager) SetExitHook(fn func(entityID, sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = fn
}

// New creates a Manager backed by store for persistence and sp for process
// lifecycle.
func New(store storage.SessionStore, entities storage.EntityStore, sp Spawner) *Manager {
	return &Manager{
		store:          store,
		entities:       entities,
		spawner:        sp,
		activeByEntity: map[string]string{},
		tracked:        map[string]*trackedSession{},
	}
}

// StartSession starts a new session for entityID. Fails with ALREADY_ACTIVE
// if the entity already owns a non-terminated session.
func (m *Manager) StartSession(ctx context.Context, entityID string, opts StartOptions) (*models.Session, error) {
	m.mu.Lock()
	if _, active := m.activeByEntity[entityID]; active {
		m.mu.Unlock()
		return nil, dispatcherr.AlreadyActive("entity " + entityID)
	}
	m.mu.Unlock()

	session, events, err := m.spawner.Spawn(ctx, spawner.Options{
		EntityID:         entityID,
		Role:             opts.Role,
		WorkingDirectory: opts.WorkingDirectory,
		Interactive:      opts.Interactive,
		InitialPrompt:    opts.InitialPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	session.TaskID = opts.TaskID
	if session.WorktreePath == "" {
		session.WorktreePath = opts.Worktree
	}

	m.track(entityID, session, opts.Persisted, events)

	if err := m.store.CreateSession(ctx, session); err != nil {
		log.Printf("session: persist new session %s: %v", session.ID, err)
	}

	out := *session
	return &out, nil
}

// ResumeSession resumes a prior conversation identified by
// opts.ProviderSessionID. If getReadyTasks is non-nil and returns at least
// one task, it is returned as uwpCheck so the caller may choose to
// prioritise that work instead; the resume itself is never blocked on it.
func (m *Manager) ResumeSession(ctx context.Context, entityID string, opts ResumeOptions, getReadyTasks ReadyTasksFunc) (*models.Session, *UWPCheck, error) {
	if opts.ProviderSessionID == "" {
		return nil, nil, dispatcherr.InvalidArgument("resume session", fmt.Errorf("providerSessionId required"))
	}

	m.mu.Lock()
	if _, active := m.activeByEntity[entityID]; active {
		m.mu.Unlock()
		return nil, nil, dispatcherr.AlreadyActive("entity " + entityID)
	}
	m.mu.Unlock()

	session, events, err := m.spawner.Spawn(ctx, spawner.Options{
		EntityID:          entityID,
		Role:              opts.Role,
		WorkingDirectory:  opts.WorkingDirectory,
		Interactive:       opts.Interactive,
		ProviderSessionID: opts.ProviderSessionID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("resume session: %w", err)
	}
	session.TaskID = opts.TaskID
	if session.WorktreePath == "" {
		session.WorktreePath = opts.Worktree
	}

	m.track(entityID, session, opts.Persisted, events)

	if err := m.store.CreateSession(ctx, session); err != nil {
		log.Printf("session: persist resumed session %s: %v", session.ID, err)
	}

	var uwp *UWPCheck
	if getReadyTasks != nil {
		if tasks, err := getReadyTasks(ctx, entityID, 5); err != nil {
			log.Printf("session: UWP check for entity %s: %v", entityID, err)
		} else if len(tasks) > 0 {
			uwp = &UWPCheck{Tasks: tasks}
		}
	}

	out := *session
	return &out, uwp, nil
}

// track registers a freshly spawned session and starts the goroutine that
// fans its raw event stream out to the session's emitter and detects
// process exit.
func (m *Manager) track(entityID string, session *models.Session, persisted bool, events <-chan models.StreamEvent) {
	ts := &trackedSession{session: *session, emitter: newEventEmitter(256), persisted: persisted}

	m.mu.Lock()
	m.activeByEntity[entityID] = session.ID
	m.tracked[session.ID] = ts
	m.mu.Unlock()

	go m.watch(entityID, session.ID, events)
}

// watch drains a session's raw event stream into its emitter until the
// spawner closes it, appends the session's terminal exit status as one
// final StreamEventExit event, then records the exit. The exit event lets
// any subscriber draining GetEventEmitter's channel to completion learn
// the process's real exit code (and tell a clean exit from a crash)
// without a separate call back into this package or the spawner.
func (m *Manager) watch(entityID, sessionID string, events <-chan models.StreamEvent) {
	m.mu.Lock()
	ts := m.tracked[sessionID]
	m.mu.Unlock()
	if ts == nil {
		return
	}

	for event := range events {
		ts.emitter.emit(event)
	}

	code, signal := -1, ""
	if exit, err := m.spawner.Wait(sessionID); err == nil {
		code, signal = exit.Code, exit.Signal
	} else {
		log.Printf("session: wait for exit status of session %s: %v", sessionID, err)
	}
	ts.emitter.emit(models.StreamEvent{
		Kind:       models.StreamEventExit,
		SessionID:  sessionID,
		Timestamp:  time.Now(),
		ExitCode:   code,
		ExitSignal: signal,
	})
	ts.emitter.close()

	m.handleExit(entityID, sessionID)
}

// handleExit applies the always-terminated rule for a session whose
// process has exited, persists the transition, and schedules eventual
// eviction from the in-memory cache.
func (m *Manager) handleExit(entityID, sessionID string) {
	m.mu.Lock()
	ts := m.tracked[sessionID]
	if m.activeByEntity[entityID] == sessionID {
		delete(m.activeByEntity, entityID)
	}
	m.mu.Unlock()
	if ts == nil {
		return
	}

	ts.mu.Lock()
	alreadyTerminated := ts.session.Status == models.SessionStatusTerminated
	if !alreadyTerminated {
		ts.session.Status = models.SessionStatusTerminated
		now := time.Now()
		ts.session.EndedAt = &now
	}
	session := ts.session
	ts.mu.Unlock()

	if !alreadyTerminated {
		if err := m.store.UpdateSession(context.Background(), &session); err != nil {
			log.Printf("session: persist terminated session %s: %v", sessionID, err)
		}
	}

	time.AfterFunc(terminatedRetention, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if ts.persisted {
			delete(m.tracked, sessionID)
		}
	})

	m.mu.Lock()
	hook := m.onExit
	m.mu.Unlock()
	if hook != nil {
		hook(entityID, sessionID)
	}
}

// SuspendSession transitions a running session to suspended, preserving
// providerSessionId. Fails if the session is not currently running.
func (m *Manager) SuspendSession(ctx context.Context, sessionID string) error {
	ts, err := m.get(sessionID)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	if ts.session.Status != models.SessionStatusRunning {
		status := ts.session.Status
		ts.mu.Unlock()
		return dispatcherr.IllegalTransition("session "+sessionID, status, models.SessionStatusSuspended)
	}
	ts.mu.Unlock()

	if err := m.spawner.Suspend(sessionID); err != nil {
		return err
	}

	ts.mu.Lock()
	ts.session.Status = models.SessionStatusSuspended
	session := ts.session
	ts.mu.Unlock()

	return m.store.UpdateSession(ctx, &session)
}

// StopSession terminates a session, records its end, and triggers cleanup.
func (m *Manager) StopSession(ctx context.Context, sessionID string, graceful bool) error {
	ts, err := m.get(sessionID)
	if err != nil {
		return err
	}

	if err := m.spawner.Terminate(sessionID, graceful); err != nil {
		return err
	}

	ts.mu.Lock()
	entityID := ts.session.EntityID
	ts.session.Status = models.SessionStatusTerminated
	now := time.Now()
	ts.session.EndedAt = &now
	session := ts.session
	ts.mu.Unlock()

	if err := m.store.UpdateSession(ctx, &session); err != nil {
		log.Printf("session: persist stopped session %s: %v", sessionID, err)
	}

	m.mu.Lock()
	if m.activeByEntity[entityID] == sessionID {
		delete(m.activeByEntity, entityID)
	}
	m.mu.Unlock()

	return nil
}

// GetActiveSession returns the entity's sole active session, after
// verifying liveness.
func (m *Manager) GetActiveSession(ctx context.Context, entityID string) (*models.Session, error) {
	m.mu.Lock()
	sessionID, ok := m.activeByEntity[entityID]
	m.mu.Unlock()
	if !ok {
		return nil, dispatcherr.NotFound("active session for entity " + entityID)
	}

	ts, err := m.get(sessionID)
	if err != nil {
		return nil, dispatcherr.NotFound("active session for entity " + entityID)
	}

	m.verifyLiveness(ctx, ts)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if !ts.session.IsActive() {
		return nil, dispatcherr.NotFound("active session for entity " + entityID)
	}
	out := ts.session
	return &out, nil
}

// verifyLiveness probes a claimed-running session and self-heals the
// record to terminated if the underlying process is gone. Headless
// processes can exit without the dispatcher ever observing the exit
// event; this is what catches that.
func (m *Manager) verifyLiveness(ctx context.Context, ts *trackedSession) {
	ts.mu.Lock()
	status := ts.session.Status
	interactive := ts.session.Interactive
	pid := ts.session.PID
	sessionID := ts.session.ID
	entityID := ts.session.EntityID
	ts.mu.Unlock()

	if status != models.SessionStatusRunning && status != models.SessionStatusStarting {
		return
	}

	alive := true
	if interactive {
		if pid > 0 {
			alive = isProcessAlive(pid)
		}
	} else {
		if spawned, ok := m.spawner.GetSession(sessionID); !ok || !spawned.IsActive() {
			alive = false
		}
	}

	if alive {
		return
	}

	log.Printf("session: %s no longer alive, marking terminated", sessionID)
	ts.mu.Lock()
	ts.session.Status = models.SessionStatusTerminated
	now := time.Now()
	ts.session.EndedAt = &now
	session := ts.session
	ts.mu.Unlock()

	if err := m.store.UpdateSession(ctx, &session); err != nil {
		log.Printf("session: persist self-healed session %s: %v", sessionID, err)
	}

	m.mu.Lock()
	if m.activeByEntity[entityID] == sessionID {
		delete(m.activeByEntity, entityID)
	}
	m.mu.Unlock()
}

// isProcessAlive reports whether pid refers to a live process.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// ListSessions filters by entity/status/resumability, self-healing any
// tracked session's liveness before returning it.
func (m *Manager) ListSessions(ctx context.Context, filter models.SessionFilter) ([]models.Session, error) {
	sessions, err := m.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, err
	}

	for i := range sessions {
		m.mu.Lock()
		ts := m.tracked[sessions[i].ID]
		m.mu.Unlock()
		if ts == nil {
			continue
		}
		m.verifyLiveness(ctx, ts)
		ts.mu.Lock()
		sessions[i] = ts.session
		ts.mu.Unlock()
	}

	return sessions, nil
}

// GetSessionHistory returns an entity's sessions, most recent first.
func (m *Manager) GetSessionHistory(ctx context.Context, entityID string, limit int) ([]models.Session, error) {
	sessions, err := m.store.ListSessions(ctx, models.SessionFilter{EntityID: entityID})
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.After(sessions[j].StartedAt) })
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// GetSessionHistoryByRole returns the most recent sessions across every
// entity holding the given role.
func (m *Manager) GetSessionHistoryByRole(ctx context.Context, role models.EntityRole, limit int) ([]models.Session, error) {
	entities, err := m.entities.ListEntities(ctx, models.EntityFilter{Role: role})
	if err != nil {
		return nil, err
	}

	var all []models.Session
	for _, e := range entities {
		sessions, err := m.store.ListSessions(ctx, models.SessionFilter{EntityID: e.ID})
		if err != nil {
			return nil, err
		}
		all = append(all, sessions...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// GetPreviousSession returns the most recent terminated session for any
// entity holding role, if one exists.
func (m *Manager) GetPreviousSession(ctx context.Context, role models.EntityRole) (*models.Session, error) {
	history, err := m.GetSessionHistoryByRole(ctx, role, 0)
	if err != nil {
		return nil, err
	}
	for i := range history {
		if history[i].Status == models.SessionStatusTerminated {
			return &history[i], nil
		}
	}
	return nil, dispatcherr.NotFound("previous session for role " + string(role))
}

// MessageSession injects a user-role message into the live process. Takes
// only content: the optional contentRef/senderId the inbox's message
// projection otherwise carries have no consumer on this path, since the
// process only ever receives plain text on stdin.
func (m *Manager) MessageSession(ctx context.Context, sessionID, content string) error {
	return m.spawner.SendInput(sessionID, content)
}

// GetEventEmitter returns the session's subscriber channel.
func (m *Manager) GetEventEmitter(sessionID string) (<-chan models.StreamEvent, error) {
	ts, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	return ts.emitter.Events(), nil
}

func (m *Manager) get(sessionID string) (*trackedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tracked[sessionID]
	if !ok {
		return nil, dispatcherr.NotFound("session " + sessionID)
	}
	return ts, nil
}
