package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/internal/spawner"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

// fakeStore is an in-memory storage.SessionStore + storage.EntityStore
// double, narrow enough to exercise the Manager without a real database.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	entities map[string]models.Entity
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]models.Session{}, entities: map[string]models.Entity{}}
}

func (f *fakeStore) CreateSession(ctx context.Context, s *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = *s
	return nil
}

func (f *fakeStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, dispatcherr.NotFound("session " + id)
	}
	return &s, nil
}

func (f *fakeStore) UpdateSession(ctx context.Context, s *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = *s
	return nil
}

func (f *fakeStore) ListSessions(ctx context.Context, filter models.SessionFilter) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Session
	for _, s := range f.sessions {
		if filter.EntityID != "" && s.EntityID != filter.EntityID {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) CreateEntity(ctx context.Context, e *models.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[e.ID] = *e
	return nil
}

func (f *fakeStore) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return nil, dispatcherr.NotFound("entity " + id)
	}
	return &e, nil
}

func (f *fakeStore) UpdateEntity(ctx context.Context, e *models.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[e.ID] = *e
	return nil
}

func (f *fakeStore) ListEntities(ctx context.Context, filter models.EntityFilter) ([]models.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Entity
	for _, e := range f.entities {
		if filter.Role != "" && e.Role != filter.Role {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// fakeSpawner is a Spawner test double that never execs a real process;
// sessions live purely in memory and exit only when told to.
type fakeSpawner struct {
	mu        sync.Mutex
	sessions  map[string]*models.Session
	channels  map[string]chan models.StreamEvent
	exitCodes map[string]*models.ExitEvent
	seq       int
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		sessions:  map[string]*models.Session{},
		channels:  map[string]chan models.StreamEvent{},
		exitCodes: map[string]*models.ExitEvent{},
	}
}

func (f *fakeSpawner) Spawn(ctx context.Context, opts spawner.Options) (*models.Session, <-chan models.StreamEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := "fake-sess-" + string(rune('a'+f.seq))
	s := &models.Session{
		ID:                id,
		EntityID:          opts.EntityID,
		Status:            models.SessionStatusRunning,
		ProviderSessionID: opts.ProviderSessionID,
		Interactive:       opts.Interactive,
		WorktreePath:      opts.WorkingDirectory,
		PID:               1000 + f.seq,
		StartedAt:         time.Now(),
	}
	ch := make(chan models.StreamEvent, 16)
	f.sessions[id] = s
	f.channels[id] = ch
	return s, ch, nil
}

func (f *fakeSpawner) GetSession(sessionID string) (*models.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, false
	}
	copy := *s
	return &copy, true
}

func (f *fakeSpawner) SendInput(sessionID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return dispatcherr.NotFound("session " + sessionID)
	}
	if s.Status != models.SessionStatusRunning {
		return dispatcherr.InvalidArgument("session "+sessionID, errors.New("not running"))
	}
	return nil
}

func (f *fakeSpawner) Suspend(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return dispatcherr.NotFound("session " + sessionID)
	}
	s.Status = models.SessionStatusSuspended
	return nil
}

func (f *fakeSpawner) Terminate(sessionID string, graceful bool) error {
	f.mu.Lock()
	s, ok := f.sessions[sessionID]
	ch := f.channels[sessionID]
	f.mu.Unlock()
	if !ok {
		return dispatcherr.NotFound("session " + sessionID)
	}
	s.Status = models.SessionStatusTerminated
	f.mu.Lock()
	f.exitCodes[sessionID] = &models.ExitEvent{SessionID: sessionID, Code: 0}
	f.mu.Unlock()
	close(ch)
	return nil
}

// kill simulates a crashed/killed process: the stream closes with a
// nonzero exit code instead of Terminate's clean one.
func (f *fakeSpawner) kill(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return
	}
	s.Status = models.SessionStatusTerminated
	f.exitCodes[sessionID] = &models.ExitEvent{SessionID: sessionID, Code: -1, Signal: "killed"}
	close(f.channels[sessionID])
}

// Wait returns the recorded exit status for sessionID, defaulting to a
// clean zero-code exit if nothing else set one (e.g. a test that closes
// the channel directly without going through Terminate/kill).
func (f *fakeSpawner) Wait(sessionID string) (*models.ExitEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exit, ok := f.exitCodes[sessionID]; ok {
		return exit, nil
	}
	return &models.ExitEvent{SessionID: sessionID, Code: 0}, nil
}

func newTestManager() (*Manager, *fakeStore, *fakeSpawner) {
	store := newFakeStore()
	sp := newFakeSpawner()
	return New(store, store, sp), store, sp
}

func TestStartSession_FailsWhenAlreadyActive(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	if _, err := m.StartSession(ctx, "ent-1", StartOptions{}); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	_, err := m.StartSession(ctx, "ent-1", StartOptions{})
	if !errors.Is(err, dispatcherr.AlreadyActive("")) {
		t.Errorf("StartSession() second call = %v, want ALREADY_ACTIVE", err)
	}
}

func TestResumeSession_RequiresProviderSessionID(t *testing.T) {
	m, _, _ := newTestManager()
	_, _, err := m.ResumeSession(context.Background(), "ent-1", ResumeOptions{}, nil)
	if !errors.Is(err, dispatcherr.InvalidArgument("", nil)) {
		t.Errorf("ResumeSession() without providerSessionId = %v, want INVALID_ARGUMENT", err)
	}
}

func TestResumeSession_UWPCheck(t *testing.T) {
	m, _, _ := newTestManager()
	getReady := func(ctx context.Context, entityID string, limit int) ([]models.Task, error) {
		return []models.Task{{ID: "task-1", Title: "urgent"}}, nil
	}

	session, uwp, err := m.ResumeSession(context.Background(), "ent-1", ResumeOptions{ProviderSessionID: "prov-1"}, getReady)
	if err != nil {
		t.Fatalf("ResumeSession failed: %v", err)
	}
	if session.ProviderSessionID != "prov-1" {
		t.Errorf("ProviderSessionID = %q, want prov-1", session.ProviderSessionID)
	}
	if uwp == nil || len(uwp.Tasks) != 1 {
		t.Fatalf("uwpCheck = %+v, want one ready task", uwp)
	}
}

func TestStopSession_MarksTerminatedAndFreesEntity(t *testing.T) {
	m, store, _ := newTestManager()
	ctx := context.Background()

	session, err := m.StartSession(ctx, "ent-1", StartOptions{Persisted: true})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	if err := m.StopSession(ctx, session.ID, true); err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}

	persisted, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if persisted.Status != models.SessionStatusTerminated {
		t.Errorf("persisted Status = %q, want terminated", persisted.Status)
	}

	if _, err := m.GetActiveSession(ctx, "ent-1"); !errors.Is(err, dispatcherr.NotFound("")) {
		t.Errorf("GetActiveSession() after stop = %v, want NOT_FOUND", err)
	}

	// The entity's slot should be free again.
	if _, err := m.StartSession(ctx, "ent-1", StartOptions{}); err != nil {
		t.Errorf("StartSession after stop failed: %v", err)
	}
}

func TestSuspendSession_RequiresRunning(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	session, err := m.StartSession(ctx, "ent-1", StartOptions{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := m.SuspendSession(ctx, session.ID); err != nil {
		t.Fatalf("SuspendSession failed: %v", err)
	}

	active, err := m.GetActiveSession(ctx, "ent-1")
	if err != nil {
		t.Fatalf("GetActiveSession failed: %v", err)
	}
	if active.Status != models.SessionStatusSuspended {
		t.Errorf("Status after suspend = %q, want suspended", active.Status)
	}

	if err := m.SuspendSession(ctx, session.ID); !errors.Is(err, dispatcherr.IllegalTransition("", nil, nil)) {
		t.Errorf("second SuspendSession() = %v, want ILLEGAL_TRANSITION", err)
	}
}

func TestGetActiveSession_SelfHealsOnHeadlessExit(t *testing.T) {
	m, _, sp := newTestManager()
	ctx := context.Background()

	session, err := m.StartSession(ctx, "ent-1", StartOptions{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	// Simulate the child process exiting on its own: the spawner's record
	// turns terminated and its stream closes, while the Manager's
	// in-memory record may still claim running.
	sp.kill(session.ID)

	if _, err := m.GetActiveSession(ctx, "ent-1"); !errors.Is(err, dispatcherr.NotFound("")) {
		t.Errorf("GetActiveSession() after silent exit = %v, want NOT_FOUND (self-healed)", err)
	}
}

func TestListSessions_FiltersByEntity(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	if _, err := m.StartSession(ctx, "ent-1", StartOptions{}); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := m.StartSession(ctx, "ent-2", StartOptions{}); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	sessions, err := m.ListSessions(ctx, models.SessionFilter{EntityID: "ent-1"})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].EntityID != "ent-1" {
		t.Errorf("ListSessions(ent-1) = %+v, want one session for ent-1", sessions)
	}
}

func TestGetSessionHistoryByRole(t *testing.T) {
	m, store, _ := newTestManager()
	ctx := context.Background()

	store.CreateEntity(ctx, &models.Entity{ID: "ent-1", Role: models.RoleWorker})
	store.CreateEntity(ctx, &models.Entity{ID: "ent-2", Role: models.RoleSteward})

	if _, err := m.StartSession(ctx, "ent-1", StartOptions{}); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := m.StartSession(ctx, "ent-2", StartOptions{}); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	history, err := m.GetSessionHistoryByRole(ctx, models.RoleWorker, 0)
	if err != nil {
		t.Fatalf("GetSessionHistoryByRole failed: %v", err)
	}
	if len(history) != 1 || history[0].EntityID != "ent-1" {
		t.Errorf("GetSessionHistoryByRole(worker) = %+v, want ent-1's session only", history)
	}
}

func TestMessageSession_DelegatesToSpawner(t *testing.T) {
	m, _, _ := newTestManager()
	ctx := context.Background()

	session, err := m.StartSession(ctx, "ent-1", StartOptions{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := m.MessageSession(ctx, session.ID, "hello"); err != nil {
		t.Errorf("MessageSession failed: %v", err)
	}
}

func TestGetEventEmitter_UnknownSession(t *testing.T) {
	m, _, _ := newTestManager()
	if _, err := m.GetEventEmitter("missing"); !errors.Is(err, dispatcherr.NotFound("")) {
		t.Errorf("GetEventEmitter(missing) = %v, want NOT_FOUND", err)
	}
}
