package inbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/internal/session"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

type fakeMessageStore struct {
	mu          sync.Mutex
	messages    map[string]*models.Message
	items       []models.InboxItem
	readBatches [][]string
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{messages: map[string]*models.Message{}}
}

func (f *fakeMessageStore) CreateDirectChannel(ctx context.Context, a, b string) (*models.Channel, error) {
	return &models.Channel{ID: "chan-" + a + "-" + b, Members: []string{a, b}, Direct: true}, nil
}

func (f *fakeMessageStore) PostMessage(ctx context.Context, channelID string, msg *models.Message) (*models.Message, error) {
	return msg, nil
}

func (f *fakeMessageStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	if !ok {
		return nil, dispatcherr.NotFound("message " + id)
	}
	cp := *msg
	return &cp, nil
}

func (f *fakeMessageStore) GetInbox(ctx context.Context, filter models.InboxFilter) ([]models.InboxItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.InboxItem
	for _, item := range f.items {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.EntityID != "" && item.EntityID != filter.EntityID {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (f *fakeMessageStore) MarkAsRead(ctx context.Context, inboxItemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].ID == inboxItemID {
			f.items[i].Status = models.InboxStatusRead
			return nil
		}
	}
	return dispatcherr.NotFound("inbox item " + inboxItemID)
}

func (f *fakeMessageStore) MarkAsReadBatch(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readBatches = append(f.readBatches, append([]string{}, ids...))
	for _, id := range ids {
		for i := range f.items {
			if f.items[i].ID == id {
				f.items[i].Status = models.InboxStatusRead
			}
		}
	}
	return nil
}

func (f *fakeMessageStore) addMessage(msg models.Message, item models.InboxItem) {
	f.messages[msg.ID] = &msg
	f.items = append(f.items, item)
}

type fakeEntities struct {
	entities map[string]*models.Entity
}

func (f *fakeEntities) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return nil, dispatcherr.NotFound("entity " + id)
	}
	cp := *e
	return &cp, nil
}

type fakeSessions struct {
	active map[string]*models.Session
}

func (f *fakeSessions) GetActiveSession(ctx context.Context, entityID string) (*models.Session, error) {
	s, ok := f.active[entityID]
	if !ok {
		return nil, dispatcherr.NotFound("active session for entity " + entityID)
	}
	cp := *s
	return &cp, nil
}

type fakeMessenger struct {
	mu       sync.Mutex
	messaged []string
}

func (f *fakeMessenger) MessageSession(ctx context.Context, sessionID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messaged = append(f.messaged, sessionID+":"+content)
	return nil
}

type fakeStarter struct {
	started chan struct{}
	events  chan models.StreamEvent
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{started: make(chan struct{}, 1), events: make(chan models.StreamEvent)}
}

func (f *fakeStarter) StartSession(ctx context.Context, entityID string, opts session.StartOptions) (*models.Session, error) {
	select {
	case f.started <- struct{}{}:
	default:
	}
	return &models.Session{ID: "triage-session", EntityID: entityID, Status: models.SessionStatusRunning}, nil
}

func (f *fakeStarter) GetEventEmitter(sessionID string) (<-chan models.StreamEvent, error) {
	return f.events, nil
}

type fakeWorktrees struct {
	existsOnce bool
	removed    []string
}

func (f *fakeWorktrees) CreateReadOnlyWorktree(opts models.CreateReadOnlyWorktreeOpts) (*models.Worktree, error) {
	if f.existsOnce {
		f.existsOnce = false
		return nil, dispatcherr.WorktreeExists(f.ReadOnlyWorktreePath(opts.AgentName, opts.Purpose))
	}
	return &models.Worktree{Path: "/tmp/" + opts.AgentName + "-" + opts.Purpose + "-ro", ReadOnly: true}, nil
}

func (f *fakeWorktrees) RemoveWorktree(path string, opts models.RemoveWorktreeOpts) error {
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeWorktrees) ReadOnlyWorktreePath(agentName, purpose string) string {
	return "/tmp/" + agentName + "-" + purpose + "-ro"
}

func mustNoUserIdle(entityID string) (time.Duration, bool) { return 0, false }

func TestClassify_DirectorForwardsOnlyWhenIdlePastThreshold(t *testing.T) {
	r := New(newFakeMessageStore(), &fakeEntities{}, &fakeSessions{}, &fakeMessenger{}, newFakeStarter(), &fakeWorktrees{}, Options{
		DirectorIdleThreshold: time.Minute,
		UserIdle:              func(string) (time.Duration, bool) { return 2 * time.Minute, true },
	})
	director := &models.Entity{ID: "d1", Role: models.RoleDirector}
	msg := &models.Message{Content: "hi"}

	if act := r.classify(director, false, nil, msg); act != actionLeaveUnread {
		t.Errorf("classify(no active session) = %v, want leaveUnread", act)
	}
	if act := r.classify(director, true, &models.Session{ID: "s1"}, msg); act != actionForward {
		t.Errorf("classify(active, idle past threshold) = %v, want forward", act)
	}
}

func TestClassify_DirectorLeavesUnreadWhenIdleBelowThreshold(t *testing.T) {
	r := New(newFakeMessageStore(), &fakeEntities{}, &fakeSessions{}, &fakeMessenger{}, newFakeStarter(), &fakeWorktrees{}, Options{
		DirectorIdleThreshold: 2 * time.Minute,
		UserIdle:              func(string) (time.Duration, bool) { return 10 * time.Second, true },
	})
	director := &models.Entity{ID: "d1", Role: models.RoleDirector}
	if act := r.classify(director, true, &models.Session{ID: "s1"}, &models.Message{}); act != actionLeaveUnread {
		t.Errorf("classify(active, not yet idle) = %v, want leaveUnread", act)
	}
}

func TestClassify_PersistentWorkerForwardsOnlyWhileActive(t *testing.T) {
	r := New(newFakeMessageStore(), &fakeEntities{}, &fakeSessions{}, &fakeMessenger{}, newFakeStarter(), &fakeWorktrees{}, Options{UserIdle: mustNoUserIdle})
	worker := &models.Entity{ID: "w1", Role: models.RoleWorker, WorkerMode: models.WorkerPersistent}

	if act := r.classify(worker, true, &models.Session{ID: "s1"}, &models.Message{}); act != actionForward {
		t.Errorf("classify(persistent, active) = %v, want forward", act)
	}
	if act := r.classify(worker, false, nil, &models.Message{}); act != actionLeaveUnread {
		t.Errorf("classify(persistent, idle) = %v, want leaveUnread", act)
	}
}

func TestClassify_EphemeralWorkerDefersNonDispatchWhenIdle(t *testing.T) {
	r := New(newFakeMessageStore(), &fakeEntities{}, &fakeSessions{}, &fakeMessenger{}, newFakeStarter(), &fakeWorktrees{}, Options{UserIdle: mustNoUserIdle})
	worker := &models.Entity{ID: "w1", Role: models.RoleWorker, WorkerMode: models.WorkerEphemeral}

	plain := &models.Message{Content: "fyi"}
	if act := r.classify(worker, false, nil, plain); act != actionDefer {
		t.Errorf("classify(ephemeral, idle, non-dispatch) = %v, want defer", act)
	}

	dispatch := &models.Message{Metadata: map[string]string{"type": models.MessageTypeTaskDispatch}}
	if act := r.classify(worker, false, nil, dispatch); act != actionMarkRead {
		t.Errorf("classify(ephemeral, idle, dispatch) = %v, want markRead", act)
	}

	if act := r.classify(worker, true, &models.Session{ID: "s1"}, plain); act != actionLeaveUnread {
		t.Errorf("classify(ephemeral, active) = %v, want leaveUnread", act)
	}
}

func TestClassify_StewardUsesSameRuleAsEphemeralWorker(t *testing.T) {
	r := New(newFakeMessageStore(), &fakeEntities{}, &fakeSessions{}, &fakeMessenger{}, newFakeStarter(), &fakeWorktrees{}, Options{UserIdle: mustNoUserIdle})
	steward := &models.Entity{ID: "s1", Role: models.RoleSteward, StewardFocus: models.StewardFocusMerge}

	if act := r.classify(steward, false, nil, &models.Message{Content: "review please"}); act != actionDefer {
		t.Errorf("classify(steward, idle, non-dispatch) = %v, want defer", act)
	}
}

func TestForward_DuplicateInFlightCallIsANoop(t *testing.T) {
	messenger := &fakeMessenger{}
	messages := newFakeMessageStore()
	messages.addMessage(
		models.Message{ID: "m1", Content: "go"},
		models.InboxItem{ID: "i1", EntityID: "w1", MessageID: "m1", Status: models.InboxStatusUnread},
	)
	r := New(messages, &fakeEntities{}, &fakeSessions{}, messenger, newFakeStarter(), &fakeWorktrees{}, Options{})

	r.mu.Lock()
	r.inFlight["i1"] = true
	r.mu.Unlock()

	item := models.InboxItem{ID: "i1", MessageID: "m1"}
	active := &models.Session{ID: "sess-1"}
	msg := &models.Message{Content: "go"}
	if err := r.forward(context.Background(), item, active, msg); err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if len(messenger.messaged) != 0 {
		t.Errorf("forward() sent %d messages while the item was already in flight, want 0", len(messenger.messaged))
	}
}

func TestPoll_ForwardsToPersistentWorkerAndLeavesEphemeralDeferred(t *testing.T) {
	messages := newFakeMessageStore()
	messages.addMessage(
		models.Message{ID: "m1", Content: "status?"},
		models.InboxItem{ID: "i1", EntityID: "w-persist", MessageID: "m1", ChannelID: "c1", Status: models.InboxStatusUnread},
	)
	messages.addMessage(
		models.Message{ID: "m2", Content: "fyi"},
		models.InboxItem{ID: "i2", EntityID: "w-ephemeral", MessageID: "m2", ChannelID: "c2", Status: models.InboxStatusUnread},
	)

	entities := &fakeEntities{entities: map[string]*models.Entity{
		"w-persist":   {ID: "w-persist", Name: "w-persist", Role: models.RoleWorker, WorkerMode: models.WorkerPersistent},
		"w-ephemeral": {ID: "w-ephemeral", Name: "w-ephemeral", Role: models.RoleWorker, WorkerMode: models.WorkerEphemeral},
	}}
	sessions := &fakeSessions{active: map[string]*models.Session{
		"w-persist": {ID: "sess-persist", EntityID: "w-persist", Status: models.SessionStatusRunning},
	}}
	messenger := &fakeMessenger{}
	starter := newFakeStarter()
	worktrees := &fakeWorktrees{}

	r := New(messages, entities, sessions, messenger, starter, worktrees, Options{UserIdle: mustNoUserIdle})
	result := r.Poll(context.Background())

	if len(messenger.messaged) != 1 {
		t.Fatalf("messenger got %d calls, want 1 (only the persistent worker)", len(messenger.messaged))
	}

	select {
	case <-starter.started:
	case <-time.After(time.Second):
		t.Fatal("triage session was never started for the idle ephemeral worker")
	}
	close(starter.events)

	if result.Processed < 1 {
		t.Errorf("PollResult.Processed = %d, want at least 1", result.Processed)
	}
}

func TestTriage_BatchesOnlyFirstChannelGroupPerCycle(t *testing.T) {
	messages := newFakeMessageStore()
	messages.addMessage(
		models.Message{ID: "m1", Content: "a"},
		models.InboxItem{ID: "i1", EntityID: "w1", MessageID: "m1", ChannelID: "c1", Status: models.InboxStatusUnread},
	)
	messages.addMessage(
		models.Message{ID: "m2", Content: "b"},
		models.InboxItem{ID: "i2", EntityID: "w1", MessageID: "m2", ChannelID: "c2", Status: models.InboxStatusUnread},
	)

	entity := &models.Entity{ID: "w1", Name: "w1", Role: models.RoleWorker, WorkerMode: models.WorkerEphemeral}
	starter := newFakeStarter()
	r := New(messages, &fakeEntities{entities: map[string]*models.Entity{"w1": entity}}, &fakeSessions{}, &fakeMessenger{}, starter, &fakeWorktrees{}, Options{})

	deferred := []models.InboxItem{
		{ID: "i1", MessageID: "m1", ChannelID: "c1"},
		{ID: "i2", MessageID: "m2", ChannelID: "c2"},
	}
	if err := r.triage(context.Background(), entity, deferred); err != nil {
		t.Fatalf("triage failed: %v", err)
	}

	select {
	case <-starter.started:
	case <-time.After(time.Second):
		t.Fatal("triage session was never started")
	}
	starter.events <- models.StreamEvent{Kind: models.StreamEventExit, ExitCode: 0}
	close(starter.events)

	time.Sleep(10 * time.Millisecond)
	messages.mu.Lock()
	defer messages.mu.Unlock()
	if len(messages.readBatches) != 1 || len(messages.readBatches[0]) != 1 || messages.readBatches[0][0] != "i1" {
		t.Errorf("readBatches = %+v, want exactly one batch containing i1 (c2's group rolls to next cycle)", messages.readBatches)
	}
}

func TestWaitAndMarkRead_MarksReadOnlyOnCleanExit(t *testing.T) {
	messages := newFakeMessageStore()
	r := New(messages, &fakeEntities{}, &fakeSessions{}, &fakeMessenger{}, newFakeStarter(), &fakeWorktrees{}, Options{})

	events := make(chan models.StreamEvent)
	done := make(chan struct{})
	group := []models.InboxItem{{ID: "i1"}, {ID: "i2"}}
	go func() {
		r.waitAndMarkRead("sess-1", events, group)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("waitAndMarkRead returned before the event channel closed")
	case <-time.After(20 * time.Millisecond):
	}

	events <- models.StreamEvent{Kind: models.StreamEventExit, ExitCode: 0}
	close(events)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitAndMarkRead never returned after the event channel closed")
	}

	messages.mu.Lock()
	defer messages.mu.Unlock()
	if len(messages.readBatches) != 1 || len(messages.readBatches[0]) != 2 {
		t.Errorf("readBatches = %+v, want one batch of 2 ids", messages.readBatches)
	}
}

func TestWaitAndMarkRead_LeavesUnreadOnNonzeroExit(t *testing.T) {
	messages := newFakeMessageStore()
	r := New(messages, &fakeEntities{}, &fakeSessions{}, &fakeMessenger{}, newFakeStarter(), &fakeWorktrees{}, Options{})

	events := make(chan models.StreamEvent, 1)
	done := make(chan struct{})
	group := []models.InboxItem{{ID: "i1"}}
	events <- models.StreamEvent{Kind: models.StreamEventExit, ExitCode: 1}
	close(events)

	go func() {
		r.waitAndMarkRead("sess-1", events, group)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitAndMarkRead never returned")
	}

	messages.mu.Lock()
	defer messages.mu.Unlock()
	if len(messages.readBatches) != 0 {
		t.Errorf("readBatches = %+v, want no batch marked read after a nonzero exit", messages.readBatches)
	}
}

func TestWaitAndMarkRead_LeavesUnreadOnKillWithNoExitEvent(t *testing.T) {
	messages := newFakeMessageStore()
	r := New(messages, &fakeEntities{}, &fakeSessions{}, &fakeMessenger{}, newFakeStarter(), &fakeWorktrees{}, Options{})

	events := make(chan models.StreamEvent)
	done := make(chan struct{})
	group := []models.InboxItem{{ID: "i1"}}
	close(events)

	go func() {
		r.waitAndMarkRead("sess-1", events, group)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitAndMarkRead never returned")
	}

	messages.mu.Lock()
	defer messages.mu.Unlock()
	if len(messages.readBatches) != 0 {
		t.Errorf("readBatches = %+v, want no batch marked read when the stream closes with no exit event", messages.readBatches)
	}
}
