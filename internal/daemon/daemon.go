// Package daemon drives the Dispatch Daemon's scheduling cycle
// on a timer, it runs a fixed, ordered sequence of
// independently failure-isolated sub-polls over the task board, the
// agent registry, and the merge pipeline. It owns no domain logic of its
// own beyond sequencing and event emission; each sub-poll delegates to
// the package that actually knows how to perform it.
package daemon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stoneforge-ai/stoneforge/internal/pool"
	"github.com/stoneforge-ai/stoneforge/internal/session"
	"github.com/stoneforge-ai/stoneforge/internal/storage"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

const stopTimeout = 30 * time.Second

// EntityFinder is the narrow slice of *registry.Registry the daemon needs
// to find idle workers and stewards.
type EntityFinder interface {
	IdleWorkers(ctx context.Context, mode models.WorkerMode) ([]models.Entity, error)
	IsIdle(ctx context.Context, entityID string) (bool, error)
}

// SessionRunner is the narrow slice of *session.Manager the daemon needs:
// starting fresh sessions, resuming sessions found in storage at startup,
// listing sessions for the reaper, and force-stopping ones that overrun
// maxSessionDuration.
type SessionRunner interface {
	StartSession(ctx context.Context, entityID string, opts session.StartOptions) (*models.Session, error)
	ResumeSession(ctx context.Context, entityID string, opts session.ResumeOptions, getReadyTasks session.ReadyTasksFunc) (*models.Session, *session.UWPCheck, error)
	ListSessions(ctx context.Context, filter models.SessionFilter) ([]models.Session, error)
	StopSession(ctx context.Context, sessionID string, graceful bool) error
	GetEventEmitter(sessionID string) (<-chan models.StreamEvent, error)
}

// TaskDispatcher is the narrow slice of *assignment.Assigner the daemon
// needs to bind a ready task to an idle worker.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, taskID, agentID string, opts models.DispatchOptions) (*models.DispatchResult, error)
}

// WorktreeProvisioner is the narrow slice of *worktree.Coordinator the
// daemon needs to give a freshly dispatched task a working directory.
type WorktreeProvisioner interface {
	CreateWorktree(opts models.CreateWorktreeOpts) (*models.Worktree, error)
}

// InboxPoller is the narrow slice of *inbox.Router the daemon needs.
type InboxPoller interface {
	Poll(ctx context.Context) *models.PollResult
}

// MergePoller is the narrow slice of *merge.Pipeline the daemon needs: the
// three sub-polls the merge pipeline already implements.
type MergePoller interface {
	PollStewardTrigger(ctx context.Context) *models.PollResult
	PollStuckMergeRecovery(ctx context.Context) *models.PollResult
	PollClosedUnmergedReconcile(ctx context.Context) *models.PollResult
}

// CapacityGater is the narrow slice of *pool.Pool the daemon consults
// before spawning an ephemeral or persistent worker session. Optional:
// a Daemon with none set dispatches without a concurrency ceiling.
type CapacityGater interface {
	CanSpawn(req pool.SpawnRequest) bool
	OnAgentSpawned(req pool.SpawnRequest)
	OnAgentReleased(agentID string)
}

// OnSessionStarted is invoked exactly once per session the daemon starts
// (fresh or resumed), so external observers can attach listeners to its
// event stream before the session produces meaningful output.
type OnSessionStarted func(sess *models.Session, events <-chan models.StreamEvent, entityID, initialPrompt string)

// Config enumerates the Dispatch Daemon's tunables.
type Config struct {
	// PollInterval is clamped to [1s, 60s]; zero selects the 5s default.
	PollInterval time.Duration

	WorkerAvailabilityPollEnabled       bool
	InboxPollEnabled                    bool
	StewardTriggerPollEnabled           bool
	WorkflowTaskPollEnabled             bool
	OrphanRecoveryEnabled               bool
	ClosedUnmergedReconciliationEnabled bool
	StuckMergeRecoveryEnabled           bool

	// MaxSessionDuration disabled (zero) by default; sessions older than
	// this are force-terminated by the reaper.
	MaxSessionDuration time.Duration

	OnSessionStarted OnSessionStarted
}

func clampPollInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return 5 * time.Second
	case d < time.Second:
		return time.Second
	case d > time.Minute:
		return time.Minute
	default:
		return d
	}
}

// Daemon sequences the fixed poll cycle over the
// collaborating packages that implement each sub-poll.
type Daemon struct {
	tasks     storage.TaskStore
	entities  storage.EntityStore
	entityIdx EntityFinder
	sessions  SessionRunner
	dispatch  TaskDispatcher
	worktrees WorktreeProvisioner
	inbox     InboxPoller
	merge     MergePoller

	cfg      Config
	capacity CapacityGater
	now      func() time.Time

	events chan models.ObserverEvent

	running  atomic.Bool
	stopping atomic.Bool
	stopCh   chan struct{}
	ticker   *time.Ticker
	cycleWG  sync.WaitGroup
}

func New(tasks storage.TaskStore, entities storage.EntityStore, entityIdx EntityFinder, sessions SessionRunner,
	dispatch TaskDispatcher, worktrees WorktreeProvisioner, inboxPoller InboxPoller, mergePoller MergePoller, cfg Config) *Daemon {
	return &Daemon{
		tasks:     tasks,
		entities:  entities,
		entityIdx: entityIdx,
		sessions:  sessions,
		dispatch:  dispatch,
		worktrees: worktrees,
		inbox:     inboxPoller,
		merge:     mergePoller,
		cfg:       cfg,
		now:       time.Now,
		events:    make(chan models.ObserverEvent, 256),
	}
}

// SetCapacityGater wires a pool.Pool (or test double) into the daemon's
// dispatch path. Called once during startup, before Start; not safe to
// change while the daemon is running.
func (d *Daemon) SetCapacityGater(g CapacityGater) {
	d.capacity = g
}

// Events returns the daemon's external observer event stream:
// poll:start/poll:complete/poll:error, task:dispatched,
// agent:spawned, and friends. Never closed by the daemon itself.
func (d *Daemon) Events() <-chan models.ObserverEvent {
	return d.events
}

func (d *Daemon) emit(ev models.ObserverEvent) {
	ev.At = d.now()
	select {
	case d.events <- ev:
	default:
		// A full buffer means observers aren't draining fast enough; drop
		// rather than block a poll cycle on it.
	}
}

// Start runs one synchronous orphan-recovery pass and then begins the
// periodic poll cycle. It does not first reconcile sessions that storage
// still records as active from a previous run. It returns once the timer
// is running; Stop ends it.
func (d *Daemon) Start(ctx context.Context) error {
	d.stopCh = make(chan struct{})
	d.stopping.Store(false)

	d.PollOrphanRecovery(ctx)

	interval := clampPollInterval(d.cfg.PollInterval)
	d.ticker = time.NewTicker(interval)

	d.cycleWG.Add(1)
	go d.loop(ctx)

	return nil
}

func (d *Daemon) loop(ctx context.Context) {
	defer d.cycleWG.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-d.ticker.C:
			if !d.running.CompareAndSwap(false, true) {
				// Previous cycle still in flight; skip this tick.
				continue
			}
			d.runCycle(ctx)
			d.running.Store(false)
		}
	}
}

// Stop signals the loop to end, cancels the timer, and waits up to 30s
// for any in-flight cycle to finish before returning regardless.
func (d *Daemon) Stop() {
	if d.stopping.Swap(true) {
		return
	}
	if d.ticker != nil {
		d.ticker.Stop()
	}
	close(d.stopCh)

	done := make(chan struct{})
	go func() {
		d.cycleWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
	}
}

// runCycle executes one atomic pass over every enabled sub-poll, in the
// fixed order: reaper, inbox, worker availability, steward
// trigger, workflow task, closed-unmerged reconciliation, stuck-merge
// recovery. Each is independently failure-isolated: a sub-poll's error is
// captured on its own PollResult and never aborts the rest of the cycle.
func (d *Daemon) runCycle(ctx context.Context) {
	d.run(ctx, d.PollSessionReaper, true)
	d.run(ctx, d.PollInbox, d.cfg.InboxPollEnabled)
	d.run(ctx, d.PollWorkerAvailability, d.cfg.WorkerAvailabilityPollEnabled)
	d.run(ctx, d.PollStewardTrigger, d.cfg.StewardTriggerPollEnabled)
	d.run(ctx, d.PollWorkflowTask, d.cfg.WorkflowTaskPollEnabled)
	d.run(ctx, d.PollClosedUnmergedReconcile, d.cfg.ClosedUnmergedReconciliationEnabled)
	d.run(ctx, d.PollStuckMergeRecovery, d.cfg.StuckMergeRecoveryEnabled)
}

func (d *Daemon) run(ctx context.Context, poll func(context.Context) *models.PollResult, enabled bool) {
	if !enabled {
		return
	}
	d.emit(models.ObserverEvent{Kind: models.EventPollStart})
	result := poll(ctx)
	if result.Errors > 0 {
		d.emit(models.ObserverEvent{Kind: models.EventPollError, PollKind: result.PollType, PollErr: joinErrors(result.ErrorMessages)})
	}
	d.emit(models.ObserverEvent{Kind: models.EventPollComplete, PollKind: result.PollType, PollResult: result})
}

func joinErrors(msgs []string) string {
	if len(msgs) == 0 {
		return ""
	}
	out := msgs[0]
	for _, m := range msgs[1:] {
		out += "; " + m
	}
	return out
}

// PollSessionReaper force-terminates sessions that have exceeded
// cfg.MaxSessionDuration. A zero MaxSessionDuration disables the reaper,
// by default.
func (d *Daemon) PollSessionReaper(ctx context.Context) *models.PollResult {
	result := &models.PollResult{PollType: models.PollSessionReaper, StartedAt: d.now()}
	if d.cfg.MaxSessionDuration <= 0 {
		result.DurationMs = time.Since(result.StartedAt).Milliseconds()
		return result
	}

	active, err := d.sessions.ListSessions(ctx, models.SessionFilter{Active: true})
	if err != nil {
		result.Record(0, err)
		result.DurationMs = time.Since(result.StartedAt).Milliseconds()
		return result
	}

	for _, s := range active {
		if d.now().Sub(s.StartedAt) <= d.cfg.MaxSessionDuration {
			continue
		}
		if err := d.sessions.StopSession(ctx, s.ID, false); err != nil {
			result.Record(0, err)
			continue
		}
		result.Record(1, nil)
	}

	result.DurationMs = time.Since(result.StartedAt).Milliseconds()
	return result
}

// PollInbox delegates to the Inbox Router, run first in the cycle so a
// just-delivered message is marked read or forwarded before worker
// availability might re-dispatch a task against the same agent.
func (d *Daemon) PollInbox(ctx context.Context) *models.PollResult {
	return d.inbox.Poll(ctx)
}

// PollWorkerAvailability dispatches ready tasks to idle ephemeral
// workers: one fresh worktree, one fresh headless session, per task.
func (d *Daemon) PollWorkerAvailability(ctx context.Context) *models.PollResult {
	result := &models.PollResult{PollType: models.PollWorkerAvailability, StartedAt: d.now()}

	ready, err := d.tasks.ReadyTasks(ctx, 0)
	if err != nil {
		result.Record(0, err)
		result.DurationMs = time.Since(result.StartedAt).Milliseconds()
		return result
	}

	workers, err := d.entityIdx.IdleWorkers(ctx, models.WorkerEphemeral)
	if err != nil {
		result.Record(0, err)
		result.DurationMs = time.Since(result.StartedAt).Milliseconds()
		return result
	}

	i := 0
	for idx := range ready {
		if i >= len(workers) {
			break
		}
		task := ready[idx]
		worker := workers[i]
		if err := d.dispatchFreshSession(ctx, &task, &worker); err != nil {
			result.Record(0, err)
			continue
		}
		i++
		result.Record(1, nil)
	}

	result.DurationMs = time.Since(result.StartedAt).Milliseconds()
	return result
}

func (d *Daemon) dispatchFreshSession(ctx context.Context, task *models.Task, worker *models.Entity) error {
	req := pool.SpawnRequest{
		Role:         worker.Role,
		WorkerMode:   worker.WorkerMode,
		StewardFocus: worker.StewardFocus,
		AgentID:      worker.ID,
	}
	if d.capacity != nil {
		if !d.capacity.CanSpawn(req) {
			return fmt.Errorf("capacity limit reached for %s", task.ID)
		}
	}

	wt, err := d.worktrees.CreateWorktree(models.CreateWorktreeOpts{
		AgentName: worker.Name,
		TaskID:    task.ID,
		TaskTitle: task.Title,
	})
	if err != nil {
		return fmt.Errorf("create worktree for %s: %w", task.ID, err)
	}

	dispatched, err := d.dispatch.Dispatch(ctx, task.ID, worker.ID, models.DispatchOptions{
		Worktree:      wt.Path,
		Branch:        wt.Branch,
		MarkAsStarted: true,
	})
	if err != nil {
		return fmt.Errorf("dispatch %s to %s: %w", task.ID, worker.ID, err)
	}

	prompt := buildTaskPrompt(&dispatched.Task)
	sess, err := d.sessions.StartSession(ctx, worker.ID, session.StartOptions{
		WorkingDirectory: wt.Path,
		Worktree:         wt.Path,
		TaskID:           task.ID,
		InitialPrompt:    prompt,
		Interactive:      false,
		Role:             worker.Role,
	})
	if err != nil {
		return fmt.Errorf("start session for %s on %s: %w", worker.ID, task.ID, err)
	}

	if d.capacity != nil {
		d.capacity.OnAgentSpawned(req)
	}

	d.notifySessionStarted(sess, worker.ID, prompt)
	d.emit(models.ObserverEvent{Kind: models.EventTaskDispatched, TaskID: task.ID, AgentID: worker.ID})
	d.emit(models.ObserverEvent{Kind: models.EventAgentSpawned, AgentID: worker.ID, Worktree: wt.Path})
	return nil
}

func buildTaskPrompt(task *models.Task) string {
	if task.Description == "" {
		return fmt.Sprintf("You have been assigned task %s: %s", task.ID, task.Title)
	}
	return fmt.Sprintf("You have been assigned task %s: %s\n\n%s", task.ID, task.Title, task.Description)
}

func (d *Daemon) notifySessionStarted(sess *models.Session, entityID, prompt string) {
	if d.cfg.OnSessionStarted == nil {
		return
	}
	events, err := d.sessions.GetEventEmitter(sess.ID)
	if err != nil {
		return
	}
	d.cfg.OnSessionStarted(sess, events, entityID, prompt)
}

// PollStewardTrigger delegates to the Merge Pipeline.
func (d *Daemon) PollStewardTrigger(ctx context.Context) *models.PollResult {
	return d.merge.PollStewardTrigger(ctx)
}

// PollClosedUnmergedReconcile delegates to the Merge Pipeline.
func (d *Daemon) PollClosedUnmergedReconcile(ctx context.Context) *models.PollResult {
	return d.merge.PollClosedUnmergedReconcile(ctx)
}

// PollStuckMergeRecovery delegates to the Merge Pipeline.
func (d *Daemon) PollStuckMergeRecovery(ctx context.Context) *models.PollResult {
	return d.merge.PollStuckMergeRecovery(ctx)
}

// PollWorkflowTask dispatches ready tasks to idle persistent workers.
// It targets the same idle-entity pool check as PollWorkerAvailability
// but restricted to WorkerPersistent entities; today it gives each one
// the same fresh worktree and fresh headless session as an ephemeral
// worker would get. A persistent worker that already holds a live
// session should eventually have the task messaged into that session
// instead, but that distinction isn't implemented yet.
func (d *Daemon) PollWorkflowTask(ctx context.Context) *models.PollResult {
	result := &models.PollResult{PollType: models.PollWorkflowTask, StartedAt: d.now()}

	ready, err := d.tasks.ReadyTasks(ctx, 0)
	if err != nil {
		result.Record(0, err)
		result.DurationMs = time.Since(result.StartedAt).Milliseconds()
		return result
	}

	workers, err := d.entityIdx.IdleWorkers(ctx, models.WorkerPersistent)
	if err != nil {
		result.Record(0, err)
		result.DurationMs = time.Since(result.StartedAt).Milliseconds()
		return result
	}

	i := 0
	for idx := range ready {
		if i >= len(workers) {
			break
		}
		task := ready[idx]
		worker := workers[i]
		if err := d.dispatchFreshSession(ctx, &task, &worker); err != nil {
			result.Record(0, err)
			continue
		}
		i++
		result.Record(1, nil)
	}

	result.DurationMs = time.Since(result.StartedAt).Milliseconds()
	return result
}

// PollOrphanRecovery restores the "no task is IN_PROGRESS without a live
// session" invariant after a restart: every in-progress task whose
// assignee has no in-memory active session gets its most recent storage
// session record resumed, or, if resume fails (or there is nothing to
// resume), a fresh session with a prompt noting the interruption. It is
// run once synchronously at startup and is also exposed for manual
// triggering; it is deliberately not part of the recurring per-cycle
// recurring per-cycle sequence.
func (d *Daemon) PollOrphanRecovery(ctx context.Context) *models.PollResult {
	result := &models.PollResult{PollType: models.PollOrphanRecovery, StartedAt: d.now()}
	if !d.cfg.OrphanRecoveryEnabled {
		result.DurationMs = time.Since(result.StartedAt).Milliseconds()
		return result
	}

	inProgress, err := d.tasks.ListTasks(ctx, models.TaskFilter{Status: models.TaskStatusInProgress})
	if err != nil {
		result.Record(0, err)
		result.DurationMs = time.Since(result.StartedAt).Milliseconds()
		return result
	}

	for idx := range inProgress {
		task := inProgress[idx]
		if task.AssignedTo == "" {
			continue
		}
		idle, err := d.entityIdx.IsIdle(ctx, task.AssignedTo)
		if err != nil {
			result.Record(0, err)
			continue
		}
		if !idle {
			continue
		}

		if err := d.recoverOrphan(ctx, &task); err != nil {
			result.Record(0, err)
			continue
		}
		result.Record(1, nil)
	}

	result.DurationMs = time.Since(result.StartedAt).Milliseconds()
	return result
}

func (d *Daemon) recoverOrphan(ctx context.Context, task *models.Task) error {
	entity, err := d.entities.GetEntity(ctx, task.AssignedTo)
	if err != nil {
		return fmt.Errorf("resolve orphaned task %s's assignee: %w", task.ID, err)
	}

	prior, err := d.mostRecentSession(ctx, task.AssignedTo)
	if err != nil {
		return fmt.Errorf("list sessions for %s: %w", task.AssignedTo, err)
	}

	if prior != nil && prior.ProviderSessionID != "" {
		sess, _, err := d.sessions.ResumeSession(ctx, task.AssignedTo, session.ResumeOptions{
			ProviderSessionID: prior.ProviderSessionID,
			WorkingDirectory:  task.WorktreePath,
			Worktree:          task.WorktreePath,
			TaskID:            task.ID,
			Role:              entity.Role,
		}, nil)
		if err == nil {
			d.notifySessionStarted(sess, task.AssignedTo, "")
			d.emit(models.ObserverEvent{Kind: models.EventAgentSpawned, AgentID: task.AssignedTo, Worktree: task.WorktreePath})
			return nil
		}
		// Resume failed (dead provider session, spawner error, etc.); fall
		// through to a fresh session rather than giving up on the task.
	}

	prompt := fmt.Sprintf("Your previous session was interrupted. Resume task %s: %s", task.ID, task.Title)
	sess, err := d.sessions.StartSession(ctx, task.AssignedTo, session.StartOptions{
		WorkingDirectory: task.WorktreePath,
		Worktree:         task.WorktreePath,
		TaskID:           task.ID,
		InitialPrompt:    prompt,
		Interactive:      false,
		Role:             entity.Role,
	})
	if err != nil {
		return fmt.Errorf("restart orphaned task %s: %w", task.ID, err)
	}

	d.notifySessionStarted(sess, task.AssignedTo, prompt)
	d.emit(models.ObserverEvent{Kind: models.EventAgentSpawned, AgentID: task.AssignedTo, Worktree: task.WorktreePath})
	return nil
}

func (d *Daemon) mostRecentSession(ctx context.Context, entityID string) (*models.Session, error) {
	sessions, err := d.sessions.ListSessions(ctx, models.SessionFilter{EntityID: entityID})
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.After(sessions[j].StartedAt) })
	return &sessions[0], nil
}
