// Package merge drives a review-stage task to closed through a merge
// steward: it syncs the task's worktree against the default branch,
// dispatches an idle merge steward to test and merge the result, and
// recovers tasks that get stuck mid-pipeline or closed without ever
// merging.
package merge

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/internal/git"
	"github.com/stoneforge-ai/stoneforge/internal/session"
	"github.com/stoneforge-ai/stoneforge/internal/storage"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

// defaultMaxRetries caps both stuck-merge recovery and closed-unmerged
// reconciliation attempts per task.
const defaultMaxRetries = 3

// StewardFinder is the narrow slice of *registry.Registry the pipeline
// needs to pick an idle merge steward.
type StewardFinder interface {
	IdleStewards(ctx context.Context, focus models.StewardFocus) ([]models.Entity, error)
}

// SessionChecker reports an entity's active session, if any. Used to tell
// a steward still working a merge apart from one whose session died.
type SessionChecker interface {
	GetActiveSession(ctx context.Context, entityID string) (*models.Session, error)
}

// SessionStarter spawns the headless steward session. It is the narrow
// slice of *session.Manager the pipeline needs.
type SessionStarter interface {
	StartSession(ctx context.Context, entityID string, opts session.StartOptions) (*models.Session, error)
}

// WorktreeReclaimer force-removes a task's worktree during stuck-merge
// recovery. It is the narrow slice of *worktree.Coordinator the pipeline
// needs.
type WorktreeReclaimer interface {
	RemoveWorktree(path string, opts models.RemoveWorktreeOpts) error
}

// DefaultBranchResolver reports the repository's default branch, the
// merge target for every task's sync step.
type DefaultBranchResolver interface {
	GetDefaultBranch() (string, error)
}

// GitRunnerFactory returns a git.Runner scoped to a single worktree path.
// Each task has its own checkout, unlike the single-repo-scoped runner the
// Worktree Coordinator holds, so the pipeline builds a fresh one per sync.
type GitRunnerFactory func(worktreePath string) git.Runner

// Config parameterizes the pipeline's timing and retry behavior.
type Config struct {
	// StuckMergeRecoveryGracePeriod is how long a task may sit in
	// testing/merging/conflict/test_failed with no active steward
	// session before recovery resets it.
	StuckMergeRecoveryGracePeriod time.Duration
	// ClosedUnmergedGracePeriod is how long a closed-but-unmerged task
	// waits before reconciliation reopens it.
	ClosedUnmergedGracePeriod time.Duration
	// MaxRetries caps both recovery mechanisms. Defaults to 3.
	MaxRetries int
	// SyncTimeout bounds the sync step's fetch+merge. Defaults to 5m.
	SyncTimeout time.Duration
}

func (c Config) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return defaultMaxRetries
}

func (c Config) syncTimeout() time.Duration {
	if c.SyncTimeout > 0 {
		return c.SyncTimeout
	}
	return 5 * time.Minute
}

// Pipeline drives the Merge Pipeline's three sub-polls: steward dispatch,
// stuck-merge recovery, and closed-unmerged reconciliation.
type Pipeline struct {
	tasks     storage.TaskStore
	stewards  StewardFinder
	sessions  SessionChecker
	starter   SessionStarter
	worktrees WorktreeReclaimer
	branch    DefaultBranchResolver
	gitRunner GitRunnerFactory

	cfg Config
	now func() time.Time
}

func New(tasks storage.TaskStore, stewards StewardFinder, sessions SessionChecker, starter SessionStarter,
	worktrees WorktreeReclaimer, branch DefaultBranchResolver, cfg Config) *Pipeline {
	return &Pipeline{
		tasks:     tasks,
		stewards:  stewards,
		sessions:  sessions,
		starter:   starter,
		worktrees: worktrees,
		branch:    branch,
		gitRunner: func(path string) git.Runner { return git.NewRunner(path) },
		cfg:       cfg,
		now:       time.Now,
	}
}

// NewWithRunnerFactory is like New but injects the git.Runner factory, for
// testing.
func NewWithRunnerFactory(tasks storage.TaskStore, stewards StewardFinder, sessions SessionChecker, starter SessionStarter,
	worktrees WorktreeReclaimer, branch DefaultBranchResolver, cfg Config, runnerFactory GitRunnerFactory) *Pipeline {
	p := New(tasks, stewards, sessions, starter, worktrees, branch, cfg)
	p.gitRunner = runnerFactory
	return p
}

// PollStewardTrigger dispatches idle merge stewards onto eligible
// review-stage tasks, highest-priority task first.
func (p *Pipeline) PollStewardTrigger(ctx context.Context) *models.PollResult {
	result := &models.PollResult{PollType: models.PollStewardTrigger, StartedAt: p.now()}

	eligible, err := p.tasks.ListTasks(ctx, models.TaskFilter{
		Status:      models.TaskStatusReview,
		MergeStatus: models.MergeStatusPending,
		Unassigned:  true,
	})
	if err != nil {
		result.Record(0, err)
		result.DurationMs = time.Since(result.StartedAt).Milliseconds()
		return result
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	stewards, err := p.stewards.IdleStewards(ctx, models.StewardFocusMerge)
	if err != nil {
		result.Record(0, err)
		result.DurationMs = time.Since(result.StartedAt).Milliseconds()
		return result
	}

	i := 0
	for idx := range eligible {
		if i >= len(stewards) {
			break
		}
		task := eligible[idx]
		steward := stewards[i]
		if err := p.dispatch(ctx, &task, &steward); err != nil {
			result.Record(0, err)
			continue
		}
		i++
		result.Record(1, nil)
	}

	result.DurationMs = time.Since(result.StartedAt).Milliseconds()
	return result
}

// dispatch runs the sync step, builds the steward prompt, and starts a
// headless steward session in the task's existing worktree.
func (p *Pipeline) dispatch(ctx context.Context, task *models.Task, steward *models.Entity) error {
	sync := p.sync(task)
	task.Meta.LastSyncResult = &sync

	prompt := buildStewardPrompt(task, sync)

	newSession, err := p.starter.StartSession(ctx, steward.ID, session.StartOptions{
		WorkingDirectory: task.WorktreePath,
		Worktree:         task.WorktreePath,
		TaskID:           task.ID,
		InitialPrompt:    prompt,
		Interactive:      false,
		Role:             steward.Role,
	})
	if err != nil {
		task.UpdatedAt = p.now()
		if uerr := p.tasks.UpdateTask(ctx, task); uerr != nil {
			return fmt.Errorf("start steward session: %w (and persist sync result: %v)", err, uerr)
		}
		return fmt.Errorf("start steward session: %w", err)
	}

	task.AssignedTo = steward.ID
	task.MergeStatus = models.MergeStatusTesting
	task.History = append(task.History, models.SessionHistoryEntry{
		SessionID: newSession.ID,
		EntityID:  steward.ID,
		StartedAt: p.now(),
	})
	task.UpdatedAt = p.now()
	return p.tasks.UpdateTask(ctx, task)
}

// buildStewardPrompt assembles the steward's initial prompt: task
// metadata, the sync result (with an explicit instruction to resolve
// conflicts first when present), the task description, and its
// acceptance criteria section if the description carries one.
func buildStewardPrompt(task *models.Task, sync models.SyncResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are reviewing task %s for merge: %s\n\n", task.ID, task.Title)

	switch sync.Kind {
	case models.SyncOutcomeClean:
		b.WriteString("Sync: the worktree is up to date with the default branch.\n\n")
	case models.SyncOutcomeConflict:
		fmt.Fprintf(&b, "Sync: merging the default branch produced conflicts. Resolve these before proceeding with the review.\n\n%s\n\n", sync.Detail)
	case models.SyncOutcomeTimeout:
		fmt.Fprintf(&b, "Sync: timed out (%s). Investigate before proceeding.\n\n", sync.Detail)
	case models.SyncOutcomeError:
		fmt.Fprintf(&b, "Sync: failed (%s). Investigate before proceeding.\n\n", sync.Detail)
	}

	if task.Description != "" {
		fmt.Fprintf(&b, "Description:\n%s\n\n", task.Description)
	}
	b.WriteString("Run the project's tests and build. If they pass and there are no unresolved conflicts, merge this branch into the default branch and close the task. If they fail, report what failed.\n")
	return b.String()
}

// maxConflictSummaryLines bounds how much of each file's line-level diff
// goes into the steward prompt; a large conflicted file should not drown
// out the task description.
const maxConflictSummaryLines = 40

// sensitiveAreaKeywords flags conflicted files that sit in a sensitive area
// (auth, secrets, migrations) so a steward gives them extra scrutiny on top
// of the critical-file check below. A path-substring check, not a full
// protected-area policy: this pipeline has no config surface for a steward
// to tune the list, so it stays a short, fixed set.
var sensitiveAreaKeywords = []string{
	"auth", "secret", "credential", "migration", "password", "token",
}

func sensitiveArea(path string) (bool, string) {
	lower := strings.ToLower(filepath.ToSlash(path))
	for _, kw := range sensitiveAreaKeywords {
		if strings.Contains(lower, kw) {
			return true, kw
		}
	}
	return false, ""
}

// renderConflictSummary builds a compact per-file line diff between our
// side and the incoming side of each conflicted file, instead of handing
// the steward raw conflict-marker text. Any file this can't read both
// sides of (already resolved, binary, deleted on one side) falls back to
// just naming it.
func renderConflictSummary(runner git.Runner, files []string) string {
	if len(files) == 0 {
		return ""
	}

	dmp := diffmatchpatch.New()
	var b strings.Builder
	for _, file := range files {
		if IsLockFile(file) {
			fmt.Fprintf(&b, "- %s: lock file conflict; discard both sides and regenerate with `%s`\n", file, GetLockFileCommand(file))
			continue
		}

		ours, oursErr := runner.Run("show", ":2:"+file)
		theirs, theirsErr := runner.Run("show", ":3:"+file)
		if oursErr != nil || theirsErr != nil {
			fmt.Fprintf(&b, "- %s (unable to render diff)\n", file)
			continue
		}

		isSensitive, sensitiveKeyword := sensitiveArea(file)
		switch {
		case IsCriticalFile(file):
			fmt.Fprintf(&b, "- %s (critical file; verify both sides' intent before merging):\n", file)
		case isSensitive:
			fmt.Fprintf(&b, "- %s (sensitive area; path contains %q):\n", file, sensitiveKeyword)
		default:
			fmt.Fprintf(&b, "- %s:\n", file)
		}

		diffs := dmp.DiffMain(ours, theirs, false)
		diffs = dmp.DiffCleanupSemantic(diffs)

		printed := 0
		for _, d := range diffs {
			if printed >= maxConflictSummaryLines {
				fmt.Fprintf(&b, "  ... truncated\n")
				break
			}
			for _, line := range strings.Split(d.Text, "\n") {
				if line == "" {
					continue
				}
				switch d.Type {
				case diffmatchpatch.DiffDelete:
					fmt.Fprintf(&b, "  - %s\n", line)
				case diffmatchpatch.DiffInsert:
					fmt.Fprintf(&b, "  + %s\n", line)
				default:
					continue // unchanged lines add no signal to a conflict summary
				}
				printed++
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// sync fetches origin and merges the default branch into the task's
// worktree, bounding the attempt at cfg.SyncTimeout. The underlying git
// commands are not killed on timeout; they run to completion in the
// background goroutine and their result is simply discarded.
func (p *Pipeline) sync(task *models.Task) models.SyncResult {
	start := p.now()

	type outcome struct {
		kind   models.SyncOutcomeKind
		detail string
	}
	done := make(chan outcome, 1)

	go func() {
		runner := p.gitRunner(task.WorktreePath)

		if _, err := runner.Run("fetch", "origin"); err != nil {
			done <- outcome{models.SyncOutcomeError, fmt.Sprintf("fetch origin: %v", err)}
			return
		}

		branch, err := p.branch.GetDefaultBranch()
		if err != nil {
			done <- outcome{models.SyncOutcomeError, fmt.Sprintf("resolve default branch: %v", err)}
			return
		}

		if err := runner.Merge("origin/" + branch); err != nil {
			if has, _ := runner.HasConflicts(); has {
				files, _ := runner.ConflictedFiles()
				detail := renderConflictSummary(runner, files)
				_ = runner.MergeAbort()
				done <- outcome{models.SyncOutcomeConflict, detail}
				return
			}
			done <- outcome{models.SyncOutcomeError, fmt.Sprintf("merge origin/%s: %v", branch, err)}
			return
		}

		done <- outcome{models.SyncOutcomeClean, ""}
	}()

	select {
	case o := <-done:
		return models.SyncResult{Kind: o.kind, Detail: o.detail, Elapsed: p.now().Sub(start)}
	case <-time.After(p.cfg.syncTimeout()):
		return models.SyncResult{
			Kind:    models.SyncOutcomeTimeout,
			Detail:  fmt.Sprintf("sync exceeded %s", p.cfg.syncTimeout()),
			Elapsed: p.now().Sub(start),
		}
	}
}

// recoverableMergeStatuses are the merge statuses stuck-merge recovery
// resets to pending: testing and merging left running with no progress,
// plus conflict and test_failed, which also recover back to pending via
// this same mechanism once a steward session never returns.
var recoverableMergeStatuses = map[models.MergeStatus]bool{
	models.MergeStatusTesting:    true,
	models.MergeStatusMerging:    true,
	models.MergeStatusConflict:   true,
	models.MergeStatusTestFailed: true,
}

// PollStuckMergeRecovery resets review-stage tasks that have sat in a
// recoverable merge status past the grace period with no active steward
// session.
func (p *Pipeline) PollStuckMergeRecovery(ctx context.Context) *models.PollResult {
	result := &models.PollResult{PollType: models.PollStuckMergeRecovery, StartedAt: p.now()}

	reviewing, err := p.tasks.ListTasks(ctx, models.TaskFilter{Status: models.TaskStatusReview})
	if err != nil {
		result.Record(0, err)
		result.DurationMs = time.Since(result.StartedAt).Milliseconds()
		return result
	}

	for idx := range reviewing {
		task := reviewing[idx]
		if !recoverableMergeStatuses[task.MergeStatus] {
			continue
		}
		if task.Meta.StuckMergeRecoveryCount >= p.cfg.maxRetries() {
			continue
		}
		if p.now().Sub(task.UpdatedAt) < p.cfg.StuckMergeRecoveryGracePeriod {
			continue
		}

		active, err := p.hasActiveStewardSession(ctx, task.AssignedTo)
		if err != nil {
			result.Record(0, err)
			continue
		}
		if active {
			continue
		}

		if err := p.recoverStuckMerge(ctx, &task); err != nil {
			result.Record(0, err)
			continue
		}
		result.Record(1, nil)
	}

	result.DurationMs = time.Since(result.StartedAt).Milliseconds()
	return result
}

func (p *Pipeline) hasActiveStewardSession(ctx context.Context, entityID string) (bool, error) {
	if entityID == "" {
		return false, nil
	}
	_, err := p.sessions.GetActiveSession(ctx, entityID)
	if err == nil {
		return true, nil
	}
	if kind, ok := dispatcherr.KindOf(err); ok && kind == dispatcherr.KindNotFound {
		return false, nil
	}
	return false, err
}

func (p *Pipeline) recoverStuckMerge(ctx context.Context, task *models.Task) error {
	if task.WorktreePath != "" {
		if err := p.worktrees.RemoveWorktree(task.WorktreePath, models.RemoveWorktreeOpts{Force: true}); err != nil {
			return fmt.Errorf("force-remove stuck merge worktree: %w", err)
		}
	}

	task.AssignedTo = ""
	task.MergeStatus = models.MergeStatusPending
	task.Meta.StuckMergeRecoveryCount++
	now := p.now()
	task.Meta.LastReconciledAt = &now
	task.UpdatedAt = now
	return p.tasks.UpdateTask(ctx, task)
}

// PollClosedUnmergedReconcile reopens closed tasks whose merge never
// actually completed, once they have sat past the grace period.
func (p *Pipeline) PollClosedUnmergedReconcile(ctx context.Context) *models.PollResult {
	result := &models.PollResult{PollType: models.PollClosedUnmergedReconcile, StartedAt: p.now()}

	closed, err := p.tasks.ListTasks(ctx, models.TaskFilter{Status: models.TaskStatusClosed})
	if err != nil {
		result.Record(0, err)
		result.DurationMs = time.Since(result.StartedAt).Milliseconds()
		return result
	}

	for idx := range closed {
		task := closed[idx]
		if task.MergeStatus == "" || task.MergeStatus == models.MergeStatusMerged {
			continue
		}
		if task.Meta.ReconciliationCount >= p.cfg.maxRetries() {
			continue
		}
		if task.ClosedAt == nil || p.now().Sub(*task.ClosedAt) < p.cfg.ClosedUnmergedGracePeriod {
			continue
		}

		if err := p.reconcileClosedUnmerged(ctx, &task); err != nil {
			result.Record(0, err)
			continue
		}
		result.Record(1, nil)
	}

	result.DurationMs = time.Since(result.StartedAt).Milliseconds()
	return result
}

func (p *Pipeline) reconcileClosedUnmerged(ctx context.Context, task *models.Task) error {
	task.Status = models.TaskStatusReview
	task.ClosedAt = nil
	task.CloseReason = ""
	task.AssignedTo = ""
	task.MergeStatus = models.MergeStatusPending
	task.Meta.ReconciliationCount++
	now := p.now()
	task.Meta.LastReconciledAt = &now
	task.UpdatedAt = now
	return p.tasks.UpdateTask(ctx, task)
}
