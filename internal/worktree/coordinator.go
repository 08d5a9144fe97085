// Package worktree provides isolated git working directories for sessions
// and reclaims them once a session ends or crashes. It generalizes the
// deterministic-path worktree-per-agent scheme the orchestrator core
// depends on: a writable worktree per (agentName, taskId), and a detached
// read-only worktree per (agentName, purpose) for triage sessions.
package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/internal/git"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

// Coordinator hands out and reclaims worktrees under a single repository.
type Coordinator struct {
	workspaceRoot string
	baseDir       string
	git           git.Runner
	mu            sync.Mutex
}

// New creates a Coordinator for the repository at workspaceRoot. Worktrees
// are created under baseDir (e.g. "~/.cache/stoneforge/worktrees"); if
// baseDir is empty it defaults to ".stoneforge/worktrees" inside the repo.
func New(workspaceRoot, baseDir string) (*Coordinator, error) {
	if baseDir == "" {
		baseDir = filepath.Join(workspaceRoot, ".stoneforge", "worktrees")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}
	return &Coordinator{
		workspaceRoot: workspaceRoot,
		baseDir:       baseDir,
		git:           git.NewRunner(workspaceRoot),
	}, nil
}

// NewWithRunner is like New but injects a git.Runner, for testing.
func NewWithRunner(workspaceRoot, baseDir string, runner git.Runner) (*Coordinator, error) {
	if baseDir == "" {
		baseDir = filepath.Join(workspaceRoot, ".stoneforge", "worktrees")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}
	return &Coordinator{workspaceRoot: workspaceRoot, baseDir: baseDir, git: runner}, nil
}

var slugPattern = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func slug(s string) string {
	s = slugPattern.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "x"
	}
	return s
}

// taskWorktreePath returns the deterministic path for a writable task
// worktree keyed by (agentName, taskID).
func (c *Coordinator) taskWorktreePath(agentName, taskID string) string {
	return filepath.Join(c.baseDir, slug(agentName)+"-"+slug(taskID))
}

// readOnlyWorktreePath returns the deterministic path for a read-only
// triage worktree keyed by (agentName, purpose).
func (c *Coordinator) readOnlyWorktreePath(agentName, purpose string) string {
	return filepath.Join(c.baseDir, slug(agentName)+"-"+slug(purpose)+"-ro")
}

func (c *Coordinator) taskBranchName(agentName, taskID string) string {
	return fmt.Sprintf("stoneforge/%s/%s", slug(agentName), slug(taskID))
}

// ReadOnlyWorktreePath exposes the deterministic path CreateReadOnlyWorktree
// would use for (agentName, purpose), without creating anything. Callers
// that get WORKTREE_EXISTS back from CreateReadOnlyWorktree use this to
// force-remove the crash leftover before retrying, per the lease discipline
// read-only worktrees share with writable ones.
func (c *Coordinator) ReadOnlyWorktreePath(agentName, purpose string) string {
	return c.readOnlyWorktreePath(agentName, purpose)
}

// CreateWorktree provisions (or re-resolves, after a crash) a writable
// worktree for opts.AgentName working on opts.TaskID. The returned path and
// branch are deterministic from those two fields, so a caller that lost
// track of a task's worktree metadata can recompute it.
func (c *Coordinator) CreateWorktree(opts models.CreateWorktreeOpts) (*models.Worktree, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.taskWorktreePath(opts.AgentName, opts.TaskID)
	branch := c.taskBranchName(opts.AgentName, opts.TaskID)

	if c.exists(path) {
		return &models.Worktree{Path: path, Branch: branch, AgentName: opts.AgentName, TaskID: opts.TaskID}, nil
	}

	exists, err := c.git.BranchExists(branch)
	if err != nil {
		return nil, fmt.Errorf("check branch exists: %w", err)
	}
	if exists {
		if err := c.git.WorktreeAdd(path, branch); err != nil {
			return nil, fmt.Errorf("add worktree: %w", err)
		}
	} else {
		if err := c.git.WorktreeAddNewBranch(path, branch); err != nil {
			return nil, fmt.Errorf("add worktree with new branch: %w", err)
		}
	}

	return &models.Worktree{Path: path, Branch: branch, AgentName: opts.AgentName, TaskID: opts.TaskID}, nil
}

// CreateReadOnlyWorktree provisions a detached-HEAD worktree for a triage
// session. Unlike CreateWorktree, a pre-existing path at the deterministic
// location is treated as a crash leftover and rejected with
// dispatcherr.WorktreeExists; the caller is expected to RemoveWorktree and
// retry.
func (c *Coordinator) CreateReadOnlyWorktree(opts models.CreateReadOnlyWorktreeOpts) (*models.Worktree, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.readOnlyWorktreePath(opts.AgentName, opts.Purpose)
	if c.exists(path) {
		return nil, dispatcherr.WorktreeExists(path)
	}

	branch, err := c.defaultBranch()
	if err != nil {
		return nil, fmt.Errorf("resolve default branch: %w", err)
	}
	if err := c.git.WorktreeAddDetached(path, branch); err != nil {
		return nil, fmt.Errorf("add detached worktree: %w", err)
	}

	return &models.Worktree{
		Path: path, Branch: branch, ReadOnly: true,
		AgentName: opts.AgentName, Purpose: opts.Purpose,
	}, nil
}

// WorktreeExists reports whether path exists on disk.
func (c *Coordinator) WorktreeExists(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exists(path)
}

func (c *Coordinator) exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// RemoveWorktree reclaims a worktree. If the git-level remove fails (e.g.
// the worktree was already garbage-collected out from under git), it falls
// back to deleting the directory directly.
func (c *Coordinator) RemoveWorktree(path string, opts models.RemoveWorktreeOpts) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.git.WorktreeUnlock(path)
	if err := c.git.WorktreeRemoveOptionalForce(path, opts.Force); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("remove worktree (git: %v, fs: %w)", err, rmErr)
		}
		_ = c.git.WorktreePruneExpireNow()
	}
	return nil
}

// GetDefaultBranch returns the repository's default branch.
func (c *Coordinator) GetDefaultBranch() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultBranch()
}

func (c *Coordinator) defaultBranch() (string, error) {
	if ref, err := c.git.Run("symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		if name := strings.TrimPrefix(strings.TrimSpace(ref), "refs/remotes/origin/"); name != "" {
			return name, nil
		}
	}
	return c.git.CurrentBranch()
}

// GetWorkspaceRoot returns the path to the main repository this coordinator
// leases worktrees from.
func (c *Coordinator) GetWorkspaceRoot() string {
	return c.workspaceRoot
}

// BaseDir returns the directory worktrees are created under.
func (c *Coordinator) BaseDir() string {
	return c.baseDir
}
