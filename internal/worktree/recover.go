package worktree

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// trackedWorktree is a worktree entry parsed from `git worktree list
// --porcelain`.
type trackedWorktree struct {
	Path   string
	Branch string
}

func parseWorktreeList(output string) []trackedWorktree {
	var worktrees []trackedWorktree
	var current *trackedWorktree

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current != nil {
				worktrees = append(worktrees, *current)
				current = nil
			}
		case strings.HasPrefix(line, "worktree "):
			current = &trackedWorktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if current != nil {
		worktrees = append(worktrees, *current)
	}
	return worktrees
}

// RecoverOrphans reclaims worktrees in baseDir that are no longer backing
// an active session. activeWorktreePaths is the set of paths the storage
// layer's active sessions still reference; anything else under baseDir
// that git or the filesystem knows about is removed, except git worktrees
// on a branch outside the stoneforge/ naming scheme. The daemon's startup
// sequence does not call it: its orphan-recovery step restarts sessions
// for orphaned tasks and leaves worktrees in place.
func (c *Coordinator) RecoverOrphans(activeWorktreePaths []string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.git.WorktreePruneExpireNow()

	output, err := c.git.WorktreeListPorcelain()
	if err != nil {
		return 0, fmt.Errorf("list worktrees: %w", err)
	}
	tracked := parseWorktreeList(output)
	branchByPath := make(map[string]string, len(tracked))
	for _, wt := range tracked {
		branchByPath[wt.Path] = wt.Branch
	}

	active := make(map[string]bool, len(activeWorktreePaths))
	for _, p := range activeWorktreePaths {
		active[p] = true
	}

	entries, err := os.ReadDir(c.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read worktree base directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.baseDir, entry.Name())
		if active[path] {
			continue
		}
		if branch, known := branchByPath[path]; known && !strings.HasPrefix(branch, "stoneforge/") {
			continue // not one of ours (detached read-only worktrees report no branch)
		}

		_ = c.git.WorktreeUnlock(path)
		if err := c.git.WorktreeRemoveOptionalForce(path, true); err != nil {
			if err := os.RemoveAll(path); err != nil {
				continue
			}
		}
		removed++
	}

	_ = c.git.WorktreePruneExpireNow()
	return removed, nil
}
