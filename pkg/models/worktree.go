package models

// Worktree is an isolated filesystem checkout leased to at most one session
// at a time. A worktree with no session attached is a reusable resource,
// keyed by the coordinator's deterministic path scheme.
type Worktree struct {
	Path     string `json:"path"`
	Branch   string `json:"branch,omitempty"`
	ReadOnly bool   `json:"readOnly"`

	// AgentName and Purpose identify the deterministic key this worktree
	// was created under: (AgentName, TaskID) for task worktrees, or
	// (AgentName, Purpose) for read-only triage worktrees.
	AgentName string `json:"agentName"`
	TaskID    string `json:"taskId,omitempty"`
	Purpose   string `json:"purpose,omitempty"`
}

// CreateWorktreeOpts parameterizes a writable task worktree.
type CreateWorktreeOpts struct {
	AgentName          string
	TaskID             string
	TaskTitle          string
	InstallDependencies bool
}

// CreateReadOnlyWorktreeOpts parameterizes a detached-HEAD triage worktree.
type CreateReadOnlyWorktreeOpts struct {
	AgentName string
	Purpose   string
}

// RemoveWorktreeOpts parameterizes worktree removal.
type RemoveWorktreeOpts struct {
	Force bool
}
