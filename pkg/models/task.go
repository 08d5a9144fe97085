package models

import "time"

// TaskStatus represents the current state of a task on the dispatch board.
type TaskStatus string

const (
	// TaskStatusOpen indicates the task has not been picked up yet.
	TaskStatusOpen TaskStatus = "open"
	// TaskStatusInProgress indicates a worker entity is actively on the task.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusReview indicates the worker is done and a steward must merge it.
	TaskStatusReview TaskStatus = "review"
	// TaskStatusClosed indicates the task is finished and merged (or abandoned).
	TaskStatusClosed TaskStatus = "closed"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusOpen, TaskStatusInProgress, TaskStatusReview, TaskStatusClosed:
		return true
	default:
		return false
	}
}

// MergeStatus tracks a review-stage task through the merge pipeline.
type MergeStatus string

const (
	MergeStatusPending    MergeStatus = "pending"
	MergeStatusTesting    MergeStatus = "testing"
	MergeStatusMerging    MergeStatus = "merging"
	MergeStatusConflict   MergeStatus = "conflict"
	MergeStatusTestFailed MergeStatus = "test_failed"
	MergeStatusFailed     MergeStatus = "failed"
	MergeStatusMerged     MergeStatus = "merged"
)

// Valid reports whether m is a known merge status.
func (m MergeStatus) Valid() bool {
	switch m {
	case MergeStatusPending, MergeStatusTesting, MergeStatusMerging,
		MergeStatusConflict, MergeStatusTestFailed, MergeStatusFailed, MergeStatusMerged:
		return true
	default:
		return false
	}
}

// Terminal reports whether m is an end state the merge pipeline will not
// advance out of on its own. Conflict and test_failed still require a
// steward decision; merged and failed are final.
func (m MergeStatus) Terminal() bool {
	return m == MergeStatusMerged || m == MergeStatusFailed
}

// SyncOutcomeKind classifies the result of syncing a worktree branch against
// its base before a merge attempt.
type SyncOutcomeKind string

const (
	SyncOutcomeClean    SyncOutcomeKind = "clean"
	SyncOutcomeConflict SyncOutcomeKind = "conflict"
	SyncOutcomeTimeout  SyncOutcomeKind = "timeout"
	SyncOutcomeError    SyncOutcomeKind = "error"
)

// SyncResult is the outcome of fetching and merging the base branch into a
// task's worktree branch as the first step of the merge pipeline.
type SyncResult struct {
	Kind    SyncOutcomeKind `json:"kind"`
	Detail  string          `json:"detail,omitempty"`
	Elapsed time.Duration   `json:"elapsed"`
}

// SessionHistoryEntry records one session's tenure on a task, so a task can
// be reassigned to a fresh entity without losing the trail of who touched it.
type SessionHistoryEntry struct {
	SessionID string     `json:"sessionId"`
	EntityID  string     `json:"entityId"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// OrchestratorMeta carries dispatcher bookkeeping that is not meaningful to
// an entity reading the task, only to the daemon itself: retry counters,
// reconciliation attempts, and the like.
type OrchestratorMeta struct {
	ReconciliationCount     int         `json:"reconciliationCount,omitempty"`
	StuckMergeRecoveryCount int         `json:"stuckMergeRecoveryCount,omitempty"`
	LastReconciledAt        *time.Time  `json:"lastReconciledAt,omitempty"`
	// LastSyncResult is the outcome of the merge pipeline's most recent
	// fetch-and-merge-base attempt inside the task's worktree.
	LastSyncResult *SyncResult `json:"lastSyncResult,omitempty"`
}

// Task is a unit of work tracked on the dispatch board. Tasks are created by
// a director, assigned to worker entities, and (once in review) routed
// through the merge pipeline by a steward.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// CreatedBy is the entity ID of the director who filed the task. It
	// is immutable and is the other endpoint of the direct channel Task
	// Assignment notifies on dispatch.
	CreatedBy string `json:"createdBy,omitempty"`

	Status TaskStatus `json:"status"`

	// Priority is the nominal urgency of the task, lower meaning more
	// urgent by convention. Effective dispatch order comes from the
	// storage layer's ready() query, which may apply scheduling policy
	// on top of this raw value.
	Priority int `json:"priority"`

	// AssignedTo is the entity ID of the worker currently responsible for
	// the task. Empty when Status == open.
	AssignedTo string `json:"assignedTo,omitempty"`

	// WorktreePath is the filesystem path of the git worktree the assigned
	// worker is (or was) operating in.
	WorktreePath string `json:"worktreePath,omitempty"`
	// Branch is the git branch backing WorktreePath.
	Branch string `json:"branch,omitempty"`

	// MergeStatus is only meaningful once Status == review.
	MergeStatus MergeStatus `json:"mergeStatus,omitempty"`

	History []SessionHistoryEntry `json:"history,omitempty"`
	Meta    OrchestratorMeta      `json:"meta"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
	// CloseReason records why a task was closed. The closed-but-unmerged
	// reconciliation poll clears it, along with ClosedAt, when it pushes
	// the task back to review.
	CloseReason string `json:"closeReason,omitempty"`
}

// IsAssignedTo reports whether entityID currently holds the task.
func (t *Task) IsAssignedTo(entityID string) bool {
	return t != nil && t.AssignedTo != "" && t.AssignedTo == entityID
}

// IsReconciliationCandidate reports whether the task is in a state the
// dispatch daemon's reconciliation sub-poll should examine: closed in name
// but never actually merged (capped by ReconciliationCount), or stuck in
// review on a conflict/test-failure past the merge pipeline's own
// stuck-merge retry budget (capped by StuckMergeRecoveryCount, the same
// counter stuck-merge recovery itself uses, since a review-stage conflict
// recovers back to pending by that same mechanism per the merge status state
// diagram).
func (t *Task) IsReconciliationCandidate(maxRetries int) bool {
	if t == nil {
		return false
	}
	if t.Status == TaskStatusClosed && t.MergeStatus != "" && t.MergeStatus != MergeStatusMerged {
		return t.Meta.ReconciliationCount < maxRetries
	}
	if t.Status == TaskStatusReview && t.Meta.StuckMergeRecoveryCount < maxRetries {
		switch t.MergeStatus {
		case MergeStatusConflict, MergeStatusTestFailed, MergeStatusFailed:
			return true
		}
	}
	return false
}

// TaskFilter selects a subset of tasks from the storage layer.
type TaskFilter struct {
	Status      TaskStatus
	MergeStatus MergeStatus
	AssignedTo  string
	Unassigned  bool
	IDs         []string
}

// TaskPatch is a partial update applied to a task. Nil fields are left
// untouched; the zero value of a pointed-to field is a deliberate clear.
type TaskPatch struct {
	Status       *TaskStatus
	AssignedTo   *string
	WorktreePath *string
	Branch       *string
	MergeStatus  *MergeStatus
}
