package models

import "time"

// DispatchResult is returned by Task Assignment's dispatch operation: the
// updated task and agent, the notification message it posted, and whether
// this was a fresh claim or a reassignment of a task the agent already
// held.
type DispatchResult struct {
	Task            Task    `json:"task"`
	Agent           Entity  `json:"agent"`
	Notification    Message `json:"notification"`
	Channel         Channel `json:"channel"`
	IsNewAssignment bool    `json:"isNewAssignment"`
	DispatchedAt    time.Time `json:"dispatchedAt"`
}

// DispatchOptions parameterizes a single dispatch call.
type DispatchOptions struct {
	Worktree      string
	Branch        string
	SessionID     string
	MarkAsStarted bool
	Restart       bool
}

// AgentTaskFilter narrows getAgentTasks to the task/merge statuses the
// caller cares about.
type AgentTaskFilter struct {
	TaskStatus  []TaskStatus
	MergeStatus []MergeStatus
}
