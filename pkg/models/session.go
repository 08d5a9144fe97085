package models

import "time"

// SessionStatus represents the current state of a running entity session.
type SessionStatus string

const (
	SessionStatusStarting    SessionStatus = "starting"
	SessionStatusRunning     SessionStatus = "running"
	SessionStatusSuspended   SessionStatus = "suspended"
	SessionStatusTerminating SessionStatus = "terminating"
	SessionStatusTerminated  SessionStatus = "terminated"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusStarting, SessionStatusRunning, SessionStatusSuspended,
		SessionStatusTerminating, SessionStatusTerminated:
		return true
	default:
		return false
	}
}

// sessionTransitions is the allowed-transition table for SessionStatus.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusStarting:    {SessionStatusRunning, SessionStatusTerminating, SessionStatusTerminated},
	SessionStatusRunning:     {SessionStatusSuspended, SessionStatusTerminating, SessionStatusTerminated},
	SessionStatusSuspended:   {SessionStatusRunning, SessionStatusTerminating, SessionStatusTerminated},
	SessionStatusTerminating: {SessionStatusTerminated},
	SessionStatusTerminated:  {},
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Session is a single run of an entity: one spawned process (PTY or
// headless) bound to a provider conversation. An entity owns at most one
// non-terminated session at a time.
type Session struct {
	// ID is the unique identifier for this session.
	ID string `json:"id"`
	// EntityID is the entity this session belongs to.
	EntityID string `json:"entityId"`
	// TaskID is the task this session is working, if any (directors and
	// health stewards may run without one).
	TaskID string `json:"taskId,omitempty"`

	Status SessionStatus `json:"status"`

	// ProviderSessionID is the opaque session identifier returned by the
	// process spawner's underlying provider, used to resume a conversation.
	ProviderSessionID string `json:"providerSessionId,omitempty"`

	PID          int    `json:"pid,omitempty"`
	WorktreePath string `json:"worktreePath,omitempty"`
	Interactive  bool   `json:"interactive"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	TokensUsed int64   `json:"tokensUsed"`
	CostUSD    float64 `json:"costUsd"`
}

// IsActive reports whether the session currently counts against its
// entity's one-session-at-a-time limit.
func (s *Session) IsActive() bool {
	if s == nil {
		return false
	}
	switch s.Status {
	case SessionStatusStarting, SessionStatusRunning, SessionStatusSuspended:
		return true
	default:
		return false
	}
}

// SessionFilter selects a subset of sessions from the storage layer.
type SessionFilter struct {
	EntityID string
	TaskID   string
	Status   SessionStatus
	Active   bool
}
