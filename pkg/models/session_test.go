package models

import (
	"testing"
	"time"
)

func TestSessionStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status SessionStatus
		want   bool
	}{
		{"starting is valid", SessionStatusStarting, true},
		{"running is valid", SessionStatusRunning, true},
		{"suspended is valid", SessionStatusSuspended, true},
		{"terminating is valid", SessionStatusTerminating, true},
		{"terminated is valid", SessionStatusTerminated, true},
		{"empty string is invalid", SessionStatus(""), false},
		{"unknown status is invalid", SessionStatus("unknown"), false},
		{"typo status is invalid", SessionStatus("runing"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("SessionStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestSessionStatus_CanTransition(t *testing.T) {
	tests := []struct {
		name string
		from SessionStatus
		to   SessionStatus
		want bool
	}{
		{"starting to running", SessionStatusStarting, SessionStatusRunning, true},
		{"starting to terminated", SessionStatusStarting, SessionStatusTerminated, true},
		{"running to suspended", SessionStatusRunning, SessionStatusSuspended, true},
		{"suspended to running", SessionStatusSuspended, SessionStatusRunning, true},
		{"running to terminating", SessionStatusRunning, SessionStatusTerminating, true},
		{"terminating to terminated", SessionStatusTerminating, SessionStatusTerminated, true},
		{"terminated is a dead end", SessionStatusTerminated, SessionStatusRunning, false},
		{"terminating cannot resume running", SessionStatusTerminating, SessionStatusRunning, false},
		{"suspended cannot re-suspend", SessionStatusSuspended, SessionStatusSuspended, false},
		{"starting cannot skip to suspended", SessionStatusStarting, SessionStatusSuspended, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("%q.CanTransition(%q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestSession_IsActive(t *testing.T) {
	tests := []struct {
		name   string
		status SessionStatus
		want   bool
	}{
		{"starting counts as active", SessionStatusStarting, true},
		{"running counts as active", SessionStatusRunning, true},
		{"suspended counts as active", SessionStatusSuspended, true},
		{"terminating does not count", SessionStatusTerminating, false},
		{"terminated does not count", SessionStatusTerminated, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{Status: tt.status}
			if got := s.IsActive(); got != tt.want {
				t.Errorf("Session{Status: %q}.IsActive() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}

	var nilSession *Session
	if nilSession.IsActive() {
		t.Error("nil Session.IsActive() should be false")
	}
}

func TestSession_Fields(t *testing.T) {
	now := time.Now()
	ended := now.Add(time.Hour)

	s := Session{
		ID:                "session-123",
		EntityID:          "entity-456",
		TaskID:            "task-789",
		Status:            SessionStatusRunning,
		ProviderSessionID: "prov-abc",
		PID:               4242,
		WorktreePath:      "/work/task-789",
		Interactive:       true,
		StartedAt:         now,
		EndedAt:           &ended,
		TokensUsed:        1000,
		CostUSD:           0.42,
	}

	if s.ID != "session-123" {
		t.Errorf("Session.ID = %q, want %q", s.ID, "session-123")
	}
	if s.EntityID != "entity-456" {
		t.Errorf("Session.EntityID = %q, want %q", s.EntityID, "entity-456")
	}
	if s.TaskID != "task-789" {
		t.Errorf("Session.TaskID = %q, want %q", s.TaskID, "task-789")
	}
	if s.Status != SessionStatusRunning {
		t.Errorf("Session.Status = %q, want %q", s.Status, SessionStatusRunning)
	}
	if !s.StartedAt.Equal(now) {
		t.Errorf("Session.StartedAt = %v, want %v", s.StartedAt, now)
	}
	if s.EndedAt == nil || !s.EndedAt.Equal(ended) {
		t.Errorf("Session.EndedAt = %v, want %v", s.EndedAt, ended)
	}
}

func TestSessionStatus_AllStatusesAreDistinct(t *testing.T) {
	statuses := []SessionStatus{
		SessionStatusStarting,
		SessionStatusRunning,
		SessionStatusSuspended,
		SessionStatusTerminating,
		SessionStatusTerminated,
	}

	seen := make(map[SessionStatus]bool)
	for _, s := range statuses {
		if seen[s] {
			t.Errorf("duplicate SessionStatus: %q", s)
		}
		seen[s] = true
	}

	if len(seen) != 5 {
		t.Errorf("expected 5 distinct SessionStatus values, got %d", len(seen))
	}
}
