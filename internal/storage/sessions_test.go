package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

func newTestSession(id, entityID string) *models.Session {
	return &models.Session{
		ID:        id,
		EntityID:  entityID,
		Status:    models.SessionStatusStarting,
		StartedAt: time.Now(),
	}
}

func TestCreateAndGetSession(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	s := newTestSession("session-1", "entity-1")
	s.TaskID = "task-1"
	s.Interactive = true
	if err := db.CreateSession(ctx, s); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := db.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.EntityID != "entity-1" || got.TaskID != "task-1" || !got.Interactive {
		t.Errorf("GetSession() = %+v, want entityId=entity-1 taskId=task-1 interactive=true", got)
	}
	if got.Status != models.SessionStatusStarting {
		t.Errorf("GetSession().Status = %q, want starting", got.Status)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetSession(context.Background(), "missing")
	if !errors.Is(err, dispatcherr.NotFound("")) {
		t.Errorf("expected NOT_FOUND error, got %v", err)
	}
}

func TestUpdateSession_TransitionsAndEnds(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	s := newTestSession("session-1", "entity-1")
	if err := db.CreateSession(ctx, s); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	s.Status = models.SessionStatusTerminated
	ended := time.Now()
	s.EndedAt = &ended
	s.TokensUsed = 1500
	s.CostUSD = 0.42
	if err := db.UpdateSession(ctx, s); err != nil {
		t.Fatalf("UpdateSession failed: %v", err)
	}

	got, err := db.GetSession(ctx, "session-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != models.SessionStatusTerminated || got.EndedAt == nil {
		t.Errorf("GetSession() = %+v, want status=terminated with EndedAt set", got)
	}
	if got.TokensUsed != 1500 || got.CostUSD != 0.42 {
		t.Errorf("GetSession() tokensUsed/costUsd = %d/%f, want 1500/0.42", got.TokensUsed, got.CostUSD)
	}
}

func TestListSessions_FilterByEntityAndActive(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	running := newTestSession("s-running", "entity-1")
	running.Status = models.SessionStatusRunning
	terminated := newTestSession("s-terminated", "entity-1")
	terminated.Status = models.SessionStatusTerminated
	otherEntity := newTestSession("s-other", "entity-2")
	otherEntity.Status = models.SessionStatusRunning

	for _, s := range []*models.Session{running, terminated, otherEntity} {
		if err := db.CreateSession(ctx, s); err != nil {
			t.Fatalf("CreateSession(%s) failed: %v", s.ID, err)
		}
	}

	byEntity, err := db.ListSessions(ctx, models.SessionFilter{EntityID: "entity-1"})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(byEntity) != 2 {
		t.Errorf("ListSessions(entityId=entity-1) returned %d sessions, want 2", len(byEntity))
	}

	active, err := db.ListSessions(ctx, models.SessionFilter{Active: true})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("ListSessions(active=true) returned %d sessions, want 2", len(active))
	}
	for _, s := range active {
		if s.Status == models.SessionStatusTerminated {
			t.Errorf("ListSessions(active=true) returned terminated session %s", s.ID)
		}
	}
}
