package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stoneforge-ai/stoneforge/internal/dispatcherr"
	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

func TestCreateAndGetEntity(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Now()
	e := &models.Entity{
		ID:         "entity-1",
		Name:       "worker-1",
		Role:       models.RoleWorker,
		WorkerMode: models.WorkerEphemeral,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := db.CreateEntity(ctx, e); err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}

	got, err := db.GetEntity(ctx, "entity-1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.Name != "worker-1" || got.Role != models.RoleWorker || got.WorkerMode != models.WorkerEphemeral {
		t.Errorf("GetEntity() = %+v, want name=worker-1 role=worker workerMode=ephemeral", got)
	}
}

func TestGetEntity_NotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetEntity(context.Background(), "does-not-exist")
	if !errors.Is(err, dispatcherr.NotFound("")) {
		t.Errorf("expected NOT_FOUND error, got %v", err)
	}
}

func TestUpdateEntity(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Now()
	e := &models.Entity{ID: "entity-1", Name: "old-name", Role: models.RoleWorker, CreatedAt: now, UpdatedAt: now}
	if err := db.CreateEntity(ctx, e); err != nil {
		t.Fatalf("CreateEntity failed: %v", err)
	}

	e.Name = "new-name"
	e.Deactivated = true
	e.UpdatedAt = now.Add(time.Minute)
	if err := db.UpdateEntity(ctx, e); err != nil {
		t.Fatalf("UpdateEntity failed: %v", err)
	}

	got, err := db.GetEntity(ctx, "entity-1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.Name != "new-name" || !got.Deactivated {
		t.Errorf("GetEntity() after update = %+v, want name=new-name deactivated=true", got)
	}
}

func TestListEntities_FilterByRole(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	entities := []*models.Entity{
		{ID: "w1", Name: "w1", Role: models.RoleWorker, WorkerMode: models.WorkerEphemeral, CreatedAt: now, UpdatedAt: now},
		{ID: "w2", Name: "w2", Role: models.RoleWorker, WorkerMode: models.WorkerPersistent, CreatedAt: now, UpdatedAt: now},
		{ID: "s1", Name: "s1", Role: models.RoleSteward, StewardFocus: models.StewardFocusMerge, CreatedAt: now, UpdatedAt: now},
	}
	for _, e := range entities {
		if err := db.CreateEntity(ctx, e); err != nil {
			t.Fatalf("CreateEntity(%s) failed: %v", e.ID, err)
		}
	}

	workers, err := db.ListEntities(ctx, models.EntityFilter{Role: models.RoleWorker})
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	if len(workers) != 2 {
		t.Errorf("ListEntities(role=worker) returned %d entities, want 2", len(workers))
	}

	stewards, err := db.ListEntities(ctx, models.EntityFilter{StewardFocus: models.StewardFocusMerge})
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	if len(stewards) != 1 || stewards[0].ID != "s1" {
		t.Errorf("ListEntities(stewardFocus=merge) = %+v, want [s1]", stewards)
	}
}

func TestListEntities_ExcludeIDs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"e1", "e2", "e3"} {
		e := &models.Entity{ID: id, Name: id, Role: models.RoleWorker, CreatedAt: now, UpdatedAt: now}
		if err := db.CreateEntity(ctx, e); err != nil {
			t.Fatalf("CreateEntity(%s) failed: %v", id, err)
		}
	}

	got, err := db.ListEntities(ctx, models.EntityFilter{ExcludeIDs: []string{"e2"}})
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListEntities(excludeIDs=[e2]) returned %d entities, want 2", len(got))
	}
	for _, e := range got {
		if e.ID == "e2" {
			t.Error("excluded entity e2 was returned")
		}
	}
}
