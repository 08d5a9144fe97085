package pool

import (
	"testing"
	"time"

	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

func TestCanSpawn_RespectsRoleLimit(t *testing.T) {
	p := New(Limits{MaxPerRole: map[models.EntityRole]int{models.RoleWorker: 1}}, time.Minute)

	req := SpawnRequest{Role: models.RoleWorker, AgentID: "agent-1"}
	if !p.CanSpawn(req) {
		t.Fatal("CanSpawn() = false on an empty pool")
	}
	p.OnAgentSpawned(req)

	if p.CanSpawn(SpawnRequest{Role: models.RoleWorker, AgentID: "agent-2"}) {
		t.Error("CanSpawn() = true, want false once the role limit is claimed")
	}
}

func TestCanSpawn_UnboundedDimensionNeverBlocks(t *testing.T) {
	p := New(Limits{}, time.Minute)
	for i := 0; i < 50; i++ {
		req := SpawnRequest{Role: models.RoleWorker, AgentID: "agent"}
		if !p.CanSpawn(req) {
			t.Fatal("CanSpawn() = false with no configured limits")
		}
		p.OnAgentSpawned(req)
	}
}

func TestCanSpawn_WorkerModeAndStewardFocusAreIndependentDimensions(t *testing.T) {
	limits := Limits{
		MaxPerWorkerMode:   map[models.WorkerMode]int{models.WorkerEphemeral: 1},
		MaxPerStewardFocus: map[models.StewardFocus]int{models.StewardFocusMerge: 1},
	}
	p := New(limits, time.Minute)

	p.OnAgentSpawned(SpawnRequest{Role: models.RoleWorker, WorkerMode: models.WorkerEphemeral, AgentID: "w1"})
	if p.CanSpawn(SpawnRequest{Role: models.RoleWorker, WorkerMode: models.WorkerEphemeral, AgentID: "w2"}) {
		t.Error("CanSpawn() = true, want false once the ephemeral worker-mode limit is claimed")
	}
	if !p.CanSpawn(SpawnRequest{Role: models.RoleWorker, WorkerMode: models.WorkerPersistent, AgentID: "w3"}) {
		t.Error("CanSpawn() = false for a persistent worker, want true since only ephemeral is at its limit")
	}
	if !p.CanSpawn(SpawnRequest{Role: models.RoleSteward, StewardFocus: models.StewardFocusHealth, AgentID: "s1"}) {
		t.Error("CanSpawn() = false for a health steward, want true since only merge focus is at its limit")
	}
}

func TestOnAgentReleased_FreesBudget(t *testing.T) {
	p := New(Limits{MaxPerRole: map[models.EntityRole]int{models.RoleSteward: 1}}, time.Minute)

	req := SpawnRequest{Role: models.RoleSteward, AgentID: "steward-1"}
	p.OnAgentSpawned(req)
	if p.CanSpawn(SpawnRequest{Role: models.RoleSteward, AgentID: "steward-2"}) {
		t.Fatal("CanSpawn() = true before the claim was released")
	}

	p.OnAgentReleased("steward-1")
	if !p.CanSpawn(SpawnRequest{Role: models.RoleSteward, AgentID: "steward-2"}) {
		t.Error("CanSpawn() = false after the only claim was released")
	}
}

func TestOnAgentReleased_UnknownAgentIsNoop(t *testing.T) {
	p := New(Limits{}, time.Minute)
	p.OnAgentReleased("never-claimed")
}

func TestCanSpawn_ExpiredClaimDoesNotCount(t *testing.T) {
	p := New(Limits{MaxPerRole: map[models.EntityRole]int{models.RoleWorker: 1}}, 10*time.Millisecond)

	p.OnAgentSpawned(SpawnRequest{Role: models.RoleWorker, AgentID: "agent-1"})
	if p.CanSpawn(SpawnRequest{Role: models.RoleWorker, AgentID: "agent-2"}) {
		t.Fatal("CanSpawn() = true before the leak TTL elapsed")
	}

	time.Sleep(30 * time.Millisecond)
	if !p.CanSpawn(SpawnRequest{Role: models.RoleWorker, AgentID: "agent-2"}) {
		t.Error("CanSpawn() = false after the claim's leak TTL elapsed, want the stale claim to be ignored")
	}
}
