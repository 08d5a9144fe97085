// Package pool enforces the process-wide concurrency limits on how many
// agent sessions may be live at once, broken down by role and the
// role-specific subkind (worker mode, steward focus). It holds no
// persistent state: limits are process lifetime only, and a restarted
// daemon starts with an empty pool regardless of what sessions are still
// running or recorded in storage.
package pool

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/stoneforge-ai/stoneforge/pkg/models"
)

// defaultLeakTTL bounds how long a claim can survive without being
// released. It is a safety net, not the primary release path: normal
// flow always pairs OnAgentSpawned with OnAgentReleased. The TTL only
// matters when a daemon crashes (or a caller forgets) and the claim
// would otherwise count against the budget forever.
const defaultLeakTTL = 30 * time.Minute

// SpawnRequest describes the agent a caller wants to spawn, for the
// purposes of checking and recording capacity. WorkerMode is only
// meaningful when Role is RoleWorker, StewardFocus only when Role is
// RoleSteward; both are left zero-valued otherwise.
type SpawnRequest struct {
	Role         models.EntityRole
	WorkerMode   models.WorkerMode
	StewardFocus models.StewardFocus
	AgentID      string
}

// Limits configures the maximum number of concurrently-live sessions per
// dimension. A dimension absent from its map is left unbounded. All three
// maps are consulted independently; a request must clear every configured
// limit that applies to it.
type Limits struct {
	MaxPerRole         map[models.EntityRole]int
	MaxPerWorkerMode   map[models.WorkerMode]int
	MaxPerStewardFocus map[models.StewardFocus]int
}

type claim struct {
	role         models.EntityRole
	workerMode   models.WorkerMode
	stewardFocus models.StewardFocus
}

// Pool tracks live claims keyed by agent ID in a TTL-backed cache. Counts
// per dimension are derived by scanning the live claims rather than kept
// as separate counters, so there is exactly one source of truth and a
// released or expired claim can never leave a dangling increment behind.
type Pool struct {
	limits Limits
	mu     sync.Mutex
	claims *gocache.Cache
}

// New builds a Pool with the given limits. leakTTL of zero selects
// defaultLeakTTL.
func New(limits Limits, leakTTL time.Duration) *Pool {
	if leakTTL <= 0 {
		leakTTL = defaultLeakTTL
	}
	return &Pool{
		limits: limits,
		claims: gocache.New(leakTTL, leakTTL/2),
	}
}

// CanSpawn reports whether req can be admitted without exceeding any
// configured limit. A false answer defers the decision to a future poll
// cycle; CanSpawn itself never mutates pool state.
func (p *Pool) CanSpawn(req SpawnRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.counts()
	if max, ok := p.limits.MaxPerRole[req.Role]; ok && c.role[req.Role] >= max {
		return false
	}
	if req.WorkerMode != "" {
		if max, ok := p.limits.MaxPerWorkerMode[req.WorkerMode]; ok && c.workerMode[req.WorkerMode] >= max {
			return false
		}
	}
	if req.StewardFocus != "" {
		if max, ok := p.limits.MaxPerStewardFocus[req.StewardFocus]; ok && c.stewardFocus[req.StewardFocus] >= max {
			return false
		}
	}
	return true
}

// OnAgentSpawned records req's claim against the budget. Callers are
// expected to have just confirmed CanSpawn(req); OnAgentSpawned does not
// re-check limits itself.
func (p *Pool) OnAgentSpawned(req SpawnRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims.SetDefault(req.AgentID, claim{
		role:         req.Role,
		workerMode:   req.WorkerMode,
		stewardFocus: req.StewardFocus,
	})
}

// OnAgentReleased frees agentID's claim, e.g. once its session has
// terminated. Releasing an agent with no claim is a no-op.
func (p *Pool) OnAgentReleased(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims.Delete(agentID)
}

type counts struct {
	role         map[models.EntityRole]int
	workerMode   map[models.WorkerMode]int
	stewardFocus map[models.StewardFocus]int
}

// counts scans the live claims under the caller's lock. go-cache expires
// entries lazily, so Items() can still surface an item past its TTL; it
// is filtered out here rather than trusted.
func (p *Pool) counts() counts {
	c := counts{
		role:         make(map[models.EntityRole]int),
		workerMode:   make(map[models.WorkerMode]int),
		stewardFocus: make(map[models.StewardFocus]int),
	}
	for _, item := range p.claims.Items() {
		if item.Expired() {
			continue
		}
		cl, ok := item.Object.(claim)
		if !ok {
			continue
		}
		c.role[cl.role]++
		if cl.workerMode != "" {
			c.workerMode[cl.workerMode]++
		}
		if cl.stewardFocus != "" {
			c.stewardFocus[cl.stewardFocus]++
		}
	}
	return c
}
