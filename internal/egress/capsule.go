package egress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arwhub/agenthub/internal/bus"
	"github.com/arwhub/agenthub/internal/kernel"
	"github.com/arwhub/agenthub/internal/readmodel"
)

// Capsule is an in-memory view of an adopted capsule with a hop-based TTL
// (spec §3.7, §4.7.8): each refresh decrements TTL; it is purged at zero.
type Capsule struct {
	ID       string
	Document map[string]any
	HopTTL   int
	DenyRules []string
}

// CapsuleGuard tracks adopted capsules and decrements their hop-TTL on
// every policy evaluation, purging expired ones (spec §4.7.8).
type CapsuleGuard struct {
	mu        sync.Mutex
	capsules  map[string]*Capsule
	kernel    kernel.Store
	bus       *bus.Bus
	logger    *slog.Logger
	projector *readmodel.Projector
}

func NewCapsuleGuard(k kernel.Store, b *bus.Bus, logger *slog.Logger) *CapsuleGuard {
	return &CapsuleGuard{capsules: make(map[string]*Capsule), kernel: k, bus: b, logger: logger.With("component", "capsule_guard")}
}

// SetProjector wires the policy_capsules read model (spec §4.10); nil
// disables projection.
func (g *CapsuleGuard) SetProjector(p *readmodel.Projector) {
	g.mu.Lock()
	g.projector = p
	g.mu.Unlock()
	g.pushReadModel()
}

func (g *CapsuleGuard) pushReadModel() {
	g.mu.Lock()
	p := g.projector
	g.mu.Unlock()
	if p == nil {
		return
	}
	p.Replace("policy_capsules", map[string]any{"items": g.Active()})
}

// Adopt registers a capsule with an initial hop TTL, persisting it to the
// kernel for restart survival. Adoption itself counts as the first hop, so
// hopTTL is decremented by one before storage (spec §3.7); a capsule adopted
// at zero or below is purged immediately instead of being stored.
func (g *CapsuleGuard) Adopt(ctx context.Context, id string, doc map[string]any, hopTTL int, denyRules []string) error {
	hopTTL--

	g.mu.Lock()
	if hopTTL <= 0 {
		delete(g.capsules, id)
	} else {
		g.capsules[id] = &Capsule{ID: id, Document: doc, HopTTL: hopTTL, DenyRules: denyRules}
	}
	g.mu.Unlock()
	g.pushReadModel()

	if hopTTL <= 0 {
		if g.bus != nil {
			g.bus.Publish("policy.capsule.expired", map[string]any{"id": id})
		}
		return nil
	}

	if g.kernel != nil {
		merged := cloneMap(doc)
		merged["hop_ttl"] = float64(hopTTL)
		if err := g.kernel.InsertCapsule(ctx, kernel.CapsuleRow{ID: id, Document: merged, AdoptedAt: time.Now()}); err != nil {
			return err
		}
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Refresh decrements every capsule's hop-TTL by one and purges any that
// reach zero, called synchronously before every policy evaluation.
func (g *CapsuleGuard) Refresh(ctx context.Context) {
	g.mu.Lock()
	var expired []string
	for id, c := range g.capsules {
		c.HopTTL--
		if c.HopTTL <= 0 {
			delete(g.capsules, id)
			expired = append(expired, id)
		}
	}
	g.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	if g.bus != nil {
		for _, id := range expired {
			g.bus.Publish("policy.capsule.expired", map[string]any{"id": id})
		}
	}
	g.pushReadModel()
}

// DenyRules returns the union of active capsules' deny rules, consulted by
// the policy engine as an overlay on top of the allowlist (spec §4.7.8).
func (g *CapsuleGuard) DenyRules() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, c := range g.capsules {
		out = append(out, c.DenyRules...)
	}
	return out
}

// Active returns a snapshot of currently-adopted capsules for the read
// model (`policy_capsules`).
func (g *CapsuleGuard) Active() []Capsule {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Capsule, 0, len(g.capsules))
	for _, c := range g.capsules {
		out = append(out, *c)
	}
	return out
}
