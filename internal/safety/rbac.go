package safety

import (
	"context"
	"log"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/events"
	"github.com/opspilot/backend/internal/faults"
)

// PolicyProvider answers permission checks. Deny-by-default: an unknown
// actor or permission is a denial, never an error.
type PolicyProvider interface {
	HasPermission(ctx context.Context, tenantID, actorID, permission string) bool
}

// StaticPolicy is an in-memory provider keyed tenant -> actor -> perms.
// Suitable for single-node deployments and tests; production wires an
// external provider behind the same interface.
type StaticPolicy struct {
	grants map[string]map[string]map[string]bool
}

// NewStaticPolicy builds a provider from tenant/actor/permission triples.
func NewStaticPolicy() *StaticPolicy {
	return &StaticPolicy{grants: make(map[string]map[string]map[string]bool)}
}

// Grant records a permission for an actor in a tenant.
func (p *StaticPolicy) Grant(tenantID, actorID, permission string) {
	if p.grants[tenantID] == nil {
		p.grants[tenantID] = make(map[string]map[string]bool)
	}
	if p.grants[tenantID][actorID] == nil {
		p.grants[tenantID][actorID] = make(map[string]bool)
	}
	p.grants[tenantID][actorID][permission] = true
}

func (p *StaticPolicy) HasPermission(_ context.Context, tenantID, actorID, permission string) bool {
	return p.grants[tenantID][actorID][permission]
}

// RBACGuard checks the actor's write permission before any mutating step.
// Production writes additionally require a decided approval attached to
// the execution.
type RBACGuard struct {
	policy   PolicyProvider
	recorder *events.Recorder
	logger   *log.Logger
}

// NewRBACGuard builds the guard. recorder may be nil in tests.
func NewRBACGuard(policy PolicyProvider, recorder *events.Recorder) *RBACGuard {
	return &RBACGuard{
		policy:   policy,
		recorder: recorder,
		logger:   log.New(log.Writer(), "[RBAC] ", log.LstdFlags),
	}
}

func (g *RBACGuard) Name() string { return "rbac" }

func (g *RBACGuard) Before(ctx context.Context, sc *StepContext) (context.Context, error) {
	if !sc.Mutating {
		return ctx, nil
	}

	exec := sc.Execution
	perm := "ops.write"
	if sc.Environment == "production" {
		perm = "prod.write"
	}

	allowed := g.policy.HasPermission(ctx, exec.TenantID, exec.ActorID, perm)
	if allowed && sc.Environment == "production" && sc.ApprovalID == "" {
		allowed = false
		perm = perm + "+approval"
	}

	g.record(ctx, sc, perm, allowed)
	if !allowed {
		return ctx, faults.Newf(faults.KindPolicy, "actor %s lacks %s for step %d", exec.ActorID, perm, sc.Ordinal)
	}
	return ctx, nil
}

func (g *RBACGuard) After(_ context.Context, _ *StepContext, _ error) {}

func (g *RBACGuard) record(ctx context.Context, sc *StepContext, perm string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	g.logger.Printf("decision=%s actor=%s permission=%s step=%d", decision, sc.Execution.ActorID, perm, sc.Ordinal)
	if g.recorder == nil {
		return
	}
	g.recorder.Record(ctx, sc.Execution.TenantID, sc.Execution.ID, core.EventRBACDecision, map[string]interface{}{
		"actor":      sc.Execution.ActorID,
		"permission": perm,
		"decision":   decision,
		"step":       sc.Ordinal,
	})
}
