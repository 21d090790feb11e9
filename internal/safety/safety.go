// Package safety holds the cross-cutting guards every execution step passes
// through. Guards are values composed in a fixed order — mutex, secrets,
// RBAC, timeout, cancellation — each exposing a before/after pair; the
// idempotency and approval gates run once per execution in the engine, and
// the log masker wraps every sink. Composition is explicit: the chain is an
// ordered slice, not an annotation.
package safety

import (
	"context"
	"time"

	"github.com/opspilot/backend/internal/core"
)

// StepContext carries one step's state through the guard chain. Guards
// write what they resolved (lock keys held, secret handles issued,
// deadlines applied) so their After halves can undo it.
type StepContext struct {
	Execution *core.Execution
	Step      core.PlanStep
	Ordinal   int
	WorkerID  string

	// Environment the target lives in; policy decisions key off it.
	Environment string

	// Mutating steps take the per-asset mutex.
	Mutating bool

	// ApprovalID is the APPROVED gate for this execution, when one exists.
	ApprovalID string

	// ResolvedInputs is Step.Inputs with secret references swapped for
	// handles. Populated by the secrets guard; handlers read this, never
	// Step.Inputs directly.
	ResolvedInputs map[string]interface{}

	// ExecutionDeadline caps the whole plan; the timeout guard clips each
	// step against it.
	ExecutionDeadline time.Time

	// Bookkeeping written by guards for their After halves.
	lockKeys      []string
	handles       []string
	stopHeart     func()
	cancelStep    context.CancelFunc
	timeoutReason core.CancelReason
}

// Guard is one safety concern. Before may derive a new context (deadlines,
// cancellation); After runs in reverse chain order whether the step
// succeeded or not.
type Guard interface {
	Name() string
	Before(ctx context.Context, sc *StepContext) (context.Context, error)
	After(ctx context.Context, sc *StepContext, stepErr error)
}

// Chain is the ordered guard composition.
type Chain struct {
	guards []Guard
}

// NewChain builds a chain; order is the caller's contract.
func NewChain(guards ...Guard) *Chain {
	return &Chain{guards: guards}
}

// Names lists the chain order, for diagnostics.
func (c *Chain) Names() []string {
	names := make([]string, len(c.guards))
	for i, g := range c.guards {
		names[i] = g.Name()
	}
	return names
}

// Run drives fn through every guard: Befores in order, fn, then Afters in
// reverse. A failing Before short-circuits fn but still unwinds the guards
// that already ran.
func (c *Chain) Run(ctx context.Context, sc *StepContext, fn func(context.Context) error) error {
	return c.run(ctx, sc, 0, fn)
}

func (c *Chain) run(ctx context.Context, sc *StepContext, i int, fn func(context.Context) error) error {
	if i == len(c.guards) {
		return fn(ctx)
	}

	g := c.guards[i]
	guardCtx, err := g.Before(ctx, sc)
	if err != nil {
		return err
	}

	err = c.run(guardCtx, sc, i+1, fn)
	g.After(guardCtx, sc, err)
	return err
}
