package safety

import (
	"context"
	"time"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/faults"
)

// TimeoutGuard applies the (sla, action) budget matrix: each step gets a
// deadline clipped against the execution's total budget. A step that runs
// out of either budget surfaces as a TIMEOUT fault carrying the cancel
// reason.
type TimeoutGuard struct {
	matrix *Matrix
}

func NewTimeoutGuard(matrix *Matrix) *TimeoutGuard {
	return &TimeoutGuard{matrix: matrix}
}

func (g *TimeoutGuard) Name() string { return "timeout" }

func (g *TimeoutGuard) Before(ctx context.Context, sc *StepContext) (context.Context, error) {
	policy := g.matrix.Get(sc.Execution.SLAClass, sc.Execution.ActionClass)

	if !sc.ExecutionDeadline.IsZero() && time.Now().After(sc.ExecutionDeadline) {
		return ctx, faults.New(faults.KindTimeout, "execution budget exhausted").
			WithDetail("reason", string(core.CancelExecutionTimeout))
	}

	deadline := time.Now().Add(policy.StepTimeout)
	reason := core.CancelStepTimeout
	if !sc.ExecutionDeadline.IsZero() && sc.ExecutionDeadline.Before(deadline) {
		deadline = sc.ExecutionDeadline
		reason = core.CancelExecutionTimeout
	}

	stepCtx, cancel := context.WithDeadline(ctx, deadline)
	sc.cancelStep = cancel
	sc.timeoutReason = reason
	return stepCtx, nil
}

func (g *TimeoutGuard) After(_ context.Context, sc *StepContext, _ error) {
	if sc.cancelStep != nil {
		sc.cancelStep()
		sc.cancelStep = nil
	}
}

// ClassifyDeadline maps a context error from a timed-out step to the
// TIMEOUT fault carrying the reason the guard armed.
func (g *TimeoutGuard) ClassifyDeadline(sc *StepContext, err error) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded {
		reason := sc.timeoutReason
		if reason == "" {
			reason = core.CancelStepTimeout
		}
		return faults.Wrapf(faults.KindTimeout, err, "step %d timed out", sc.Ordinal).
			WithDetail("reason", string(reason))
	}
	return err
}
