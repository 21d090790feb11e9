package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/faults"
	"github.com/opspilot/backend/internal/safety"
)

const (
	// stepRetryLimit bounds inline retries of a TRANSIENT step failure;
	// queue-level redelivery covers worker crashes.
	stepRetryLimit = 3
	stepRetryBase  = 250 * time.Millisecond
)

// ApprovalReader extends Storage for runners that attach approval ids to
// production write steps.
type ApprovalReader interface {
	LatestApprovalForExecution(ctx context.Context, executionID string) (*core.Approval, error)
}

// StepWriter extends Storage for runners that persist one queryable row
// per plan step. Inputs land as submitted; resolved secret plaintext
// never reaches these rows.
type StepWriter interface {
	CreateStep(ctx context.Context, step *core.ExecutionStep) error
	FinishStep(ctx context.Context, executionID string, ordinal int, status core.Status, result map[string]interface{}, errMsg string) error
}

// Run drives one execution to a terminal status. It satisfies the worker
// pool's Runner contract: a nil return means the execution was finalized
// (or was already terminal); an error asks the queue to redeliver.
func (e *Engine) Run(ctx context.Context, executionID string) error {
	exec, err := e.storage.GetExecutionByID(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		// Stale delivery after a lease lapse; nothing to do.
		return nil
	}

	if exec.CancelRequested && exec.Status != core.StatusRunning {
		reason := exec.CancelReason
		if reason == "" {
			reason = core.CancelUser
		}
		return e.storage.FinishExecution(ctx, executionID, exec.Status, core.StatusCancelled, nil, "", reason)
	}

	switch exec.Status {
	case core.StatusPending, core.StatusQueued:
		if err := e.storage.UpdateStatus(ctx, executionID, exec.Status, core.StatusRunning); err != nil {
			return err
		}
		e.recorder.Record(ctx, exec.TenantID, exec.ID, core.EventStarted, map[string]interface{}{
			"mode": string(exec.Mode),
		})
	case core.StatusRunning:
		// Redelivered after a crashed worker's lease lapsed; restart the
		// plan from the top.
		e.recorder.Record(ctx, exec.TenantID, exec.ID, core.EventRequeued, map[string]interface{}{
			"attempt": exec.AttemptCount,
		})
	default:
		return faults.Newf(faults.KindConflict, "execution %s is %s, not runnable", executionID, exec.Status)
	}

	runCtx, release := e.cancels.Track(ctx, exec.ID)
	defer release()
	if exec.CancelRequested {
		e.cancels.Cancel(exec.ID, exec.CancelReason)
	}

	approvalID, err := e.preflight(runCtx, exec)
	if err != nil {
		return e.finalize(ctx, exec, nil, err)
	}

	policy := e.matrix.Get(exec.SLAClass, exec.ActionClass)
	executionDeadline := time.Now().Add(policy.TotalTimeout)
	runnerID := "runner-" + uuid.NewString()[:8]
	environment := e.targetEnvironment(exec)

	start := time.Now()
	results := make([]core.StepResult, 0, len(exec.Plan.Steps))
	steps, _ := e.storage.(StepWriter)
	var terminal error

	for i, step := range exec.Plan.Steps {
		sc := &safety.StepContext{
			Execution:         exec,
			Step:              step,
			Ordinal:           i,
			WorkerID:          runnerID,
			Environment:       environment,
			ApprovalID:        approvalID,
			ExecutionDeadline: executionDeadline,
		}
		handler, class, err := e.registry.Lookup(step.Tool)
		if err != nil {
			terminal = err
			results = append(results, failedResult(i, step.Tool, err))
			break
		}
		sc.Mutating = class.Mutating()

		e.openStepRow(ctx, steps, exec, i, step)
		result, err := e.runStep(runCtx, sc, handler)
		results = append(results, result)
		e.closeStepRow(ctx, steps, exec.ID, result)
		e.recorder.Progress(ctx, exec.TenantID, exec.ID, (i+1)*100/len(exec.Plan.Steps), step.Tool)

		if err != nil {
			if step.ContinueOnFailure() && !faults.IsKind(err, faults.KindTimeout) && runCtx.Err() == nil {
				continue
			}
			terminal = err
			break
		}
	}

	finishErr := e.finalize(ctx, exec, results, terminal)
	e.metrics.RecordRequest(firstTool(exec.Plan), statusLabel(terminal), time.Since(start).Seconds())
	return finishErr
}

// runStep drives one step through the guard chain with bounded inline
// retries for transient failures.
func (e *Engine) runStep(ctx context.Context, sc *safety.StepContext, handler HandlerFunc) (core.StepResult, error) {
	exec := sc.Execution
	result := core.StepResult{
		Ordinal:   sc.Ordinal,
		Tool:      sc.Step.Tool,
		StartedAt: time.Now(),
	}

	e.recorder.Record(ctx, exec.TenantID, exec.ID, core.EventStepStarted, map[string]interface{}{
		"step": sc.Ordinal,
		"tool": sc.Step.Tool,
	})

	var (
		output  map[string]interface{}
		stepErr error
	)
	for attempt := 1; attempt <= stepRetryLimit; attempt++ {
		result.Attempt = attempt
		stepErr = e.chain.Run(ctx, sc, func(stepCtx context.Context) error {
			out, err := handler(stepCtx, sc)
			output = out
			return e.timeouts.ClassifyDeadline(sc, err)
		})
		if stepErr == nil || !faults.Retryable(stepErr) || ctx.Err() != nil {
			break
		}

		e.recorder.Record(ctx, exec.TenantID, exec.ID, core.EventStepRetried, map[string]interface{}{
			"step":    sc.Ordinal,
			"tool":    sc.Step.Tool,
			"attempt": attempt,
			"error":   stepErr.Error(),
		})
		delay := stepRetryBase << (attempt - 1)
		delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	result.EndedAt = time.Now()
	result.Output = output

	if stepErr != nil {
		result.Status = core.StatusFailed
		result.Error = stepErr.Error()
		if ctx.Err() != nil && !faults.IsKind(stepErr, faults.KindTimeout) {
			reason := e.cancels.Reason(exec.ID)
			if reason == "" {
				reason = core.CancelUser
			}
			stepErr = faults.Wrapf(faults.KindConflict, stepErr, "step %d cancelled", sc.Ordinal).
				WithDetail("reason", string(reason))
			if !e.cancels.Drain(sc) {
				e.recorder.Record(ctx, exec.TenantID, exec.ID, core.EventForcedCancel, map[string]interface{}{
					"step": sc.Ordinal,
					"tool": sc.Step.Tool,
				})
			}
		}
		e.recorder.Record(ctx, exec.TenantID, exec.ID, core.EventStepFailed, map[string]interface{}{
			"step":  sc.Ordinal,
			"tool":  sc.Step.Tool,
			"error": stepErr.Error(),
		})
		e.metrics.RecordError(sc.Step.Tool, string(faults.KindOf(stepErr)))
		return result, stepErr
	}

	result.Status = core.StatusSucceeded
	e.recorder.Record(ctx, exec.TenantID, exec.ID, core.EventStepSucceeded, map[string]interface{}{
		"step": sc.Ordinal,
		"tool": sc.Step.Tool,
	})
	return result, nil
}

// openStepRow persists the step row at start. Best effort: the audit
// stream and the results column remain authoritative, so a write failure
// only logs.
func (e *Engine) openStepRow(ctx context.Context, steps StepWriter, exec *core.Execution, ordinal int, step core.PlanStep) {
	if steps == nil {
		return
	}
	row := &core.ExecutionStep{
		StepID:      uuid.NewString(),
		ExecutionID: exec.ID,
		Ordinal:     ordinal,
		ToolName:    step.Tool,
		Inputs:      step.Inputs,
		Status:      core.StatusRunning,
		Attempt:     exec.AttemptCount,
	}
	if err := steps.CreateStep(ctx, row); err != nil {
		e.logger.Printf("step row create failed execution=%s step=%d: %v", exec.ID, ordinal, err)
	}
}

// closeStepRow stamps the step row's outcome.
func (e *Engine) closeStepRow(ctx context.Context, steps StepWriter, executionID string, result core.StepResult) {
	if steps == nil {
		return
	}
	if err := steps.FinishStep(ctx, executionID, result.Ordinal, result.Status, result.Output, result.Error); err != nil {
		e.logger.Printf("step row finish failed execution=%s step=%d: %v", executionID, result.Ordinal, err)
	}
}

// preflight fetches context the step loop needs, in parallel: the
// handlers for every step (fail fast on an unknown tool) and the approval
// id when the plan was gated.
func (e *Engine) preflight(ctx context.Context, exec *core.Execution) (string, error) {
	var approvalID string
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for _, step := range exec.Plan.Steps {
			if _, _, err := e.registry.Lookup(step.Tool); err != nil {
				return err
			}
		}
		return nil
	})

	if exec.Mode == core.ModeApprovalRequired {
		g.Go(func() error {
			reader, ok := e.storage.(ApprovalReader)
			if !ok {
				return nil
			}
			approval, err := reader.LatestApprovalForExecution(gctx, exec.ID)
			if err != nil {
				if faults.IsKind(err, faults.KindNotFound) {
					return nil
				}
				return err
			}
			if approval.State == core.ApprovalApproved {
				approvalID = approval.ID
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}
	return approvalID, nil
}

// finalize writes the terminal row and event for a finished run.
func (e *Engine) finalize(ctx context.Context, exec *core.Execution, results []core.StepResult, terminal error) error {
	var (
		to     = core.StatusSucceeded
		event  = core.EventSucceeded
		errMsg string
		reason core.CancelReason
	)

	if terminal != nil {
		errMsg = terminal.Error()
		switch {
		case faults.IsKind(terminal, faults.KindTimeout):
			to = core.StatusTimedOut
			event = core.EventTimedOut
			reason = timeoutReason(terminal)
		case isCancellation(terminal):
			to = core.StatusCancelled
			event = core.EventCancelled
			reason = cancelReason(terminal)
		default:
			to = core.StatusFailed
			event = core.EventFailed
		}
	}

	if err := e.storage.FinishExecution(ctx, exec.ID, core.StatusRunning, to, results, errMsg, reason); err != nil {
		return err
	}
	payload := map[string]interface{}{"status": string(to)}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	e.recorder.Record(ctx, exec.TenantID, exec.ID, event, payload)
	return nil
}

func failedResult(ordinal int, tool string, err error) core.StepResult {
	now := time.Now()
	return core.StepResult{
		Ordinal:   ordinal,
		Tool:      tool,
		Status:    core.StatusFailed,
		Error:     err.Error(),
		StartedAt: now,
		EndedAt:   now,
		Attempt:   1,
	}
}

// isCancellation recognizes the CONFLICT faults the cancel guard and the
// step wrapper raise.
func isCancellation(err error) bool {
	if !faults.IsKind(err, faults.KindConflict) {
		return false
	}
	_, ok := faultDetail(err, "reason")
	return ok
}

func cancelReason(err error) core.CancelReason {
	if v, ok := faultDetail(err, "reason"); ok {
		if s, ok := v.(string); ok {
			return core.CancelReason(s)
		}
	}
	return core.CancelUser
}

func timeoutReason(err error) core.CancelReason {
	if v, ok := faultDetail(err, "reason"); ok {
		if s, ok := v.(string); ok {
			return core.CancelReason(s)
		}
	}
	return core.CancelStepTimeout
}

func faultDetail(err error, key string) (interface{}, bool) {
	var fe *faults.Error
	if !errors.As(err, &fe) || fe.Details == nil {
		return nil, false
	}
	v, ok := fe.Details[key]
	return v, ok
}

func firstTool(plan core.Plan) string {
	if len(plan.Steps) == 0 {
		return "none"
	}
	return plan.Steps[0].Tool
}

func statusLabel(terminal error) string {
	if terminal == nil {
		return "succeeded"
	}
	switch {
	case faults.IsKind(terminal, faults.KindTimeout):
		return "timed_out"
	case isCancellation(terminal):
		return "cancelled"
	default:
		return "failed"
	}
}
