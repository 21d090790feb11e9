// Package engine is the execution core: it validates and classifies
// submitted plans, routes them to immediate, background or
// approval-gated execution, and drives each leased execution through the
// safety guard chain to a terminal status.
package engine

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/events"
	"github.com/opspilot/backend/internal/faults"
	"github.com/opspilot/backend/internal/metrics"
	"github.com/opspilot/backend/internal/safety"
)

// Storage is the persistence surface the engine needs; *store.Store
// satisfies it.
type Storage interface {
	CreateExecution(ctx context.Context, e *core.Execution) error
	GetExecution(ctx context.Context, tenantID, id string) (*core.Execution, error)
	GetExecutionByID(ctx context.Context, id string) (*core.Execution, error)
	FindByIdempotencyKey(ctx context.Context, tenantID, key string, since time.Time) (*core.Execution, error)
	UpdateStatus(ctx context.Context, id string, from, to core.Status) error
	FinishExecution(ctx context.Context, id string, from, to core.Status, results []core.StepResult, errMsg string, reason core.CancelReason) error
	MarkCancelled(ctx context.Context, id string, from core.Status, reason core.CancelReason) error
	RequestCancel(ctx context.Context, tenantID, id string, reason core.CancelReason) (core.Status, error)

	CreateApproval(ctx context.Context, a *core.Approval) error
	GetApproval(ctx context.Context, tenantID, id string) (*core.Approval, error)
	DecideApproval(ctx context.Context, tenantID, id string, state core.ApprovalState, decidedBy, reason string) (*core.Approval, error)
	PendingApprovalForExecution(ctx context.Context, executionID string) (*core.Approval, error)
}

// Enqueuer admits executions to the background queue; *queue.Manager
// satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, exec *core.Execution) error
	Depth(ctx context.Context) (int, error)
}

// ApprovalPolicy answers whether a tool needs a human gate; the catalog
// service satisfies it.
type ApprovalPolicy interface {
	RequiresApproval(ctx context.Context, tool string) bool
}

// Options tune engine routing.
type Options struct {
	Environment       string
	DedupWindow       time.Duration
	BackpressureDepth int
	// ImmediateStepLimit caps how many read steps still qualify for
	// inline execution.
	ImmediateStepLimit int
	// ApprovalTTL is how long a PENDING approval may wait before the
	// expiry sweep cancels the gated execution.
	ApprovalTTL time.Duration
}

func (o *Options) fill() {
	if o.DedupWindow == 0 {
		o.DedupWindow = 24 * time.Hour
	}
	if o.ApprovalTTL == 0 {
		o.ApprovalTTL = 24 * time.Hour
	}
	if o.BackpressureDepth == 0 {
		o.BackpressureDepth = 500
	}
	if o.ImmediateStepLimit == 0 {
		o.ImmediateStepLimit = 2
	}
}

// Engine routes submitted plans and runs leased executions.
type Engine struct {
	storage   Storage
	queue     Enqueuer
	registry  *Registry
	chain     *safety.Chain
	timeouts  *safety.TimeoutGuard
	matrix    *safety.Matrix
	cancels   *safety.CancellationManager
	recorder  *events.Recorder
	approvals ApprovalPolicy
	metrics   *metrics.Metrics
	opts      Options
	logger    *log.Logger
}

func New(storage Storage, queue Enqueuer, registry *Registry, chain *safety.Chain,
	timeouts *safety.TimeoutGuard, matrix *safety.Matrix, cancels *safety.CancellationManager,
	recorder *events.Recorder, approvals ApprovalPolicy, m *metrics.Metrics, opts Options) *Engine {
	opts.fill()
	return &Engine{
		storage:   storage,
		queue:     queue,
		registry:  registry,
		chain:     chain,
		timeouts:  timeouts,
		matrix:    matrix,
		cancels:   cancels,
		recorder:  recorder,
		approvals: approvals,
		metrics:   m,
		opts:      opts,
		logger:    log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
	}
}

// SubmitRequest is one plan submission.
type SubmitRequest struct {
	TenantID    string
	ActorID     string
	Plan        core.Plan
	Target      core.Target
	Preferences core.Preferences
}

// SubmitResult carries the accepted (or replayed) execution.
type SubmitResult struct {
	Execution *core.Execution
	// Replayed is true when the idempotency window collapsed this submit
	// onto an earlier execution.
	Replayed bool
}

// Submit validates, classifies and routes a plan.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}

	actionClass, err := e.classify(req.Plan)
	if err != nil {
		return nil, err
	}
	slaClass, ok := core.ParseSLAClass(string(req.Preferences.SLAClass))
	if !ok {
		return nil, faults.Newf(faults.KindValidation, "unknown sla_class %q", req.Preferences.SLAClass)
	}

	// Idempotency replay inside the dedup window. A FAILED prior does not
	// block a retry; the new row records its ancestry.
	key := safety.IdempotencyKey(req.TenantID, req.ActorID, req.Plan, req.Target)
	retryOf := ""
	since := time.Now().Add(-e.opts.DedupWindow)
	if prior, err := e.storage.FindByIdempotencyKey(ctx, req.TenantID, key, since); err == nil {
		if prior.Status != core.StatusFailed {
			e.recorder.Record(ctx, req.TenantID, prior.ID, core.EventDuplicate, map[string]interface{}{
				"idempotency_key": key,
			})
			return &SubmitResult{Execution: prior, Replayed: true}, nil
		}
		retryOf = prior.ID
	} else if !faults.IsKind(err, faults.KindNotFound) {
		return nil, err
	}

	exec := &core.Execution{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		ActorID:        req.ActorID,
		IdempotencyKey: key,
		SLAClass:       slaClass,
		ActionClass:    actionClass,
		Priority:       req.Preferences.Priority,
		Status:         core.StatusPending,
		Plan:           req.Plan,
		Target:         req.Target,
		RetryOf:        retryOf,
	}
	exec.Mode = e.route(ctx, exec)

	// Backpressure: shed immediate work, demote background work.
	if depth, err := e.queue.Depth(ctx); err == nil && depth >= e.opts.BackpressureDepth {
		if exec.Mode == core.ModeImmediate {
			return nil, faults.New(faults.KindRateLimited, "execution queue is saturated, retry later").
				WithDetail("retry_after_seconds", 30)
		}
		if exec.Mode == core.ModeBackground {
			exec.Priority += 10
		}
	}

	if err := e.storage.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.recorder.Record(ctx, exec.TenantID, exec.ID, core.EventSubmitted, map[string]interface{}{
		"mode":         string(exec.Mode),
		"sla_class":    string(exec.SLAClass),
		"action_class": string(exec.ActionClass),
	})

	switch exec.Mode {
	case core.ModeApprovalRequired:
		if err := e.openApproval(ctx, exec); err != nil {
			return nil, err
		}
	case core.ModeBackground:
		if err := e.storage.UpdateStatus(ctx, exec.ID, core.StatusPending, core.StatusQueued); err != nil {
			return nil, err
		}
		exec.Status = core.StatusQueued
		if err := e.queue.Enqueue(ctx, exec); err != nil {
			return nil, err
		}
		e.recorder.Record(ctx, exec.TenantID, exec.ID, core.EventQueued, map[string]interface{}{
			"priority": exec.Priority,
		})
	case core.ModeImmediate:
		if err := e.Run(ctx, exec.ID); err != nil {
			e.logger.Printf("immediate run finished with error execution=%s: %v", exec.ID, err)
		}
		finished, err := e.storage.GetExecution(ctx, exec.TenantID, exec.ID)
		if err != nil {
			return nil, err
		}
		exec = finished
	}

	return &SubmitResult{Execution: exec}, nil
}

// Cancel raises the cooperative cancel flag and, for executions that have
// not started, finalizes immediately.
func (e *Engine) Cancel(ctx context.Context, tenantID, executionID string, reason core.CancelReason) (*core.Execution, error) {
	if reason == "" {
		reason = core.CancelUser
	}
	status, err := e.storage.RequestCancel(ctx, tenantID, executionID, reason)
	if err != nil {
		return nil, err
	}
	e.recorder.Record(ctx, tenantID, executionID, core.EventCancelRequested, map[string]interface{}{
		"reason": string(reason),
		"status": string(status),
	})

	switch status {
	case core.StatusPending, core.StatusQueued, core.StatusApprovalPending:
		if err := e.storage.MarkCancelled(ctx, executionID, status, reason); err != nil && !faults.IsKind(err, faults.KindConflict) {
			return nil, err
		}
		e.recorder.Record(ctx, tenantID, executionID, core.EventCancelled, map[string]interface{}{
			"reason": string(reason),
		})
	case core.StatusRunning:
		// The holding worker observes the flag on its next heartbeat; if
		// it runs on this node the token fires now.
		e.cancels.Cancel(executionID, reason)
	}

	return e.storage.GetExecution(ctx, tenantID, executionID)
}

// Decide resolves an approval gate. APPROVED releases the execution to the
// queue; REJECTED cancels it.
func (e *Engine) Decide(ctx context.Context, tenantID, approvalID string, state core.ApprovalState, decidedBy, reason string) (*core.Approval, error) {
	approval, err := e.storage.DecideApproval(ctx, tenantID, approvalID, state, decidedBy, reason)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordApproval(string(state))
	e.recorder.Record(ctx, tenantID, approval.ExecutionID, core.EventApprovalDecided, map[string]interface{}{
		"approval_id": approval.ID,
		"state":       string(state),
		"decided_by":  decidedBy,
	})

	switch state {
	case core.ApprovalApproved:
		if err := e.storage.UpdateStatus(ctx, approval.ExecutionID, core.StatusApprovalPending, core.StatusQueued); err != nil {
			return nil, err
		}
		exec, err := e.storage.GetExecution(ctx, tenantID, approval.ExecutionID)
		if err != nil {
			return nil, err
		}
		if err := e.queue.Enqueue(ctx, exec); err != nil {
			return nil, err
		}
		e.recorder.Record(ctx, tenantID, exec.ID, core.EventQueued, map[string]interface{}{
			"approval_id": approval.ID,
		})
	case core.ApprovalRejected:
		if err := e.storage.MarkCancelled(ctx, approval.ExecutionID, core.StatusApprovalPending, core.CancelUser); err != nil {
			return nil, err
		}
		e.recorder.Record(ctx, tenantID, approval.ExecutionID, core.EventCancelled, map[string]interface{}{
			"reason": "approval rejected",
		})
	}
	return approval, nil
}

func (e *Engine) validate(req SubmitRequest) error {
	switch {
	case req.TenantID == "":
		return faults.New(faults.KindValidation, "tenant_id is required")
	case req.ActorID == "":
		return faults.New(faults.KindValidation, "actor_id is required")
	case len(req.Plan.Steps) == 0:
		return faults.New(faults.KindValidation, "plan needs at least one step")
	case req.Target.AssetID == "" && req.Target.Hostname == "":
		return faults.New(faults.KindValidation, "target needs an asset_id or hostname")
	}
	for i, step := range req.Plan.Steps {
		if step.Tool == "" {
			return faults.Newf(faults.KindValidation, "step %d has no tool", i)
		}
		if step.OnFailure != "" && step.OnFailure != core.OnFailureStop && step.OnFailure != core.OnFailureContinue {
			return faults.Newf(faults.KindValidation, "step %d has unknown on_failure %q", i, step.OnFailure)
		}
	}
	return nil
}

// classify derives the plan's action class as the max over its steps.
func (e *Engine) classify(plan core.Plan) (core.ActionClass, error) {
	class := core.ActionRead
	for _, step := range plan.Steps {
		stepClass, err := e.registry.ActionClassOf(step.Tool)
		if err != nil {
			return "", err
		}
		if stepClass.Rank() > class.Rank() {
			class = stepClass
		}
	}
	return class, nil
}

// route picks the execution mode. Approval-gated plans trump everything;
// short read-only FAST plans run inline; the rest go to the queue.
func (e *Engine) route(ctx context.Context, exec *core.Execution) core.Mode {
	needsApproval := exec.ActionClass == core.ActionDestructive && e.targetEnvironment(exec) == "production"
	if !needsApproval && e.approvals != nil {
		for _, step := range exec.Plan.Steps {
			if e.approvals.RequiresApproval(ctx, step.Tool) {
				needsApproval = true
				break
			}
		}
	}
	if needsApproval {
		return core.ModeApprovalRequired
	}
	if exec.SLAClass == core.SLAFast && exec.ActionClass == core.ActionRead &&
		len(exec.Plan.Steps) <= e.opts.ImmediateStepLimit {
		return core.ModeImmediate
	}
	return core.ModeBackground
}

func (e *Engine) targetEnvironment(exec *core.Execution) string {
	if exec.Target.Environment != "" {
		return exec.Target.Environment
	}
	return e.opts.Environment
}

func (e *Engine) openApproval(ctx context.Context, exec *core.Execution) error {
	if err := e.storage.UpdateStatus(ctx, exec.ID, core.StatusPending, core.StatusApprovalPending); err != nil {
		return err
	}
	exec.Status = core.StatusApprovalPending

	approval := &core.Approval{
		ID:                 uuid.NewString(),
		ExecutionID:        exec.ID,
		TenantID:           exec.TenantID,
		RequestedBy:        exec.ActorID,
		RequiredPermission: "prod.write",
		State:              core.ApprovalPending,
	}
	if err := e.storage.CreateApproval(ctx, approval); err != nil {
		return err
	}
	e.recorder.Record(ctx, exec.TenantID, exec.ID, core.EventApprovalRequested, map[string]interface{}{
		"approval_id": approval.ID,
		"permission":  approval.RequiredPermission,
	})
	return nil
}
