package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/backend/internal/config"
	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/events"
	"github.com/opspilot/backend/internal/faults"
	"github.com/opspilot/backend/internal/logmask"
	"github.com/opspilot/backend/internal/metrics"
	"github.com/opspilot/backend/internal/safety"
)

// ============================================================================
// FIXTURES
// ============================================================================

// memStorage is an in-memory Storage with the same CAS and idempotency
// semantics as the Postgres store.
type memStorage struct {
	mu         sync.Mutex
	executions map[string]*core.Execution
	approvals  map[string]*core.Approval
	steps      map[string]map[int]*core.ExecutionStep
	events     []*core.ExecutionEvent
}

func newMemStorage() *memStorage {
	return &memStorage{
		executions: make(map[string]*core.Execution),
		approvals:  make(map[string]*core.Approval),
		steps:      make(map[string]map[int]*core.ExecutionStep),
	}
}

func (s *memStorage) CreateExecution(_ context.Context, e *core.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.CreatedAt = time.Now()
	s.executions[e.ID] = &cp
	return nil
}

func (s *memStorage) GetExecution(_ context.Context, tenantID, id string) (*core.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.TenantID != tenantID {
		return nil, faults.Newf(faults.KindNotFound, "execution %s not found", id)
	}
	cp := *e
	return &cp, nil
}

func (s *memStorage) GetExecutionByID(_ context.Context, id string) (*core.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, faults.Newf(faults.KindNotFound, "execution %s not found", id)
	}
	cp := *e
	return &cp, nil
}

func (s *memStorage) FindByIdempotencyKey(_ context.Context, tenantID, key string, since time.Time) (*core.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *core.Execution
	for _, e := range s.executions {
		if e.TenantID != tenantID || e.IdempotencyKey != key || e.CreatedAt.Before(since) {
			continue
		}
		if newest == nil || e.CreatedAt.After(newest.CreatedAt) {
			newest = e
		}
	}
	if newest == nil {
		return nil, faults.New(faults.KindNotFound, "no execution for idempotency key")
	}
	cp := *newest
	return &cp, nil
}

func (s *memStorage) UpdateStatus(_ context.Context, id string, from, to core.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return faults.Newf(faults.KindNotFound, "execution %s not found", id)
	}
	if !core.CanTransition(from, to) {
		return faults.Newf(faults.KindConflict, "illegal transition %s -> %s", from, to)
	}
	if e.Status != from {
		return faults.Newf(faults.KindConflict, "execution %s is no longer %s", id, from)
	}
	e.Status = to
	if to == core.StatusRunning {
		now := time.Now()
		if e.StartedAt == nil {
			e.StartedAt = &now
		}
		e.AttemptCount++
	}
	if to.Terminal() {
		now := time.Now()
		e.EndedAt = &now
	}
	return nil
}

func (s *memStorage) FinishExecution(_ context.Context, id string, from, to core.Status, results []core.StepResult, errMsg string, reason core.CancelReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return faults.Newf(faults.KindNotFound, "execution %s not found", id)
	}
	if !to.Terminal() || !core.CanTransition(from, to) {
		return faults.Newf(faults.KindConflict, "illegal transition %s -> %s", from, to)
	}
	if e.Status != from {
		return faults.Newf(faults.KindConflict, "execution %s is no longer %s", id, from)
	}
	now := time.Now()
	e.Status = to
	e.Results = results
	e.Error = errMsg
	e.CancelReason = reason
	e.EndedAt = &now
	return nil
}

func (s *memStorage) MarkCancelled(ctx context.Context, id string, from core.Status, reason core.CancelReason) error {
	return s.FinishExecution(ctx, id, from, core.StatusCancelled, nil, "", reason)
}

func (s *memStorage) RequestCancel(_ context.Context, tenantID, id string, reason core.CancelReason) (core.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.TenantID != tenantID || e.EndedAt != nil {
		return "", faults.Newf(faults.KindNotFound, "no live execution %s", id)
	}
	e.CancelRequested = true
	e.CancelReason = reason
	return e.Status, nil
}

func (s *memStorage) CreateApproval(_ context.Context, a *core.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.CreatedAt = time.Now()
	s.approvals[a.ID] = &cp
	return nil
}

func (s *memStorage) GetApproval(_ context.Context, tenantID, id string) (*core.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok || a.TenantID != tenantID {
		return nil, faults.Newf(faults.KindNotFound, "approval %s not found", id)
	}
	cp := *a
	return &cp, nil
}

func (s *memStorage) DecideApproval(_ context.Context, tenantID, id string, state core.ApprovalState, decidedBy, reason string) (*core.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok || a.TenantID != tenantID {
		return nil, faults.Newf(faults.KindNotFound, "approval %s not found", id)
	}
	if state != core.ApprovalApproved && state != core.ApprovalRejected {
		return nil, faults.Newf(faults.KindValidation, "decision must be APPROVED or REJECTED, got %s", state)
	}
	if a.State != core.ApprovalPending {
		return nil, faults.Newf(faults.KindConflict, "approval %s already %s", id, a.State)
	}
	now := time.Now()
	a.State = state
	a.DecidedBy = decidedBy
	a.Reason = reason
	a.DecidedAt = &now
	cp := *a
	return &cp, nil
}

func (s *memStorage) PendingApprovalForExecution(_ context.Context, executionID string) (*core.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.approvals {
		if a.ExecutionID == executionID && a.State == core.ApprovalPending {
			cp := *a
			return &cp, nil
		}
	}
	return nil, faults.Newf(faults.KindNotFound, "no pending approval for execution %s", executionID)
}

func (s *memStorage) LatestApprovalForExecution(_ context.Context, executionID string) (*core.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *core.Approval
	for _, a := range s.approvals {
		if a.ExecutionID != executionID {
			continue
		}
		if newest == nil || a.CreatedAt.After(newest.CreatedAt) {
			newest = a
		}
	}
	if newest == nil {
		return nil, faults.Newf(faults.KindNotFound, "no approval for execution %s", executionID)
	}
	cp := *newest
	return &cp, nil
}

func (s *memStorage) ExpireStaleApprovals(_ context.Context, cutoff time.Time) ([]core.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var expired []core.Approval
	for _, a := range s.approvals {
		if a.State == core.ApprovalPending && a.CreatedAt.Before(cutoff) {
			a.State = core.ApprovalExpired
			a.DecidedAt = &now
			expired = append(expired, *a)
		}
	}
	return expired, nil
}

func (s *memStorage) CreateStep(_ context.Context, step *core.ExecutionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps[step.ExecutionID] == nil {
		s.steps[step.ExecutionID] = make(map[int]*core.ExecutionStep)
	}
	now := time.Now()
	cp := *step
	cp.StartedAt = &now
	s.steps[step.ExecutionID][step.Ordinal] = &cp
	return nil
}

func (s *memStorage) FinishStep(_ context.Context, executionID string, ordinal int, status core.Status, result map[string]interface{}, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[executionID][ordinal]
	if !ok {
		return faults.Newf(faults.KindNotFound, "step %d of execution %s not found", ordinal, executionID)
	}
	now := time.Now()
	step.Status = status
	step.Result = result
	step.Error = errMsg
	step.EndedAt = &now
	return nil
}

func (s *memStorage) stepRows(executionID string) []core.ExecutionStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]core.ExecutionStep, 0, len(s.steps[executionID]))
	for ordinal := 0; ; ordinal++ {
		step, ok := s.steps[executionID][ordinal]
		if !ok {
			break
		}
		rows = append(rows, *step)
	}
	return rows
}

func (s *memStorage) AppendEvent(_ context.Context, ev *core.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.Seq = int64(len(s.events) + 1)
	s.events = append(s.events, ev)
	return nil
}

func (s *memStorage) eventKinds(executionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kinds []string
	for _, ev := range s.events {
		if ev.ExecutionID == executionID {
			kinds = append(kinds, ev.Kind)
		}
	}
	return kinds
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
	depth    int
}

func (q *fakeQueue) Enqueue(_ context.Context, exec *core.Execution) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, exec.ID)
	return nil
}

func (q *fakeQueue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth, nil
}

func (q *fakeQueue) enqueuedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.enqueued...)
}

type fakeApprovalPolicy struct {
	gated map[string]bool
}

func (p *fakeApprovalPolicy) RequiresApproval(_ context.Context, tool string) bool {
	return p.gated[tool]
}

// testHarness bundles a fully wired engine over in-memory fakes.
type testHarness struct {
	engine   *Engine
	storage  *memStorage
	queue    *fakeQueue
	registry *Registry
	cancels  *safety.CancellationManager

	mu       sync.Mutex
	toolRuns map[string]int
	toolErrs map[string]func(attempt int) error
}

func newHarness(t *testing.T, opts Options) *testHarness {
	t.Helper()
	h := &testHarness{
		storage:  newMemStorage(),
		queue:    &fakeQueue{},
		registry: NewRegistry(),
		toolRuns: make(map[string]int),
		toolErrs: make(map[string]func(int) error),
	}

	sla := config.SLAConfig{
		FastStepTimeoutMS: 5000, FastTotalTimeoutMS: 15000,
		MediumStepTimeoutMS: 30000, MediumTotalTimeoutMS: 120000,
		LongStepTimeoutMS: 300000, LongTotalTimeoutMS: 1800000,
	}
	matrix := safety.NewMatrix(sla)
	timeouts := safety.NewTimeoutGuard(matrix)
	h.cancels = safety.NewCancellationManager(200 * time.Millisecond)
	chain := safety.NewChain(timeouts, safety.NewCancelGuard(h.cancels))

	recorder := events.NewRecorder(h.storage, events.NewBus(), nil, logmask.New())
	m := metrics.NewWith(prometheus.NewRegistry())

	h.engine = New(h.storage, h.queue, h.registry, chain, timeouts, matrix, h.cancels,
		recorder, &fakeApprovalPolicy{gated: map[string]bool{"gated_tool": true}}, m, opts)

	h.registerTool("read_tool", core.ActionRead)
	h.registerTool("write_tool", core.ActionMutate)
	h.registerTool("destroy_tool", core.ActionDestructive)
	h.registerTool("gated_tool", core.ActionMutate)
	return h
}

func (h *testHarness) registerTool(name string, class core.ActionClass) {
	h.registry.Register(name, class, func(ctx context.Context, sc *safety.StepContext) (map[string]interface{}, error) {
		h.mu.Lock()
		h.toolRuns[name]++
		attempt := h.toolRuns[name]
		failFn := h.toolErrs[name]
		h.mu.Unlock()
		if failFn != nil {
			if err := failFn(attempt); err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{"ok": true}, nil
	})
}

func (h *testHarness) failTool(name string, fn func(attempt int) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.toolErrs[name] = fn
}

func (h *testHarness) runs(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.toolRuns[name]
}

func submitReq(tools ...string) SubmitRequest {
	steps := make([]core.PlanStep, len(tools))
	for i, tool := range tools {
		steps[i] = core.PlanStep{Tool: tool, Inputs: map[string]interface{}{}}
	}
	return SubmitRequest{
		TenantID:    "acme",
		ActorID:     "alice",
		Plan:        core.Plan{Steps: steps},
		Target:      core.Target{Hostname: "web01", Environment: "development"},
		Preferences: core.Preferences{SLAClass: core.SLAFast},
	}
}

// ============================================================================
// SUBMIT ROUTING
// ============================================================================

func TestSubmitImmediateRunsShortFastReads(t *testing.T) {
	h := newHarness(t, Options{})

	res, err := h.engine.Submit(context.Background(), submitReq("read_tool"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, core.ModeImmediate, res.Execution.Mode)
	assert.Equal(t, core.StatusSucceeded, res.Execution.Status)
	assert.Equal(t, 1, h.runs("read_tool"))
	assert.Empty(t, h.queue.enqueuedIDs())
}

func TestSubmitBackgroundQueuesWrites(t *testing.T) {
	h := newHarness(t, Options{})

	res, err := h.engine.Submit(context.Background(), submitReq("write_tool"))
	require.NoError(t, err)
	assert.Equal(t, core.ModeBackground, res.Execution.Mode)
	assert.Equal(t, core.StatusQueued, res.Execution.Status)
	assert.Equal(t, []string{res.Execution.ID}, h.queue.enqueuedIDs())
	assert.Zero(t, h.runs("write_tool"))
	assert.Contains(t, h.storage.eventKinds(res.Execution.ID), core.EventSubmitted)
}

func TestSubmitDestructiveInProductionNeedsApproval(t *testing.T) {
	h := newHarness(t, Options{})

	req := submitReq("destroy_tool")
	req.Target.Environment = "production"
	res, err := h.engine.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, core.ModeApprovalRequired, res.Execution.Mode)
	assert.Equal(t, core.StatusApprovalPending, res.Execution.Status)
	assert.Empty(t, h.queue.enqueuedIDs())

	approval, err := h.storage.PendingApprovalForExecution(context.Background(), res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, "prod.write", approval.RequiredPermission)
}

func TestSubmitToolPolicyOpensApprovalGate(t *testing.T) {
	h := newHarness(t, Options{})

	res, err := h.engine.Submit(context.Background(), submitReq("gated_tool"))
	require.NoError(t, err)
	assert.Equal(t, core.ModeApprovalRequired, res.Execution.Mode)
}

func TestSubmitUnknownToolIsValidation(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.engine.Submit(context.Background(), submitReq("no_such_tool"))
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, Options{})

	req := submitReq("read_tool")
	req.Target = core.Target{}
	_, err := h.engine.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	req = submitReq()
	_, err = h.engine.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

// ============================================================================
// IDEMPOTENCY
// ============================================================================

func TestDuplicateSubmitReplaysOriginal(t *testing.T) {
	h := newHarness(t, Options{})
	req := submitReq("write_tool")

	first, err := h.engine.Submit(context.Background(), req)
	require.NoError(t, err)
	second, err := h.engine.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Execution.ID, second.Execution.ID)
	assert.Len(t, h.queue.enqueuedIDs(), 1)
	assert.Contains(t, h.storage.eventKinds(first.Execution.ID), core.EventDuplicate)
}

func TestFailedPriorAllowsRetryWithAncestry(t *testing.T) {
	h := newHarness(t, Options{})
	h.failTool("read_tool", func(int) error {
		return faults.New(faults.KindInternal, "boom")
	})
	req := submitReq("read_tool")

	first, err := h.engine.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, core.StatusFailed, first.Execution.Status)

	h.failTool("read_tool", func(int) error { return nil })
	second, err := h.engine.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.Execution.ID, second.Execution.ID)
	assert.Equal(t, first.Execution.ID, second.Execution.RetryOf)
	assert.Equal(t, core.StatusSucceeded, second.Execution.Status)
}

// ============================================================================
// BACKPRESSURE
// ============================================================================

func TestBackpressureShedsImmediateWork(t *testing.T) {
	h := newHarness(t, Options{BackpressureDepth: 10})
	h.queue.depth = 10

	_, err := h.engine.Submit(context.Background(), submitReq("read_tool"))
	require.Error(t, err)
	assert.Equal(t, faults.KindRateLimited, faults.KindOf(err))
}

func TestBackpressureDemotesBackgroundWork(t *testing.T) {
	h := newHarness(t, Options{BackpressureDepth: 10})
	h.queue.depth = 10

	res, err := h.engine.Submit(context.Background(), submitReq("write_tool"))
	require.NoError(t, err)
	assert.Equal(t, 10, res.Execution.Priority)
}

// ============================================================================
// RUN
// ============================================================================

func TestRunExecutesAllStepsInOrder(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.engine.Submit(context.Background(), submitReq("write_tool", "read_tool"))
	require.NoError(t, err)

	require.NoError(t, h.engine.Run(context.Background(), res.Execution.ID))

	final, err := h.storage.GetExecutionByID(context.Background(), res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusSucceeded, final.Status)
	require.Len(t, final.Results, 2)
	assert.Equal(t, "write_tool", final.Results[0].Tool)
	assert.Equal(t, "read_tool", final.Results[1].Tool)
	assert.Contains(t, h.storage.eventKinds(res.Execution.ID), core.EventSucceeded)
}

func TestRunStopsAtFirstTerminalFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.failTool("write_tool", func(int) error {
		return faults.New(faults.KindPolicy, "not allowed")
	})
	res, err := h.engine.Submit(context.Background(), submitReq("write_tool", "read_tool"))
	require.NoError(t, err)

	require.NoError(t, h.engine.Run(context.Background(), res.Execution.ID))

	final, _ := h.storage.GetExecutionByID(context.Background(), res.Execution.ID)
	assert.Equal(t, core.StatusFailed, final.Status)
	assert.Zero(t, h.runs("read_tool"))
	require.Len(t, final.Results, 1)
	assert.Equal(t, core.StatusFailed, final.Results[0].Status)
}

func TestRunContinuesPastFailureWhenStepAllowsIt(t *testing.T) {
	h := newHarness(t, Options{})
	h.failTool("write_tool", func(int) error {
		return faults.New(faults.KindInternal, "boom")
	})

	req := submitReq("write_tool", "read_tool")
	req.Plan.Steps[0].OnFailure = core.OnFailureContinue
	res, err := h.engine.Submit(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, h.engine.Run(context.Background(), res.Execution.ID))

	final, _ := h.storage.GetExecutionByID(context.Background(), res.Execution.ID)
	assert.Equal(t, core.StatusSucceeded, final.Status)
	require.Len(t, final.Results, 2)
	assert.Equal(t, core.StatusFailed, final.Results[0].Status)
	assert.Equal(t, core.StatusSucceeded, final.Results[1].Status)
	assert.Equal(t, 1, h.runs("read_tool"))
}

func TestRunRetriesTransientStepFailures(t *testing.T) {
	h := newHarness(t, Options{})
	h.failTool("write_tool", func(attempt int) error {
		if attempt < 3 {
			return faults.New(faults.KindTransient, "connection reset")
		}
		return nil
	})
	res, err := h.engine.Submit(context.Background(), submitReq("write_tool"))
	require.NoError(t, err)

	require.NoError(t, h.engine.Run(context.Background(), res.Execution.ID))

	final, _ := h.storage.GetExecutionByID(context.Background(), res.Execution.ID)
	assert.Equal(t, core.StatusSucceeded, final.Status)
	assert.Equal(t, 3, h.runs("write_tool"))
	assert.Contains(t, h.storage.eventKinds(res.Execution.ID), core.EventStepRetried)
}

func TestRunIsIdempotentOnTerminalExecutions(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.engine.Submit(context.Background(), submitReq("read_tool"))
	require.NoError(t, err)
	require.Equal(t, core.StatusSucceeded, res.Execution.Status)

	require.NoError(t, h.engine.Run(context.Background(), res.Execution.ID))
	assert.Equal(t, 1, h.runs("read_tool"))
}

func TestRunPersistsStepRows(t *testing.T) {
	h := newHarness(t, Options{})
	h.failTool("read_tool", func(int) error {
		return faults.New(faults.KindPolicy, "not allowed")
	})

	req := submitReq("write_tool", "read_tool")
	req.Plan.Steps[1].OnFailure = core.OnFailureContinue
	res, err := h.engine.Submit(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(context.Background(), res.Execution.ID))

	rows := h.storage.stepRows(res.Execution.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, "write_tool", rows[0].ToolName)
	assert.Equal(t, core.StatusSucceeded, rows[0].Status)
	require.NotNil(t, rows[0].StartedAt)
	require.NotNil(t, rows[0].EndedAt)
	assert.Equal(t, "read_tool", rows[1].ToolName)
	assert.Equal(t, core.StatusFailed, rows[1].Status)
	assert.Contains(t, rows[1].Error, "not allowed")
}

// ============================================================================
// CANCEL
// ============================================================================

func TestCancelQueuedExecutionFinalizesImmediately(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.engine.Submit(context.Background(), submitReq("write_tool"))
	require.NoError(t, err)

	cancelled, err := h.engine.Cancel(context.Background(), "acme", res.Execution.ID, core.CancelUser)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, cancelled.Status)
	assert.Equal(t, core.CancelUser, cancelled.CancelReason)
	assert.Contains(t, h.storage.eventKinds(res.Execution.ID), core.EventCancelRequested)
}

func TestCancelUnknownExecutionIsNotFound(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.engine.Cancel(context.Background(), "acme", "missing", core.CancelUser)
	require.Error(t, err)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestCancelledBeforeRunNeverExecutesSteps(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.engine.Submit(context.Background(), submitReq("write_tool"))
	require.NoError(t, err)
	_, err = h.engine.Cancel(context.Background(), "acme", res.Execution.ID, core.CancelUser)
	require.NoError(t, err)

	require.NoError(t, h.engine.Run(context.Background(), res.Execution.ID))
	assert.Zero(t, h.runs("write_tool"))
}

// ============================================================================
// APPROVALS
// ============================================================================

func TestDecideApprovedReleasesExecutionToQueue(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.engine.Submit(context.Background(), submitReq("gated_tool"))
	require.NoError(t, err)
	approval, err := h.storage.PendingApprovalForExecution(context.Background(), res.Execution.ID)
	require.NoError(t, err)

	decided, err := h.engine.Decide(context.Background(), "acme", approval.ID, core.ApprovalApproved, "bob", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, core.ApprovalApproved, decided.State)

	exec, _ := h.storage.GetExecutionByID(context.Background(), res.Execution.ID)
	assert.Equal(t, core.StatusQueued, exec.Status)
	assert.Equal(t, []string{res.Execution.ID}, h.queue.enqueuedIDs())
}

func TestDecideRejectedCancelsExecution(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.engine.Submit(context.Background(), submitReq("gated_tool"))
	require.NoError(t, err)
	approval, err := h.storage.PendingApprovalForExecution(context.Background(), res.Execution.ID)
	require.NoError(t, err)

	_, err = h.engine.Decide(context.Background(), "acme", approval.ID, core.ApprovalRejected, "bob", "too risky")
	require.NoError(t, err)

	exec, _ := h.storage.GetExecutionByID(context.Background(), res.Execution.ID)
	assert.Equal(t, core.StatusCancelled, exec.Status)
	assert.Empty(t, h.queue.enqueuedIDs())
}

func TestDecideTwiceIsConflict(t *testing.T) {
	h := newHarness(t, Options{})
	res, err := h.engine.Submit(context.Background(), submitReq("gated_tool"))
	require.NoError(t, err)
	approval, err := h.storage.PendingApprovalForExecution(context.Background(), res.Execution.ID)
	require.NoError(t, err)

	_, err = h.engine.Decide(context.Background(), "acme", approval.ID, core.ApprovalApproved, "bob", "")
	require.NoError(t, err)
	_, err = h.engine.Decide(context.Background(), "acme", approval.ID, core.ApprovalRejected, "carol", "")
	require.Error(t, err)
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
}

func TestDecideUnknownApprovalIsNotFound(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.engine.Decide(context.Background(), "acme", "missing", core.ApprovalApproved, "bob", "")
	require.Error(t, err)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestExpireApprovalsCancelsStaleGates(t *testing.T) {
	h := newHarness(t, Options{ApprovalTTL: time.Hour})
	res, err := h.engine.Submit(context.Background(), submitReq("gated_tool"))
	require.NoError(t, err)
	approval, err := h.storage.PendingApprovalForExecution(context.Background(), res.Execution.ID)
	require.NoError(t, err)

	// Backdate the gate past the TTL.
	h.storage.mu.Lock()
	h.storage.approvals[approval.ID].CreatedAt = time.Now().Add(-2 * time.Hour)
	h.storage.mu.Unlock()

	n, err := h.engine.ExpireApprovals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := h.storage.GetApproval(context.Background(), "acme", approval.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ApprovalExpired, expired.State)

	exec, err := h.storage.GetExecutionByID(context.Background(), res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, exec.Status)
	assert.Equal(t, core.CancelApprovalExpired, exec.CancelReason)
	assert.Contains(t, h.storage.eventKinds(res.Execution.ID), core.EventCancelled)
	assert.Empty(t, h.queue.enqueuedIDs())
}

func TestExpireApprovalsLeavesFreshGatesAlone(t *testing.T) {
	h := newHarness(t, Options{ApprovalTTL: time.Hour})
	res, err := h.engine.Submit(context.Background(), submitReq("gated_tool"))
	require.NoError(t, err)

	n, err := h.engine.ExpireApprovals(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	exec, err := h.storage.GetExecutionByID(context.Background(), res.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusApprovalPending, exec.Status)
}
