package safety

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/faults"
)

// CleanupFunc runs when a step of its kind is cancelled mid-flight. It
// gets a short grace context; best-effort only.
type CleanupFunc func(ctx context.Context, sc *StepContext)

// CancellationManager tracks a cancel token per in-flight execution.
// Cancellation is cooperative: Cancel flips the token, the running step's
// context unwinds, and registered cleanup handlers get a bounded drain
// window before the worker declares FORCED_CANCEL.
type CancellationManager struct {
	mu       sync.Mutex
	tokens   map[string]*cancelToken
	cleanups map[string]CleanupFunc
	drain    time.Duration
	logger   *log.Logger
}

type cancelToken struct {
	cancel context.CancelFunc
	reason core.CancelReason
	done   chan struct{}
}

// NewCancellationManager builds the manager. drain bounds how long a
// cancelled step may spend in cleanup.
func NewCancellationManager(drain time.Duration) *CancellationManager {
	return &CancellationManager{
		tokens:   make(map[string]*cancelToken),
		cleanups: make(map[string]CleanupFunc),
		drain:    drain,
		logger:   log.New(log.Writer(), "[CANCEL] ", log.LstdFlags),
	}
}

// RegisterCleanup installs the cleanup handler for a step kind (tool
// name). One handler per kind; later registrations replace earlier ones.
func (m *CancellationManager) RegisterCleanup(kind string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups[kind] = fn
}

// Track derives a cancellable context for an execution and registers its
// token. The returned release must be called when the execution leaves the
// worker.
func (m *CancellationManager) Track(ctx context.Context, executionID string) (context.Context, func()) {
	execCtx, cancel := context.WithCancel(ctx)
	tok := &cancelToken{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.tokens[executionID] = tok
	m.mu.Unlock()

	return execCtx, func() {
		m.mu.Lock()
		delete(m.tokens, executionID)
		m.mu.Unlock()
		cancel()
		close(tok.done)
	}
}

// Cancel flips the token for an execution if it is in flight on this
// worker. Returns false when the execution is not tracked here.
func (m *CancellationManager) Cancel(executionID string, reason core.CancelReason) bool {
	m.mu.Lock()
	tok, ok := m.tokens[executionID]
	if ok {
		tok.reason = reason
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.logger.Printf("cancel requested execution=%s reason=%s", executionID, reason)
	tok.cancel()
	return true
}

// Reason reports the cancel reason recorded for an execution, if any.
func (m *CancellationManager) Reason(executionID string) core.CancelReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.tokens[executionID]; ok {
		return tok.reason
	}
	return ""
}

// CancelAll fires every tracked token, used on worker shutdown.
func (m *CancellationManager) CancelAll(reason core.CancelReason) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tokens))
	for id := range m.tokens {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Cancel(id, reason)
	}
}

// Drain runs the cleanup handler for a cancelled step inside the drain
// window. Returns false when the handler overran the window, which the
// caller reports as FORCED_CANCEL.
func (m *CancellationManager) Drain(sc *StepContext) bool {
	m.mu.Lock()
	fn := m.cleanups[sc.Step.Tool]
	m.mu.Unlock()
	if fn == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.drain)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx, sc)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		m.logger.Printf("cleanup overran drain window execution=%s step=%d tool=%s",
			sc.Execution.ID, sc.Ordinal, sc.Step.Tool)
		return false
	}
}

// CancelGuard refuses to start a step once the execution's token has
// fired. It is the last guard in the chain so a cancel arriving between
// steps stops the plan before any new side effect.
type CancelGuard struct {
	manager *CancellationManager
}

func NewCancelGuard(manager *CancellationManager) *CancelGuard {
	return &CancelGuard{manager: manager}
}

func (g *CancelGuard) Name() string { return "cancellation" }

func (g *CancelGuard) Before(ctx context.Context, sc *StepContext) (context.Context, error) {
	select {
	case <-ctx.Done():
		reason := g.manager.Reason(sc.Execution.ID)
		if reason == "" {
			reason = core.CancelUser
		}
		return ctx, faults.Newf(faults.KindConflict, "execution cancelled before step %d", sc.Ordinal).
			WithDetail("reason", string(reason))
	default:
		return ctx, nil
	}
}

func (g *CancelGuard) After(_ context.Context, _ *StepContext, _ error) {}
