// Package queue schedules background executions through the lease-based
// Postgres queue: enqueue, worker delivery, retry backoff, dead-lettering
// and the stale-lease reaper.
package queue

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/metrics"
	"github.com/opspilot/backend/internal/store"
)

// Backend is the persistence surface the queue needs; *store.Store
// satisfies it.
type Backend interface {
	EnqueueItem(ctx context.Context, item *store.QueueItem) error
	DequeueItem(ctx context.Context, workerID string, lease time.Duration) (*store.QueueItem, error)
	RenewLease(ctx context.Context, itemID, workerID string, lease time.Duration) error
	CompleteItem(ctx context.Context, itemID, workerID string) error
	RescheduleItem(ctx context.Context, itemID string, availableAt time.Time) error
	MoveToDLQ(ctx context.Context, itemID, reason string) error
	DeadLetterExhausted(ctx context.Context, reason string) ([]store.QueueItem, error)
	DeadLetterExecution(ctx context.Context, executionID, errMsg string) error
	ReapStaleLeases(ctx context.Context) (int, error)
	QueueDepths(ctx context.Context) (map[string]int, error)
	LeasedCount(ctx context.Context) (int, error)
}

// Recorder receives queue lifecycle events for the execution's audit
// stream; *events.Recorder satisfies it. May be nil.
type Recorder interface {
	Record(ctx context.Context, tenantID, executionID, kind string, payload map[string]interface{})
}

// Options tune the queue's timing behavior.
type Options struct {
	Lease          time.Duration
	Heartbeat      time.Duration
	ReaperInterval time.Duration
	RetryBase      time.Duration
	RetryCap       time.Duration
}

func (o *Options) fill() {
	if o.Lease == 0 {
		o.Lease = 30 * time.Second
	}
	if o.Heartbeat == 0 {
		o.Heartbeat = o.Lease / 3
	}
	if o.ReaperInterval == 0 {
		o.ReaperInterval = 15 * time.Second
	}
	if o.RetryBase == 0 {
		o.RetryBase = 5 * time.Second
	}
	if o.RetryCap == 0 {
		o.RetryCap = 5 * time.Minute
	}
}

// Manager owns queue admission and item disposition. Workers call
// Complete or Fail exactly once per delivery.
type Manager struct {
	backend  Backend
	recorder Recorder
	metrics  *metrics.Metrics
	opts     Options
	logger   *log.Logger
}

func NewManager(backend Backend, recorder Recorder, m *metrics.Metrics, opts Options) *Manager {
	opts.fill()
	return &Manager{
		backend:  backend,
		recorder: recorder,
		metrics:  m,
		opts:     opts,
		logger:   log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
	}
}

// Enqueue admits an execution to the queue. The attempt budget comes from
// the SLA class; a second enqueue of the same execution is a no-op at the
// storage layer.
func (m *Manager) Enqueue(ctx context.Context, exec *core.Execution) error {
	item := &store.QueueItem{
		ItemID:      uuid.NewString(),
		ExecutionID: exec.ID,
		TenantID:    exec.TenantID,
		Priority:    exec.Priority,
		AvailableAt: time.Now(),
		MaxAttempts: exec.SLAClass.MaxAttempts(),
	}
	if err := m.backend.EnqueueItem(ctx, item); err != nil {
		return err
	}
	m.logger.Printf("enqueued execution=%s sla=%s priority=%d", exec.ID, exec.SLAClass, exec.Priority)
	return nil
}

// Complete removes a delivered item after a successful run.
func (m *Manager) Complete(ctx context.Context, item *store.QueueItem, workerID string) error {
	return m.backend.CompleteItem(ctx, item.ItemID, workerID)
}

// Fail disposes of a delivered item after a failed run: the item
// reschedules with exponential backoff while attempts remain in the SLA
// budget, and dead-letters once the budget is spent. The run error's
// classification never short-circuits the budget.
func (m *Manager) Fail(ctx context.Context, item *store.QueueItem, reason string) error {
	if item.Attempt < item.MaxAttempts {
		delay := Backoff(item.Attempt, m.opts.RetryBase, m.opts.RetryCap)
		m.logger.Printf("rescheduling execution=%s attempt=%d/%d delay=%s reason=%s",
			item.ExecutionID, item.Attempt, item.MaxAttempts, delay, reason)
		return m.backend.RescheduleItem(ctx, item.ItemID, time.Now().Add(delay))
	}

	m.logger.Printf("dead-lettering execution=%s attempt=%d/%d reason=%s",
		item.ExecutionID, item.Attempt, item.MaxAttempts, reason)
	if err := m.backend.MoveToDLQ(ctx, item.ItemID, reason); err != nil {
		return err
	}
	m.deadLetter(ctx, item, reason)
	return nil
}

// deadLetter stamps the execution row terminal and records the audit
// event after an item landed in the DLQ.
func (m *Manager) deadLetter(ctx context.Context, item *store.QueueItem, reason string) {
	if err := m.backend.DeadLetterExecution(ctx, item.ExecutionID, reason); err != nil {
		m.logger.Printf("terminal stamp failed execution=%s: %v", item.ExecutionID, err)
	}
	if m.recorder != nil {
		m.recorder.Record(ctx, item.TenantID, item.ExecutionID, core.EventDeadLettered, map[string]interface{}{
			"attempt":      item.Attempt,
			"max_attempts": item.MaxAttempts,
			"reason":       reason,
		})
	}
	m.metrics.RecordDeadLetter()
}

// Depth reports total ready items across SLA classes.
func (m *Manager) Depth(ctx context.Context) (int, error) {
	depths, err := m.backend.QueueDepths(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range depths {
		total += n
	}
	return total, nil
}

// Backoff computes the retry delay for a given attempt: exponential from
// base, capped, plus up to 20% jitter to spread thundering retries.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			delay = cap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}

// RunReaper sweeps the queue on a fixed interval until ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce(ctx)
		}
	}
}

// reapOnce clears expired leases, dead-letters items whose attempt budget
// is spent, and refreshes the queue gauges. Budget exhaustion lands here
// when a worker crash burned the final attempt: the item's lease lapses
// with no Fail disposition, and dequeue no longer delivers it.
func (m *Manager) reapOnce(ctx context.Context) {
	n, err := m.backend.ReapStaleLeases(ctx)
	if err != nil {
		m.logger.Printf("lease reap failed: %v", err)
		return
	}
	if n > 0 {
		m.logger.Printf("reaped %d stale leases", n)
	}

	dead, err := m.backend.DeadLetterExhausted(ctx, "attempt budget exhausted after lease expiry")
	if err != nil {
		m.logger.Printf("dead-letter sweep failed: %v", err)
	}
	for i := range dead {
		item := &dead[i]
		m.logger.Printf("dead-lettering execution=%s attempt=%d/%d after lease expiry",
			item.ExecutionID, item.Attempt, item.MaxAttempts)
		m.deadLetter(ctx, item, "attempt budget exhausted after lease expiry")
	}

	m.refreshGauges(ctx)
}

func (m *Manager) refreshGauges(ctx context.Context) {
	depths, err := m.backend.QueueDepths(ctx)
	if err != nil {
		m.logger.Printf("queue depth refresh failed: %v", err)
		return
	}
	for _, sla := range []core.SLAClass{core.SLAFast, core.SLAMedium, core.SLALong} {
		m.metrics.SetQueueDepth(string(sla), depths[string(sla)])
	}
	if leased, err := m.backend.LeasedCount(ctx); err == nil {
		m.metrics.SetLeaseHolders(leased)
	}
}
