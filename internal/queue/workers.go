package queue

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/store"
)

// Runner executes one leased execution to a terminal state. The engine
// implements it; an error tells the pool how to dispose of the item.
type Runner interface {
	Run(ctx context.Context, executionID string) error
}

// CancelWatch exposes the persisted cancel flag so a worker notices a
// cancel request made through the API while it holds the lease.
type CancelWatch interface {
	CancelFlag(ctx context.Context, executionID string) (bool, core.CancelReason, error)
}

// Canceller receives cancel signals discovered by the lease heartbeat.
// The safety layer's cancellation manager implements it.
type Canceller interface {
	Cancel(executionID string, reason core.CancelReason) bool
}

// PoolOptions bound the worker pool.
type PoolOptions struct {
	Min          int
	Max          int
	PollInterval time.Duration
	// ScaleEvery is how often the supervisor re-evaluates pool size.
	ScaleEvery time.Duration
}

func (o *PoolOptions) fill() {
	if o.Min < 1 {
		o.Min = 2
	}
	if o.Max < o.Min {
		o.Max = o.Min
	}
	if o.PollInterval == 0 {
		o.PollInterval = time.Second
	}
	if o.ScaleEvery == 0 {
		o.ScaleEvery = 10 * time.Second
	}
}

// Pool runs between Min and Max workers against the queue. Each worker
// loops dequeue -> run -> dispose, heartbeating its lease while the
// runner works. The supervisor scales the pool with queue depth and
// replaces workers that exit.
type Pool struct {
	manager   *Manager
	runner    Runner
	watch     CancelWatch
	canceller Canceller
	opts      PoolOptions
	logger    *log.Logger

	mu      sync.Mutex
	workers map[string]context.CancelFunc
	seq     int

	wg   sync.WaitGroup
	stop context.CancelFunc
}

func NewPool(manager *Manager, runner Runner, watch CancelWatch, canceller Canceller, opts PoolOptions) *Pool {
	opts.fill()
	return &Pool{
		manager:   manager,
		runner:    runner,
		watch:     watch,
		canceller: canceller,
		opts:      opts,
		logger:    log.New(log.Writer(), "[WORKERS] ", log.LstdFlags),
		workers:   make(map[string]context.CancelFunc),
	}
}

// Start launches Min workers and the supervisor. Stop shuts the pool
// down gracefully.
func (p *Pool) Start(ctx context.Context) {
	poolCtx, cancel := context.WithCancel(ctx)
	p.stop = cancel

	for i := 0; i < p.opts.Min; i++ {
		p.spawn(poolCtx)
	}
	p.wg.Add(1)
	go p.supervise(poolCtx)
	p.logger.Printf("pool started workers=%d", p.opts.Min)
}

// Stop cancels every worker and waits for in-flight runs to drain. The
// runner is responsible for observing its context and finishing quickly.
func (p *Pool) Stop() {
	if p.stop != nil {
		p.stop()
	}
	p.wg.Wait()
	p.logger.Printf("pool stopped")
}

// Size reports the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) spawn(ctx context.Context) {
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("worker-%d", p.seq)
	workerCtx, cancel := context.WithCancel(ctx)
	p.workers[id] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.workers, id)
			p.mu.Unlock()
		}()
		p.workerLoop(workerCtx, id)
	}()
}

func (p *Pool) shrink() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cancel := range p.workers {
		if len(p.workers) <= p.opts.Min {
			return
		}
		cancel()
		delete(p.workers, id)
		return
	}
}

// supervise grows the pool when the backlog exceeds one item per worker
// and shrinks it back toward Min when the queue drains.
func (p *Pool) supervise(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.ScaleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := p.manager.Depth(ctx)
			if err != nil {
				continue
			}
			size := p.Size()
			switch {
			case depth > size && size < p.opts.Max:
				p.spawn(ctx)
				p.logger.Printf("scaled up workers=%d depth=%d", p.Size(), depth)
			case depth == 0 && size > p.opts.Min:
				p.shrink()
				p.logger.Printf("scaled down workers=%d", p.Size())
			}
		}
	}
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := p.manager.backend.DequeueItem(ctx, workerID, p.manager.opts.Lease)
		if err != nil {
			p.logger.Printf("worker=%s dequeue failed: %v", workerID, err)
			p.sleep(ctx, p.opts.PollInterval)
			continue
		}
		if item == nil {
			p.sleep(ctx, p.opts.PollInterval)
			continue
		}

		p.process(ctx, workerID, item)
	}
}

// process runs one leased item to disposition.
func (p *Pool) process(ctx context.Context, workerID string, item *store.QueueItem) {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		p.heartbeat(runCtx, workerID, item, cancelRun)
	}()

	err := p.runner.Run(runCtx, item.ExecutionID)
	cancelRun()
	<-heartbeatDone

	disposeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err == nil {
		if cerr := p.manager.Complete(disposeCtx, item, workerID); cerr != nil {
			p.logger.Printf("worker=%s complete failed execution=%s: %v", workerID, item.ExecutionID, cerr)
		}
		return
	}

	if ferr := p.manager.Fail(disposeCtx, item, err.Error()); ferr != nil {
		p.logger.Printf("worker=%s fail disposition failed execution=%s: %v", workerID, item.ExecutionID, ferr)
	}
}

// heartbeat renews the lease on the heartbeat interval and polls the
// persisted cancel flag. A lost lease or a cancel request cancels the
// run context.
func (p *Pool) heartbeat(ctx context.Context, workerID string, item *store.QueueItem, cancelRun context.CancelFunc) {
	ticker := time.NewTicker(p.manager.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.manager.backend.RenewLease(ctx, item.ItemID, workerID, p.manager.opts.Lease); err != nil {
				if ctx.Err() == nil {
					p.logger.Printf("worker=%s lost lease execution=%s: %v", workerID, item.ExecutionID, err)
					cancelRun()
				}
				return
			}
			if p.watch == nil {
				continue
			}
			requested, reason, err := p.watch.CancelFlag(ctx, item.ExecutionID)
			if err != nil || !requested {
				continue
			}
			if p.canceller != nil {
				p.canceller.Cancel(item.ExecutionID, reason)
			} else {
				cancelRun()
			}
		}
	}
}

// sleep waits with a little jitter so idle workers don't poll in
// lockstep.
func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	jittered := d + time.Duration(rand.Int63n(int64(d)/4+1))
	select {
	case <-ctx.Done():
	case <-time.After(jittered):
	}
}
