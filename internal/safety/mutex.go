package safety

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/opspilot/backend/internal/faults"
)

// Locker is the distributed lock surface the mutex guard needs;
// *store.Store satisfies it.
type Locker interface {
	TryAcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	HeartbeatLock(ctx context.Context, key, holder string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, key, holder string) error
}

// MutexGuard serializes mutating steps per target asset. Read steps pass
// straight through. Lock keys are sorted before acquisition so two
// executions touching the same asset set can never deadlock each other.
type MutexGuard struct {
	locks  Locker
	ttl    time.Duration
	logger *log.Logger
}

// NewMutexGuard builds the guard. ttl is the lock lease; the heartbeat
// renews at ttl/2.
func NewMutexGuard(locks Locker, ttl time.Duration) *MutexGuard {
	return &MutexGuard{
		locks:  locks,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[MUTEX] ", log.LstdFlags),
	}
}

func (g *MutexGuard) Name() string { return "mutex" }

// Before acquires one lock per target asset for mutating steps, retrying
// with jittered backoff until the step context expires.
func (g *MutexGuard) Before(ctx context.Context, sc *StepContext) (context.Context, error) {
	if !sc.Mutating {
		return ctx, nil
	}

	keys := lockKeysFor(sc)
	if len(keys) == 0 {
		return ctx, nil
	}
	sort.Strings(keys)

	holder := sc.WorkerID
	for _, key := range keys {
		if err := g.acquire(ctx, key, holder); err != nil {
			// Unwind the keys already held; After never runs when Before
			// fails.
			g.release(sc)
			return ctx, err
		}
		sc.lockKeys = append(sc.lockKeys, key)
	}

	stop := make(chan struct{})
	sc.stopHeart = func() { close(stop) }
	go g.heartbeat(sc.lockKeys, holder, stop)

	return ctx, nil
}

// After releases every held lock and stops the heartbeat.
func (g *MutexGuard) After(_ context.Context, sc *StepContext, _ error) {
	if sc.stopHeart != nil {
		sc.stopHeart()
		sc.stopHeart = nil
	}
	g.release(sc)
}

func (g *MutexGuard) acquire(ctx context.Context, key, holder string) error {
	backoff := 50 * time.Millisecond
	for {
		ok, err := g.locks.TryAcquireLock(ctx, key, holder, g.ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return faults.Newf(faults.KindConflict, "asset lock %s held by another execution", key)
		case <-time.After(sleep):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

func (g *MutexGuard) heartbeat(keys []string, holder string, stop <-chan struct{}) {
	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, key := range keys {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := g.locks.HeartbeatLock(ctx, key, holder, g.ttl); err != nil {
					g.logger.Printf("lock heartbeat failed key=%s: %v", key, err)
				}
				cancel()
			}
		}
	}
}

func (g *MutexGuard) release(sc *StepContext) {
	for _, key := range sc.lockKeys {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.locks.ReleaseLock(ctx, key, sc.WorkerID); err != nil {
			g.logger.Printf("lock release failed key=%s: %v", key, err)
		}
		cancel()
	}
	sc.lockKeys = nil
}

// lockKeysFor derives the per-asset mutex keys for a step. The target's
// asset ID is preferred; hostname is the fallback identity.
func lockKeysFor(sc *StepContext) []string {
	target := sc.Execution.Target
	switch {
	case target.AssetID != "":
		return []string{fmt.Sprintf("asset:%s", target.AssetID)}
	case target.Hostname != "":
		return []string{fmt.Sprintf("host:%s", target.Hostname)}
	default:
		return nil
	}
}
