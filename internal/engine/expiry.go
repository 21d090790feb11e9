package engine

import (
	"context"
	"time"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/faults"
)

// ApprovalExpirer extends Storage for engines that sweep stale human
// gates.
type ApprovalExpirer interface {
	ExpireStaleApprovals(ctx context.Context, cutoff time.Time) ([]core.Approval, error)
}

// RunApprovalExpiry sweeps stale approvals on a fixed interval until ctx
// is cancelled.
func (e *Engine) RunApprovalExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ExpireApprovals(ctx); err != nil {
				e.logger.Printf("approval expiry sweep failed: %v", err)
			}
		}
	}
}

// ExpireApprovals expires PENDING approvals older than the TTL and
// cancels their gated executions. Returns how many gates expired.
func (e *Engine) ExpireApprovals(ctx context.Context) (int, error) {
	expirer, ok := e.storage.(ApprovalExpirer)
	if !ok {
		return 0, nil
	}

	expired, err := expirer.ExpireStaleApprovals(ctx, time.Now().Add(-e.opts.ApprovalTTL))
	if err != nil {
		return 0, err
	}

	for _, a := range expired {
		e.metrics.RecordApproval(string(core.ApprovalExpired))
		e.recorder.Record(ctx, a.TenantID, a.ExecutionID, core.EventApprovalDecided, map[string]interface{}{
			"approval_id": a.ID,
			"state":       string(core.ApprovalExpired),
		})

		err := e.storage.MarkCancelled(ctx, a.ExecutionID, core.StatusApprovalPending, core.CancelApprovalExpired)
		if err != nil {
			// A race with a concurrent decide or cancel is fine; the gate
			// is spent either way.
			if !faults.IsKind(err, faults.KindConflict) {
				e.logger.Printf("cancel of expired-gate execution %s failed: %v", a.ExecutionID, err)
			}
			continue
		}
		e.recorder.Record(ctx, a.TenantID, a.ExecutionID, core.EventCancelled, map[string]interface{}{
			"reason": string(core.CancelApprovalExpired),
		})
	}
	return len(expired), nil
}
