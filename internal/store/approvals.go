package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/faults"
)

// ============================================================================
// APPROVALS
// ============================================================================

// CreateApproval opens a human gate for an execution.
func (s *Store) CreateApproval(ctx context.Context, a *core.Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (approval_id, execution_id, tenant_id, requested_by,
			required_permission, state, reason, runbook_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.ExecutionID, a.TenantID, a.RequestedBy,
		a.RequiredPermission, string(a.State), a.Reason, a.RunbookURL)
	if err != nil {
		return s.fail(err, "insert approval")
	}
	return nil
}

// GetApproval returns one approval, tenant-scoped.
func (s *Store) GetApproval(ctx context.Context, tenantID, id string) (*core.Approval, error) {
	var (
		a         core.Approval
		state     string
		decidedAt nullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT approval_id, execution_id, tenant_id, requested_by, required_permission,
			state, reason, decided_by, decided_at, runbook_url, created_at
		 FROM approvals WHERE approval_id = $1 AND tenant_id = $2`,
		id, tenantID).Scan(&a.ID, &a.ExecutionID, &a.TenantID, &a.RequestedBy,
		&a.RequiredPermission, &state, &a.Reason, &a.DecidedBy, &decidedAt,
		&a.RunbookURL, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, faults.Newf(faults.KindNotFound, "approval %s not found", id)
	}
	if err != nil {
		return nil, s.fail(err, "get approval")
	}
	a.State = core.ApprovalState(state)
	a.DecidedAt = decidedAt.ptr()
	return &a, nil
}

// DecideApproval resolves a PENDING approval. Deciding twice returns
// CONFLICT so replayed requests cannot flip a decision.
func (s *Store) DecideApproval(ctx context.Context, tenantID, id string, state core.ApprovalState, decidedBy, reason string) (*core.Approval, error) {
	if state != core.ApprovalApproved && state != core.ApprovalRejected {
		return nil, faults.Newf(faults.KindValidation, "decision must be APPROVED or REJECTED, got %s", state)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET state = $3, decided_by = $4, reason = $5, decided_at = now()
		 WHERE approval_id = $1 AND tenant_id = $2 AND state = 'PENDING'`,
		id, tenantID, string(state), decidedBy, reason)
	if err != nil {
		return nil, s.fail(err, "decide approval")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish missing from already decided for the caller.
		existing, getErr := s.GetApproval(ctx, tenantID, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, faults.Newf(faults.KindConflict, "approval %s already %s", id, existing.State)
	}
	return s.GetApproval(ctx, tenantID, id)
}

// PendingApprovalForExecution returns the open gate for an execution, if
// any.
func (s *Store) PendingApprovalForExecution(ctx context.Context, executionID string) (*core.Approval, error) {
	var id, tenantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT approval_id, tenant_id FROM approvals
		 WHERE execution_id = $1 AND state = 'PENDING'
		 ORDER BY created_at DESC LIMIT 1`,
		executionID).Scan(&id, &tenantID)
	if err == sql.ErrNoRows {
		return nil, faults.Newf(faults.KindNotFound, "no pending approval for execution %s", executionID)
	}
	if err != nil {
		return nil, s.fail(err, "find pending approval")
	}
	return s.GetApproval(ctx, tenantID, id)
}

// LatestApprovalForExecution returns the newest approval row for an
// execution regardless of state, so the runner can attach the approved
// gate id to production write steps.
func (s *Store) LatestApprovalForExecution(ctx context.Context, executionID string) (*core.Approval, error) {
	var id, tenantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT approval_id, tenant_id FROM approvals
		 WHERE execution_id = $1
		 ORDER BY created_at DESC LIMIT 1`,
		executionID).Scan(&id, &tenantID)
	if err == sql.ErrNoRows {
		return nil, faults.Newf(faults.KindNotFound, "no approval for execution %s", executionID)
	}
	if err != nil {
		return nil, s.fail(err, "find latest approval")
	}
	return s.GetApproval(ctx, tenantID, id)
}

// ExpireStaleApprovals marks PENDING approvals older than cutoff as EXPIRED
// and returns them so the engine can cancel the gated executions.
func (s *Store) ExpireStaleApprovals(ctx context.Context, cutoff time.Time) ([]core.Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE approvals SET state = 'EXPIRED', decided_at = now()
		 WHERE state = 'PENDING' AND created_at < $1
		 RETURNING approval_id, execution_id, tenant_id`,
		cutoff)
	if err != nil {
		return nil, s.fail(err, "expire approvals")
	}
	defer rows.Close()

	var expired []core.Approval
	for rows.Next() {
		a := core.Approval{State: core.ApprovalExpired}
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.TenantID); err != nil {
			return nil, s.fail(err, "scan expired approval")
		}
		expired = append(expired, a)
	}
	return expired, rows.Err()
}
