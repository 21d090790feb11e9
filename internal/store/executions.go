package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/faults"
)

// ============================================================================
// EXECUTIONS
// ============================================================================

const executionColumns = `execution_id, tenant_id, actor_id, idempotency_key,
	sla_class, mode, action_class, priority, status, plan, target, results,
	error, cancel_requested, cancel_reason, retry_of, attempt_count,
	created_at, started_at, ended_at`

// CreateExecution inserts a new PENDING row.
func (s *Store) CreateExecution(ctx context.Context, e *core.Execution) error {
	plan, _ := json.Marshal(e.Plan)
	target, _ := json.Marshal(e.Target)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, tenant_id, actor_id, idempotency_key,
			sla_class, mode, action_class, priority, status, plan, target, retry_of)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.TenantID, e.ActorID, e.IdempotencyKey,
		string(e.SLAClass), string(e.Mode), string(e.ActionClass), e.Priority,
		string(e.Status), plan, target, e.RetryOf)
	if err != nil {
		return s.fail(err, "insert execution")
	}
	return nil
}

// GetExecution returns a tenant's execution.
func (s *Store) GetExecution(ctx context.Context, tenantID, id string) (*core.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE execution_id = $1 AND tenant_id = $2`, id, tenantID)
	return s.scanExecutionRow(row, id)
}

// GetExecutionByID returns an execution without tenant scoping. Worker and
// reaper paths only; the API always goes through GetExecution.
func (s *Store) GetExecutionByID(ctx context.Context, id string) (*core.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE execution_id = $1`, id)
	return s.scanExecutionRow(row, id)
}

// FindByIdempotencyKey returns the most recent execution carrying key within
// the dedup window, or NOT_FOUND.
func (s *Store) FindByIdempotencyKey(ctx context.Context, tenantID, key string, since time.Time) (*core.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE tenant_id = $1 AND idempotency_key = $2 AND created_at >= $3
		 ORDER BY created_at DESC LIMIT 1`,
		tenantID, key, since)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, faults.New(faults.KindNotFound, "no execution for idempotency key")
	}
	if err != nil {
		return nil, s.fail(err, "find execution by idempotency key")
	}
	return exec, nil
}

// UpdateStatus moves id from one status to another, compare-and-swap style.
// Reaching RUNNING stamps started_at and counts an attempt; reaching a
// terminal status stamps ended_at. A concurrent or illegal move returns
// CONFLICT.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to core.Status) error {
	if !core.CanTransition(from, to) {
		return faults.Newf(faults.KindConflict, "illegal transition %s -> %s", from, to)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET
			status = $3,
			started_at = CASE WHEN $3 = 'RUNNING' THEN COALESCE(started_at, now()) ELSE started_at END,
			attempt_count = CASE WHEN $3 = 'RUNNING' THEN attempt_count + 1 ELSE attempt_count END,
			ended_at = CASE WHEN $4 THEN now() ELSE ended_at END
		 WHERE execution_id = $1 AND status = $2`,
		id, string(from), string(to), to.Terminal())
	if err != nil {
		return s.fail(err, "update execution status")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return faults.Newf(faults.KindConflict, "execution %s is no longer %s", id, from)
	}
	return nil
}

// FinishExecution writes the terminal outcome in one statement: status,
// per-step results, classified error text and cancel reason.
func (s *Store) FinishExecution(ctx context.Context, id string, from, to core.Status, results []core.StepResult, errMsg string, reason core.CancelReason) error {
	if !to.Terminal() {
		return faults.Newf(faults.KindValidation, "%s is not a terminal status", to)
	}
	if !core.CanTransition(from, to) {
		return faults.Newf(faults.KindConflict, "illegal transition %s -> %s", from, to)
	}
	resultsJS, _ := json.Marshal(results)

	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET
			status = $3, results = $4, error = $5, cancel_reason = $6, ended_at = now()
		 WHERE execution_id = $1 AND status = $2`,
		id, string(from), string(to), resultsJS, errMsg, string(reason))
	if err != nil {
		return s.fail(err, "finish execution")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return faults.Newf(faults.KindConflict, "execution %s is no longer %s", id, from)
	}
	return nil
}

// MarkCancelled terminally cancels an execution that has not started
// running (PENDING, QUEUED or APPROVAL_PENDING).
func (s *Store) MarkCancelled(ctx context.Context, id string, from core.Status, reason core.CancelReason) error {
	return s.FinishExecution(ctx, id, from, core.StatusCancelled, nil, "", reason)
}

// DeadLetterExecution terminally fails an execution whose queue item was
// dead-lettered, so the row does not look live forever. Rows that already
// reached a terminal status keep it.
func (s *Store) DeadLetterExecution(ctx context.Context, executionID, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = 'FAILED', error = $2, ended_at = now()
		 WHERE execution_id = $1 AND ended_at IS NULL`,
		executionID, errMsg)
	if err != nil {
		return s.fail(err, "dead letter execution")
	}
	return nil
}

// RequestCancel raises the cooperative cancel flag. Running workers observe
// it on their next heartbeat. Returns the status at flag time.
func (s *Store) RequestCancel(ctx context.Context, tenantID, id string, reason core.CancelReason) (core.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`UPDATE executions SET cancel_requested = TRUE, cancel_reason = $3
		 WHERE execution_id = $1 AND tenant_id = $2 AND ended_at IS NULL
		 RETURNING status`,
		id, tenantID, string(reason)).Scan(&status)
	if err == sql.ErrNoRows {
		return "", faults.Newf(faults.KindNotFound, "no live execution %s", id)
	}
	if err != nil {
		return "", s.fail(err, "request cancel")
	}
	return core.Status(status), nil
}

// CancelFlag reads the cooperative cancel flag.
func (s *Store) CancelFlag(ctx context.Context, id string) (bool, core.CancelReason, error) {
	var (
		requested bool
		reason    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested, cancel_reason FROM executions WHERE execution_id = $1`,
		id).Scan(&requested, &reason)
	if err == sql.ErrNoRows {
		return false, "", faults.Newf(faults.KindNotFound, "execution %s not found", id)
	}
	if err != nil {
		return false, "", s.fail(err, "read cancel flag")
	}
	return requested, core.CancelReason(reason), nil
}

func (s *Store) scanExecutionRow(row *sql.Row, id string) (*core.Execution, error) {
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, faults.Newf(faults.KindNotFound, "execution %s not found", id)
	}
	if err != nil {
		return nil, s.fail(err, "get execution")
	}
	return exec, nil
}

func scanExecution(row rowScanner) (*core.Execution, error) {
	var (
		e                         core.Execution
		sla, mode, action, status string
		planJS, targetJS          []byte
		resultsJS                 []byte
		cancelRequested           bool
		cancelReason              string
		startedAt, endedAt        nullTime
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.IdempotencyKey,
		&sla, &mode, &action, &e.Priority, &status, &planJS, &targetJS, &resultsJS,
		&e.Error, &cancelRequested, &cancelReason, &e.RetryOf, &e.AttemptCount,
		&e.CreatedAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	e.SLAClass = core.SLAClass(sla)
	e.Mode = core.Mode(mode)
	e.ActionClass = core.ActionClass(action)
	e.Status = core.Status(status)
	e.CancelRequested = cancelRequested
	e.CancelReason = core.CancelReason(cancelReason)
	if err := json.Unmarshal(planJS, &e.Plan); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(targetJS, &e.Target); err != nil {
		return nil, err
	}
	if len(resultsJS) > 0 {
		if err := json.Unmarshal(resultsJS, &e.Results); err != nil {
			return nil, err
		}
	}
	e.StartedAt = startedAt.ptr()
	e.EndedAt = endedAt.ptr()
	return &e, nil
}

// rowScanner lets scan helpers accept both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}
