package store

import (
	"context"
	"encoding/json"

	"github.com/opspilot/backend/internal/core"
	"github.com/opspilot/backend/internal/faults"
)

// ============================================================================
// EXECUTION STEPS
// ============================================================================

// CreateStep records a step the moment it starts.
func (s *Store) CreateStep(ctx context.Context, step *core.ExecutionStep) error {
	inputs, _ := json.Marshal(step.Inputs)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_steps (step_id, execution_id, ordinal, tool_name,
			inputs, status, attempt, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (execution_id, ordinal) DO UPDATE SET
			status = EXCLUDED.status,
			attempt = EXCLUDED.attempt,
			started_at = now(),
			ended_at = NULL,
			error = ''`,
		step.StepID, step.ExecutionID, step.Ordinal, step.ToolName,
		inputs, string(step.Status), step.Attempt)
	if err != nil {
		return s.fail(err, "insert execution step")
	}
	return nil
}

// FinishStep records a step's outcome.
func (s *Store) FinishStep(ctx context.Context, executionID string, ordinal int, status core.Status, result map[string]interface{}, errMsg string) error {
	resultJS, _ := json.Marshal(result)

	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_steps SET status = $3, result = $4, error = $5, ended_at = now()
		 WHERE execution_id = $1 AND ordinal = $2`,
		executionID, ordinal, string(status), resultJS, errMsg)
	if err != nil {
		return s.fail(err, "finish execution step")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return faults.Newf(faults.KindNotFound, "step %d of execution %s not found", ordinal, executionID)
	}
	return nil
}

// ListSteps returns an execution's steps in plan order.
func (s *Store) ListSteps(ctx context.Context, executionID string) ([]core.ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, execution_id, ordinal, tool_name, inputs, status,
			result, error, started_at, ended_at, attempt
		 FROM execution_steps WHERE execution_id = $1 ORDER BY ordinal`,
		executionID)
	if err != nil {
		return nil, s.fail(err, "list execution steps")
	}
	defer rows.Close()

	steps := make([]core.ExecutionStep, 0)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, s.fail(err, "scan execution step")
		}
		steps = append(steps, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(err, "iterate execution steps")
	}
	return steps, nil
}

func scanStep(row rowScanner) (*core.ExecutionStep, error) {
	var (
		step               core.ExecutionStep
		status             string
		inputsJS, resultJS []byte
		startedAt, endedAt nullTime
	)
	err := row.Scan(&step.StepID, &step.ExecutionID, &step.Ordinal, &step.ToolName,
		&inputsJS, &status, &resultJS, &step.Error, &startedAt, &endedAt, &step.Attempt)
	if err != nil {
		return nil, err
	}
	step.Status = core.Status(status)
	if len(inputsJS) > 0 {
		if err := json.Unmarshal(inputsJS, &step.Inputs); err != nil {
			return nil, err
		}
	}
	if len(resultJS) > 0 {
		if err := json.Unmarshal(resultJS, &step.Result); err != nil {
			return nil, err
		}
	}
	step.StartedAt = startedAt.ptr()
	step.EndedAt = endedAt.ptr()
	return &step, nil
}
