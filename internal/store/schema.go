package store

import (
	"context"

	"github.com/opspilot/backend/internal/faults"
)

// schema holds the bootstrap DDL, applied in order at startup. Statements
// are idempotent so repeated boots are safe; anything beyond this belongs in
// a real migration tool.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		execution_id     TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL,
		actor_id         TEXT NOT NULL,
		idempotency_key  TEXT NOT NULL,
		sla_class        TEXT NOT NULL,
		mode             TEXT NOT NULL,
		action_class     TEXT NOT NULL,
		priority         INTEGER NOT NULL DEFAULT 100,
		status           TEXT NOT NULL,
		plan             JSONB NOT NULL,
		target           JSONB NOT NULL,
		results          JSONB,
		error            TEXT NOT NULL DEFAULT '',
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		cancel_reason    TEXT NOT NULL DEFAULT '',
		retry_of         TEXT NOT NULL DEFAULT '',
		attempt_count    INTEGER NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at       TIMESTAMPTZ,
		ended_at         TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_idem
		ON executions (tenant_id, idempotency_key, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_status
		ON executions (status) WHERE ended_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS execution_steps (
		step_id      TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES executions(execution_id),
		ordinal      INTEGER NOT NULL,
		tool_name    TEXT NOT NULL,
		inputs       JSONB,
		status       TEXT NOT NULL,
		result       JSONB,
		error        TEXT NOT NULL DEFAULT '',
		started_at   TIMESTAMPTZ,
		ended_at     TIMESTAMPTZ,
		attempt      INTEGER NOT NULL DEFAULT 0,
		UNIQUE (execution_id, ordinal)
	)`,

	`CREATE TABLE IF NOT EXISTS approvals (
		approval_id         TEXT PRIMARY KEY,
		execution_id        TEXT NOT NULL REFERENCES executions(execution_id),
		tenant_id           TEXT NOT NULL,
		requested_by        TEXT NOT NULL,
		required_permission TEXT NOT NULL DEFAULT '',
		state               TEXT NOT NULL DEFAULT 'PENDING',
		reason              TEXT NOT NULL DEFAULT '',
		decided_by          TEXT NOT NULL DEFAULT '',
		decided_at          TIMESTAMPTZ,
		runbook_url         TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_execution
		ON approvals (execution_id)`,

	`CREATE TABLE IF NOT EXISTS execution_events (
		event_id     TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		tenant_id    TEXT NOT NULL,
		seq          BIGSERIAL PRIMARY KEY,
		kind         TEXT NOT NULL,
		payload      JSONB,
		ts           TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_execution
		ON execution_events (execution_id, seq)`,

	`CREATE TABLE IF NOT EXISTS execution_queue (
		item_id          TEXT PRIMARY KEY,
		execution_id     TEXT NOT NULL UNIQUE REFERENCES executions(execution_id),
		tenant_id        TEXT NOT NULL,
		priority         INTEGER NOT NULL DEFAULT 100,
		available_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		lease_holder     TEXT,
		lease_expires_at TIMESTAMPTZ,
		attempt          INTEGER NOT NULL DEFAULT 0,
		max_attempts     INTEGER NOT NULL DEFAULT 3,
		enqueued_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_dequeue
		ON execution_queue (priority, enqueued_at)`,

	`CREATE TABLE IF NOT EXISTS execution_dlq (
		item_id        TEXT PRIMARY KEY,
		execution_id   TEXT NOT NULL,
		tenant_id      TEXT NOT NULL,
		priority       INTEGER NOT NULL,
		attempt        INTEGER NOT NULL,
		max_attempts   INTEGER NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		enqueued_at    TIMESTAMPTZ NOT NULL,
		dead_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		archived_at    TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS execution_locks (
		lock_key     TEXT PRIMARY KEY,
		holder_id    TEXT NOT NULL,
		acquired_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at   TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS credentials (
		host       TEXT NOT NULL,
		purpose    TEXT NOT NULL,
		username   TEXT NOT NULL,
		ciphertext BYTEA NOT NULL,
		domain     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (host, purpose)
	)`,

	`CREATE TABLE IF NOT EXISTS credential_audit (
		audit_id   BIGSERIAL PRIMARY KEY,
		actor      TEXT NOT NULL,
		host       TEXT NOT NULL,
		purpose    TEXT NOT NULL,
		action     TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		ts         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS tool_specs (
		tool_name        TEXT NOT NULL,
		version          INTEGER NOT NULL,
		platform         TEXT NOT NULL,
		category         TEXT NOT NULL DEFAULT '',
		action_class     TEXT NOT NULL,
		capabilities     JSONB NOT NULL,
		patterns         JSONB NOT NULL,
		inputs           JSONB,
		expected_outputs JSONB,
		policy           JSONB NOT NULL,
		enabled          BOOLEAN NOT NULL DEFAULT TRUE,
		is_latest        BOOLEAN NOT NULL DEFAULT FALSE,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tool_name, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_specs_latest
		ON tool_specs (tool_name) WHERE is_latest`,
}

// Migrate applies the bootstrap DDL.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return faults.Wrap(faults.KindInternal, err, "apply schema")
		}
	}
	return nil
}
