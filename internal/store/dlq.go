package store

import (
	"context"
	"database/sql"

	"github.com/opspilot/backend/internal/faults"
)

// ============================================================================
// DEAD LETTER QUEUE
// ============================================================================

// ListDLQ pages through dead letters, newest first. Archived rows are
// hidden unless includeArchived is set.
func (s *Store) ListDLQ(ctx context.Context, limit, offset int, includeArchived bool) ([]DeadLetterItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, execution_id, tenant_id, priority, attempt, max_attempts,
			failure_reason, enqueued_at, dead_at, archived_at
		 FROM execution_dlq
		 WHERE ($3 OR archived_at IS NULL)
		 ORDER BY dead_at DESC LIMIT $1 OFFSET $2`,
		limit, offset, includeArchived)
	if err != nil {
		return nil, s.fail(err, "list dlq")
	}
	defer rows.Close()

	items := make([]DeadLetterItem, 0)
	for rows.Next() {
		item, err := scanDeadLetter(rows)
		if err != nil {
			return nil, s.fail(err, "scan dlq item")
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// GetDLQItem returns one dead letter.
func (s *Store) GetDLQItem(ctx context.Context, itemID string) (*DeadLetterItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT item_id, execution_id, tenant_id, priority, attempt, max_attempts,
			failure_reason, enqueued_at, dead_at, archived_at
		 FROM execution_dlq WHERE item_id = $1`,
		itemID)
	item, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, faults.Newf(faults.KindNotFound, "dlq item %s not found", itemID)
	}
	if err != nil {
		return nil, s.fail(err, "get dlq item")
	}
	return item, nil
}

// RequeueFromDLQ moves a dead letter back onto the live queue. With
// resetAttempt the item gets a fresh attempt budget; otherwise it resumes
// where it died and will dead-letter again on the next failure.
func (s *Store) RequeueFromDLQ(ctx context.Context, itemID string, resetAttempt bool) (*QueueItem, error) {
	var requeued *QueueItem
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT item_id, execution_id, tenant_id, priority, attempt, max_attempts,
				failure_reason, enqueued_at, dead_at, archived_at
			 FROM execution_dlq WHERE item_id = $1 FOR UPDATE`,
			itemID)
		dead, err := scanDeadLetter(row)
		if err == sql.ErrNoRows {
			return faults.Newf(faults.KindNotFound, "dlq item %s not found", itemID)
		}
		if err != nil {
			return s.fail(err, "lock dlq item")
		}

		attempt := dead.Attempt
		if resetAttempt {
			attempt = 0
		}

		var newID string
		err = tx.QueryRowContext(ctx,
			`INSERT INTO execution_queue (item_id, execution_id, tenant_id, priority,
				available_at, attempt, max_attempts)
			 VALUES ($1, $2, $3, $4, now(), $5, $6)
			 ON CONFLICT (execution_id) DO NOTHING
			 RETURNING item_id`,
			dead.ItemID, dead.ExecutionID, dead.TenantID, dead.Priority,
			attempt, dead.MaxAttempts).Scan(&newID)
		if err == sql.ErrNoRows {
			return faults.Newf(faults.KindConflict, "execution %s is already queued", dead.ExecutionID)
		}
		if err != nil {
			return s.fail(err, "requeue dlq item")
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM execution_dlq WHERE item_id = $1`, itemID); err != nil {
			return s.fail(err, "remove requeued dlq item")
		}

		requeued = &QueueItem{
			ItemID:      dead.ItemID,
			ExecutionID: dead.ExecutionID,
			TenantID:    dead.TenantID,
			Priority:    dead.Priority,
			Attempt:     attempt,
			MaxAttempts: dead.MaxAttempts,
			EnqueuedAt:  dead.EnqueuedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

// ArchiveDLQItem stamps a dead letter as handled; archived rows age out of
// the default listing but stay queryable for retention.
func (s *Store) ArchiveDLQItem(ctx context.Context, itemID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_dlq SET archived_at = now()
		 WHERE item_id = $1 AND archived_at IS NULL`,
		itemID)
	if err != nil {
		return s.fail(err, "archive dlq item")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.Newf(faults.KindNotFound, "dlq item %s not found or already archived", itemID)
	}
	return nil
}

// DLQStats aggregates unarchived dead letters by failure reason.
func (s *Store) DLQStats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT failure_reason, COUNT(*) FROM execution_dlq
		 WHERE archived_at IS NULL GROUP BY failure_reason`)
	if err != nil {
		return nil, s.fail(err, "dlq stats")
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var (
			reason string
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, s.fail(err, "scan dlq stats")
		}
		stats[reason] = n
	}
	return stats, rows.Err()
}

func scanDeadLetter(row rowScanner) (*DeadLetterItem, error) {
	var (
		item       DeadLetterItem
		archivedAt nullTime
	)
	err := row.Scan(&item.ItemID, &item.ExecutionID, &item.TenantID, &item.Priority,
		&item.Attempt, &item.MaxAttempts, &item.FailureReason,
		&item.EnqueuedAt, &item.DeadAt, &archivedAt)
	if err != nil {
		return nil, err
	}
	item.ArchivedAt = archivedAt.ptr()
	return &item, nil
}
