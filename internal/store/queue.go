package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/opspilot/backend/internal/faults"
)

// ============================================================================
// EXECUTION QUEUE
// ============================================================================

// QueueItem is one unit of deliverable work. A row with a live lease is
// invisible to every other dequeuer until the lease expires.
type QueueItem struct {
	ItemID         string     `json:"item_id"`
	ExecutionID    string     `json:"execution_id"`
	TenantID       string     `json:"tenant_id"`
	Priority       int        `json:"priority"`
	AvailableAt    time.Time  `json:"available_at"`
	LeaseHolder    string     `json:"lease_holder,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"max_attempts"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
}

// DeadLetterItem is a queue item that exhausted its attempt budget.
type DeadLetterItem struct {
	ItemID        string     `json:"item_id"`
	ExecutionID   string     `json:"execution_id"`
	TenantID      string     `json:"tenant_id"`
	Priority      int        `json:"priority"`
	Attempt       int        `json:"attempt"`
	MaxAttempts   int        `json:"max_attempts"`
	FailureReason string     `json:"failure_reason"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	DeadAt        time.Time  `json:"dead_at"`
	ArchivedAt    *time.Time `json:"archived_at,omitempty"`
}

// EnqueueItem inserts a queue row. Idempotent per execution: a second
// enqueue of the same execution is a silent no-op.
func (s *Store) EnqueueItem(ctx context.Context, item *QueueItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_queue (item_id, execution_id, tenant_id, priority,
			available_at, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (execution_id) DO NOTHING`,
		item.ItemID, item.ExecutionID, item.TenantID, item.Priority,
		item.AvailableAt, item.MaxAttempts)
	if err != nil {
		return s.fail(err, "enqueue item")
	}
	return nil
}

// DequeueItem atomically leases the highest-priority available row for
// workerID. Rows that already spent their attempt budget are never
// delivered; the reaper dead-letters them. Returns (nil, nil) when the
// queue has no ready work.
func (s *Store) DequeueItem(ctx context.Context, workerID string, lease time.Duration) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE execution_queue SET
			lease_holder = $1,
			lease_expires_at = now() + ($2 * interval '1 second'),
			attempt = attempt + 1
		 WHERE item_id = (
			SELECT item_id FROM execution_queue
			WHERE available_at <= now()
			  AND attempt < max_attempts
			  AND (lease_holder IS NULL OR lease_expires_at <= now())
			ORDER BY priority ASC, enqueued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING item_id, execution_id, tenant_id, priority, available_at,
			lease_holder, lease_expires_at, attempt, max_attempts, enqueued_at`,
		workerID, lease.Seconds())

	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail(err, "dequeue item")
	}
	return item, nil
}

// RenewLease extends a lease the worker still holds. A lost or expired
// lease returns CONFLICT so the worker abandons the item.
func (s *Store) RenewLease(ctx context.Context, itemID, workerID string, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_queue SET lease_expires_at = now() + ($3 * interval '1 second')
		 WHERE item_id = $1 AND lease_holder = $2 AND lease_expires_at > now()`,
		itemID, workerID, lease.Seconds())
	if err != nil {
		return s.fail(err, "renew lease")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.Newf(faults.KindConflict, "lease on item %s lost by %s", itemID, workerID)
	}
	return nil
}

// CompleteItem removes a finished item. Only the lease holder may complete.
func (s *Store) CompleteItem(ctx context.Context, itemID, workerID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_queue WHERE item_id = $1 AND lease_holder = $2`,
		itemID, workerID)
	if err != nil {
		return s.fail(err, "complete item")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.Newf(faults.KindConflict, "item %s is not held by %s", itemID, workerID)
	}
	return nil
}

// RescheduleItem releases the lease and hides the item until availableAt.
func (s *Store) RescheduleItem(ctx context.Context, itemID string, availableAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_queue SET lease_holder = NULL, lease_expires_at = NULL, available_at = $2
		 WHERE item_id = $1`,
		itemID, availableAt)
	if err != nil {
		return s.fail(err, "reschedule item")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.Newf(faults.KindNotFound, "queue item %s not found", itemID)
	}
	return nil
}

// MoveToDLQ moves an exhausted item to the dead letter table in one
// transaction.
func (s *Store) MoveToDLQ(ctx context.Context, itemID, reason string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO execution_dlq (item_id, execution_id, tenant_id, priority,
				attempt, max_attempts, failure_reason, enqueued_at)
			 SELECT item_id, execution_id, tenant_id, priority, attempt, max_attempts, $2, enqueued_at
			 FROM execution_queue WHERE item_id = $1`,
			itemID, reason)
		if err != nil {
			return s.fail(err, "copy item to dlq")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return faults.Newf(faults.KindNotFound, "queue item %s not found", itemID)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM execution_queue WHERE item_id = $1`, itemID); err != nil {
			return s.fail(err, "remove dead item from queue")
		}
		return nil
	})
}

// ReapStaleLeases clears expired leases so their items become visible
// again. Returns the number of leases reaped.
func (s *Store) ReapStaleLeases(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_queue SET lease_holder = NULL, lease_expires_at = NULL
		 WHERE lease_holder IS NOT NULL AND lease_expires_at <= now()`)
	if err != nil {
		return 0, s.fail(err, "reap stale leases")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeadLetterExhausted moves every unleased row whose attempt budget is
// spent to the dead letter table and returns the moved items. This is the
// path for items that burned their last attempt through a lease expiry
// rather than a Fail disposition.
func (s *Store) DeadLetterExhausted(ctx context.Context, reason string) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`WITH dead AS (
			DELETE FROM execution_queue
			WHERE attempt >= max_attempts
			  AND (lease_holder IS NULL OR lease_expires_at <= now())
			RETURNING item_id, execution_id, tenant_id, priority, attempt,
				max_attempts, enqueued_at
		 )
		 INSERT INTO execution_dlq (item_id, execution_id, tenant_id, priority,
			attempt, max_attempts, failure_reason, enqueued_at)
		 SELECT item_id, execution_id, tenant_id, priority, attempt, max_attempts, $1, enqueued_at
		 FROM dead
		 RETURNING item_id, execution_id, tenant_id, priority, attempt, max_attempts, enqueued_at`,
		reason)
	if err != nil {
		return nil, s.fail(err, "dead letter exhausted items")
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		if err := rows.Scan(&item.ItemID, &item.ExecutionID, &item.TenantID,
			&item.Priority, &item.Attempt, &item.MaxAttempts, &item.EnqueuedAt); err != nil {
			return nil, s.fail(err, "scan dead item")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(err, "iterate dead items")
	}
	return items, nil
}

// QueueDepths counts unleased ready items per SLA class, for the
// queue_depth gauge and the backpressure check.
func (s *Store) QueueDepths(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.sla_class, COUNT(*) FROM execution_queue q
		 JOIN executions e ON e.execution_id = q.execution_id
		 WHERE q.lease_holder IS NULL OR q.lease_expires_at <= now()
		 GROUP BY e.sla_class`)
	if err != nil {
		return nil, s.fail(err, "queue depths")
	}
	defer rows.Close()

	depths := make(map[string]int)
	for rows.Next() {
		var (
			sla string
			n   int
		)
		if err := rows.Scan(&sla, &n); err != nil {
			return nil, s.fail(err, "scan queue depth")
		}
		depths[sla] = n
	}
	return depths, rows.Err()
}

// LeasedCount counts items currently held by workers.
func (s *Store) LeasedCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM execution_queue
		 WHERE lease_holder IS NOT NULL AND lease_expires_at > now()`).Scan(&n)
	if err != nil {
		return 0, s.fail(err, "count leased items")
	}
	return n, nil
}

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	var (
		item         QueueItem
		leaseHolder  sql.NullString
		leaseExpires nullTime
	)
	err := row.Scan(&item.ItemID, &item.ExecutionID, &item.TenantID, &item.Priority,
		&item.AvailableAt, &leaseHolder, &leaseExpires, &item.Attempt,
		&item.MaxAttempts, &item.EnqueuedAt)
	if err != nil {
		return nil, err
	}
	item.LeaseHolder = leaseHolder.String
	item.LeaseExpiresAt = leaseExpires.ptr()
	return &item, nil
}
