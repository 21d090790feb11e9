package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/opspilot/backend/internal/faults"
)

// ============================================================================
// LEASE LOCKS
// ============================================================================

// Lock is one mutex row. At most one unexpired row exists per key.
type Lock struct {
	Key         string    `json:"lock_key"`
	HolderID    string    `json:"holder_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TryAcquireLock attempts to take key for holder until now()+ttl. It
// succeeds when the key is free, expired, or already held by the same
// holder (re-entrant renew). Returns false on live contention.
func (s *Store) TryAcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	var got string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO execution_locks (lock_key, holder_id, expires_at)
		 VALUES ($1, $2, now() + ($3 * interval '1 second'))
		 ON CONFLICT (lock_key) DO UPDATE SET
			holder_id = EXCLUDED.holder_id,
			acquired_at = now(),
			heartbeat_at = now(),
			expires_at = EXCLUDED.expires_at
		 WHERE execution_locks.expires_at <= now()
		    OR execution_locks.holder_id = EXCLUDED.holder_id
		 RETURNING holder_id`,
		key, holder, ttl.Seconds()).Scan(&got)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, s.fail(err, "acquire lock")
	}
	return got == holder, nil
}

// HeartbeatLock extends a held lock. CONFLICT means the lock was lost.
func (s *Store) HeartbeatLock(ctx context.Context, key, holder string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_locks SET heartbeat_at = now(),
			expires_at = now() + ($3 * interval '1 second')
		 WHERE lock_key = $1 AND holder_id = $2 AND expires_at > now()`,
		key, holder, ttl.Seconds())
	if err != nil {
		return s.fail(err, "heartbeat lock")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.Newf(faults.KindConflict, "lock %s lost by %s", key, holder)
	}
	return nil
}

// ReleaseLock drops a held lock. Releasing a lock that is already gone is
// not an error.
func (s *Store) ReleaseLock(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_locks WHERE lock_key = $1 AND holder_id = $2`,
		key, holder)
	if err != nil {
		return s.fail(err, "release lock")
	}
	return nil
}

// ReapExpiredLocks removes rows whose expiry passed. Returns the count.
func (s *Store) ReapExpiredLocks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_locks WHERE expires_at <= now()`)
	if err != nil {
		return 0, s.fail(err, "reap expired locks")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetLock reads one lock row for diagnostics.
func (s *Store) GetLock(ctx context.Context, key string) (*Lock, error) {
	var l Lock
	err := s.db.QueryRowContext(ctx,
		`SELECT lock_key, holder_id, acquired_at, heartbeat_at, expires_at
		 FROM execution_locks WHERE lock_key = $1`,
		key).Scan(&l.Key, &l.HolderID, &l.AcquiredAt, &l.HeartbeatAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, faults.Newf(faults.KindNotFound, "lock %s not held", key)
	}
	if err != nil {
		return nil, s.fail(err, "get lock")
	}
	return &l, nil
}
