// Package store is the Postgres persistence layer: executions and their
// steps, approvals, the append-only event log, the work queue with its dead
// letter table, lease locks and the credential vault. All methods are
// tenant-safe and return faults-typed errors; callers never see raw SQL
// failures.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/opspilot/backend/internal/faults"
	"github.com/opspilot/backend/internal/metrics"
)

// Store bundles every repository over one connection pool.
type Store struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

// New wraps an open pool. The metrics handle feeds db_errors_total.
func New(db *sql.DB, m *metrics.Metrics) *Store {
	return &Store{db: db, metrics: m}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Open connects to Postgres and tunes the pool for a single service
// instance (20 open / 5 idle, 30m lifetime).
func Open(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "open database")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, faults.Wrap(faults.KindInternal, err, "ping database")
	}
	return db, nil
}

// fail wraps a storage error and counts it.
func (s *Store) fail(err error, op string) error {
	if s.metrics != nil {
		s.metrics.RecordDBError()
	}
	return faults.Wrap(faults.KindInternal, err, op)
}

// nullTime scans NULLable timestamps into nil pointers.
type nullTime struct {
	sql.NullTime
}

func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.fail(err, "commit tx")
	}
	return nil
}
