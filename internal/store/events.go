package store

import (
	"context"
	"encoding/json"

	"github.com/opspilot/backend/internal/core"
)

// ============================================================================
// EXECUTION EVENTS
// ============================================================================

// AppendEvent writes one audit record and fills in its seq cursor and
// timestamp. Payloads must already be masked by the caller.
func (s *Store) AppendEvent(ctx context.Context, ev *core.ExecutionEvent) error {
	payload, _ := json.Marshal(ev.Payload)

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO execution_events (event_id, execution_id, tenant_id, kind, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING seq, ts`,
		ev.ID, ev.ExecutionID, ev.TenantID, ev.Kind, payload).Scan(&ev.Seq, &ev.TS)
	if err != nil {
		return s.fail(err, "append execution event")
	}
	return nil
}

// ListEvents returns an execution's events with seq > since, oldest first.
// limit caps the page; 0 means the default of 200.
func (s *Store) ListEvents(ctx context.Context, executionID string, since int64, limit int) ([]core.ExecutionEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, execution_id, tenant_id, seq, kind, payload, ts
		 FROM execution_events
		 WHERE execution_id = $1 AND seq > $2
		 ORDER BY seq ASC LIMIT $3`,
		executionID, since, limit)
	if err != nil {
		return nil, s.fail(err, "list execution events")
	}
	defer rows.Close()

	events := make([]core.ExecutionEvent, 0)
	for rows.Next() {
		var (
			ev      core.ExecutionEvent
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.TenantID, &ev.Seq,
			&ev.Kind, &payload, &ev.TS); err != nil {
			return nil, s.fail(err, "scan execution event")
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, s.fail(err, "decode event payload")
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(err, "iterate execution events")
	}
	return events, nil
}
