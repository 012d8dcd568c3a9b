package store

import (
	"context"
	"time"

	"TokenSettle/internal/models"
)

// ClaimOutbox leases up to limit pending events for lease and bumps their
// attempt counters. Leased events are invisible to other consumers until the
// lease expires or they are released.
func (s *Store) ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]*models.OutboxEvent, error) {
	rows, err := s.Pool.Query(ctx, `
		UPDATE outbox_events
		SET locked_until = now() + make_interval(secs => $2), attempts = attempts + 1
		WHERE event_id IN (
			SELECT event_id FROM outbox_events
			WHERE status='pending' AND (locked_until IS NULL OR locked_until < now())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING event_id, kind, aggregate_id, payload, status, attempts, last_error, created_at, processed_at
	`, limit, lease.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.OutboxEvent
	for rows.Next() {
		var ev models.OutboxEvent
		if err := rows.Scan(
			&ev.EventID,
			&ev.Kind,
			&ev.AggregateID,
			&ev.Payload,
			&ev.Status,
			&ev.Attempts,
			&ev.LastError,
			&ev.CreatedAt,
			&ev.ProcessedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *Store) MarkOutboxDone(ctx context.Context, eventID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE outbox_events
		SET status='done', processed_at=now(), locked_until=NULL, last_error=NULL
		WHERE event_id=$1
	`, eventID)
	return err
}

// ReleaseOutbox records the failure and makes the event claimable again.
func (s *Store) ReleaseOutbox(ctx context.Context, eventID, lastError string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE outbox_events
		SET last_error=$2, locked_until=NULL
		WHERE event_id=$1 AND status='pending'
	`, eventID, lastError)
	return err
}
