package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrQueueEmpty indicates that no execute messages are available for dispatch.
var ErrQueueEmpty = errors.New("state: queue empty")

// PublishExecute publishes an execute message for an instance. A zero
// availableAt means immediate delivery; a future one is a delayed publish.
// Re-publishing an existing message resets its visibility window.
func (s *Store) PublishExecute(ctx context.Context, instanceID string, availableAt time.Time) error {
	if instanceID == "" {
		return errors.New("instance id required")
	}
	if availableAt.IsZero() {
		availableAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO dispatch_queue (instance_id, available_at)
VALUES ($1, $2)
ON CONFLICT (instance_id)
DO UPDATE SET available_at = EXCLUDED.available_at,
              inflight_until = NULL,
              updated_at = NOW()
`, instanceID, availableAt)
	return err
}

// RequeueExecute re-publishes a delivered message after delay. When
// countRetry is set the message's retry counter is bumped and the new value
// returned, so callers can bound the not-ready polling loop.
func (s *Store) RequeueExecute(ctx context.Context, instanceID string, delay time.Duration, countRetry bool) (int, error) {
	if instanceID == "" {
		return 0, errors.New("instance id required")
	}
	availableAt := time.Now().UTC().Add(delay)

	bump := 0
	if countRetry {
		bump = 1
	}

	var retryCount int
	err := s.db.QueryRowContext(ctx, `
INSERT INTO dispatch_queue (instance_id, available_at, retry_count)
VALUES ($1, $2, $3)
ON CONFLICT (instance_id)
DO UPDATE SET available_at = EXCLUDED.available_at,
              inflight_until = NULL,
              retry_count = dispatch_queue.retry_count + $3,
              updated_at = NOW()
RETURNING retry_count
`, instanceID, availableAt, bump).Scan(&retryCount)
	if err != nil {
		return 0, err
	}
	return retryCount, nil
}

// DequeueExecute returns the next available execute message and bumps its
// visibility window. Delivery is at-least-once; handlers must be idempotent.
func (s *Store) DequeueExecute(ctx context.Context, now time.Time, visibilityTimeout time.Duration) (DispatchItem, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}

	// Prune messages whose instance has already left PENDING.
	if _, err := s.db.ExecContext(ctx, `
DELETE FROM dispatch_queue q
USING instances i
WHERE q.instance_id = i.id
  AND i.status NOT IN ('PENDING')
`); err != nil {
		return DispatchItem{}, err
	}

	var item DispatchItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT q.instance_id, q.retry_count, q.delivery_count
FROM dispatch_queue q
JOIN instances i ON i.id = q.instance_id
WHERE q.available_at <= $1
  AND (q.inflight_until IS NULL OR q.inflight_until <= $1)
  AND i.status = 'PENDING'
ORDER BY q.available_at ASC, q.instance_id ASC
FOR UPDATE SKIP LOCKED
LIMIT 1
`, now)

		if err := row.Scan(&item.InstanceID, &item.RetryCount, &item.DeliveryCount); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrQueueEmpty
			}
			return err
		}
		item.DeliveryCount++

		inflightUntil := now.Add(visibilityTimeout)
		_, err := tx.ExecContext(ctx, `
UPDATE dispatch_queue
SET inflight_until = $2,
    delivery_count = delivery_count + 1,
    last_delivered_at = $3,
    updated_at = NOW()
WHERE instance_id = $1
`, item.InstanceID, inflightUntil, now)
		return err
	})

	if err != nil {
		return DispatchItem{}, err
	}
	return item, nil
}

// AckExecute removes an execute message from the dispatch queue.
func (s *Store) AckExecute(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return errors.New("instance id required")
	}

	result, err := s.db.ExecContext(ctx, `
DELETE FROM dispatch_queue
WHERE instance_id = $1
`, instanceID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: queue item %s", ErrNotFound, instanceID)
	}
	return nil
}
