package state

import (
	"context"
	"time"
)

// ListTimedOutRunning returns RUNNING instances whose started_at is older than
// their definition timeout (defaultTimeout when the definition sets none or
// the instance has no definition).
func (s *Store) ListTimedOutRunning(ctx context.Context, now time.Time, defaultTimeout time.Duration, limit int) ([]Instance, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+instanceColumns+`
FROM instances i
WHERE i.status = 'RUNNING'
  AND i.started_at IS NOT NULL
  AND i.started_at + make_interval(secs => COALESCE(
        NULLIF((SELECT d.timeout_sec FROM definitions d WHERE d.id = i.def_id), 0),
        $2)) <= $1
ORDER BY i.started_at ASC
LIMIT $3
`, now, int(defaultTimeout.Seconds()), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstances(rows)
}

// ListStalePending returns PENDING instances created before the staleness
// threshold. They may legitimately be waiting on a slow dependency chain, so
// callers only report them.
func (s *Store) ListStalePending(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]Instance, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+instanceColumns+`
FROM instances
WHERE status = 'PENDING'
  AND created_at <= $1
ORDER BY created_at ASC
LIMIT $2
`, now.Add(-staleAfter), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstances(rows)
}
