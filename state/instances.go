package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const instanceColumns = `
id, trace_id, parent_id, def_id, node_path, depth, status, depends_on,
split_count, completed_children, control_signal, schedule_type, round_index,
input_params, output_ref, error_detail, worker_id,
started_at, finished_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (Instance, error) {
	var (
		inst      Instance
		deps      []byte
		params    []byte
		signal    sql.NullString
		startedAt sql.NullTime
		finished  sql.NullTime
	)
	err := row.Scan(
		&inst.ID,
		&inst.TraceID,
		&inst.ParentID,
		&inst.DefID,
		&inst.NodePath,
		&inst.Depth,
		&inst.Status,
		&deps,
		&inst.SplitCount,
		&inst.CompletedChildren,
		&signal,
		&inst.ScheduleType,
		&inst.RoundIndex,
		&params,
		&inst.OutputRef,
		&inst.ErrorDetail,
		&inst.WorkerID,
		&startedAt,
		&finished,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return Instance{}, err
	}

	if inst.DependsOn, err = unmarshalDeps(deps); err != nil {
		return Instance{}, err
	}
	if inst.InputParams, err = unmarshalParams(params); err != nil {
		return Instance{}, err
	}
	if signal.Valid {
		cs := ControlSignal(signal.String)
		inst.ControlSignal = &cs
	}
	if startedAt.Valid {
		inst.StartedAt = &startedAt.Time
	}
	if finished.Valid {
		inst.FinishedAt = &finished.Time
	}
	return inst, nil
}

// CreateInstance inserts a new instance row, defaulting status to PENDING.
func (s *Store) CreateInstance(ctx context.Context, inst Instance) (Instance, error) {
	if inst.Status == "" {
		inst.Status = StatusPending
	}
	if inst.ScheduleType == "" {
		inst.ScheduleType = ScheduleOnce
	}

	deps, err := marshalDeps(inst.DependsOn)
	if err != nil {
		return Instance{}, err
	}
	params, err := marshalParams(inst.InputParams)
	if err != nil {
		return Instance{}, err
	}

	err = s.db.QueryRowContext(ctx, `
INSERT INTO instances (id, trace_id, parent_id, def_id, node_path, depth, status, depends_on,
                       split_count, completed_children, schedule_type, round_index, input_params)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING created_at, updated_at
`, inst.ID, inst.TraceID, inst.ParentID, inst.DefID, inst.NodePath, inst.Depth, inst.Status,
		deps, inst.SplitCount, inst.CompletedChildren, inst.ScheduleType, inst.RoundIndex, params).
		Scan(&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return Instance{}, err
	}
	return inst, nil
}

// GetInstance returns a single instance by ID.
func (s *Store) GetInstance(ctx context.Context, id string) (Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Instance{}, fmt.Errorf("%w: instance %s", ErrNotFound, id)
		}
		return Instance{}, err
	}
	return inst, nil
}

// GetInstances returns the instances for the given IDs, in no particular order.
func (s *Store) GetInstances(ctx context.Context, ids []string) ([]Instance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstances(rows)
}

// ListByTrace returns every instance of a trace, optionally filtered by status.
func (s *Store) ListByTrace(ctx context.Context, traceID string, statuses ...InstanceStatus) ([]Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE trace_id = $1`
	args := []any{traceID}
	if len(statuses) > 0 {
		filter := make([]string, 0, len(statuses))
		for _, st := range statuses {
			filter = append(filter, string(st))
		}
		query += ` AND status = ANY($2)`
		args = append(args, filter)
	}
	query += ` ORDER BY depth ASC, created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstances(rows)
}

// ListSubtree returns the instances under a node-path prefix within a trace.
func (s *Store) ListSubtree(ctx context.Context, traceID, pathPrefix string) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+instanceColumns+`
FROM instances
WHERE trace_id = $1
  AND node_path LIKE $2 || '%'
ORDER BY depth ASC, created_at ASC, id ASC
`, traceID, pathPrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstances(rows)
}

func collectInstances(rows *sql.Rows) ([]Instance, error) {
	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ConditionalClaim atomically moves a PENDING instance to RUNNING on behalf of
// workerID. The single-statement conditional update is the engine's only
// mutual-exclusion primitive: exactly one caller observes true.
func (s *Store) ConditionalClaim(ctx context.Context, id, workerID string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE instances
SET status = $2, worker_id = $3, started_at = $4, updated_at = NOW()
WHERE id = $1 AND status = $5
`, id, StatusRunning, workerID, now, StatusPending)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// MarkSucceeded finalizes a RUNNING instance as SUCCESS. Returns false when
// the instance is not RUNNING (duplicate callback, cancellation, timeout).
func (s *Store) MarkSucceeded(ctx context.Context, id string, outputRef *string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE instances
SET status = $2, output_ref = $3, finished_at = $4, updated_at = NOW()
WHERE id = $1 AND status = $5
`, id, StatusSuccess, outputRef, now, StatusRunning)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// MarkFailed finalizes a RUNNING instance as FAILED with error detail.
// Same idempotency contract as MarkSucceeded.
func (s *Store) MarkFailed(ctx context.Context, id, errDetail string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE instances
SET status = $2, error_detail = $3, finished_at = $4, updated_at = NOW()
WHERE id = $1 AND status = $5
`, id, StatusFailed, errDetail, now, StatusRunning)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// FailPending force-fails an instance that never started, e.g. when its
// dependency chain is declared unsatisfiable.
func (s *Store) FailPending(ctx context.Context, id, errDetail string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE instances
SET status = $2, error_detail = $3, finished_at = $4, updated_at = NOW()
WHERE id = $1 AND status = $5
`, id, StatusFailed, errDetail, now, StatusPending)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// IncrementCompletedChildren bumps the parent's completed-children counter by
// one and returns the post-increment value together with split_count. The
// increment is refused once the counter has reached split_count.
func (s *Store) IncrementCompletedChildren(ctx context.Context, parentID string) (completed, split int, incremented bool, err error) {
	err = s.db.QueryRowContext(ctx, `
UPDATE instances
SET completed_children = completed_children + 1, updated_at = NOW()
WHERE id = $1 AND completed_children < split_count
RETURNING completed_children, split_count
`, parentID).Scan(&completed, &split)
	if err == nil {
		return completed, split, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, err
	}

	// No eligible row: either the parent is missing or the counter is full.
	err = s.db.QueryRowContext(ctx, `
SELECT completed_children, split_count FROM instances WHERE id = $1
`, parentID).Scan(&completed, &split)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, false, fmt.Errorf("%w: instance %s", ErrNotFound, parentID)
		}
		return 0, 0, false, err
	}
	return completed, split, false, nil
}

// SetSplitCount records how many children an instance has fanned out into.
func (s *Store) SetSplitCount(ctx context.Context, id string, splitCount int) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE instances SET split_count = $2, updated_at = NOW() WHERE id = $1
`, id, splitCount)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	return nil
}

// SkipPendingByTrace bulk-transitions every PENDING instance of a trace to
// SKIPPED, except the excluded (failing) instance. RUNNING and terminal
// instances are never touched.
func (s *Store) SkipPendingByTrace(ctx context.Context, traceID, excludeID string, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE instances
SET status = $3, finished_at = $4, updated_at = NOW()
WHERE trace_id = $1 AND id <> $2 AND status = $5
`, traceID, excludeID, StatusSkipped, now, StatusPending)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SetSignal writes the control signal on a single instance.
func (s *Store) SetSignal(ctx context.Context, id string, signal ControlSignal) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE instances SET control_signal = $2, updated_at = NOW() WHERE id = $1
`, id, signal)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: instance %s", ErrNotFound, id)
	}
	return nil
}

// UpdateSignalByTrace writes the control signal on every instance of a trace.
func (s *Store) UpdateSignalByTrace(ctx context.Context, traceID string, signal ControlSignal) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE instances SET control_signal = $2, updated_at = NOW() WHERE trace_id = $1
`, traceID, signal)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// UpdateSignalByPathPrefix writes the control signal on every instance whose
// node_path starts with pathPrefix. A single prefix-match statement covers the
// whole subtree; this query shape is the reason node_path exists.
func (s *Store) UpdateSignalByPathPrefix(ctx context.Context, traceID, pathPrefix string, signal ControlSignal) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE instances
SET control_signal = $3, updated_at = NOW()
WHERE trace_id = $1 AND node_path LIKE $2 || '%'
`, traceID, pathPrefix, signal)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CancelPendingByTrace moves still-PENDING instances of a trace to CANCELLED.
// RUNNING instances keep going until their next poll point.
func (s *Store) CancelPendingByTrace(ctx context.Context, traceID string, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE instances
SET status = $2, finished_at = $3, updated_at = NOW()
WHERE trace_id = $1 AND status = $4
`, traceID, StatusCancelled, now, StatusPending)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CancelPendingByPathPrefix is the subtree-scoped variant of CancelPendingByTrace.
func (s *Store) CancelPendingByPathPrefix(ctx context.Context, traceID, pathPrefix string, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE instances
SET status = $3, finished_at = $4, updated_at = NOW()
WHERE trace_id = $1 AND node_path LIKE $2 || '%' AND status = $5
`, traceID, pathPrefix, StatusCancelled, now, StatusPending)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CancelInstance moves one instance to CANCELLED if it is still PENDING.
func (s *Store) CancelInstance(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
UPDATE instances
SET status = $2, finished_at = $3, updated_at = NOW()
WHERE id = $1 AND status = $4
`, id, StatusCancelled, now, StatusPending)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// FindSignalByTrace scans a trace for its most recently written control
// signal. Store-backed fallback for the signal cache.
func (s *Store) FindSignalByTrace(ctx context.Context, traceID string) (*ControlSignal, error) {
	var signal sql.NullString
	err := s.db.QueryRowContext(ctx, `
SELECT control_signal
FROM instances
WHERE trace_id = $1 AND control_signal IS NOT NULL
ORDER BY updated_at DESC, id ASC
LIMIT 1
`, traceID).Scan(&signal)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if !signal.Valid {
		return nil, nil
	}
	cs := ControlSignal(signal.String)
	return &cs, nil
}

// TraceStatusCounts returns the per-status instance counts for a trace.
func (s *Store) TraceStatusCounts(ctx context.Context, traceID string) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT status, COUNT(*)
FROM instances
WHERE trace_id = $1
GROUP BY status
ORDER BY status ASC
`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, sc)
	}
	return counts, rows.Err()
}
