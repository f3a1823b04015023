package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const definitionColumns = `
id, name, schedule_type, cron_expr, loop_max_rounds, loop_interval_sec,
default_params, max_retries, retry_delay_sec, timeout_sec, is_active,
last_triggered_at, created_at, updated_at`

func scanDefinition(row rowScanner) (Definition, error) {
	var (
		def       Definition
		params    []byte
		triggered sql.NullTime
	)
	err := row.Scan(
		&def.ID,
		&def.Name,
		&def.ScheduleType,
		&def.CronExpr,
		&def.LoopMaxRounds,
		&def.LoopIntervalSec,
		&params,
		&def.MaxRetries,
		&def.RetryDelaySec,
		&def.TimeoutSec,
		&def.IsActive,
		&triggered,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return Definition{}, err
	}
	if def.DefaultParams, err = unmarshalParams(params); err != nil {
		return Definition{}, err
	}
	if triggered.Valid {
		def.LastTriggeredAt = &triggered.Time
	}
	return def, nil
}

// CreateDefinition inserts a definition template. Used by the operator API
// and test fixtures; the engine itself only reads definitions.
func (s *Store) CreateDefinition(ctx context.Context, def Definition) (Definition, error) {
	if def.ScheduleType == "" {
		def.ScheduleType = ScheduleOnce
	}
	params, err := marshalParams(def.DefaultParams)
	if err != nil {
		return Definition{}, err
	}

	err = s.db.QueryRowContext(ctx, `
INSERT INTO definitions (id, name, schedule_type, cron_expr, loop_max_rounds, loop_interval_sec,
                         default_params, max_retries, retry_delay_sec, timeout_sec, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING created_at, updated_at
`, def.ID, def.Name, def.ScheduleType, def.CronExpr, def.LoopMaxRounds, def.LoopIntervalSec,
		params, def.MaxRetries, def.RetryDelaySec, def.TimeoutSec, def.IsActive).
		Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return Definition{}, err
	}
	return def, nil
}

// GetDefinition returns a single definition by ID.
func (s *Store) GetDefinition(ctx context.Context, id string) (Definition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM definitions WHERE id = $1`, id)
	def, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Definition{}, fmt.Errorf("%w: definition %s", ErrNotFound, id)
		}
		return Definition{}, err
	}
	return def, nil
}

// ListActiveCron returns every active CRON definition.
func (s *Store) ListActiveCron(ctx context.Context) ([]Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+definitionColumns+`
FROM definitions
WHERE schedule_type = $1 AND is_active
ORDER BY id ASC
`, ScheduleCron)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// MarkDefinitionTriggered stamps last_triggered_at after a cron fire.
func (s *Store) MarkDefinitionTriggered(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE definitions SET last_triggered_at = $2, updated_at = NOW() WHERE id = $1
`, id, at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: definition %s", ErrNotFound, id)
	}
	return nil
}
