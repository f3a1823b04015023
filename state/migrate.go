package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/okulov-dev/traceflow/state/migrations"
)

// ApplyMigrations brings the schema up to date inside a single transaction.
// Safe to run on every start; migrations already recorded in the ledger are
// skipped.
func (s *Store) ApplyMigrations(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    id TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
			return fmt.Errorf("ensure migration ledger: %w", err)
		}

		applied, err := appliedMigrationIDs(ctx, tx)
		if err != nil {
			return fmt.Errorf("read migration ledger: %w", err)
		}

		for _, m := range migrations.All {
			if applied[m.ID] {
				continue
			}
			if _, err := tx.ExecContext(ctx, m.Script); err != nil {
				return fmt.Errorf("run migration %s: %w", m.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (id) VALUES ($1)`, m.ID); err != nil {
				return fmt.Errorf("record migration %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

func appliedMigrationIDs(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool, len(migrations.All))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}
	return applied, rows.Err()
}
