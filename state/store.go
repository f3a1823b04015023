package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested row cannot be located.
var ErrNotFound = errors.New("state: not found")

// Store is the canonical Postgres implementation of the instance store,
// definition store, and dispatch queue.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func marshalParams(p Params) ([]byte, error) {
	if p == nil {
		p = Params{}
	}
	return json.Marshal(p)
}

func marshalDeps(deps []string) ([]byte, error) {
	if deps == nil {
		deps = []string{}
	}
	return json.Marshal(deps)
}

func unmarshalParams(raw []byte) (Params, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if len(p) == 0 {
		return nil, nil
	}
	return p, nil
}

func unmarshalDeps(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var deps []string
	if err := json.Unmarshal(raw, &deps); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	if len(deps) == 0 {
		return nil, nil
	}
	return deps, nil
}
