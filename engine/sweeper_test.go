package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okulov-dev/traceflow/state"
)

func TestSweepForceFailsTimedOutInstances(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	lifecycle := NewService(store, store, store, &seqIDGen{}, nil, nil, nil)
	sweeper := NewSweeper(store, lifecycle, SweeperConfig{DefaultTimeout: time.Minute}, nil, nil)

	started := time.Now().UTC().Add(-10 * time.Minute)
	_, err := store.CreateInstance(ctx, state.Instance{ID: "stuck", TraceID: "t1", NodePath: "/"})
	require.NoError(t, err)
	claimed, err := store.ConditionalClaim(ctx, "stuck", "w1", started)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = store.CreateInstance(ctx, state.Instance{ID: "sibling", TraceID: "t1", NodePath: "/"})
	require.NoError(t, err)

	require.NoError(t, sweeper.SweepOnce(ctx))

	stuck, err := store.GetInstance(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, stuck.Status)
	require.NotNil(t, stuck.ErrorDetail)
	assert.Contains(t, *stuck.ErrorDetail, "timed out")

	// Timeout failure applies the same fail-fast cascade as a worker failure.
	sibling, err := store.GetInstance(ctx, "sibling")
	require.NoError(t, err)
	assert.Equal(t, state.StatusSkipped, sibling.Status)
}

func TestSweepHonorsDefinitionTimeout(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	lifecycle := NewService(store, store, store, &seqIDGen{}, nil, nil, nil)
	sweeper := NewSweeper(store, lifecycle, SweeperConfig{DefaultTimeout: time.Minute}, nil, nil)

	def := createDefinition(t, store, state.Definition{
		ID: "def-slow", Name: "slow", TimeoutSec: 3600, IsActive: true,
	})

	started := time.Now().UTC().Add(-10 * time.Minute)
	_, err := store.CreateInstance(ctx, state.Instance{
		ID: "patient", TraceID: "t1", DefID: &def.ID, NodePath: "/",
	})
	require.NoError(t, err)
	claimed, err := store.ConditionalClaim(ctx, "patient", "w1", started)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, sweeper.SweepOnce(ctx))

	patient, err := store.GetInstance(ctx, "patient")
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, patient.Status, "an hour-long budget outlives a ten-minute run")
}

func TestSweepLeavesStalePendingUntouched(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	old := time.Now().UTC().Add(-3 * time.Hour)
	store.now = func() time.Time { return old }
	_, err := store.CreateInstance(ctx, state.Instance{ID: "waiting", TraceID: "t1", NodePath: "/"})
	require.NoError(t, err)
	store.now = func() time.Time { return time.Now().UTC() }

	lifecycle := NewService(store, store, store, &seqIDGen{}, nil, nil, nil)
	sweeper := NewSweeper(store, lifecycle, SweeperConfig{StaleAfter: time.Hour}, nil, nil)

	require.NoError(t, sweeper.SweepOnce(ctx))

	// Stale PENDING is reported, never transitioned: a long dependency wait
	// can be legitimate.
	waiting, err := store.GetInstance(ctx, "waiting")
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, waiting.Status)
}
