package state

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func setupTestStore(t *testing.T, ctx context.Context) (*Store, func()) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("ping db: %v", err)
	}

	store := NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	if err := resetDatabase(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("reset database: %v", err)
	}

	return store, func() { _ = db.Close() }
}

func resetDatabase(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `TRUNCATE dispatch_queue, instances, definitions`)
	return err
}

func mustCreateInstance(t *testing.T, ctx context.Context, store *Store, inst Instance) Instance {
	t.Helper()
	created, err := store.CreateInstance(ctx, inst)
	if err != nil {
		t.Fatalf("create instance %s: %v", inst.ID, err)
	}
	return created
}

func TestConditionalClaimGrantsOnce(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	mustCreateInstance(t, ctx, store, Instance{ID: "i1", TraceID: "t1", NodePath: "/"})

	now := time.Now().UTC()
	first, err := store.ConditionalClaim(ctx, "i1", "worker-a", now)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	second, err := store.ConditionalClaim(ctx, "i1", "worker-b", now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if !first || second {
		t.Fatalf("expected exactly one grant, got first=%v second=%v", first, second)
	}

	inst, err := store.GetInstance(ctx, "i1")
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if inst.Status != StatusRunning {
		t.Fatalf("expected RUNNING, got %s", inst.Status)
	}
	if inst.WorkerID == nil || *inst.WorkerID != "worker-a" {
		t.Fatalf("expected worker-a to own the claim, got %v", inst.WorkerID)
	}
}

func TestQueueDelayedDelivery(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	mustCreateInstance(t, ctx, store, Instance{ID: "i1", TraceID: "t1", NodePath: "/"})

	now := time.Now().UTC()
	if err := store.PublishExecute(ctx, "i1", now.Add(time.Hour)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, err := store.DequeueExecute(ctx, now, 30*time.Second); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected empty queue before available_at, got %v", err)
	}

	item, err := store.DequeueExecute(ctx, now.Add(2*time.Hour), 30*time.Second)
	if err != nil {
		t.Fatalf("dequeue after delay: %v", err)
	}
	if item.InstanceID != "i1" || item.DeliveryCount != 1 {
		t.Fatalf("unexpected item: %+v", item)
	}

	// In-flight message is invisible until the visibility window lapses.
	if _, err := store.DequeueExecute(ctx, now.Add(2*time.Hour), 30*time.Second); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected in-flight message hidden, got %v", err)
	}
	redelivered, err := store.DequeueExecute(ctx, now.Add(3*time.Hour), 30*time.Second)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if redelivered.DeliveryCount != 2 {
		t.Fatalf("expected delivery_count 2, got %d", redelivered.DeliveryCount)
	}

	if err := store.AckExecute(ctx, "i1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := store.DequeueExecute(ctx, now.Add(4*time.Hour), 30*time.Second); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected empty queue after ack, got %v", err)
	}
}

func TestDequeuePrunesNonPending(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	mustCreateInstance(t, ctx, store, Instance{ID: "i1", TraceID: "t1", NodePath: "/"})
	if err := store.PublishExecute(ctx, "i1", time.Time{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := store.CancelInstance(ctx, "i1", time.Now().UTC()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := store.DequeueExecute(ctx, time.Now().UTC(), 30*time.Second); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected cancelled message pruned, got %v", err)
	}
}

func TestIncrementCompletedChildrenStopsAtSplit(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	mustCreateInstance(t, ctx, store, Instance{ID: "parent", TraceID: "t1", NodePath: "/"})
	if err := store.SetSplitCount(ctx, "parent", 2); err != nil {
		t.Fatalf("set split count: %v", err)
	}

	for i := 1; i <= 2; i++ {
		completed, split, incremented, err := store.IncrementCompletedChildren(ctx, "parent")
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if !incremented || completed != i || split != 2 {
			t.Fatalf("increment %d: completed=%d split=%d incremented=%v", i, completed, split, incremented)
		}
	}

	completed, split, incremented, err := store.IncrementCompletedChildren(ctx, "parent")
	if err != nil {
		t.Fatalf("overflow increment: %v", err)
	}
	if incremented || completed != 2 || split != 2 {
		t.Fatalf("expected refused increment at capacity, got completed=%d split=%d incremented=%v",
			completed, split, incremented)
	}
}

func TestSubtreeSignalCoversDescendantsOnly(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	root := mustCreateInstance(t, ctx, store, Instance{ID: "root", TraceID: "t1", NodePath: "/"})
	branch := mustCreateInstance(t, ctx, store, Instance{
		ID: "branch", TraceID: "t1", NodePath: root.SubtreePrefix(), Depth: 1,
	})
	mustCreateInstance(t, ctx, store, Instance{
		ID: "leaf", TraceID: "t1", NodePath: branch.SubtreePrefix(), Depth: 2,
	})
	mustCreateInstance(t, ctx, store, Instance{
		ID: "sibling", TraceID: "t1", NodePath: root.SubtreePrefix(), Depth: 1,
	})

	if err := store.SetSignal(ctx, branch.ID, SignalCancel); err != nil {
		t.Fatalf("set signal: %v", err)
	}
	updated, err := store.UpdateSignalByPathPrefix(ctx, "t1", branch.SubtreePrefix(), SignalCancel)
	if err != nil {
		t.Fatalf("update by prefix: %v", err)
	}
	if updated != 1 {
		t.Fatalf("expected 1 descendant updated, got %d", updated)
	}

	wantSignal := map[string]bool{"branch": true, "leaf": true, "root": false, "sibling": false}
	for id, want := range wantSignal {
		inst, err := store.GetInstance(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got := inst.ControlSignal != nil; got != want {
			t.Fatalf("instance %s: signal presence = %v, want %v", id, got, want)
		}
	}
}

func TestSkipPendingByTraceExcludesFailed(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	mustCreateInstance(t, ctx, store, Instance{ID: "failed", TraceID: "t1", NodePath: "/"})
	mustCreateInstance(t, ctx, store, Instance{ID: "pending", TraceID: "t1", NodePath: "/"})
	mustCreateInstance(t, ctx, store, Instance{ID: "running", TraceID: "t1", NodePath: "/"})
	if _, err := store.ConditionalClaim(ctx, "running", "w1", time.Now().UTC()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	skipped, err := store.SkipPendingByTrace(ctx, "t1", "failed", time.Now().UTC())
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if skipped != 1 {
		t.Fatalf("expected 1 skipped, got %d", skipped)
	}

	pending, err := store.GetInstance(ctx, "pending")
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if pending.Status != StatusSkipped {
		t.Fatalf("expected SKIPPED, got %s", pending.Status)
	}
	failed, err := store.GetInstance(ctx, "failed")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if failed.Status != StatusPending {
		t.Fatalf("excluded instance must be untouched, got %s", failed.Status)
	}
}

func TestInstanceParamsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	created := mustCreateInstance(t, ctx, store, Instance{
		ID:          "i1",
		TraceID:     "t1",
		NodePath:    "/",
		DependsOn:   []string{"a", "b"},
		InputParams: Params{"region": "eu", "limit": float64(10)},
	})

	loaded, err := store.GetInstance(ctx, created.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if len(loaded.DependsOn) != 2 || loaded.DependsOn[0] != "a" {
		t.Fatalf("depends_on mismatch: %v", loaded.DependsOn)
	}
	if loaded.InputParams["region"] != "eu" || loaded.InputParams["limit"] != float64(10) {
		t.Fatalf("params mismatch: %v", loaded.InputParams)
	}
}
