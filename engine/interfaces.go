package engine

import (
	"context"
	"time"

	"github.com/okulov-dev/traceflow/protocol"
	"github.com/okulov-dev/traceflow/state"
)

// InstanceStore is the durable instance table. The canonical implementation
// is state.Store; the contract requires three load-bearing query shapes:
// single-statement conditional updates, atomic increment-and-return, and
// node_path prefix scans.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst state.Instance) (state.Instance, error)
	GetInstance(ctx context.Context, id string) (state.Instance, error)
	GetInstances(ctx context.Context, ids []string) ([]state.Instance, error)
	ListByTrace(ctx context.Context, traceID string, statuses ...state.InstanceStatus) ([]state.Instance, error)
	ListSubtree(ctx context.Context, traceID, pathPrefix string) ([]state.Instance, error)

	ConditionalClaim(ctx context.Context, id, workerID string, now time.Time) (bool, error)
	MarkSucceeded(ctx context.Context, id string, outputRef *string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, errDetail string, now time.Time) (bool, error)
	FailPending(ctx context.Context, id, errDetail string, now time.Time) (bool, error)
	IncrementCompletedChildren(ctx context.Context, parentID string) (completed, split int, incremented bool, err error)
	SetSplitCount(ctx context.Context, id string, splitCount int) error
	SkipPendingByTrace(ctx context.Context, traceID, excludeID string, now time.Time) (int64, error)

	SetSignal(ctx context.Context, id string, signal state.ControlSignal) error
	UpdateSignalByTrace(ctx context.Context, traceID string, signal state.ControlSignal) (int64, error)
	UpdateSignalByPathPrefix(ctx context.Context, traceID, pathPrefix string, signal state.ControlSignal) (int64, error)
	CancelInstance(ctx context.Context, id string, now time.Time) (bool, error)
	CancelPendingByTrace(ctx context.Context, traceID string, now time.Time) (int64, error)
	CancelPendingByPathPrefix(ctx context.Context, traceID, pathPrefix string, now time.Time) (int64, error)
	FindSignalByTrace(ctx context.Context, traceID string) (*state.ControlSignal, error)

	TraceStatusCounts(ctx context.Context, traceID string) ([]state.StatusCount, error)
	ListTimedOutRunning(ctx context.Context, now time.Time, defaultTimeout time.Duration, limit int) ([]state.Instance, error)
	ListStalePending(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]state.Instance, error)
}

// DefinitionStore is the durable template table, read-only to the engine
// except for cron bookkeeping.
type DefinitionStore interface {
	GetDefinition(ctx context.Context, id string) (state.Definition, error)
	ListActiveCron(ctx context.Context) ([]state.Definition, error)
	MarkDefinitionTriggered(ctx context.Context, id string, at time.Time) error
}

// Queue is the delay queue carrying execute messages. Delivery is
// at-least-once; consumers must be idempotent.
type Queue interface {
	PublishExecute(ctx context.Context, instanceID string, availableAt time.Time) error
	RequeueExecute(ctx context.Context, instanceID string, delay time.Duration, countRetry bool) (int, error)
	DequeueExecute(ctx context.Context, now time.Time, visibilityTimeout time.Duration) (state.DispatchItem, error)
	AckExecute(ctx context.Context, instanceID string) error
}

// SignalCache is the best-effort control-signal cache. Correctness never
// depends on it; every read has a store fallback.
type SignalCache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Worker is the execution boundary. The engine hands a claimed instance's
// serialized state across it and expects completion to come back through the
// lifecycle service.
type Worker interface {
	Execute(ctx context.Context, assignment protocol.TaskAssignment) error
}

// NoopWorker discards assignments. Placeholder for wiring and tests.
type NoopWorker struct{}

func (NoopWorker) Execute(ctx context.Context, assignment protocol.TaskAssignment) error {
	return nil
}

// PayloadStore persists opaque worker output and returns a reference.
type PayloadStore interface {
	PutOutput(ctx context.Context, traceID, instanceID string, data []byte) (string, error)
}
