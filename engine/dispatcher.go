package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/okulov-dev/traceflow/internal/observability"
	"github.com/okulov-dev/traceflow/protocol"
	"github.com/okulov-dev/traceflow/state"
)

// DispatcherConfig tunes one dispatcher worker.
type DispatcherConfig struct {
	// WorkerID identifies this dispatcher in claims.
	WorkerID string
	// RetryDelay is the fixed delay for not-ready requeues.
	RetryDelay time.Duration
	// MaxDependencyRetries bounds the dependency polling loop; once exceeded
	// the instance is force-failed instead of requeued forever.
	MaxDependencyRetries int
	// VisibilityTimeout is the redelivery window for in-flight messages.
	VisibilityTimeout time.Duration
	// IdleDelay is the sleep between polls of an empty queue.
	IdleDelay time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = prefixedID("wrk")
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxDependencyRetries <= 0 {
		c.MaxDependencyRetries = 120
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = time.Second
	}
}

// Dispatcher consumes execute messages, gates them against dependency and
// cancellation state, claims instances, and hands them to the worker boundary.
// Any number of dispatchers may consume the same queue; the store's
// conditional claim is the only mutual exclusion between them.
type Dispatcher struct {
	store     InstanceStore
	queue     Queue
	signals   *SignalService
	lifecycle *Service
	worker    Worker
	cfg       DispatcherConfig
	logger    *slog.Logger
	metrics   *observability.Metrics
}

func NewDispatcher(store InstanceStore, queue Queue, signals *SignalService, lifecycle *Service, worker Worker, cfg DispatcherConfig, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	cfg.applyDefaults()
	if worker == nil {
		worker = NoopWorker{}
	}
	if logger == nil {
		logger = observability.NewLogger("engine.dispatcher")
	}
	return &Dispatcher{
		store:     store,
		queue:     queue,
		signals:   signals,
		lifecycle: lifecycle,
		worker:    worker,
		cfg:       cfg,
		logger:    logger.With("worker_id", cfg.WorkerID),
		metrics:   metrics,
	}
}

// Run consumes the queue until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		item, err := d.queue.DequeueExecute(ctx, time.Now().UTC(), d.cfg.VisibilityTimeout)
		if err != nil {
			if !errors.Is(err, state.ErrQueueEmpty) {
				d.logger.Error("dequeue failed", "event", "dequeue_failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.cfg.IdleDelay):
			}
			continue
		}

		if err := d.HandleExecute(ctx, item); err != nil {
			d.logger.Error("dispatch failed", "event", "dispatch_failed",
				"instance_id", item.InstanceID, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// HandleExecute processes one delivered execute message. Delivery is
// at-least-once, so every outcome here must be idempotent.
func (d *Dispatcher) HandleExecute(ctx context.Context, item state.DispatchItem) error {
	inst, err := d.store.GetInstance(ctx, item.InstanceID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return d.ack(ctx, item.InstanceID)
		}
		return err
	}

	// Redelivery of a message whose instance already moved on.
	if inst.Status != state.StatusPending {
		return d.ack(ctx, item.InstanceID)
	}

	// Control gate: cache-first trace check, then the instance's own signal.
	// A trace-level hit may belong to a subtree this instance is outside of;
	// the cascade stamps every covered row, so the row decides.
	traceSignal, err := d.signals.CheckSignal(ctx, inst.TraceID)
	if err != nil {
		return err
	}
	if traceSignal != nil && inst.ControlSignal != nil {
		switch *inst.ControlSignal {
		case state.SignalCancel:
			if cancelled, err := d.store.CancelInstance(ctx, inst.ID, time.Now().UTC()); err != nil {
				return err
			} else if cancelled {
				d.metrics.IncTransition(string(state.StatusCancelled))
			}
			d.metrics.IncRequeue("cancelled")
			return d.ack(ctx, inst.ID)
		case state.SignalPause:
			// Requeued rather than dropped so RESUME needs no re-publish.
			if _, err := d.queue.RequeueExecute(ctx, inst.ID, d.cfg.RetryDelay, false); err != nil {
				return err
			}
			d.metrics.IncRequeue("paused")
			return nil
		}
	}

	res, err := d.evaluateReadiness(ctx, inst)
	if err != nil {
		return err
	}
	switch res.state {
	case notReady:
		retries, err := d.queue.RequeueExecute(ctx, inst.ID, d.cfg.RetryDelay, res.countRetry)
		if err != nil {
			return err
		}
		if res.countRetry && retries >= d.cfg.MaxDependencyRetries {
			d.metrics.IncRequeue("dependency_exhausted")
			if err := d.lifecycle.FailBeforeStart(ctx, inst.ID,
				fmt.Sprintf("dependency wait exceeded %d retries: %s", d.cfg.MaxDependencyRetries, res.reason)); err != nil {
				return err
			}
			return d.ack(ctx, inst.ID)
		}
		d.metrics.IncRequeue(res.metricReason)
		return nil

	case unsatisfiable:
		d.metrics.IncRequeue(res.metricReason)
		if err := d.lifecycle.FailBeforeStart(ctx, inst.ID, res.reason); err != nil {
			return err
		}
		return d.ack(ctx, inst.ID)
	}

	claimed, err := d.store.ConditionalClaim(ctx, inst.ID, d.cfg.WorkerID, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := d.ack(ctx, inst.ID); err != nil {
		return err
	}
	if !claimed {
		// Another dispatcher owns it; not an error.
		d.metrics.IncClaim("contended")
		return nil
	}
	d.metrics.IncClaim("granted")
	d.metrics.IncTransition(string(state.StatusRunning))

	assignment := protocol.TaskAssignment{
		InstanceID:   inst.ID,
		TraceID:      inst.TraceID,
		ScheduleType: string(inst.ScheduleType),
		RoundIndex:   inst.RoundIndex,
		InputParams:  inst.InputParams,
		ClaimedAt:    time.Now().UTC(),
		WorkerID:     d.cfg.WorkerID,
	}
	if inst.DefID != nil {
		assignment.DefID = *inst.DefID
	}

	observability.WithInstance(d.logger, inst.ID).Info("instance claimed",
		"event", "instance_claimed", "trace_id", inst.TraceID)

	if err := d.worker.Execute(ctx, assignment); err != nil {
		return d.lifecycle.OnTaskFailed(ctx, inst.ID, fmt.Sprintf("worker hand-off failed: %v", err))
	}
	return nil
}

func (d *Dispatcher) ack(ctx context.Context, instanceID string) error {
	if err := d.queue.AckExecute(ctx, instanceID); err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}
	return nil
}

type readinessState int

const (
	ready readinessState = iota
	notReady
	unsatisfiable
)

// readiness is the explicit result of the dispatch gate; retry and no-op
// decisions are data, not control flow.
type readiness struct {
	state        readinessState
	reason       string
	metricReason string
	// countRetry marks requeues that consume the bounded dependency budget.
	// Waiting for declared children is open-ended instead: every child either
	// credits the counter on success or trips the unsatisfiable check below.
	countRetry bool
}

func (d *Dispatcher) evaluateReadiness(ctx context.Context, inst state.Instance) (readiness, error) {
	if len(inst.DependsOn) > 0 {
		deps, err := d.store.GetInstances(ctx, inst.DependsOn)
		if err != nil {
			return readiness{}, err
		}
		byID := make(map[string]state.Instance, len(deps))
		for _, dep := range deps {
			byID[dep.ID] = dep
		}

		for _, depID := range inst.DependsOn {
			dep, found := byID[depID]
			if !found {
				return readiness{
					state:        unsatisfiable,
					reason:       fmt.Sprintf("dependency %s not found", depID),
					metricReason: "dependency_unsatisfiable",
				}, nil
			}
			if dep.Status == state.StatusSuccess {
				continue
			}
			if dep.Status.IsTerminal() {
				return readiness{
					state:        unsatisfiable,
					reason:       fmt.Sprintf("dependency %s ended %s", depID, dep.Status),
					metricReason: "dependency_unsatisfiable",
				}, nil
			}
			return readiness{
				state:        notReady,
				reason:       fmt.Sprintf("dependency %s is %s", depID, dep.Status),
				metricReason: "dependency",
				countRetry:   true,
			}, nil
		}
	}

	if inst.SplitCount > 0 && inst.CompletedChildren < inst.SplitCount {
		// Only successes credit the counter. A direct child that ended any
		// other way (cancelled, skipped, failed outside the cascade) leaves
		// the gate shut permanently, so the parent must fail rather than
		// requeue until the end of time.
		subtree, err := d.store.ListSubtree(ctx, inst.TraceID, inst.SubtreePrefix())
		if err != nil {
			return readiness{}, err
		}
		for _, child := range subtree {
			if child.ParentID == nil || *child.ParentID != inst.ID {
				continue
			}
			if child.Status.IsTerminal() && child.Status != state.StatusSuccess {
				return readiness{
					state:        unsatisfiable,
					reason:       fmt.Sprintf("child %s ended %s", child.ID, child.Status),
					metricReason: "children_unsatisfiable",
				}, nil
			}
		}
		return readiness{
			state:        notReady,
			reason:       fmt.Sprintf("%d/%d children completed", inst.CompletedChildren, inst.SplitCount),
			metricReason: "children",
		}, nil
	}

	return readiness{state: ready}, nil
}
