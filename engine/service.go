package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/okulov-dev/traceflow/internal/observability"
	"github.com/okulov-dev/traceflow/state"
)

// Service owns trace bootstrap and the instance state-machine transitions
// triggered by execution outcomes.
type Service struct {
	store   InstanceStore
	defs    DefinitionStore
	queue   Queue
	ids     IDGenerator
	loops   *LoopController
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewService constructs the lifecycle service with sensible defaults.
func NewService(store InstanceStore, defs DefinitionStore, queue Queue, ids IDGenerator, loops *LoopController, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if ids == nil {
		ids = UUIDGenerator{}
	}
	if loops == nil {
		loops = NewLoopController(store, defs, queue, ids, nil, metrics)
	}
	if logger == nil {
		logger = observability.NewLogger("engine.lifecycle")
	}
	return &Service{
		store:   store,
		defs:    defs,
		queue:   queue,
		ids:     ids,
		loops:   loops,
		logger:  logger,
		metrics: metrics,
	}
}

// StartTrace creates the root instance of a new trace from a definition and
// publishes its execute message.
func (s *Service) StartTrace(ctx context.Context, definitionID string, params state.Params) (StartTraceResult, error) {
	if definitionID == "" {
		return StartTraceResult{}, errors.New("definition id required")
	}

	def, err := s.defs.GetDefinition(ctx, definitionID)
	if err != nil {
		return StartTraceResult{}, err
	}
	if !def.IsActive {
		return StartTraceResult{}, fmt.Errorf("%w: %s", ErrDefinitionInactive, definitionID)
	}

	root := state.Instance{
		ID:           s.ids.InstanceID(),
		TraceID:      s.ids.TraceID(),
		DefID:        &def.ID,
		NodePath:     "/",
		Depth:        0,
		Status:       state.StatusPending,
		ScheduleType: def.ScheduleType,
		InputParams:  mergeParams(def.DefaultParams, params),
	}

	if _, err := s.store.CreateInstance(ctx, root); err != nil {
		return StartTraceResult{}, fmt.Errorf("create root instance: %w", err)
	}
	s.metrics.IncTransition(string(state.StatusPending))

	if err := s.queue.PublishExecute(ctx, root.ID, time.Time{}); err != nil {
		return StartTraceResult{}, fmt.Errorf("publish execute for %s: %w", root.ID, err)
	}

	observability.WithTrace(s.logger, root.TraceID).Info("trace started",
		"event", "trace_started", "definition_id", def.ID, "root_instance_id", root.ID)

	return StartTraceResult{TraceID: root.TraceID, RootInstanceID: root.ID}, nil
}

// ExpandInstance fans a parent out into child instances. The topology is
// decided by the caller; the engine assigns ids, node paths, and the parent's
// split count, then publishes the children that have no dependencies to wait
// for (dependent children are published too and gated at dispatch time).
func (s *Service) ExpandInstance(ctx context.Context, parentID string, children []ChildSpec) ([]state.Instance, error) {
	if len(children) == 0 {
		return nil, errors.New("at least one child required")
	}

	parent, err := s.store.GetInstance(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status.IsTerminal() {
		return nil, fmt.Errorf("instance %s is %s and cannot expand", parentID, parent.Status)
	}
	if parent.SplitCount > 0 {
		return nil, fmt.Errorf("instance %s already expanded", parentID)
	}

	idByKey := make(map[string]string, len(children))
	for _, child := range children {
		if child.Key == "" {
			return nil, errors.New("child key required")
		}
		if _, dup := idByKey[child.Key]; dup {
			return nil, fmt.Errorf("duplicate child key %q", child.Key)
		}
		idByKey[child.Key] = s.ids.InstanceID()
	}

	created := make([]state.Instance, 0, len(children))
	for _, child := range children {
		deps := make([]string, 0, len(child.DependsOn))
		for _, key := range child.DependsOn {
			depID, ok := idByKey[key]
			if !ok {
				return nil, fmt.Errorf("child %q depends on unknown key %q", child.Key, key)
			}
			deps = append(deps, depID)
		}

		scheduleType := child.ScheduleType
		if scheduleType == "" {
			scheduleType = state.ScheduleOnce
		}

		inst := state.Instance{
			ID:           idByKey[child.Key],
			TraceID:      parent.TraceID,
			ParentID:     &parent.ID,
			DefID:        child.DefID,
			NodePath:     parent.SubtreePrefix(),
			Depth:        parent.Depth + 1,
			Status:       state.StatusPending,
			DependsOn:    deps,
			ScheduleType: scheduleType,
			InputParams:  child.InputParams,
		}
		if _, err := s.store.CreateInstance(ctx, inst); err != nil {
			return nil, fmt.Errorf("create child %q: %w", child.Key, err)
		}
		s.metrics.IncTransition(string(state.StatusPending))
		created = append(created, inst)
	}

	if err := s.store.SetSplitCount(ctx, parent.ID, len(created)); err != nil {
		return nil, err
	}

	for _, inst := range created {
		if err := s.queue.PublishExecute(ctx, inst.ID, time.Time{}); err != nil {
			return nil, fmt.Errorf("publish execute for %s: %w", inst.ID, err)
		}
	}

	observability.WithTrace(s.logger, parent.TraceID).Info("instance expanded",
		"event", "instance_expanded", "parent_id", parent.ID, "children", len(created))

	return created, nil
}

// OnTaskCompleted records a successful worker callback. Idempotent: a
// duplicate or out-of-order callback fails the transition check and is a
// no-op. Terminal callbacks after a cancel fall out the same way.
func (s *Service) OnTaskCompleted(ctx context.Context, instanceID, outputRef string) error {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if err := state.ValidateTransition(instanceID, inst.Status, state.StatusSuccess); err != nil {
		if state.IsTransitionError(err) {
			observability.WithInstance(s.logger, instanceID).Info("completion ignored",
				"event", "completion_ignored", "status", inst.Status)
			return nil
		}
		return err
	}

	var refPtr *string
	if outputRef != "" {
		refPtr = &outputRef
	}

	transitioned, err := s.store.MarkSucceeded(ctx, instanceID, refPtr, time.Now().UTC())
	if err != nil {
		return err
	}
	if !transitioned {
		observability.WithInstance(s.logger, instanceID).Info("completion ignored",
			"event", "completion_ignored", "status", inst.Status)
		return nil
	}
	s.metrics.IncTransition(string(state.StatusSuccess))

	if inst.ParentID != nil {
		if err := s.creditParent(ctx, *inst.ParentID); err != nil {
			return err
		}
	}

	if inst.ScheduleType == state.ScheduleLoop {
		if err := s.loops.HandleRoundCompleted(ctx, inst, outputRef); err != nil {
			return err
		}
	}

	return nil
}

// creditParent increments the parent's completed-children counter and
// activates the aggregator on the final child. The atomic increment returns
// the split count to exactly one caller, so the parent is enqueued exactly once.
func (s *Service) creditParent(ctx context.Context, parentID string) error {
	completed, split, incremented, err := s.store.IncrementCompletedChildren(ctx, parentID)
	if err != nil {
		return err
	}
	if !incremented || split == 0 || completed != split {
		return nil
	}

	if err := s.queue.PublishExecute(ctx, parentID, time.Time{}); err != nil {
		return fmt.Errorf("activate aggregator %s: %w", parentID, err)
	}
	observability.WithInstance(s.logger, parentID).Info("aggregator activated",
		"event", "aggregator_activated", "completed_children", completed)
	return nil
}

// OnTaskFailed records a failed worker callback and applies the fail-fast
// trace policy: every still-PENDING sibling in the trace is skipped. Same
// idempotency contract as OnTaskCompleted.
func (s *Service) OnTaskFailed(ctx context.Context, instanceID, errMsg string) error {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if err := state.ValidateTransition(instanceID, inst.Status, state.StatusFailed); err != nil {
		if state.IsTransitionError(err) {
			observability.WithInstance(s.logger, instanceID).Info("failure ignored",
				"event", "failure_ignored", "status", inst.Status)
			return nil
		}
		return err
	}

	now := time.Now().UTC()
	transitioned, err := s.store.MarkFailed(ctx, instanceID, errMsg, now)
	if err != nil {
		return err
	}
	if !transitioned {
		observability.WithInstance(s.logger, instanceID).Info("failure ignored",
			"event", "failure_ignored", "status", inst.Status)
		return nil
	}
	s.metrics.IncTransition(string(state.StatusFailed))

	return s.cascadeSkip(ctx, inst.TraceID, instanceID, now)
}

// FailBeforeStart force-fails an instance that never left PENDING, e.g. when
// its dependency chain was declared unsatisfiable, with the same cascade as a
// worker failure.
func (s *Service) FailBeforeStart(ctx context.Context, instanceID, errMsg string) error {
	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if err := state.ValidateTransition(instanceID, inst.Status, state.StatusFailed); err != nil {
		if state.IsTransitionError(err) {
			return nil
		}
		return err
	}

	now := time.Now().UTC()
	transitioned, err := s.store.FailPending(ctx, instanceID, errMsg, now)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}
	s.metrics.IncTransition(string(state.StatusFailed))

	return s.cascadeSkip(ctx, inst.TraceID, instanceID, now)
}

func (s *Service) cascadeSkip(ctx context.Context, traceID, failedID string, now time.Time) error {
	skipped, err := s.store.SkipPendingByTrace(ctx, traceID, failedID, now)
	if err != nil {
		return err
	}
	if skipped > 0 {
		s.metrics.IncTransition(string(state.StatusSkipped))
	}
	observability.WithTrace(s.logger, traceID).Info("instance failed",
		"event", "instance_failed", "instance_id", failedID, "skipped_siblings", skipped)
	return nil
}

// TraceSummary returns the per-status counts and current signal of a trace.
func (s *Service) TraceSummary(ctx context.Context, traceID string) (TraceSummary, error) {
	counts, err := s.store.TraceStatusCounts(ctx, traceID)
	if err != nil {
		return TraceSummary{}, err
	}
	signal, err := s.store.FindSignalByTrace(ctx, traceID)
	if err != nil {
		return TraceSummary{}, err
	}
	return TraceSummary{TraceID: traceID, Counts: counts, Signal: signal}, nil
}

// ListTrace returns every instance of a trace.
func (s *Service) ListTrace(ctx context.Context, traceID string) ([]state.Instance, error) {
	return s.store.ListByTrace(ctx, traceID)
}

// ListSubtree returns the instances rooted at the given instance.
func (s *Service) ListSubtree(ctx context.Context, instanceID string) ([]state.Instance, error) {
	node, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	subtree, err := s.store.ListSubtree(ctx, node.TraceID, node.SubtreePrefix())
	if err != nil {
		return nil, err
	}
	return append([]state.Instance{node}, subtree...), nil
}

// mergeParams merges caller params over definition defaults; caller values win.
func mergeParams(defaults, overrides state.Params) state.Params {
	if len(defaults) == 0 && len(overrides) == 0 {
		return nil
	}
	merged := make(state.Params, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
