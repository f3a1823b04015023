package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/okulov-dev/traceflow/internal/observability"
	"github.com/okulov-dev/traceflow/state"
)

// NextParamsFunc derives the next round's input parameters from the completed
// round. The default carries the previous round's parameters forward unchanged.
type NextParamsFunc func(prev state.Instance, outputRef string) state.Params

// LoopController decides whether a LOOP instance continues to another round.
type LoopController struct {
	store      InstanceStore
	defs       DefinitionStore
	queue      Queue
	ids        IDGenerator
	nextParams NextParamsFunc
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func NewLoopController(store InstanceStore, defs DefinitionStore, queue Queue, ids IDGenerator, nextParams NextParamsFunc, metrics *observability.Metrics) *LoopController {
	if ids == nil {
		ids = UUIDGenerator{}
	}
	if nextParams == nil {
		nextParams = func(prev state.Instance, outputRef string) state.Params {
			return prev.InputParams
		}
	}
	return &LoopController{
		store:      store,
		defs:       defs,
		queue:      queue,
		ids:        ids,
		nextParams: nextParams,
		logger:     observability.NewLogger("engine.loop"),
		metrics:    metrics,
	}
}

// HandleRoundCompleted creates and schedules the next round of a LOOP
// instance, or ends the loop at the definition's round limit. No-op for
// non-LOOP instances.
func (l *LoopController) HandleRoundCompleted(ctx context.Context, inst state.Instance, outputRef string) error {
	if inst.ScheduleType != state.ScheduleLoop {
		return nil
	}
	if inst.DefID == nil {
		observability.WithInstance(l.logger, inst.ID).Warn("loop instance without definition",
			"event", "loop_definition_missing")
		return nil
	}

	def, err := l.defs.GetDefinition(ctx, *inst.DefID)
	if err != nil {
		return err
	}

	if inst.RoundIndex+1 >= def.LoopMaxRounds {
		observability.WithInstance(l.logger, inst.ID).Info("loop finished",
			"event", "loop_finished", "round_index", inst.RoundIndex, "max_rounds", def.LoopMaxRounds)
		return nil
	}

	next := state.Instance{
		ID:           l.ids.InstanceID(),
		TraceID:      inst.TraceID,
		ParentID:     inst.ParentID,
		DefID:        inst.DefID,
		NodePath:     inst.NodePath,
		Depth:        inst.Depth,
		Status:       state.StatusPending,
		ScheduleType: state.ScheduleLoop,
		RoundIndex:   inst.RoundIndex + 1,
		InputParams:  l.nextParams(inst, outputRef),
	}
	if _, err := l.store.CreateInstance(ctx, next); err != nil {
		return fmt.Errorf("create round %d of %s: %w", next.RoundIndex, inst.ID, err)
	}
	l.metrics.IncTransition(string(state.StatusPending))

	delay := time.Duration(def.LoopIntervalSec) * time.Second
	if err := l.queue.PublishExecute(ctx, next.ID, time.Now().UTC().Add(delay)); err != nil {
		return fmt.Errorf("schedule round %d of %s: %w", next.RoundIndex, inst.ID, err)
	}

	observability.WithInstance(l.logger, next.ID).Info("loop round scheduled",
		"event", "loop_round_scheduled", "round_index", next.RoundIndex, "delay_sec", def.LoopIntervalSec)
	return nil
}
