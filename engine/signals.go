package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/okulov-dev/traceflow/internal/observability"
	"github.com/okulov-dev/traceflow/state"
)

// DefaultSignalTTL bounds how long a cached trace signal may serve reads
// before the store is consulted again.
const DefaultSignalTTL = 5 * time.Minute

// SignalService records control signals and cascades them down a subtree or
// across a whole trace using the materialized node path.
type SignalService struct {
	store   InstanceStore
	cache   SignalCache
	ttl     time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewSignalService(store InstanceStore, cache SignalCache, logger *slog.Logger, metrics *observability.Metrics) *SignalService {
	if logger == nil {
		logger = observability.NewLogger("engine.signals")
	}
	return &SignalService{
		store:   store,
		cache:   cache,
		ttl:     DefaultSignalTTL,
		logger:  logger,
		metrics: metrics,
	}
}

// SendSignal writes a control signal. With an instance id the signal covers
// that node and its subtree (one prefix-match statement); with only a trace
// id it covers the whole trace. CANCEL additionally moves still-PENDING
// instances in scope to CANCELLED; RUNNING ones stop at their next poll point.
func (s *SignalService) SendSignal(ctx context.Context, traceID, instanceID string, signal state.ControlSignal) error {
	if !state.ValidSignal(signal) {
		return fmt.Errorf("%w: %q", ErrUnknownSignal, signal)
	}

	now := time.Now().UTC()
	switch {
	case instanceID != "":
		node, err := s.store.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if traceID != "" && node.TraceID != traceID {
			return fmt.Errorf("%w: instance %s, trace %s", ErrInstanceTraceMismatch, instanceID, traceID)
		}
		traceID = node.TraceID

		if err := s.store.SetSignal(ctx, node.ID, signal); err != nil {
			return err
		}
		if _, err := s.store.UpdateSignalByPathPrefix(ctx, traceID, node.SubtreePrefix(), signal); err != nil {
			return err
		}
		if signal == state.SignalCancel {
			if _, err := s.store.CancelInstance(ctx, node.ID, now); err != nil {
				return err
			}
			if _, err := s.store.CancelPendingByPathPrefix(ctx, traceID, node.SubtreePrefix(), now); err != nil {
				return err
			}
		}

	case traceID != "":
		if _, err := s.store.UpdateSignalByTrace(ctx, traceID, signal); err != nil {
			return err
		}
		if signal == state.SignalCancel {
			if _, err := s.store.CancelPendingByTrace(ctx, traceID, now); err != nil {
				return err
			}
		}

	default:
		return ErrSignalTargetRequired
	}

	// Write-through: hot-path readers check the cache before the store.
	if err := s.cache.Set(ctx, traceSignalKey(traceID), string(signal), s.ttl); err != nil {
		s.logger.Warn("signal cache write failed", "event", "signal_cache_write_failed",
			"trace_id", traceID, "error", err)
	}

	s.metrics.IncSignal(string(signal))
	observability.WithTrace(s.logger, traceID).Info("signal sent",
		"event", "signal_sent", "signal", signal, "instance_id", instanceID)
	return nil
}

// CheckSignal returns the trace's current control signal, cache-first. A
// cache miss or cache failure falls back to scanning the trace's instances
// and repopulates the cache, so cache loss degrades to slower reads rather
// than lost cancellation semantics.
func (s *SignalService) CheckSignal(ctx context.Context, traceID string) (*state.ControlSignal, error) {
	value, ok, err := s.cache.Get(ctx, traceSignalKey(traceID))
	if err != nil {
		s.logger.Warn("signal cache read failed", "event", "signal_cache_read_failed",
			"trace_id", traceID, "error", err)
	} else if ok {
		signal := state.ControlSignal(value)
		if state.ValidSignal(signal) {
			return &signal, nil
		}
		return nil, nil
	}

	signal, err := s.store.FindSignalByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if signal != nil {
		if err := s.cache.Set(ctx, traceSignalKey(traceID), string(*signal), s.ttl); err != nil {
			s.logger.Warn("signal cache write failed", "event", "signal_cache_write_failed",
				"trace_id", traceID, "error", err)
		}
	}
	return signal, nil
}

func traceSignalKey(traceID string) string {
	return "signal." + traceID
}
