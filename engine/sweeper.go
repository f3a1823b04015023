package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/okulov-dev/traceflow/internal/observability"
)

// SweeperConfig tunes the background health sweeper.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// DefaultTimeout applies to RUNNING instances whose definition carries no
	// timeout of its own.
	DefaultTimeout time.Duration
	// StaleAfter is the PENDING age beyond which an instance is reported as
	// potentially stuck. Report only; a stuck PENDING may be a long but
	// legitimate dependency wait.
	StaleAfter time.Duration
	// BatchLimit caps how many instances one sweep processes per category.
	BatchLimit int
}

func (c *SweeperConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
}

// Sweeper force-fails RUNNING instances that outlived their timeout and
// reports long-stuck PENDING ones. It is the liveness backstop for lost
// workers and lost completion callbacks.
type Sweeper struct {
	store     InstanceStore
	lifecycle *Service
	cfg       SweeperConfig
	logger    *slog.Logger
	metrics   *observability.Metrics
}

func NewSweeper(store InstanceStore, lifecycle *Service, cfg SweeperConfig, logger *slog.Logger, metrics *observability.Metrics) *Sweeper {
	cfg.applyDefaults()
	if logger == nil {
		logger = observability.NewLogger("engine.sweeper")
	}
	return &Sweeper{
		store:     store,
		lifecycle: lifecycle,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", "event", "sweep_failed", "error", err)
			}
		}
	}
}

// SweepOnce runs a single sweep pass.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	now := time.Now().UTC()

	timedOut, err := s.store.ListTimedOutRunning(ctx, now, s.cfg.DefaultTimeout, s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list timed out: %w", err)
	}
	for _, inst := range timedOut {
		elapsed := time.Duration(0)
		if inst.StartedAt != nil {
			elapsed = now.Sub(*inst.StartedAt).Round(time.Second)
		}
		if err := s.lifecycle.OnTaskFailed(ctx, inst.ID,
			fmt.Sprintf("execution timed out after %s", elapsed)); err != nil {
			observability.WithInstance(s.logger, inst.ID).Error("timeout fail failed",
				"event", "timeout_fail_failed", "error", err)
			continue
		}
		s.metrics.IncSweep("timeout_failed")
		observability.WithInstance(s.logger, inst.ID).Warn("instance timed out",
			"event", "instance_timed_out", "trace_id", inst.TraceID, "elapsed", elapsed.String())
	}

	stale, err := s.store.ListStalePending(ctx, now, s.cfg.StaleAfter, s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list stale pending: %w", err)
	}
	for _, inst := range stale {
		s.metrics.IncSweep("stale_pending")
		observability.WithInstance(s.logger, inst.ID).Warn("instance stuck pending",
			"event", "instance_stuck_pending", "trace_id", inst.TraceID,
			"age", now.Sub(inst.CreatedAt).Round(time.Second).String())
	}

	if len(timedOut) > 0 || len(stale) > 0 {
		s.logger.Info("sweep complete", "event", "sweep_complete",
			"timed_out", len(timedOut), "stale_pending", len(stale))
	}
	return nil
}
