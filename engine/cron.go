package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/okulov-dev/traceflow/internal/observability"
)

// DefaultCronSyncInterval is how often the scheduler reconciles its in-memory
// entries against the definition table.
const DefaultCronSyncInterval = time.Minute

// CronScheduler starts traces for CRON definitions. The definition table is
// the source of truth; the scheduler periodically reconciles registered cron
// entries against it, so edits and deactivations take effect within one sync
// interval without a restart.
type CronScheduler struct {
	lifecycle    *Service
	defs         DefinitionStore
	syncInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	runner  *cron.Cron
	entries map[string]cronEntry
}

type cronEntry struct {
	id   cron.EntryID
	expr string
}

func NewCronScheduler(lifecycle *Service, defs DefinitionStore, syncInterval time.Duration, logger *slog.Logger) *CronScheduler {
	if syncInterval <= 0 {
		syncInterval = DefaultCronSyncInterval
	}
	if logger == nil {
		logger = observability.NewLogger("engine.cron")
	}
	return &CronScheduler{
		lifecycle:    lifecycle,
		defs:         defs,
		syncInterval: syncInterval,
		logger:       logger,
		runner:       cron.New(),
		entries:      make(map[string]cronEntry),
	}
}

// Run keeps the scheduler in sync until the context is cancelled.
func (c *CronScheduler) Run(ctx context.Context) {
	c.runner.Start()
	defer c.runner.Stop()

	if err := c.Sync(ctx); err != nil {
		c.logger.Error("cron sync failed", "event", "cron_sync_failed", "error", err)
	}

	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(ctx); err != nil {
				c.logger.Error("cron sync failed", "event", "cron_sync_failed", "error", err)
			}
		}
	}
}

// Sync reconciles cron entries with the active CRON definitions: new
// definitions are registered, changed expressions re-registered, and
// deactivated or deleted ones removed.
func (c *CronScheduler) Sync(ctx context.Context) error {
	defs, err := c.defs.ListActiveCron(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if def.CronExpr == nil || *def.CronExpr == "" {
			continue
		}
		seen[def.ID] = true

		if existing, ok := c.entries[def.ID]; ok {
			if existing.expr == *def.CronExpr {
				continue
			}
			c.runner.Remove(existing.id)
			delete(c.entries, def.ID)
		}

		defID := def.ID
		entryID, err := c.runner.AddFunc(*def.CronExpr, func() {
			c.fire(defID)
		})
		if err != nil {
			c.logger.Error("invalid cron expression", "event", "cron_invalid_expr",
				"definition_id", def.ID, "expr", *def.CronExpr, "error", err)
			continue
		}
		c.entries[def.ID] = cronEntry{id: entryID, expr: *def.CronExpr}
		c.logger.Info("cron definition registered", "event", "cron_registered",
			"definition_id", def.ID, "expr", *def.CronExpr)
	}

	for defID, entry := range c.entries {
		if !seen[defID] {
			c.runner.Remove(entry.id)
			delete(c.entries, defID)
			c.logger.Info("cron definition removed", "event", "cron_removed",
				"definition_id", defID)
		}
	}
	return nil
}

func (c *CronScheduler) fire(defID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := c.lifecycle.StartTrace(ctx, defID, nil)
	if err != nil {
		c.logger.Error("cron trigger failed", "event", "cron_trigger_failed",
			"definition_id", defID, "error", err)
		return
	}
	if err := c.defs.MarkDefinitionTriggered(ctx, defID, time.Now().UTC()); err != nil {
		c.logger.Warn("cron trigger bookkeeping failed", "event", "cron_mark_failed",
			"definition_id", defID, "error", err)
	}
	c.logger.Info("cron trace started", "event", "cron_trace_started",
		"definition_id", defID, "trace_id", result.TraceID)
}

// entryCount reports how many definitions are currently registered.
func (c *CronScheduler) entryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
