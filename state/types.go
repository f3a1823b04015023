package state

import "time"

// Params is an opaque JSON parameter bag attached to definitions and instances.
type Params map[string]any

// Instance is one node of a trace's execution tree.
type Instance struct {
	ID                string         `json:"id"`
	TraceID           string         `json:"trace_id"`
	ParentID          *string        `json:"parent_id,omitempty"`
	DefID             *string        `json:"def_id,omitempty"`
	NodePath          string         `json:"node_path"`
	Depth             int            `json:"depth"`
	Status            InstanceStatus `json:"status"`
	DependsOn         []string       `json:"depends_on,omitempty"`
	SplitCount        int            `json:"split_count"`
	CompletedChildren int            `json:"completed_children"`
	ControlSignal     *ControlSignal `json:"control_signal,omitempty"`
	ScheduleType      ScheduleType   `json:"schedule_type"`
	RoundIndex        int            `json:"round_index"`
	InputParams       Params         `json:"input_params,omitempty"`
	OutputRef         *string        `json:"output_ref,omitempty"`
	ErrorDetail       *string        `json:"error_detail,omitempty"`
	WorkerID          *string        `json:"worker_id,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// SubtreePrefix is the node-path prefix shared by every descendant of this
// instance. It is the sole mechanism for subtree queries.
func (i Instance) SubtreePrefix() string {
	return i.NodePath + i.ID + "/"
}

// Definition is a reusable task template. Created by the operator API,
// read-only to the engine except for last_triggered_at.
type Definition struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	ScheduleType    ScheduleType `json:"schedule_type"`
	CronExpr        *string      `json:"cron_expr,omitempty"`
	LoopMaxRounds   int          `json:"loop_max_rounds"`
	LoopIntervalSec int          `json:"loop_interval_sec"`
	DefaultParams   Params       `json:"default_params,omitempty"`
	MaxRetries      int          `json:"max_retries"`
	RetryDelaySec   int          `json:"retry_delay_sec"`
	TimeoutSec      int          `json:"timeout_sec"`
	IsActive        bool         `json:"is_active"`
	LastTriggeredAt *time.Time   `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Timeout returns the definition's execution timeout, falling back to the
// engine-wide default when unset.
func (d Definition) Timeout(fallback time.Duration) time.Duration {
	if d.TimeoutSec <= 0 {
		return fallback
	}
	return time.Duration(d.TimeoutSec) * time.Second
}

// DispatchItem is one delivery pulled from the dispatch queue.
type DispatchItem struct {
	InstanceID    string
	RetryCount    int
	DeliveryCount int
}

// StatusCount aggregates instance counts per status for a trace.
type StatusCount struct {
	Status InstanceStatus `json:"status"`
	Count  int            `json:"count"`
}
