package protocol

import (
	"encoding/json"
	"time"
)

// TaskAssignment is the serialized instance state handed to a worker after a
// successful claim.
type TaskAssignment struct {
	InstanceID   string         `json:"instance_id"`
	TraceID      string         `json:"trace_id"`
	DefID        string         `json:"def_id,omitempty"`
	ScheduleType string         `json:"schedule_type"`
	RoundIndex   int            `json:"round_index"`
	InputParams  map[string]any `json:"input_params,omitempty"`
	ClaimedAt    time.Time      `json:"claimed_at"`
	WorkerID     string         `json:"worker_id"`
}

type CompleteStatus string

const (
	CompleteStatusSucceeded CompleteStatus = "SUCCEEDED"
	CompleteStatusFailed    CompleteStatus = "FAILED"
)

// Complete is reported by a worker when execution of an instance finishes.
// Either OutputRef or inline Output may be set on success; inline output is
// persisted through the payload store and replaced with a reference.
type Complete struct {
	InstanceID string          `json:"instance_id"`
	Status     CompleteStatus  `json:"status"`
	OutputRef  string          `json:"output_ref,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}
