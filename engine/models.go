package engine

import "github.com/okulov-dev/traceflow/state"

// ChildSpec describes one child in a topology expansion. Topology itself is
// decided outside the engine and accepted as input here. Key names the child
// within the expansion so that DependsOn can reference siblings before their
// ids exist.
type ChildSpec struct {
	Key          string             `json:"key"`
	DefID        *string            `json:"def_id,omitempty"`
	ScheduleType state.ScheduleType `json:"schedule_type,omitempty"`
	DependsOn    []string           `json:"depends_on,omitempty"`
	InputParams  state.Params       `json:"input_params,omitempty"`
}

// TraceSummary is the read-only status projection for a trace.
type TraceSummary struct {
	TraceID string               `json:"trace_id"`
	Counts  []state.StatusCount  `json:"counts"`
	Signal  *state.ControlSignal `json:"signal,omitempty"`
}

// StartTraceResult reports the identifiers created by StartTrace.
type StartTraceResult struct {
	TraceID        string `json:"trace_id"`
	RootInstanceID string `json:"root_instance_id"`
}
