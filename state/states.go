package state

import (
	"errors"
	"fmt"
)

type InstanceStatus string

const (
	StatusPending   InstanceStatus = "PENDING"
	StatusRunning   InstanceStatus = "RUNNING"
	StatusSuccess   InstanceStatus = "SUCCESS"
	StatusFailed    InstanceStatus = "FAILED"
	StatusCancelled InstanceStatus = "CANCELLED"
	StatusSkipped   InstanceStatus = "SKIPPED"
)

// instanceTransitions documents the legal status moves. Terminal statuses
// only allow themselves; LOOP continuation creates a new row per round rather
// than rewinding a terminal one, so monotonicity holds for every row.
var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	StatusPending:   {StatusPending, StatusRunning, StatusFailed, StatusSkipped, StatusCancelled},
	StatusRunning:   {StatusRunning, StatusSuccess, StatusFailed, StatusCancelled},
	StatusSuccess:   {StatusSuccess},
	StatusFailed:    {StatusFailed},
	StatusCancelled: {StatusCancelled},
	StatusSkipped:   {StatusSkipped},
}

// IsTerminal reports whether the status admits no further transitions.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

type ControlSignal string

const (
	SignalCancel ControlSignal = "CANCEL"
	SignalPause  ControlSignal = "PAUSE"
	SignalResume ControlSignal = "RESUME"
)

// ValidSignal reports whether s is a known control signal.
func ValidSignal(s ControlSignal) bool {
	switch s {
	case SignalCancel, SignalPause, SignalResume:
		return true
	default:
		return false
	}
}

type ScheduleType string

const (
	ScheduleOnce ScheduleType = "ONCE"
	ScheduleCron ScheduleType = "CRON"
	ScheduleLoop ScheduleType = "LOOP"
)

// TransitionError signals an illegal status transition detected in the
// persistence layer.
type TransitionError struct {
	ID   string
	From string
	To   string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("instance %s: invalid transition from %s to %s", e.ID, e.From, e.To)
}

// UnknownStateError signals a status value that is not part of the documented
// state machine.
type UnknownStateError struct {
	State string
}

func (e UnknownStateError) Error() string {
	return fmt.Sprintf("instance: unknown status %q", e.State)
}

// ValidateTransition checks a status move against the documented state machine.
func ValidateTransition(id string, from, to InstanceStatus) error {
	allowed, ok := instanceTransitions[from]
	if !ok {
		return UnknownStateError{State: string(from)}
	}
	if _, ok := instanceTransitions[to]; !ok {
		return UnknownStateError{State: string(to)}
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return TransitionError{ID: id, From: string(from), To: string(to)}
}

func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}
