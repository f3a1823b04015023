package engine

import "errors"

var (
	// ErrDefinitionInactive indicates a trace start against a disabled definition.
	ErrDefinitionInactive = errors.New("definition inactive")

	// ErrInstanceTraceMismatch indicates a signal targeted an instance that
	// does not belong to the given trace.
	ErrInstanceTraceMismatch = errors.New("instance does not belong to trace")

	// ErrUnknownSignal indicates an unrecognized control signal value.
	ErrUnknownSignal = errors.New("unknown control signal")

	// ErrSignalTargetRequired indicates a signal with neither trace nor instance.
	ErrSignalTargetRequired = errors.New("trace id or instance id required")
)
