package models

import "errors"

// Sentinel errors used across the control plane. Handlers and the
// coordinator classify failures with errors.Is against these.
var (
	// ErrValidation marks malformed definitions or bad input, rejected
	// before any state mutation.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks lookups of unknown loops, executions, or agents.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks operations rejected because the target is in a
	// terminal state (e.g. cancelling a completed execution).
	ErrConflict = errors.New("conflict")

	// ErrNoCapableAgents marks a loop with no registered agent satisfying
	// its required capabilities.
	ErrNoCapableAgents = errors.New("no capable agents")

	// ErrAggregation marks insufficient results, wrong payload types, or
	// no consensus during result aggregation.
	ErrAggregation = errors.New("aggregation error")

	// ErrStore marks connectivity or persistence failures in the
	// execution state store.
	ErrStore = errors.New("store error")
)
