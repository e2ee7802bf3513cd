package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loopstacks/control-plane/internal/aggregate"
	"github.com/loopstacks/control-plane/pkg/models"
)

// LoopExecutionResult is the outcome of one in-process loop run.
type LoopExecutionResult struct {
	LoopID          string               `json:"loopId"`
	Success         bool                 `json:"success"`
	Result          any                  `json:"result,omitempty"`
	Error           string               `json:"error,omitempty"`
	ExecutionTimeMs int64                `json:"executionTime"`
	AgentResults    []models.AgentResult `json:"agentResults"`
}

// Runtime holds agent objects directly and runs loops against them without
// leaving the process. It shares the aggregation model with the
// distributed coordinator.
type Runtime struct {
	registry   *Registry
	dispatcher *Dispatcher

	mu        sync.RWMutex
	loopStack *models.LoopStackDefinition
}

// New creates a runtime with an empty registry and default dispatch
// policy.
func New() *Runtime {
	return &Runtime{
		registry:   NewRegistry(),
		dispatcher: &Dispatcher{},
	}
}

// Registry exposes the runtime's agent registry.
func (rt *Runtime) Registry() *Registry {
	return rt.registry
}

// SetFailurePolicy changes how the dispatcher treats individual agent
// failures.
func (rt *Runtime) SetFailurePolicy(p FailurePolicy) {
	rt.dispatcher.OnAgentFailure = p
}

// LoadLoopStack validates the definition and installs it, replacing any
// previously loaded loopstack.
func (rt *Runtime) LoadLoopStack(def models.LoopStackDefinition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid loopstack definition: %w", err)
	}
	rt.mu.Lock()
	rt.loopStack = &def
	rt.mu.Unlock()

	log.Info().
		Str("loopstack", def.Metadata.Name).
		Str("version", def.Metadata.Version).
		Int("loops", len(def.Spec.Loops)).
		Msg("loopstack loaded")
	return nil
}

// ExecuteLoop runs one loop: capability match, concurrent dispatch,
// aggregation. Agent-level failures are absorbed by the dispatcher; only
// capability and aggregation failures fail the run, and those are reported
// in the result rather than as an error return.
func (rt *Runtime) ExecuteLoop(ctx context.Context, loopID string, input any) (LoopExecutionResult, error) {
	rt.mu.RLock()
	stack := rt.loopStack
	rt.mu.RUnlock()

	if stack == nil {
		return LoopExecutionResult{}, fmt.Errorf("%w: no loopstack definition loaded", models.ErrValidation)
	}
	loop, ok := stack.Loop(loopID)
	if !ok {
		return LoopExecutionResult{}, fmt.Errorf("%w: loop %s not found in loopstack definition",
			models.ErrNotFound, loopID)
	}

	start := time.Now()
	capable := rt.registry.FindCapable(loop.RequiredCapabilities)
	if len(capable) == 0 {
		return LoopExecutionResult{
			LoopID:  loopID,
			Success: false,
			Error: fmt.Sprintf("no agents available with required capabilities: %s",
				strings.Join(loop.RequiredCapabilities, ", ")),
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			AgentResults:    []models.AgentResult{},
		}, nil
	}

	results, stats := rt.dispatcher.Dispatch(ctx, *loop, capable, input)
	log.Debug().
		Str("loop", loopID).
		Int("invoked", stats.Invoked).
		Int("succeeded", stats.Succeeded).
		Int("timed_out", stats.TimedOut).
		Msg("dispatch complete")

	aggregated, err := aggregate.Aggregate(results, loop.Aggregation)
	if err != nil {
		return LoopExecutionResult{
			LoopID:          loopID,
			Success:         false,
			Error:           err.Error(),
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			AgentResults:    results,
		}, nil
	}

	return LoopExecutionResult{
		LoopID:          loopID,
		Success:         true,
		Result:          aggregated,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		AgentResults:    results,
	}, nil
}
