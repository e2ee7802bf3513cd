package runtime

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loopstacks/control-plane/pkg/models"
)

// FailurePolicy controls what the dispatcher does with individual agent
// failures and timeouts.
type FailurePolicy string

const (
	// FailureDiscard drops failed invocations silently. The default;
	// matches the coordinator's contract that per-agent failures never
	// fail a run on their own.
	FailureDiscard FailurePolicy = "discard"

	// FailureSurface still excludes failed invocations from the result
	// list but reports counts and reasons through DispatchStats.
	FailureSurface FailurePolicy = "surface"
)

// DispatchStats is the observability side-channel for a dispatch: how many
// invocations ran, succeeded, failed, or timed out. Reasons are only
// collected under FailureSurface.
type DispatchStats struct {
	Invoked   int
	Succeeded int
	Failed    int
	TimedOut  int
	Reasons   []string
}

// Dispatcher invokes agents concurrently under per-agent deadlines.
type Dispatcher struct {
	// OnAgentFailure selects the failure policy. Empty means discard.
	OnAgentFailure FailurePolicy
}

type dispatchOutcome struct {
	result   models.AgentResult
	err      error
	timedOut bool
	agentID  string
}

// Dispatch invokes up to maximumAgents of the given agents concurrently,
// each bounded by the loop's timeout. Invocations that error or exceed the
// deadline contribute nothing to the returned slice; the slow call itself
// is not interrupted, only its result is discarded. Results are returned
// in completion order. Zero successes yield an empty slice and no error —
// rejecting runs below minimumAgents is the aggregator's job.
func (d *Dispatcher) Dispatch(ctx context.Context, loop models.LoopDefinition, agents []Agent, input any) ([]models.AgentResult, DispatchStats) {
	selected := agents
	if max := loop.Aggregation.MaxAgents(); max > 0 && max < len(selected) {
		selected = selected[:max]
	}

	stats := DispatchStats{Invoked: len(selected)}
	if len(selected) == 0 {
		return []models.AgentResult{}, stats
	}

	outcomes := make(chan dispatchOutcome, len(selected))
	for _, agent := range selected {
		go d.invoke(ctx, agent, loop, input, outcomes)
	}

	results := make([]models.AgentResult, 0, len(selected))
	for i := 0; i < len(selected); i++ {
		out := <-outcomes
		switch {
		case out.err == nil:
			stats.Succeeded++
			results = append(results, out.result)
		case out.timedOut:
			stats.TimedOut++
			d.noteFailure(&stats, out)
		default:
			stats.Failed++
			d.noteFailure(&stats, out)
		}
	}
	return results, stats
}

// invoke races one agent call against the loop timeout. Whichever settles
// first wins; the loser's eventual outcome never surfaces.
func (d *Dispatcher) invoke(ctx context.Context, agent Agent, loop models.LoopDefinition, input any, outcomes chan<- dispatchOutcome) {
	timeoutCtx, cancel := context.WithTimeout(ctx, loop.Timeout())
	defer cancel()

	start := time.Now()
	done := make(chan dispatchOutcome, 1)
	go func() {
		result, err := agent.Execute(timeoutCtx, loop.LoopID, input)
		if err == nil {
			result.AgentID = agent.ID()
			result.ExecutionTimeMs = time.Since(start).Milliseconds()
		}
		done <- dispatchOutcome{result: result, err: err, agentID: agent.ID()}
	}()

	select {
	case out := <-done:
		outcomes <- out
	case <-timeoutCtx.Done():
		outcomes <- dispatchOutcome{
			err:      timeoutCtx.Err(),
			timedOut: true,
			agentID:  agent.ID(),
		}
	}
}

func (d *Dispatcher) noteFailure(stats *DispatchStats, out dispatchOutcome) {
	if d.OnAgentFailure == FailureSurface {
		stats.Reasons = append(stats.Reasons, out.agentID+": "+out.err.Error())
		return
	}
	log.Debug().
		Str("agent", out.agentID).
		Err(out.err).
		Msg("agent invocation discarded")
}
