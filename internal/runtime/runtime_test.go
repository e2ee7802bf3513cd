package runtime_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopstacks/control-plane/internal/runtime"
	"github.com/loopstacks/control-plane/pkg/models"
)

// fakeAgent is a scriptable agent for tests.
type fakeAgent struct {
	id         string
	caps       []string
	confidence float64
	result     any
	err        error
	delay      time.Duration
}

func (f *fakeAgent) ID() string             { return f.id }
func (f *fakeAgent) Capabilities() []string { return f.caps }

func (f *fakeAgent) Execute(ctx context.Context, loopID string, input any) (models.AgentResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return models.AgentResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return models.AgentResult{}, f.err
	}
	return models.AgentResult{AgentID: f.id, Confidence: f.confidence, Result: f.result}, nil
}

func testLoop(timeoutMs int64, strategy string) models.LoopDefinition {
	return models.LoopDefinition{
		LoopID:               "CLASSIFY",
		RequiredCapabilities: []string{"classify"},
		TimeoutMs:            timeoutMs,
		Aggregation:          models.AggregationStrategy{Strategy: strategy},
	}
}

func testStack(loop models.LoopDefinition) models.LoopStackDefinition {
	return models.LoopStackDefinition{
		Metadata: models.LoopStackMetadata{Name: "test-stack", Version: "v1.0.0"},
		Spec:     models.LoopStackSpec{Loops: []models.LoopDefinition{loop}},
	}
}

// ─── Registry ────────────────────────────────────────────────

func TestRegistry_FindCapableRequiresAllTags(t *testing.T) {
	r := runtime.NewRegistry()
	r.Register(&fakeAgent{id: "both", caps: []string{"x", "y"}})
	r.Register(&fakeAgent{id: "only-x", caps: []string{"x"}})
	r.Register(&fakeAgent{id: "only-y", caps: []string{"y"}})

	capable := r.FindCapable([]string{"x", "y"})
	require.Len(t, capable, 1)
	assert.Equal(t, "both", capable[0].ID())
}

func TestRegistry_RegistrationOrderPreserved(t *testing.T) {
	r := runtime.NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		r.Register(&fakeAgent{id: id, caps: []string{"x"}})
	}

	capable := r.FindCapable([]string{"x"})
	require.Len(t, capable, 3)
	assert.Equal(t, "c", capable[0].ID())
	assert.Equal(t, "a", capable[1].ID())
	assert.Equal(t, "b", capable[2].ID())
}

func TestRegistry_RegisterReplacesByID(t *testing.T) {
	r := runtime.NewRegistry()
	r.Register(&fakeAgent{id: "a", caps: []string{"x"}})
	r.Register(&fakeAgent{id: "a", caps: []string{"y"}})

	assert.Equal(t, 1, r.Len())
	assert.Empty(t, r.FindCapable([]string{"x"}))
	assert.Len(t, r.FindCapable([]string{"y"}), 1)
}

func TestRegistry_UnregisterAbsentIsNoop(t *testing.T) {
	r := runtime.NewRegistry()
	r.Unregister("ghost")
	assert.Equal(t, 0, r.Len())
}

// ─── Dispatcher via ExecuteLoop ──────────────────────────────

func TestExecuteLoop_AggregatesHighestConfidence(t *testing.T) {
	rt := runtime.New()
	require.NoError(t, rt.LoadLoopStack(testStack(testLoop(500, models.StrategyHighestConfidence))))

	rt.Registry().Register(&fakeAgent{id: "a", caps: []string{"classify"}, confidence: 0.4, result: "cat"})
	rt.Registry().Register(&fakeAgent{id: "b", caps: []string{"classify"}, confidence: 0.9, result: "dog"})

	res, err := rt.ExecuteLoop(context.Background(), "CLASSIFY", map[string]any{"text": "woof"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "dog", res.Result)
	assert.Len(t, res.AgentResults, 2)
}

func TestExecuteLoop_TimedOutAgentContributesNothing(t *testing.T) {
	rt := runtime.New()
	require.NoError(t, rt.LoadLoopStack(testStack(testLoop(150, models.StrategyCollectAll))))

	rt.Registry().Register(&fakeAgent{id: "fast", caps: []string{"classify"}, confidence: 0.5, result: "ok"})
	rt.Registry().Register(&fakeAgent{id: "slow", caps: []string{"classify"}, confidence: 0.9, result: "late", delay: 2 * time.Second})

	res, err := rt.ExecuteLoop(context.Background(), "CLASSIFY", "input")
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.AgentResults, 1)
	assert.Equal(t, "fast", res.AgentResults[0].AgentID)
}

func TestExecuteLoop_AllAgentsTimeOut(t *testing.T) {
	rt := runtime.New()
	require.NoError(t, rt.LoadLoopStack(testStack(testLoop(120, models.StrategyCollectAll))))

	rt.Registry().Register(&fakeAgent{id: "slow1", caps: []string{"classify"}, delay: time.Second})
	rt.Registry().Register(&fakeAgent{id: "slow2", caps: []string{"classify"}, delay: time.Second})

	res, err := rt.ExecuteLoop(context.Background(), "CLASSIFY", "input")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.AgentResults)
	assert.Contains(t, res.Error, "no results to aggregate")
}

func TestExecuteLoop_FailedAgentsSilentlyExcluded(t *testing.T) {
	rt := runtime.New()
	require.NoError(t, rt.LoadLoopStack(testStack(testLoop(500, models.StrategyCollectAll))))

	rt.Registry().Register(&fakeAgent{id: "broken", caps: []string{"classify"}, err: errors.New("boom")})
	rt.Registry().Register(&fakeAgent{id: "good", caps: []string{"classify"}, result: "fine"})

	res, err := rt.ExecuteLoop(context.Background(), "CLASSIFY", "input")
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, res.AgentResults, 1)
	assert.Equal(t, "good", res.AgentResults[0].AgentID)
}

func TestDispatch_SurfacePolicyCollectsReasons(t *testing.T) {
	d := &runtime.Dispatcher{OnAgentFailure: runtime.FailureSurface}
	agents := []runtime.Agent{
		&fakeAgent{id: "broken", caps: []string{"classify"}, err: errors.New("boom")},
		&fakeAgent{id: "slow", caps: []string{"classify"}, delay: time.Second},
		&fakeAgent{id: "good", caps: []string{"classify"}, result: "fine"},
	}

	results, stats := d.Dispatch(context.Background(), testLoop(120, models.StrategyCollectAll), agents, "input")
	require.Len(t, results, 1)
	assert.Equal(t, 3, stats.Invoked)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.TimedOut)
	assert.Len(t, stats.Reasons, 2)
}

func TestDispatch_DiscardPolicyKeepsCountsOnly(t *testing.T) {
	d := &runtime.Dispatcher{}
	agents := []runtime.Agent{
		&fakeAgent{id: "broken", caps: []string{"classify"}, err: errors.New("boom")},
	}

	results, stats := d.Dispatch(context.Background(), testLoop(500, models.StrategyCollectAll), agents, "input")
	assert.Empty(t, results)
	assert.Equal(t, 1, stats.Failed)
	assert.Empty(t, stats.Reasons)
}

func TestExecuteLoop_MaximumAgentsCapsFanout(t *testing.T) {
	max := 2
	loop := testLoop(500, models.StrategyCollectAll)
	loop.Aggregation.MaximumAgents = &max

	rt := runtime.New()
	require.NoError(t, rt.LoadLoopStack(testStack(loop)))
	for _, id := range []string{"a", "b", "c", "d"} {
		rt.Registry().Register(&fakeAgent{id: id, caps: []string{"classify"}, result: id})
	}

	res, err := rt.ExecuteLoop(context.Background(), "CLASSIFY", "input")
	require.NoError(t, err)
	assert.Len(t, res.AgentResults, 2)
}

func TestExecuteLoop_NoCapableAgents(t *testing.T) {
	rt := runtime.New()
	require.NoError(t, rt.LoadLoopStack(testStack(testLoop(500, models.StrategyCollectAll))))
	rt.Registry().Register(&fakeAgent{id: "other", caps: []string{"translate"}})

	res, err := rt.ExecuteLoop(context.Background(), "CLASSIFY", "input")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no agents available")
}

func TestExecuteLoop_UnknownLoop(t *testing.T) {
	rt := runtime.New()
	require.NoError(t, rt.LoadLoopStack(testStack(testLoop(500, models.StrategyCollectAll))))

	_, err := rt.ExecuteLoop(context.Background(), "NOPE", "input")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestExecuteLoop_NoLoopStackLoaded(t *testing.T) {
	rt := runtime.New()
	_, err := rt.ExecuteLoop(context.Background(), "CLASSIFY", "input")
	require.ErrorIs(t, err, models.ErrValidation)
}

// ─── LoadLoopStack validation ────────────────────────────────

func TestLoadLoopStack_RejectsInvalidDefinition(t *testing.T) {
	bad := models.LoopStackDefinition{
		Metadata: models.LoopStackMetadata{Name: "Bad Name!", Version: "1.0"},
	}
	err := runtime.New().LoadLoopStack(bad)
	require.ErrorIs(t, err, models.ErrValidation)
	// One message per violation: name, version, empty loops.
	assert.Contains(t, err.Error(), "metadata name")
	assert.Contains(t, err.Error(), "metadata version")
	assert.Contains(t, err.Error(), "at least one loop")
}

func TestLoadLoopStack_ReplacesPrevious(t *testing.T) {
	rt := runtime.New()
	require.NoError(t, rt.LoadLoopStack(testStack(testLoop(500, models.StrategyCollectAll))))

	other := testLoop(500, models.StrategyCollectAll)
	other.LoopID = "OTHER"
	require.NoError(t, rt.LoadLoopStack(testStack(other)))

	_, err := rt.ExecuteLoop(context.Background(), "CLASSIFY", "input")
	require.ErrorIs(t, err, models.ErrNotFound)
}
