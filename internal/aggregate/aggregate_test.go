package aggregate_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopstacks/control-plane/internal/aggregate"
	"github.com/loopstacks/control-plane/pkg/models"
)

func strategy(name string) models.AggregationStrategy {
	return models.AggregationStrategy{Strategy: name}
}

func TestAggregate_EmptyResultsRejected(t *testing.T) {
	for _, name := range models.ValidStrategies {
		_, err := aggregate.Aggregate(nil, strategy(name))
		require.Error(t, err, "strategy %s", name)
		assert.True(t, errors.Is(err, models.ErrAggregation), "strategy %s", name)
	}
}

func TestAggregate_BelowMinimumRejected(t *testing.T) {
	min := 3
	s := models.AggregationStrategy{Strategy: models.StrategyCollectAll, MinimumAgents: &min}
	_, err := aggregate.Aggregate([]models.AgentResult{
		{AgentID: "a", Result: 1.0},
		{AgentID: "b", Result: 2.0},
	}, s)
	require.ErrorIs(t, err, models.ErrAggregation)
}

func TestHighestConfidence_FirstMaxWins(t *testing.T) {
	out, err := aggregate.Aggregate([]models.AgentResult{
		{AgentID: "a", Confidence: 0.3, Result: "A"},
		{AgentID: "b", Confidence: 0.9, Result: "B"},
		{AgentID: "c", Confidence: 0.9, Result: "C"},
	}, strategy(models.StrategyHighestConfidence))
	require.NoError(t, err)
	assert.Equal(t, "B", out)
}

func TestCollectAll_PreservesInputOrder(t *testing.T) {
	out, err := aggregate.Aggregate([]models.AgentResult{
		{AgentID: "a", Result: "one"},
		{AgentID: "b", Result: "two"},
		{AgentID: "c", Result: "three"},
	}, strategy(models.StrategyCollectAll))
	require.NoError(t, err)
	assert.Equal(t, []any{"one", "two", "three"}, out)
}

func TestFirstValid_ReturnsFirst(t *testing.T) {
	out, err := aggregate.Aggregate([]models.AgentResult{
		{AgentID: "a", Result: 42.0},
		{AgentID: "b", Result: 99.0},
	}, strategy(models.StrategyFirstValid))
	require.NoError(t, err)
	assert.Equal(t, 42.0, out)
}

func TestWeightedAverage(t *testing.T) {
	out, err := aggregate.Aggregate([]models.AgentResult{
		{AgentID: "a", Confidence: 1, Result: 10.0},
		{AgentID: "b", Confidence: 3, Result: 20.0},
	}, strategy(models.StrategyWeightedAverage))
	require.NoError(t, err)
	assert.InDelta(t, 17.5, out.(float64), 1e-9)
}

func TestWeightedAverage_NonNumericRejected(t *testing.T) {
	_, err := aggregate.Aggregate([]models.AgentResult{
		{AgentID: "a", Confidence: 1, Result: "ten"},
	}, strategy(models.StrategyWeightedAverage))
	require.ErrorIs(t, err, models.ErrAggregation)
}

func TestWeightedAverage_ZeroConfidenceRejected(t *testing.T) {
	_, err := aggregate.Aggregate([]models.AgentResult{
		{AgentID: "a", Confidence: 0, Result: 10.0},
		{AgentID: "b", Confidence: 0, Result: 20.0},
	}, strategy(models.StrategyWeightedAverage))
	require.ErrorIs(t, err, models.ErrAggregation)
}

func TestConsensus_MajorityWins(t *testing.T) {
	out, err := aggregate.Aggregate([]models.AgentResult{
		{AgentID: "a", Result: "x"},
		{AgentID: "b", Result: "x"},
		{AgentID: "c", Result: "y"},
	}, strategy(models.StrategyConsensus))
	require.NoError(t, err)
	assert.Equal(t, "x", out)
}

func TestConsensus_HighThresholdRejects(t *testing.T) {
	threshold := 0.8
	s := models.AggregationStrategy{Strategy: models.StrategyConsensus, ConsensusThreshold: &threshold}
	_, err := aggregate.Aggregate([]models.AgentResult{
		{AgentID: "a", Result: "x"},
		{AgentID: "b", Result: "x"},
		{AgentID: "c", Result: "y"},
	}, s)
	require.ErrorIs(t, err, models.ErrAggregation)
}

func TestConsensus_FirstQualifyingGroupWins(t *testing.T) {
	// Both groups reach 0.5; the group first encountered in input order
	// must win.
	out, err := aggregate.Aggregate([]models.AgentResult{
		{AgentID: "a", Result: "x"},
		{AgentID: "b", Result: "y"},
		{AgentID: "c", Result: "x"},
		{AgentID: "d", Result: "y"},
	}, strategy(models.StrategyConsensus))
	require.NoError(t, err)
	assert.Equal(t, "x", out)
}

func TestMergeObjects_LaterKeysOverwrite(t *testing.T) {
	out, err := aggregate.Aggregate([]models.AgentResult{
		{AgentID: "a", Result: map[string]any{"a": 1}},
		{AgentID: "b", Result: map[string]any{"a": 2, "b": 3}},
	}, strategy(models.StrategyMergeObjects))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 2, "b": 3}, out)
}

func TestMergeObjects_NonObjectRejected(t *testing.T) {
	_, err := aggregate.Aggregate([]models.AgentResult{
		{AgentID: "a", Result: map[string]any{"a": 1}},
		{AgentID: "b", Result: "not an object"},
	}, strategy(models.StrategyMergeObjects))
	require.ErrorIs(t, err, models.ErrAggregation)
}

func TestAggregate_UnknownStrategyRejected(t *testing.T) {
	_, err := aggregate.Aggregate([]models.AgentResult{
		{AgentID: "a", Result: 1.0},
	}, strategy("majority_vote"))
	require.ErrorIs(t, err, models.ErrAggregation)
}
