// Package aggregate combines multiple agent results into a single output
// according to a named aggregation strategy. Aggregation is a pure
// function of (results, strategy); it performs no I/O.
package aggregate

import (
	"encoding/json"
	"fmt"

	"github.com/loopstacks/control-plane/pkg/models"
)

// Aggregate applies the strategy to the results, in the order given.
// The caller is responsible for ordering; failed invocations must already
// have been excluded.
func Aggregate(results []models.AgentResult, strategy models.AggregationStrategy) (any, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: no results to aggregate", models.ErrAggregation)
	}
	if min := strategy.MinAgents(); len(results) < min {
		return nil, fmt.Errorf("%w: insufficient results: got %d, minimum required %d",
			models.ErrAggregation, len(results), min)
	}

	switch strategy.Strategy {
	case models.StrategyHighestConfidence:
		return highestConfidence(results), nil
	case models.StrategyCollectAll:
		return collectAll(results), nil
	case models.StrategyFirstValid:
		return results[0].Result, nil
	case models.StrategyWeightedAverage:
		return weightedAverage(results)
	case models.StrategyConsensus:
		return consensus(results, strategy.Consensus())
	case models.StrategyMergeObjects:
		return mergeObjects(results)
	default:
		return nil, fmt.Errorf("%w: unknown aggregation strategy: %s",
			models.ErrAggregation, strategy.Strategy)
	}
}

// highestConfidence keeps the first maximum encountered in input order.
func highestConfidence(results []models.AgentResult) any {
	best := results[0]
	for _, r := range results[1:] {
		if r.Confidence > best.Confidence {
			best = r
		}
	}
	return best.Result
}

func collectAll(results []models.AgentResult) []any {
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = r.Result
	}
	return out
}

func weightedAverage(results []models.AgentResult) (any, error) {
	var weighted, total float64
	for _, r := range results {
		v, ok := asNumber(r.Result)
		if !ok {
			return nil, fmt.Errorf("%w: weighted average only works with numeric results",
				models.ErrAggregation)
		}
		weighted += v * r.Confidence
		total += r.Confidence
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: total confidence is zero", models.ErrAggregation)
	}
	return weighted / total, nil
}

// consensus groups results by deep equality of their payload and selects
// the first group, in first-encountered order, whose share of all results
// meets the threshold.
func consensus(results []models.AgentResult, threshold float64) (any, error) {
	type group struct {
		count  int
		sample any
	}
	var order []string
	groups := make(map[string]*group)

	for _, r := range results {
		key, err := json.Marshal(r.Result)
		if err != nil {
			return nil, fmt.Errorf("%w: unencodable result payload: %v", models.ErrAggregation, err)
		}
		k := string(key)
		g, ok := groups[k]
		if !ok {
			g = &group{sample: r.Result}
			groups[k] = g
			order = append(order, k)
		}
		g.count++
	}

	for _, k := range order {
		g := groups[k]
		if float64(g.count)/float64(len(results)) >= threshold {
			return g.sample, nil
		}
	}
	return nil, fmt.Errorf("%w: no consensus reached with threshold %g",
		models.ErrAggregation, threshold)
}

// mergeObjects shallow-merges object payloads in input order; later keys
// overwrite earlier ones.
func mergeObjects(results []models.AgentResult) (any, error) {
	merged := make(map[string]any)
	for _, r := range results {
		obj, ok := asObject(r.Result)
		if !ok {
			return nil, fmt.Errorf("%w: merge objects only works with object results",
				models.ErrAggregation)
		}
		for k, v := range obj {
			merged[k] = v
		}
	}
	return merged, nil
}

// asNumber accepts the numeric shapes that survive JSON decoding and the
// in-process engine's native Go values.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asObject(v any) (map[string]any, bool) {
	obj, ok := v.(map[string]any)
	if !ok || obj == nil {
		return nil, false
	}
	return obj, true
}
