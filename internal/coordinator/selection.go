package coordinator

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/loopstacks/control-plane/internal/aggregate"
	"github.com/loopstacks/control-plane/pkg/models"
)

// selectBids picks the winning subset out of the collected bids according
// to the bidding config. Unknown strategies fall back to best.
func selectBids(bids []models.Bid, cfg models.BiddingConfig) []models.Bid {
	if len(bids) == 0 {
		return nil
	}
	limit := cfg.Limit()
	if limit > len(bids) {
		limit = len(bids)
	}

	switch cfg.Strategy() {
	case models.SelectionFirst:
		byArrival := append([]models.Bid(nil), bids...)
		sort.SliceStable(byArrival, func(i, j int) bool {
			return byArrival[i].Timestamp < byArrival[j].Timestamp
		})
		return byArrival[:limit]

	case models.SelectionRandom:
		shuffled := append([]models.Bid(nil), bids...)
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		return shuffled[:limit]

	case models.SelectionAll:
		return append([]models.Bid(nil), bids...)[:limit]

	default: // best
		ranked := append([]models.Bid(nil), bids...)
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].Confidence != ranked[j].Confidence {
				return ranked[i].Confidence > ranked[j].Confidence
			}
			return ranked[i].Timestamp < ranked[j].Timestamp
		})
		return ranked[:limit]
	}
}

// aggregateOutput folds the execution phase's results into the final
// output according to the output config mode. No results under select or
// consensus is a failure; merge tolerates it and reports an empty set.
// Unrecognized modes fall back to merge.
func aggregateOutput(results []models.AgentResult, cfg models.OutputConfig) (any, error) {
	switch cfg.Mode() {
	case models.OutputSelect:
		strategy := models.AggregationStrategy{Strategy: models.StrategyHighestConfidence}
		out, err := aggregate.Aggregate(results, strategy)
		if err != nil {
			return nil, fmt.Errorf("output aggregation: %w", err)
		}
		return out, nil

	case models.OutputConsensus:
		strategy := models.AggregationStrategy{Strategy: models.StrategyConsensus}
		out, err := aggregate.Aggregate(results, strategy)
		if err != nil {
			return nil, fmt.Errorf("output aggregation: %w", err)
		}
		return out, nil

	default: // merge
		raw := make([]any, len(results))
		for i, r := range results {
			raw[i] = r.Result
		}
		return map[string]any{
			"results": raw,
			"aggregate": map[string]any{
				"count":     len(results),
				"timestamp": time.Now().UnixMilli(),
			},
		}, nil
	}
}
