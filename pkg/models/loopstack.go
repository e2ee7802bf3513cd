// Package models defines the shared data types for the LoopStacks control
// plane: loop definitions, execution records, bids, agent results, and the
// declarative cluster resources they are loaded from.
package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ── Aggregation strategies ───────────────────────────────────

const (
	StrategyHighestConfidence = "highest_confidence"
	StrategyCollectAll        = "collect_all"
	StrategyConsensus         = "consensus"
	StrategyWeightedAverage   = "weighted_average"
	StrategyFirstValid        = "first_valid"
	StrategyMergeObjects      = "merge_objects"
)

// ValidStrategies lists every recognized aggregation strategy tag.
var ValidStrategies = []string{
	StrategyHighestConfidence,
	StrategyCollectAll,
	StrategyConsensus,
	StrategyWeightedAverage,
	StrategyFirstValid,
	StrategyMergeObjects,
}

// DefaultConsensusThreshold applies when a consensus strategy leaves the
// threshold unset.
const DefaultConsensusThreshold = 0.5

// AggregationStrategy names the rule for combining multiple agent results
// into one, plus its optional parameters.
type AggregationStrategy struct {
	Strategy            string   `json:"strategy" yaml:"strategy"`
	MinimumAgents       *int     `json:"minimumAgents,omitempty" yaml:"minimumAgents,omitempty"`
	MaximumAgents       *int     `json:"maximumAgents,omitempty" yaml:"maximumAgents,omitempty"`
	ConfidenceThreshold *float64 `json:"confidenceThreshold,omitempty" yaml:"confidenceThreshold,omitempty"`
	ConsensusThreshold  *float64 `json:"consensusThreshold,omitempty" yaml:"consensusThreshold,omitempty"`
}

// MinAgents returns the effective minimum result count (1 when unset).
func (s AggregationStrategy) MinAgents() int {
	if s.MinimumAgents != nil && *s.MinimumAgents > 0 {
		return *s.MinimumAgents
	}
	return 1
}

// MaxAgents returns the effective maximum agent count. Zero means "all".
func (s AggregationStrategy) MaxAgents() int {
	if s.MaximumAgents != nil && *s.MaximumAgents > 0 {
		return *s.MaximumAgents
	}
	return 0
}

// Consensus returns the effective consensus threshold.
func (s AggregationStrategy) Consensus() float64 {
	if s.ConsensusThreshold != nil {
		return *s.ConsensusThreshold
	}
	return DefaultConsensusThreshold
}

// ── Loop definitions ─────────────────────────────────────────

// MinLoopTimeout is the smallest allowed per-loop timeout.
const MinLoopTimeout = 100 * time.Millisecond

// LoopDefinition identifies one named unit of work. Immutable once part of
// a loaded loopstack.
type LoopDefinition struct {
	// LoopID is a stable identifier like IN, BID, DO, OUT.
	LoopID               string   `json:"loopId" yaml:"loopId"`
	RequiredCapabilities []string `json:"requiredCapabilities" yaml:"requiredCapabilities"`
	// TimeoutMs is the per-agent invocation deadline in milliseconds.
	TimeoutMs   int64               `json:"timeout" yaml:"timeout"`
	Aggregation AggregationStrategy `json:"aggregation" yaml:"aggregation"`
}

// Timeout returns the loop timeout as a duration.
func (l LoopDefinition) Timeout() time.Duration {
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

// LoopStackMetadata names and versions a loopstack.
type LoopStackMetadata struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// LoopStackSpec holds the loops of a loopstack plus the optional
// distributed-pipeline configuration.
type LoopStackSpec struct {
	Loops []LoopDefinition `json:"loops" yaml:"loops"`
	// Capabilities announced when the pipeline opens bidding. Defaults to
	// the union of the loops' required capabilities.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	// Phases configures the bidding and output phases of the distributed
	// pipeline.
	Phases *PipelineConfig `json:"phases,omitempty" yaml:"phases,omitempty"`
}

// AnnouncedCapabilities returns the capability tags announced to agents.
func (s LoopStackSpec) AnnouncedCapabilities() []string {
	if len(s.Capabilities) > 0 {
		return s.Capabilities
	}
	var union []string
	seen := make(map[string]struct{})
	for _, loop := range s.Loops {
		for _, cap := range loop.RequiredCapabilities {
			if _, ok := seen[cap]; ok {
				continue
			}
			seen[cap] = struct{}{}
			union = append(union, cap)
		}
	}
	return union
}

// SelectionBest and friends name the bid selection strategies.
const (
	SelectionBest   = "best"
	SelectionFirst  = "first"
	SelectionRandom = "random"
	SelectionAll    = "all"
)

// DefaultMaxBids caps how many bids a selection takes when unset.
const DefaultMaxBids = 10

// Output aggregation modes for the distributed pipeline.
const (
	OutputSelect    = "select"
	OutputConsensus = "consensus"
	OutputMerge     = "merge"
)

// PipelineConfig configures the distributed bid/select/execute/aggregate
// cycle of a loopstack.
type PipelineConfig struct {
	Bidding BiddingConfig `json:"bidding,omitempty" yaml:"bidding,omitempty"`
	Output  OutputConfig  `json:"output,omitempty" yaml:"output,omitempty"`
}

// BiddingConfig selects which bidders advance to execution.
type BiddingConfig struct {
	SelectionStrategy string `json:"selectionStrategy,omitempty" yaml:"selectionStrategy,omitempty"`
	MaxBids           int    `json:"maxBids,omitempty" yaml:"maxBids,omitempty"`
}

// Strategy returns the effective selection strategy.
func (b BiddingConfig) Strategy() string {
	if b.SelectionStrategy == "" {
		return SelectionBest
	}
	return b.SelectionStrategy
}

// Limit returns the effective bid cap.
func (b BiddingConfig) Limit() int {
	if b.MaxBids <= 0 {
		return DefaultMaxBids
	}
	return b.MaxBids
}

// OutputConfig selects how the execution phase's raw results become the
// final output.
type OutputConfig struct {
	AggregationStrategy string `json:"aggregationStrategy,omitempty" yaml:"aggregationStrategy,omitempty"`
}

// Mode returns the effective output aggregation mode.
func (o OutputConfig) Mode() string {
	if o.AggregationStrategy == "" {
		return OutputMerge
	}
	return o.AggregationStrategy
}

// LoopStackDefinition is a named, versioned collection of loop definitions,
// loaded and replaced as a unit.
type LoopStackDefinition struct {
	Metadata LoopStackMetadata `json:"metadata" yaml:"metadata"`
	Spec     LoopStackSpec     `json:"spec" yaml:"spec"`
}

// Loop returns the definition with the given loop id, if present.
func (d *LoopStackDefinition) Loop(loopID string) (*LoopDefinition, bool) {
	for i := range d.Spec.Loops {
		if d.Spec.Loops[i].LoopID == loopID {
			return &d.Spec.Loops[i], true
		}
	}
	return nil, false
}

// ── Validation ───────────────────────────────────────────────

var (
	namePattern    = regexp.MustCompile(`^[a-z0-9-]+$`)
	versionPattern = regexp.MustCompile(`^v\d+\.\d+\.\d+$`)
	loopIDPattern  = regexp.MustCompile(`^[A-Z_]+$`)
)

// Validate checks the loopstack against the schema rules. All violations
// are collected and reported together, one message per violation.
func (d *LoopStackDefinition) Validate() error {
	var errs []string

	if !namePattern.MatchString(d.Metadata.Name) {
		errs = append(errs, "metadata name must match pattern ^[a-z0-9-]+$")
	}
	if !versionPattern.MatchString(d.Metadata.Version) {
		errs = append(errs, `metadata version must match pattern ^v\d+\.\d+\.\d+$`)
	}
	if len(d.Spec.Loops) == 0 {
		errs = append(errs, "at least one loop is required")
	}
	for i, loop := range d.Spec.Loops {
		for _, msg := range loop.validate() {
			errs = append(errs, fmt.Sprintf("loop %d: %s", i, msg))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks a single loop definition.
func (l LoopDefinition) Validate() error {
	if errs := l.validate(); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(errs, "; "))
	}
	return nil
}

func (l LoopDefinition) validate() []string {
	var errs []string

	if !loopIDPattern.MatchString(l.LoopID) {
		errs = append(errs, "loopId must match pattern ^[A-Z_]+$")
	}
	if len(l.RequiredCapabilities) == 0 {
		errs = append(errs, "at least one required capability must be specified")
	}
	if l.Timeout() < MinLoopTimeout {
		errs = append(errs, "timeout must be at least 100 milliseconds")
	}

	known := false
	for _, s := range ValidStrategies {
		if l.Aggregation.Strategy == s {
			known = true
			break
		}
	}
	if !known {
		errs = append(errs, fmt.Sprintf("invalid aggregation strategy: %s", l.Aggregation.Strategy))
	}

	if l.Aggregation.MinimumAgents != nil && *l.Aggregation.MinimumAgents < 1 {
		errs = append(errs, "minimumAgents must be at least 1")
	}
	if l.Aggregation.MaximumAgents != nil && *l.Aggregation.MaximumAgents < 1 {
		errs = append(errs, "maximumAgents must be at least 1")
	}
	if t := l.Aggregation.ConfidenceThreshold; t != nil && (*t < 0 || *t > 1) {
		errs = append(errs, "confidenceThreshold must be between 0 and 1")
	}
	if t := l.Aggregation.ConsensusThreshold; t != nil && (*t < 0 || *t > 1) {
		errs = append(errs, "consensusThreshold must be between 0 and 1")
	}

	return errs
}
