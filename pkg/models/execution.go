package models

import "time"

// ── Execution lifecycle ──────────────────────────────────────

// ExecutionStatus is the overall state of a loop execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is absorbing: once reached, no
// further phase writes count as progress.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// PhaseStatus is the state of one execution phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
)

// Phase names, in pipeline order.
const (
	PhaseIntake    = "intake"
	PhaseBidding   = "bidding"
	PhaseExecution = "execution"
	PhaseOutput    = "output"
)

// Phase tracks one stage of the bidding pipeline.
type Phase struct {
	Status         PhaseStatus   `json:"status"`
	StartTime      string        `json:"startTime,omitempty"`
	EndTime        string        `json:"endTime,omitempty"`
	SelectedAgents []Bid         `json:"selectedAgents,omitempty"`
	Results        []AgentResult `json:"results,omitempty"`
	Result         any           `json:"result,omitempty"`
}

// DefaultRealm is the routing domain used when a request names none.
const DefaultRealm = "default-realm"

// LoopExecution is the durable record of one orchestration run. The store
// owns the authoritative copy; the coordinator is the sole writer.
type LoopExecution struct {
	ExecutionID string            `json:"executionId"`
	Loopstack   string            `json:"loopstack"`
	Input       any               `json:"input"`
	Realm       string            `json:"realm"`
	Config      map[string]any    `json:"config,omitempty"`
	Status      ExecutionStatus   `json:"status"`
	Phases      map[string]*Phase `json:"phases"`
	Error       string            `json:"error,omitempty"`
	StartTime   string            `json:"startTime,omitempty"`
	EndTime     string            `json:"endTime,omitempty"`
	CreatedAt   int64             `json:"createdAt,omitempty"`
	UpdatedAt   int64             `json:"updatedAt,omitempty"`
}

// NewPhases returns the four pipeline phases, all pending.
func NewPhases() map[string]*Phase {
	return map[string]*Phase{
		PhaseIntake:    {Status: PhasePending},
		PhaseBidding:   {Status: PhasePending},
		PhaseExecution: {Status: PhasePending},
		PhaseOutput:    {Status: PhasePending},
	}
}

// ── Bids and results ─────────────────────────────────────────

// Bid is an agent's declared intent to handle a specific loop execution.
// A later bid from the same agent overwrites the earlier one.
type Bid struct {
	AgentID    string         `json:"agentId"`
	Timestamp  int64          `json:"timestamp"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AgentResult is one agent's answer for a loop. Never mutated after
// creation.
type AgentResult struct {
	AgentID string `json:"agentId"`
	// Confidence is conventionally in [0,1] and is used as a weight and
	// tie-break during aggregation.
	Confidence float64 `json:"confidence"`
	Result     any     `json:"result"`
	// ExecutionTimeMs is the observed invocation latency in milliseconds.
	ExecutionTimeMs int64 `json:"executionTime"`
	Timestamp       int64 `json:"timestamp,omitempty"`
}

// LoopAnnouncement is published to listening agents when bidding opens.
type LoopAnnouncement struct {
	LoopID               string   `json:"loopId"`
	Loopstack            string   `json:"loopstack"`
	RequiredCapabilities []string `json:"capabilities"`
	Input                any      `json:"input"`
	Realm                string   `json:"realm"`
}

// ── Agent presence ───────────────────────────────────────────

// AgentRecord is the heartbeat-bounded registration of a worker agent in
// the shared store. It expires unless refreshed.
type AgentRecord struct {
	AgentID       string         `json:"agentId"`
	Capabilities  []string       `json:"capabilities"`
	Realm         string         `json:"realm,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	RegisteredAt  int64          `json:"registeredAt"`
	LastHeartbeat int64          `json:"lastHeartbeat"`
}

// NowRFC3339 formats the current UTC time the way execution records store
// their phase timestamps.
func NowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
