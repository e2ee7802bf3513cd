// Package store provides the durable, TTL-bounded execution state store
// for the LoopStacks control plane, plus its publish/subscribe channels.
//
// Redis is the production backend; the in-memory implementation backs
// tests and zero-configuration development. Both speak the same key
// layout, so agents written against one work against the other.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/loopstacks/control-plane/pkg/models"
)

// Retention windows. Records must be assumed gone after their window even
// if never explicitly deleted.
const (
	// ExecutionTTL bounds execution records and result hashes.
	ExecutionTTL = 24 * time.Hour
	// BiddingTTL bounds loop announcements, bid hashes, and selected-agent
	// sets.
	BiddingTTL = time.Hour
	// AgentTTL bounds agent heartbeat records.
	AgentTTL = 5 * time.Minute
)

// ── Key layout ───────────────────────────────────────────────

func executionKey(id string) string    { return "execution:" + id }
func announcementKey(id string) string { return "loop:" + id }
func bidsKey(id string) string         { return "loop:" + id + ":bids" }
func selectedKey(id string) string     { return "loop:" + id + ":selected" }
func resultsKey(id string) string      { return "loop:" + id + ":results" }
func agentKey(id string) string        { return "agent:" + id }

// ChannelAnnouncements carries loop announcements to all listening agents.
const ChannelAnnouncements = "loop:announcements"

// AgentSelectedChannel is the per-agent channel notified when the agent is
// selected for an execution.
func AgentSelectedChannel(agentID string) string {
	return "agent:" + agentID + ":selected"
}

// ExecutionEventsChannel carries phase transitions for one execution.
func ExecutionEventsChannel(executionID string) string {
	return "execution:" + executionID + ":events"
}

// ── Store interface ──────────────────────────────────────────

// Message is one pub/sub delivery. Payload is the raw published JSON.
type Message struct {
	Channel string
	Payload string
}

// Store is the execution state store. All operations are idempotent on
// retry; delivery on the pub/sub channels is at-most-once, and messages
// published while no subscriber is attached are lost.
type Store interface {
	// CreateExecution persists a fresh execution record with ExecutionTTL.
	CreateExecution(ctx context.Context, exec *models.LoopExecution) error
	// GetExecution returns the record or models.ErrNotFound.
	GetExecution(ctx context.Context, id string) (*models.LoopExecution, error)
	// UpdateExecution shallow-merges the partial update into the existing
	// record and bumps updatedAt. Keys may use dotted phase paths such as
	// "phases.intake.status". Updating a missing record is a no-op.
	UpdateExecution(ctx context.Context, id string, updates map[string]any) error

	// AnnounceLoop stores the announcement and publishes it on
	// ChannelAnnouncements.
	AnnounceLoop(ctx context.Context, executionID string, ann models.LoopAnnouncement) error
	// SubmitBid upserts the agent's bid for the execution.
	SubmitBid(ctx context.Context, executionID, agentID string, bid models.Bid) error
	// GetBids returns whatever bids have accumulated by read time.
	GetBids(ctx context.Context, executionID string) ([]models.Bid, error)
	// SelectAgents records the selected set and notifies each agent on its
	// selected channel.
	SelectAgents(ctx context.Context, executionID string, agentIDs []string) error
	GetSelectedAgents(ctx context.Context, executionID string) ([]string, error)
	// SubmitResult upserts the agent's result for the execution.
	SubmitResult(ctx context.Context, executionID, agentID string, result models.AgentResult) error
	GetResults(ctx context.Context, executionID string) ([]models.AgentResult, error)

	// RegisterAgent writes a heartbeat-bounded agent record.
	RegisterAgent(ctx context.Context, rec models.AgentRecord) error
	// UpdateHeartbeat refreshes the agent record's TTL. A missing record
	// is a no-op; the agent must re-register.
	UpdateHeartbeat(ctx context.Context, agentID string) error
	// ActiveAgents lists every unexpired agent record.
	ActiveAgents(ctx context.Context) ([]models.AgentRecord, error)

	Publish(ctx context.Context, channel string, payload any) error
	// Subscribe attaches to a channel. The returned stop func detaches and
	// closes the message channel.
	Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error)

	Ping(ctx context.Context) error
	Close() error
}

// applyUpdates shallow-merges updates into the JSON document form of an
// execution record. A dotted key like "phases.bidding.status" descends
// into nested objects, creating them as needed; all other keys overwrite
// at the top level.
func applyUpdates(doc map[string]any, updates map[string]any) {
	for key, value := range updates {
		parts := strings.Split(key, ".")
		node := doc
		for _, part := range parts[:len(parts)-1] {
			next, ok := node[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				node[part] = next
			}
			node = next
		}
		node[parts[len(parts)-1]] = value
	}
	doc["updatedAt"] = nowMillis()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
