// In-memory Store implementation. Used for tests and zero-configuration
// development when Redis is not available. Matches the Redis key layout
// and TTL behavior, including background eviction of expired entries.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loopstacks/control-plane/pkg/models"
)

// entry is one TTL-bounded value. A zero expiry means no bound.
type entry struct {
	data      []byte
	hash      map[string][]byte
	set       map[string]struct{}
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type memorySubscriber struct {
	ch     chan Message
	closed bool
}

// MemoryStore implements Store with mutex-guarded maps and an in-process
// pub/sub fabric.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry

	subMu       sync.Mutex
	subscribers map[string][]*memorySubscriber

	evictEvery time.Duration
	doneCh     chan struct{}
	closeOnce  sync.Once
}

// NewMemoryStore creates an in-memory store with a background eviction
// loop.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		entries:     make(map[string]*entry),
		subscribers: make(map[string][]*memorySubscriber),
		evictEvery:  30 * time.Second,
		doneCh:      make(chan struct{}),
	}
	go m.evictionLoop()
	return m
}

func (m *MemoryStore) evictionLoop() {
	ticker := time.NewTicker(m.evictEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-m.doneCh:
			return
		}
	}
}

func (m *MemoryStore) evictExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("memory store eviction pass")
	}
}

// live returns the entry if present and unexpired. Expired entries are
// dropped eagerly so reads never observe them.
func (m *MemoryStore) live(key string) (*entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) setValue(key string, data []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &entry{data: data, expiresAt: time.Now().Add(ttl)}
}

func (m *MemoryStore) getValue(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.data == nil {
		return nil, false
	}
	return e.data, true
}

// ── Execution records ────────────────────────────────────────

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *models.LoopExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	m.setValue(executionKey(exec.ExecutionID), data, ExecutionTTL)
	return nil
}

func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*models.LoopExecution, error) {
	data, ok := m.getValue(executionKey(id))
	if !ok {
		return nil, fmt.Errorf("%w: execution %s", models.ErrNotFound, id)
	}
	var exec models.LoopExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution %s: %w", id, err)
	}
	return &exec, nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, id string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(executionKey(id))
	if !ok || e.data == nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(e.data, &doc); err != nil {
		return fmt.Errorf("unmarshal execution %s: %w", id, err)
	}
	applyUpdates(doc, updates)
	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", id, err)
	}
	e.data = merged
	e.expiresAt = time.Now().Add(ExecutionTTL)
	return nil
}

// ── Bidding ──────────────────────────────────────────────────

func (m *MemoryStore) AnnounceLoop(ctx context.Context, executionID string, ann models.LoopAnnouncement) error {
	data, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	m.setValue(announcementKey(executionID), data, BiddingTTL)
	m.deliver(ChannelAnnouncements, data)
	return nil
}

func (m *MemoryStore) SubmitBid(ctx context.Context, executionID, agentID string, bid models.Bid) error {
	bid.AgentID = agentID
	data, err := json.Marshal(bid)
	if err != nil {
		return fmt.Errorf("marshal bid: %w", err)
	}
	m.hashSet(bidsKey(executionID), agentID, data, BiddingTTL)
	return nil
}

func (m *MemoryStore) GetBids(ctx context.Context, executionID string) ([]models.Bid, error) {
	entries := m.hashAll(bidsKey(executionID))
	bids := make([]models.Bid, 0, len(entries))
	for agentID, raw := range entries {
		var bid models.Bid
		if err := json.Unmarshal(raw, &bid); err != nil {
			continue
		}
		bid.AgentID = agentID
		bids = append(bids, bid)
	}
	return bids, nil
}

func (m *MemoryStore) SelectAgents(ctx context.Context, executionID string, agentIDs []string) error {
	if len(agentIDs) == 0 {
		return nil
	}
	m.mu.Lock()
	key := selectedKey(executionID)
	e, ok := m.live(key)
	if !ok {
		e = &entry{set: make(map[string]struct{})}
		m.entries[key] = e
	}
	if e.set == nil {
		e.set = make(map[string]struct{})
	}
	for _, id := range agentIDs {
		e.set[id] = struct{}{}
	}
	e.expiresAt = time.Now().Add(BiddingTTL)
	m.mu.Unlock()

	for _, agentID := range agentIDs {
		if err := m.Publish(ctx, AgentSelectedChannel(agentID), map[string]string{"executionId": executionID}); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) GetSelectedAgents(ctx context.Context, executionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(selectedKey(executionID))
	if !ok || e.set == nil {
		return nil, nil
	}
	ids := make([]string, 0, len(e.set))
	for id := range e.set {
		ids = append(ids, id)
	}
	return ids, nil
}

// ── Results ──────────────────────────────────────────────────

func (m *MemoryStore) SubmitResult(ctx context.Context, executionID, agentID string, result models.AgentResult) error {
	result.AgentID = agentID
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	m.hashSet(resultsKey(executionID), agentID, data, ExecutionTTL)
	return nil
}

func (m *MemoryStore) GetResults(ctx context.Context, executionID string) ([]models.AgentResult, error) {
	entries := m.hashAll(resultsKey(executionID))
	results := make([]models.AgentResult, 0, len(entries))
	for agentID, raw := range entries {
		var result models.AgentResult
		if err := json.Unmarshal(raw, &result); err != nil {
			continue
		}
		result.AgentID = agentID
		results = append(results, result)
	}
	return results, nil
}

func (m *MemoryStore) hashSet(key, field string, data []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		e = &entry{hash: make(map[string][]byte)}
		m.entries[key] = e
	}
	if e.hash == nil {
		e.hash = make(map[string][]byte)
	}
	e.hash[field] = data
	e.expiresAt = time.Now().Add(ttl)
}

func (m *MemoryStore) hashAll(key string) map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.hash == nil {
		return nil
	}
	out := make(map[string][]byte, len(e.hash))
	for field, data := range e.hash {
		out[field] = data
	}
	return out
}

// ── Agent presence ───────────────────────────────────────────

func (m *MemoryStore) RegisterAgent(ctx context.Context, rec models.AgentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal agent record: %w", err)
	}
	m.setValue(agentKey(rec.AgentID), data, AgentTTL)
	return nil
}

func (m *MemoryStore) UpdateHeartbeat(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(agentKey(agentID))
	if !ok || e.data == nil {
		return nil
	}
	var rec models.AgentRecord
	if err := json.Unmarshal(e.data, &rec); err != nil {
		return fmt.Errorf("unmarshal agent %s: %w", agentID, err)
	}
	rec.LastHeartbeat = nowMillis()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", agentID, err)
	}
	e.data = data
	e.expiresAt = time.Now().Add(AgentTTL)
	return nil
}

func (m *MemoryStore) ActiveAgents(ctx context.Context) ([]models.AgentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var agents []models.AgentRecord
	now := time.Now()
	for key, e := range m.entries {
		if len(key) <= len("agent:") || key[:len("agent:")] != "agent:" {
			continue
		}
		if e.expired(now) || e.data == nil {
			continue
		}
		var rec models.AgentRecord
		if err := json.Unmarshal(e.data, &rec); err != nil {
			continue
		}
		agents = append(agents, rec)
	}
	return agents, nil
}

// ── Pub/Sub ──────────────────────────────────────────────────

func (m *MemoryStore) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	m.deliver(channel, data)
	return nil
}

// deliver fans a message out to the channel's current subscribers.
// Delivery is at-most-once: a subscriber with a full buffer misses the
// message, and without subscribers it is lost.
func (m *MemoryStore) deliver(channel string, data []byte) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, sub := range m.subscribers[channel] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- Message{Channel: channel, Payload: string(data)}:
		default:
		}
	}
}

func (m *MemoryStore) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	sub := &memorySubscriber{ch: make(chan Message, 64)}
	m.subMu.Lock()
	m.subscribers[channel] = append(m.subscribers[channel], sub)
	m.subMu.Unlock()

	stop := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		close(sub.ch)
		subs := m.subscribers[channel]
		for i, s := range subs {
			if s == sub {
				m.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return sub.ch, stop, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() { close(m.doneCh) })
	return nil
}
