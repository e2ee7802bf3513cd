package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/loopstacks/control-plane/pkg/models"
)

// RedisStore implements Store on Redis: SET EX for TTL-bounded records,
// hashes for bid/result sets, a set for selected agents, and native
// pub/sub for the announcement and notification channels.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at the given URL (redis://host:port).
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse redis url: %v", models.ErrStore, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping redis: %v", models.ErrStore, err)
	}
	log.Info().Str("addr", opts.Addr).Msg("connected to redis")
	return &RedisStore{client: client}, nil
}

// ── Execution records ────────────────────────────────────────

func (s *RedisStore) CreateExecution(ctx context.Context, exec *models.LoopExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	if err := s.client.Set(ctx, executionKey(exec.ExecutionID), data, ExecutionTTL).Err(); err != nil {
		return fmt.Errorf("%w: create execution %s: %v", models.ErrStore, exec.ExecutionID, err)
	}
	return nil
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*models.LoopExecution, error) {
	data, err := s.client.Get(ctx, executionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: execution %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get execution %s: %v", models.ErrStore, id, err)
	}
	var exec models.LoopExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution %s: %w", id, err)
	}
	return &exec, nil
}

func (s *RedisStore) UpdateExecution(ctx context.Context, id string, updates map[string]any) error {
	key := executionKey(id)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Missing or expired record: callers must CreateExecution first.
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read execution %s: %v", models.ErrStore, id, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unmarshal execution %s: %w", id, err)
	}
	applyUpdates(doc, updates)

	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal execution %s: %w", id, err)
	}
	if err := s.client.Set(ctx, key, merged, ExecutionTTL).Err(); err != nil {
		return fmt.Errorf("%w: update execution %s: %v", models.ErrStore, id, err)
	}
	return nil
}

// ── Bidding ──────────────────────────────────────────────────

func (s *RedisStore) AnnounceLoop(ctx context.Context, executionID string, ann models.LoopAnnouncement) error {
	data, err := json.Marshal(ann)
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	if err := s.client.Set(ctx, announcementKey(executionID), data, BiddingTTL).Err(); err != nil {
		return fmt.Errorf("%w: announce loop %s: %v", models.ErrStore, executionID, err)
	}
	if err := s.client.Publish(ctx, ChannelAnnouncements, data).Err(); err != nil {
		return fmt.Errorf("%w: publish announcement %s: %v", models.ErrStore, executionID, err)
	}
	return nil
}

func (s *RedisStore) SubmitBid(ctx context.Context, executionID, agentID string, bid models.Bid) error {
	bid.AgentID = agentID
	data, err := json.Marshal(bid)
	if err != nil {
		return fmt.Errorf("marshal bid: %w", err)
	}
	key := bidsKey(executionID)
	if err := s.client.HSet(ctx, key, agentID, data).Err(); err != nil {
		return fmt.Errorf("%w: submit bid %s/%s: %v", models.ErrStore, executionID, agentID, err)
	}
	if err := s.client.Expire(ctx, key, BiddingTTL).Err(); err != nil {
		return fmt.Errorf("%w: expire bids %s: %v", models.ErrStore, executionID, err)
	}
	return nil
}

func (s *RedisStore) GetBids(ctx context.Context, executionID string) ([]models.Bid, error) {
	entries, err := s.client.HGetAll(ctx, bidsKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get bids %s: %v", models.ErrStore, executionID, err)
	}
	bids := make([]models.Bid, 0, len(entries))
	for agentID, raw := range entries {
		var bid models.Bid
		if err := json.Unmarshal([]byte(raw), &bid); err != nil {
			log.Warn().Str("execution", executionID).Str("agent", agentID).Msg("skipping undecodable bid")
			continue
		}
		bid.AgentID = agentID
		bids = append(bids, bid)
	}
	return bids, nil
}

func (s *RedisStore) SelectAgents(ctx context.Context, executionID string, agentIDs []string) error {
	if len(agentIDs) == 0 {
		return nil
	}
	key := selectedKey(executionID)
	members := make([]any, len(agentIDs))
	for i, id := range agentIDs {
		members[i] = id
	}
	if err := s.client.SAdd(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("%w: select agents %s: %v", models.ErrStore, executionID, err)
	}
	if err := s.client.Expire(ctx, key, BiddingTTL).Err(); err != nil {
		return fmt.Errorf("%w: expire selected %s: %v", models.ErrStore, executionID, err)
	}
	for _, agentID := range agentIDs {
		if err := s.Publish(ctx, AgentSelectedChannel(agentID), map[string]string{"executionId": executionID}); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) GetSelectedAgents(ctx context.Context, executionID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, selectedKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get selected %s: %v", models.ErrStore, executionID, err)
	}
	return members, nil
}

// ── Results ──────────────────────────────────────────────────

func (s *RedisStore) SubmitResult(ctx context.Context, executionID, agentID string, result models.AgentResult) error {
	result.AgentID = agentID
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	key := resultsKey(executionID)
	if err := s.client.HSet(ctx, key, agentID, data).Err(); err != nil {
		return fmt.Errorf("%w: submit result %s/%s: %v", models.ErrStore, executionID, agentID, err)
	}
	if err := s.client.Expire(ctx, key, ExecutionTTL).Err(); err != nil {
		return fmt.Errorf("%w: expire results %s: %v", models.ErrStore, executionID, err)
	}
	return nil
}

func (s *RedisStore) GetResults(ctx context.Context, executionID string) ([]models.AgentResult, error) {
	entries, err := s.client.HGetAll(ctx, resultsKey(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get results %s: %v", models.ErrStore, executionID, err)
	}
	results := make([]models.AgentResult, 0, len(entries))
	for agentID, raw := range entries {
		var result models.AgentResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			log.Warn().Str("execution", executionID).Str("agent", agentID).Msg("skipping undecodable result")
			continue
		}
		result.AgentID = agentID
		results = append(results, result)
	}
	return results, nil
}

// ── Agent presence ───────────────────────────────────────────

func (s *RedisStore) RegisterAgent(ctx context.Context, rec models.AgentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal agent record: %w", err)
	}
	if err := s.client.Set(ctx, agentKey(rec.AgentID), data, AgentTTL).Err(); err != nil {
		return fmt.Errorf("%w: register agent %s: %v", models.ErrStore, rec.AgentID, err)
	}
	return nil
}

func (s *RedisStore) UpdateHeartbeat(ctx context.Context, agentID string) error {
	key := agentKey(agentID)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read agent %s: %v", models.ErrStore, agentID, err)
	}
	var rec models.AgentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("unmarshal agent %s: %w", agentID, err)
	}
	rec.LastHeartbeat = nowMillis()
	updated, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", agentID, err)
	}
	if err := s.client.Set(ctx, key, updated, AgentTTL).Err(); err != nil {
		return fmt.Errorf("%w: heartbeat agent %s: %v", models.ErrStore, agentID, err)
	}
	return nil
}

func (s *RedisStore) ActiveAgents(ctx context.Context) ([]models.AgentRecord, error) {
	var agents []models.AgentRecord
	iter := s.client.Scan(ctx, 0, "agent:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// Skip per-agent channel-shaped keys, if any leaked into the
		// keyspace.
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var rec models.AgentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		agents = append(agents, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan agents: %v", models.ErrStore, err)
	}
	return agents, nil
}

// ── Pub/Sub ──────────────────────────────────────────────────

func (s *RedisStore) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", models.ErrStore, channel, err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	pubsub := s.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning so callers
	// don't miss messages published immediately after.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("%w: subscribe to %s: %v", models.ErrStore, channel, err)
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- Message{Channel: msg.Channel, Payload: msg.Payload}
		}
	}()

	stop := func() { pubsub.Close() }
	return out, stop, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStore, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
