// Package heartbeat watches agent presence. Agents keep themselves alive
// by refreshing a TTL record in the store; the monitor polls the live set
// and reports joins and departures without owning any per-agent state.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loopstacks/control-plane/internal/store"
	"github.com/loopstacks/control-plane/pkg/models"
)

// Monitor runs a background goroutine that periodically polls the active
// agent set and tracks membership changes.
type Monitor struct {
	store    store.Store
	interval time.Duration
	stopCh   chan struct{}
	mu       sync.Mutex
	running  bool
	known    map[string]models.AgentRecord

	// OnJoin and OnLeave fire on membership changes. Both run on the
	// monitor goroutine.
	OnJoin  func(agent models.AgentRecord)
	OnLeave func(agentID string)
}

// NewMonitor creates a presence monitor with the given poll interval.
func NewMonitor(s store.Store, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		store:    s,
		interval: interval,
		stopCh:   make(chan struct{}),
		known:    make(map[string]models.AgentRecord),
	}
}

// Start begins the polling loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	log.Info().Dur("interval", m.interval).Msg("agent presence monitor started")

	go m.loop(ctx)
}

// Stop shuts down the polling loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	log.Info().Msg("agent presence monitor stopped")
}

// Snapshot returns the agents seen live at the last poll.
func (m *Monitor) Snapshot() []models.AgentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AgentRecord, 0, len(m.known))
	for _, rec := range m.known {
		out = append(out, rec)
	}
	return out
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.poll(ctx)

	for {
		select {
		case <-ticker.C:
			m.poll(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// poll diffs the store's live agent set against the last observation.
// Departure here means the agent's TTL record expired without a refresh.
func (m *Monitor) poll(ctx context.Context) {
	agents, err := m.store.ActiveAgents(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("heartbeat: failed to list active agents")
		return
	}

	current := make(map[string]models.AgentRecord, len(agents))
	for _, rec := range agents {
		current[rec.AgentID] = rec
	}

	m.mu.Lock()
	previous := m.known
	m.known = current
	m.mu.Unlock()

	for id, rec := range current {
		if _, ok := previous[id]; !ok {
			log.Info().
				Str("agent", id).
				Strs("capabilities", rec.Capabilities).
				Str("realm", rec.Realm).
				Msg("agent joined")
			if m.OnJoin != nil {
				m.OnJoin(rec)
			}
		}
	}
	for id := range previous {
		if _, ok := current[id]; !ok {
			log.Info().Str("agent", id).Msg("agent heartbeat expired")
			if m.OnLeave != nil {
				m.OnLeave(id)
			}
		}
	}
}
