// Package runtime implements the in-process loop orchestration engine:
// a capability registry of live agent objects, a concurrent dispatcher
// with per-agent timeouts, and the loop executor that ties them to the
// aggregation strategies.
package runtime

import (
	"context"
	"sync"

	"github.com/loopstacks/control-plane/pkg/models"
)

// Agent is an invocable, capability-tagged worker. Implementations must be
// safe for concurrent Execute calls.
type Agent interface {
	ID() string
	Capabilities() []string
	Execute(ctx context.Context, loopID string, input any) (models.AgentResult, error)
}

// Registry tracks which agents exist and what capabilities each offers.
// It is process-local and never persisted.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds the agent, replacing any existing entry with the same id.
// A replaced agent keeps its original registration position.
func (r *Registry) Register(agent Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agent.ID()]; !exists {
		r.order = append(r.order, agent.ID())
	}
	r.agents[agent.ID()] = agent
}

// Unregister removes the agent if present. An absent id is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[id]; !exists {
		return
	}
	delete(r.agents, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// FindCapable returns every registered agent whose capability set is a
// superset of the required capabilities, in registration order. An empty
// result is valid and means no eligible agent.
func (r *Registry) FindCapable(required []string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var capable []Agent
	for _, id := range r.order {
		agent := r.agents[id]
		if hasAll(agent.Capabilities(), required) {
			capable = append(capable, agent)
		}
	}
	return capable
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func hasAll(offered, required []string) bool {
	for _, req := range required {
		found := false
		for _, cap := range offered {
			if cap == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
