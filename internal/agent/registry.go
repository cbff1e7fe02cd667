package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry is the concurrency-safe store of all live agents plus the
// session-id to agent-id index. Map operations are short, so one coarse
// mutex serializes them; per-agent state has its own finer locks.
type Registry struct {
	mu       sync.Mutex
	agents   map[string]*Agent
	sessions map[string]string // session id -> agent id
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents:   make(map[string]*Agent),
		sessions: make(map[string]string),
	}
}

// Create inserts the agent. Fails if the id is already live; at most one
// live process handle exists per agent id.
func (r *Registry) Create(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.ID]; exists {
		return fmt.Errorf("agent %s already registered", a.ID)
	}
	r.agents[a.ID] = a
	return nil
}

// Get looks up an agent by id.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	return a, ok
}

// Remove deletes the agent and any session binding pointing at it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
	for sid, aid := range r.sessions {
		if aid == id {
			delete(r.sessions, sid)
		}
	}
}

// List returns snapshots of all agents ordered by creation time.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// BindSession records the session-id to agent-id mapping. Idempotent for a
// given session id; the first binding wins.
func (r *Registry) BindSession(sessionID, agentID string) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sessionID]; !exists {
		r.sessions[sessionID] = agentID
	}
}

// UnbindSessionsFor removes all session bindings for the agent.
func (r *Registry) UnbindSessionsFor(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, aid := range r.sessions {
		if aid == agentID {
			delete(r.sessions, sid)
		}
	}
}

// AgentBySession resolves a session id to its agent.
func (r *Registry) AgentBySession(sessionID string) (*Agent, bool) {
	r.mu.Lock()
	id, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	a, ok := r.agents[id]
	r.mu.Unlock()
	return a, ok
}

// CleanupStopped removes agents that have been stopped for longer than
// maxAge and returns the removed ids. Agents that transitioned to stopped
// after the scan started are left alone.
func (r *Registry) CleanupStopped(maxAge time.Duration) []string {
	cutoff := time.Now().UTC().Add(-maxAge)

	r.mu.Lock()
	candidates := make([]*Agent, 0)
	for _, a := range r.agents {
		candidates = append(candidates, a)
	}
	r.mu.Unlock()

	var removed []string
	for _, a := range candidates {
		a.mu.Lock()
		expired := a.status == StatusStopped && !a.stoppedAt.IsZero() && a.stoppedAt.Before(cutoff)
		a.mu.Unlock()
		if !expired {
			continue
		}
		r.mu.Lock()
		if _, still := r.agents[a.ID]; still {
			delete(r.agents, a.ID)
			removed = append(removed, a.ID)
		}
		for sid, aid := range r.sessions {
			if aid == a.ID {
				delete(r.sessions, sid)
			}
		}
		r.mu.Unlock()
	}
	return removed
}
