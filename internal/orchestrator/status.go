package orchestrator

import (
	"sync"
	"time"
)

// AgentStatus is the last known heartbeat for a named agent or worker.
type AgentStatus struct {
	Name      string
	State     string // free-form, e.g. "idle", "working", "offline"
	Detail    string
	UpdatedAt time.Time
}

// StatusRegistry tracks the most recent heartbeat seen from each agent or
// worker channel. check-agent-status answers from this registry rather than
// making a live round trip, so it never blocks on a peer that's gone quiet.
type StatusRegistry struct {
	mu    sync.RWMutex
	stale time.Duration
	seen  map[string]AgentStatus
}

// NewStatusRegistry builds a registry that considers a status stale (and
// reports "unknown") once staleAfter has passed since the last heartbeat.
func NewStatusRegistry(staleAfter time.Duration) *StatusRegistry {
	return &StatusRegistry{stale: staleAfter, seen: make(map[string]AgentStatus)}
}

// Record stores the latest heartbeat for name.
func (r *StatusRegistry) Record(name, state, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[name] = AgentStatus{Name: name, State: state, Detail: detail, UpdatedAt: time.Now()}
}

// Get returns the last known status for name. ok is false if name has never
// been heard from, or its last heartbeat is older than the stale threshold.
func (r *StatusRegistry) Get(name string) (AgentStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.seen[name]
	if !ok {
		return AgentStatus{}, false
	}
	if r.stale > 0 && time.Since(st.UpdatedAt) > r.stale {
		return st, false
	}
	return st, true
}
