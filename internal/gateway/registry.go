package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/ehrlich-b/wingrelay/internal/agent"
)

// ConnInfo describes one authenticated WebSocket connection.
type ConnInfo struct {
	ID          string     `json:"id"`
	Kind        agent.Kind `json:"agent_kind"`
	Subject     string     `json:"subject"`
	RemoteAddr  string     `json:"remote_addr"`
	ConnectedAt time.Time  `json:"connected_at"`
}

// Registry tracks live connections for the health endpoint.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]ConnInfo
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]ConnInfo)}
}

func (r *Registry) Add(c ConnInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Counts returns live connections per agent kind, with every kind present.
func (r *Registry) Counts() map[agent.Kind]int {
	out := make(map[agent.Kind]int, len(agent.Kinds))
	for _, k := range agent.Kinds {
		out[k] = 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		out[c.Kind]++
	}
	return out
}

// All returns every connection, oldest first.
func (r *Registry) All() []ConnInfo {
	r.mu.RLock()
	out := make([]ConnInfo, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
