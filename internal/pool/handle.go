package pool

import (
	"sync"
	"time"

	"github.com/ehrlich-b/wingrelay/internal/agent"
	"github.com/ehrlich-b/wingrelay/internal/bridge"
)

// Handle is the pool's record of a session's agent association. The process
// reference is set only while a turn's bridge process is running. Kind changes
// only under the turn lock when a session switches agents.
type Handle struct {
	SessionID string
	Kind      agent.Kind
	CreatedAt time.Time

	turn sync.Mutex // held for the duration of a turn

	mu       sync.Mutex
	proc     *bridge.Process
	spawned  chan struct{} // closed once the current turn's process is registered or killed
	lastUsed time.Time
	turns    int
	busy     bool
	closed   bool
}

// Process returns the running process, or nil between turns.
func (h *Handle) Process() *bridge.Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc
}

func (h *Handle) LastUsedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

func (h *Handle) TurnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turns
}

// Busy reports whether a turn is in progress.
func (h *Handle) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.busy
}

// SessionStat describes one handle for status output.
type SessionStat struct {
	SessionID   string     `json:"session_id"`
	Kind        agent.Kind `json:"agent_kind"`
	TurnCount   int        `json:"turn_count"`
	AgeSeconds  float64    `json:"age_seconds"`
	IdleSeconds float64    `json:"idle_seconds"`
	Alive       bool       `json:"alive"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total    int                `json:"total_sessions"`
	ByKind   map[agent.Kind]int `json:"by_agent_kind"`
	Sessions []SessionStat      `json:"sessions"`
}

// Stats returns counts by kind and a per-session summary. Session ids are truncated.
func (p *Pool) Stats() Stats {
	now := p.now()

	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	s := Stats{
		Total:    len(handles),
		ByKind:   make(map[agent.Kind]int, len(agent.Kinds)),
		Sessions: make([]SessionStat, 0, len(handles)),
	}
	for _, k := range agent.Kinds {
		s.ByKind[k] = 0
	}
	for _, h := range handles {
		h.mu.Lock()
		stat := SessionStat{
			SessionID:   truncateID(h.SessionID),
			Kind:        h.Kind,
			TurnCount:   h.turns,
			AgeSeconds:  now.Sub(h.CreatedAt).Seconds(),
			IdleSeconds: now.Sub(h.lastUsed).Seconds(),
			Alive:       h.proc != nil && h.proc.Alive(),
		}
		h.mu.Unlock()
		s.ByKind[stat.Kind]++
		s.Sessions = append(s.Sessions, stat)
	}
	return s
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id
}
