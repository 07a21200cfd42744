package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ehrlich-b/wingrelay/internal/agent"
	"github.com/ehrlich-b/wingrelay/internal/bridge"
	"github.com/ehrlich-b/wingrelay/internal/conversation"
	"github.com/ehrlich-b/wingrelay/internal/pool"
	"github.com/ehrlich-b/wingrelay/internal/trace"
	"github.com/ehrlich-b/wingrelay/internal/ws"
)

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status        string               `json:"status"`
	Version       string               `json:"version"`
	Timestamp     time.Time            `json:"timestamp"`
	UptimeSeconds float64              `json:"uptime_seconds"`
	Connections   map[agent.Kind]int   `json:"connections"`
	Clients       []ConnInfo           `json:"clients"`
	Pool          pool.Stats           `json:"pool"`
	Conversations conversation.Stats   `json:"conversations"`
	Traces        int                  `json:"traces"`
	Bridge        *bridge.HealthStatus `json:"bridge,omitempty"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status    string      `json:"status"`
	Version   string      `json:"version"`
	Health    string      `json:"health"`
	Timestamp time.Time   `json:"timestamp"`
	Features  ws.Features `json:"features"`
}

type sessionsResponse struct {
	Sessions []conversation.Summary `json:"sessions"`
	Count    int                    `json:"count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       s.opts.Version,
		Timestamp:     time.Now(),
		UptimeSeconds: time.Since(s.started).Seconds(),
		Connections:   s.conns.Counts(),
		Clients:       s.conns.All(),
		Pool:          s.deps.Pool.Stats(),
		Conversations: s.deps.Conversations.Stats(),
		Traces:        s.deps.Traces.Len(),
	}
	if s.deps.Bridge != nil {
		h := s.deps.Bridge.Health(r.Context())
		resp.Bridge = &h
		if !h.Ready {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:    "running",
		Version:   s.opts.Version,
		Health:    "ok",
		Timestamp: time.Now(),
		Features: ws.Features{
			SessionPersistence:  true,
			BridgeIntegration:   true,
			AgentCoordination:   true,
			IndependentContext:  true,
			MultiTurn:           true,
			DualSessions:        true,
			ProcessTermination:  true,
			SignedTokens:        s.deps.Verifier.CanIssue(),
			RequestTracing:      true,
			CompressedSnapshots: s.opts.Compressed,
		},
	})
}

// handleListSessions lists in-memory conversations, or queries the store when
// an owner is given.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var kind agent.Kind
	if k := r.URL.Query().Get("kind"); k != "" {
		parsed, err := agent.ParseKind(k)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		kind = parsed
	}

	var list []conversation.Summary
	if owner := r.URL.Query().Get("owner"); owner != "" {
		var err error
		list, err = s.deps.Conversations.ListByOwner(owner, kind)
		if err != nil {
			s.log.Error("list sessions by owner", "owner", owner, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list sessions")
			return
		}
	} else {
		list = s.deps.Conversations.List(kind)
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: list, Count: len(list)})
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	terminated := s.deps.Pool.Terminate(id)
	s.log.Info("terminate requested", "session", id, "terminated", terminated)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "terminated": terminated})
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string][]trace.Summary{"traces": s.deps.Traces.Recent(limit)})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	t := s.deps.Traces.Get(r.PathValue("id"))
	if t == nil {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, t.Summary())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
