// Package gateway serves the relay's WebSocket endpoints and its read-only HTTP
// API. Each connection authenticates, then runs one turn at a time through the
// process pool and the conversation manager.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ehrlich-b/wingrelay/internal/agent"
	"github.com/ehrlich-b/wingrelay/internal/auth"
	"github.com/ehrlich-b/wingrelay/internal/bridge"
	"github.com/ehrlich-b/wingrelay/internal/conversation"
	"github.com/ehrlich-b/wingrelay/internal/logger"
	"github.com/ehrlich-b/wingrelay/internal/pool"
	"github.com/ehrlich-b/wingrelay/internal/trace"
)

// BridgeProber reports bridge health. *bridge.Client satisfies it.
type BridgeProber interface {
	Health(ctx context.Context) bridge.HealthStatus
}

// Deps are the services a Server drives. Bridge may be nil.
type Deps struct {
	Verifier      *auth.Verifier
	Pool          *pool.Pool
	Conversations *conversation.Manager
	Traces        *trace.Recorder
	Bridge        BridgeProber
}

type Options struct {
	Version      string
	AuthTimeout  time.Duration // time allowed for the token frame
	ReadTimeout  time.Duration // idle time before a connection is dropped
	ReadLimit    int64
	Pacing       time.Duration // minimum gap between fragments sent to a client
	FrameRate    float64       // inbound frames per second per connection
	FrameBurst   int
	HistoryLimit int
	RequireAuth  bool // guard the session and trace endpoints with a bearer token
	Compressed   bool // reported in /api/status
}

func (o *Options) setDefaults() {
	if o.Version == "" {
		o.Version = "dev"
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 10 * time.Minute
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 512 * 1024
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 5
	}
	if o.FrameBurst <= 0 {
		o.FrameBurst = 10
	}
}

type Server struct {
	deps    Deps
	opts    Options
	conns   *Registry
	mux     *http.ServeMux
	log     *slog.Logger
	started time.Time

	// WebSocket handlers are hijacked, so http.Server.Shutdown does not wait
	// for them. Shutdown cancels base and waits on active instead.
	base    context.Context
	stop    context.CancelFunc
	closeMu sync.Mutex
	closing bool
	active  sync.WaitGroup
}

func NewServer(deps Deps, opts Options) *Server {
	opts.setDefaults()
	base, stop := context.WithCancel(context.Background())
	s := &Server{
		deps:    deps,
		opts:    opts,
		conns:   NewRegistry(),
		mux:     http.NewServeMux(),
		log:     logger.With("gateway"),
		started: time.Now(),
		base:    base,
		stop:    stop,
	}

	s.mux.HandleFunc("GET /api/primary/ws", s.handleWS(agent.Primary))
	s.mux.HandleFunc("GET /api/secondary/ws", s.handleWS(agent.Secondary))
	s.mux.HandleFunc("GET /api/claude/ws", s.handleWS(agent.Primary))
	s.mux.HandleFunc("GET /api/codex/ws", s.handleWS(agent.Secondary))

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleListSessions))
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.requireAuth(s.handleTerminateSession))
	s.mux.HandleFunc("GET /api/traces", s.requireAuth(s.handleListTraces))
	s.mux.HandleFunc("GET /api/traces/{id}", s.requireAuth(s.handleGetTrace))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Shutdown refuses new WebSocket connections, closes the open ones and waits,
// bounded by ctx, for their handlers to finish. A turn still running finishes
// and persists before its handler returns, so callers stop the pool first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeMu.Lock()
	s.closing = true
	s.closeMu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d connections: %w", s.conns.Len(), ctx.Err())
	}
}

// track registers a WebSocket handler with Shutdown. It returns false once
// shutdown has begun.
func (s *Server) track() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closing {
		return false
	}
	s.active.Add(1)
	return true
}

// Connections returns the live connection registry.
func (s *Server) Connections() *Registry {
	return s.conns
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.RequireAuth {
			next(w, r)
			return
		}
		token := auth.BearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.deps.Verifier.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r)
	}
}
