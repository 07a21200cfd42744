// Package pool maps sessions to their external agent and owns the lifetime of
// the processes it spawns. One bridge process runs per turn; the pool tracks the
// session's affinity, serializes its turns, and reaps sessions that go idle.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ehrlich-b/wingrelay/internal/agent"
	"github.com/ehrlich-b/wingrelay/internal/bridge"
	"github.com/ehrlich-b/wingrelay/internal/logger"
)

// Invoker runs a single turn. *bridge.Client satisfies it.
type Invoker interface {
	Run(ctx context.Context, turn bridge.Turn, hooks bridge.Hooks) *bridge.Stream
}

// Sink receives the fragments of a turn. A Send error means the receiver is gone.
type Sink interface {
	Send(bridge.Fragment) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(bridge.Fragment) error

func (f SinkFunc) Send(frag bridge.Fragment) error { return f(frag) }

type Options struct {
	IdleTimeout    time.Duration // handles untouched this long are reaped
	ReapInterval   time.Duration
	TerminateGrace time.Duration // SIGTERM to SIGKILL delay
}

func (o *Options) setDefaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 10 * time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Minute
	}
	if o.TerminateGrace <= 0 {
		o.TerminateGrace = 5 * time.Second
	}
}

// Request is one turn to execute.
type Request struct {
	SessionID     string
	Kind          agent.Kind
	Text          string
	History       []agent.Exchange
	SystemContext string
	Attachments   []agent.Attachment
	TurnNumber    int          // sent to the bridge as message_count; defaults to the handle's turn count
	Hooks         bridge.Hooks // optional observers, chained after the pool's own
}

// Result summarizes a finished turn.
type Result struct {
	Text      string        // every fragment's text, in order, including any error text
	Fragments int           // fragments produced by the bridge
	Err       *bridge.Error // first error fragment, if any
	Detached  bool          // the sink failed or the caller went away before the end
	TurnCount int
	Duration  time.Duration
}

// Pool is safe for concurrent use.
type Pool struct {
	invoker Invoker
	opts    Options
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool

	// Parent context for every invocation; cancelled by Shutdown only.
	runCtx    context.Context
	runCancel context.CancelFunc

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
	shutdownOnce sync.Once
}

func New(invoker Invoker, opts Options) *Pool {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		invoker:   invoker,
		opts:      opts,
		log:       logger.With("pool"),
		now:       time.Now,
		handles:   make(map[string]*Handle),
		runCtx:    ctx,
		runCancel: cancel,
	}
}

// ResolveHandle returns the live handle for a session, creating one if the
// session is unknown or its previous handle went stale. Concurrent calls for the
// same session always agree on a single handle.
func (p *Pool) ResolveHandle(sessionID string, kind agent.Kind) *Handle {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[sessionID]; ok {
		h.mu.Lock()
		// proc is cleared when a turn ends, so an idle handle never holds a dead process.
		stale := h.closed || h.Kind != kind
		// A handle mid-turn is never swapped out from under its turn; acquire
		// switches its kind once the turn lock is free.
		if h.busy || !stale {
			h.lastUsed = now
			h.mu.Unlock()
			return h
		}
		h.closed = true
		old := h.Kind
		h.mu.Unlock()
		p.log.Debug("discarding stale handle", "session", sessionID, "kind", old, "want", kind)
		delete(p.handles, sessionID)
	}

	h := &Handle{
		SessionID: sessionID,
		Kind:      kind,
		CreatedAt: now,
		lastUsed:  now,
	}
	p.handles[sessionID] = h
	p.log.Info("handle created", "session", sessionID, "kind", kind, "total", len(p.handles))
	return h
}

// Execute runs one turn for the request's session and relays fragments to sink as
// they arrive. Turns on the same session run one at a time.
//
// If the sink fails or ctx ends, forwarding stops but the invocation keeps running
// to completion so the returned Result carries the whole reply (Detached is set).
// The invocation itself is only cancelled by Shutdown or Terminate.
func (p *Pool) Execute(ctx context.Context, req Request, sink Sink) Result {
	start := p.now()

	h := p.acquire(req.SessionID, req.Kind)
	if h == nil {
		f := bridge.ErrorFragment(bridge.BridgeInternal, "relay is shutting down")
		res := Result{Text: f.Text, Err: f.Err}
		if sink.Send(f) != nil {
			res.Detached = true
		}
		return res
	}
	defer h.turn.Unlock()

	spawned := make(chan struct{})
	var spawnOnce sync.Once
	markSpawned := func() { spawnOnce.Do(func() { close(spawned) }) }

	h.mu.Lock()
	h.busy = true
	h.spawned = spawned
	h.turns++
	h.lastUsed = p.now()
	turnCount := h.turns
	h.mu.Unlock()

	defer func() {
		markSpawned()
		h.mu.Lock()
		h.busy = false
		h.proc = nil
		h.lastUsed = p.now()
		h.mu.Unlock()
	}()

	turnNumber := req.TurnNumber
	if turnNumber <= 0 {
		turnNumber = turnCount
	}
	turn := bridge.Turn{
		SessionID:     req.SessionID,
		Kind:          req.Kind,
		Text:          req.Text,
		History:       req.History,
		SystemContext: req.SystemContext,
		Attachments:   req.Attachments,
		TurnNumber:    turnNumber,
	}

	hooks := req.Hooks
	userSpawn := hooks.OnSpawn
	hooks.OnSpawn = func(proc *bridge.Process) {
		h.mu.Lock()
		closed := h.closed
		if !closed {
			h.proc = proc
		}
		h.mu.Unlock()
		if closed {
			// Terminated while the turn was starting. The reader has not started
			// yet, so the kill runs apart from this hook; Terminate waits on spawned.
			p.log.Info("killing process spawned for terminated session", "session", h.SessionID, "pid", proc.PID())
			go func() {
				proc.Terminate(p.opts.TerminateGrace)
				markSpawned()
			}()
		} else {
			markSpawned()
		}
		if userSpawn != nil {
			userSpawn(proc)
		}
	}

	stream := p.invoker.Run(p.runCtx, turn, hooks)

	res := Result{TurnCount: turnCount}
	for {
		f, ok := stream.Next()
		if !ok {
			break
		}
		if res.Detached {
			continue
		}
		if ctx.Err() != nil {
			p.log.Info("caller gone, consuming rest of turn", "session", req.SessionID)
			res.Detached = true
			continue
		}
		if err := sink.Send(f); err != nil {
			p.log.Info("sink closed, consuming rest of turn", "session", req.SessionID, "error", err)
			res.Detached = true
		}
	}

	res.Text = stream.Text()
	res.Fragments = stream.Count()
	res.Err = stream.Failure()
	res.Duration = p.now().Sub(start)
	return res
}

// acquire resolves the session's handle and takes its turn lock. A handle that was
// terminated while we waited for the lock is replaced. Returns nil after Shutdown.
func (p *Pool) acquire(sessionID string, kind agent.Kind) *Handle {
	for {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return nil
		}

		h := p.ResolveHandle(sessionID, kind)
		h.turn.Lock()
		h.mu.Lock()
		stale := h.closed
		if !stale && h.Kind != kind {
			p.log.Info("session switched agent kind", "session", sessionID, "from", h.Kind, "to", kind)
			h.Kind = kind
		}
		h.mu.Unlock()
		if !stale {
			return h
		}
		h.turn.Unlock()
	}
}

// Terminate stops the session's running process, if any, and removes its handle.
// It reports whether a handle existed.
func (p *Pool) Terminate(sessionID string) bool {
	p.mu.Lock()
	h, ok := p.handles[sessionID]
	if ok {
		delete(p.handles, sessionID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.closeHandle(h, "terminate")
	return true
}

func (p *Pool) closeHandle(h *Handle, reason string) {
	h.mu.Lock()
	h.closed = true
	proc := h.proc
	var starting <-chan struct{}
	if proc == nil && h.busy {
		starting = h.spawned
	}
	h.mu.Unlock()

	if starting != nil {
		// The turn may be between spawn and registering its process; the spawn
		// hook sees closed and kills it, or the turn ends without spawning.
		<-starting
		p.log.Info("handle removed during turn start", "session", h.SessionID, "reason", reason)
		return
	}
	if proc == nil {
		p.log.Info("handle removed", "session", h.SessionID, "reason", reason)
		return
	}
	p.log.Info("terminating session process", "session", h.SessionID, "pid", proc.PID(), "reason", reason)
	proc.Terminate(p.opts.TerminateGrace)
}

// Start runs the idle reaper until ctx is done or Shutdown is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.reaperDone != nil || p.closed {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.reaperCancel = cancel
	p.reaperDone = make(chan struct{})
	done := p.reaperDone
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.opts.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := p.reapIdle(p.now()); n > 0 {
					p.log.Info("reaped idle sessions", "count", n, "remaining", p.Len())
				}
			}
		}
	}()
}

// reapIdle terminates every handle last used before now-IdleTimeout.
func (p *Pool) reapIdle(now time.Time) int {
	cutoff := now.Add(-p.opts.IdleTimeout)

	p.mu.Lock()
	var idle []*Handle
	for id, h := range p.handles {
		h.mu.Lock()
		expired := h.lastUsed.Before(cutoff)
		h.mu.Unlock()
		if expired {
			idle = append(idle, h)
			delete(p.handles, id)
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range idle {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			p.closeHandle(h, "idle")
		}(h)
	}
	wg.Wait()
	return len(idle)
}

// Shutdown stops the reaper, terminates every handle and cancels in-flight
// invocations. Execute calls made afterwards fail immediately.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		cancel, done := p.reaperCancel, p.reaperDone
		all := make([]*Handle, 0, len(p.handles))
		for id, h := range p.handles {
			all = append(all, h)
			delete(p.handles, id)
		}
		p.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}

		var wg sync.WaitGroup
		for _, h := range all {
			wg.Add(1)
			go func(h *Handle) {
				defer wg.Done()
				p.closeHandle(h, "shutdown")
			}(h)
		}
		wg.Wait()
		p.runCancel()
		p.log.Info("pool shut down", "terminated", len(all))
	})
}

// Len returns the number of tracked handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Get returns the session's handle without touching it, or nil.
func (p *Pool) Get(sessionID string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[sessionID]
}
