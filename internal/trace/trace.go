// Package trace records named, timestamped checkpoints per request so turn latency can be
// broken down into intervals (auth → load → spawn → first output → persist).
package trace

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/wingrelay/internal/logger"
)

// Checkpoint is one named point in time within a trace.
type Checkpoint struct {
	Name string         `json:"name"`
	At   time.Time      `json:"at"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Interval is the time between two consecutive checkpoints.
type Interval struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	DurationMS float64 `json:"duration_ms"`
}

// Summary is the ordered breakdown of a trace.
type Summary struct {
	TraceID         string         `json:"trace_id"`
	SessionID       string         `json:"session_id"`
	Kind            string         `json:"agent_kind"`
	Start           time.Time      `json:"start"`
	End             time.Time      `json:"end"`
	TotalDurationMS float64        `json:"total_duration_ms"`
	Checkpoints     []string       `json:"checkpoints"`
	Intervals       []Interval     `json:"intervals"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// Trace is safe for concurrent use: the bridge's timing hook marks from its reader goroutine.
type Trace struct {
	ID        string
	SessionID string
	Kind      string

	mu          sync.Mutex
	checkpoints []Checkpoint
	now         func() time.Time
	log         *slog.Logger
}

func newTrace(id, sessionID, kind string, now func() time.Time) *Trace {
	t := &Trace{
		ID:        id,
		SessionID: sessionID,
		Kind:      kind,
		now:       now,
		log:       logger.With("trace"),
	}
	t.Mark("trace_created", nil)
	return t
}

// Mark records a checkpoint and logs the delta from the previous one.
func (t *Trace) Mark(name string, meta map[string]any) {
	t.mu.Lock()
	at := t.now()
	var prev *Checkpoint
	if n := len(t.checkpoints); n > 0 {
		prev = &t.checkpoints[n-1]
	}
	t.checkpoints = append(t.checkpoints, Checkpoint{Name: name, At: at, Meta: meta})
	var from string
	var delta time.Duration
	if prev != nil {
		from = prev.Name
		delta = at.Sub(prev.At)
	}
	t.mu.Unlock()

	if prev == nil {
		t.log.Debug("checkpoint", "trace", short(t.ID), "name", name)
		return
	}
	t.log.Debug("checkpoint", "trace", short(t.ID), "name", name, "from", from, "delta", delta.Round(time.Millisecond))
}

// Summary returns the interval breakdown. Fewer than two checkpoints yields an
// "insufficient_checkpoints" error summary.
func (t *Trace) Summary() Summary {
	t.mu.Lock()
	cps := append([]Checkpoint(nil), t.checkpoints...)
	t.mu.Unlock()

	s := Summary{TraceID: t.ID, SessionID: t.SessionID, Kind: t.Kind}
	if len(cps) < 2 {
		s.Error = "insufficient_checkpoints"
		return s
	}

	s.Start = cps[0].At
	s.End = cps[len(cps)-1].At
	s.TotalDurationMS = ms(s.End.Sub(s.Start))
	for i, cp := range cps {
		s.Checkpoints = append(s.Checkpoints, cp.Name)
		if cp.Meta != nil {
			if s.Metadata == nil {
				s.Metadata = make(map[string]any)
			}
			s.Metadata[cp.Name] = cp.Meta
		}
		if i == 0 {
			continue
		}
		s.Intervals = append(s.Intervals, Interval{
			From:       cps[i-1].Name,
			To:         cp.Name,
			DurationMS: ms(cp.At.Sub(cps[i-1].At)),
		})
	}
	return s
}

// LogSummary logs the breakdown at info level and returns it.
func (t *Trace) LogSummary() Summary {
	s := t.Summary()
	if s.Error != "" {
		t.log.Info("trace summary", "trace", short(t.ID), "error", s.Error)
		return s
	}
	var b strings.Builder
	for i, iv := range s.Intervals {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s→%s=%.0fms", iv.From, iv.To, iv.DurationMS)
	}
	t.log.Info("trace summary",
		"trace", short(t.ID),
		"session", t.SessionID,
		"kind", t.Kind,
		"total_ms", int64(s.TotalDurationMS),
		"breakdown", b.String(),
	)
	return s
}

func (t *Trace) createdAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkpoints[0].At
}

// Recorder keeps the most recent traces in memory, evicting the oldest past a cap.
type Recorder struct {
	mu     sync.Mutex
	traces map[string]*Trace
	max    int
	now    func() time.Time
}

// NewRecorder creates a recorder holding at most max traces.
func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 100
	}
	return &Recorder{
		traces: make(map[string]*Trace),
		max:    max,
		now:    time.Now,
	}
}

// Start creates and registers a trace, evicting the oldest ones if over the cap.
func (r *Recorder) Start(id, sessionID, kind string) *Trace {
	t := newTrace(id, sessionID, kind, r.now)
	r.mu.Lock()
	r.traces[id] = t
	r.evictLocked()
	r.mu.Unlock()
	return t
}

// Get returns a trace by id, or nil.
func (r *Recorder) Get(id string) *Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.traces[id]
}

// Len returns the number of retained traces.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.traces)
}

// Recent returns up to n summaries, newest first.
func (r *Recorder) Recent(n int) []Summary {
	r.mu.Lock()
	all := make([]*Trace, 0, len(r.traces))
	for _, t := range r.traces {
		all = append(all, t)
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].createdAt().After(all[j].createdAt()) })
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	out := make([]Summary, 0, len(all))
	for _, t := range all {
		out = append(out, t.Summary())
	}
	return out
}

func (r *Recorder) evictLocked() {
	excess := len(r.traces) - r.max
	if excess <= 0 {
		return
	}
	all := make([]*Trace, 0, len(r.traces))
	for _, t := range r.traces {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].createdAt().Before(all[j].createdAt()) })
	for _, t := range all[:excess] {
		delete(r.traces, t.ID)
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
