package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/wingrelay/internal/logger"
)

const (
	maxLineSize   = 1024 * 1024
	maxStderrSize = 64 * 1024
)

// Config describes how to reach the bridging tool.
type Config struct {
	Runtime          string // interpreter, e.g. "node"
	Script           string // bridge entry point; empty when Runtime is the bridge itself
	Flag             string // flag that carries the request JSON
	Capsule          string // working-context path sent in every request
	Sentinel         string // stdout prefix marking the payload line
	ChunkSize        int
	MaxSystemContext int
	Source           string
	ProtocolVersion  string
	WorkDir          string
	TerminateGrace   time.Duration // used when the invocation context is cancelled
}

// Hooks observe an invocation. Every field is optional.
type Hooks struct {
	// OnSpawn receives the live process right after it starts.
	OnSpawn func(*Process)
	// OnFirstOutput fires on the first stdout line.
	OnFirstOutput func(time.Duration)
	// OnPayload fires when the sentinel line has been parsed.
	OnPayload func(time.Duration)
}

// Client runs one bridge process per turn and parses its output.
type Client struct {
	cfg Config
	log *slog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.Flag == "" {
		cfg.Flag = "--request"
	}
	if cfg.Sentinel == "" {
		cfg.Sentinel = "JARVIS_PAYLOAD="
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = "bridgehub/1.0"
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = 5 * time.Second
	}
	return &Client{cfg: cfg, log: logger.With("bridge")}
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Run starts the bridge for one turn and streams its reply. It never fails
// directly: every problem arrives as a single error fragment on the stream.
func (c *Client) Run(ctx context.Context, turn Turn, hooks Hooks) *Stream {
	stream := newStream(ctx)

	fail := func(kind ErrorKind, msg string) *Stream {
		c.log.Error("bridge invocation failed", "session", turn.SessionID, "kind", kind, "error", msg)
		stream.send(errorFragment(kind, msg))
		stream.close()
		return stream
	}

	if err := c.preflight(); err != nil {
		return fail(BridgeUnavailable, err.Error())
	}

	req, err := BuildRequest(c.cfg, turn)
	if err != nil {
		return fail(BridgeInternal, err.Error())
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fail(BridgeInternal, fmt.Sprintf("encode request: %v", err))
	}

	cmd := exec.CommandContext(ctx, c.cfg.Runtime, c.args(string(reqJSON))...)
	if c.cfg.WorkDir != "" {
		cmd.Dir = c.cfg.WorkDir
	}
	configureProcAttr(cmd)
	cmd.Cancel = func() error {
		signalTerm(cmd.Process.Pid)
		return nil
	}
	cmd.WaitDelay = c.cfg.TerminateGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(BridgeInternal, fmt.Sprintf("stdout pipe: %v", err))
	}
	stderr := &cappedBuffer{max: maxStderrSize}
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return fail(BridgeUnavailable, fmt.Sprintf("runtime %q not found", c.cfg.Runtime))
		}
		return fail(BridgeInternal, fmt.Sprintf("start bridge: %v", err))
	}

	proc := newProcess(cmd, stdout)
	c.log.Info("bridge spawned",
		"session", turn.SessionID,
		"kind", turn.Kind,
		"turn", turn.TurnNumber,
		"pid", proc.PID(),
		"spawn", time.Since(start).Round(time.Millisecond),
	)
	if hooks.OnSpawn != nil {
		hooks.OnSpawn(proc)
	}

	go c.read(turn, cmd, proc, stdout, stderr, stream, hooks, start)
	return stream
}

func (c *Client) read(turn Turn, cmd *exec.Cmd, proc *Process, stdout io.Reader, stderr *cappedBuffer, stream *Stream, hooks Hooks, start time.Time) {
	defer func() {
		// A panic in parsing must not escape the streaming interface.
		if r := recover(); r != nil {
			c.log.Error("bridge reader panic", "session", turn.SessionID, "panic", r)
			stream.send(errorFragment(BridgeInternal, fmt.Sprintf("internal error: %v", r)))
			io.Copy(io.Discard, stdout)
			cmd.Wait()
			proc.markExited(-1)
			stream.close()
		}
	}()

	var (
		firstOutput = true
		abandoned   = false
		sawPayload  = false
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if firstOutput {
			firstOutput = false
			elapsed := time.Since(start)
			c.log.Debug("bridge first output", "session", turn.SessionID, "after", elapsed.Round(time.Millisecond))
			if hooks.OnFirstOutput != nil {
				hooks.OnFirstOutput(elapsed)
			}
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || abandoned {
			continue
		}
		if !strings.HasPrefix(line, c.cfg.Sentinel) {
			c.log.Debug("bridge output", "session", turn.SessionID, "line", truncate(line, 120))
			continue
		}

		sawPayload = true
		res := parsePayloadLine(line, c.cfg.Sentinel, c.cfg.ChunkSize)
		if hooks.OnPayload != nil {
			hooks.OnPayload(time.Since(start))
		}
		if res.abandon {
			raw := strings.TrimPrefix(line, c.cfg.Sentinel)
			c.log.Error("unparseable bridge payload",
				"session", turn.SessionID,
				"length", len(raw),
				"head", truncate(raw, 200),
			)
			abandoned = true
		}
		for _, f := range res.fragments {
			stream.send(f)
		}
	}

	if err := scanner.Err(); err != nil {
		// Keep the pipe drained so the child can exit.
		io.Copy(io.Discard, stdout)
		if !abandoned {
			abandoned = true
			msg := fmt.Sprintf("reading bridge output: %v", err)
			if errors.Is(err, bufio.ErrTooLong) {
				msg = "Invalid response from BridgeHub (line too long)"
			}
			stream.send(errorFragment(BridgeProtocolError, msg))
		}
	}

	exitCode := 0
	waitErr := cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		exitCode = exitErr.ExitCode()
	default:
		exitCode = -1
	}
	proc.markExited(exitCode)

	c.log.Info("bridge finished",
		"session", turn.SessionID,
		"pid", proc.PID(),
		"exit", exitCode,
		"payload", sawPayload,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	if exitCode != 0 && !abandoned {
		stream.send(exitFragment(waitErr, exitCode, stderr.String()))
	}
	stream.close()
}

func exitFragment(waitErr error, code int, stderr string) Fragment {
	var msg string
	if code == -1 {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			msg = fmt.Sprintf("BridgeHub process failed (%s)", exitErr.ProcessState.String())
		} else {
			msg = fmt.Sprintf("BridgeHub process failed: %v", waitErr)
		}
	} else {
		msg = fmt.Sprintf("BridgeHub process failed (code %d)", code)
	}
	stderr = strings.TrimSpace(stderr)
	if stderr != "" {
		msg += ": " + stderr
	}
	f := errorFragment(BridgeExecutionFailure, msg)
	f.Err.ExitCode = code
	f.Err.Stderr = stderr
	return f
}

func (c *Client) args(request string) []string {
	var args []string
	if c.cfg.Script != "" {
		args = append(args, c.cfg.Script)
	}
	return append(args, c.cfg.Flag, request)
}

// preflight checks that both the runtime and the script exist before spawning.
func (c *Client) preflight() error {
	if c.cfg.Script != "" {
		if _, err := os.Stat(c.cfg.Script); err != nil {
			return fmt.Errorf("BridgeHub not found at %s", c.cfg.Script)
		}
	}
	if _, err := exec.LookPath(c.cfg.Runtime); err != nil {
		return fmt.Errorf("runtime %q not found. Is it installed?", c.cfg.Runtime)
	}
	return nil
}

// HealthStatus reports whether the bridge can be invoked.
type HealthStatus struct {
	ScriptPath     string `json:"bridge_path"`
	ScriptExists   bool   `json:"bridge_exists"`
	Runtime        string `json:"runtime"`
	RuntimeOK      bool   `json:"runtime_available"`
	RuntimeVersion string `json:"runtime_version,omitempty"`
	Ready          bool   `json:"ready"`
}

// Health probes the script path and runs `<runtime> --version`.
func (c *Client) Health(ctx context.Context) HealthStatus {
	h := HealthStatus{ScriptPath: c.cfg.Script, Runtime: c.cfg.Runtime, ScriptExists: true}
	if c.cfg.Script != "" {
		_, err := os.Stat(c.cfg.Script)
		h.ScriptExists = err == nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, c.cfg.Runtime, "--version").Output()
	if err == nil {
		h.RuntimeOK = true
		h.RuntimeVersion = strings.TrimSpace(string(out))
	}
	h.Ready = h.ScriptExists && h.RuntimeOK
	return h
}

// cappedBuffer keeps the first max bytes written and silently drops the rest.
type cappedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
