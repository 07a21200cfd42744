package bridge

import (
	"io"
	"os/exec"
	"sync"
	"time"
)

// Process is a reference to a running bridge invocation. It stays valid after the
// process exits; Alive reports false from then on.
type Process struct {
	cmd      *exec.Cmd
	stdout   io.Closer
	pid      int
	started  time.Time
	done     chan struct{}
	mu       sync.Mutex
	exitCode int
}

func newProcess(cmd *exec.Cmd, stdout io.Closer) *Process {
	return &Process{
		cmd:     cmd,
		stdout:  stdout,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// PID returns the OS process id.
func (p *Process) PID() int {
	return p.pid
}

// StartedAt returns when the process was spawned.
func (p *Process) StartedAt() time.Time {
	return p.started
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode is valid after Done is closed; -1 means killed by a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *Process) markExited(code int) {
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
}

// Terminate asks the process group to exit, force-kills it after grace, and
// returns once the process has been reaped. It is a no-op on an exited process.
func (p *Process) Terminate(grace time.Duration) {
	if !p.Alive() {
		return
	}
	signalTerm(p.pid)
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}
	signalKill(p.pid)
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}
	// A descendant that left the group can hold stdout open; closing our end
	// unblocks the reader so the process can be reaped.
	p.stdout.Close()
	<-p.done
}
