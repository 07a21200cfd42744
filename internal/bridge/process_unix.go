//go:build unix

package bridge

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// The bridge script spawns the agent CLI as its own child. Running it in a fresh
// process group lets a single signal reach the whole tree.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalTerm(pid int) {
	signalGroup(pid, unix.SIGTERM)
}

func signalKill(pid int) {
	signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) {
	if err := unix.Kill(-pid, sig); err != nil {
		// Group already gone or never created; fall back to the leader.
		unix.Kill(pid, sig)
	}
}
