//go:build !unix

package bridge

import (
	"os"
	"os/exec"
)

func configureProcAttr(cmd *exec.Cmd) {}

func signalTerm(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		p.Signal(os.Interrupt)
	}
}

func signalKill(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		p.Kill()
	}
}
