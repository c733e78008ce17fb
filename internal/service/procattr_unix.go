//go:build unix

package service

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the worker in its own process group, so an interrupt sent
// to the supervisor's terminal doesn't reach it.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
