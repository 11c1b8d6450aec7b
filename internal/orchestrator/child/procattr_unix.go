//go:build !windows

package child

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so
// the agent and anything it spawns can be signalled together.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the entire process group.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup sends SIGKILL to the entire process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// exitCodeFromWait extracts the exit code from cmd.Wait's result.
// Signalled processes report 128+signal, matching shell conventions.
func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return -1
	}
	waitStatus, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode()
	}
	if waitStatus.Signaled() {
		return 128 + int(waitStatus.Signal())
	}
	return waitStatus.ExitStatus()
}
