//go:build windows

package child

import (
	"os"
	"os/exec"
)

// setProcGroup is a no-op on Windows; process groups are not used.
func setProcGroup(cmd *exec.Cmd) {}

// terminateProcessGroup kills the process directly; Windows has no
// SIGTERM equivalent for console-less children.
func terminateProcessGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// killProcessGroup kills the process directly.
func killProcessGroup(pid int) error {
	return terminateProcessGroup(pid)
}

// exitCodeFromWait extracts the exit code from cmd.Wait's result.
func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
