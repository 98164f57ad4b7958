//go:build !windows

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"
)

// The proxy gets its own process group so the TTY does not deliver Ctrl+C
// to it directly; the supervisor is the sole forwarder of signals.
func configureForegroundSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalForeground(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
}

// signalExitCode maps a signal death to the conventional 128+signal shell
// exit status.
func signalExitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return 1
	}
	status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return 1
	}
	return 128 + int(status.Signal())
}
