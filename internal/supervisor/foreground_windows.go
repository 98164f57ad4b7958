//go:build windows

package supervisor

import "os/exec"

func configureForegroundSysProcAttr(cmd *exec.Cmd) {}

func signalForeground(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func signalExitCode(cmd *exec.Cmd) int {
	return 1
}
