//go:build linux || darwin

package encoder

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup puts the child in its own process group so that group
// signals reach any grandchildren the encoder forks.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// signalProcessGroup sends sig to the child's whole process group.
// A process that already exited is not an error.
func signalProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

// exitStatus extracts the normalized exit code and delivering signal from a
// reaped process state.
func exitStatus(cmd *exec.Cmd) (code int, sig syscall.Signal) {
	if cmd == nil || cmd.ProcessState == nil {
		return -1, 0
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return cmd.ProcessState.ExitCode(), 0
	}
	if ws.Signaled() {
		return -1, ws.Signal()
	}
	return ws.ExitStatus(), 0
}
