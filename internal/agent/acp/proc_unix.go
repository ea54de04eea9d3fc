//go:build unix

package acp

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the agent in its own process group so teardown
// reaches any tool servers it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to the agent's whole process group
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		// Fall back to the leader alone if the group is already gone.
		return cmd.Process.Signal(sig)
	}
	return nil
}

func terminate(cmd *exec.Cmd) error { return signalGroup(cmd, syscall.SIGTERM) }

// terminateOrphans sends SIGTERM to whatever is left of the process group
// once the leader has exited; an empty group is not an error
func terminateOrphans(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func kill(cmd *exec.Cmd) error { return signalGroup(cmd, syscall.SIGKILL) }

// exitSignal returns the name of the signal that ended the process, if any
func exitSignal(state *os.ProcessState) string {
	if state == nil {
		return ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal().String()
	}
	return ""
}
