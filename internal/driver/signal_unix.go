//go:build !windows

package driver

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// Drivers run in their own process group so that the browsers they launch
// are signalled with them.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(proc *os.Process) error {
	return signalGroup(proc, syscall.SIGTERM)
}

func kill(proc *os.Process) error {
	return signalGroup(proc, syscall.SIGKILL)
}

// signalGroup signals the process group led by proc, falling back to proc
// alone. A process that already exited is not an error.
func signalGroup(proc *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-proc.Pid, sig); err == nil {
		return nil
	}
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
