//go:build windows

package driver

import (
	"errors"
	"os"
	"os/exec"
)

func setProcAttr(*exec.Cmd) {}

// Windows has no SIGTERM; the only termination request is a kill.
func terminate(proc *os.Process) error {
	return kill(proc)
}

func kill(proc *os.Process) error {
	err := proc.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
