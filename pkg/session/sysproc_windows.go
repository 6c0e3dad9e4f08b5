//go:build windows

package session

import (
	"errors"
	"os"
	"os/exec"
)

const lineSeparator = "\r\n"

func configureProcess(*exec.Cmd, bool) {}

// Windows has no portable SIGTERM for console children.
func interruptProcess(proc *os.Process) error {
	return killProcess(proc)
}

func killProcess(proc *os.Process) error {
	err := proc.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
