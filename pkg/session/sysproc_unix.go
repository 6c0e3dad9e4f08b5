//go:build !windows

package session

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const lineSeparator = "\n"

// configureProcess puts the child in its own process group so teardown
// reaches anything it forks. Detached children get a new session instead,
// which also drops the controlling terminal.
func configureProcess(cmd *exec.Cmd, detached bool) {
	if detached {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(proc *os.Process, sig syscall.Signal) error {
	err := unix.Kill(-proc.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func interruptProcess(proc *os.Process) error {
	return signalGroup(proc, unix.SIGTERM)
}

func killProcess(proc *os.Process) error {
	return signalGroup(proc, unix.SIGKILL)
}
