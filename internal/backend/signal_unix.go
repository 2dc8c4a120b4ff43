//go:build !windows

package backend

import (
	"os"
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the backend in its own process group so that
// browsers it launches are signalled together with it.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to the process group led by pid.
func signalGroup(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		s = syscall.SIGTERM
	}
	if err := syscall.Kill(-pid, s); err != nil {
		// fall back to the leader when the group is already gone
		return syscall.Kill(pid, s)
	}
	return nil
}

func processAlive(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}
