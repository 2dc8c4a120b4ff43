//go:build windows

package backend

import (
	"os"
	"os/exec"
)

func configureSysProcAttr(*exec.Cmd) {}

// signalGroup has no process groups to address on Windows; the backend is
// killed directly.
func signalGroup(pid int, _ os.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
