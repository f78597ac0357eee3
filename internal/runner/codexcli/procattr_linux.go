//go:build linux

package codexcli

import "syscall"

func buildSysProcAttr() *syscall.SysProcAttr {
	// Pdeathsig: kernel sends SIGTERM to the child when we die.
	// Setpgid: new process group so terminal signals don't propagate.
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}
}
