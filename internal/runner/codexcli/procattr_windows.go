//go:build windows

package codexcli

import "syscall"

func buildSysProcAttr() *syscall.SysProcAttr {
	return nil
}
