//go:build !windows

package devserver

import (
	"errors"
	"syscall"
)

// sysProcAttr places the child in its own process group so the whole
// tree can be signalled at once.
// See https://medium.com/@felixge/killing-a-child-process-and-all-of-its-children-in-go-54079af94773
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killGroup signals the entire process group. An already-gone group is
// success.
func killGroup(pid int) error {
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
