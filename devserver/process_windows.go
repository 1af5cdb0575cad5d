//go:build windows

package devserver

import (
	"syscall"

	gopsprocess "github.com/shirou/gopsutil/v4/process"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// killGroup kills the root of the tree; descendants were already swept
// by killDescendants, and Windows has no pgid signal to fall back on.
func killGroup(pid int) error {
	p, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		// already gone
		return nil
	}
	return p.Kill()
}
