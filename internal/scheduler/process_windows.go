//go:build windows

package scheduler

import (
	"time"

	"golang.org/x/sys/windows"
)

const stillActive = 259

// OSProcess inspects and kills real processes.
type OSProcess struct{}

func (OSProcess) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// Terminate kills the process immediately.
func (OSProcess) Terminate(pid int, _ time.Duration) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return windows.TerminateProcess(h, 1)
}
