//go:build !windows

package scheduler

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// OSProcess signals real processes.
type OSProcess struct{}

func (OSProcess) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate sends SIGTERM, waits up to wait for the process to go away and
// then sends SIGKILL.
func (p OSProcess) Terminate(pid int, wait time.Duration) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !p.Alive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
