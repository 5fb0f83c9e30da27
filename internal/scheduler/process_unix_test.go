//go:build !windows

package scheduler

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestOSProcessTerminate(t *testing.T) {
	t.Parallel()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep unavailable: %v", err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	pid := cmd.Process.Pid
	var p OSProcess
	if !p.Alive(pid) {
		t.Fatal("child reported dead")
	}
	if err := p.Terminate(pid, 2*time.Second); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("child still running")
	}
	if p.Alive(pid) {
		t.Fatal("reaped child reported alive")
	}
}

func TestOSProcessAliveSelf(t *testing.T) {
	t.Parallel()
	var p OSProcess
	if !p.Alive(os.Getpid()) {
		t.Fatal("own process reported dead")
	}
	if p.Alive(0) || p.Alive(-1) {
		t.Fatal("non-positive pid reported alive")
	}
}
