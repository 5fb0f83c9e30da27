package scheduler

import (
	"fmt"
	"os"
	"time"

	logx "crontick/pkg/logx"
)

// PIDKey is where the running instance records its PID in the config cache.
const PIDKey = "pid"

// PIDStore is the subset of the config cache used for singleton enforcement.
type PIDStore interface {
	Int(key string) (int, bool)
	Set(key string, value any) error
}

// Process inspects and terminates other processes.
type Process interface {
	Alive(pid int) bool
	// Terminate asks pid to exit and forces it after wait.
	Terminate(pid int, wait time.Duration) error
}

// TerminateWait is how long a previous instance gets to exit before it is killed.
const TerminateWait = 3 * time.Second

// Takeover enforces a single running instance: the previously recorded
// process is terminated if it is still alive, then our PID is persisted.
// A failed termination is logged and does not stop the takeover.
func Takeover(conf PIDStore, proc Process, log logx.Logger) (prev int, err error) {
	self := os.Getpid()
	prev, _ = conf.Int(PIDKey)

	switch {
	case prev <= 0:
	case prev == self:
	case !proc.Alive(prev):
		log.Debug("previous instance not running", logx.Int("pid", prev))
	default:
		log.Info("terminating previous instance", logx.Int("pid", prev))
		if err := proc.Terminate(prev, TerminateWait); err != nil {
			log.Error("could not terminate previous instance", logx.Int("pid", prev), logx.Err(err))
		}
	}

	if err := conf.Set(PIDKey, self); err != nil {
		return prev, fmt.Errorf("persist pid: %w", err)
	}
	return prev, nil
}
