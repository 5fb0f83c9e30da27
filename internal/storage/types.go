package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
	// Keep bounds the number of stored runs. 0 means unbounded.
	Keep int
}

// Run is one dispatcher outcome. Field names are stable on disk.
type Run struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	TaskIndex int       `json:"task_index"`
	Handler   string    `json:"handler,omitempty"`
	Cron      string    `json:"cron,omitempty"`
	Directive string    `json:"directive,omitempty"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}

type Store interface {
	AppendRun(ctx context.Context, r Run) error
	// RecentRuns returns up to limit runs, newest first.
	RecentRuns(ctx context.Context, limit int) ([]Run, error)
	Close() error
}

// DefaultLimit applies when RecentRuns is asked for zero or fewer runs.
const DefaultLimit = 50
