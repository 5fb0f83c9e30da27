package storage

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"crontick/internal/dispatch"
	"crontick/internal/eventbus"
	logx "crontick/pkg/logx"
)

const recordTimeout = 2 * time.Second

// Recorder appends one Run per task.* event. Events are dropped by the bus
// when the recorder falls behind; Dropped is not counted here.
type Recorder struct {
	store Store
	log   logx.Logger

	written atomic.Uint64
	failed  atomic.Uint64
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log}
}

// Run consumes bus events until ctx ends. A nil store returns at once.
func (r *Recorder) Run(ctx context.Context, bus eventbus.Bus) error {
	if r.store == nil || bus == nil {
		return nil
	}
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.Record(ctx, ev)
		}
	}
}

// Record stores ev if it is a task outcome.
func (r *Recorder) Record(ctx context.Context, ev eventbus.Event) {
	if !strings.HasPrefix(ev.Type, "task.") {
		return
	}
	re, ok := ev.Data.(dispatch.RunEvent)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := r.store.AppendRun(wctx, FromEvent(re)); err != nil {
		r.failed.Add(1)
		r.log.Warn("history append failed", logx.String("run_id", re.RunID), logx.Err(err))
		return
	}
	r.written.Add(1)
}

// Counts reports appended and failed records.
func (r *Recorder) Counts() (written, failed uint64) {
	return r.written.Load(), r.failed.Load()
}

func FromEvent(e dispatch.RunEvent) Run {
	return Run{
		ID:        e.RunID,
		At:        e.At,
		TaskIndex: e.TaskIndex,
		Handler:   e.Handler,
		Cron:      e.Cron,
		Directive: e.Directive,
		Outcome:   string(e.Outcome),
		Error:     e.Error,
		TookMS:    e.TookMS,
	}
}
