// Package dispatch runs one tick over the decoded task list.
//
// Tasks are handled in list order against a single "now". Control directives
// act immediately; scheduled tasks whose cron expression matches are passed
// to their handler and the result is queued for notification. No per-task
// error escapes Dispatch.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"crontick/internal/cronexpr"
	"crontick/internal/eventbus"
	"crontick/internal/handler"
	"crontick/internal/notifier"
	"crontick/internal/task"
	logx "crontick/pkg/logx"
)

// DefaultStopGrace is the delay between a "stop" task and the halt.
const DefaultStopGrace = 20 * time.Second

// Outcome is the per-task result published on the event bus.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeFailed     Outcome = "failed"
	OutcomeInvalid    Outcome = "invalid"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeControl    Outcome = "control"
)

var outcomeTopic = map[Outcome]string{
	OutcomeDispatched: eventbus.TaskDispatched,
	OutcomeFailed:     eventbus.TaskFailed,
	OutcomeInvalid:    eventbus.TaskInvalid,
	OutcomeUnresolved: eventbus.TaskUnresolved,
	OutcomeControl:    eventbus.TaskControl,
}

// RunEvent is the Data of every task.* event.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	At        time.Time `json:"at"`
	TaskIndex int       `json:"task_index"`
	Handler   string    `json:"handler,omitempty"`
	Cron      string    `json:"cron,omitempty"`
	Outcome   Outcome   `json:"outcome"`
	Directive string    `json:"directive,omitempty"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}

type Resolver interface {
	Resolve(name string) (handler.Func, bool)
	ReloadExtensions(ctx context.Context) error
}

type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

type Deps struct {
	Handlers Resolver
	Notifier Notifier
	// Reload re-reads the settings file (reload_environment). Optional.
	Reload func(ctx context.Context) error
	// Stop arms the halt after grace; it must not block. Optional.
	Stop      func(grace time.Duration)
	StopGrace time.Duration
	Bus       eventbus.Bus
	Log       logx.Logger
	// Match evaluates a cron expression; nil means cronexpr.Match.
	Match func(expr string, t time.Time) (bool, error)
}

// Result counts what happened during one tick.
type Result struct {
	Matched    int
	Dispatched int
	Failed     int
	Invalid    int
	Unresolved int
	Control    int
	CronErrors int
	Stopped    bool
}

type Dispatcher struct {
	d Deps
}

func New(d Deps) *Dispatcher {
	if d.StopGrace <= 0 {
		d.StopGrace = DefaultStopGrace
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Match == nil {
		d.Match = cronexpr.Match
	}
	return &Dispatcher{d: d}
}

func (x *Dispatcher) Dispatch(ctx context.Context, now time.Time, tasks []task.Task) Result {
	var res Result
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		switch t.Kind {
		case task.KindControl:
			res.Control++
			x.control(ctx, now, t, &res)
		case task.KindInvalid:
			res.Invalid++
			x.d.Log.Error("invalid task", logx.Int("index", t.Index), logx.String("reason", t.Reason), logx.Any("task", t.Fields))
			x.publish(RunEvent{At: now, TaskIndex: t.Index, Outcome: OutcomeInvalid, Error: t.Reason})
		case task.KindScheduled:
			x.scheduled(ctx, now, t, &res)
		}
	}
	return res
}

func (x *Dispatcher) control(ctx context.Context, now time.Time, t task.Task, res *Result) {
	ev := RunEvent{At: now, TaskIndex: t.Index, Outcome: OutcomeControl, Directive: string(t.Directive)}
	log := x.d.Log.With(logx.Int("index", t.Index), logx.String("directive", string(t.Directive)))

	switch t.Directive {
	case task.DirectiveSkip:
	case task.DirectiveReloadEnvironment:
		if x.d.Reload == nil {
			log.Debug("no settings reloader configured")
			break
		}
		if err := x.d.Reload(ctx); err != nil {
			ev.Error = err.Error()
			log.Error("reload environment failed", logx.Err(err))
		} else {
			log.Info("environment reloaded")
		}
	case task.DirectiveReloadAddons:
		if err := x.d.Handlers.ReloadExtensions(ctx); err != nil {
			ev.Error = err.Error()
			log.Error("reload addons failed", logx.Err(err))
		}
	case task.DirectiveStop:
		res.Stopped = true
		if x.d.Stop != nil {
			x.d.Stop(x.d.StopGrace)
		}
		log.Info("stop requested", logx.Duration("grace", x.d.StopGrace))
	}
	x.publish(ev)
}

func (x *Dispatcher) scheduled(ctx context.Context, now time.Time, t task.Task, res *Result) {
	ok, err := x.match(t.Cron, now)
	if err != nil {
		res.CronErrors++
		x.d.Log.Error("bad cron expression", logx.Int("index", t.Index), logx.String("cron", t.Cron), logx.Err(err))
		return
	}
	if !ok {
		return
	}
	res.Matched++

	ev := RunEvent{At: now, TaskIndex: t.Index, Handler: t.Handler, Cron: t.Cron}
	log := x.d.Log.With(logx.Int("index", t.Index), logx.String("handler", t.Handler))

	fn, found := x.d.Handlers.Resolve(t.Handler)
	if !found {
		res.Unresolved++
		ev.Outcome = OutcomeUnresolved
		ev.Error = fmt.Sprintf("handler %q is not registered", t.Handler)
		log.Error("unknown handler, task skipped", logx.String("title", t.Title()))
		x.publish(ev)
		return
	}

	start := time.Now()
	n, err := invoke(ctx, fn, t.Payload())
	ev.TookMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Failed++
		ev.Outcome = OutcomeFailed
		ev.Error = err.Error()
		log.Error("task failed", logx.Err(err))
		x.notify(ctx, log, notifier.Notification{
			Type:    notifier.TypeError,
			Title:   "scheduled task failed",
			Content: fmt.Sprintf("task %d (%s): %v", t.Index, t.Handler, err),
			Fields:  t.Payload(),
		})
		x.publish(ev)
		return
	}

	res.Dispatched++
	ev.Outcome = OutcomeDispatched
	log.Debug("task dispatched", logx.String("title", n.Title))
	x.notify(ctx, log, n)
	x.publish(ev)
}

// match evaluates expr at now. A panic counts as a bad expression so the
// remaining tasks of the tick still run.
func (x *Dispatcher) match(expr string, now time.Time) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("cron evaluation panicked: %v", r)
		}
	}()
	return x.d.Match(expr, now)
}

// invoke calls fn and turns its payload into a notification. Panics and an
// invalid payload type are handler errors.
func invoke(ctx context.Context, fn handler.Func, payload map[string]any) (n notifier.Notification, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	out, err := fn(ctx, payload)
	if err != nil {
		return notifier.Notification{}, err
	}
	if out == nil {
		out = payload
	}
	return notifier.FromPayload(out)
}

func (x *Dispatcher) notify(ctx context.Context, log logx.Logger, n notifier.Notification) {
	if x.d.Notifier == nil {
		return
	}
	if err := x.d.Notifier.Notify(ctx, n); err != nil {
		log.Warn("notification not queued", logx.Err(err))
	}
}

func (x *Dispatcher) publish(ev RunEvent) {
	if x.d.Bus == nil {
		return
	}
	ev.RunID = uuid.NewString()
	x.d.Bus.Publish(eventbus.Event{Type: outcomeTopic[ev.Outcome], Time: ev.At, Data: ev})
}
