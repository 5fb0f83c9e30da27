// Package scheduler owns the tick loop and singleton takeover.
//
// Run sleeps once to the next whole minute, then fires a tick every period
// through robfig/cron. A tick reloads the task file, decodes it and hands the
// list to the dispatcher with a single timestamp. The loop ends when a stop
// request's grace period elapses or the context is cancelled.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"crontick/internal/dispatch"
	"crontick/internal/eventbus"
	"crontick/internal/task"
	logx "crontick/pkg/logx"
)

type Config struct {
	Period   time.Duration // default 60s
	Timezone string        // IANA name; empty means local
	// NoAlign skips the initial wait for the next whole minute.
	NoAlign bool
}

// TaskSource is the task cache.
type TaskSource interface {
	Reload() error
	Items() ([]any, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, now time.Time, tasks []task.Task) dispatch.Result
}

// Stats is a point-in-time view for health output.
type Stats struct {
	Running  bool          `json:"running"`
	Stopping bool          `json:"stopping"`
	Period   time.Duration `json:"period"`
	Timezone string        `json:"timezone"`
	Ticks    uint64        `json:"ticks"`
	LastTick time.Time     `json:"last_tick,omitempty"`
	LastErr  string        `json:"last_err,omitempty"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	log   logx.Logger
	bus   eventbus.Bus
	tasks TaskSource
	disp  Dispatcher
	now   func() time.Time

	running  atomic.Bool
	stopping atomic.Bool
	ticks    atomic.Uint64
	lastTick atomic.Value // time.Time
	lastErr  atomic.Value // string

	stopOnce sync.Once
	haltOnce sync.Once
	done     chan struct{}
}

func New(cfg Config, tasks TaskSource, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log,
		bus:   bus,
		tasks: tasks,
		disp:  disp,
		now:   time.Now,
		done:  make(chan struct{}),
	}
	s.Apply(cfg)
	return s
}

// Apply updates the time zone immediately; a new period applies on the next Run.
func (s *Service) Apply(cfg Config) {
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("unknown timezone, using local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.loc = loc
	s.mu.Unlock()
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Location returns the zone ticks are evaluated in.
func (s *Service) Location() *time.Location { return s.location() }

// Done is closed once the loop has been halted by a stop request.
func (s *Service) Done() <-chan struct{} { return s.done }

// RequestStop arms a single halt after grace. Later calls are no-ops and
// report false. It never blocks.
func (s *Service) RequestStop(grace time.Duration) bool {
	armed := false
	s.stopOnce.Do(func() {
		armed = true
		s.stopping.Store(true)
		s.log.Info("halt scheduled", logx.Duration("grace", grace))
		time.AfterFunc(grace, s.halt)
	})
	return armed
}

func (s *Service) halt() {
	s.haltOnce.Do(func() { close(s.done) })
}

// Run blocks until halted (nil) or ctx is cancelled (ctx.Err()).
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	defer s.running.Store(false)

	s.mu.Lock()
	cfg, loc := s.cfg, s.loc
	s.mu.Unlock()

	if !cfg.NoAlign {
		now := s.now()
		wait := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
		s.log.Debug("aligning to minute boundary", logx.Duration("wait", wait))
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-s.done:
			t.Stop()
			return nil
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cl := logx.CronLogger(s.log)
	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).
		Then(cron.FuncJob(func() { s.tick(runCtx) }))

	c := cron.New(cron.WithLocation(loc), cron.WithLogger(cl))
	c.Schedule(cron.Every(cfg.Period), job)
	c.Start()
	go job.Run()
	s.log.Info("scheduler started", logx.Duration("period", cfg.Period), logx.String("tz", loc.String()))

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-s.done:
	}
	cancel()
	<-c.Stop().Done()
	if err == nil {
		s.log.Info("scheduler halted")
	}
	return err
}

// Tick runs one tick synchronously.
func (s *Service) Tick(ctx context.Context) (dispatch.Result, error) {
	return s.runTick(ctx)
}

func (s *Service) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, _ = s.runTick(ctx)
}

func (s *Service) runTick(ctx context.Context) (dispatch.Result, error) {
	now := s.now().In(s.location())
	s.ticks.Add(1)
	s.lastTick.Store(now)
	eventbus.Publish(s.bus, eventbus.TickStarted, now)

	if err := s.tasks.Reload(); err != nil {
		s.lastErr.Store(err.Error())
		s.log.Error("task file unreadable, tick skipped", logx.Err(err))
		return dispatch.Result{}, err
	}
	items, err := s.tasks.Items()
	if err != nil {
		s.lastErr.Store(err.Error())
		s.log.Error("task file is not a list, tick skipped", logx.Err(err))
		return dispatch.Result{}, err
	}
	s.lastErr.Store("")

	res := s.disp.Dispatch(ctx, now, task.DecodeList(items))
	s.log.Debug("tick done",
		logx.Time("at", now),
		logx.Int("tasks", len(items)),
		logx.Int("matched", res.Matched),
		logx.Int("dispatched", res.Dispatched),
		logx.Int("failed", res.Failed),
	)
	eventbus.Publish(s.bus, eventbus.TickFinished, res)
	return res, nil
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	cfg, loc := s.cfg, s.loc
	s.mu.Unlock()
	st := Stats{
		Running:  s.running.Load(),
		Stopping: s.stopping.Load(),
		Period:   cfg.Period,
		Timezone: loc.String(),
		Ticks:    s.ticks.Load(),
	}
	if t, ok := s.lastTick.Load().(time.Time); ok {
		st.LastTick = t
	}
	if e, ok := s.lastErr.Load().(string); ok {
		st.LastErr = e
	}
	return st
}
