// Package app builds every crontick component from the settings file and
// owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crontick/internal/config"
	"crontick/internal/dispatch"
	"crontick/internal/eventbus"
	"crontick/internal/handler"
	"crontick/internal/jsoncache"
	"crontick/internal/notifier"
	"crontick/internal/runtime/supervisor"
	"crontick/internal/scheduler"
	"crontick/internal/statusapi"
	"crontick/internal/storage"
	logx "crontick/pkg/logx"
)

// Options come from the command line and win over the settings file.
type Options struct {
	ConfigPath string
	BaseDir    string
	LogLevel   string

	// Process replaces the OS process controller used by the takeover.
	Process scheduler.Process
	// LookupEnv replaces os.LookupEnv for CRONTICK_* overrides.
	LookupEnv func(string) (string, bool)
}

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	tasks *jsoncache.Cache
	conf  *jsoncache.Cache
	store storage.Store
	rec   *storage.Recorder

	handlers *handler.Registry
	notif    *notifier.Service
	disp     *dispatch.Dispatcher
	sched    *scheduler.Service
	status   *statusapi.Server

	proc scheduler.Process
	sd   *sdNotifier
	sup  *supervisor.Supervisor

	stopOnce sync.Once
}

// ManagerFor returns the settings manager the CLI flags describe.
func ManagerFor(opts Options) *config.Manager {
	mopts := []config.Option{config.WithOverride(func(c *config.Config) {
		if opts.BaseDir != "" {
			c.BaseDir = opts.BaseDir
		}
		if opts.LogLevel != "" {
			c.Logging.Level = opts.LogLevel
		}
	})}
	if opts.LookupEnv != nil {
		mopts = append(mopts, config.WithLookupEnv(opts.LookupEnv))
	}
	return config.NewManager(opts.ConfigPath, mopts...)
}

// New loads settings, opens both caches and the history store, and loads
// extension scripts. Any failure aborts with nothing left open.
func New(ctx context.Context, opts Options) (a *App, err error) {
	cfgm := ManagerFor(opts)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logs, root := logx.New(logConfig(cfg))
	a = &App{cfgm: cfgm, logs: logs, log: root.With(logx.String("comp", "app")), bus: eventbus.New(), proc: opts.Process}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()
	if a.proc == nil {
		a.proc = scheduler.OSProcess{}
	}
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	if a.tasks, err = jsoncache.Open(cfg.Path(cfg.Files.Tasks), "[]"); err != nil {
		return nil, fmt.Errorf("task file: %w", err)
	}
	if a.conf, err = jsoncache.Open(cfg.Path(cfg.Files.Conf), "{}"); err != nil {
		return nil, fmt.Errorf("config cache: %w", err)
	}

	if a.store, err = storage.Open(storageConfig(cfg), root.With(logx.String("comp", "history"))); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if a.store != nil {
		a.rec = storage.NewRecorder(a.store, root.With(logx.String("comp", "history")))
	}

	a.handlers = handler.NewRegistry(
		handler.WithBaseDir(cfg.BaseDir),
		handler.WithPhraseFile(cfg.Files.Phrase),
		handler.WithLogger(root.With(logx.String("comp", "handlers"))),
		handler.WithExtensions(cfg.Extensions.Dir, Plugins(cfg)),
		handler.WithEnv(func(key string) string {
			v, _ := cfgm.LookupEnv(key)
			return v
		}),
	)
	if err = a.handlers.ReloadExtensions(ctx); err != nil {
		return nil, fmt.Errorf("extensions: %w", err)
	}

	nlog := root.With(logx.String("comp", "notifier"))
	sinks, err := buildSinks(cfg, nlog)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(notifierConfig(cfg), nlog, a.bus, sinks...)

	a.disp = dispatch.New(dispatch.Deps{
		Handlers:  a.handlers,
		Notifier:  a.notif,
		Reload:    a.cfgm.Reload,
		Stop:      func(grace time.Duration) { a.sched.RequestStop(grace) },
		StopGrace: cfg.StopGrace(),
		Bus:       a.bus,
		Log:       root.With(logx.String("comp", "dispatch")),
	})
	a.sched = scheduler.New(schedulerConfig(cfg), a.tasks, a.disp, root.With(logx.String("comp", "scheduler")), a.bus)

	if cfg.Status.Enabled {
		a.status = statusapi.New(statusapi.Config{Addr: cfg.Status.Addr, Pprof: cfg.Status.Pprof},
			a.sched, a.store, supervised{a}, root)
	}
	a.sd = newSDNotifier(cfg.SystemdNotify(), root.With(logx.String("comp", "systemd")))

	a.log.Info("app initialised",
		logx.String("tasks", a.tasks.Path()),
		logx.String("handlers", fmt.Sprint(a.handlers.Names())),
		logx.String("sinks", fmt.Sprint(a.notif.Sinks())),
		logx.String("history", cfg.History.Driver),
		logx.Bool("status", cfg.Status.Enabled),
	)
	return a, nil
}

func (a *App) Config() *config.Config             { return a.cfgm.Get() }
func (a *App) Scheduler() *scheduler.Service      { return a.sched }
func (a *App) Handlers() *handler.Registry        { return a.handlers }
func (a *App) Bus() eventbus.Bus                  { return a.bus }
func (a *App) History() storage.Store             { return a.store }
func (a *App) Logger() logx.Logger                { return a.log }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Takeover terminates a previously recorded instance and records ours.
func (a *App) Takeover() (prev int, err error) {
	return scheduler.Takeover(a.conf, a.proc, a.log.With(logx.String("comp", "takeover")))
}

// Start takes over from any running instance and launches every loop.
// Done fires when the scheduler halts or a component fails.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return nil
	}
	if _, err := a.Takeover(); err != nil {
		return err
	}
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	// The notifier outlives the app context so Stop can drain it.
	a.notif.Start(context.WithoutCancel(ctx))

	if a.rec != nil {
		a.sup.Go("history.recorder", func(c context.Context) error { return a.rec.Run(c, a.bus) })
	}
	if a.status != nil {
		a.sup.Go("status.api", a.status.Run)
	}
	a.sup.Go("eventbus.log", a.logEvents)

	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.apply", func(c context.Context) error {
		a.applyLoop(c, sub)
		return nil
	})
	if a.cfgm.Get().Watch {
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.sup.Go("scheduler", func(c context.Context) error {
		if err := a.sched.Run(c); err != nil {
			return err
		}
		a.log.Info("scheduler halted, shutting down")
		a.sup.Cancel()
		return nil
	})
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)
	a.sd.Ready()
	a.log.Info("app started")
	return nil
}

// Done is closed once the app should exit.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first component failure.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop cancels every loop, drains pending notifications and closes files.
// It is safe to call more than once.
func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.sd.Stopping()
		a.log.Info("stopping")
		if a.sup != nil {
			a.sup.Cancel()
			a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error {
				if err := a.sup.Wait(c); err != nil && c.Err() != nil {
					return err
				}
				return nil
			})
		}
		a.step(ctx, "notifier", 5*time.Second, func(c context.Context) error {
			a.notif.Stop(c)
			return nil
		})
		a.closeResources()
	})
	return a.Err()
}

// Close releases files for an App that was never started. It sends nothing
// to systemd and makes a later Stop a no-op.
func (a *App) Close() {
	a.stopOnce.Do(a.closeResources)
}

// step runs fn with an upper bound that never extends ctx's own deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()
	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step failed", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("history close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// logEvents mirrors notifier outcomes into debug logs.
func (a *App) logEvents(ctx context.Context) error {
	events, unsubscribe := a.bus.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			switch e.Type {
			case eventbus.NotifyFailed, eventbus.NotifyDropped:
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	}
}

// supervised reads the supervisor lazily; it does not exist until Start.
type supervised struct{ a *App }

func (s supervised) Snapshot() supervisor.Snapshot {
	if s.a.sup == nil {
		return supervisor.Snapshot{}
	}
	return s.a.sup.Snapshot()
}
