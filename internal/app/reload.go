package app

import (
	"context"
	"reflect"
	"strings"

	"crontick/internal/config"
	logx "crontick/pkg/logx"
)

// applyLoop hot-applies every published config until ctx ends. Bursts are
// coalesced so only the newest config is applied.
func (a *App) applyLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			cfg = latest(sub, cfg)
			a.apply(ctx, last, cfg)
			last = cfg
		}
	}
}

func latest(sub chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok || newer == nil {
				return cfg
			}
			cfg = newer
		default:
			return cfg
		}
	}
}

// apply pushes cfg into the live components. Sections that cannot change
// at runtime are reported instead.
func (a *App) apply(ctx context.Context, old, cfg *config.Config) {
	sections, _ := config.SummarizeChange(old, cfg)
	if len(sections) == 0 {
		return
	}

	a.logs.Apply(logConfig(cfg))
	a.notif.Apply(notifierConfig(cfg))
	a.sched.Apply(schedulerConfig(cfg))

	if old == nil || !reflect.DeepEqual(old.Extensions, cfg.Extensions) {
		a.handlers.SetExtensions(cfg.Extensions.Dir, Plugins(cfg))
		if err := a.handlers.ReloadExtensions(ctx); err != nil {
			a.log.Error("extensions not reloaded, keeping previous handlers", logx.Err(err))
		}
	}

	restart := config.RestartOnly(sections)
	if old != nil && (old.Notifier.Desktop != cfg.Notifier.Desktop || old.Notifier.Telegram != cfg.Notifier.Telegram) {
		restart = append(restart, "notifier sinks")
	}
	if old != nil && (old.Period() != cfg.Period() || old.StopGrace() != cfg.StopGrace()) {
		restart = append(restart, "scheduler period/stop_grace")
	}
	if len(restart) > 0 {
		a.log.Warn("restart required for some changes", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Debug("config applied", logx.String("sections", strings.Join(sections, ",")))
}
