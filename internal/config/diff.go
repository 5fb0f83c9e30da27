package config

import (
	"reflect"

	logx "crontick/pkg/logx"
)

// SummarizeChange lists the top-level sections that differ and returns log
// fields describing the new values. Secrets are reported only as *_set flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	differs := func(section string, a, b any) bool {
		if reflect.DeepEqual(a, b) {
			return false
		}
		changed = append(changed, section)
		return true
	}

	if differs("base_dir", oldCfg.BaseDir, newCfg.BaseDir) {
		attrs = append(attrs, logx.String("base_dir", newCfg.BaseDir))
	}
	if differs("files", oldCfg.Files, newCfg.Files) {
		attrs = append(attrs,
			logx.String("files.tasks", newCfg.Files.Tasks),
			logx.String("files.conf", newCfg.Files.Conf),
		)
	}
	if differs("scheduler", oldCfg.Scheduler, newCfg.Scheduler) {
		attrs = append(attrs,
			logx.String("scheduler.period", newCfg.Scheduler.Period),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
		)
	}
	if differs("logging", oldCfg.Logging, newCfg.Logging) {
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.ConsoleLog()),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if differs("notifier", oldCfg.Notifier, newCfg.Notifier) {
		attrs = append(attrs,
			logx.Int("notifier.workers", newCfg.Notifier.Workers),
			logx.Bool("notifier.desktop", newCfg.Notifier.Desktop.Enabled),
			logx.Bool("notifier.telegram", newCfg.Notifier.Telegram.Enabled),
			logx.Bool("notifier.telegram.token_set", newCfg.Notifier.Telegram.Token != ""),
		)
	}
	if differs("extensions", oldCfg.Extensions, newCfg.Extensions) {
		attrs = append(attrs,
			logx.String("extensions.dir", newCfg.Extensions.Dir),
			logx.Int("extensions.plugins", len(newCfg.Extensions.Plugins)),
		)
	}
	if differs("history", oldCfg.History, newCfg.History) {
		attrs = append(attrs, logx.String("history.driver", newCfg.History.Driver))
	}
	if differs("status", oldCfg.Status, newCfg.Status) {
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", newCfg.Status.Addr),
		)
	}
	differs("systemd", oldCfg.Systemd, newCfg.Systemd)
	differs("watch", oldCfg.Watch, newCfg.Watch)
	return changed, attrs
}

// RestartOnly reports the changed sections that only take effect after a
// restart.
func RestartOnly(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "base_dir", "files", "history", "status", "systemd", "watch":
			out = append(out, s)
		}
	}
	return out
}
