package app

import (
	"fmt"

	"crontick/internal/config"
	"crontick/internal/handler"
	"crontick/internal/notifier"
	"crontick/internal/scheduler"
	"crontick/internal/storage"
	logx "crontick/pkg/logx"
)

func logConfig(c *config.Config) logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.ConsoleLog(),
		File: logx.FileConfig{
			Enabled:    c.Logging.File.Enabled,
			Path:       c.Path(c.Logging.File.Path),
			MaxSizeMB:  c.Logging.File.MaxSizeMB,
			MaxBackups: c.Logging.File.MaxBackups,
			MaxAgeDays: c.Logging.File.MaxAgeDays,
		},
	}
}

// notifierConfig assumes c passed Validate, so duration errors are impossible.
func notifierConfig(c *config.Config) notifier.Config {
	n := c.Notifier
	retryBase, _ := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	retryMaxDelay, _ := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	sendTimeout, _ := config.ParseDurationField("notifier.send_timeout", n.SendTimeout)
	retryMax := config.DefaultRetryMax
	if n.RetryMax != nil {
		retryMax = *n.RetryMax
	}
	return notifier.Config{
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      retryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		SendTimeout:   sendTimeout,
	}
}

// buildSinks always includes the log sink.
func buildSinks(c *config.Config, log logx.Logger) ([]notifier.Sink, error) {
	sinks := []notifier.Sink{notifier.LogSink{Log: log.With(logx.String("sink", "log"))}}
	if c.Notifier.Desktop.Enabled {
		sinks = append(sinks, notifier.DesktopSink{AppName: c.Notifier.Desktop.AppName})
	}
	if t := c.Notifier.Telegram; t.Enabled {
		tg, err := notifier.NewTelegramSink(notifier.TelegramConfig{
			Token:    t.Token,
			ChatID:   t.ChatID,
			ThreadID: t.ThreadID,
			APIURL:   t.APIURL,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram sink: %w", err)
		}
		sinks = append(sinks, tg)
	}
	return sinks, nil
}

func schedulerConfig(c *config.Config) scheduler.Config {
	return scheduler.Config{
		Period:   c.Period(),
		Timezone: c.Scheduler.Timezone,
		NoAlign:  c.Scheduler.NoAlign,
	}
}

// Plugins maps the configured extension list onto the handler registry.
func Plugins(c *config.Config) []handler.Plugin {
	out := make([]handler.Plugin, 0, len(c.Extensions.Plugins))
	for _, p := range c.Extensions.Plugins {
		out = append(out, handler.Plugin{Name: p.Name, Path: p.Path})
	}
	return out
}

func storageConfig(c *config.Config) storage.Config {
	return storage.Config{Driver: c.History.Driver, Path: c.Path(c.History.Path)}
}
