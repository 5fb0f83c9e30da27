package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	logx "crontick/pkg/logx"
)

// Config is the settings file. Durations are strings ("60s", "1m30s") so the
// YAML and JSON forms look the same.
type Config struct {
	BaseDir    string           `json:"base_dir,omitempty"`
	Files      FilesConfig      `json:"files,omitempty"`
	Scheduler  SchedulerConfig  `json:"scheduler,omitempty"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
	Notifier   NotifierConfig   `json:"notifier,omitempty"`
	Extensions ExtensionsConfig `json:"extensions,omitempty"`
	History    HistoryConfig    `json:"history,omitempty"`
	Status     StatusConfig     `json:"status,omitempty"`
	Systemd    SystemdConfig    `json:"systemd,omitempty"`

	// Watch reloads the settings file whenever it changes on disk.
	Watch bool `json:"watch,omitempty"`
}

type FilesConfig struct {
	Tasks  string `json:"tasks,omitempty"`  // default __task__.json
	Conf   string `json:"conf,omitempty"`   // default __conf__.json
	Phrase string `json:"phrase,omitempty"` // default phrase.txt
}

type SchedulerConfig struct {
	Period    string `json:"period,omitempty"`     // default 60s
	StopGrace string `json:"stop_grace,omitempty"` // default 20s
	Timezone  string `json:"timezone,omitempty"`
	NoAlign   bool   `json:"no_align,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	Path       string `json:"path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

type NotifierConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      *int   `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`

	Desktop  DesktopConfig  `json:"desktop,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type DesktopConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	AppName string `json:"app_name,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
}

// PluginEntry names one extension script. Path is relative to the
// extension directory.
type PluginEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type ExtensionsConfig struct {
	Dir     string        `json:"dir,omitempty"` // default addons
	Plugins []PluginEntry `json:"plugins,omitempty"`
}

const (
	HistoryNone   = "none"
	HistoryFile   = "file"
	HistorySQLite = "sqlite"
)

type HistoryConfig struct {
	Driver string `json:"driver,omitempty"` // none | file | sqlite
	Path   string `json:"path,omitempty"`
}

type StatusConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:8765
	Pprof   bool   `json:"pprof,omitempty"`
}

type SystemdConfig struct {
	Notify *bool `json:"notify,omitempty"` // default true
}

const (
	DefaultTasksFile  = "__task__.json"
	DefaultConfFile   = "__conf__.json"
	DefaultPhraseFile = "phrase.txt"
	DefaultPeriod     = time.Minute
	DefaultStopGrace  = 20 * time.Second
	DefaultStatusAddr = "127.0.0.1:8765"
	DefaultExtDir     = "addons"
	DefaultRetryMax   = 2
)

// Default returns a config with every default filled in.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills empty fields in place.
func (c *Config) ApplyDefaults() {
	c.BaseDir = orString(c.BaseDir, ".")
	c.Files.Tasks = orString(c.Files.Tasks, DefaultTasksFile)
	c.Files.Conf = orString(c.Files.Conf, DefaultConfFile)
	c.Files.Phrase = orString(c.Files.Phrase, DefaultPhraseFile)

	c.Scheduler.Period = orString(c.Scheduler.Period, DefaultPeriod.String())
	c.Scheduler.StopGrace = orString(c.Scheduler.StopGrace, DefaultStopGrace.String())

	c.Logging.Level = strings.ToLower(orString(c.Logging.Level, "info"))
	if c.Logging.Console == nil {
		c.Logging.Console = boolPtr(true)
	}
	c.Logging.File.Path = orString(c.Logging.File.Path, filepath.Join("logs", "runtime.log"))
	c.Logging.File.MaxSizeMB = orInt(c.Logging.File.MaxSizeMB, 25)
	c.Logging.File.MaxBackups = orInt(c.Logging.File.MaxBackups, 7)
	c.Logging.File.MaxAgeDays = orInt(c.Logging.File.MaxAgeDays, 28)

	c.Notifier.Workers = orInt(c.Notifier.Workers, 1)
	c.Notifier.QueueSize = orInt(c.Notifier.QueueSize, 256)
	c.Notifier.RatePerSec = orInt(c.Notifier.RatePerSec, 5)
	if c.Notifier.RetryMax == nil {
		n := DefaultRetryMax
		c.Notifier.RetryMax = &n
	}
	c.Notifier.Desktop.AppName = orString(c.Notifier.Desktop.AppName, "crontick")

	c.Extensions.Dir = orString(c.Extensions.Dir, DefaultExtDir)

	c.History.Driver = strings.ToLower(orString(c.History.Driver, HistoryNone))
	switch c.History.Driver {
	case HistoryFile:
		c.History.Path = orString(c.History.Path, filepath.Join("logs", "history.jsonl"))
	case HistorySQLite:
		c.History.Path = orString(c.History.Path, filepath.Join("logs", "history.db"))
	}

	c.Status.Addr = orString(c.Status.Addr, DefaultStatusAddr)
	if c.Systemd.Notify == nil {
		c.Systemd.Notify = boolPtr(true)
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseDurationOrDefault("scheduler.period", c.Scheduler.Period, DefaultPeriod); err != nil {
		errs = append(errs, err)
	} else if d := c.Period(); d < time.Second {
		errs = append(errs, fmt.Errorf("scheduler.period: must be at least 1s, got %s", d))
	}
	if _, err := ParseDurationOrDefault("scheduler.stop_grace", c.Scheduler.StopGrace, DefaultStopGrace); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"notifier.retry_base", c.Notifier.RetryBase},
		{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
		{"notifier.send_timeout", c.Notifier.SendTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if _, ok := logx.ParseLevel(c.Logging.Level); !ok {
		errs = append(errs, fmt.Errorf("logging.level: unknown %q", c.Logging.Level))
	}
	if c.Notifier.RetryMax != nil && *c.Notifier.RetryMax < 0 {
		errs = append(errs, errors.New("notifier.retry_max: must be >= 0"))
	}
	if t := c.Notifier.Telegram; t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			errs = append(errs, errors.New("notifier.telegram.token: required when enabled"))
		}
		if t.ChatID == 0 {
			errs = append(errs, errors.New("notifier.telegram.chat_id: required when enabled"))
		}
	}
	seen := make(map[string]bool, len(c.Extensions.Plugins))
	for i, p := range c.Extensions.Plugins {
		name := strings.TrimSpace(p.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("extensions.plugins[%d].name: required", i))
		case seen[name]:
			errs = append(errs, fmt.Errorf("extensions.plugins[%d].name: duplicate %q", i, name))
		}
		seen[name] = true
		if strings.TrimSpace(p.Path) == "" {
			errs = append(errs, fmt.Errorf("extensions.plugins[%d].path: required", i))
		}
	}
	switch c.History.Driver {
	case "", HistoryNone, HistoryFile, HistorySQLite:
	default:
		errs = append(errs, fmt.Errorf("history.driver: unknown %q", c.History.Driver))
	}
	return errors.Join(errs...)
}

// Path resolves p against BaseDir unless it is absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(orString(c.BaseDir, "."), p)
}

func (c *Config) Period() time.Duration {
	d, _ := ParseDurationOrDefault("scheduler.period", c.Scheduler.Period, DefaultPeriod)
	return d
}

func (c *Config) StopGrace() time.Duration {
	d, _ := ParseDurationOrDefault("scheduler.stop_grace", c.Scheduler.StopGrace, DefaultStopGrace)
	return d
}

func (c *Config) SystemdNotify() bool {
	return c.Systemd.Notify == nil || *c.Systemd.Notify
}

func (c *Config) ConsoleLog() bool {
	return c.Logging.Console == nil || *c.Logging.Console
}

// ParseDurationField parses an optional non-negative duration. Empty is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: bad duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

func orString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func boolPtr(b bool) *bool { return &b }
