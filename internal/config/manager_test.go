package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "crontick.yaml"), WithLookupEnv(noEnv))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Files.Tasks != DefaultTasksFile || cfg.Files.Conf != DefaultConfFile {
		t.Fatalf("files = %+v", cfg.Files)
	}
	if cfg.Period() != time.Minute || cfg.StopGrace() != 20*time.Second {
		t.Fatalf("period=%s grace=%s", cfg.Period(), cfg.StopGrace())
	}
	if cfg.History.Driver != HistoryNone || cfg.Status.Enabled || cfg.Status.Addr != DefaultStatusAddr {
		t.Fatalf("history=%+v status=%+v", cfg.History, cfg.Status)
	}
	if !cfg.SystemdNotify() || !cfg.ConsoleLog() || *cfg.Notifier.RetryMax != DefaultRetryMax {
		t.Fatal("boolean defaults wrong")
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestParseYAMLAndJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	yml := writeFile(t, dir, "crontick.yaml", `
base_dir: /srv/tick
scheduler:
  period: 30s
  timezone: UTC
notifier:
  retry_max: 0
  desktop:
    enabled: true
extensions:
  plugins:
    - name: greet
      path: greet.js
history:
  driver: SQLite
`)
	cfg, err := NewManager(yml, WithLookupEnv(noEnv)).Parse()
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if cfg.Period() != 30*time.Second || cfg.Scheduler.Timezone != "UTC" {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if *cfg.Notifier.RetryMax != 0 || !cfg.Notifier.Desktop.Enabled {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
	if len(cfg.Extensions.Plugins) != 1 || cfg.Extensions.Plugins[0].Name != "greet" {
		t.Fatalf("plugins = %+v", cfg.Extensions.Plugins)
	}
	if cfg.History.Driver != HistorySQLite || cfg.History.Path != filepath.Join("logs", "history.db") {
		t.Fatalf("history = %+v", cfg.History)
	}
	if got := cfg.Path(cfg.Files.Tasks); got != filepath.Join("/srv/tick", DefaultTasksFile) {
		t.Fatalf("Path = %q", got)
	}

	js := writeFile(t, dir, "crontick.json", `{"status":{"enabled":true,"pprof":true}}`)
	cfg, err = NewManager(js, WithLookupEnv(noEnv)).Parse()
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if !cfg.Status.Enabled || !cfg.Status.Pprof {
		t.Fatalf("status = %+v", cfg.Status)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body, want string
	}{
		{"unknown field", "c.json", `{"nope":1}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad yaml", "c.yaml", "scheduler: [", "yaml"},
		{"bad period", "c.yaml", "scheduler:\n  period: soon\n", "scheduler.period"},
		{"sub-second period", "c.yaml", "scheduler:\n  period: 500ms\n", "at least 1s"},
		{"bad timezone", "c.yaml", "scheduler:\n  timezone: Mars/Base\n", "scheduler.timezone"},
		{"telegram without token", "c.yaml", "notifier:\n  telegram:\n    enabled: true\n    chat_id: 1\n", "token"},
		{"duplicate plugin", "c.yaml", "extensions:\n  plugins:\n    - {name: a, path: a.js}\n    - {name: a, path: b.js}\n", "duplicate"},
		{"history driver", "c.yaml", "history:\n  driver: redis\n", "history.driver"},
		{"log level", "c.yaml", "logging:\n  level: loud\n", "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := writeFile(t, t.TempDir(), tt.file, tt.body)
			_, err := NewManager(p, WithLookupEnv(noEnv)).Parse()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "c.yaml", "logging:\n  level: warn\n  console: false\n")
	m := NewManager(p, WithLookupEnv(envMap(map[string]string{
		"CRONTICK_DEBUG":            "TRUE",
		"CRONTICK_TIMEZONE":         "UTC",
		"CRONTICK_TELEGRAM_TOKEN":   "t0k",
		"CRONTICK_TELEGRAM_CHAT_ID": " -1001 ",
		"CRONTICK_STATUS_ADDR":      ":9000",
	})))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" || !cfg.ConsoleLog() {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	tg := cfg.Notifier.Telegram
	if !tg.Enabled || tg.Token != "t0k" || tg.ChatID != -1001 {
		t.Fatalf("telegram = %+v", tg)
	}
	if !cfg.Status.Enabled || cfg.Status.Addr != ":9000" || cfg.Scheduler.Timezone != "UTC" {
		t.Fatalf("status=%+v tz=%q", cfg.Status, cfg.Scheduler.Timezone)
	}

	bad := NewManager(p, WithLookupEnv(envMap(map[string]string{"CRONTICK_DEBUG": "maybe"})))
	if _, err := bad.Parse(); err == nil || !strings.Contains(err.Error(), "CRONTICK_DEBUG") {
		t.Fatalf("err = %v", err)
	}
}

func TestEnvFilesLayerAroundProcessEnv(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "c.yaml", "logging:\n  console: false\n")
	writeFile(t, dir, ".env", "CRONTICK_LOG_LEVEL=warn\nCRONTICK_TIMEZONE=UTC\nCRONTICK_RUN_MODE=prod\nGREETING=hello\n")
	writeFile(t, dir, ".env.production", "CRONTICK_LOG_LEVEL=error\n")
	writeFile(t, dir, ".env.development", "CRONTICK_LOG_LEVEL=trace\n")

	m := NewManager(p, WithLookupEnv(envMap(map[string]string{
		"CRONTICK_TIMEZONE": "Asia/Shanghai",
	})))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "error" {
		t.Fatalf("level = %q, want the mode file to win", cfg.Logging.Level)
	}
	if cfg.Scheduler.Timezone != "Asia/Shanghai" {
		t.Fatalf("timezone = %q, want the process env to beat .env", cfg.Scheduler.Timezone)
	}
	if v, ok := m.LookupEnv("GREETING"); !ok || v != "hello" {
		t.Fatalf("GREETING = %q, %v", v, ok)
	}

	dev := NewManager(p, WithLookupEnv(envMap(map[string]string{RunModeKey: "dev"})))
	if cfg, err = dev.Parse(); err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "trace" {
		t.Fatalf("dev level = %q", cfg.Logging.Level)
	}
}

func TestReloadPicksUpEnvFileEdits(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "c.yaml", "logging:\n  console: false\n")
	writeFile(t, dir, ".env", "GREETING=hello\n")
	m := NewManager(p, WithLookupEnv(noEnv))
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	ctx := context.Background()

	writeFile(t, dir, ".env", "GREETING=bye\n")
	if err := m.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.LookupEnv("GREETING"); v != "bye" {
		t.Fatalf("GREETING = %q after reload", v)
	}
	select {
	case <-ch:
		t.Fatal("env-only edit republished the config")
	default:
	}

	writeFile(t, dir, ".env.development", "CRONTICK_TELEGRAM_TOKEN=t0k\nCRONTICK_TELEGRAM_CHAT_ID=7\n")
	if err := m.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if tg := cfg.Notifier.Telegram; !tg.Enabled || tg.Token != "t0k" || tg.ChatID != 7 {
			t.Fatalf("telegram = %+v", tg)
		}
	default:
		t.Fatal("token from env file not published")
	}

	writeFile(t, dir, ".env", "GREET%ING=oops\n")
	if err := m.Reload(ctx); err == nil {
		t.Fatal("malformed .env accepted")
	}
	if v, _ := m.LookupEnv("GREETING"); v != "bye" {
		t.Fatalf("GREETING = %q after failed reload", v)
	}
}

func TestOverrideRunsBeforeDefaults(t *testing.T) {
	t.Parallel()
	m := NewManager("", WithLookupEnv(noEnv), WithOverride(func(c *Config) {
		c.Logging.Level = "ERROR"
	}))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "error" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "c.yaml", "scheduler:\n  timezone: UTC\n")
	m := NewManager(p, WithLookupEnv(noEnv))
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	ctx := context.Background()

	if err := m.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
		t.Fatal("unchanged config was published")
	default:
	}

	writeFile(t, filepath.Dir(p), "c.yaml", "scheduler:\n  timezone: Europe/Berlin\n")
	if err := m.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Scheduler.Timezone != "Europe/Berlin" {
			t.Fatalf("tz = %q", cfg.Scheduler.Timezone)
		}
	default:
		t.Fatal("change not published")
	}

	writeFile(t, filepath.Dir(p), "c.yaml", "scheduler: [")
	if err := m.Reload(ctx); err == nil {
		t.Fatal("expected parse error")
	}
	if m.Get().Scheduler.Timezone != "Europe/Berlin" {
		t.Fatal("failed reload replaced the committed config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
}

func TestReloadValidatorRejects(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "c.yaml", "watch: false\n")
	calls := 0
	m := NewManager(p, WithLookupEnv(noEnv), WithValidator(func(_ context.Context, c *Config) error {
		calls++
		if c.Watch {
			return os.ErrPermission
		}
		return nil
	}))
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Dir(p), "c.yaml", "watch: true\n")
	if err := m.Reload(context.Background()); err == nil {
		t.Fatal("validator error ignored")
	}
	if calls != 1 || m.Get().Watch {
		t.Fatalf("calls=%d watch=%v", calls, m.Get().Watch)
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("", WithLookupEnv(noEnv))
	ch := m.Subscribe(1)
	a, b := Default(), Default()
	b.Watch = true
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatal("slow subscriber did not get the newest config")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.yaml", "scheduler:\n  timezone: UTC\n")
	m := NewManager(p, WithLookupEnv(noEnv))
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(4 * watchDebounce)
	defer tick.Stop()
	for {
		// Rewrite until the watcher has registered and picked it up.
		writeFile(t, dir, "c.yaml", "scheduler:\n  timezone: Asia/Tokyo\n")
		select {
		case cfg := <-ch:
			if cfg.Scheduler.Timezone != "Asia/Tokyo" {
				t.Fatalf("tz = %q", cfg.Scheduler.Timezone)
			}
			return
		case <-deadline:
			t.Fatal("watch never reloaded")
		case <-tick.C:
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Notifier.Telegram.Token = "secret"
	b.Status.Enabled = true
	sections, attrs := SummarizeChange(a, b)
	if strings.Join(sections, ",") != "notifier,status" {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if got := RestartOnly(sections); len(got) != 1 || got[0] != "status" {
		t.Fatalf("restart-only = %v", got)
	}
	if s, _ := SummarizeChange(nil, nil); len(s) != 0 {
		t.Fatalf("nil diff = %v", s)
	}
}
