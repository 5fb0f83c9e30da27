package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	logx "crontick/pkg/logx"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CRONTICK_"

// RunModeKey picks the mode env file read after .env: "prod" reads
// .env.production, anything else .env.development.
const RunModeKey = EnvPrefix + "RUN_MODE"

var runModeFiles = map[string]string{
	"dev":  ".env.development",
	"prod": ".env.production",
}

const (
	watchDebounce     = 250 * time.Millisecond
	watchBackoffBase  = 250 * time.Millisecond
	watchBackoffMax   = 5 * time.Second
	validateTimeout   = 5 * time.Second
	defaultSubBacklog = 1
)

// Manager owns the current config. Parse is pure; Load and Reload commit and,
// for Reload, publish to subscribers.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	env      dotenv
	lastHash uint64

	// subsMu is held while sending so Unsubscribe never closes a channel mid-send.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
	lookupEnv func(string) (string, bool)
	overrides []func(*Config)
}

type Option func(*Manager)

func WithLogger(l logx.Logger) Option { return func(m *Manager) { m.log = l } }

// WithValidator adds a check run by Reload before anything is committed.
func WithValidator(fn func(ctx context.Context, cfg *Config) error) Option {
	return func(m *Manager) { m.validator = fn }
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.lookupEnv = fn
		}
	}
}

// WithOverride runs fn after env overrides and before defaults on every
// parse. Command-line flags use it.
func WithOverride(fn func(*Config)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.overrides = append(m.overrides, fn)
		}
	}
}

// NewManager reads path on Load. An empty path means defaults plus env.
// The .env files are read from the directory holding path.
func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{path: path, lookupEnv: os.LookupEnv, log: logx.Nop()}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(l logx.Logger) {
	if !l.IsZero() {
		m.log = l
	}
}

// Parse reads, decodes, overrides, defaults and validates without committing.
// A missing file is not an error.
func (m *Manager) Parse() (*Config, error) {
	cfg, _, err := m.parse()
	return cfg, err
}

func (m *Manager) parse() (*Config, dotenv, error) {
	env, err := m.readDotenv()
	if err != nil {
		return nil, dotenv{}, err
	}
	cfg := &Config{}
	if m.path != "" {
		b, err := os.ReadFile(m.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			m.log.Debug("config file missing, using defaults", logx.String("path", m.path))
		case err != nil:
			return nil, dotenv{}, err
		default:
			if cfg, err = decodeStrict(m.path, b); err != nil {
				return nil, dotenv{}, fmt.Errorf("%s: %w", m.path, err)
			}
		}
	}
	lookup := func(key string) (string, bool) { return env.lookup(m.lookupEnv, key) }
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, dotenv{}, err
	}
	for _, fn := range m.overrides {
		fn(cfg)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, dotenv{}, err
	}
	return cfg, env, nil
}

// dotenv holds the variables read from .env and the mode env file.
type dotenv struct {
	base map[string]string
	mode map[string]string
}

// lookup prefers the mode file, then the process, then .env.
func (d dotenv) lookup(process func(string) (string, bool), key string) (string, bool) {
	if v, ok := d.mode[key]; ok {
		return v, true
	}
	if v, ok := process(key); ok {
		return v, true
	}
	v, ok := d.base[key]
	return v, ok
}

func (m *Manager) readDotenv() (dotenv, error) {
	dir := filepath.Dir(m.path)
	base, err := readEnvFile(filepath.Join(dir, ".env"))
	if err != nil {
		return dotenv{}, err
	}
	mode, ok := m.lookupEnv(RunModeKey)
	if !ok {
		mode = base[RunModeKey]
	}
	name, ok := runModeFiles[strings.ToLower(strings.TrimSpace(mode))]
	if !ok {
		name = runModeFiles["dev"]
	}
	modeVars, err := readEnvFile(filepath.Join(dir, name))
	if err != nil {
		return dotenv{}, err
	}
	return dotenv{base: base, mode: modeVars}, nil
}

func readEnvFile(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vars, nil
}

func isEnvFile(name string) bool {
	return name == ".env" || strings.HasPrefix(name, ".env.")
}

// LookupEnv resolves key against the committed env files and the process
// environment, in the order settings overrides use.
func (m *Manager) LookupEnv(key string) (string, bool) {
	m.mu.RLock()
	env := m.env
	m.mu.RUnlock()
	return env.lookup(m.lookupEnv, key)
}

func decodeStrict(path string, b []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(jb)) == 0 || bytes.Equal(bytes.TrimSpace(jb), []byte("null")) {
		return &Config{}, nil
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("trailing data after config")
		}
		return nil, err
	}
	return &cfg, nil
}

// Load parses and commits without notifying subscribers.
func (m *Manager) Load() (*Config, error) {
	cfg, env, err := m.parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, env)
	return cfg, nil
}

// Reload parses, validates, commits and publishes. The current config is
// kept when any step fails. Unchanged content is not republished, but env
// file edits are still picked up.
func (m *Manager) Reload(ctx context.Context) error {
	cfg, env, err := m.parse()
	if err != nil {
		return err
	}
	h := hashConfig(cfg)
	m.mu.Lock()
	old, unchanged := m.cfg, h != 0 && h == m.lastHash
	if unchanged {
		m.env = env
	}
	m.mu.Unlock()
	if unchanged {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return nil
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return fmt.Errorf("config rejected: %w", err)
		}
	}
	m.commit(cfg, env)
	m.publish(cfg)

	sections, attrs := SummarizeChange(old, cfg)
	attrs = append(attrs, logx.String("path", m.path), logx.String("sections", strings.Join(sections, ",")))
	m.log.Info("config reloaded", attrs...)
	return nil
}

func (m *Manager) commit(cfg *Config, env dotenv) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cfg = cfg
	m.env = env
	m.lastHash = h
	m.mu.Unlock()
}

// Get returns the committed config; callers must not mutate it.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	if buffer <= 0 {
		buffer = defaultSubBacklog
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		last := len(m.subs) - 1
		m.subs[i] = m.subs[last]
		m.subs[last] = nil
		m.subs = m.subs[:last]
		close(ch)
		return
	}
}

// publish delivers the newest config to every subscriber, evicting the
// oldest queued one when a buffer is full.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Watch reloads on changes to the settings file or the env files next to it
// until ctx ends. The fsnotify
// watcher is recreated with backoff if it breaks.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			if err := m.Reload(ctx); err != nil {
				m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := watchBackoffBase
	wait := func(reason string, err error) bool {
		d := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchBackoffMax)
		m.log.Warn(reason, logx.String("dir", dir), logx.Err(err), logx.Duration("backoff", d))
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			if !wait("config watcher init failed", err) {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			if !wait("config watcher add failed", err) {
				return nil
			}
			continue
		}
		backoff = watchBackoffBase
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		err = m.watchLoop(ctx, w, file, schedule)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		if !wait("config watcher stopped, restarting", err) {
			return nil
		}
	}
	return nil
}

// watchLoop returns when ctx ends or the watcher breaks.
func (m *Manager) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string, changed func()) error {
	const ops = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			name := filepath.Base(ev.Name)
			if (strings.EqualFold(name, file) || isEnvFile(name)) && ev.Op&ops != 0 {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if err == nil {
				continue
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watcher overflow, forcing reload", logx.Err(err))
				changed()
				continue
			}
			m.log.Warn("config watcher error", logx.Err(err))
		}
	}
}

// applyEnv copies CRONTICK_* variables over cfg. Values are normalised with
// cast so "1", "true" and "TRUE" all read as true.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	var errs []error

	if v, ok := get("BASE_DIR"); ok {
		cfg.BaseDir = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get("DEBUG"); ok {
		debug, err := cast.ToBoolE(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sDEBUG: %w", EnvPrefix, err))
		} else if debug {
			cfg.Logging.Level = "debug"
			cfg.Logging.Console = boolPtr(true)
		}
	}
	if v, ok := get("TIMEZONE"); ok {
		cfg.Scheduler.Timezone = v
	}
	if v, ok := get("TELEGRAM_TOKEN"); ok {
		cfg.Notifier.Telegram.Token = v
		cfg.Notifier.Telegram.Enabled = true
	}
	if v, ok := get("TELEGRAM_CHAT_ID"); ok {
		id, err := cast.ToInt64E(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTELEGRAM_CHAT_ID: %w", EnvPrefix, err))
		} else {
			cfg.Notifier.Telegram.ChatID = id
		}
	}
	if v, ok := get("STATUS_ADDR"); ok {
		cfg.Status.Addr = v
		cfg.Status.Enabled = true
	}
	return errors.Join(errs...)
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
