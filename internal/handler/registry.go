// Package handler resolves task handler names to callables.
//
// A Registry always holds the built-ins "normal" and "phrase". Extension
// handlers come from JavaScript files and are bound on ReloadExtensions; an
// extension export overwrites any same-named entry, built-ins included.
package handler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "crontick/pkg/logx"
)

// Func turns a task payload into a notification payload.
//
// The payload is a private copy; a handler may modify and return it.
type Func func(ctx context.Context, payload map[string]any) (map[string]any, error)

var (
	ErrNoExports   = errors.New("handler: script does not define an exports array")
	ErrNotFunction = errors.New("handler: export is not a function")
	ErrNoPhrase    = errors.New("handler: phrase file has no non-empty line")
)

// Plugin names one extension script.
type Plugin struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
	// origin records where each name came from ("builtin", "register" or a plugin name).
	origin map[string]string

	extMu   sync.Mutex
	extDir  string
	plugins []Plugin

	baseDir    string
	phraseFile string
	log        logx.Logger
	intn       func(n int) int
	getenv     func(string) string
}

type Option func(*Registry)

// WithBaseDir sets the directory relative paths (phrase files, scripts) resolve against.
func WithBaseDir(dir string) Option { return func(r *Registry) { r.baseDir = dir } }

// WithPhraseFile sets the file "phrase" reads when a task names none.
func WithPhraseFile(name string) Option {
	return func(r *Registry) {
		if strings.TrimSpace(name) != "" {
			r.phraseFile = name
		}
	}
}

// WithLogger sets the logger used by the registry and handed to scripts.
func WithLogger(l logx.Logger) Option { return func(r *Registry) { r.log = l } }

// WithExtensions sets the extension directory and explicit plugin list.
func WithExtensions(dir string, plugins []Plugin) Option {
	return func(r *Registry) {
		r.extDir = dir
		r.plugins = append([]Plugin(nil), plugins...)
	}
}

// WithRandom replaces the line picker used by "phrase" (tests).
func WithRandom(intn func(n int) int) Option { return func(r *Registry) { r.intn = intn } }

// WithEnv replaces the lookup behind the script env() helper.
func WithEnv(getenv func(string) string) Option { return func(r *Registry) { r.getenv = getenv } }

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		funcs:      map[string]Func{},
		origin:     map[string]string{},
		baseDir:    ".",
		phraseFile: "phrase.txt",
		extDir:     "addons",
		intn:       rand.IntN,
		getenv:     os.Getenv,
	}
	for _, o := range opts {
		o(r)
	}
	r.funcs["normal"] = Normal
	r.origin["normal"] = "builtin"
	r.funcs["phrase"] = r.phrase
	r.origin["phrase"] = "builtin"
	return r
}

// Register binds fn under name, replacing any existing entry.
func (r *Registry) Register(name string, fn Func) {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	r.funcs[name] = fn
	r.origin[name] = "register"
	r.mu.Unlock()
}

func (r *Registry) Resolve(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the bound handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Origin reports where name was bound from.
func (r *Registry) Origin(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.origin[name]
}

// SetExtensions updates the extension source for the next reload.
func (r *Registry) SetExtensions(dir string, plugins []Plugin) {
	r.extMu.Lock()
	r.extDir = dir
	r.plugins = append([]Plugin(nil), plugins...)
	r.extMu.Unlock()
}

// ReloadExtensions loads every extension script and binds its exports.
//
// All scripts are compiled and validated first. If any of them fails nothing
// is bound and the joined error is returned.
func (r *Registry) ReloadExtensions(ctx context.Context) error {
	r.extMu.Lock()
	defer r.extMu.Unlock()

	plugins, err := r.resolvePlugins()
	if err != nil {
		return err
	}

	staged := map[string]Func{}
	from := map[string]string{}
	var errs []error
	for _, p := range plugins {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := loadScript(p, r.scriptHost(p.Name))
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %q: %w", p.Name, err))
			continue
		}
		for _, name := range s.exports {
			staged[name] = s.handler(name)
			from[name] = p.Name
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	r.mu.Lock()
	for name, fn := range staged {
		r.funcs[name] = fn
		r.origin[name] = from[name]
	}
	r.mu.Unlock()

	r.log.Info("extensions reloaded", logx.Int("plugins", len(plugins)), logx.Int("handlers", len(staged)))
	return nil
}

// resolvePlugins returns the configured plugin list, or one plugin per *.js
// file in the extension directory when none is configured. A missing
// directory yields no plugins.
func (r *Registry) resolvePlugins() ([]Plugin, error) {
	if len(r.plugins) > 0 {
		out := make([]Plugin, 0, len(r.plugins))
		for _, p := range r.plugins {
			path := strings.TrimSpace(p.Path)
			if path == "" {
				return nil, fmt.Errorf("plugin %q: path is required", p.Name)
			}
			if !filepath.IsAbs(path) {
				path = filepath.Join(r.resolveDir(r.extDir), path)
			}
			name := strings.TrimSpace(p.Name)
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}
			out = append(out, Plugin{Name: name, Path: path})
		}
		return out, nil
	}

	dir := r.resolveDir(r.extDir)
	matches, err := filepath.Glob(filepath.Join(dir, "*.js"))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(matches)
	out := make([]Plugin, 0, len(matches))
	for _, m := range matches {
		out = append(out, Plugin{Name: strings.TrimSuffix(filepath.Base(m), ".js"), Path: m})
	}
	return out, nil
}

func (r *Registry) resolveDir(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.baseDir, p)
}

// Normal returns the payload unchanged.
func Normal(_ context.Context, payload map[string]any) (map[string]any, error) {
	return payload, nil
}

// phrase appends a random non-empty line of payload["filename"] (default
// the registry's phrase file) to payload["content"].
func (r *Registry) phrase(_ context.Context, payload map[string]any) (map[string]any, error) {
	name, _ := payload["filename"].(string)
	if strings.TrimSpace(name) == "" {
		name = r.phraseFile
	}
	path := r.resolveDir(name)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("phrase: %w", err)
	}
	lines := make([]string, 0, 16)
	for _, ln := range strings.Split(string(b), "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			lines = append(lines, ln)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPhrase, path)
	}

	content := ""
	switch v := payload["content"].(type) {
	case nil:
	case string:
		content = v
	default:
		content = fmt.Sprint(v)
	}
	payload["content"] = content + lines[r.intn(len(lines))]
	return payload, nil
}
