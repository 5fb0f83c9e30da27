package handler

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"

	logx "crontick/pkg/logx"
)

// script is one compiled extension. A goja runtime is not safe for concurrent
// use, so calls into it are serialized.
type script struct {
	mu      sync.Mutex
	plugin  Plugin
	vm      *goja.Runtime
	exports []string
	fns     map[string]goja.Callable
}

type scriptHost struct {
	log    logx.Logger
	getenv func(string) string
}

func (r *Registry) scriptHost(plugin string) scriptHost {
	return scriptHost{
		log:    r.log.With(logx.String("plugin", plugin)),
		getenv: r.getenv,
	}
}

func loadScript(p Plugin, host scriptHost) (*script, error) {
	src, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	prog, err := goja.Compile(p.Path, string(src), false)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := installHost(vm, host); err != nil {
		return nil, err
	}
	if _, err := vm.RunProgram(prog); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}

	exp := vm.Get("exports")
	if exp == nil || goja.IsUndefined(exp) || goja.IsNull(exp) {
		return nil, ErrNoExports
	}
	var names []string
	if err := vm.ExportTo(exp, &names); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoExports, err)
	}

	s := &script{plugin: p, vm: vm, exports: names, fns: make(map[string]goja.Callable, len(names))}
	for _, name := range names {
		fn, ok := goja.AssertFunction(vm.Get(name))
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFunction, name)
		}
		s.fns[name] = fn
	}
	return s, nil
}

func installHost(vm *goja.Runtime, host scriptHost) error {
	logObj := map[string]any{
		"info":  func(msg string) { host.log.Info(msg) },
		"warn":  func(msg string) { host.log.Warn(msg) },
		"error": func(msg string) { host.log.Error(msg) },
	}
	if err := vm.Set("log", logObj); err != nil {
		return fmt.Errorf("set log: %w", err)
	}
	if err := vm.Set("env", host.getenv); err != nil {
		return fmt.Errorf("set env: %w", err)
	}
	return nil
}

// handler returns a Func calling the named export with the payload as its
// single argument. Returning undefined or null yields the payload unchanged.
func (s *script) handler(name string) Func {
	return func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		stop := context.AfterFunc(ctx, func() { s.vm.Interrupt(ctx.Err()) })
		defer func() {
			stop()
			s.vm.ClearInterrupt()
		}()

		fn := s.fns[name]
		res, err := fn(goja.Undefined(), s.vm.ToValue(payload))
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", s.plugin.Name, name, err)
		}
		if goja.IsUndefined(res) || goja.IsNull(res) {
			return payload, nil
		}
		out, ok := res.Export().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s.%s: returned %T, want object", s.plugin.Name, name, res.Export())
		}
		return out, nil
	}
}
