package logx

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level and outputs. With neither output enabled the console
// is used anyway so errors are never lost.
type Config struct {
	Level   string
	Console bool
	File    FileConfig

	// Output receives console lines; nil means stderr. stdout stays free for
	// command output.
	Output io.Writer
}

// FileConfig controls the rotating JSON log file. Zero sizes fall back to
// 25 MB, 7 backups and 28 days.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field decorates one event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

func String(k, v string) Field         { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field        { return func(e *zerolog.Event) { e.Int(k, v) } }
func Bool(k string, v bool) Field      { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Str(k, v.String()) }
}

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger is passed by value. One created by a Service follows its Apply
// calls; the zero value discards everything.
type Logger struct {
	svc    *Service
	fixed  *zerolog.Logger
	fields []Field
}

var nop = zerolog.Nop()

func Nop() Logger { return Logger{fixed: &nop} }

// NewJSON writes JSON lines to w without a Service; tests use it to capture
// output.
func NewJSON(w io.Writer, level string) Logger {
	lvl, _ := ParseLevel(level)
	zl := newZerolog(w, lvl)
	return Logger{fixed: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && len(l.fields) == 0 }

func (l Logger) zl() *zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.fixed != nil:
		return l.fixed
	default:
		return &nop
	}
}

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool { return level >= l.zl().GetLevel() }

// With returns a child logger that always carries fields.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(l.fields[:len(l.fields):len(l.fields)], fields...)
	return l
}

func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	e := l.zl().WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// Service owns the outputs and swaps them on Apply without invalidating
// loggers handed out earlier.
type Service struct {
	mu   sync.Mutex
	file *lumberjack.Logger
	cur  atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() *zerolog.Logger {
	if zl := s.cur.Load(); zl != nil {
		return zl
	}
	return &nop
}

// Apply rebuilds the outputs. The previous log file is closed after the new
// logger is in place.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	console := cfg.Output
	if console == nil {
		console = os.Stderr
	}
	var (
		writers []io.Writer
		file    *lumberjack.Logger
	)
	if cfg.Console {
		writers = append(writers, consoleWriter(console))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = filepath.Join("logs", "runtime.log")
		}
		file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    positive(cfg.File.MaxSizeMB, 25),
			MaxBackups: positive(cfg.File.MaxBackups, 7),
			MaxAge:     positive(cfg.File.MaxAgeDays, 28),
		}
		writers = append(writers, zerolog.SyncWriter(file))
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(console))
	}

	lvl, _ := ParseLevel(cfg.Level)
	zl := newZerolog(zerolog.MultiLevelWriter(writers...), lvl)
	s.cur.Store(&zl)

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
}

// Close releases the log file. Later writes go to a closed lumberjack logger,
// which reopens it, so Close belongs at process exit.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

var setGlobals = sync.OnceFunc(func() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
})

func newZerolog(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	setGlobals()
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: callerAsIs,
	}
}

// callerAsIs prints the caller already shortened by write.
func callerAsIs(i any) string {
	s, _ := i.(string)
	return s
}

// ParseLevel maps a settings value to a level. Empty means info; ok is false
// for anything unknown, which also maps to info.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "", "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
