// Package statusapi is the read-only HTTP view of a running scheduler.
package statusapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"crontick/internal/runtime/supervisor"
	"crontick/internal/scheduler"
	"crontick/internal/storage"
	logx "crontick/pkg/logx"
)

type Scheduler interface {
	Stats() scheduler.Stats
	Inspect(n int) ([]scheduler.TaskView, error)
}

type Supervised interface {
	Snapshot() supervisor.Snapshot
}

type Config struct {
	Addr  string
	Pprof bool
}

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Server struct {
	router chi.Router
	log    logx.Logger
	cfg    Config
	start  time.Time

	sched   Scheduler
	history storage.Store
	sup     Supervised
}

// New registers every route. history and sup may be nil.
func New(cfg Config, sched Scheduler, history storage.Store, sup Supervised, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		router:  chi.NewRouter(),
		log:     log.With(logx.String("comp", "statusapi")),
		cfg:     cfg,
		start:   time.Now(),
		sched:   sched,
		history: history,
		sup:     sup,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Get("/tasks", s.handleTasks)
	r.Get("/history", s.handleHistory)
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "not found")
	})
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("status api listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	if serr := <-errc; serr != nil && !errors.Is(serr, http.ErrServerClosed) && err == nil {
		err = serr
	}
	return err
}
