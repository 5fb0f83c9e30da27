package statusapi

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"crontick/internal/runtime/supervisor"
	"crontick/internal/scheduler"
)

const (
	maxHistory = 1000
	maxNext    = 20
)

type healthResponse struct {
	Status     string               `json:"status"`
	GoVersion  string               `json:"go_version"`
	Uptime     string               `json:"uptime"`
	Scheduler  scheduler.Stats      `json:"scheduler"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
	History    bool                 `json:"history"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.sched.Stats()
	resp := healthResponse{
		Status:    "ok",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.start).Round(time.Second).String(),
		Scheduler: st,
		History:   s.history != nil,
	}
	switch {
	case st.Stopping:
		resp.Status = "stopping"
	case st.LastErr != "":
		resp.Status = "degraded"
	}
	if s.sup != nil {
		snap := s.sup.Snapshot()
		resp.Supervisor = &snap
	}
	respondOK(w, r, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	n, ok := intParam(w, r, "next", 1, maxNext)
	if !ok {
		return
	}
	views, err := s.sched.Inspect(n)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, r, views)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, r, http.StatusNotFound, "history disabled")
		return
	}
	limit, ok := intParam(w, r, "limit", 50, maxHistory)
	if !ok {
		return
	}
	runs, err := s.history.RecentRuns(r.Context(), limit)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, r, runs)
}

// intParam reads a positive query integer capped at ceiling. It writes a 400 and
// returns false when the value is malformed.
func intParam(w http.ResponseWriter, r *http.Request, name string, def, ceiling int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		respondError(w, r, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return min(n, ceiling), true
}
