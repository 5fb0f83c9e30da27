package scheduler

import (
	"time"

	"crontick/internal/cronexpr"
	"crontick/internal/task"
)

// nextHorizon bounds the search for upcoming matches.
const nextHorizon = 366 * 24 * time.Hour

// TaskView describes one task entry for operators.
type TaskView struct {
	Index     int         `json:"index"`
	Kind      string      `json:"kind"`
	Directive string      `json:"directive,omitempty"`
	Handler   string      `json:"handler,omitempty"`
	Cron      string      `json:"cron,omitempty"`
	Title     string      `json:"title,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	CronError string      `json:"cron_error,omitempty"`
	Next      []time.Time `json:"next,omitempty"`
}

// Problem reports whether the entry can never run as written.
func (v TaskView) Problem() bool {
	return v.Reason != "" || v.CronError != ""
}

// Inspect decodes tasks and computes up to n upcoming matches for each
// scheduled entry, starting after now.
func Inspect(tasks []task.Task, now time.Time, n int) []TaskView {
	out := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		v := TaskView{
			Index:     t.Index,
			Kind:      t.Kind.String(),
			Directive: string(t.Directive),
			Handler:   t.Handler,
			Cron:      t.Cron,
			Title:     t.Title(),
			Reason:    t.Reason,
		}
		if t.Kind == task.KindScheduled {
			expr, err := cronexpr.Parse(t.Cron)
			if err != nil {
				v.CronError = err.Error()
			} else {
				after := now
				for i := 0; i < n; i++ {
					next, ok := expr.Next(after, nextHorizon)
					if !ok {
						break
					}
					v.Next = append(v.Next, next)
					after = next
				}
			}
		}
		out = append(out, v)
	}
	return out
}

// Inspect reloads the task file and describes it in the scheduler's zone.
func (s *Service) Inspect(n int) ([]TaskView, error) {
	if err := s.tasks.Reload(); err != nil {
		return nil, err
	}
	items, err := s.tasks.Items()
	if err != nil {
		return nil, err
	}
	return Inspect(task.DecodeList(items), s.now().In(s.location()), n), nil
}
