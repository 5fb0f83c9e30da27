package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crontick/internal/dispatch"
	"crontick/internal/handler"
	"crontick/internal/jsoncache"
	"crontick/internal/notifier"
	"crontick/internal/task"
	logx "crontick/pkg/logx"
)

type countingDispatcher struct {
	mu    sync.Mutex
	calls int
	nows  []time.Time
	tasks [][]task.Task
}

func (d *countingDispatcher) Dispatch(_ context.Context, now time.Time, tasks []task.Task) dispatch.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.nows = append(d.nows, now)
	d.tasks = append(d.tasks, tasks)
	return dispatch.Result{}
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func openTasks(t *testing.T, content string) *jsoncache.Cache {
	t.Helper()
	c, err := jsoncache.Open(filepath.Join(t.TempDir(), "__task__.json"), content)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestTickDecodesTasksWithOneTimestamp(t *testing.T) {
	t.Parallel()
	tasks := openTasks(t, `[{"cron":"* * * * *"},{"func":"skip"}]`)
	d := &countingDispatcher{}
	s := New(Config{Timezone: "UTC"}, tasks, d, logx.Nop(), nil)
	fixed := time.Date(2024, time.January, 1, 3, 4, 5, 0, time.FixedZone("X", 3600))
	s.now = func() time.Time { return fixed }

	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.calls != 1 || len(d.tasks[0]) != 2 {
		t.Fatalf("calls=%d tasks=%v", d.calls, d.tasks)
	}
	if !d.nows[0].Equal(fixed) || d.nows[0].Location() != time.UTC {
		t.Fatalf("now = %v, want %v in UTC", d.nows[0], fixed)
	}
	if st := s.Stats(); st.Ticks != 1 || !st.LastTick.Equal(fixed) {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTickPicksUpExternalEdits(t *testing.T) {
	t.Parallel()
	tasks := openTasks(t, `[]`)
	d := &countingDispatcher{}
	s := New(Config{}, tasks, d, logx.Nop(), nil)
	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tasks.Path(), []byte(`[{"cron":"* * * * *"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(d.tasks[1]) != 1 {
		t.Fatalf("second tick saw %d tasks", len(d.tasks[1]))
	}
}

func TestTickSkipsOnCorruptTaskFile(t *testing.T) {
	t.Parallel()
	tasks := openTasks(t, `[]`)
	d := &countingDispatcher{}
	s := New(Config{}, tasks, d, logx.Nop(), nil)
	if err := os.WriteFile(tasks.Path(), []byte(`[{`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Tick(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if d.calls != 0 {
		t.Fatal("dispatcher called for a skipped tick")
	}
	if s.Stats().LastErr == "" {
		t.Fatal("last error not recorded")
	}
}

func TestRequestStopHaltsExactlyOnce(t *testing.T) {
	t.Parallel()
	s := New(Config{}, openTasks(t, `[]`), &countingDispatcher{}, logx.Nop(), nil)
	start := time.Now()
	if !s.RequestStop(50 * time.Millisecond) {
		t.Fatal("first RequestStop did not arm")
	}
	for i := 0; i < 3; i++ {
		if s.RequestStop(time.Millisecond) {
			t.Fatal("second RequestStop armed again")
		}
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("halt never happened")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("halted before the grace period")
	}
}

func TestRunTicksImmediatelyAndHaltsOnStop(t *testing.T) {
	t.Parallel()
	d := &countingDispatcher{}
	s := New(Config{Period: time.Hour, NoAlign: true}, openTasks(t, `[]`), d, logx.Nop(), nil)

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for d.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.count() != 1 {
		t.Fatalf("ticks = %d, want 1", d.count())
	}
	s.RequestStop(10 * time.Millisecond)
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v, want nil after halt", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after halt")
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	t.Parallel()
	s := New(Config{}, openTasks(t, `[]`), &countingDispatcher{}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored cancellation")
	}
}

type nopNotifier struct{ n atomic.Int32 }

func (n *nopNotifier) Notify(context.Context, notifier.Notification) error {
	n.n.Add(1)
	return nil
}

func TestStopTaskThroughDispatcher(t *testing.T) {
	t.Parallel()
	tasks := openTasks(t, `[{"func":"stop"},{"cron":"* * * * *","content":"after"},{"func":"stop"}]`)
	notes := &nopNotifier{}
	var s *Service
	var armed atomic.Int32
	disp := dispatch.New(dispatch.Deps{
		Handlers:  handler.NewRegistry(),
		Notifier:  notes,
		StopGrace: 30 * time.Millisecond,
		Stop: func(g time.Duration) {
			if s.RequestStop(g) {
				armed.Add(1)
			}
		},
	})
	s = New(Config{}, tasks, disp, logx.Nop(), nil)

	for i := 0; i < 2; i++ {
		if _, err := s.Tick(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if notes.n.Load() != 2 {
		t.Fatalf("notifications = %d, want 2", notes.n.Load())
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("no halt")
	}
	if armed.Load() != 1 {
		t.Fatalf("halts armed = %d, want 1", armed.Load())
	}
}

func TestApplyUnknownTimezoneFallsBack(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "Mars/Olympus"}, openTasks(t, `[]`), &countingDispatcher{}, logx.Nop(), nil)
	if s.Location() != time.Local {
		t.Fatalf("loc = %v", s.Location())
	}
	s.Apply(Config{Timezone: "UTC"})
	if s.Location() != time.UTC {
		t.Fatalf("loc = %v", s.Location())
	}
}
