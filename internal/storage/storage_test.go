package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"crontick/internal/dispatch"
	"crontick/internal/eventbus"
	logx "crontick/pkg/logx"
)

func openStore(t *testing.T, driver string, keep int) Store {
	t.Helper()
	name := "history.jsonl"
	if driver == "sqlite" {
		name = "history.db"
	}
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "nested", name), Keep: keep}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func run(i int) Run {
	return Run{
		ID:        fmt.Sprintf("run-%d", i),
		At:        time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC),
		TaskIndex: i,
		Handler:   "normal",
		Cron:      "* * * * *",
		Outcome:   string(dispatch.OutcomeDispatched),
		TookMS:    int64(i),
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("driver %q: st=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("missing path accepted")
	}
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestStores(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openStore(t, driver, 0)
			ctx := context.Background()

			empty, err := st.RecentRuns(ctx, 10)
			if err != nil || len(empty) != 0 {
				t.Fatalf("empty store: %v %v", empty, err)
			}
			for i := 0; i < 5; i++ {
				if err := st.AppendRun(ctx, run(i)); err != nil {
					t.Fatal(err)
				}
			}
			failed := run(5)
			failed.Outcome, failed.Error, failed.Handler = "failed", "boom", ""
			if err := st.AppendRun(ctx, failed); err != nil {
				t.Fatal(err)
			}

			got, err := st.RecentRuns(ctx, 3)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 3 || got[0].ID != "run-5" || got[2].ID != "run-3" {
				t.Fatalf("recent = %+v", got)
			}
			if got[0].Error != "boom" || got[0].Handler != "" || got[0].Outcome != "failed" {
				t.Fatalf("newest = %+v", got[0])
			}
			if !got[1].At.Equal(run(4).At) || got[1].TookMS != 4 || got[1].Cron != "* * * * *" {
				t.Fatalf("second = %+v", got[1])
			}

			all, err := st.RecentRuns(ctx, 0)
			if err != nil || len(all) != 6 {
				t.Fatalf("default limit: %d %v", len(all), err)
			}
		})
	}
}

func TestStoresKeepBound(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openStore(t, driver, 5)
			ctx := context.Background()
			for i := 0; i < 120; i++ {
				if err := st.AppendRun(ctx, run(i%60)); err != nil {
					t.Fatal(err)
				}
			}
			all, err := st.RecentRuns(ctx, 1000)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) < 5 || len(all) >= 120 {
				t.Fatalf("kept %d runs", len(all))
			}
			if all[0].TaskIndex != 59 {
				t.Fatalf("newest = %+v", all[0])
			}
		})
	}
}

func TestFileStoreSurvivesReopenAndCorruptLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "h.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := st.AppendRun(ctx, run(1)); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()
	if err := st.AppendRun(ctx, run(2)); !errors.Is(err, ErrClosed) {
		t.Fatalf("append after close = %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("{not json\n\n")
	_ = f.Close()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.AppendRun(ctx, run(3)); err != nil {
		t.Fatal(err)
	}
	got, err := st.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "run-3" || got[1].ID != "run-1" {
		t.Fatalf("got %+v", got)
	}
}

type memStore struct {
	runs []Run
	err  error
}

func (m *memStore) AppendRun(_ context.Context, r Run) error {
	if m.err != nil {
		return m.err
	}
	m.runs = append(m.runs, r)
	return nil
}
func (m *memStore) RecentRuns(context.Context, int) ([]Run, error) { return m.runs, nil }
func (m *memStore) Close() error                                   { return nil }

func TestRecorderRecord(t *testing.T) {
	t.Parallel()
	ms := &memStore{}
	rec := NewRecorder(ms, logx.Nop())
	ctx := context.Background()
	at := time.Now()

	rec.Record(ctx, eventbus.Event{Type: eventbus.TaskFailed, Data: dispatch.RunEvent{
		RunID: "r1", At: at, TaskIndex: 2, Handler: "x", Outcome: dispatch.OutcomeFailed, Error: "bad",
	}})
	rec.Record(ctx, eventbus.Event{Type: eventbus.TickFinished, Data: dispatch.Result{}})
	rec.Record(ctx, eventbus.Event{Type: eventbus.TaskControl, Data: "not a run"})

	if len(ms.runs) != 1 {
		t.Fatalf("runs = %+v", ms.runs)
	}
	if r := ms.runs[0]; r.ID != "r1" || r.Outcome != "failed" || r.Error != "bad" || r.TaskIndex != 2 {
		t.Fatalf("run = %+v", r)
	}
	ms.err = errors.New("disk full")
	rec.Record(ctx, eventbus.Event{Type: eventbus.TaskDispatched, Data: dispatch.RunEvent{RunID: "r2"}})
	if w, f := rec.Counts(); w != 1 || f != 1 {
		t.Fatalf("counts = %d/%d", w, f)
	}
}

func TestRecorderRunFromBus(t *testing.T) {
	t.Parallel()
	st := openStore(t, "file", 0)
	bus := eventbus.New()
	rec := NewRecorder(st, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TaskDispatched, Data: dispatch.RunEvent{RunID: "bus", Outcome: dispatch.OutcomeDispatched}})
		if w, _ := rec.Counts(); w > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("recorder never wrote")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	got, err := st.RecentRuns(context.Background(), 1)
	if err != nil || len(got) != 1 || got[0].ID != "bus" {
		t.Fatalf("got %+v %v", got, err)
	}

	if err := NewRecorder(nil, logx.Nop()).Run(context.Background(), bus); err != nil {
		t.Fatal(err)
	}
}
