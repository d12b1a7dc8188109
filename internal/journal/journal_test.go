package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tasksched/internal/task"
	logx "tasksched/pkg/logx"
)

func openStore(t *testing.T, driver string) Store {
	t.Helper()
	ext := ".jsonl"
	if driver == "sqlite" {
		ext = ".db"
	}
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "nested", "journal"+ext)}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	return st
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("file driver without a path accepted")
	}
	if ValidDriver("postgres") || !ValidDriver("sqlite") {
		t.Fatalf("ValidDriver mismatch")
	}
}

func TestStoresAppendAndRecent(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openStore(t, driver)
			ctx := context.Background()

			tk := task.New(0, nil, task.WithName("report"))
			results := []task.Result{
				task.OK(tk.ID(), map[string]int{"rows": 3}),
				task.Fail(tk.ID(), task.CodeErrorInBody, "disk full", errors.New("disk full")),
				task.Removed(tk.ID(), "killed"),
			}
			for _, r := range results {
				if err := st.Append(ctx, EntryOf(tk, r)); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			got, err := st.Recent(ctx, 2)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("recent returned %d entries", len(got))
			}
			if got[0].Code != "error_in_body" || got[1].Code != "removed" {
				t.Fatalf("recent order = %s, %s", got[0].Code, got[1].Code)
			}
			if got[0].Name != "report" || got[0].Kind != "one_shot" || !got[0].IsError || got[0].Detail != "disk full" {
				t.Fatalf("entry = %+v", got[0])
			}
			if string(got[0].Payload) != `"disk full"` {
				t.Fatalf("error payload = %s", got[0].Payload)
			}
			if got[1].Serial != results[2].Serial() || !got[1].At.Equal(results[2].At()) {
				t.Fatalf("serial/at not preserved: %+v", got[1])
			}

			all, err := st.Recent(ctx, 10)
			if err != nil || len(all) != 3 {
				t.Fatalf("recent(10) = %d, %v", len(all), err)
			}
			if string(all[0].Payload) != `{"rows":3}` {
				t.Fatalf("payload = %s", all[0].Payload)
			}

			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if err := st.Append(ctx, EntryOf(tk, results[0])); err == nil {
				t.Fatalf("append after close succeeded")
			}
		})
	}
}

func TestSinkWritesAndFlushesOnClose(t *testing.T) {
	t.Parallel()
	st := openStore(t, "file")
	sink := NewSink(st, 16, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)

	tk := task.New(0, nil)
	for range 10 {
		sink.RecordResult(tk, task.OK(tk.ID(), nil))
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	if err := sink.Close(closeCtx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if st := sink.Stats(); st.Written+st.Dropped != 10 || st.Written == 0 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}

	sink.RecordResult(tk, task.OK(tk.ID(), nil))
	if sink.Stats().Written+sink.Stats().Dropped != 11 {
		t.Fatalf("record after close not counted as dropped")
	}
}

func TestSinkDropsWhenFull(t *testing.T) {
	t.Parallel()
	st := openStore(t, "file")
	defer st.Close()
	sink := NewSink(st, 2, logx.Nop())

	tk := task.New(0, nil)
	for range 5 {
		sink.RecordResult(tk, task.OK(tk.ID(), nil))
	}
	if s := sink.Stats(); s.Queued != 2 || s.Dropped != 3 {
		t.Fatalf("stats = %+v", s)
	}
}
