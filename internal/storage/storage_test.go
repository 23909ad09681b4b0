package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"brewpanel/internal/eventbus"
	"brewpanel/internal/jobs"
	logx "brewpanel/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, drv := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: drv}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: store=%v err=%v", drv, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("file driver without path accepted")
	}
}

func backends(t *testing.T) map[string]Config {
	dir := t.TempDir()
	return map[string]Config{
		"file":   {Driver: "file", Path: filepath.Join(dir, "history.jsonl"), Keep: 5},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "history.db"), Keep: 5, BusyTimeout: time.Second},
	}
}

func TestStoreAppendAndRecent(t *testing.T) {
	t.Parallel()
	for name, cfg := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			for i := 0; i < 3; i++ {
				rec := JobRecord{Event: EventDone, Type: "sensor", Name: fmt.Sprintf("s%d", i)}
				if err := st.AppendJob(ctx, rec); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			_ = st.AppendJob(ctx, JobRecord{Event: EventFailed, Type: "actor", Name: "heater", JobID: "x", Error: "boom", Forced: true})

			got, err := st.RecentJobs(ctx, 2)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("len = %d", len(got))
			}
			if got[0].Name != "heater" || got[0].Error != "boom" || !got[0].Forced || got[0].JobID != "x" {
				t.Fatalf("newest = %+v", got[0])
			}
			if got[1].Name != "s2" || got[1].At.IsZero() {
				t.Fatalf("second = %+v", got[1])
			}
			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			// Reopen and read back.
			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			got, _ = st.RecentJobs(ctx, 0)
			if len(got) != 4 || got[0].Name != "heater" {
				t.Fatalf("after reopen = %+v", got)
			}
		})
	}
}

func TestFileStoreCompacts(t *testing.T) {
	t.Parallel()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h.jsonl"), Keep: 3}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = st.AppendJob(ctx, JobRecord{Event: EventDone, Name: fmt.Sprintf("j%d", i)})
	}
	fs := st.(*fileStore)
	if fs.lines >= 2*cfg.Keep {
		t.Fatalf("lines = %d, want compacted", fs.lines)
	}
	_ = st.Close()

	recs, lines, err := replayHistory(cfg.Path, cfg.Keep)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(recs) != 3 || recs[2].Name != "j9" || lines > 2*cfg.Keep {
		t.Fatalf("recs=%+v lines=%d", recs, lines)
	}
}

type memStore struct {
	recs chan JobRecord
}

func (m *memStore) AppendJob(ctx context.Context, r JobRecord) error {
	select {
	case m.recs <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memStore) RecentJobs(context.Context, int) ([]JobRecord, error) { return nil, nil }
func (m *memStore) Close() error                                         { return nil }

func TestRecorderRecordsDoneEvents(t *testing.T) {
	t.Parallel()
	ms := &memStore{recs: make(chan JobRecord, 4)}
	rec := NewRecorder(ms, logx.Nop())
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run := rec.Subscribe(bus)
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	// Subscribed before the goroutine starts, so one publish is enough.
	bus.Publish(jobs.DoneTopic("sensor"), jobs.DoneEvent{Type: "sensor", Key: "mash"})
	bus.Publish("sensor/mash/data", 66.5)

	select {
	case r := <-ms.recs:
		if r.Event != EventDone || r.Type != "sensor" || r.Name != "mash" {
			t.Fatalf("record = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no record")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case r := <-ms.recs:
		t.Fatalf("unexpected extra record %+v", r)
	default:
	}
}

func TestRecorderRecordFailure(t *testing.T) {
	t.Parallel()
	ms := &memStore{recs: make(chan JobRecord, 1)}
	NewRecorder(ms, logx.Nop()).RecordFailure(jobs.ErrorContext{Message: "Job processing failed", Err: errors.New("boom")})
	r := <-ms.recs
	if r.Event != EventFailed || r.Error != "boom" {
		t.Fatalf("record = %+v", r)
	}
}
