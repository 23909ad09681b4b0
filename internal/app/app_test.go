package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"brewpanel/internal/config"
	"brewpanel/internal/process"
	"brewpanel/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestMapSchedulerConfigDefaults(t *testing.T) {
	t.Parallel()

	jc, err := mapSchedulerConfig(&config.Config{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if jc.CloseTimeout != config.DefaultCloseTimeout || jc.PendingCapacity != config.DefaultPendingCapacity || jc.Limit != 0 {
		t.Fatalf("unexpected defaults: %+v", jc)
	}

	jc, err = mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{CloseTimeout: "750ms", Limit: 3, PendingCapacity: 9}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if jc.CloseTimeout != 750*time.Millisecond || jc.Limit != 3 || jc.PendingCapacity != 9 {
		t.Fatalf("unexpected mapping: %+v", jc)
	}

	if _, err := mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{CloseTimeout: "soon"}}); err == nil {
		t.Fatalf("expected duration error")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{"nil", nil, false, false},
		{"none", &config.StorageConfig{Driver: "none"}, false, false},
		{"file", &config.StorageConfig{Driver: "file", Path: "h.jsonl"}, true, false},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "h.db", BusyTimeout: "2s"}, true, false},
		{"sqlite no path", &config.StorageConfig{Driver: "sqlite"}, false, true},
		{"unknown", &config.StorageConfig{Driver: "redis"}, false, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
			if enabled != tc.enabled {
				t.Fatalf("enabled=%v want %v", enabled, tc.enabled)
			}
			if tc.name == "sqlite" && (sc.Driver != "sqlite" || sc.BusyTimeout != 2*time.Second) {
				t.Fatalf("unexpected sqlite mapping: %+v", sc)
			}
		})
	}
}

func TestMapStatusConfig(t *testing.T) {
	t.Parallel()

	sc, err := mapStatusConfig(&config.Config{Status: &config.StatusConfig{Enabled: true, ReadTimeout: "3s"}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sc.Addr != config.DefaultStatusAddr || sc.ReadTimeout != 3*time.Second || !sc.Enabled {
		t.Fatalf("unexpected mapping: %+v", sc)
	}
}

func TestMapNotifierConfigDisabled(t *testing.T) {
	t.Parallel()

	_, _, enabled, err := mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{Enabled: false, Token: "x"}})
	if err != nil || enabled {
		t.Fatalf("enabled=%v err=%v", enabled, err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	p := writeConfig(t, `
sensors:
  - name: mash
    driver: thermocouple
    schedule: "10s"
`)
	if _, err := New(p); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeConfig(t, `
logging:
  level: error
scheduler:
  close_timeout: 500ms
  limit: 4
storage:
  driver: file
  path: `+filepath.Join(dir, "history.jsonl")+`
sensors:
  - name: mash
    driver: sim
    schedule: "1h"
actors:
  - name: kettle
    driver: sim
    power: 50
    cycle: 200ms
    auto_run: true
steps:
  - name: whirlpool
    type: timer
    duration: 1h
`)

	a, err := New(p)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if !a.Scheduler().IsRunning("kettle") {
		t.Fatalf("actor run-loop not running")
	}
	if got := len(a.Triggers().Snapshot()); got != 1 {
		t.Fatalf("triggers=%d want 1", got)
	}

	if _, err := a.Scheduler().Spawn(ctx, func(context.Context) error { return errors.New("boom") }, "thermometer", "test"); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	var sawDone, sawFailed bool
	deadline := time.Now().Add(3 * time.Second)
	for !(sawDone && sawFailed) && time.Now().Before(deadline) {
		recs, err := a.History().RecentJobs(ctx, 50)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		for _, r := range recs {
			if r.Name != "thermometer" {
				continue
			}
			switch r.Event {
			case storage.EventDone:
				sawDone = true
			case storage.EventFailed:
				sawFailed = r.Error == "boom"
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !sawDone || !sawFailed {
		t.Fatalf("history missing records: done=%v failed=%v", sawDone, sawFailed)
	}

	if err := a.Process().Start(ctx); err != nil {
		t.Fatalf("process start: %v", err)
	}
	deadline = time.Now().Add(3 * time.Second)
	for !a.Scheduler().IsRunning("whirlpool") {
		if time.Now().After(deadline) {
			t.Fatalf("step job not running")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !a.Scheduler().Closed() {
		t.Fatalf("scheduler not closed after Stop")
	}
	if st, ok := a.Devices().Actor("kettle"); !ok || st.State().On {
		t.Fatalf("actor left on after Stop")
	}
	if got := a.Process().State()[0].Status; got != process.StatusStopped {
		t.Fatalf("step status after Stop=%s", got)
	}
}

func TestMapProcessConfig(t *testing.T) {
	t.Parallel()

	pc, err := mapProcessConfig(&config.Config{Steps: []config.StepConfig{
		{Name: " rest ", Type: "mash", Sensor: "mash", Temp: 67, Duration: "45m"},
		{Name: "cool", Type: "timer", Duration: "10m"},
	}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(pc.Steps) != 2 || pc.Steps[0].Name != "rest" || pc.Steps[0].Duration != 45*time.Minute || pc.Steps[1].Kind != process.KindTimer {
		t.Fatalf("steps=%+v", pc.Steps)
	}
	if _, err := mapProcessConfig(&config.Config{Steps: []config.StepConfig{{Name: "x", Type: "timer", Duration: "soon"}}}); err == nil {
		t.Fatalf("bad duration accepted")
	}
}
