package logx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	got  chan struct{}
}

func (c *captureSender) SendAlert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
	return nil
}

func (c *captureSender) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestValidLevel(t *testing.T) {
	t.Parallel()

	for _, lvl := range []string{"trace", "DEBUG", " info ", "warn", "Warning", "error"} {
		if !ValidLevel(lvl) {
			t.Fatalf("ValidLevel(%q)=false", lvl)
		}
	}
	for _, lvl := range []string{"", "fatal", "verbose"} {
		if ValidLevel(lvl) {
			t.Fatalf("ValidLevel(%q)=true", lvl)
		}
	}
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	t.Parallel()

	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero logger not IsZero")
	}
	zero.Info("dropped")
	Nop().With(String("k", "v")).Error("dropped", Err(errors.New("x")))
	if Nop().IsZero() {
		t.Fatalf("Nop() reported as zero")
	}
}

func TestServiceFileAndAlertSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brew.log")
	sender := &captureSender{got: make(chan struct{}, 1)}

	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
		Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, sender)
	defer svc.Close()

	log = log.With(String("comp", "test"))
	log.Debug("mash temp read", Float64("value", 65.5))
	log.Warn("kettle relay stuck", String("actor", "kettle"))

	select {
	case <-sender.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("no alert delivered")
	}
	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("alerts=%d want 1: %q", len(msgs), msgs)
	}
	if !strings.HasPrefix(msgs[0], "[WARN] kettle relay stuck") || !strings.Contains(msgs[0], "actor=kettle") {
		t.Fatalf("unexpected alert text %q", msgs[0])
	}

	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Warn("suppressed after apply")
	_ = svc.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	for _, want := range []string{"mash temp read", "kettle relay stuck", `"comp":"test"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log file missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "suppressed after apply") {
		t.Fatalf("level change not applied:\n%s", out)
	}
}

func TestFormatAlertJSON(t *testing.T) {
	t.Parallel()

	got := formatAlertJSON([]byte(`{"level":"error","time":"t","message":"job failed","job":"mash","stack":"line1"}`))
	want := "[ERROR] job failed\n- job=mash\n- stack=\nline1"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := formatAlertJSON([]byte("not json")); got != "not json" {
		t.Fatalf("raw fallback=%q", got)
	}
}

func TestWithDoesNotShareFields(t *testing.T) {
	t.Parallel()

	base := NewConsole("error").With(String("comp", "a"))
	left := base.With(String("x", "1"))
	right := base.With(String("y", "2"))
	if len(left.fields) != 2 || len(right.fields) != 2 || len(base.fields) != 1 {
		t.Fatalf("fields leaked: base=%d left=%d right=%d", len(base.fields), len(left.fields), len(right.fields))
	}
	if Err(nil) != nil || Stack("  ") != nil {
		t.Fatalf("empty error and stack fields should be nil")
	}
	left.Info("below level")
}
