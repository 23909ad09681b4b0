package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"brewpanel/internal/jobs"
	logx "brewpanel/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fails int
}

func (f *fakeSender) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: 502")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func fastCfg() Config {
	return Config{RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func TestSendAlertRetries(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 2}
	s := New(fastCfg(), fs, logx.Nop())
	if err := s.SendAlert(context.Background(), "kettle over temp"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := fs.got(); len(got) != 1 || got[0] != "kettle over temp" {
		t.Fatalf("texts = %v", got)
	}

	fs.fails = 5
	if err := s.SendAlert(context.Background(), "x"); err == nil {
		t.Fatalf("expected failure after retries")
	}
	st := s.Stats()
	if st.Sent != 1 || st.Failed != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestDisabledSender(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	if err := s.SendAlert(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("SendAlert: %v", err)
	}
	if err := s.Notify("", "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Notify: %v", err)
	}
}

func TestNotifyDedupAndQueueFull(t *testing.T) {
	t.Parallel()
	cfg := fastCfg()
	cfg.QueueSize = 2
	cfg.DedupWindow = time.Minute
	s := New(cfg, &fakeSender{}, logx.Nop())

	if err := s.Notify("k", "a"); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := s.Notify("k", "a"); err != nil {
		t.Fatalf("dup: %v", err)
	}
	if s.Stats().Deduped != 1 || s.Stats().Queued != 1 {
		t.Fatalf("stats = %+v", s.Stats())
	}
	_ = s.Notify("", "b")
	if err := s.Notify("", "c"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("queue full: %v", err)
	}
}

func TestRunDeliversJobFailures(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	s := New(fastCfg(), fs, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.NotifyJobFailure(jobs.ErrorContext{Message: "Job processing failed", Err: errors.New("sensor offline")})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := fs.got(); len(got) == 1 {
			if !strings.Contains(got[0], "sensor offline") || !strings.Contains(got[0], "Job processing failed") {
				t.Fatalf("text = %q", got[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("nothing delivered")
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	for attempt := 1; attempt < 20; attempt++ {
		if d := retryDelay(cfg, attempt); d < 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: %v", attempt, d)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", maxMessageLen+10)
	if got := truncate(long, maxMessageLen); len(got) != maxMessageLen || !strings.HasSuffix(got, "...") {
		t.Fatalf("len=%d", len(got))
	}
	if _, err := NewTelegram(TelegramConfig{}); err == nil {
		t.Fatalf("empty token accepted")
	}
}
