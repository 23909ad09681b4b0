package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	alertQueueSize   = 256
	alertSendTimeout = 10 * time.Second
	alertMaxLen      = 3500
	alertValueMaxLen = 600
	alertStackMaxLen = 900
)

// AlertConfig forwards records at or above MinLevel to an AlertSender.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// alerter is a zerolog.LevelWriter that turns records into alert text and
// hands them to a background sender. Writes never block: over the rate
// limit or with a full queue the alert is dropped.
type alerter struct {
	queue chan string

	mu       sync.Mutex
	sender   AlertSender
	limiter  *rate.Limiter
	minLevel zerolog.Level
	cancel   context.CancelFunc
	done     chan struct{}
}

func newAlerter(sender AlertSender) *alerter {
	return &alerter{queue: make(chan string, alertQueueSize), sender: sender}
}

func (a *alerter) setSender(sender AlertSender) {
	a.mu.Lock()
	a.sender = sender
	a.mu.Unlock()
}

// configure updates threshold and rate, starting the worker on first use.
func (a *alerter) configure(cfg AlertConfig) {
	rps := max(1, cfg.RatePerSec)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Enabled && a.cancel == nil && a.done == nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel, a.done = cancel, make(chan struct{})
		go a.run(ctx, a.done)
	}
}

func (a *alerter) stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (a *alerter) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			a.mu.Lock()
			sender := a.sender
			a.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			_ = sender.SendAlert(sctx, text)
			cancel()
		}
	}
}

func (a *alerter) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.NoLevel, p) }

func (a *alerter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.sender != nil && a.limiter != nil && level >= a.minLevel && level != zerolog.NoLevel
	lim := a.limiter
	a.mu.Unlock()
	if !ok || !lim.Allow() {
		return len(p), nil
	}
	if text := formatAlertJSON(p); text != "" {
		select {
		case a.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// formatAlertJSON renders one JSON record as "[LEVEL] message" followed by
// one "- key=value" line per field in key order. Input that is not JSON is
// passed through trimmed.
func formatAlertJSON(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &rec); err != nil {
		return truncate(strings.TrimSpace(string(p)), alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(rec, zerolog.LevelFieldName)
	delete(rec, zerolog.MessageFieldName)
	delete(rec, zerolog.TimestampFieldName)
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := fmt.Sprint(rec[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n" + truncate(v, alertStackMaxLen))
			continue
		}
		b.WriteString("\n- " + k + "=" + truncate(v, alertValueMaxLen))
	}
	return truncate(b.String(), alertMaxLen)
}

func truncate(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	default:
		return s[:n-3] + "..."
	}
}
