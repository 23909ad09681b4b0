package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"brewpanel/internal/jobs"
	logx "brewpanel/pkg/logx"
)

const maxMessageLen = 3500

type message struct {
	key  string
	text string
}

// Service is a rate-limited, retrying alert pipeline.
// It is safe for concurrent use.
type Service struct {
	cfg     Config
	log     logx.Logger
	sender  Sender
	limiter *rate.Limiter
	queue   chan message

	dmu   sync.Mutex
	dedup map[string]time.Time

	sent, failed, dropped, deduped atomic.Uint64
}

// New returns a Service. A nil sender yields a Service whose sends all
// fail with ErrDisabled.
func New(cfg Config, sender Sender, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan message, cfg.QueueSize),
		dedup:   map[string]time.Time{},
	}
}

// SendAlert sends text now, waiting for the rate limiter and retrying
// transient failures. It implements logx.AlertSender.
func (s *Service) SendAlert(ctx context.Context, text string) error {
	return s.sendWithRetry(ctx, text)
}

// Notify queues text for the worker. Messages with the same key inside the
// dedup window are dropped. An empty key disables dedup.
func (s *Service) Notify(key, text string) error {
	if s.sender == nil {
		return ErrDisabled
	}
	if key != "" && !s.dedupAllow(key, time.Now()) {
		s.deduped.Add(1)
		return nil
	}
	select {
	case s.queue <- message{key: key, text: text}:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

// NotifyJobFailure formats a failed Job for Telegram. Failures of the same
// Job name and error text are deduplicated.
func (s *Service) NotifyJobFailure(ec jobs.ErrorContext) {
	var b strings.Builder
	b.WriteString("🚨 ")
	b.WriteString(ec.Message)
	if j := ec.Job; j != nil {
		fmt.Fprintf(&b, "\njob: %s (%s)", j.Name(), j.Type())
		if j.Forced() {
			b.WriteString("\nforced: true")
		}
	}
	errText := ""
	if ec.Err != nil {
		errText = ec.Err.Error()
		fmt.Fprintf(&b, "\nerr: %s", errText)
	}
	key := ""
	if ec.Job != nil {
		key = dedupKey(ec.Job.Type(), ec.Job.Name(), errText)
	}
	if err := s.Notify(key, b.String()); err != nil {
		s.log.Debug("job failure notification not queued", logx.Err(err))
	}
}

// Run drains the queue until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-s.queue:
			if err := s.sendWithRetry(ctx, m.text); err != nil && ctx.Err() == nil {
				s.log.Warn("notification failed", logx.Err(err))
			}
		}
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
		Deduped: s.deduped.Load(),
		Queued:  len(s.queue),
	}
}

func (s *Service) sendWithRetry(ctx context.Context, text string) error {
	if s.sender == nil {
		return ErrDisabled
	}
	text = truncate(text, maxMessageLen)
	if text == "" {
		return nil
	}

	attempts := 1 + s.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := s.sender.Send(cctx, text)
		cancel()
		if err == nil {
			s.sent.Add(1)
			return nil
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		t := time.NewTimer(retryDelay(s.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			s.failed.Add(1)
			return ctx.Err()
		}
	}
	s.failed.Add(1)
	return lastErr
}

func (s *Service) dedupAllow(key string, now time.Time) bool {
	if s.cfg.DedupWindow <= 0 {
		return true
	}
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Still over the cap: evict the earliest expiry.
	for len(s.dedup) > s.cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func dedupKey(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// retryDelay is the wait after attempt (1-based): exponential with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return max(0, min(d, cfg.RetryMaxDelay))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
