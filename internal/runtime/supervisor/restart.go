package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "brewpanel/pkg/logx"
)

// healthyRun is how long a run must last before a failure resets the backoff.
const healthyRun = 30 * time.Second

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <= 0 means unlimited
	stopOnCleanExit bool
	publishFirstErr bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) { p.minBackoff, p.maxBackoff = min, max }
}

// WithMaxRestarts gives up after n restarts and records the last error as
// the supervisor's first error. n <= 0 restarts forever.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithPublishFirstError records every failed run as a candidate first error.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirstErr = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop (default)
// or counts as a failure and restarts.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

// GoRestart runs fn in a loop, restarting it with jittered exponential
// backoff after an error or panic. Cancellation of the supervisor context,
// or fn returning context.Canceled, ends the loop cleanly.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&p)
	}
	if p.minBackoff <= 0 {
		p.minBackoff = 250 * time.Millisecond
	}
	p.maxBackoff = max(p.maxBackoff, p.minBackoff)

	// The loop goroutine gets its own name so the stats of name count runs only.
	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := p.minBackoff
		for restarts := 0; ; restarts++ {
			begin := s.noteStart(name, restarts > 0)
			err := s.call(name, fn)

			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, begin, nil)
				return
			}
			if err == nil {
				if p.stopOnCleanExit {
					s.noteStop(name, begin, nil)
					return
				}
				err = errors.New("exited")
			}

			wrapped := fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, begin, wrapped)
			if p.publishFirstErr {
				s.setErr(wrapped)
			}
			if p.maxRestarts > 0 && restarts >= p.maxRestarts {
				s.log.Error("goroutine gave up after restarts",
					logx.String("name", name),
					logx.Int("restarts", restarts),
					logx.Err(err),
				)
				s.setErr(wrapped)
				return
			}

			if time.Since(begin) >= healthyRun {
				backoff = p.minBackoff
			}
			wait := jitter(backoff)
			s.log.Warn("goroutine restarting",
				logx.String("name", name),
				logx.Duration("backoff", wait),
				logx.Err(err),
			)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, p.maxBackoff)
		}
	})
}

// jitter adds up to 20% to d.
func jitter(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		return d + time.Duration(rand.Int64N(j+1))
	}
	return d
}
