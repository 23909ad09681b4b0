package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func stopWithin(t *testing.T, s *Supervisor, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Stop(ctx)
}

func statsFor(s *Supervisor, name string) (GoroutineStats, bool) {
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == name {
			return g, true
		}
	}
	return GoroutineStats{}, false
}

func TestReportRecordsWithoutCancelling(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Report("job.sensor", errors.New("thermometer offline"))
	s.Report("job.sensor", nil) // ignored

	if s.Context().Err() != nil {
		t.Fatalf("Report cancelled the supervisor")
	}
	if c := s.Counters(); c.Reported != 1 {
		t.Fatalf("reported=%d want 1", c.Reported)
	}
	if err := s.Err(); err == nil || !strings.Contains(err.Error(), "thermometer offline") {
		t.Fatalf("first error=%v", err)
	}
	st, ok := statsFor(s, "job.sensor")
	if !ok || st.Reported != 1 || st.LastErr != "thermometer offline" {
		t.Fatalf("stats=%+v ok=%v", st, ok)
	}
	if err := stopWithin(t, s, time.Second); err == nil {
		t.Fatalf("Stop should surface the first error")
	}
}

func TestGoErrorCancelsWhenConfigured(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("failing", func(context.Context) error { return errors.New("fatal") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("context not cancelled after goroutine error")
	}
	if err := stopWithin(t, s, time.Second); err == nil || !strings.Contains(err.Error(), "failing: fatal") {
		t.Fatalf("stop err=%v", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	s.Go("panicky", func(context.Context) error { panic("boom") })

	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, ok := statsFor(s, "panicky"); ok && st.Panics == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("panic not recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.Context().Err() != nil {
		t.Fatalf("panic cancelled supervisor without WithCancelOnError")
	}
	_ = stopWithin(t, s, time.Second)
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(false))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("restart loop did not reach a clean run (runs=%d)", runs.Load())
	}
	if err := stopWithin(t, s, time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st, ok := statsFor(s, "flaky"); !ok || st.Restarts != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestStopWaitsForGoroutines(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(context.Background())
	var exited atomic.Bool
	s.Go0("loop", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		exited.Store(true)
	})
	if err := stopWithin(t, s, time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !exited.Load() {
		t.Fatalf("Stop returned before goroutine exited")
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 1 {
		t.Fatalf("counters=%+v", c)
	}
}
