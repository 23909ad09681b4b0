package supervisor

import (
	"fmt"
	"sort"
	"time"
)

// SupervisorCounters are best-effort totals, not a synchronization primitive.
type SupervisorCounters struct {
	Active   int64  `json:"active"`
	Started  uint64 `json:"started"`
	Reported uint64 `json:"reported"`
}

// GoroutineStats aggregates every goroutine started under one name. Jobs
// share a name per type and key, so several may be active at once.
type GoroutineStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	Reported     uint64        `json:"reported"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanicAt  time.Time     `json:"last_panic_at"`
	LastPanic    string        `json:"last_panic,omitempty"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

type SupervisorSnapshot struct {
	Counters   SupervisorCounters `json:"counters"`
	FirstError string             `json:"first_error,omitempty"`
	Goroutines []GoroutineStats   `json:"goroutines"`
}

func (g *GoroutineStats) recordErr(err error) {
	g.LastErr = err.Error()
	g.LastErrAt = time.Now()
}

func (s *Supervisor) Counters() SupervisorCounters {
	if s == nil {
		return SupervisorCounters{}
	}
	return SupervisorCounters{
		Active:   s.active.Load(),
		Started:  s.started.Load(),
		Reported: s.reported.Load(),
	}
}

// Snapshot lists per-name stats, active names first, then most recently
// started.
func (s *Supervisor) Snapshot() SupervisorSnapshot {
	if s == nil {
		return SupervisorSnapshot{}
	}
	snap := SupervisorSnapshot{Counters: s.Counters()}

	s.mu.Lock()
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	snap.Goroutines = make([]GoroutineStats, 0, len(s.stats))
	for _, st := range s.stats {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.mu.Unlock()

	gs := snap.Goroutines
	sort.Slice(gs, func(i, j int) bool {
		switch {
		case gs[i].Active != gs[j].Active:
			return gs[i].Active > gs[j].Active
		case !gs[i].LastStartAt.Equal(gs[j].LastStartAt):
			return gs[i].LastStartAt.After(gs[j].LastStartAt)
		default:
			return gs[i].Name < gs[j].Name
		}
	})
	return snap
}

func (s *Supervisor) statLocked(name string) *GoroutineStats {
	st, ok := s.stats[name]
	if !ok {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.statLocked(name)
	st.Started++
	st.Active++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, begin time.Time, err error) {
	now := time.Now()
	s.mu.Lock()
	st := s.statLocked(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = now
	st.LastRuntime = now.Sub(begin)
	st.TotalRuntime += st.LastRuntime
	if err != nil {
		st.recordErr(err)
	}
	s.mu.Unlock()
}

func (s *Supervisor) notePanic(name string, v any) {
	s.mu.Lock()
	st := s.statLocked(name)
	st.Panics++
	st.LastPanic = fmt.Sprint(v)
	st.LastPanicAt = time.Now()
	s.mu.Unlock()
}
