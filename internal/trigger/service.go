package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"brewpanel/internal/jobs"
	logx "brewpanel/pkg/logx"
)

const (
	defaultAdmitTimeout = 2 * time.Second
	spawnWarnThrottle   = 5 * time.Second
)

// Spawner is the slice of *jobs.Scheduler the trigger service needs.
type Spawner interface {
	Spawn(ctx context.Context, action jobs.Action, name, typ string) (*jobs.Job, error)
	IsRunning(name string) bool
}

type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
	// AdmitTimeout bounds how long one tick may wait on a full backlog.
	AdmitTimeout time.Duration
}

type entry struct {
	name    string
	typ     string
	spec    ParsedSpec
	timeout time.Duration
	fn      jobs.Action
	entryID cron.EntryID
	spread  time.Duration

	fired   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	sched   Spawner
	loc     *time.Location
	c       *cron.Cron
	base    context.Context
	entries map[string]*entry

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type EntryInfo struct {
	Name     string        `json:"name"`
	Type     string        `json:"type"`
	Spec     string        `json:"spec"`
	Timeout  time.Duration `json:"timeout"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
	Fired    uint64        `json:"fired"`
	Skipped  uint64        `json:"skipped"`
	Rejected uint64        `json:"rejected"`
}

func New(cfg Config, sched Spawner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.AdmitTimeout <= 0 {
		cfg.AdmitTimeout = defaultAdmitTimeout
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		sched:    sched,
		entries:  map[string]*entry{},
		lastWarn: map[string]time.Time{},
	}
}

// Add registers (or replaces) a schedule named name. Every tick spawns fn
// as a Job of the given type. timeout > 0 bounds each run.
func (s *Service) Add(name, typ, schedule string, timeout time.Duration, fn jobs.Action) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if fn == nil {
		return jobs.ErrNilAction
	}
	if err := Validate(schedule); err != nil {
		return fmt.Errorf("trigger %q: %w", name, err)
	}
	ps, _ := ParseSchedule(schedule)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	e := &entry{name: name, typ: typ, spec: ps, timeout: timeout, fn: fn}
	s.entries[name] = e
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(e); err != nil {
		delete(s.entries, name)
		return err
	}
	s.log.Debug("trigger registered",
		logx.String("name", name),
		logx.String("spec", ps.CronSpec()),
		logx.Duration("timeout", timeout),
		logx.Duration("spread", e.spread),
	)
	return nil
}

// Remove unregisters name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.removeLocked(strings.TrimSpace(name))
	if ok {
		s.log.Debug("trigger removed", logx.String("name", name))
	}
	return ok
}

func (s *Service) removeLocked(name string) bool {
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	if s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	delete(s.entries, name)
	return true
}

// Start begins firing. Spawned Jobs are not tied to ctx; it only bounds
// admission waits.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.base = ctx
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for name, e := range s.entries {
		if err := s.registerLocked(e); err != nil {
			s.log.Error("trigger register failed", logx.String("name", name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("entries", len(s.entries)))
}

// Stop halts firing and waits for in-progress ticks (not the Jobs they
// spawned) until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.entries {
		e.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger service stopped")
}

func (s *Service) registerLocked(e *entry) error {
	job := cron.FuncJob(func() { s.fire(e) })
	if e.spec.Kind == SpecInterval {
		sched, jitter := intervalWithSpread(e.spec.Every, time.Now().In(s.loc), e.name)
		e.spread = jitter
		e.entryID = s.c.Schedule(sched, job)
		return nil
	}
	id, err := s.c.AddJob(e.spec.Cron, job)
	if err != nil {
		return err
	}
	e.entryID = id
	return nil
}

func (s *Service) fire(e *entry) {
	if s.sched.IsRunning(e.name) {
		e.skipped.Add(1)
		s.log.Debug("trigger skipped; previous run still active", logx.String("name", e.name))
		return
	}

	s.mu.Lock()
	base := s.base
	admit := s.cfg.AdmitTimeout
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, admit)
	defer cancel()

	_, err := s.sched.Spawn(ctx, withTimeout(e.fn, e.timeout), e.name, e.typ)
	switch {
	case err == nil:
		e.fired.Add(1)
	case errors.Is(err, jobs.ErrSchedulerClosed):
		s.log.Debug("trigger fired after scheduler closed", logx.String("name", e.name))
	default:
		e.failed.Add(1)
		s.reportSpawnError(e.name, err)
	}
}

func withTimeout(fn jobs.Action, d time.Duration) jobs.Action {
	if d <= 0 {
		return fn
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return fn(ctx)
	}
}

func (s *Service) reportSpawnError(name string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < spawnWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn("trigger could not spawn job", logx.String("name", name), logx.Err(err))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Snapshot lists entries with their next/previous fire times.
func (s *Service) Snapshot() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		it := EntryInfo{
			Name:     e.name,
			Type:     e.typ,
			Spec:     e.spec.CronSpec(),
			Timeout:  e.timeout,
			Fired:    e.fired.Load(),
			Skipped:  e.skipped.Load(),
			Rejected: e.failed.Load(),
		}
		if s.c != nil && e.entryID != 0 {
			ce := s.c.Entry(e.entryID)
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
