package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logx "brewpanel/pkg/logx"
)

// Scheduler is a bounded-concurrency pool of Jobs.
//
// All mutations of active/pending happen under mu, so admission and
// promotion are atomic with respect to each other.
type Scheduler struct {
	cfg Config
	sub Substrate
	pub Publisher
	log logx.Logger

	mu      sync.Mutex
	active  map[*Job]struct{}
	pending []*Job
	closed  bool

	// One token per queued Job; a full channel means a full backlog.
	slots   chan struct{}
	closing chan struct{}

	sink      *sink
	closeOnce sync.Once

	spawned   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64
	forced    atomic.Uint64
}

// New creates a Scheduler and starts its exception sink on sub.
// pub may be nil (no completion events).
func New(cfg Config, sub Substrate, pub Publisher, log logx.Logger) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: substrate is required", ErrInvalidConfig)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:     cfg,
		sub:     sub,
		pub:     pub,
		log:     log,
		active:  make(map[*Job]struct{}),
		slots:   make(chan struct{}, cfg.PendingCapacity),
		closing: make(chan struct{}),
	}
	s.sink = newSink(s)
	sub.Go("jobs.exception_sink", func(context.Context) error {
		s.sink.run()
		return nil
	})
	return s, nil
}

func (s *Scheduler) Limit() int                  { return s.cfg.Limit }
func (s *Scheduler) PendingCapacity() int        { return s.cfg.PendingCapacity }
func (s *Scheduler) CloseTimeout() time.Duration { return s.cfg.CloseTimeout }
func (s *Scheduler) ExceptionHandler() ExceptionHandler {
	return s.cfg.ExceptionHandler
}

func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Len returns the number of active and pending Jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) + len(s.pending)
}

// Jobs returns a snapshot of active and pending Jobs. The slice is safe to
// iterate while the pool keeps changing.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.active)+len(s.pending))
	for j := range s.active {
		out = append(out, j)
	}
	out = append(out, s.pending...)
	return out
}

func (s *Scheduler) Contains(j *Job) bool {
	if j == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[j]; ok {
		return true
	}
	for _, p := range s.pending {
		if p == j {
			return true
		}
	}
	return false
}

// IsRunning reports whether an active Job has the given name. Queued Jobs
// do not count.
func (s *Scheduler) IsRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for j := range s.active {
		if j.name == name {
			return true
		}
	}
	return false
}

func (s *Scheduler) String() string {
	s.mu.Lock()
	n := len(s.active) + len(s.pending)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Sprintf("<Scheduler closed jobs=%d>", n)
	}
	return fmt.Sprintf("<Scheduler jobs=%d>", n)
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	infos := make([]JobInfo, 0, len(s.active)+len(s.pending))
	for j := range s.active {
		infos = append(infos, j.info())
	}
	for _, j := range s.pending {
		infos = append(infos, j.info())
	}
	snap := Snapshot{
		Closed:          s.closed,
		Limit:           s.cfg.Limit,
		PendingCapacity: s.cfg.PendingCapacity,
		CloseTimeout:    s.cfg.CloseTimeout,
		Active:          len(s.active),
		Pending:         len(s.pending),
	}
	s.mu.Unlock()

	snap.Spawned = s.spawned.Load()
	snap.Completed = s.completed.Load()
	snap.Failed = s.failed.Load()
	snap.Discarded = s.discarded.Load()
	snap.Forced = s.forced.Load()
	snap.Jobs = infos
	return snap
}

// Spawn submits action as a new Job.
//
// The Job starts immediately if a slot is free. Otherwise it is queued; if
// the queue is full, Spawn blocks until a queue slot opens, ctx is done or
// the Scheduler closes. No Job is created when Spawn returns an error.
func (s *Scheduler) Spawn(ctx context.Context, action Action, name, typ string) (*Job, error) {
	if action == nil {
		return nil, ErrNilAction
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	if s.hasFreeSlotLocked() {
		j := s.startLocked(action, name, typ)
		s.mu.Unlock()
		return j, nil
	}
	select {
	case s.slots <- struct{}{}:
		j := s.enqueueLocked(action, name, typ)
		s.mu.Unlock()
		return j, nil
	default:
	}
	s.mu.Unlock()

	s.log.Debug("job admission blocked; pending queue full",
		logx.String("job", name),
		logx.String("type", normalizeType(typ)),
		logx.Int("pending_cap", s.cfg.PendingCapacity),
	)
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closing:
		return nil, ErrSchedulerClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.releaseSlot()
		return nil, ErrSchedulerClosed
	}
	if s.hasFreeSlotLocked() {
		// The backlog drained while we waited.
		s.releaseSlot()
		return s.startLocked(action, name, typ), nil
	}
	return s.enqueueLocked(action, name, typ), nil
}

// Close shuts the pool down. Queued Jobs are discarded without starting;
// running Jobs are closed concurrently, each bounded by CloseTimeout. Close
// returns after the exception sink has drained, except while an
// ExceptionHandler is running: then it only stops the sink, and failures
// queued before the stop are still handled once the handler returns.
// Subsequent calls are no-ops.
func (s *Scheduler) Close() {
	s.closeOnce.Do(s.close)
}

func (s *Scheduler) close() {
	start := time.Now()

	s.mu.Lock()
	s.closed = true
	close(s.closing)
	discarded := s.pending
	s.pending = nil
	for range discarded {
		s.releaseSlot()
	}
	targets := make([]*Job, 0, len(s.active)+len(discarded))
	for j := range s.active {
		targets = append(targets, j)
	}
	s.mu.Unlock()

	s.discarded.Add(uint64(len(discarded)))
	targets = append(targets, discarded...)

	var wg sync.WaitGroup
	for _, j := range targets {
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Warn("job close panicked", logx.String("job", j.name), logx.String("id", j.id), logx.Any("panic", r))
				}
			}()
			j.Close(s.cfg.CloseTimeout)
			if j.Forced() {
				s.forced.Add(1)
			}
		}(j)
	}
	wg.Wait()

	s.sink.stop()

	s.log.Info("scheduler closed",
		logx.Int("closed_jobs", len(targets)-len(discarded)),
		logx.Int("discarded", len(discarded)),
		logx.Duration("took", time.Since(start)),
	)
}

func (s *Scheduler) hasFreeSlotLocked() bool {
	if len(s.pending) > 0 {
		return false
	}
	return s.cfg.Limit <= 0 || len(s.active) < s.cfg.Limit
}

func (s *Scheduler) startLocked(action Action, name, typ string) *Job {
	j := newJob(s, action, name, typ)
	s.active[j] = struct{}{}
	s.spawned.Add(1)
	j.start()
	s.log.Debug("job started", logx.String("job", j.name), logx.String("type", j.typ), logx.String("id", j.id))
	return j
}

// enqueueLocked must be called holding a queue slot token.
func (s *Scheduler) enqueueLocked(action Action, name, typ string) *Job {
	j := newJob(s, action, name, typ)
	j.markPending()
	s.pending = append(s.pending, j)
	s.spawned.Add(1)
	s.log.Debug("job queued", logx.String("job", j.name), logx.String("type", j.typ), logx.Int("pending", len(s.pending)))
	return j
}

func (s *Scheduler) releaseSlot() {
	select {
	case <-s.slots:
	default:
	}
}

// onJobDone is called exactly once per Job by Job.finish.
func (s *Scheduler) onJobDone(j *Job, err error) {
	s.publishDone(j)

	s.mu.Lock()
	delete(s.active, j)
	s.removePendingLocked(j)
	s.promoteLocked()
	s.mu.Unlock()

	s.completed.Add(1)
	if err == nil {
		return
	}
	s.failed.Add(1)
	if !s.sink.push(j, err) {
		// Sink already stopped; fall back to the substrate.
		s.sub.Report(j.goroutineName(), j.labelErr(err))
	}
}

// publishDone sends the completion event. A panicking Publisher is logged
// and otherwise ignored: the Job must still leave the pool.
func (s *Scheduler) publishDone(j *Job) {
	if s.pub == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("completion publish panicked",
				logx.String("job", j.name),
				logx.String("type", j.typ),
				logx.Any("panic", r),
			)
		}
	}()
	s.pub.Publish(DoneTopic(j.typ), DoneEvent{Type: j.typ, Key: j.name})
}

func (s *Scheduler) removePendingLocked(j *Job) {
	for i, p := range s.pending {
		if p == j {
			copy(s.pending[i:], s.pending[i+1:])
			s.pending[len(s.pending)-1] = nil
			s.pending = s.pending[:len(s.pending)-1]
			s.releaseSlot()
			return
		}
	}
}

// promoteLocked starts queued Jobs in FIFO order until the limit is reached.
// Jobs closed while queued are dropped.
func (s *Scheduler) promoteLocked() {
	for len(s.pending) > 0 && (s.cfg.Limit <= 0 || len(s.active) < s.cfg.Limit) {
		next := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.releaseSlot()

		s.active[next] = struct{}{}
		if !next.start() {
			delete(s.active, next)
			continue
		}
		s.log.Debug("job promoted", logx.String("job", next.name), logx.String("type", next.typ), logx.Int("pending", len(s.pending)))
	}
}

func (s *Scheduler) callExceptionHandler(ec ErrorContext) {
	h := s.cfg.ExceptionHandler
	if h == nil {
		name, err := "job", ec.Err
		if ec.Job != nil {
			name, err = ec.Job.goroutineName(), ec.Job.labelErr(err)
		}
		s.sub.Report(name, err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("exception handler panicked", logx.Any("panic", r))
		}
	}()
	s.sink.inHandler.Store(true)
	defer s.sink.inHandler.Store(false)
	h(s, ec)
}
