package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"brewpanel/internal/jobs"
	logx "brewpanel/pkg/logx"
)

const defaultPollInterval = time.Second

type Config struct {
	Steps []StepSpec
	// PollInterval is how often a mash step checks its sensor.
	PollInterval time.Duration
}

type step struct {
	spec      StepSpec
	status    Status
	text      string
	err       string
	remaining time.Duration
	holdStart time.Time // zero unless holding
}

// Runner owns the process state. gen changes on every operator action so a
// Job launched before the action cannot change state after it.
type Runner struct {
	sched    Scheduler
	readings Readings
	pub      jobs.Publisher
	notify   NotifyFunc
	log      logx.Logger
	poll     time.Duration

	mu     sync.Mutex
	steps  []*step
	active int // index into steps, -1 when idle
	job    *jobs.Job
	gen    uint64
}

// NewRunner builds a Runner. readings, pub and notify may be nil; mash
// steps then never reach temperature and notify steps only log.
func NewRunner(cfg Config, sched Scheduler, readings Readings, pub jobs.Publisher, notify NotifyFunc, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		sched:    sched,
		readings: readings,
		pub:      pub,
		notify:   notify,
		log:      log,
		poll:     cfg.PollInterval,
		active:   -1,
	}
	if r.poll <= 0 {
		r.poll = defaultPollInterval
	}
	for _, sp := range cfg.Steps {
		r.steps = append(r.steps, &step{spec: sp, status: StatusInitial, remaining: sp.Duration})
	}
	return r
}

// Start runs the stopped step if there is one, otherwise the first step
// that has not run yet.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.active >= 0 {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	idx := r.indexLocked(StatusStopped, 0)
	if idx < 0 {
		idx = r.indexLocked(StatusInitial, 0)
	}
	n := len(r.steps)
	r.mu.Unlock()

	switch {
	case n == 0:
		return ErrNoSteps
	case idx < 0:
		return ErrFinished
	}
	return r.launch(ctx, idx)
}

// Stop cancels the active step and keeps its remaining hold time for the
// next Start.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.active < 0 {
		r.mu.Unlock()
		return ErrNotRunning
	}
	st := r.steps[r.active]
	st.status, st.text = StatusStopped, ""
	if !st.holdStart.IsZero() {
		st.remaining = max(0, st.remaining-time.Since(st.holdStart))
		st.holdStart = time.Time{}
	}
	j := r.detachLocked()
	state := st.state()
	r.mu.Unlock()

	r.publish(state)
	r.closeJob(j)
	r.log.Info("step stopped", logx.String("step", state.Name), logx.Duration("remaining", state.Remaining))
	return nil
}

// Next marks the active step done and starts the following one. On the
// last step it finishes the process.
func (r *Runner) Next(ctx context.Context) error {
	r.mu.Lock()
	if r.active < 0 {
		r.mu.Unlock()
		return ErrNotRunning
	}
	cur := r.active
	st := r.steps[cur]
	st.status, st.text, st.remaining, st.holdStart = StatusDone, "", 0, time.Time{}
	j := r.detachLocked()
	state := st.state()
	next := r.indexLocked(StatusInitial, cur+1)
	r.mu.Unlock()

	r.publish(state)
	r.closeJob(j)
	if next < 0 {
		r.log.Info("process finished", logx.String("last_step", state.Name))
		return nil
	}
	return r.launch(ctx, next)
}

// Reset stops the active step and puts every step back to initial.
func (r *Runner) Reset(ctx context.Context) error {
	r.mu.Lock()
	j := r.detachLocked()
	states := make([]StepState, 0, len(r.steps))
	for _, st := range r.steps {
		st.status, st.text, st.err = StatusInitial, "", ""
		st.remaining, st.holdStart = st.spec.Duration, time.Time{}
		states = append(states, st.state())
	}
	r.mu.Unlock()

	r.closeJob(j)
	for _, s := range states {
		r.publish(s)
	}
	r.log.Info("process reset", logx.Int("steps", len(states)))
	return nil
}

// State returns every step in order.
func (r *Runner) State() []StepState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepState, 0, len(r.steps))
	for _, st := range r.steps {
		out = append(out, st.state())
	}
	return out
}

// Active returns the name of the active step.
func (r *Runner) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active < 0 {
		return "", false
	}
	return r.steps[r.active].spec.Name, true
}

func (st *step) state() StepState {
	s := StepState{
		Name:      st.spec.Name,
		Kind:      st.spec.Kind,
		Status:    st.status,
		StateText: st.text,
		Remaining: st.remaining,
		Err:       st.err,
	}
	if !st.holdStart.IsZero() {
		s.Remaining = max(0, st.remaining-time.Since(st.holdStart))
	}
	return s
}

func (r *Runner) indexLocked(status Status, from int) int {
	for i := from; i < len(r.steps); i++ {
		if r.steps[i].status == status {
			return i
		}
	}
	return -1
}

// detachLocked ends the current generation and returns the Job to close.
func (r *Runner) detachLocked() *jobs.Job {
	r.gen++
	r.active = -1
	j := r.job
	r.job = nil
	return j
}

func (r *Runner) closeJob(j *jobs.Job) {
	if j != nil {
		j.Close(r.sched.CloseTimeout())
	}
}

func (r *Runner) publish(s StepState) {
	if r.pub != nil {
		r.pub.Publish(StatusTopic(s.Name), s)
	}
}

// launch makes step idx active and submits it to the scheduler.
func (r *Runner) launch(ctx context.Context, idx int) error {
	r.mu.Lock()
	st := r.steps[idx]
	name := st.spec.Name
	if r.active >= 0 || r.sched.IsRunning(name) {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.gen++
	gen := r.gen
	prev := st.status
	r.active = idx
	st.status, st.err = StatusActive, ""
	state := st.state()
	r.mu.Unlock()

	r.publish(state)
	j, err := r.sched.Spawn(ctx, r.action(idx, gen), name, JobType)

	r.mu.Lock()
	current := r.gen == gen
	switch {
	case err != nil && current:
		st.status = prev
		r.active = -1
	case err == nil && current && r.active == idx:
		r.job = j
	}
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("start step %s: %w", name, err)
	}
	if !current {
		// An operator action overtook this launch.
		r.closeJob(j)
		return nil
	}
	r.log.Info("step started", logx.String("step", name), logx.String("kind", st.spec.Kind))
	return nil
}

func (r *Runner) action(idx int, gen uint64) jobs.Action {
	return func(ctx context.Context) error {
		err := r.run(ctx, idx, gen)
		if ctx.Err() != nil {
			// Stopped, advanced, reset or shut down: the canceller owns the state.
			return ctx.Err()
		}
		if err != nil {
			r.fail(idx, gen, err)
			return err
		}
		r.complete(ctx, idx, gen)
		return nil
	}
}

func (r *Runner) fail(idx int, gen uint64, err error) {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	st := r.steps[idx]
	st.status, st.err, st.text, st.holdStart = StatusError, err.Error(), "", time.Time{}
	r.detachLocked()
	state := st.state()
	r.mu.Unlock()
	r.publish(state)
}

// complete runs on the finishing step's Job and launches the next step.
func (r *Runner) complete(ctx context.Context, idx int, gen uint64) {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	st := r.steps[idx]
	st.status, st.text, st.remaining, st.holdStart = StatusDone, "", 0, time.Time{}
	r.detachLocked()
	state := st.state()
	next := r.indexLocked(StatusInitial, idx+1)
	r.mu.Unlock()

	r.publish(state)
	r.log.Info("step done", logx.String("step", state.Name))
	if next < 0 {
		r.log.Info("process finished", logx.String("last_step", state.Name))
		return
	}
	if err := r.launch(ctx, next); err != nil {
		r.log.Warn("next step not started", logx.Int("index", next), logx.Err(err))
	}
}
