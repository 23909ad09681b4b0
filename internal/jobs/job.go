package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "brewpanel/pkg/logx"
)

// Job is one unit of asynchronous work owned by a Scheduler.
//
// Jobs are created only by Scheduler.Spawn. A Job reaches StateDone exactly
// once, either when its action returns or when Close gives up waiting.
type Job struct {
	id     string
	name   string
	typ    string
	action Action
	sched  *Scheduler

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	err      error
	forced   bool
	created  time.Time
	started  time.Time
	finished time.Time

	once sync.Once
	done chan struct{}
}

func newJob(s *Scheduler, action Action, name, typ string) *Job {
	return &Job{
		id:      uuid.NewString(),
		name:    name,
		typ:     normalizeType(typ),
		action:  action,
		sched:   s,
		state:   StateCreated,
		created: time.Now(),
		done:    make(chan struct{}),
	}
}

func (j *Job) ID() string   { return j.id }
func (j *Job) Name() string { return j.name }
func (j *Job) Type() string { return j.typ }

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Closed reports whether the Job has reached StateDone, including forced
// termination by Close.
func (j *Job) Closed() bool { return j.State() == StateDone }

// Err returns the error captured from the action (nil until done, and nil
// for successful or cancelled runs).
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Forced reports whether Close abandoned the action after its timeout.
func (j *Job) Forced() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.forced
}

// Done is closed once the Job reaches StateDone.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) String() string {
	return fmt.Sprintf("<Job %s name=%q type=%q state=%s>", j.id, j.name, j.typ, j.State())
}

func (j *Job) info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobInfo{ID: j.id, Name: j.name, Type: j.typ, State: j.state.String(), Created: j.created, Started: j.started}
}

func (j *Job) markPending() {
	j.mu.Lock()
	if j.state == StateCreated {
		j.state = StatePending
	}
	j.mu.Unlock()
}

// start launches the action on the substrate. It returns false if the Job
// was closed before it could start.
func (j *Job) start() bool {
	j.mu.Lock()
	if j.state != StateCreated && j.state != StatePending {
		j.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(j.sched.sub.Context())
	j.state = StateRunning
	j.cancel = cancel
	j.started = time.Now()
	j.mu.Unlock()

	j.sched.sub.Go(j.goroutineName(), func(context.Context) error {
		err := j.run(ctx)
		// A cancellation we asked for is not a failure.
		if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
			err = nil
		}
		j.finish(err, false)
		// Failures travel through the exception sink, not the substrate.
		return nil
	})
	return true
}

func (j *Job) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return j.action(ctx)
}

// goroutineName groups Jobs by type only. Names are caller-chosen and may be
// unique per spawn, so they stay out of the substrate's per-name stats.
func (j *Job) goroutineName() string { return "job." + j.typ }

// labelErr prefixes err with the Job name for reports that only carry the
// goroutine name.
func (j *Job) labelErr(err error) error {
	if err == nil || j.name == "" {
		return err
	}
	return fmt.Errorf("%s: %w", j.name, err)
}

// finish moves the Job to StateDone and notifies the Scheduler. Only the
// first call has any effect.
func (j *Job) finish(err error, forced bool) {
	j.once.Do(func() {
		j.mu.Lock()
		j.state = StateDone
		j.err = err
		j.forced = forced
		j.finished = time.Now()
		cancel := j.cancel
		j.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		j.sched.onJobDone(j, err)
		close(j.done)
	})
}

// Close requests cooperative cancellation and waits up to timeout for the
// action to return. After the timeout the action is abandoned and the Job is
// marked done anyway. Closing a Job that never started marks it done without
// running it. Close on a done Job returns immediately.
func (j *Job) Close(timeout time.Duration) {
	j.mu.Lock()
	switch j.state {
	case StateDone:
		j.mu.Unlock()
		return
	case StateCreated, StatePending:
		j.state = StateClosing
		j.mu.Unlock()
		j.finish(nil, false)
		return
	case StateRunning:
		j.state = StateClosing
	}
	cancel := j.cancel
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if timeout <= 0 {
		select {
		case <-j.done:
		default:
			j.abandon(timeout)
		}
		return
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-j.done:
	case <-t.C:
		j.abandon(timeout)
	}
}

func (j *Job) abandon(timeout time.Duration) {
	j.sched.log.Warn("job close timed out; abandoning",
		logx.String("job", j.name),
		logx.String("type", j.typ),
		logx.String("id", j.id),
		logx.Duration("timeout", timeout),
	)
	j.finish(nil, true)
}
