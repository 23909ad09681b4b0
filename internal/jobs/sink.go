package jobs

import (
	"sync"
	"sync/atomic"
)

type failure struct {
	job *Job
	err error
}

// sink drains failed Jobs on a dedicated goroutine. Each failure is observed
// (its Job has fully finished) before the exception handler runs, so every
// failure is reported exactly once.
//
// The mailbox is unbounded: pushes come from completion callbacks and must
// never block them.
type sink struct {
	s *Scheduler

	mu      sync.Mutex
	queue   []*failure // nil entry is the shutdown sentinel
	stopped bool

	wake   chan struct{}
	exited chan struct{}

	// inHandler is set while the ExceptionHandler runs on the sink goroutine.
	inHandler atomic.Bool
}

func newSink(s *Scheduler) *sink {
	return &sink{
		s:      s,
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
}

// push enqueues a failure. It returns false once the sink has been stopped.
func (k *sink) push(j *Job, err error) bool {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return false
	}
	k.queue = append(k.queue, &failure{job: j, err: err})
	k.mu.Unlock()
	k.signal()
	return true
}

// stop pushes the sentinel and waits for the sink goroutine to exit after
// draining everything queued before it. It does not wait while a handler
// is running, since that handler may be the caller.
func (k *sink) stop() {
	k.mu.Lock()
	if !k.stopped {
		k.stopped = true
		k.queue = append(k.queue, nil)
	}
	k.mu.Unlock()
	k.signal()
	if k.inHandler.Load() {
		return
	}
	<-k.exited
}

func (k *sink) signal() {
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

func (k *sink) run() {
	defer close(k.exited)
	for {
		k.mu.Lock()
		batch := k.queue
		k.queue = nil
		k.mu.Unlock()

		for _, f := range batch {
			if f == nil {
				return
			}
			<-f.job.Done()
			k.s.callExceptionHandler(ErrorContext{
				Message: "Job processing failed",
				Err:     f.err,
				Job:     f.job,
			})
		}
		if len(batch) == 0 {
			<-k.wake
		}
	}
}
