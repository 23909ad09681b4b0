package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Action is the unit of work wrapped by a Job. It should return promptly
// once ctx is cancelled; otherwise Close abandons it after the timeout.
type Action func(ctx context.Context) error

// Substrate is the concurrency runtime Jobs are scheduled on.
//
// Report is the default error reporting path used when no ExceptionHandler
// is configured.
type Substrate interface {
	Context() context.Context
	Go(name string, fn func(ctx context.Context) error)
	Report(name string, err error)
}

// Publisher receives completion events. Delivery is fire-and-forget.
type Publisher interface {
	Publish(topic string, data any)
}

// ErrorContext describes one failed Job.
type ErrorContext struct {
	Message string
	Err     error
	Job     *Job
}

// ExceptionHandler runs on the exception sink goroutine, once per failed Job
// and after that Job is done. It may call s.Close; Close then returns
// without waiting for the sink to drain.
type ExceptionHandler func(s *Scheduler, ec ErrorContext)

// Config controls a Scheduler.
//
// Limit <= 0 means unbounded concurrency.
type Config struct {
	CloseTimeout     time.Duration
	Limit            int
	PendingCapacity  int
	ExceptionHandler ExceptionHandler
}

func (c Config) validate() error {
	if c.CloseTimeout <= 0 {
		return fmt.Errorf("%w: close timeout must be > 0", ErrInvalidConfig)
	}
	if c.PendingCapacity <= 0 {
		return fmt.Errorf("%w: pending capacity must be > 0", ErrInvalidConfig)
	}
	if c.Limit < 0 {
		return fmt.Errorf("%w: limit must be >= 0", ErrInvalidConfig)
	}
	return nil
}

type State int32

const (
	StateCreated State = iota
	StatePending
	StateRunning
	StateClosing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const defaultType = "default"

// DoneEvent is the payload published on DoneTopic when a Job completes.
type DoneEvent struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// DoneTopic returns the completion topic for jobs of the given type.
func DoneTopic(typ string) string {
	return "job/" + normalizeType(typ) + "/done"
}

func normalizeType(typ string) string {
	t := strings.TrimSpace(typ)
	if t == "" {
		return defaultType
	}
	return t
}

// JobInfo is a point-in-time view of one Job.
type JobInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Type    string    `json:"type"`
	State   string    `json:"state"`
	Created time.Time `json:"created"`
	Started time.Time `json:"started,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Closed          bool          `json:"closed"`
	Limit           int           `json:"limit"`
	PendingCapacity int           `json:"pending_capacity"`
	CloseTimeout    time.Duration `json:"close_timeout"`

	Active  int `json:"active"`
	Pending int `json:"pending"`

	Spawned   uint64 `json:"spawned"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Discarded uint64 `json:"discarded"`
	Forced    uint64 `json:"forced"`

	Jobs []JobInfo `json:"jobs"`
}
