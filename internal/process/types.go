package process

import (
	"context"
	"errors"
	"time"

	"brewpanel/internal/devices"
	"brewpanel/internal/jobs"
)

// JobType is the scheduler type of every step Job.
const JobType = "step"

const (
	KindTimer  = "timer"
	KindMash   = "mash"
	KindNotify = "notify"
)

// Kinds lists the step kinds a Runner executes.
var Kinds = []string{KindTimer, KindMash, KindNotify}

type Status string

const (
	StatusInitial Status = "initial"
	StatusActive  Status = "active"
	StatusStopped Status = "stopped"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

var (
	ErrNoSteps        = errors.New("process has no steps")
	ErrAlreadyRunning = errors.New("a step is already running")
	ErrNotRunning     = errors.New("no step is running")
	ErrFinished       = errors.New("all steps are done")
)

// StepSpec defines one step.
//
// timer waits Duration. mash waits until Sensor reads at least Temp, then
// holds for Duration. notify sends Text and completes immediately.
type StepSpec struct {
	Name     string
	Kind     string
	Duration time.Duration
	Sensor   string
	Temp     float64
	Text     string
}

// StepState is a point-in-time view of one step.
type StepState struct {
	Name      string        `json:"name"`
	Kind      string        `json:"kind"`
	Status    Status        `json:"status"`
	StateText string        `json:"state_text,omitempty"`
	Remaining time.Duration `json:"remaining,omitempty"`
	Err       string        `json:"err,omitempty"`
}

// Scheduler is the part of *jobs.Scheduler a Runner needs.
type Scheduler interface {
	Spawn(ctx context.Context, action jobs.Action, name, typ string) (*jobs.Job, error)
	IsRunning(name string) bool
	CloseTimeout() time.Duration
}

// Readings gives mash steps the latest sensor value. *devices.Controller
// implements it.
type Readings interface {
	Reading(name string) (devices.Reading, bool)
}

// NotifyFunc delivers notify step text, e.g. notifier.Service.Notify.
type NotifyFunc func(key, text string) error

// StatusTopic is where each step's state is published on every transition.
func StatusTopic(step string) string { return "step/" + step + "/status" }
