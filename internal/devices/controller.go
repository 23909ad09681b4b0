package devices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"brewpanel/internal/jobs"
	logx "brewpanel/pkg/logx"
)

const (
	JobTypeSensor = "sensor"
	JobTypeActor  = "actor"

	defaultCycle = 10 * time.Second
	offTimeout   = 5 * time.Second
)

// SensorTopic is where each new reading of sensor name is published.
func SensorTopic(name string) string { return "sensor/" + name + "/data" }

type Reading struct {
	Sensor string    `json:"sensor"`
	Value  float64   `json:"value"`
	Time   time.Time `json:"time"`
}

// Controller owns the configured devices. Its actions are meant to be run
// by the job scheduler: PollJob for periodic sensor reads and ActorRunLoop
// for long-running actor control.
type Controller struct {
	pub jobs.Publisher
	log logx.Logger

	mu       sync.RWMutex
	sensors  map[string]Sensor
	actors   map[string]Actor
	power    map[string]int
	readings map[string]Reading
}

func NewController(pub jobs.Publisher, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		pub:      pub,
		log:      log,
		sensors:  map[string]Sensor{},
		actors:   map[string]Actor{},
		power:    map[string]int{},
		readings: map[string]Reading{},
	}
}

func (c *Controller) AddSensor(name string, s Sensor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.existsLocked(name) {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	c.sensors[name] = s
	return nil
}

func (c *Controller) AddActor(name string, a Actor, power int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.existsLocked(name) {
		return fmt.Errorf("%w: %q", ErrDuplicate, name)
	}
	c.actors[name] = a
	c.power[name] = clampPower(power)
	return nil
}

func (c *Controller) existsLocked(name string) bool {
	_, s := c.sensors[name]
	_, a := c.actors[name]
	return s || a
}

func (c *Controller) Sensor(name string) (Sensor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sensors[name]
	return s, ok
}

func (c *Controller) Actor(name string) (Actor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.actors[name]
	return a, ok
}

// SetPower changes the duty cycle of a running ActorRunLoop from its next cycle on.
func (c *Controller) SetPower(name string, power int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.actors[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, name)
	}
	c.power[name] = clampPower(power)
	return nil
}

func (c *Controller) Power(name string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.power[name]
}

// Reading returns the latest successful reading for name.
func (c *Controller) Reading(name string) (Reading, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.readings[name]
	return r, ok
}

// Readings returns the latest readings sorted by sensor name.
func (c *Controller) Readings() []Reading {
	c.mu.RLock()
	out := make([]Reading, 0, len(c.readings))
	for _, r := range c.readings {
		out = append(out, r)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Sensor < out[j].Sensor })
	return out
}

// ActorStates returns each actor's current state keyed by name.
func (c *Controller) ActorStates() map[string]ActorState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]ActorState, len(c.actors))
	for name, a := range c.actors {
		out[name] = a.State()
	}
	return out
}

// PollJob returns an action that reads sensor name once, stores the value
// and publishes it on SensorTopic(name).
func (c *Controller) PollJob(name string) jobs.Action {
	return func(ctx context.Context) error {
		s, ok := c.Sensor(name)
		if !ok {
			return fmt.Errorf("%w: sensor %q", ErrUnknownDevice, name)
		}
		v, err := s.Read(ctx)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		r := Reading{Sensor: name, Value: v, Time: time.Now()}
		c.mu.Lock()
		c.readings[name] = r
		c.mu.Unlock()
		if c.pub != nil {
			c.pub.Publish(SensorTopic(name), r)
		}
		c.log.Trace("sensor read", logx.String("sensor", name), logx.Float64("value", v))
		return nil
	}
}

// ActorRunLoop returns a long-running action that keeps actor name on for
// power% of every cycle until ctx is cancelled. The actor is switched off
// when the loop ends, whatever the reason.
func (c *Controller) ActorRunLoop(name string, cycle time.Duration) jobs.Action {
	if cycle <= 0 {
		cycle = defaultCycle
	}
	return func(ctx context.Context) error {
		a, ok := c.Actor(name)
		if !ok {
			return fmt.Errorf("%w: actor %q", ErrUnknownDevice, name)
		}
		defer func() {
			offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), offTimeout)
			defer cancel()
			if err := a.Off(offCtx); err != nil {
				c.log.Warn("actor off failed", logx.String("actor", name), logx.Err(err))
			}
		}()

		for {
			power := c.Power(name)
			on := cycle * time.Duration(power) / 100
			if on > 0 {
				if err := a.On(ctx, power); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("actor %s on: %w", name, err)
				}
				if !sleepCtx(ctx, on) {
					return nil
				}
			}
			if off := cycle - on; off > 0 {
				if err := a.Off(ctx); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("actor %s off: %w", name, err)
				}
				if !sleepCtx(ctx, off) {
					return nil
				}
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
