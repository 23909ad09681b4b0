package devices

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

var errSimFault = errors.New("sim sensor: injected fault")

type simProps struct {
	Start  float64 `json:"start"`
	Target float64 `json:"target"`
	Rate   float64 `json:"rate"`  // degrees per second toward target
	Noise  float64 `json:"noise"` // max absolute jitter per read
	// FailEvery makes every Nth read fail. 0 disables.
	FailEvery int   `json:"fail_every"`
	Seed      int64 `json:"seed"`
}

// simSensor models a kettle heating toward a setpoint.
type simSensor struct {
	mu    sync.Mutex
	p     simProps
	value float64
	last  time.Time
	reads int
	rng   *rand.Rand
	now   func() time.Time
}

func newSimSensor(spec Spec, _ Deps) (Sensor, error) {
	p := simProps{Start: 20, Target: 20, Rate: 0.1}
	if err := decodeProps(spec.Props, &p); err != nil {
		return nil, err
	}
	if p.Rate < 0 || p.Noise < 0 || p.FailEvery < 0 {
		return nil, errors.New("props: rate, noise and fail_every must be >= 0")
	}
	seed := p.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &simSensor{p: p, value: p.Start, rng: rand.New(rand.NewSource(seed)), now: time.Now}, nil
}

func (s *simSensor) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++
	if s.p.FailEvery > 0 && s.reads%s.p.FailEvery == 0 {
		return 0, errSimFault
	}

	now := s.now()
	if !s.last.IsZero() {
		step := s.p.Rate * now.Sub(s.last).Seconds()
		diff := s.p.Target - s.value
		if math.Abs(diff) <= step {
			s.value = s.p.Target
		} else {
			s.value += math.Copysign(step, diff)
		}
	}
	s.last = now

	v := s.value
	if s.p.Noise > 0 {
		v += (s.rng.Float64()*2 - 1) * s.p.Noise
	}
	return math.Round(v*100) / 100, nil
}

// simRelay only records what it was told.
type simRelay struct {
	mu    sync.Mutex
	state ActorState
}

func newSimRelay(spec Spec, _ Deps) (Actor, error) {
	return &simRelay{}, nil
}

func (r *simRelay) On(ctx context.Context, power int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.state = ActorState{On: true, Power: clampPower(power), Changed: time.Now()}
	r.mu.Unlock()
	return nil
}

func (r *simRelay) Off(ctx context.Context) error {
	r.mu.Lock()
	if r.state.On {
		r.state = ActorState{Changed: time.Now()}
	}
	r.mu.Unlock()
	return nil
}

func (r *simRelay) State() ActorState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func clampPower(p int) int {
	return max(0, min(100, p))
}
