package devices

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// systemdActor drives an output through a systemd unit: starting the unit
// switches it on and stopping it switches it off. Power is not modulated
// by the unit itself; the run-loop time-proportions it.
type systemdActor struct {
	unit  string
	units UnitController

	mu    sync.Mutex
	state ActorState
}

func newSystemdActor(spec Spec, deps Deps) (Actor, error) {
	unit := strings.TrimSpace(spec.Unit)
	if unit == "" {
		return nil, errors.New("unit required")
	}
	if deps.Units == nil {
		return nil, errors.New("systemd is not available")
	}
	return &systemdActor{unit: unit, units: deps.Units}, nil
}

func (a *systemdActor) On(ctx context.Context, power int) error {
	a.mu.Lock()
	on := a.state.On
	a.mu.Unlock()
	if !on {
		if err := a.units.Start(ctx, a.unit); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.state = ActorState{On: true, Power: clampPower(power), Changed: time.Now()}
	a.mu.Unlock()
	return nil
}

func (a *systemdActor) Off(ctx context.Context) error {
	if err := a.units.Stop(ctx, a.unit); err != nil {
		return err
	}
	a.mu.Lock()
	a.state = ActorState{Changed: time.Now()}
	a.mu.Unlock()
	return nil
}

func (a *systemdActor) State() ActorState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
