// Package devices holds brewery sensors and actors and the controller that
// turns them into scheduler Jobs.
package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownDriver = errors.New("devices: unknown driver")
	ErrUnknownDevice = errors.New("devices: unknown device")
	ErrDuplicate     = errors.New("devices: duplicate device")
)

// Sensor produces one reading per call.
type Sensor interface {
	Read(ctx context.Context) (float64, error)
}

// Actor switches an output. power is 0..100.
type Actor interface {
	On(ctx context.Context, power int) error
	Off(ctx context.Context) error
	State() ActorState
}

type ActorState struct {
	On      bool      `json:"on"`
	Power   int       `json:"power"`
	Changed time.Time `json:"changed"`
}

// Spec describes one device to build.
type Spec struct {
	Name   string
	Driver string
	Unit   string
	Props  json.RawMessage
}

// Deps are shared resources handed to driver factories.
type Deps struct {
	Units UnitController
}

// UnitController is implemented by *systemdmanager.Manager.
type UnitController interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
}

type (
	SensorFactory func(spec Spec, deps Deps) (Sensor, error)
	ActorFactory  func(spec Spec, deps Deps) (Actor, error)
)

var registry = struct {
	mu      sync.RWMutex
	sensors map[string]SensorFactory
	actors  map[string]ActorFactory
}{
	sensors: map[string]SensorFactory{},
	actors:  map[string]ActorFactory{},
}

// RegisterSensor makes a sensor driver available by name. Registering the
// same name twice replaces the earlier factory.
func RegisterSensor(driver string, f SensorFactory) {
	registry.mu.Lock()
	registry.sensors[strings.ToLower(driver)] = f
	registry.mu.Unlock()
}

func RegisterActor(driver string, f ActorFactory) {
	registry.mu.Lock()
	registry.actors[strings.ToLower(driver)] = f
	registry.mu.Unlock()
}

func NewSensor(spec Spec, deps Deps) (Sensor, error) {
	registry.mu.RLock()
	f, ok := registry.sensors[strings.ToLower(spec.Driver)]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sensor %q driver %q", ErrUnknownDriver, spec.Name, spec.Driver)
	}
	s, err := f(spec, deps)
	if err != nil {
		return nil, fmt.Errorf("sensor %q: %w", spec.Name, err)
	}
	return s, nil
}

func NewActor(spec Spec, deps Deps) (Actor, error) {
	registry.mu.RLock()
	f, ok := registry.actors[strings.ToLower(spec.Driver)]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: actor %q driver %q", ErrUnknownDriver, spec.Name, spec.Driver)
	}
	a, err := f(spec, deps)
	if err != nil {
		return nil, fmt.Errorf("actor %q: %w", spec.Name, err)
	}
	return a, nil
}

// Drivers lists registered driver names.
func Drivers() (sensors, actors []string) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for k := range registry.sensors {
		sensors = append(sensors, k)
	}
	for k := range registry.actors {
		actors = append(actors, k)
	}
	sort.Strings(sensors)
	sort.Strings(actors)
	return sensors, actors
}

func decodeProps(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("props: %w", err)
	}
	return nil
}

func init() {
	RegisterSensor("sim", newSimSensor)
	RegisterActor("sim", newSimRelay)
	RegisterActor("systemd", newSystemdActor)
}
