package devices

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "brewpanel/pkg/logx"
)

type recordPub struct {
	mu     sync.Mutex
	topics []string
	data   []any
}

func (p *recordPub) Publish(topic string, data any) {
	p.mu.Lock()
	p.topics = append(p.topics, topic)
	p.data = append(p.data, data)
	p.mu.Unlock()
}

func TestRegistryBuiltins(t *testing.T) {
	t.Parallel()
	sensors, actors := Drivers()
	if len(sensors) == 0 || sensors[0] != "sim" {
		t.Fatalf("sensors = %v", sensors)
	}
	if len(actors) < 2 {
		t.Fatalf("actors = %v", actors)
	}
	if _, err := NewSensor(Spec{Name: "x", Driver: "onewire"}, Deps{}); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err = %v", err)
	}
	if _, err := NewActor(Spec{Name: "pump", Driver: "systemd", Unit: "pump"}, Deps{}); err == nil {
		t.Fatalf("systemd actor built without a unit controller")
	}
	if _, err := NewSensor(Spec{Name: "x", Driver: "sim", Props: []byte(`{"rate":-1}`)}, Deps{}); err == nil {
		t.Fatalf("negative rate accepted")
	}
}

func TestSimSensorRampsTowardTarget(t *testing.T) {
	t.Parallel()
	s, err := newSimSensor(Spec{Props: []byte(`{"start":20,"target":30,"rate":1}`)}, Deps{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sim := s.(*simSensor)
	now := time.Unix(1000, 0)
	sim.now = func() time.Time { return now }

	ctx := context.Background()
	if v, _ := sim.Read(ctx); v != 20 {
		t.Fatalf("first read = %v", v)
	}
	now = now.Add(4 * time.Second)
	if v, _ := sim.Read(ctx); v != 24 {
		t.Fatalf("after 4s = %v", v)
	}
	now = now.Add(time.Minute)
	if v, _ := sim.Read(ctx); v != 30 {
		t.Fatalf("overshoot: %v", v)
	}
}

func TestSimSensorFailEvery(t *testing.T) {
	t.Parallel()
	s, _ := newSimSensor(Spec{Props: []byte(`{"fail_every":2}`)}, Deps{})
	ctx := context.Background()
	if _, err := s.Read(ctx); err != nil {
		t.Fatalf("read 1: %v", err)
	}
	if _, err := s.Read(ctx); !errors.Is(err, errSimFault) {
		t.Fatalf("read 2: %v", err)
	}
}

func TestPollJobPublishes(t *testing.T) {
	t.Parallel()
	pub := &recordPub{}
	c := NewController(pub, nilLog())
	s, _ := newSimSensor(Spec{Props: []byte(`{"start":65}`)}, Deps{})
	if err := c.AddSensor("mash", s); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.AddActor("mash", &simRelay{}, 50); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate name: %v", err)
	}

	if err := c.PollJob("mash")(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	r, ok := c.Reading("mash")
	if !ok || r.Value != 65 {
		t.Fatalf("reading = %+v, %v", r, ok)
	}
	if len(pub.topics) != 1 || pub.topics[0] != "sensor/mash/data" {
		t.Fatalf("topics = %v", pub.topics)
	}
	if err := c.PollJob("boil")(context.Background()); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("unknown sensor: %v", err)
	}
}

type countingActor struct {
	simRelay
	ons, offs int
	mu        sync.Mutex
	failOn    error
}

func (a *countingActor) On(ctx context.Context, power int) error {
	a.mu.Lock()
	a.ons++
	err := a.failOn
	a.mu.Unlock()
	if err != nil {
		return err
	}
	return a.simRelay.On(ctx, power)
}

func (a *countingActor) Off(ctx context.Context) error {
	a.mu.Lock()
	a.offs++
	a.mu.Unlock()
	return a.simRelay.Off(ctx)
}

func TestActorRunLoopSwitchesOffOnCancel(t *testing.T) {
	t.Parallel()
	c := NewController(nil, nilLog())
	a := &countingActor{}
	_ = c.AddActor("heater", a, 50)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.ActorRunLoop("heater", 40*time.Millisecond)(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("loop returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("loop did not stop")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ons == 0 || a.offs == 0 {
		t.Fatalf("ons=%d offs=%d", a.ons, a.offs)
	}
	if a.State().On {
		t.Fatalf("actor left on")
	}
}

func TestActorRunLoopReportsFailure(t *testing.T) {
	t.Parallel()
	c := NewController(nil, nilLog())
	boom := errors.New("relay stuck")
	a := &countingActor{failOn: boom}
	_ = c.AddActor("heater", a, 100)
	err := c.ActorRunLoop("heater", time.Second)(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if a.offs != 1 {
		t.Fatalf("off not called on exit: %d", a.offs)
	}
}

func TestActorRunLoopZeroPowerStaysOff(t *testing.T) {
	t.Parallel()
	c := NewController(nil, nilLog())
	a := &countingActor{}
	_ = c.AddActor("pump", a, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = c.ActorRunLoop("pump", 10*time.Millisecond)(ctx)
	if a.ons != 0 {
		t.Fatalf("zero power switched on %d times", a.ons)
	}
	if err := c.SetPower("pump", 150); err != nil || c.Power("pump") != 100 {
		t.Fatalf("SetPower clamp: %v %d", err, c.Power("pump"))
	}
}

type fakeUnits struct {
	started, stopped []string
}

func (f *fakeUnits) Start(ctx context.Context, unit string) error {
	f.started = append(f.started, unit)
	return nil
}

func (f *fakeUnits) Stop(ctx context.Context, unit string) error {
	f.stopped = append(f.stopped, unit)
	return nil
}

func TestSystemdActor(t *testing.T) {
	t.Parallel()
	u := &fakeUnits{}
	a, err := NewActor(Spec{Name: "pump", Driver: "systemd", Unit: "brew-pump"}, Deps{Units: u})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	_ = a.On(ctx, 100)
	_ = a.On(ctx, 80)
	_ = a.Off(ctx)
	if len(u.started) != 1 || u.started[0] != "brew-pump" {
		t.Fatalf("started = %v", u.started)
	}
	if len(u.stopped) != 1 || a.State().On {
		t.Fatalf("stopped = %v state=%+v", u.stopped, a.State())
	}
}

func nilLog() logx.Logger { return logx.Nop() }
