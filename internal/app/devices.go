package app

import (
	"context"
	"fmt"

	"brewpanel/internal/config"
	"brewpanel/internal/devices"
	"brewpanel/internal/trigger"
	logx "brewpanel/pkg/logx"
)

func needsSystemd(cfg *config.Config) bool {
	for _, a := range cfg.Actors {
		if a.Driver == "systemd" {
			return true
		}
	}
	return false
}

// buildDevices instantiates every configured sensor and actor.
func buildDevices(cfg *config.Config, ctl *devices.Controller, deps devices.Deps) error {
	for _, s := range cfg.Sensors {
		sn, err := devices.NewSensor(devices.Spec{Name: s.Name, Driver: s.Driver, Unit: s.Unit, Props: s.Props}, deps)
		if err != nil {
			return fmt.Errorf("sensor %q: %w", s.Name, err)
		}
		if err := ctl.AddSensor(s.Name, sn); err != nil {
			return err
		}
	}
	for _, a := range cfg.Actors {
		ac, err := devices.NewActor(devices.Spec{Name: a.Name, Driver: a.Driver, Unit: a.Unit, Props: a.Props}, deps)
		if err != nil {
			return fmt.Errorf("actor %q: %w", a.Name, err)
		}
		if err := ctl.AddActor(a.Name, ac, a.Power); err != nil {
			return err
		}
	}
	return nil
}

// registerSensorTriggers adds one poll schedule per sensor.
func registerSensorTriggers(cfg *config.Config, ctl *devices.Controller, trig *trigger.Service) error {
	for _, s := range cfg.Sensors {
		timeout, err := config.ParseDurationOrDefault("sensors."+s.Name+".timeout", s.Timeout, config.DefaultSensorTimeout)
		if err != nil {
			return err
		}
		if err := trig.Add(s.Name, devices.JobTypeSensor, s.Schedule, timeout, ctl.PollJob(s.Name)); err != nil {
			return fmt.Errorf("sensor %q: %w", s.Name, err)
		}
	}
	return nil
}

// startActors spawns the run-loop of every auto_run actor.
func (a *App) startActors(ctx context.Context, cfg *config.Config) error {
	for _, ac := range cfg.Actors {
		if !ac.AutoRun {
			continue
		}
		cycle, err := config.ParseDurationOrDefault("actors."+ac.Name+".cycle", ac.Cycle, config.DefaultActorCycle)
		if err != nil {
			return err
		}
		if _, err := a.sched.Spawn(ctx, a.devs.ActorRunLoop(ac.Name, cycle), ac.Name, devices.JobTypeActor); err != nil {
			return fmt.Errorf("actor %q: %w", ac.Name, err)
		}
		a.log.Info("actor run-loop started",
			logx.String("actor", ac.Name),
			logx.Int("power", a.devs.Power(ac.Name)),
			logx.Duration("cycle", cycle),
		)
	}
	return nil
}
