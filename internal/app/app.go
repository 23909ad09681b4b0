package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"brewpanel/internal/config"
	"brewpanel/internal/devices"
	"brewpanel/internal/eventbus"
	"brewpanel/internal/jobs"
	"brewpanel/internal/notifier"
	"brewpanel/internal/process"
	rtsup "brewpanel/internal/runtime/supervisor"
	"brewpanel/internal/statusapi"
	"brewpanel/internal/storage"
	"brewpanel/internal/trigger"
	logx "brewpanel/pkg/logx"
	"brewpanel/pkg/systemdmanager"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	rec   *storage.Recorder
	notif *notifier.Service
	units *systemdmanager.Manager
	devs  *devices.Controller

	sched  *jobs.Scheduler
	trig   *trigger.Service
	steps  *process.Runner
	status *statusapi.Server
}

// New loads the config and builds every component that does not need the
// runtime supervisor. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Alerts are attached after the notifier exists; the notifier itself
	// logs through this service.
	logSvc, log := logx.New(cfg.Logging.ToLogx(), nil)
	appLog := log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		cfg:     cfg,
		log:     appLog,
		logs:    logSvc,
		bus:     eventbus.New(),
	}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.rec = storage.NewRecorder(st, log.With(logx.String("comp", "history")))
		appLog.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	tc, nc, enabled, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		tg, err := notifier.NewTelegram(tc)
		if err != nil {
			return nil, err
		}
		a.notif = notifier.New(nc, tg, log.With(logx.String("comp", "notifier")))
		logSvc.SetAlertSender(a.notif)
		appLog.Info("telegram notifier enabled", logx.Int64("chat_id", tc.ChatID))
	}

	var deps devices.Deps
	if needsSystemd(cfg) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m, err := systemdmanager.NewContext(ctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("systemd: %w", err)
		}
		a.units = m
		deps.Units = m
	}

	a.devs = devices.NewController(a.bus, log.With(logx.String("comp", "devices")))
	if err := buildDevices(cfg, a.devs, deps); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Scheduler() *jobs.Scheduler    { return a.sched }
func (a *App) Devices() *devices.Controller  { return a.devs }
func (a *App) History() storage.Store        { return a.store }
func (a *App) Supervisor() *rtsup.Supervisor { return a.sup }
func (a *App) Triggers() *trigger.Service    { return a.trig }
func (a *App) Status() *statusapi.Server     { return a.status }
func (a *App) Process() *process.Runner      { return a.steps }

func (a *App) Start(ctx context.Context) error {
	// Shutdown is ordered by Stop, so the supervisor must outlive ctx.
	a.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)

	jc, err := mapSchedulerConfig(a.cfg)
	if err != nil {
		return err
	}
	jc.ExceptionHandler = a.onJobFailure
	a.sched, err = jobs.New(jc, a.sup, a.bus, a.log.With(logx.String("comp", "jobs")))
	if err != nil {
		return err
	}
	a.log.Info("scheduler ready",
		logx.Int("limit", jc.Limit),
		logx.Int("pending_capacity", jc.PendingCapacity),
		logx.Duration("close_timeout", jc.CloseTimeout),
	)

	if a.rec != nil {
		a.sup.Go("history.recorder", a.rec.Subscribe(a.bus))
	}
	if a.notif != nil {
		a.sup.Go("notifier", a.notif.Run)
	}

	a.trig = trigger.New(trigger.Config{Timezone: a.cfg.Scheduler.Timezone}, a.sched, a.log.With(logx.String("comp", "trigger")))
	if err := registerSensorTriggers(a.cfg, a.devs, a.trig); err != nil {
		return err
	}
	a.trig.Start(a.sup.Context())

	if err := a.startActors(a.sup.Context(), a.cfg); err != nil {
		return err
	}

	pc, err := mapProcessConfig(a.cfg)
	if err != nil {
		return err
	}
	var notify process.NotifyFunc
	if a.notif != nil {
		notify = a.notif.Notify
	}
	a.steps = process.NewRunner(pc, a.sched, a.devs, a.bus, notify, a.log.With(logx.String("comp", "process")))

	stc, err := mapStatusConfig(a.cfg)
	if err != nil {
		return err
	}
	a.status = statusapi.New(stc, a.statusSources(), a.log.With(logx.String("comp", "statusapi")))
	if err := a.status.Start(a.sup); err != nil {
		return err
	}

	// Debug tap on every bus event.
	events, unsub := a.bus.Subscribe("#", 128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("topic", e.Topic), logx.Time("time", e.Time))
			}
		}
	})

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("sensors", len(a.cfg.Sensors)),
		logx.Int("actors", len(a.cfg.Actors)),
		logx.Int("steps", len(a.cfg.Steps)),
	)
	return nil
}

func (a *App) statusSources() statusapi.Sources {
	src := statusapi.Sources{
		Jobs:       a.sched.Snapshot,
		Triggers:   a.trig.Snapshot,
		Readings:   a.devs.Readings,
		Actors:     a.devs.ActorStates,
		Supervisor: a.sup.Snapshot,
		Steps:      a.steps.State,
		Control:    a.steps,
	}
	if a.store != nil {
		src.History = a.store
	}
	if a.notif != nil {
		src.Notifier = a.notif.Stats
	}
	return src
}

// onJobFailure is the scheduler's exception handler. It runs on the
// exception sink goroutine, so nothing here may block for long.
func (a *App) onJobFailure(_ *jobs.Scheduler, ec jobs.ErrorContext) {
	fields := []logx.Field{logx.Err(ec.Err)}
	if j := ec.Job; j != nil {
		fields = append(fields,
			logx.String("job", j.Name()),
			logx.String("type", j.Type()),
			logx.String("id", j.ID()),
		)
	}
	var pe *jobs.PanicError
	if errors.As(ec.Err, &pe) {
		fields = append(fields, logx.Stack(pe.Stack))
	}
	a.log.Warn(ec.Message, fields...)

	if a.rec != nil {
		a.rec.RecordFailure(ec)
	}
	if a.notif != nil {
		a.notif.NotifyJobFailure(ec)
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			sections, _ := config.SummarizeConfigChange(last, newCfg)
			last = newCfg

			a.logs.Apply(newCfg.Logging.ToLogx())

			var pending []string
			for _, s := range sections {
				if s != "logging" {
					pending = append(pending, s)
				}
			}
			if len(pending) > 0 {
				a.log.Warn("config sections changed; restart required to apply",
					logx.String("sections", strings.Join(pending, ",")))
			}
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Triggers first so nothing new is spawned, then the pool.
	step("trigger", 2*time.Second, func(c context.Context) error {
		if a.trig != nil {
			a.trig.Stop(c)
		}
		return nil
	})
	step("process", 2*time.Second, func(c context.Context) error {
		if a.steps == nil {
			return nil
		}
		if err := a.steps.Stop(c); err != nil && !errors.Is(err, process.ErrNotRunning) {
			return err
		}
		return nil
	})
	closeMax := 2 * time.Second
	if a.sched != nil {
		closeMax += a.sched.CloseTimeout()
	}
	step("scheduler", closeMax, func(context.Context) error {
		if a.sched != nil {
			a.sched.Close()
		}
		return nil
	})
	step("statusapi", time.Second, func(c context.Context) error {
		if a.status != nil {
			return a.status.Shutdown(c)
		}
		return nil
	})

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	a.closeResources()
	return nil
}

// closeResources releases everything New opened. Safe to call once
// goroutines using them have exited.
func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.units != nil {
		_ = a.units.Close()
		a.units = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}
