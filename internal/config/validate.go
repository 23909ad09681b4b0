package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"brewpanel/internal/trigger"
	logx "brewpanel/pkg/logx"
)

const (
	DefaultCloseTimeout    = 5 * time.Second
	DefaultPendingCapacity = 256
	DefaultStatusAddr      = "127.0.0.1:8080"
	DefaultSensorTimeout   = 10 * time.Second
	DefaultActorCycle      = 10 * time.Second
)

var ErrInvalid = errors.New("invalid config")

// Known driver names. Keep in sync with the devices registry.
var (
	SensorDrivers  = []string{"sim"}
	ActorDrivers   = []string{"sim", "systemd"}
	StorageDrivers = []string{"", "none", "file", "sqlite"}
)

// Validate checks cfg and returns every problem joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := ParseDurationField("scheduler.close_timeout", cfg.Scheduler.CloseTimeout)
	add(err)
	if cfg.Scheduler.Limit < 0 {
		add(fmt.Errorf("scheduler.limit: must be >= 0"))
	}
	if cfg.Scheduler.PendingCapacity < 0 {
		add(fmt.Errorf("scheduler.pending_capacity: must be >= 0"))
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if st := cfg.Storage; st != nil {
		drv := strings.ToLower(strings.TrimSpace(st.Driver))
		if !contains(StorageDrivers, drv) {
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if (drv == "file" || drv == "sqlite") && strings.TrimSpace(st.Path) == "" {
			add(fmt.Errorf("storage.path: required for driver %q", drv))
		}
		_, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			add(fmt.Errorf("notifier.token: required when enabled"))
		}
		if n.ChatID == 0 {
			add(fmt.Errorf("notifier.chat_id: required when enabled"))
		}
		_, err := ParseDurationField("notifier.poll_timeout", n.PollTimeout)
		add(err)
	}

	if st := cfg.Status; st != nil {
		_, err := ParseDurationField("status.read_timeout", st.ReadTimeout)
		add(err)
		_, err = ParseDurationField("status.idle_timeout", st.IdleTimeout)
		add(err)
	}

	if lvl := strings.TrimSpace(cfg.Logging.Alert.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.alert.min_level: unknown level %q", lvl))
	}

	seen := map[string]string{}
	for i, s := range cfg.Sensors {
		p := fmt.Sprintf("sensors[%d]", i)
		add(checkName(p, s.Name, "sensor", seen))
		if !contains(SensorDrivers, s.Driver) {
			add(fmt.Errorf("%s.driver: unknown sensor driver %q", p, s.Driver))
		}
		if strings.TrimSpace(s.Schedule) == "" {
			add(fmt.Errorf("%s.schedule: required", p))
		} else if err := trigger.Validate(s.Schedule); err != nil {
			add(fmt.Errorf("%s.schedule: %w", p, err))
		}
		_, err := ParseDurationField(p+".timeout", s.Timeout)
		add(err)
	}
	for i, a := range cfg.Actors {
		p := fmt.Sprintf("actors[%d]", i)
		add(checkName(p, a.Name, "actor", seen))
		if !contains(ActorDrivers, a.Driver) {
			add(fmt.Errorf("%s.driver: unknown actor driver %q", p, a.Driver))
		}
		if a.Driver == "systemd" && strings.TrimSpace(a.Unit) == "" {
			add(fmt.Errorf("%s.unit: required for systemd driver", p))
		}
		if a.Power < 0 || a.Power > 100 {
			add(fmt.Errorf("%s.power: must be within 0..100", p))
		}
		_, err := ParseDurationField(p+".cycle", a.Cycle)
		add(err)
	}

	sensors := map[string]bool{}
	for _, s := range cfg.Sensors {
		sensors[strings.TrimSpace(s.Name)] = true
	}
	for i, st := range cfg.Steps {
		p := fmt.Sprintf("steps[%d]", i)
		add(checkName(p, st.Name, "step", seen))
		d, err := ParseDurationField(p+".duration", st.Duration)
		add(err)
		switch st.Type {
		case "timer":
			if err == nil && d <= 0 {
				add(fmt.Errorf("%s.duration: required for timer steps", p))
			}
		case "mash":
			if !sensors[strings.TrimSpace(st.Sensor)] {
				add(fmt.Errorf("%s.sensor: unknown sensor %q", p, st.Sensor))
			}
		case "notify":
			if strings.TrimSpace(st.Text) == "" {
				add(fmt.Errorf("%s.text: required for notify steps", p))
			}
		default:
			add(fmt.Errorf("%s.type: unknown step type %q", p, st.Type))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func checkName(path, name, kind string, seen map[string]string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%s.name: required", path)
	}
	if strings.ContainsAny(name, "/+#") {
		return fmt.Errorf("%s.name: %q must not contain '/', '+' or '#'", path, name)
	}
	if prev, ok := seen[name]; ok {
		return fmt.Errorf("%s.name: duplicate name %q (already a %s)", path, name, prev)
	}
	seen[name] = kind
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ToLogx converts the logging section for logx.Service.Apply.
func (c LoggingConfig) ToLogx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    c.Alert.Enabled,
			MinLevel:   c.Alert.MinLevel,
			RatePerSec: c.Alert.RatePerSec,
		},
	}
}
