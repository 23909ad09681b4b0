package app

import (
	"fmt"
	"strings"
	"time"

	"brewpanel/internal/config"
	"brewpanel/internal/jobs"
	"brewpanel/internal/notifier"
	"brewpanel/internal/process"
	"brewpanel/internal/statusapi"
	"brewpanel/internal/storage"
)

func mapSchedulerConfig(cfg *config.Config) (jobs.Config, error) {
	sc := cfg.Scheduler
	closeTimeout, err := config.ParseDurationOrDefault("scheduler.close_timeout", sc.CloseTimeout, config.DefaultCloseTimeout)
	if err != nil {
		return jobs.Config{}, err
	}
	capacity := sc.PendingCapacity
	if capacity <= 0 {
		capacity = config.DefaultPendingCapacity
	}
	return jobs.Config{
		CloseTimeout:    closeTimeout,
		Limit:           sc.Limit,
		PendingCapacity: capacity,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapNotifierConfig returns ok=false when alerts are disabled.
func mapNotifierConfig(cfg *config.Config) (notifier.TelegramConfig, notifier.Config, bool, error) {
	nc := cfg.Notifier
	if nc == nil || !nc.Enabled {
		return notifier.TelegramConfig{}, notifier.Config{}, false, nil
	}
	poll, err := config.ParseDurationOrDefault("notifier.poll_timeout", nc.PollTimeout, 10*time.Second)
	if err != nil {
		return notifier.TelegramConfig{}, notifier.Config{}, false, err
	}
	tc := notifier.TelegramConfig{
		Token:       strings.TrimSpace(nc.Token),
		ChatID:      nc.ChatID,
		ThreadID:    nc.ThreadID,
		PollTimeout: poll,
	}
	return tc, notifier.Config{RatePerSec: nc.RatePerSec}, true, nil
}

func mapStatusConfig(cfg *config.Config) (statusapi.Config, error) {
	st := cfg.Status
	if st == nil {
		return statusapi.Config{}, nil
	}
	read, err := config.ParseDurationField("status.read_timeout", st.ReadTimeout)
	if err != nil {
		return statusapi.Config{}, err
	}
	idle, err := config.ParseDurationField("status.idle_timeout", st.IdleTimeout)
	if err != nil {
		return statusapi.Config{}, err
	}
	addr := strings.TrimSpace(st.Addr)
	if addr == "" {
		addr = config.DefaultStatusAddr
	}
	return statusapi.Config{
		Enabled:     st.Enabled,
		Addr:        addr,
		Token:       strings.TrimSpace(st.Token),
		Pprof:       st.Pprof,
		ReadTimeout: read,
		IdleTimeout: idle,
	}, nil
}

func mapProcessConfig(cfg *config.Config) (process.Config, error) {
	out := process.Config{Steps: make([]process.StepSpec, 0, len(cfg.Steps))}
	for i, st := range cfg.Steps {
		d, err := config.ParseDurationField(fmt.Sprintf("steps[%d].duration", i), st.Duration)
		if err != nil {
			return process.Config{}, err
		}
		out.Steps = append(out.Steps, process.StepSpec{
			Name:     strings.TrimSpace(st.Name),
			Kind:     st.Type,
			Duration: d,
			Sensor:   strings.TrimSpace(st.Sensor),
			Temp:     st.Temp,
			Text:     st.Text,
		})
	}
	return out, nil
}
