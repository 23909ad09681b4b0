package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Status   *StatusConfig   `json:"status,omitempty"`

	Sensors []DeviceConfig `json:"sensors,omitempty"`
	Actors  []DeviceConfig `json:"actors,omitempty"`

	Steps []StepConfig `json:"steps,omitempty"`
}

// SchedulerConfig controls the job pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - close_timeout: "5s"
//   - limit: 0 (unbounded)
//   - pending_capacity: 256
//
// Changes take effect on restart; the pool is never resized live.
type SchedulerConfig struct {
	CloseTimeout    string `json:"close_timeout,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	PendingCapacity int    `json:"pending_capacity,omitempty"`
	// Timezone for cron triggers (IANA TZ, e.g. "Europe/Berlin").
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional job history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/brewpanel.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// NotifierConfig controls Telegram alerts (job failures + high-level logs).
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"` // never logged
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// StatusConfig controls the read-only status HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Pprof   bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards high-level log records to the notifier.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DeviceConfig declares one sensor or actor.
//
// Sensors use Schedule (cron, "@every 5s", "10s" or "HH:MM") and Timeout.
// Actors use Unit (systemd driver), Cycle and Power (time-proportioned run-loop).
type DeviceConfig struct {
	Name     string          `json:"name"`
	Driver   string          `json:"driver"`
	Schedule string          `json:"schedule,omitempty"`
	Timeout  string          `json:"timeout,omitempty"`
	Unit     string          `json:"unit,omitempty"`
	Cycle    string          `json:"cycle,omitempty"`
	Power    int             `json:"power,omitempty"`
	AutoRun  bool            `json:"auto_run,omitempty"`
	Props    json.RawMessage `json:"props,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in device blocks are
// caught during config reload.
func (d *DeviceConfig) UnmarshalJSON(b []byte) error {
	type plain DeviceConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t plain
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*d = DeviceConfig(t)
	return nil
}

// StepConfig declares one brewing process step, run in list order.
//
//	{ "name": "mash rest", "type": "mash", "sensor": "mash", "temp": 67, "duration": "60m" }
type StepConfig struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"` // timer | mash | notify
	Duration string  `json:"duration,omitempty"`
	Sensor   string  `json:"sensor,omitempty"`
	Temp     float64 `json:"temp,omitempty"`
	Text     string  `json:"text,omitempty"`
}
