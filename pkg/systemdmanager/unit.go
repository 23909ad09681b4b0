// Package systemdmanager switches systemd units on and off over D-Bus.
//
// It backs the "systemd" actor driver: a pump or heater wired behind a unit
// that toggles a GPIO, relay board or smart plug.
package systemdmanager

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")
	ErrClosed      = errors.New("systemdmanager: connection is closed")
)

// UnitStatus is the core state of one unit.
type UnitStatus struct {
	Name        string
	Active      string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	LoadState   string // loaded, not-found, ...
	Description string
	StateChange time.Time
}

// Running reports whether the unit is active.
func (s UnitStatus) Running() bool { return s.Active == "active" }

// UnitName appends ".service" when name has no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	for _, suf := range []string{".service", ".target", ".timer", ".socket", ".scope"} {
		if strings.HasSuffix(name, suf) {
			return name
		}
	}
	return name + ".service"
}

// jobResultErr maps a systemd job result string to an error.
func jobResultErr(action, unit, result string) error {
	switch result {
	case "done", "":
		return nil
	default:
		return fmt.Errorf("%s %s: job %s", action, unit, result)
	}
}

func notFound(unit string) *UnitStatus {
	return &UnitStatus{Name: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
