package config

import (
	"reflect"
	"sort"
	"strings"

	logx "brewpanel/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe log
// attrs for them. Tokens are never included; only whether one is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.close_timeout", strings.TrimSpace(newCfg.Scheduler.CloseTimeout)),
			logx.Int("scheduler.limit", newCfg.Scheduler.Limit),
			logx.Int("scheduler.pending_capacity", newCfg.Scheduler.PendingCapacity),
			logx.Bool("scheduler.restart_required", true),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	if notifierChanged(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Bool("notifier.token_set", strings.TrimSpace(n.Token) != ""),
				logx.Int64("notifier.chat_id", n.ChatID),
			)
		}
	}

	if statusChanged(oldCfg.Status, newCfg.Status) {
		changed = append(changed, "status")
		if st := newCfg.Status; st != nil {
			attrs = append(attrs,
				logx.Bool("status.enabled", st.Enabled),
				logx.String("status.addr", strings.TrimSpace(st.Addr)),
				logx.Bool("status.token_set", strings.TrimSpace(st.Token) != ""),
				logx.Bool("status.pprof", st.Pprof),
			)
		}
	}

	if devs := changedDevices(oldCfg.Sensors, newCfg.Sensors); len(devs) > 0 {
		changed = append(changed, "sensors")
		attrs = append(attrs, logx.Any("sensors.changed", devs))
	}
	if !reflect.DeepEqual(oldCfg.Steps, newCfg.Steps) {
		changed = append(changed, "steps")
		attrs = append(attrs, logx.Int("steps.count", len(newCfg.Steps)))
	}
	if devs := changedDevices(oldCfg.Actors, newCfg.Actors); len(devs) > 0 {
		changed = append(changed, "actors")
		attrs = append(attrs, logx.Any("actors.changed", devs))
	}

	return changed, attrs
}

// notifierChanged ignores token values, comparing only whether one is set.
func notifierChanged(a, b *NotifierConfig) bool {
	if a == nil || b == nil {
		return (a == nil) != (b == nil)
	}
	ac, bc := *a, *b
	ac.Token = strings.TrimSpace(ac.Token)
	bc.Token = strings.TrimSpace(bc.Token)
	if ac.Token != bc.Token {
		return true
	}
	return ac != bc
}

func statusChanged(a, b *StatusConfig) bool {
	if a == nil || b == nil {
		return (a == nil) != (b == nil)
	}
	return *a != *b
}

// changedDevices returns the sorted names that were added, removed or edited.
func changedDevices(oldList, newList []DeviceConfig) []string {
	idx := func(list []DeviceConfig) map[string]DeviceConfig {
		m := make(map[string]DeviceConfig, len(list))
		for _, d := range list {
			m[d.Name] = d
		}
		return m
	}
	om, nm := idx(oldList), idx(newList)

	var out []string
	for name, nd := range nm {
		od, ok := om[name]
		if !ok || !deviceEqual(od, nd) {
			out = append(out, name)
		}
	}
	for name := range om {
		if _, ok := nm[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func deviceEqual(a, b DeviceConfig) bool {
	if hashJSON(a.Props) != hashJSON(b.Props) {
		return false
	}
	a.Props, b.Props = nil, nil
	return reflect.DeepEqual(a, b)
}
