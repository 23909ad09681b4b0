//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager holds one system bus connection shared by all systemd actors.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// NewContext connects to the system bus. If ctx is nil, context.Background() is used.
func NewContext(ctx context.Context) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) connection() (*dbus.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, ErrClosed
	}
	return m.conn, nil
}

// Start starts unit and waits for the systemd job to finish or ctx to end.
func (m *Manager) Start(ctx context.Context, unit string) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	unit = UnitName(unit)
	ch := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("failed to start %s: %w", unit, err)
	}
	return waitJob(ctx, "start", unit, ch)
}

// Stop stops unit and waits for the systemd job to finish or ctx to end.
func (m *Manager) Stop(ctx context.Context, unit string) error {
	conn, err := m.connection()
	if err != nil {
		return err
	}
	unit = UnitName(unit)
	ch := make(chan string, 1)
	if _, err := conn.StopUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("failed to stop %s: %w", unit, err)
	}
	return waitJob(ctx, "stop", unit, ch)
}

func waitJob(ctx context.Context, action, unit string, ch <-chan string) error {
	select {
	case res := <-ch:
		return jobResultErr(action, unit, res)
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", action, unit, ctx.Err())
	}
}

// Status is a cheap lookup using ListUnitsByPatterns.
func (m *Manager) Status(ctx context.Context, unit string) (*UnitStatus, error) {
	conn, err := m.connection()
	if err != nil {
		return nil, err
	}
	unit = UnitName(unit)

	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{unit})
	if err == nil && len(units) > 0 {
		u := units[0]
		for _, x := range units {
			if x.Name == unit {
				u = x
				break
			}
		}
		if u.LoadState == "not-found" {
			return notFound(unit), nil
		}
		return &UnitStatus{
			Name:        unit,
			Active:      u.ActiveState,
			SubState:    u.SubState,
			LoadState:   u.LoadState,
			Description: u.Description,
		}, nil
	}

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound(unit), nil
		}
		return nil, fmt.Errorf("failed to get status for %s: %w", unit, err)
	}
	str := func(k string) string { v, _ := props[k].(string); return v }
	if str("LoadState") == "not-found" {
		return notFound(unit), nil
	}
	st := &UnitStatus{
		Name:        unit,
		Active:      str("ActiveState"),
		SubState:    str("SubState"),
		LoadState:   str("LoadState"),
		Description: str("Description"),
	}
	// systemd timestamps are microseconds since the Unix epoch.
	if ts, ok := props["StateChangeTimestamp"].(uint64); ok && ts > 0 {
		st.StateChange = time.UnixMicro(int64(ts))
	}
	return st, nil
}
