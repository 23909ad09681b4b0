//go:build !linux

package systemdmanager

import "context"

type Manager struct{}

func NewContext(ctx context.Context) (*Manager, error) { return nil, ErrUnsupported }

func (m *Manager) Close() error                                 { return nil }
func (m *Manager) Start(ctx context.Context, unit string) error { return ErrUnsupported }
func (m *Manager) Stop(ctx context.Context, unit string) error  { return ErrUnsupported }
func (m *Manager) Status(ctx context.Context, unit string) (*UnitStatus, error) {
	return nil, ErrUnsupported
}
