package component

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/eventbroker/errors"
)

// Manager owns the ordered set of managed components.
type Manager struct {
	logger *slog.Logger

	mu         sync.Mutex
	components []*Managed
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// Add registers a component. Components start in registration order.
func (m *Manager) Add(c Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, &Managed{
		Component:  c,
		State:      StateCreated,
		StartOrder: len(m.components),
	})
}

// StartAll initializes and starts every component in order. The first
// failure stops the sequence and leaves already-started components running;
// the caller is expected to StopAll.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mc := range m.components {
		name := mc.Component.Name()
		if err := mc.Component.Initialize(); err != nil {
			mc.State = StateFailed
			mc.LastError = err
			return errors.Wrap(err, "Manager", "StartAll", "initialize "+name)
		}
		mc.State = StateInitialized

		mc.Context, mc.Cancel = context.WithCancel(ctx)
		if err := mc.Component.Start(mc.Context); err != nil {
			mc.State = StateFailed
			mc.LastError = err
			mc.Cancel()
			return errors.Wrap(err, "Manager", "StartAll", "start "+name)
		}
		mc.State = StateStarted
		m.logger.Info("component started", "component", name)
	}
	return nil
}

// StopAll stops components in reverse start order, bounding each stop by
// timeout.
func (m *Manager) StopAll(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.components) - 1; i >= 0; i-- {
		mc := m.components[i]
		if mc.State != StateStarted {
			continue
		}
		name := mc.Component.Name()
		if mc.Cancel != nil {
			mc.Cancel()
		}
		if err := mc.Component.Stop(timeout); err != nil {
			mc.State = StateFailed
			mc.LastError = err
			m.logger.Error("component stop failed", "component", name, "error", err)
			continue
		}
		mc.State = StateStopped
		m.logger.Info("component stopped", "component", name)
	}
}

// Components returns a snapshot of the managed set, for the stats reporter.
func (m *Manager) Components() []*Managed {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Managed, len(m.components))
	copy(out, m.components)
	return out
}
