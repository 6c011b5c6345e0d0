package console

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/botfleet-console/internal/botlog"
	"github.com/JakeFAU/botfleet-console/internal/metrics"
	"github.com/JakeFAU/botfleet-console/internal/session"
)

// ErrClosed is returned by a Manager after Close.
var ErrClosed = errors.New("console manager closed")

// Manager holds the single active Console. Switching scope tears the old
// console down and builds a fresh one; nothing carries over.
type Manager struct {
	cfg    Config
	dialer session.Dialer
	logger *zap.Logger
	extra  []session.EventSink

	// mu serializes Switch and Close.
	mu     sync.Mutex
	closed bool

	activeMu sync.RWMutex
	active   *Console
}

// NewManager builds a manager without an active console; call Switch to
// create the first one.
func NewManager(cfg Config, dialer session.Dialer, logger *zap.Logger, extra ...session.EventSink) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		logger: logger,
		extra:  extra,
	}
}

// Active returns the current console, or nil before the first Switch.
func (m *Manager) Active() *Console {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	return m.active
}

// Switch makes scope the active scope. Switching to the scope already active
// is a no-op. Otherwise the old console is disconnected exactly once and a new
// one is built; with AutoConnect it is connected before Switch returns. A
// connect failure is returned alongside the new console, which stays active
// and carries the error in its status.
func (m *Manager) Switch(ctx context.Context, scope botlog.Scope) (*Console, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	old := m.Active()
	if old != nil && old.Scope() == scope {
		m.mu.Unlock()
		return old, nil
	}

	next, err := New(m.cfg, scope, m.dialer, m.logger, m.extra...)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if old != nil {
		if err := old.Disconnect(ctx); err != nil {
			m.logger.Warn("disconnect previous console",
				zap.String("console_id", old.ID()),
				zap.Error(err))
		}
	}

	m.activeMu.Lock()
	m.active = next
	m.activeMu.Unlock()
	m.mu.Unlock()
	metrics.ObserveScopeSwitch()
	m.logger.Info("console scope switched",
		zap.Stringer("scope", scope),
		zap.String("console_id", next.ID()))

	// A later Switch or Close cancels this connect by disconnecting next.
	if !m.cfg.AutoConnect {
		return next, nil
	}
	if err := next.Connect(ctx); err != nil {
		return next, fmt.Errorf("connect console %s: %w", next.ID(), err)
	}
	return next, nil
}

// Close disconnects the active console and refuses further switches.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	active := m.Active()
	if active == nil {
		return nil
	}
	if err := active.Disconnect(ctx); err != nil {
		return fmt.Errorf("close console %s: %w", active.ID(), err)
	}
	return nil
}
