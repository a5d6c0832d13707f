// File: internal/orchestrator/orchestrator.go
// Description: Owns the single active browser session. It selects a driver by browser family and
// guarantees that opening a browser first tears down whatever was open before.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/browserkit/internal/browsers"
	"github.com/xkilldash9x/browserkit/internal/chromium"
	"github.com/xkilldash9x/browserkit/internal/config"
	"github.com/xkilldash9x/browserkit/internal/firefox"
	"github.com/xkilldash9x/browserkit/internal/launcher"
	"github.com/xkilldash9x/browserkit/internal/session"
	"github.com/xkilldash9x/browserkit/internal/webkit"
)

// ErrUnsupportedFamily is returned for browsers no driver can automate.
var ErrUnsupportedFamily = errors.New("unsupported browser family")

// Factory builds a fresh driver for a browser family. Drivers are single use.
type Factory func(family browsers.Family) (session.Driver, error)

// Manager holds at most one active session.
type Manager struct {
	cfg       *config.Config
	logger    *zap.Logger
	newDriver Factory

	mu       sync.Mutex
	active   session.Driver
	instance session.Instance
	browser  browsers.FoundBrowser
}

// Option customizes a Manager.
type Option func(*Manager)

// WithFactory replaces the driver factory, mainly for tests.
func WithFactory(f Factory) Option {
	return func(m *Manager) { m.newDriver = f }
}

// New creates a Manager. All drivers it creates share one debugging port allocator.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize session manager with nil dependencies")
	}
	m := &Manager{cfg: cfg, logger: logger.Named("orchestrator")}
	ports := launcher.NewPortProvider(cfg.Launch.BasePort)
	m.newDriver = func(family browsers.Family) (session.Driver, error) {
		switch family {
		case browsers.FamilyChromium:
			return chromium.New(cfg, logger, ports), nil
		case browsers.FamilyFirefox:
			return firefox.New(cfg, logger, ports), nil
		case browsers.FamilyWebKit:
			return webkit.New(cfg, logger), nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFamily, family)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Open kills the browser of any previous session, then launches b and navigates to url.
func (m *Manager) Open(ctx context.Context, b browsers.FoundBrowser, url string, opts session.OpenOptions) (session.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeLocked(ctx, true)
	d, err := m.newDriver(b.Family)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Opening browser.", zap.String("browser", b.Selector()), zap.String("url", url))
	inst, err := d.Open(ctx, b, url, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", b.Selector(), err)
	}
	m.active, m.instance, m.browser = d, inst, b
	return inst, nil
}

// ConnectToExisting clears any previous session and attaches to an already running browser.
func (m *Manager) ConnectToExisting(ctx context.Context, b browsers.FoundBrowser, url string, opts session.OpenOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeLocked(ctx, false)
	d, err := m.newDriver(b.Family)
	if err != nil {
		return err
	}
	if err := d.ConnectToExisting(ctx, b, url, opts); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", b.Selector(), err)
	}
	m.active, m.browser = d, b
	return nil
}

// ConnectToNewSpec moves the active session to url.
func (m *Manager) ConnectToNewSpec(ctx context.Context, url string, opts session.OpenOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return session.ErrNoTarget
	}
	return m.active.ConnectToNewSpec(ctx, url, opts)
}

// ClearInstanceState closes the active session's connection and forgets it. The browser
// process, if any, keeps running.
func (m *Manager) ClearInstanceState(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(ctx, false)
}

// Close clears the active session and kills its browser.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(ctx, true)
}

func (m *Manager) closeLocked(ctx context.Context, kill bool) {
	d := m.active
	m.active = nil
	if d != nil {
		if err := d.Close(ctx); err != nil && !errors.Is(err, session.ErrClosed) {
			m.logger.Warn("Closing the previous session failed.", zap.Error(err))
		}
	}
	if inst := m.instance; inst != nil && kill {
		m.instance = nil
		m.logger.Debug("Killing the previous browser.", zap.String("browser", m.browser.Selector()))
		inst.Kill()
	}
}

// Active returns the driver of the current session, or nil.
func (m *Manager) Active() session.Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// State returns the active session's state, Disconnected when there is none.
func (m *Manager) State() session.State {
	d := m.Active()
	if d == nil {
		return session.StateDisconnected
	}
	return d.State()
}
