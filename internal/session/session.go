// Package session owns the single headless browser shared by every task.
//
// The browser is opened and closed explicitly. A task acquires it through
// Manager.Acquire and holds it exclusively until Release; closing the browser
// while a task holds it is refused with ErrBusy.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrUnavailable is returned by Acquire when no browser is open.
	ErrUnavailable = errors.New("browser session unavailable")
	// ErrBusy is returned when the session is held by a running task.
	ErrBusy = errors.New("browser session busy")
)

// Browser is a launched browser process.
type Browser interface {
	// NewTab opens a tab. The tab closes when ctx is done or cancel is called.
	NewTab(ctx context.Context) (context.Context, context.CancelFunc)
	// Close shuts the browser down.
	Close() error
}

// Launcher starts browsers.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Manager guards the shared browser.
type Manager struct {
	launcher Launcher
	logger   *zap.Logger

	mu      sync.Mutex
	browser Browser
	holder  *Handle
}

// NewManager returns a Manager with no browser open.
func NewManager(launcher Launcher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{launcher: launcher, logger: logger}
}

// Open launches the browser. Opening an already open session is a no-op and
// reports false.
func (m *Manager) Open(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser != nil {
		return false, nil
	}
	m.logger.Info("starting browser")
	browser, err := m.launcher.Launch(ctx)
	if err != nil {
		return false, fmt.Errorf("launch browser: %w", err)
	}
	m.browser = browser
	m.logger.Info("browser started")
	return true, nil
}

// Close shuts the browser down unless a task holds it. Closing a session that
// is not open reports false.
func (m *Manager) Close() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil {
		return false, nil
	}
	if m.holder != nil {
		return false, ErrBusy
	}
	err := m.browser.Close()
	m.browser = nil
	if err != nil {
		return true, fmt.Errorf("close browser: %w", err)
	}
	m.logger.Info("browser closed")
	return true, nil
}

// IsOpen reports whether a browser is running.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil
}

// Busy reports whether a task holds the session.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder != nil
}

// Acquire takes exclusive use of the browser. It fails with ErrUnavailable
// when no browser is open and ErrBusy when another task holds it.
func (m *Manager) Acquire() (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil {
		return nil, ErrUnavailable
	}
	if m.holder != nil {
		return nil, ErrBusy
	}
	h := &Handle{m: m, browser: m.browser}
	m.holder = h
	return h, nil
}

// Handle is exclusive use of the browser.
type Handle struct {
	m       *Manager
	browser Browser
	once    sync.Once
}

// NewTab opens a browser tab bound to ctx.
func (h *Handle) NewTab(ctx context.Context) (context.Context, context.CancelFunc) {
	return h.browser.NewTab(ctx)
}

// Release returns the session. Extra calls are ignored.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.m.mu.Lock()
		if h.m.holder == h {
			h.m.holder = nil
		}
		h.m.mu.Unlock()
	})
}
