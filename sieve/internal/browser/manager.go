// Package browser owns the Chrome process domsieve drives: launch or
// connect, stealth tabs, periodic recycling.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Mode is how Chrome runs.
type Mode int

const (
	Headless Mode = iota
	Headful       // under Xvfb
)

// ParseMode maps the config string to a Mode.
func ParseMode(s string) Mode {
	if s == "headful" {
		return Headful
	}
	return Headless
}

// Config configures the Manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket of an existing Chrome. Empty
	// launches a local one.
	RemoteURL string
	// RecycleInterval is the maximum lifetime of a local Chrome. Default 4h.
	RecycleInterval time.Duration
	// Block lists resource types never loaded (images, fonts, media,
	// stylesheets).
	Block       []string
	Mode        Mode
	XvfbDisplay string
	Logger      *slog.Logger
}

// Manager starts Chrome and restarts it on a schedule. Tabs must be
// reopened after a recycle: OnRecycle is called with the new browser.
type Manager struct {
	cfg Config

	mu        sync.RWMutex
	browser   *rod.Browser
	lnch      *launcher.Launcher
	xvfb      *exec.Cmd
	startedAt time.Time
	closed    bool
	onRecycle func(ctx context.Context)
}

// NewManager applies defaults. Call Start before opening tabs.
func NewManager(cfg Config) *Manager {
	if cfg.RecycleInterval <= 0 {
		cfg.RecycleInterval = 4 * time.Hour
	}
	if cfg.XvfbDisplay == "" {
		cfg.XvfbDisplay = ":99"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg}
}

// OnRecycle registers the hook run after Chrome was restarted.
func (m *Manager) OnRecycle(fn func(ctx context.Context)) {
	m.mu.Lock()
	m.onRecycle = fn
	m.mu.Unlock()
}

// Start launches or connects, then recycles in the background until ctx
// ends. A remote browser is never recycled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("browser: manager is closed")
	}
	b, err := m.launch()
	if err != nil {
		return err
	}
	m.browser = b
	m.startedAt = time.Now()
	if m.cfg.RemoteURL == "" {
		go m.recycleLoop(ctx)
	}
	return nil
}

// Browser returns the current handle, nil before Start or after Close.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Close shuts Chrome and Xvfb down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger
	wsURL := m.cfg.RemoteURL
	if wsURL != "" {
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		if m.cfg.Mode == Headful {
			if err := m.startXvfb(); err != nil {
				return nil, fmt.Errorf("browser: xvfb: %w", err)
			}
		}
		l := launcher.New().Headless(m.cfg.Mode == Headless)
		if m.cfg.Mode == Headful {
			l = l.Env("DISPLAY=" + m.cfg.XvfbDisplay)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL, m.lnch = u, l
		log.Info("browser: launched local chrome", "url", wsURL, "headful", m.cfg.Mode == Headful)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

func (m *Manager) cleanup() {
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.stopXvfb()
}

func (m *Manager) recycleLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			due := !m.closed && time.Since(m.startedAt) > m.cfg.RecycleInterval
			m.mu.RUnlock()
			if due {
				if err := m.Recycle(ctx); err != nil {
					m.cfg.Logger.Error("browser: recycle failed", "error", err)
				}
			}
		}
	}
}

// Recycle restarts Chrome and runs the OnRecycle hook.
func (m *Manager) Recycle(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("browser: manager is closed")
	}
	m.cfg.Logger.Info("browser: recycling", "uptime", time.Since(m.startedAt))
	m.cleanup()
	b, err := m.launch()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.browser = b
	m.startedAt = time.Now()
	hook := m.onRecycle
	m.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	return nil
}
