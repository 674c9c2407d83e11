// Package session manages browser sessions for the session-bound and
// in-page transports. Each session is an incognito browser context with
// its own cookies and storage, created on demand, ref-counted, and closed
// deterministically when released and idle. Sessions are keyed by owner;
// two unrelated callers never observe each other's state.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// Config configures the session Manager.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// IdleTimeout closes a session this long after its last release.
	// Default: 5m.
	IdleTimeout time.Duration

	// MaxSessions caps concurrently open sessions. Default: 8.
	MaxSessions int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 8
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Chrome process and the session table.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	browser  *rod.Browser
	lnch     *launcher.Launcher
	sessions map[string]*Session
	stop     chan struct{}
	closed   bool
}

// NewManager creates a Manager. Chrome is launched lazily on the first
// Acquire, not here.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
}

// Acquire returns the session for owner, creating it on demand, and takes
// a reference. Callers must Release when done; the pair brackets every
// use of the session.
func (m *Manager) Acquire(ctx context.Context, owner string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("session: manager is closed")
	}

	if s, ok := m.sessions[owner]; ok {
		s.mu.Lock()
		s.refs++
		s.mu.Unlock()
		return s, nil
	}

	if len(m.sessions) >= m.cfg.MaxSessions {
		return nil, fmt.Errorf("session: limit reached (%d)", m.cfg.MaxSessions)
	}

	if m.browser == nil {
		if err := m.launchLocked(); err != nil {
			return nil, err
		}
		go m.sweepLoop()
	}

	inc, err := m.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("session: incognito context: %w", err)
	}
	page, err := stealth.Page(inc)
	if err != nil {
		inc.Close()
		return nil, fmt.Errorf("session: create page: %w", err)
	}

	s := &Session{
		Owner:    owner,
		mgr:      m,
		ctx:      inc,
		page:     page,
		refs:     1,
		lastUsed: time.Now(),
	}
	m.sessions[owner] = s
	m.cfg.Logger.Info("session: created", "owner", owner, "open", len(m.sessions))
	return s, nil
}

func (m *Manager) launchLocked() error {
	wsURL := m.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("session: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		m.cfg.Logger.Info("session: launched local chrome")
	} else {
		m.cfg.Logger.Info("session: connecting to remote", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	m.browser = b
	return nil
}

// sweepLoop closes sessions that are unreferenced and idle.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for owner, s := range m.sessions {
		s.mu.Lock()
		expired := s.refs == 0 && now.Sub(s.lastUsed) >= m.cfg.IdleTimeout
		if expired {
			s.closeLocked()
		}
		s.mu.Unlock()
		if expired {
			delete(m.sessions, owner)
			m.cfg.Logger.Info("session: expired", "owner", owner)
		}
	}
}

// Close releases every session and shuts Chrome down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stop)

	for owner, s := range m.sessions {
		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
		delete(m.sessions, owner)
	}
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return nil
}

// Session is one caller's browser context. It implements the cookie
// source and in-page evaluator contracts of the transport tiers.
type Session struct {
	Owner string

	mgr  *Manager
	ctx  *rod.Browser
	page *rod.Page

	mu       sync.Mutex
	refs     int
	lastUsed time.Time
	closed   bool
}

// Release drops one reference. The session stays warm until the idle
// timeout so a verify pass right after a learn pass reuses it.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs--
	}
	s.lastUsed = time.Now()
}

// Navigate loads pageURL in the session's page and waits for load.
func (s *Session) Navigate(ctx context.Context, pageURL string) error {
	page, err := s.livePage()
	if err != nil {
		return err
	}
	if err := page.Context(ctx).Navigate(pageURL); err != nil {
		return fmt.Errorf("session: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		s.mgr.cfg.Logger.Warn("session: wait load timeout", "url", pageURL, "error", err)
	}
	return nil
}

// Cookies returns the session's cookies applicable to u, in the shape the
// session-bound transport consumes.
func (s *Session) Cookies(ctx context.Context, u *url.URL) ([]*http.Cookie, error) {
	page, err := s.livePage()
	if err != nil {
		return nil, err
	}
	raw, err := page.Context(ctx).Cookies([]string{u.String()})
	if err != nil {
		return nil, fmt.Errorf("session: cookies: %w", err)
	}
	out := make([]*http.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out, nil
}

// Eval runs js in the session's page and returns the result as a string.
// This is the in-page transport's execution primitive.
func (s *Session) Eval(ctx context.Context, js string, args ...any) (string, error) {
	page, err := s.livePage()
	if err != nil {
		return "", err
	}
	res, err := page.Context(ctx).Eval(js, args...)
	if err != nil {
		return "", fmt.Errorf("session: eval: %w", err)
	}
	return res.Value.Str(), nil
}

func (s *Session) livePage() (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.page == nil {
		return nil, fmt.Errorf("session: closed")
	}
	s.lastUsed = time.Now()
	return s.page, nil
}

// closeLocked tears the context down. Caller holds s.mu.
func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	if s.page != nil {
		s.page.Close()
		s.page = nil
	}
	if s.ctx != nil {
		s.ctx.Close()
		s.ctx = nil
	}
}
