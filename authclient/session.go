package authclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the refresh coordinator state.
type State int

const (
	StateIdle       State = iota
	StateRefreshing       // a refresh call is in flight
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// RefreshFunc performs the refresh call. A nil error means the backend
// renewed the session.
type RefreshFunc func(ctx context.Context) error

const defaultRefreshTimeout = 10 * time.Second

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	Refresh   RefreshFunc
	CSRF      *CSRFCache     // cleared after every successful refresh
	Navigator NavigationPort // optional; receives the login redirect
	LoginPath string         // defaults to /login
	Timeout   time.Duration  // bound for a single refresh call
	Events    Events
	Logger    *slog.Logger
}

// pendingRefresh is shared by every caller waiting on one refresh call.
// err is written once, before done is closed.
type pendingRefresh struct {
	done chan struct{}
	err  error
}

// SessionManager makes sure at most one refresh call is in flight. Callers
// that hit a stale session while a refresh is running wait for that refresh
// instead of starting their own.
type SessionManager struct {
	refresh   RefreshFunc
	csrf      *CSRFCache
	nav       NavigationPort
	loginPath string
	timeout   time.Duration
	events    Events
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	pending   *pendingRefresh
	gen       uint64 // successful refreshes so far
	refreshes uint64 // refresh calls started

	navMu sync.Mutex
}

// NewSessionManager returns an idle SessionManager.
func NewSessionManager(cfg SessionConfig) *SessionManager {
	m := &SessionManager{
		refresh:   cfg.Refresh,
		csrf:      cfg.CSRF,
		nav:       cfg.Navigator,
		loginPath: cfg.LoginPath,
		timeout:   cfg.Timeout,
		events:    cfg.Events,
		logger:    cfg.Logger,
	}
	if m.loginPath == "" {
		m.loginPath = defaultLoginPath
	}
	if m.timeout <= 0 {
		m.timeout = defaultRefreshTimeout
	}
	if m.events == nil {
		m.events = NopEvents{}
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	return m
}

// State reports the current coordinator state.
func (m *SessionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation counts successful refreshes. Callers record it when they send
// a request and hand it back to Refresh.
func (m *SessionManager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Refreshes counts refresh calls issued.
func (m *SessionManager) Refreshes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

// Refresh returns once the session has been renewed after generation seen.
// If a refresh already completed since then it returns immediately, if one
// is in flight it waits for it, otherwise it starts one. On failure the
// user is sent to the login route and a *RefreshError is returned.
func (m *SessionManager) Refresh(ctx context.Context, seen uint64) error {
	m.mu.Lock()
	if m.gen != seen {
		m.mu.Unlock()
		return nil
	}
	p := m.pending
	if m.state == StateIdle {
		p = &pendingRefresh{done: make(chan struct{})}
		m.state = StateRefreshing
		m.pending = p
		m.refreshes++
		go m.run(ctx, p)
	}
	m.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.err != nil {
		m.redirectToLogin(ctx)
		return p.err
	}
	return nil
}

func (m *SessionManager) run(parent context.Context, p *pendingRefresh) {
	// Detached from the caller that happened to trigger the refresh; the
	// other waiters depend on it too.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), m.timeout)
	defer cancel()

	m.events.RefreshStarted()
	m.logger.InfoContext(ctx, "session refresh started")
	start := time.Now()

	err := m.refresh(ctx)
	if err != nil {
		var re *RefreshError
		if !errors.As(err, &re) {
			err = &RefreshError{Err: err}
		}
		m.logger.WarnContext(ctx, "session refresh failed",
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", err),
		)
		m.events.RefreshFailed(err)
	} else {
		if m.csrf != nil {
			m.csrf.Clear()
		}
		m.logger.InfoContext(ctx, "session refreshed",
			slog.Duration("elapsed", time.Since(start)),
		)
		m.events.RefreshSucceeded()
	}

	m.mu.Lock()
	if err == nil {
		m.gen++
	}
	m.state = StateIdle
	m.pending = nil
	p.err = err
	m.mu.Unlock()

	close(p.done)
}

func (m *SessionManager) redirectToLogin(ctx context.Context) {
	if m.nav == nil {
		return
	}
	m.navMu.Lock()
	defer m.navMu.Unlock()
	if m.nav.CurrentPath() == m.loginPath {
		return
	}
	m.logger.InfoContext(ctx, "redirecting to login", slog.String("path", m.loginPath))
	m.nav.Navigate(m.loginPath)
}
