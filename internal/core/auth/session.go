// Package auth owns the NVR session: credentials, anti-forgery token,
// session cookie, and login age. A single in-flight login attempt is
// shared by all concurrent callers.
package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jlindqvist/protectd/internal/core/transport"
)

// csrfHeader is the anti-forgery header used by the controller. Its
// presence on a probe of the base address fingerprints the server variant
// that requires the token-then-login dance.
const csrfHeader = "X-CSRF-Token"

// Credentials holds the NVR account used for login.
type Credentials struct {
	Username string
	Password string
}

// Config holds session manager settings.
type Config struct {
	// Address is the base https:// address of the controller.
	Address     string
	Credentials Credentials
	// RefreshInterval bounds session age; an older session is cleared and
	// re-established on the next call even though its cached material
	// would otherwise appear valid.
	RefreshInterval time.Duration
}

// Sender is the subset of the request gateway the login dance needs.
type Sender interface {
	Send(ctx context.Context, method, url string, body []byte, opts transport.SendOptions) *transport.Reply
}

// loginAttempt is a shared-outcome cell: one producer performs the login
// round-trip, any number of waiters block on done and read ok.
type loginAttempt struct {
	done chan struct{}
	ok   bool
}

// Manager owns all session state for one NVR.
type Manager struct {
	address string
	creds   Credentials
	refresh time.Duration
	log     *slog.Logger

	mu        sync.Mutex
	sender    Sender
	csrfToken string
	cookie    string
	loggedIn  bool
	loginTime time.Time
	isAdmin   bool
	adminSet  bool
	pending   *loginAttempt
	onClear   func()
}

// NewManager creates a session manager. A Sender must be bound with
// SetSender before the first login attempt.
func NewManager(cfg Config, log *slog.Logger) *Manager {
	return &Manager{
		address: cfg.Address,
		creds:   cfg.Credentials,
		refresh: cfg.RefreshInterval,
		log:     log,
	}
}

// SetSender binds the request gateway used for login traffic.
func (m *Manager) SetSender(s Sender) {
	m.mu.Lock()
	m.sender = s
	m.mu.Unlock()
}

// OnClear registers a hook invoked whenever the session is cleared,
// used to tear down the realtime connection. The hook must not call back
// into the manager.
func (m *Manager) OnClear(fn func()) {
	m.mu.Lock()
	m.onClear = fn
	m.mu.Unlock()
}

// EnsureLoggedIn returns true once a valid session exists. Concurrent
// callers while a login is in flight all observe the outcome of that
// single attempt; no additional login requests are issued.
func (m *Manager) EnsureLoggedIn(ctx context.Context) bool {
	m.mu.Lock()

	if m.loggedIn && time.Since(m.loginTime) > m.refresh {
		m.log.Debug("session exceeded refresh interval, forcing re-login", "age", time.Since(m.loginTime))
		m.clearLocked()
	}

	if m.loggedIn {
		m.mu.Unlock()
		return true
	}

	if p := m.pending; p != nil {
		m.mu.Unlock()
		select {
		case <-p.done:
			return p.ok
		case <-ctx.Done():
			return false
		}
	}

	p := &loginAttempt{done: make(chan struct{})}
	m.pending = p
	m.mu.Unlock()

	ok := m.login(ctx)

	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()

	p.ok = ok
	close(p.done)
	return ok
}

// login acquires an anti-forgery token if necessary, then submits
// credentials. A successful login must carry both a fresh anti-forgery
// header and a session cookie; anything less clears the session.
func (m *Manager) login(ctx context.Context) bool {
	m.mu.Lock()
	sender := m.sender
	token := m.csrfToken
	m.mu.Unlock()

	if sender == nil {
		m.log.Error("session manager has no transport bound")
		return false
	}

	if token == "" {
		m.acquireToken(ctx, sender)
	}

	body, err := json.Marshal(map[string]string{
		"username": m.creds.Username,
		"password": m.creds.Password,
	})
	if err != nil {
		m.log.Error("unable to encode login request", "error", err)
		return false
	}

	reply := sender.Send(ctx, http.MethodPost, m.address+"/api/auth/login", body, transport.SendOptions{Raw: true})
	if !reply.OK() || reply.Status != http.StatusOK {
		m.log.Error("login failed", "status", reply.Status, "outcome", reply.Outcome.String(), "nvr", m.address)
		m.Clear()
		return false
	}

	csrf := reply.Header.Get(csrfHeader)
	cookie := reply.Header.Get("Set-Cookie")
	if csrf == "" || cookie == "" {
		m.log.Error("login response missing session material", "nvr", m.address)
		m.Clear()
		return false
	}

	m.mu.Lock()
	m.csrfToken = csrf
	m.cookie = cookie
	m.loggedIn = true
	m.loginTime = time.Now()
	m.mu.Unlock()

	m.log.Debug("login succeeded", "nvr", m.address)
	return true
}

// acquireToken probes the base address for an anti-forgery header.
// Absence is not an error: that just identifies a controller variant
// which accepts logins without the token.
func (m *Manager) acquireToken(ctx context.Context, sender Sender) {
	reply := sender.Send(ctx, http.MethodGet, m.address+"/", nil, transport.SendOptions{Raw: true, Quiet: true})
	if !reply.OK() || reply.Status != http.StatusOK {
		return
	}
	if token := reply.Header.Get(csrfHeader); token != "" {
		m.mu.Lock()
		m.csrfToken = token
		m.mu.Unlock()
		m.log.Debug("acquired anti-forgery token", "nvr", m.address)
	}
}

// SessionHeaders returns the current anti-forgery token and cookie.
func (m *Manager) SessionHeaders() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.csrfToken, m.cookie
}

// InvalidateSession implements transport.SessionSource.
func (m *Manager) InvalidateSession() {
	m.Clear()
}

// LoggedIn reports whether a session currently exists.
func (m *Manager) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loggedIn
}

// IsAdmin reports whether the logged-in user holds camera write access.
func (m *Manager) IsAdmin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isAdmin
}

// SetAdmin records the derived privilege. It reports whether the value
// changed relative to a prior determination, and whether this was the
// first determination for the current session.
func (m *Manager) SetAdmin(admin bool) (changed, first bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first = !m.adminSet
	changed = m.adminSet && m.isAdmin != admin
	m.isAdmin = admin
	m.adminSet = true
	return changed, first
}

// Clear unconditionally resets all session fields and tears down any open
// realtime connection. It is the uniform recovery action for every
// authentication-adjacent failure.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.clearLocked()
	m.mu.Unlock()
}

func (m *Manager) clearLocked() {
	m.csrfToken = ""
	m.cookie = ""
	m.loggedIn = false
	m.loginTime = time.Time{}
	m.isAdmin = false
	m.adminSet = false
	if m.onClear != nil {
		m.onClear()
	}
}
