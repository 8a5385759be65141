package vpn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"tailscale.com/tstime"

	"github.com/chillshell/tsvpn/backend"
	"github.com/chillshell/tsvpn/common"
)

// LoginPhase is the progress of a login session.
type LoginPhase int

const (
	PhaseIdle LoginPhase = iota
	PhaseAwaitingPermission
	PhaseAwaitingBackendAck
	PhaseAwaitingBrowserAuth
)

func (p LoginPhase) String() string {
	switch p {
	case PhaseAwaitingPermission:
		return "awaiting permission"
	case PhaseAwaitingBackendAck:
		return "awaiting backend"
	case PhaseAwaitingBrowserAuth:
		return "awaiting browser"
	default:
		return "idle"
	}
}

// LoginSession is one interactive login attempt. It resolves exactly
// once: with an Identity, or with a *common.Error.
type LoginSession struct {
	ID        string
	CreatedAt time.Time
	Deadline  time.Time

	done chan struct{}

	// Guarded by SessionManager.mu.
	phase    LoginPhase
	resolved bool
	identity Identity
	err      error
	timer    tstime.TimerController
}

// Done is closed when the session resolves.
func (s *LoginSession) Done() <-chan struct{} {
	return s.done
}

// Result returns the outcome. It must only be called after Done is
// closed.
func (s *LoginSession) Result() (Identity, error) {
	<-s.done
	return s.identity, s.err
}

// Wait blocks until the session resolves or ctx is done.
func (s *LoginSession) Wait(ctx context.Context) (Identity, error) {
	select {
	case <-s.done:
		return s.identity, s.err
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	}
}

// SessionOptions configures a SessionManager.
type SessionOptions struct {
	// Timeout bounds the whole login. Zero uses common.LoginTimeout.
	Timeout time.Duration
	// RequestTimeout bounds the login request. Zero uses
	// common.RequestTimeout.
	RequestTimeout time.Duration
	// Clock defaults to tstime.StdClock.
	Clock tstime.Clock
	// Go runs background work. Defaults to a plain goroutine.
	Go func(func())
	// OnGranted, if set, runs each time the gate grants permission.
	OnGranted func()
}

// SessionManager runs interactive logins, at most one at a time.
type SessionManager struct {
	gate           PermissionGate
	api            backend.LocalAPI
	clock          tstime.Clock
	timeout        time.Duration
	requestTimeout time.Duration
	goFunc         func(func())
	onGranted      func()

	mu  sync.Mutex
	cur *LoginSession
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(gate PermissionGate, api backend.LocalAPI, opts SessionOptions) *SessionManager {
	m := &SessionManager{
		gate:           gate,
		api:            api,
		clock:          opts.Clock,
		timeout:        opts.Timeout,
		requestTimeout: opts.RequestTimeout,
		goFunc:         opts.Go,
		onGranted:      opts.OnGranted,
	}
	if m.clock == nil {
		m.clock = tstime.StdClock{}
	}
	if m.timeout <= 0 {
		m.timeout = common.LoginTimeout
	}
	if m.requestTimeout <= 0 {
		m.requestTimeout = common.RequestTimeout
	}
	if m.goFunc == nil {
		m.goFunc = func(f func()) { go f() }
	}
	return m
}

// Start begins a login and returns its session without waiting for the
// result. It fails with common.ErrLoginInProgress, changing nothing, if a
// session is pending. Background work runs under ctx; when ctx is
// canceled the session is abandoned and resolves only on its deadline.
func (m *SessionManager) Start(ctx context.Context) (*LoginSession, error) {
	now := m.clock.Now()
	s := &LoginSession{
		ID:        uuid.NewString(),
		CreatedAt: now,
		Deadline:  now.Add(m.timeout),
		done:      make(chan struct{}),
		phase:     PhaseAwaitingPermission,
	}

	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		return nil, common.ErrLoginInProgress
	}
	m.cur = s
	m.mu.Unlock()

	// The clock may run timer callbacks synchronously, so the timer is
	// armed outside m.mu.
	t := m.clock.AfterFunc(m.timeout, func() {
		m.resolve(s, Identity{}, common.ErrTimeout, true)
	})
	m.mu.Lock()
	s.timer = t
	resolved := s.resolved
	m.mu.Unlock()
	if resolved {
		t.Stop()
		return s, nil
	}

	common.LogInfo("login %s: started, deadline %s", s.ID, s.Deadline.Format(time.RFC3339))
	m.goFunc(func() { m.run(ctx, s) })
	return s, nil
}

// Login starts a login and waits for its result.
func (m *SessionManager) Login(ctx context.Context) (Identity, error) {
	s, err := m.Start(ctx)
	if err != nil {
		return Identity{}, err
	}
	return s.Wait(ctx)
}

func (m *SessionManager) run(ctx context.Context, s *LoginSession) {
	perm, err := m.gate.RequestPermission(ctx)
	if ctx.Err() != nil {
		common.LogInfo("login %s: abandoned while awaiting permission", s.ID)
		return
	}
	if err != nil {
		m.resolve(s, Identity{}, common.ErrLoginFailed.With(err), false)
		return
	}
	if perm == PermissionDenied {
		m.resolve(s, Identity{}, common.ErrPermissionDenied, false)
		return
	}
	common.LogDebug("login %s: permission %s", s.ID, perm)
	if m.onGranted != nil {
		m.onGranted()
	}

	if !m.advance(s, PhaseAwaitingPermission, PhaseAwaitingBackendAck) {
		return
	}
	_, err = m.api.Call(ctx, backend.Request{
		Timeout: m.requestTimeout,
		Method:  http.MethodPost,
		Path:    backend.PathLoginInteractive,
	})
	if err != nil {
		if ctx.Err() != nil {
			common.LogInfo("login %s: abandoned during login request", s.ID)
			return
		}
		m.resolve(s, Identity{}, common.ErrLoginFailed.With(err), false)
	}
}

// advance moves s from phase from to phase to if it is still pending.
func (m *SessionManager) advance(s *LoginSession, from, to LoginPhase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.resolved || s.phase != from {
		return false
	}
	s.phase = to
	return true
}

// resolve settles s. The first call wins; later calls return false.
// fromTimer must be set when called from s's own timer.
func (m *SessionManager) resolve(s *LoginSession, id Identity, err error, fromTimer bool) bool {
	m.mu.Lock()
	if s.resolved {
		m.mu.Unlock()
		return false
	}
	s.resolved = true
	s.phase = PhaseIdle
	s.identity = id
	s.err = err
	if m.cur == s {
		m.cur = nil
	}
	t := s.timer
	m.mu.Unlock()

	if t != nil && !fromTimer {
		t.Stop()
	}
	close(s.done)
	if err != nil {
		common.LogWarn("login %s: %v", s.ID, err)
	} else {
		common.LogInfo("login %s: finished as %s (%s)", s.ID, id.DeviceName, id.IP)
	}
	return true
}

// Pending returns the in-flight session, or nil.
func (m *SessionManager) Pending() *LoginSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Phase returns the phase of the in-flight session, or PhaseIdle.
func (m *SessionManager) Phase() LoginPhase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return PhaseIdle
	}
	return m.cur.phase
}

// BrowseURLReceived records that the control plane sent a login URL.
func (m *SessionManager) BrowseURLReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil && m.cur.phase == PhaseAwaitingBackendAck {
		m.cur.phase = PhaseAwaitingBrowserAuth
	}
}

// Finish resolves the pending session with id. It is a no-op when no
// session is pending or the session has not reached the backend yet.
func (m *SessionManager) Finish(id Identity) bool {
	m.mu.Lock()
	s := m.cur
	ok := s != nil && (s.phase == PhaseAwaitingBackendAck || s.phase == PhaseAwaitingBrowserAuth)
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.resolve(s, id, nil, false)
}

// Fail resolves the pending session, if any, with err.
func (m *SessionManager) Fail(err error) bool {
	m.mu.Lock()
	s := m.cur
	m.mu.Unlock()
	if s == nil {
		return false
	}
	return m.resolve(s, Identity{}, err, false)
}
