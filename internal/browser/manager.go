package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkrelay/internal/metrics"
)

// State is the lifecycle position of the shared session.
type State int

// Session states.
const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config controls session launches.
type Config struct {
	LandingURL    string
	LaunchTimeout time.Duration
}

// Status is a point-in-time view of the manager.
type Status struct {
	State     string    `json:"state"`
	Connected bool      `json:"connected"`
	Since     time.Time `json:"since,omitempty"`
	Launches  int       `json:"launches"`
	LastError string    `json:"last_error,omitempty"`
}

// Manager owns at most one Session.
type Manager struct {
	launcher Launcher
	cfg      Config
	logger   *zap.Logger

	mu        sync.Mutex
	state     State
	session   Session
	launching chan struct{}
	since     time.Time
	launches  int
	lastErr   error
	closed    bool
}

// NewManager creates a Manager in the Uninitialized state.
func NewManager(launcher Launcher, cfg Config, logger *zap.Logger) *Manager {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		launcher: launcher,
		cfg:      cfg,
		logger:   logger,
	}
}

// Acquire returns the ready session, launching one if needed. Callers that
// arrive during a launch wait for it to finish and never start another.
func (m *Manager) Acquire(ctx context.Context) (Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: manager closed", ErrSessionUnavailable)
	}
	switch m.state {
	case StateReady:
		session := m.session
		m.mu.Unlock()
		return session, nil
	case StateInitializing:
	default:
		m.state = StateInitializing
		m.launching = make(chan struct{})
		go m.launch(context.WithoutCancel(ctx), m.launching)
	}
	done := m.launching
	m.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrSessionUnavailable, ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateReady && m.session != nil {
		return m.session, nil
	}
	if m.lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionUnavailable, m.lastErr)
	}
	return nil, ErrSessionUnavailable
}

// Current returns the session when the manager is Ready.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady || m.session == nil {
		return nil, false
	}
	return m.session, true
}

// Invalidate discards session if it is still the current one.
func (m *Manager) Invalidate(session Session) {
	m.mu.Lock()
	if session == nil || m.session != session {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.state = StateFailed
	m.mu.Unlock()

	m.logger.Warn("browser session invalidated")
	if err := session.Close(); err != nil {
		m.logger.Debug("close invalidated session", zap.Error(err))
	}
}

// Status reports the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:    m.state.String(),
		Since:    m.since,
		Launches: m.launches,
	}
	if m.session != nil {
		st.Connected = m.session.Connected()
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Close shuts the current session down. Later Acquire calls fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	session := m.session
	m.session = nil
	m.state = StateUninitialized
	m.mu.Unlock()

	if session == nil {
		return nil
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("close browser session: %w", err)
	}
	return nil
}

func (m *Manager) launch(parent context.Context, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithTimeout(parent, m.cfg.LaunchTimeout)
	defer cancel()

	start := time.Now()
	session, err := m.start(ctx)

	m.mu.Lock()
	if err == nil && m.closed {
		if closeErr := session.Close(); closeErr != nil {
			m.logger.Debug("close session after shutdown", zap.Error(closeErr))
		}
		session = nil
		err = errors.New("manager closed during launch")
	}
	if err != nil {
		m.state = StateUninitialized
		m.session = nil
		m.lastErr = err
	} else {
		m.state = StateReady
		m.session = session
		m.since = time.Now()
		m.launches++
		m.lastErr = nil
	}
	m.mu.Unlock()

	if err != nil {
		metrics.ObserveSessionLaunch("failed")
		m.logger.Error("browser launch failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	metrics.ObserveSessionLaunch("ready")
	m.logger.Info("browser session ready",
		zap.String("landing_url", m.cfg.LandingURL),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (m *Manager) start(ctx context.Context) (Session, error) {
	session, err := m.launcher.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	if m.cfg.LandingURL == "" {
		return session, nil
	}
	if err := session.Navigate(ctx, m.cfg.LandingURL); err != nil {
		if closeErr := session.Close(); closeErr != nil {
			m.logger.Debug("close partial session", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("open landing page: %w", err)
	}
	return session, nil
}
