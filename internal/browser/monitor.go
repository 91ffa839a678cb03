package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkrelay/internal/metrics"
)

var errDisconnected = errors.New("browser disconnected")

// Monitor verifies the shared session before it is used.
type Monitor struct {
	manager      *Manager
	probeTimeout time.Duration
	logger       *zap.Logger
}

// NewMonitor creates a Monitor over manager.
func NewMonitor(manager *Manager, probeTimeout time.Duration, logger *zap.Logger) *Monitor {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		manager:      manager,
		probeTimeout: probeTimeout,
		logger:       logger,
	}
}

// EnsureHealthy returns a session that has just passed a liveness probe. A
// session that fails the probe is discarded and a fresh one acquired.
func (m *Monitor) EnsureHealthy(ctx context.Context) (Session, error) {
	session, ok := m.manager.Current()
	if !ok {
		return m.manager.Acquire(ctx)
	}
	if err := m.probe(ctx, session); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrSessionUnavailable, ctx.Err())
		}
		metrics.ObserveSessionHealthFailure()
		m.logger.Warn("browser session failed health probe, relaunching", zap.Error(err))
		m.manager.Invalidate(session)
		return m.manager.Acquire(ctx)
	}
	return session, nil
}

// Status exposes the manager status.
func (m *Monitor) Status() Status {
	return m.manager.Status()
}

func (m *Monitor) probe(ctx context.Context, session Session) error {
	if !session.Connected() {
		return errDisconnected
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	var readyState string
	if err := session.Evaluate(probeCtx, "document.readyState", &readyState); err != nil {
		return fmt.Errorf("evaluate readyState: %w", err)
	}
	return nil
}
