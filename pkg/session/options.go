package session

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/txn2/bi-session-platform/pkg/audit"
	"github.com/txn2/bi-session-platform/pkg/clock"
	"github.com/txn2/bi-session-platform/pkg/contextstore"
)

// TokenRefresher schedules background token refresh for authenticated sessions.
type TokenRefresher interface {
	ScheduleRefresh(sessionID string, uc *contextstore.UserContext)
	ClearRefresh(sessionID string)
	ClearAllRefresh()
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets timeouts, thresholds and limits. Zero fields take defaults.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithClock sets the clock used for timestamps and timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithTokenRefresher sets the service that refreshes authenticated tokens.
func WithTokenRefresher(r TokenRefresher) Option {
	return func(m *Manager) {
		m.refresher = r
	}
}

// WithIDGenerator overrides session ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		m.newID = gen
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithAuditLogger records lifecycle events to l.
func WithAuditLogger(l audit.Logger) Option {
	return func(m *Manager) {
		m.audit = l
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

func defaultIDGenerator() string {
	return uuid.NewString()
}
