// Package tokenrefresh refreshes the auth tokens of authenticated sessions
// ahead of their expiry. Each session gets one timer; a refresh that fails
// is retried a bounded number of times before the session is left to
// expire.
package tokenrefresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/txn2/bi-session-platform/pkg/audit"
	"github.com/txn2/bi-session-platform/pkg/clock"
	"github.com/txn2/bi-session-platform/pkg/contextstore"
)

// Defaults for Config fields left at zero.
const (
	DefaultThreshold  = 15 * time.Minute
	DefaultRetryDelay = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultTimeout    = 10 * time.Second
)

// Refresher obtains a fresh token for a context and returns its expiry.
type Refresher interface {
	Refresh(ctx context.Context, uc *contextstore.UserContext) (time.Time, error)
}

// ExpiryStore persists a refreshed token expiry.
type ExpiryStore interface {
	UpdateTokenExpiry(ctx context.Context, sessionID string, expiry time.Time) error
}

// Listener is told about every successful refresh.
type Listener func(sessionID string, expiry time.Time)

// Config controls refresh timing.
type Config struct {
	// Threshold is how long before expiry a refresh fires.
	Threshold  time.Duration
	RetryDelay time.Duration
	MaxRetries int

	// Timeout bounds a single Refresh call.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
}

// Service schedules token refreshes. It is safe for concurrent use.
type Service struct {
	cfg       Config
	refresher Refresher
	store     ExpiryStore
	clock     clock.Clock
	listener  Listener
	audit     audit.Logger
	metrics   *Metrics
	logger    *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	seq  uint64
}

type job struct {
	uc      *contextstore.UserContext
	timer   clock.Timer
	seq     uint64
	retries int
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for timers.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithListener registers l to be told about successful refreshes.
func WithListener(l Listener) Option {
	return func(s *Service) {
		s.listener = l
	}
}

// WithAuditLogger records refreshes to l.
func WithAuditLogger(l audit.Logger) Option {
	return func(s *Service) {
		s.audit = l
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New creates a Service.
func New(refresher Refresher, store ExpiryStore, cfg Config, opts ...Option) *Service {
	cfg.applyDefaults()
	s := &Service{
		cfg:       cfg,
		refresher: refresher,
		store:     store,
		jobs:      make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// SetListener replaces the refresh listener. The session manager and the
// refresh service reference each other, so one of them is wired late.
func (s *Service) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// ScheduleRefresh arms a refresh Threshold before uc's token expires,
// replacing any refresh already scheduled for the session. Anonymous
// contexts are ignored.
func (s *Service) ScheduleRefresh(sessionID string, uc *contextstore.UserContext) {
	if uc == nil || uc.IsAnonymous {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked(sessionID)
	delay := uc.TokenExpiry.Sub(s.clock.Now()) - s.cfg.Threshold
	s.armLocked(sessionID, &job{uc: uc.Clone()}, delay)
	s.metrics.setScheduled(len(s.jobs))
}

// ClearRefresh cancels the session's pending refresh, if any.
func (s *Service) ClearRefresh(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked(sessionID)
	s.metrics.setScheduled(len(s.jobs))
}

// ClearAllRefresh cancels every pending refresh.
func (s *Service) ClearAllRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.jobs {
		s.stopLocked(id)
	}
	s.metrics.setScheduled(0)
}

// Scheduled reports whether a refresh is pending for the session.
func (s *Service) Scheduled(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[sessionID]
	return ok
}

func (s *Service) armLocked(sessionID string, j *job, delay time.Duration) {
	s.seq++
	seq := s.seq
	j.seq = seq
	j.timer = s.clock.AfterFunc(delay, func() {
		s.fire(sessionID, seq)
	})
	s.jobs[sessionID] = j
}

// nextDelay is the wait before refreshing a token that expires at expiry.
// A token already inside the threshold waits at least RetryDelay.
func (s *Service) nextDelay(expiry time.Time) time.Duration {
	return max(expiry.Sub(s.clock.Now())-s.cfg.Threshold, s.cfg.RetryDelay)
}

func (s *Service) stopLocked(sessionID string) {
	if j, ok := s.jobs[sessionID]; ok {
		j.timer.Stop()
		delete(s.jobs, sessionID)
	}
}

// current reports whether seq is still the armed job for the session.
func (s *Service) current(sessionID string, seq uint64) (*job, bool) {
	j, ok := s.jobs[sessionID]
	if !ok || j.seq != seq {
		return nil, false
	}
	return j, true
}

func (s *Service) fire(sessionID string, seq uint64) {
	s.mu.Lock()
	j, ok := s.current(sessionID, seq)
	if !ok {
		s.mu.Unlock()
		return
	}
	uc := j.uc.Clone()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	expiry, err := s.refresher.Refresh(ctx, uc)
	if err != nil {
		s.retry(sessionID, seq, err)
		return
	}

	s.mu.Lock()
	j, ok = s.current(sessionID, seq)
	if !ok {
		// Cleared while the refresh was in flight.
		s.mu.Unlock()
		return
	}
	j.uc.TokenExpiry = expiry
	j.retries = 0
	s.armLocked(sessionID, j, s.nextDelay(expiry))
	listener := s.listener
	s.mu.Unlock()

	if err := s.store.UpdateTokenExpiry(ctx, sessionID, expiry); err != nil {
		s.logger.Warn("tokenrefresh: persisting expiry failed", "session_id", sessionID, "error", err)
	}
	if listener != nil {
		listener(sessionID, expiry)
	}
	s.metrics.refresh(outcomeSuccess)
	s.record(ctx, audit.NewEvent(audit.EventTokenRefreshed, sessionID).
		WithUser(uc.UserID).
		WithDetails(map[string]any{"expiry": expiry.UTC().Format(time.RFC3339)}))
	s.logger.Debug("tokenrefresh: refreshed", "session_id", sessionID, "expiry", expiry)
}

func (s *Service) retry(sessionID string, seq uint64, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.current(sessionID, seq)
	if !ok {
		return
	}
	j.retries++
	if j.retries > s.cfg.MaxRetries {
		delete(s.jobs, sessionID)
		s.metrics.refresh(outcomeExhausted)
		s.metrics.setScheduled(len(s.jobs))
		s.logger.Error("tokenrefresh: giving up", "session_id", sessionID, "retries", s.cfg.MaxRetries, "error", cause)
		return
	}
	s.metrics.refresh(outcomeRetry)
	s.logger.Warn("tokenrefresh: refresh failed, retrying",
		"session_id", sessionID, "retry", j.retries, "delay", s.cfg.RetryDelay, "error", cause)
	s.armLocked(sessionID, j, s.cfg.RetryDelay)
}

func (s *Service) record(ctx context.Context, event *audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, *event); err != nil {
		s.logger.Warn("tokenrefresh: audit log failed", "session_id", event.SessionID, "error", err)
	}
}
