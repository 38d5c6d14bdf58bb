// Package session orchestrates BI analysis sessions. A Manager keeps the
// live session registry, persists every change through a contextstore.Store,
// owns per-session timeout timers and runs recovery and maintenance.
package session

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/txn2/bi-session-platform/pkg/audit"
	"github.com/txn2/bi-session-platform/pkg/clock"
	"github.com/txn2/bi-session-platform/pkg/contextstore"
)

// Termination reasons recorded in logs, audit events and metrics.
const (
	ReasonManual   = "manual"
	ReasonTimeout  = "timeout"
	ReasonExpired  = "expired"
	ReasonShutdown = "shutdown"
)

// Manager is the session orchestrator. It is safe for concurrent use.
type Manager struct {
	store     contextstore.Store
	cfg       Config
	clock     clock.Clock
	refresher TokenRefresher
	newID     func() string
	metrics   *Metrics
	audit     audit.Logger
	logger    *slog.Logger

	// refreshMu orders refresher calls so they follow registry changes.
	refreshMu sync.Mutex

	mu       sync.Mutex
	entries  map[string]*entry
	timers   map[string]sessionTimer
	attempts map[string]int
	timerSeq uint64
	closed   bool

	maintenance clock.Timer
	runCtx      context.Context //nolint:containedctx // sweeps run detached from any request
}

// entry is a registered session. Fields are guarded by Manager.mu.
type entry struct {
	session          *contextstore.AnalysisSession
	context          *contextstore.UserContext
	lastHealthCheck  time.Time
	recoveryAttempts int
}

type sessionTimer struct {
	timer clock.Timer
	seq   uint64
}

// Result pairs a session with its user context. Both are copies.
type Result struct {
	Session *contextstore.AnalysisSession `json:"session"`
	Context *contextstore.UserContext     `json:"context"`
}

// CreateOptions configures CreateSession.
type CreateOptions struct {
	// Context is the authenticated user context. Nil creates an anonymous session.
	Context *contextstore.UserContext

	InitialState map[string]any
	Domains      []contextstore.Domain

	// DisableRecovery skips the initial context-state snapshot, which leaves
	// the session without a lineage to reconstruct from.
	DisableRecovery bool

	// Timeout overrides Config.DefaultTimeout for anonymous sessions and for
	// contexts without an expiry.
	Timeout time.Duration

	// SessionID reuses an existing session ID instead of generating one.
	SessionID string
}

// New creates a Manager backed by store.
func New(store contextstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		cfg:      DefaultConfig(),
		entries:  make(map[string]*entry),
		timers:   make(map[string]sessionTimer),
		attempts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg.applyDefaults()
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.newID == nil {
		m.newID = defaultIDGenerator
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// CreateSession creates, persists and registers a new session.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (*Result, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	return m.createSession(ctx, opts, 0)
}

func (m *Manager) createSession(ctx context.Context, opts CreateOptions, attempts int) (*Result, error) {
	id := opts.SessionID
	if id == "" {
		id = m.newID()
	}
	now := m.clock.Now()
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	uc := m.buildContext(id, opts.Context, now, timeout)
	domains, _ := contextstore.MergeDomains(nil, opts.Domains)
	state := contextstore.CloneState(opts.InitialState)
	if state == nil {
		state = map[string]any{}
	}
	sess := &contextstore.AnalysisSession{
		SessionID:     id,
		UserID:        uc.UserID,
		StartTime:     now,
		LastQueryTime: now,
		QueryHistory:  []contextstore.QueryRecord{},
		ContextState:  state,
		DomainAccess:  domains,
		Status:        contextstore.SessionInitiated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := m.store.StoreUserContext(ctx, uc); err != nil {
		return nil, opError("createSession", id, err)
	}
	if err := m.store.StoreAnalysisSession(ctx, sess); err != nil {
		return nil, opError("createSession", id, err)
	}
	if !opts.DisableRecovery {
		if err := m.store.ReplaceContextState(ctx, m.newLineage(id, state, now)); err != nil {
			return nil, opError("createSession", id, err)
		}
	}

	res := m.register(sess, uc, attempts)
	m.metrics.sessionCreated(uc.IsAnonymous)
	m.record(ctx, audit.NewEvent(audit.EventSessionCreated, id).WithUser(uc.UserID).
		WithDetails(map[string]any{"anonymous": uc.IsAnonymous, "domains": domains}))
	m.logger.Info("session: created", "session_id", id, "user_id", uc.UserID, "anonymous", uc.IsAnonymous)
	return res, nil
}

// buildContext returns the context a new session is registered with.
func (m *Manager) buildContext(id string, supplied *contextstore.UserContext, now time.Time, timeout time.Duration) *contextstore.UserContext {
	if supplied == nil {
		return contextstore.NewAnonymousContext(id, now, now.Add(timeout), m.cfg.anonymousPermissions())
	}
	uc := supplied.Clone()
	uc.SessionID = id
	if uc.TokenExpiry.IsZero() {
		uc.TokenExpiry = now.Add(timeout)
	}
	if uc.Status == "" {
		uc.Status = contextstore.ContextActive
	}
	if uc.IsAnonymous {
		uc.DepartmentScope = []string{}
	}
	if uc.LastActivity.IsZero() {
		uc.LastActivity = now
	}
	if uc.CreatedAt.IsZero() {
		uc.CreatedAt = now
	}
	uc.UpdatedAt = now
	return uc
}

func (m *Manager) newLineage(id string, state map[string]any, now time.Time) *contextstore.ContextState {
	return &contextstore.ContextState{
		ID:           m.newID(),
		SessionID:    id,
		StateData:    contextstore.CloneState(state),
		HistoryStack: []contextstore.Snapshot{contextstore.NewSnapshot(now, state, true)},
		LastUpdate:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// register installs the pair as the live entry for its session, replacing
// any previous entry and its timer, and returns copies for the caller.
func (m *Manager) register(sess *contextstore.AnalysisSession, uc *contextstore.UserContext, attempts int) *Result {
	id := sess.SessionID

	m.mu.Lock()
	m.stopTimerLocked(id)
	m.entries[id] = &entry{session: sess, context: uc, recoveryAttempts: attempts}
	if !m.closed {
		m.scheduleTimeoutLocked(id, uc.TokenExpiry)
	}
	res := &Result{Session: sess.Clone(), Context: uc.Clone()}
	active := len(m.entries)
	m.mu.Unlock()

	m.metrics.setActive(active)
	m.syncRefresh(id)
	return res
}

// syncRefresh schedules a refresh for the registered context of id, or
// clears it when the session is gone, anonymous or the manager is closed.
// The registry is read under refreshMu so a registration racing a
// termination cannot leave a stale job behind.
func (m *Manager) syncRefresh(id string) {
	if m.refresher == nil {
		return
	}
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.Lock()
	var uc *contextstore.UserContext
	if e, ok := m.entries[id]; ok && !m.closed && !e.context.IsAnonymous {
		uc = e.context.Clone()
	}
	m.mu.Unlock()

	if uc == nil {
		m.refresher.ClearRefresh(id)
		return
	}
	m.refresher.ScheduleRefresh(id, uc)
}

func (m *Manager) scheduleTimeoutLocked(id string, expiry time.Time) {
	m.timerSeq++
	seq := m.timerSeq
	t := m.clock.AfterFunc(expiry.Sub(m.clock.Now()), func() {
		m.onTimeout(id, seq)
	})
	m.timers[id] = sessionTimer{timer: t, seq: seq}
}

func (m *Manager) stopTimerLocked(id string) {
	if st, ok := m.timers[id]; ok {
		st.timer.Stop()
		delete(m.timers, id)
	}
}

// onTimeout terminates a session whose timer fired, unless the timer was
// replaced in the meantime.
func (m *Manager) onTimeout(id string, seq uint64) {
	m.mu.Lock()
	st, ok := m.timers[id]
	if !ok || st.seq != seq {
		m.mu.Unlock()
		return
	}
	delete(m.timers, id)
	m.mu.Unlock()

	if err := m.TerminateSession(context.Background(), id, ReasonTimeout); err != nil {
		m.logger.Warn("session: timeout termination failed", "session_id", id, "error", err)
	}
}

// InitializeSession hydrates a stored session into the registry. It returns
// nil, nil when the session is unknown and opts.FallbackToAnonymous is unset.
// Sessions whose context is not active, or whose status is failed, go
// through RecoverSession.
func (m *Manager) InitializeSession(ctx context.Context, id string, opts RecoveryOptions) (*Result, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	uc, err := m.store.GetUserContext(ctx, id)
	if err != nil {
		return nil, opError("initializeSession", id, err)
	}
	sess, err := m.store.GetAnalysisSession(ctx, id)
	if err != nil {
		return nil, opError("initializeSession", id, err)
	}

	if uc == nil || sess == nil {
		if !opts.FallbackToAnonymous {
			return nil, nil
		}
		m.logger.Info("session: unknown session, starting anonymous", "session_id", id)
		return m.createSession(ctx, CreateOptions{SessionID: id}, m.RecoveryAttempts(id))
	}

	if uc.Status != contextstore.ContextActive || sess.Status == contextstore.SessionFailed {
		if !opts.DisableReconstruction {
			return m.RecoverSession(ctx, id, opts)
		}
	}

	if uc.TokenExpiry.IsZero() {
		uc.TokenExpiry = m.clock.Now().Add(m.cfg.DefaultTimeout)
	}
	res := m.register(sess, uc, m.RecoveryAttempts(id))
	m.record(ctx, audit.NewEvent(audit.EventSessionInitialized, id).WithUser(uc.UserID))
	m.logger.Debug("session: initialized", "session_id", id)
	return res, nil
}

type updateOptions struct {
	snapshot bool
}

// UpdateOption configures UpdateSessionState.
type UpdateOption func(*updateOptions)

// WithoutSnapshot skips pushing the merged state onto the lineage.
func WithoutSnapshot() UpdateOption {
	return func(o *updateOptions) {
		o.snapshot = false
	}
}

// UpdateSessionState shallow-merges update into the session's context state
// and marks the session active. The in-memory entry changes before the
// store is written.
func (m *Manager) UpdateSessionState(ctx context.Context, id string, update map[string]any, opts ...UpdateOption) (*Result, error) {
	o := updateOptions{snapshot: true}
	for _, opt := range opts {
		opt(&o)
	}

	now := m.clock.Now()
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return nil, &SessionNotFoundError{SessionID: id}
	}
	if e.session.ContextState == nil {
		e.session.ContextState = map[string]any{}
	}
	maps.Copy(e.session.ContextState, contextstore.CloneState(update))
	e.session.Status = contextstore.SessionActive
	e.session.UpdatedAt = now
	sess := e.session.Clone()
	res := &Result{Session: e.session.Clone(), Context: e.context.Clone()}
	m.mu.Unlock()

	if err := m.store.StoreAnalysisSession(ctx, sess); err != nil {
		return nil, opError("updateSessionState", id, err)
	}
	if o.snapshot {
		cs := &contextstore.ContextState{
			SessionID:    id,
			StateData:    sess.ContextState,
			HistoryStack: []contextstore.Snapshot{},
			LastUpdate:   now,
		}
		if err := m.store.StoreContextState(ctx, cs); err != nil {
			return nil, opError("updateSessionState", id, err)
		}
	}
	if err := m.store.UpdateContextActivity(ctx, id); err != nil {
		m.bookkeepingFailed("update_context_activity", id, err)
	}
	return res, nil
}

// AddQueryToSession appends a query to the durable history and mirrors it,
// with any newly touched domains, into the live entry.
func (m *Manager) AddQueryToSession(ctx context.Context, id, query, response string, meta *contextstore.QueryMetadata) (*contextstore.QueryRecord, error) {
	rec, err := m.store.AddQueryToHistory(ctx, id, query, response, meta)
	if err != nil {
		return nil, opError("addQueryToSession", id, err)
	}
	m.metrics.queryAdded()

	var domains []contextstore.Domain
	if meta != nil {
		domains = meta.Domains
	}

	now := m.clock.Now()
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		e.session.AppendQuery(*rec, m.cfg.MaxQueryHistory)
		e.session.DomainAccess, _ = contextstore.MergeDomains(e.session.DomainAccess, domains)
		e.session.LastQueryTime = now
		e.session.UpdatedAt = now
		e.context.LastActivity = now
	}
	m.mu.Unlock()

	if len(domains) > 0 {
		if err := m.store.UpdateDomainAccess(ctx, id, domains); err != nil {
			m.bookkeepingFailed("update_domain_access", id, err)
		}
	}
	if err := m.store.UpdateContextActivity(ctx, id); err != nil {
		m.bookkeepingFailed("update_context_activity", id, err)
	}
	return rec, nil
}

// TerminateSession removes a session from the registry and persists it as
// completed. Terminating an unknown session is a no-op.
func (m *Manager) TerminateSession(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.entries, id)
	delete(m.attempts, id)
	m.stopTimerLocked(id)
	active := len(m.entries)
	m.mu.Unlock()

	m.metrics.setActive(active)
	m.syncRefresh(id)

	now := m.clock.Now()
	e.session.Status = contextstore.SessionCompleted
	e.session.UpdatedAt = now
	e.context.Status = contextstore.ContextCompleted
	e.context.UpdatedAt = now

	err := errors.Join(
		opError("terminateSession", id, m.store.StoreAnalysisSession(ctx, e.session)),
		opError("terminateSession", id, m.store.StoreUserContext(ctx, e.context)),
	)

	m.metrics.sessionTerminated(reason)
	m.record(ctx, audit.NewEvent(audit.EventSessionTerminated, id).
		WithUser(e.context.UserID).WithReason(reason).WithError(err))
	m.logger.Info("session: terminated", "session_id", id, "reason", reason)
	return err
}

// GetSession returns a copy of a registered session.
func (m *Manager) GetSession(id string) (*Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return &Result{Session: e.session.Clone(), Context: e.context.Clone()}, true
}

// ActiveSessions returns copies of every registered session, oldest first.
func (m *Manager) ActiveSessions() []Result {
	m.mu.Lock()
	out := make([]Result, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, Result{Session: e.session.Clone(), Context: e.context.Clone()})
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Result) int {
		if c := a.Session.StartTime.Compare(b.Session.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.Session.SessionID, b.Session.SessionID)
	})
	return out
}

// RecoveryAttempts reports how many recovery attempts a session has used.
func (m *Manager) RecoveryAttempts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id]
}

// HandleTokenRefreshed moves a session's expiry and timeout timer after its
// token was refreshed. Unknown sessions are ignored.
func (m *Manager) HandleTokenRefreshed(id string, expiry time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return
	}
	e.context.TokenExpiry = expiry
	e.context.UpdatedAt = m.clock.Now()
	m.stopTimerLocked(id)
	if !m.closed {
		m.scheduleTimeoutLocked(id, expiry)
	}
	m.logger.Debug("session: token refreshed", "session_id", id, "expiry", expiry)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// bookkeepingFailed logs a failed non-critical write.
func (m *Manager) bookkeepingFailed(op, id string, err error) {
	m.metrics.bookkeepingFailed(op)
	m.logger.Warn("session: bookkeeping write failed", "op", op, "session_id", id, "error", err)
}

func (m *Manager) record(ctx context.Context, event *audit.Event) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Log(ctx, *event); err != nil {
		m.logger.Warn("session: audit log failed", "event_type", event.Type, "session_id", event.SessionID, "error", err)
	}
}
