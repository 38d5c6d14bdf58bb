package session

import (
	"context"
	"slices"

	"github.com/txn2/bi-session-platform/pkg/audit"
	"github.com/txn2/bi-session-platform/pkg/contextstore"
)

// Recovery outcomes recorded by the recoveries metric.
const (
	outcomeReconstructed = "reconstructed"
	outcomeFallback      = "fallback"
	outcomeFailed        = "failed"
	outcomeExhausted     = "exhausted"
)

// RecoveryOptions configures InitializeSession and RecoverSession.
type RecoveryOptions struct {
	// FallbackToAnonymous replaces a session that cannot be rebuilt with a
	// fresh anonymous one under the same ID.
	FallbackToAnonymous bool

	// DisableReconstruction skips rebuilding from the last valid snapshot.
	DisableReconstruction bool

	// MaxRecoveryAttempts overrides Config.MaxRecoveryAttempts when positive.
	MaxRecoveryAttempts int
}

// RecoverSession rebuilds a session from its last valid context-state
// snapshot. The lineage is flagged corrupted first so nothing written
// meanwhile is trusted. When reconstruction is impossible and
// FallbackToAnonymous is set, an anonymous session takes over the ID.
//
// It returns ErrRecoveryAttemptsExceeded once the session has used its
// attempts, and nil, nil when every strategy failed. An ID that is neither
// registered nor stored returns nil, nil without consuming an attempt.
func (m *Manager) RecoverSession(ctx context.Context, id string, opts RecoveryOptions) (*Result, error) {
	limit := opts.MaxRecoveryAttempts
	if limit <= 0 {
		limit = m.cfg.MaxRecoveryAttempts
	}

	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	known, err := m.known(ctx, id)
	if err != nil {
		return nil, opError("recoverSession", id, err)
	}
	if !known {
		m.logger.Debug("session: nothing stored to recover", "session_id", id)
		return nil, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	attempts := m.attempts[id]
	if attempts >= limit {
		m.mu.Unlock()
		m.metrics.recovery(outcomeExhausted)
		m.logger.Warn("session: recovery attempts exhausted", "session_id", id, "attempts", attempts)
		return nil, ErrRecoveryAttemptsExceeded
	}
	attempts++
	m.attempts[id] = attempts
	var prior *contextstore.AnalysisSession
	if e, ok := m.entries[id]; ok {
		e.recoveryAttempts = attempts
		prior = e.session.Clone()
	}
	m.mu.Unlock()

	m.logger.Info("session: recovering", "session_id", id, "attempt", attempts)
	if err := m.store.MarkContextCorrupted(ctx, id); err != nil {
		m.bookkeepingFailed("mark_context_corrupted", id, err)
	}

	var (
		res     *Result
		outcome string
	)
	if !opts.DisableReconstruction {
		data, err := m.store.GetContextRecoveryData(ctx, id)
		switch {
		case err != nil:
			m.logger.Warn("session: loading recovery data failed", "session_id", id, "error", err)
		case data != nil && data.LastValidState != nil:
			res, err = m.reconstruct(ctx, id, data, prior, attempts)
			if err != nil {
				m.logger.Warn("session: reconstruction failed", "session_id", id, "error", err)
				res = nil
			} else {
				outcome = outcomeReconstructed
			}
		}
	}

	if res == nil && opts.FallbackToAnonymous {
		fallback, err := m.createSession(ctx, CreateOptions{SessionID: id}, attempts)
		if err != nil {
			m.logger.Warn("session: anonymous fallback failed", "session_id", id, "error", err)
		} else {
			res, outcome = fallback, outcomeFallback
		}
	}

	if res == nil {
		if prior == nil {
			m.mu.Lock()
			if _, ok := m.entries[id]; !ok {
				delete(m.attempts, id)
			}
			m.mu.Unlock()
		}
		m.metrics.recovery(outcomeFailed)
		m.record(ctx, audit.NewEvent(audit.EventSessionRecoveryFailed, id).
			WithDetails(map[string]any{"attempt": attempts}))
		m.logger.Warn("session: recovery failed", "session_id", id, "attempt", attempts)
		return nil, nil
	}

	m.metrics.recovery(outcome)
	m.record(ctx, audit.NewEvent(audit.EventSessionRecovered, id).
		WithUser(res.Context.UserID).WithReason(outcome).
		WithDetails(map[string]any{"attempt": attempts}))
	m.logger.Info("session: recovered", "session_id", id, "outcome", outcome)
	return res, nil
}

// known reports whether id is registered or has any stored record.
func (m *Manager) known(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	_, ok := m.entries[id]
	m.mu.Unlock()
	if ok {
		return true, nil
	}

	uc, err := m.store.GetUserContext(ctx, id)
	if err != nil {
		return false, err
	}
	if uc != nil {
		return true, nil
	}
	cs, err := m.store.GetContextState(ctx, id)
	if err != nil {
		return false, err
	}
	if cs != nil {
		return true, nil
	}
	sess, err := m.store.GetAnalysisSession(ctx, id)
	if err != nil {
		return false, err
	}
	return sess != nil, nil
}

// reconstruct rebuilds and persists a session around data.LastValidState
// and registers it. Any store failure aborts the reconstruction.
func (m *Manager) reconstruct(ctx context.Context, id string, data *contextstore.RecoveryData, prior *contextstore.AnalysisSession, attempts int) (*Result, error) {
	now := m.clock.Now()

	uc, err := m.store.GetUserContext(ctx, id)
	if err != nil {
		return nil, err
	}
	if uc == nil {
		uc = contextstore.NewAnonymousContext(id, now, now.Add(m.cfg.DefaultTimeout), m.cfg.anonymousPermissions())
	}
	uc.Status = contextstore.ContextActive
	uc.LastActivity = now
	uc.UpdatedAt = now
	if uc.Expired(now) {
		uc.TokenExpiry = now.Add(m.cfg.DefaultTimeout)
	}

	start := now.Add(-m.cfg.RecoveredStartOffset)
	if m.cfg.StartTimeFromHistory && !data.EarliestSnapshotAt.IsZero() {
		start = data.EarliestSnapshotAt
	}
	sess := &contextstore.AnalysisSession{
		SessionID:     id,
		UserID:        uc.UserID,
		StartTime:     start,
		LastQueryTime: now,
		QueryHistory:  []contextstore.QueryRecord{},
		ContextState:  contextstore.CloneState(data.LastValidState),
		DomainAccess:  []contextstore.Domain{},
		Status:        contextstore.SessionActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	previous := prior
	if previous == nil {
		stored, err := m.store.GetAnalysisSession(ctx, id)
		if err != nil {
			return nil, err
		}
		previous = stored
	}
	if previous != nil {
		sess.QueryHistory = slices.Clone(previous.QueryHistory)
		sess.DomainAccess = slices.Clone(previous.DomainAccess)
		sess.LastQueryTime = previous.LastQueryTime
		if !previous.CreatedAt.IsZero() {
			sess.CreatedAt = previous.CreatedAt
		}
	}

	if err := m.store.StoreUserContext(ctx, uc); err != nil {
		return nil, err
	}
	if err := m.store.StoreAnalysisSession(ctx, sess); err != nil {
		return nil, err
	}
	if err := m.store.ReplaceContextState(ctx, m.newLineage(id, sess.ContextState, now)); err != nil {
		return nil, err
	}
	return m.register(sess, uc, attempts), nil
}
