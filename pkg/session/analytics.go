package session

import (
	"slices"
	"time"

	"github.com/txn2/bi-session-platform/pkg/contextstore"
)

// Analytics summarizes one registered session.
type Analytics struct {
	SessionID        string                     `json:"session_id"`
	UserID           string                     `json:"user_id"`
	IsAnonymous      bool                       `json:"is_anonymous"`
	Status           contextstore.SessionStatus `json:"status"`
	ContextStatus    contextstore.ContextStatus `json:"context_status"`
	StartTime        time.Time                  `json:"start_time"`
	DurationMS       int64                      `json:"duration_ms"`
	QueryCount       int                        `json:"query_count"`
	LastQueryTime    time.Time                  `json:"last_query_time"`
	DomainAccess     []contextstore.Domain      `json:"domain_access"`
	StateKeys        int                        `json:"state_keys"`
	TokenExpiry      time.Time                  `json:"token_expiry"`
	RecoveryAttempts int                        `json:"recovery_attempts"`
	LastHealthCheck  time.Time                  `json:"last_health_check,omitzero"`
}

// Stats aggregates every registered session.
type Stats struct {
	Active           int                                `json:"active"`
	Anonymous        int                                `json:"anonymous"`
	Authenticated    int                                `json:"authenticated"`
	TotalQueries     int                                `json:"total_queries"`
	Recovering       int                                `json:"recovering"`
	ByStatus         map[contextstore.SessionStatus]int `json:"by_status"`
	DomainUsage      map[contextstore.Domain]int        `json:"domain_usage"`
	AverageAgeMS     int64                              `json:"average_age_ms"`
	OldestStartTime  time.Time                          `json:"oldest_start_time,omitzero"`
}

// GetSessionAnalytics reports on a registered session.
func (m *Manager) GetSessionAnalytics(id string) (*Analytics, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, &SessionNotFoundError{SessionID: id}
	}
	return &Analytics{
		SessionID:        id,
		UserID:           e.context.UserID,
		IsAnonymous:      e.context.IsAnonymous,
		Status:           e.session.Status,
		ContextStatus:    e.context.Status,
		StartTime:        e.session.StartTime,
		DurationMS:       now.Sub(e.session.StartTime).Milliseconds(),
		QueryCount:       len(e.session.QueryHistory),
		LastQueryTime:    e.session.LastQueryTime,
		DomainAccess:     slices.Clone(e.session.DomainAccess),
		StateKeys:        len(e.session.ContextState),
		TokenExpiry:      e.context.TokenExpiry,
		RecoveryAttempts: e.recoveryAttempts,
		LastHealthCheck:  e.lastHealthCheck,
	}, nil
}

// GetSessionStats aggregates the registry.
func (m *Manager) GetSessionStats() Stats {
	now := m.clock.Now()
	stats := Stats{
		ByStatus:    make(map[contextstore.SessionStatus]int),
		DomainUsage: make(map[contextstore.Domain]int),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var totalAge time.Duration
	for _, e := range m.entries {
		stats.Active++
		if e.context.IsAnonymous {
			stats.Anonymous++
		} else {
			stats.Authenticated++
		}
		if e.recoveryAttempts > 0 {
			stats.Recovering++
		}
		stats.TotalQueries += len(e.session.QueryHistory)
		stats.ByStatus[e.session.Status]++
		for _, d := range e.session.DomainAccess {
			stats.DomainUsage[d]++
		}
		totalAge += now.Sub(e.session.StartTime)
		if stats.OldestStartTime.IsZero() || e.session.StartTime.Before(stats.OldestStartTime) {
			stats.OldestStartTime = e.session.StartTime
		}
	}
	if stats.Active > 0 {
		stats.AverageAgeMS = (totalAge / time.Duration(stats.Active)).Milliseconds()
	}
	return stats
}
