package session

import (
	"context"
	"fmt"
	"time"

	"github.com/txn2/bi-session-platform/pkg/contextstore"
)

// HealthReport describes the state of one registered session.
type HealthReport struct {
	SessionID       string    `json:"session_id"`
	Healthy         bool      `json:"healthy"`
	ContextValid    bool      `json:"context_valid"`
	TokenValid      bool      `json:"token_valid"`
	Corrupted       bool      `json:"corrupted"`
	LastActivity    time.Time `json:"last_activity"`
	Issues          []string  `json:"issues"`
	Recommendations []string  `json:"recommendations"`
}

func failedReport(id string) HealthReport {
	return HealthReport{
		SessionID:       id,
		Issues:          []string{"Health check failed"},
		Recommendations: []string{"Reinitialize the session"},
	}
}

// CheckSessionHealth inspects a registered session. It never fails: an
// unknown session or a store error yields an unhealthy report. Staleness is
// reported but does not make a session unhealthy.
func (m *Manager) CheckSessionHealth(ctx context.Context, id string) HealthReport {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return failedReport(id)
	}
	uc := e.context.Clone()
	m.mu.Unlock()

	now := m.clock.Now()
	report := HealthReport{
		SessionID:       id,
		ContextValid:    true,
		TokenValid:      true,
		LastActivity:    uc.LastActivity,
		Issues:          []string{},
		Recommendations: []string{},
	}

	if uc.Status != contextstore.ContextActive {
		report.ContextValid = false
		report.Issues = append(report.Issues, fmt.Sprintf("Context status is %s", uc.Status))
		report.Recommendations = append(report.Recommendations, "Reinitialize the session")
	}
	if uc.Expired(now) {
		report.ContextValid = false
		report.Issues = append(report.Issues, "Session has expired")
		report.Recommendations = append(report.Recommendations, "Create a new session")
	}
	if !uc.IsAnonymous && uc.TokenExpiry.Sub(now) < m.cfg.RefreshThreshold {
		report.TokenValid = false
		report.Issues = append(report.Issues, "Authentication token expires soon")
		report.Recommendations = append(report.Recommendations, "Refresh the authentication token")
	}
	if idle := now.Sub(uc.LastActivity); idle > m.cfg.StaleActivity {
		report.Issues = append(report.Issues, fmt.Sprintf("No activity for %s", idle.Round(time.Minute)))
		report.Recommendations = append(report.Recommendations, "Confirm the user is still active")
	}

	cs, err := m.store.GetContextState(ctx, id)
	if err != nil {
		m.logger.Warn("session: health check failed", "session_id", id, "error", err)
		return failedReport(id)
	}
	if cs != nil && cs.IsCorrupted {
		report.Corrupted = true
		report.Issues = append(report.Issues, "Context state is corrupted")
		report.Recommendations = append(report.Recommendations, "Recover the session from its last valid snapshot")
	}

	report.Healthy = report.ContextValid && report.TokenValid && !report.Corrupted

	m.mu.Lock()
	if current, ok := m.entries[id]; ok && current == e {
		e.lastHealthCheck = now
	}
	m.mu.Unlock()
	return report
}
