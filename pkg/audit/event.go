package audit

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	// EventSessionCreated is emitted after a session is persisted.
	EventSessionCreated EventType = "session_created"

	// EventSessionInitialized is emitted when a session is created with a user context.
	EventSessionInitialized EventType = "session_initialized"

	// EventSessionRecovered is emitted after a successful recovery.
	EventSessionRecovered EventType = "session_recovered"

	// EventSessionRecoveryFailed is emitted when recovery gives up.
	EventSessionRecoveryFailed EventType = "session_recovery_failed"

	// EventSessionTerminated is emitted when a session leaves the registry.
	EventSessionTerminated EventType = "session_terminated"

	// EventMaintenanceCompleted is emitted after each maintenance sweep.
	EventMaintenanceCompleted EventType = "maintenance_completed"

	// EventTokenRefreshed is emitted after a scheduled token refresh succeeds.
	EventTokenRefreshed EventType = "token_refreshed"
)

// NewEvent creates a new audit event.
func NewEvent(eventType EventType, sessionID string) *Event {
	return &Event{
		ID:        generateEventID(),
		Timestamp: time.Now(),
		Type:      eventType,
		SessionID: sessionID,
		Success:   true,
	}
}

// WithUser adds user information to the event.
func (e *Event) WithUser(userID string) *Event {
	e.UserID = userID
	return e
}

// WithReason records why the event happened.
func (e *Event) WithReason(reason string) *Event {
	e.Reason = reason
	return e
}

// WithDetails adds sanitized details to the event.
func (e *Event) WithDetails(details map[string]any) *Event {
	e.Details = SanitizeDetails(details)
	return e
}

// WithError marks the event failed.
func (e *Event) WithError(err error) *Event {
	if err == nil {
		return e
	}
	e.Success = false
	e.ErrorMessage = err.Error()
	return e
}

// generateEventID generates a unique event ID.
func generateEventID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return base64.RawURLEncoding.EncodeToString(bytes)
}

// SanitizeDetails removes sensitive values from event details.
func SanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}

	sensitiveKeys := map[string]bool{
		"password":      true,
		"secret":        true,
		"token":         true,
		"access_token":  true,
		"refresh_token": true,
		"authorization": true,
		"credentials":   true,
	}

	sanitized := make(map[string]any, len(details))
	for k, v := range details {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}
