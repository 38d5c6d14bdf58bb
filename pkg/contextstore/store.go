package contextstore

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned by writes that require an existing session.
var ErrSessionNotFound = errors.New("analysis session not found")

// Default limits applied by stores when their config leaves them unset.
const (
	DefaultMaxQueryHistory = 100
	DefaultMaxSnapshots    = 50
)

// Store defines durable persistence for contexts, sessions and context
// state. All operations are keyed by session ID and safe for concurrent use;
// concurrent writes to the same session are last-writer-wins.
type Store interface {
	// StoreUserContext creates or replaces the context for uc.SessionID.
	StoreUserContext(ctx context.Context, uc *UserContext) error

	// GetUserContext retrieves a context. Returns nil, nil if not found.
	GetUserContext(ctx context.Context, sessionID string) (*UserContext, error)

	// StoreAnalysisSession creates or replaces the session row. The query
	// history is owned by AddQueryToHistory and is never overwritten here.
	StoreAnalysisSession(ctx context.Context, s *AnalysisSession) error

	// GetAnalysisSession retrieves a session with its history. Returns nil, nil if not found.
	GetAnalysisSession(ctx context.Context, sessionID string) (*AnalysisSession, error)

	// StoreContextState replaces the current state data and appends the
	// incoming history stack to the stored lineage. An empty incoming stack
	// records a snapshot of StateData. A corrupted lineage stays corrupted.
	StoreContextState(ctx context.Context, cs *ContextState) error

	// ReplaceContextState discards the stored lineage and starts a fresh one
	// from cs. This is the only write that clears the corruption flag.
	ReplaceContextState(ctx context.Context, cs *ContextState) error

	// GetContextState retrieves the lineage. Returns nil, nil if not found.
	GetContextState(ctx context.Context, sessionID string) (*ContextState, error)

	// MarkContextCorrupted sets the corruption flag on the lineage.
	MarkContextCorrupted(ctx context.Context, sessionID string) error

	// GetContextRecoveryData returns the last valid snapshot and the
	// recoverable/missing element lists.
	GetContextRecoveryData(ctx context.Context, sessionID string) (*RecoveryData, error)

	// AddQueryToHistory appends a query to the session's bounded history
	// and returns the stored record. Returns ErrSessionNotFound when the
	// session does not exist.
	AddQueryToHistory(ctx context.Context, sessionID, query, response string, meta *QueryMetadata) (*QueryRecord, error)

	// UpdateDomainAccess unions domains into the session's domain access.
	UpdateDomainAccess(ctx context.Context, sessionID string, domains []Domain) error

	// UpdateContextActivity stamps the context's last activity with the current time.
	UpdateContextActivity(ctx context.Context, sessionID string) error

	// UpdateTokenExpiry sets a new token expiry on the context.
	UpdateTokenExpiry(ctx context.Context, sessionID string, expiry time.Time) error

	// CleanupExpiredSessions removes every session whose context has expired.
	CleanupExpiredSessions(ctx context.Context) (CleanupResult, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
