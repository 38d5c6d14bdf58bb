package contextstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/bi-session-platform/pkg/clock"
)

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	MaxQueryHistory int
	MaxSnapshots    int
	Clock           clock.Clock
}

// MemoryStore implements Store using in-memory maps. Values are copied on
// the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]*UserContext
	sessions map[string]*AnalysisSession
	states   map[string]*ContextState

	maxHistory   int
	maxSnapshots int
	clock        clock.Clock
}

// NewMemoryStore creates a new in-memory context store.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	if cfg.MaxQueryHistory == 0 {
		cfg.MaxQueryHistory = DefaultMaxQueryHistory
	}
	if cfg.MaxSnapshots == 0 {
		cfg.MaxSnapshots = DefaultMaxSnapshots
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &MemoryStore{
		contexts:     make(map[string]*UserContext),
		sessions:     make(map[string]*AnalysisSession),
		states:       make(map[string]*ContextState),
		maxHistory:   cfg.MaxQueryHistory,
		maxSnapshots: cfg.MaxSnapshots,
		clock:        cfg.Clock,
	}
}

// StoreUserContext creates or replaces a context.
func (s *MemoryStore) StoreUserContext(_ context.Context, uc *UserContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contexts[uc.SessionID] = uc.Clone()
	return nil
}

// GetUserContext retrieves a context. Returns nil, nil if not found.
func (s *MemoryStore) GetUserContext(_ context.Context, sessionID string) (*UserContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.contexts[sessionID].Clone(), nil
}

// StoreAnalysisSession creates or replaces a session, keeping stored history.
func (s *MemoryStore) StoreAnalysisSession(_ context.Context, sess *AnalysisSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := sess.Clone()
	if existing, ok := s.sessions[sess.SessionID]; ok {
		stored.QueryHistory = existing.QueryHistory
	} else if stored.QueryHistory == nil {
		stored.QueryHistory = []QueryRecord{}
	}
	s.sessions[sess.SessionID] = stored
	return nil
}

// GetAnalysisSession retrieves a session. Returns nil, nil if not found.
func (s *MemoryStore) GetAnalysisSession(_ context.Context, sessionID string) (*AnalysisSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sessions[sessionID].Clone(), nil
}

// StoreContextState replaces state data and appends to the lineage.
func (s *MemoryStore) StoreContextState(_ context.Context, cs *ContextState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	incoming := cs.Clone()
	existing, ok := s.states[cs.SessionID]
	if !ok {
		s.states[cs.SessionID] = s.freshState(incoming, now)
		return nil
	}

	corrupted := existing.IsCorrupted || incoming.IsCorrupted
	existing.StateData = incoming.StateData
	existing.HistoryStack = PushSnapshots(existing.HistoryStack, incoming.HistoryStack, incoming.StateData, now, !corrupted, s.maxSnapshots)
	existing.LastUpdate = incoming.LastUpdate
	existing.IsCorrupted = corrupted
	existing.UpdatedAt = now
	if incoming.ID != "" {
		existing.ID = incoming.ID
	}
	return nil
}

// ReplaceContextState starts a new lineage, dropping the stored one.
func (s *MemoryStore) ReplaceContextState(_ context.Context, cs *ContextState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[cs.SessionID] = s.freshState(cs.Clone(), s.clock.Now())
	return nil
}

func (s *MemoryStore) freshState(cs *ContextState, now time.Time) *ContextState {
	if cs.ID == "" {
		cs.ID = uuid.NewString()
	}
	if cs.StateData == nil {
		cs.StateData = map[string]any{}
	}
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	if cs.LastUpdate.IsZero() {
		cs.LastUpdate = now
	}
	cs.HistoryStack = PushSnapshots(nil, cs.HistoryStack, cs.StateData, now, !cs.IsCorrupted, s.maxSnapshots)
	cs.UpdatedAt = now
	return cs
}

// GetContextState retrieves a lineage. Returns nil, nil if not found.
func (s *MemoryStore) GetContextState(_ context.Context, sessionID string) (*ContextState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.states[sessionID].Clone(), nil
}

// MarkContextCorrupted flags the lineage as corrupted. A session without a
// lineage gets an empty corrupted one so the flag is still observable.
func (s *MemoryStore) MarkContextCorrupted(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cs, ok := s.states[sessionID]
	if !ok {
		cs = &ContextState{
			ID:           uuid.NewString(),
			SessionID:    sessionID,
			StateData:    map[string]any{},
			HistoryStack: []Snapshot{},
			LastUpdate:   now,
			CreatedAt:    now,
		}
		s.states[sessionID] = cs
	}
	cs.IsCorrupted = true
	cs.UpdatedAt = now
	return nil
}

// GetContextRecoveryData returns the last valid snapshot of a lineage.
func (s *MemoryStore) GetContextRecoveryData(_ context.Context, sessionID string) (*RecoveryData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return BuildRecoveryData(sessionID, s.states[sessionID]), nil
}

// AddQueryToHistory appends a query to the bounded history.
func (s *MemoryStore) AddQueryToHistory(_ context.Context, sessionID, query, response string, meta *QueryMetadata) (*QueryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	now := s.clock.Now()
	rec := QueryRecord{
		ID:        uuid.NewString(),
		Query:     query,
		Response:  response,
		Metadata:  meta,
		Timestamp: now,
	}
	sess.AppendQuery(rec, s.maxHistory)
	sess.LastQueryTime = now
	sess.UpdatedAt = now
	return &rec, nil
}

// UpdateDomainAccess unions domains into the session's domain access.
func (s *MemoryStore) UpdateDomainAccess(_ context.Context, sessionID string, domains []Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.DomainAccess, _ = MergeDomains(sess.DomainAccess, domains)
	sess.UpdatedAt = s.clock.Now()
	return nil
}

// UpdateContextActivity stamps last activity. Missing contexts are ignored.
func (s *MemoryStore) UpdateContextActivity(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	uc, ok := s.contexts[sessionID]
	if !ok {
		return nil
	}
	now := s.clock.Now()
	uc.LastActivity = now
	uc.UpdatedAt = now
	return nil
}

// UpdateTokenExpiry sets a new token expiry. Missing contexts are ignored.
func (s *MemoryStore) UpdateTokenExpiry(_ context.Context, sessionID string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	uc, ok := s.contexts[sessionID]
	if !ok {
		return nil
	}
	uc.TokenExpiry = expiry
	uc.UpdatedAt = s.clock.Now()
	return nil
}

// CleanupExpiredSessions removes contexts, sessions and lineages of every
// session whose context has expired.
func (s *MemoryStore) CleanupExpiredSessions(_ context.Context) (CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var result CleanupResult
	for id, uc := range s.contexts {
		if !uc.Expired(now) {
			continue
		}
		delete(s.contexts, id)
		delete(s.sessions, id)
		delete(s.states, id)
		result.Cleaned++
		result.SessionIDs = append(result.SessionIDs, id)
	}
	return result, nil
}

// Ping always succeeds.
func (*MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (*MemoryStore) Close() error {
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
