// Package redis provides a Redis-backed context store for multi-node deployments.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/txn2/bi-session-platform/pkg/clock"
	"github.com/txn2/bi-session-platform/pkg/contextstore"
)

const (
	defaultPrefix   = "bi:"
	defaultPoolSize = 10
	pingTimeout     = 5 * time.Second
	maxTxRetries    = 5
)

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("redis context store is closed")

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all keys (default: "bi:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int

	MaxQueryHistory int
	MaxSnapshots    int
	Clock           clock.Clock
}

// Store implements contextstore.Store using Redis.
type Store struct {
	client       *goredis.Client
	prefix       string
	maxHistory   int
	maxSnapshots int
	clock        clock.Clock

	mu     sync.RWMutex
	closed bool
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewFromClient(client, cfg), nil
}

// NewFromClient wraps an existing client. The store takes ownership of it.
func NewFromClient(client *goredis.Client, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.MaxQueryHistory == 0 {
		cfg.MaxQueryHistory = contextstore.DefaultMaxQueryHistory
	}
	if cfg.MaxSnapshots == 0 {
		cfg.MaxSnapshots = contextstore.DefaultMaxSnapshots
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Store{
		client:       client,
		prefix:       cfg.Prefix,
		maxHistory:   cfg.MaxQueryHistory,
		maxSnapshots: cfg.MaxSnapshots,
		clock:        cfg.Clock,
	}
}

// Key helpers
func (s *Store) contextKey(sessionID string) string {
	return s.prefix + "context:" + sessionID
}

func (s *Store) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *Store) historyKey(sessionID string) string {
	return s.prefix + "history:" + sessionID
}

func (s *Store) stateKey(sessionID string) string {
	return s.prefix + "state:" + sessionID
}

// expiryKey is a sorted set of session IDs scored by token expiry in unix milliseconds.
func (s *Store) expiryKey() string {
	return s.prefix + "expiry"
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// StoreUserContext writes the context and indexes its expiry.
func (s *Store) StoreUserContext(ctx context.Context, uc *contextstore.UserContext) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(uc)
	if err != nil {
		return fmt.Errorf("marshal user context: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.contextKey(uc.SessionID), data, 0)
	pipe.ZAdd(ctx, s.expiryKey(), goredis.Z{Score: expiryScore(uc.TokenExpiry), Member: uc.SessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store user context: %w", err)
	}
	return nil
}

// GetUserContext retrieves a context. Returns nil, nil if not found.
func (s *Store) GetUserContext(ctx context.Context, sessionID string) (*contextstore.UserContext, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var uc contextstore.UserContext
	found, err := s.getJSON(ctx, s.client, s.contextKey(sessionID), &uc)
	if err != nil || !found {
		return nil, err
	}
	return &uc, nil
}

// StoreAnalysisSession writes the session record. History is kept in its own list.
func (s *Store) StoreAnalysisSession(ctx context.Context, sess *contextstore.AnalysisSession) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	stripped := *sess
	stripped.QueryHistory = nil
	data, err := json.Marshal(&stripped)
	if err != nil {
		return fmt.Errorf("marshal analysis session: %w", err)
	}
	if err := s.client.Set(ctx, s.sessionKey(sess.SessionID), data, 0).Err(); err != nil {
		return fmt.Errorf("store analysis session: %w", err)
	}
	return nil
}

// GetAnalysisSession retrieves a session and its history. Returns nil, nil if not found.
func (s *Store) GetAnalysisSession(ctx context.Context, sessionID string) (*contextstore.AnalysisSession, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var sess contextstore.AnalysisSession
	found, err := s.getJSON(ctx, s.client, s.sessionKey(sessionID), &sess)
	if err != nil || !found {
		return nil, err
	}

	raw, err := s.client.LRange(ctx, s.historyKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	sess.QueryHistory = make([]contextstore.QueryRecord, 0, len(raw))
	for _, item := range raw {
		var rec contextstore.QueryRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal history record: %w", err)
		}
		sess.QueryHistory = append(sess.QueryHistory, rec)
	}
	if sess.ContextState == nil {
		sess.ContextState = map[string]any{}
	}
	if sess.DomainAccess == nil {
		sess.DomainAccess = []contextstore.Domain{}
	}
	return &sess, nil
}

// StoreContextState replaces state data and appends to the lineage.
func (s *Store) StoreContextState(ctx context.Context, cs *contextstore.ContextState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := s.stateKey(cs.SessionID)
	return s.watch(ctx, key, func(tx *goredis.Tx) error {
		var existing contextstore.ContextState
		found, err := s.getJSON(ctx, tx, key, &existing)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		next := cs.Clone()
		next.IsCorrupted = existing.IsCorrupted || cs.IsCorrupted
		next.HistoryStack = contextstore.PushSnapshots(existing.HistoryStack, cs.HistoryStack,
			cs.StateData, now, !next.IsCorrupted, s.maxSnapshots)
		if next.StateData == nil {
			next.StateData = map[string]any{}
		}
		if next.ID == "" {
			next.ID = existing.ID
		}
		if next.ID == "" {
			next.ID = uuid.NewString()
		}
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
			if found {
				next.CreatedAt = existing.CreatedAt
			}
		}
		if next.LastUpdate.IsZero() {
			next.LastUpdate = now
		}
		next.UpdatedAt = now

		return s.setJSON(ctx, tx, key, next)
	})
}

// ReplaceContextState overwrites the lineage with a fresh one built from cs.
func (s *Store) ReplaceContextState(ctx context.Context, cs *contextstore.ContextState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	now := s.clock.Now()
	next := cs.Clone()
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	if next.StateData == nil {
		next.StateData = map[string]any{}
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	if next.LastUpdate.IsZero() {
		next.LastUpdate = now
	}
	next.HistoryStack = contextstore.PushSnapshots(nil, cs.HistoryStack, next.StateData, now, !cs.IsCorrupted, s.maxSnapshots)
	next.UpdatedAt = now

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal context state: %w", err)
	}
	if err := s.client.Set(ctx, s.stateKey(cs.SessionID), data, 0).Err(); err != nil {
		return fmt.Errorf("replace context state: %w", err)
	}
	return nil
}

// GetContextState retrieves a lineage. Returns nil, nil if not found.
func (s *Store) GetContextState(ctx context.Context, sessionID string) (*contextstore.ContextState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var cs contextstore.ContextState
	found, err := s.getJSON(ctx, s.client, s.stateKey(sessionID), &cs)
	if err != nil || !found {
		return nil, err
	}
	if cs.StateData == nil {
		cs.StateData = map[string]any{}
	}
	if cs.HistoryStack == nil {
		cs.HistoryStack = []contextstore.Snapshot{}
	}
	return &cs, nil
}

// MarkContextCorrupted sets the corruption flag, creating an empty lineage if none exists.
func (s *Store) MarkContextCorrupted(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := s.stateKey(sessionID)
	return s.watch(ctx, key, func(tx *goredis.Tx) error {
		var cs contextstore.ContextState
		found, err := s.getJSON(ctx, tx, key, &cs)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if !found {
			cs = contextstore.ContextState{
				ID:           uuid.NewString(),
				SessionID:    sessionID,
				StateData:    map[string]any{},
				HistoryStack: []contextstore.Snapshot{},
				LastUpdate:   now,
				CreatedAt:    now,
			}
		}
		cs.IsCorrupted = true
		cs.UpdatedAt = now
		return s.setJSON(ctx, tx, key, &cs)
	})
}

// GetContextRecoveryData derives recovery data from the stored lineage.
func (s *Store) GetContextRecoveryData(ctx context.Context, sessionID string) (*contextstore.RecoveryData, error) {
	cs, err := s.GetContextState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return contextstore.BuildRecoveryData(sessionID, cs), nil
}

// AddQueryToHistory appends a record and trims the list to the newest entries.
func (s *Store) AddQueryToHistory(ctx context.Context, sessionID, query, response string, meta *contextstore.QueryMetadata) (*contextstore.QueryRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rec := &contextstore.QueryRecord{
		ID:        uuid.NewString(),
		Query:     query,
		Response:  response,
		Metadata:  meta,
		Timestamp: s.clock.Now(),
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal history record: %w", err)
	}

	sessKey := s.sessionKey(sessionID)
	histKey := s.historyKey(sessionID)
	err = s.watch(ctx, sessKey, func(tx *goredis.Tx) error {
		var sess contextstore.AnalysisSession
		found, err := s.getJSON(ctx, tx, sessKey, &sess)
		if err != nil {
			return err
		}
		if !found {
			return contextstore.ErrSessionNotFound
		}
		sess.LastQueryTime = rec.Timestamp
		sess.UpdatedAt = rec.Timestamp
		data, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("marshal analysis session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, sessKey, data, 0)
			pipe.RPush(ctx, histKey, encoded)
			pipe.LTrim(ctx, histKey, int64(-s.maxHistory), -1)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateDomainAccess unions domains into the session's domain access.
func (s *Store) UpdateDomainAccess(ctx context.Context, sessionID string, domains []contextstore.Domain) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := s.sessionKey(sessionID)
	return s.watch(ctx, key, func(tx *goredis.Tx) error {
		var sess contextstore.AnalysisSession
		found, err := s.getJSON(ctx, tx, key, &sess)
		if err != nil {
			return err
		}
		if !found {
			return contextstore.ErrSessionNotFound
		}
		merged, added := contextstore.MergeDomains(sess.DomainAccess, domains)
		if len(added) == 0 {
			return nil
		}
		sess.DomainAccess = merged
		sess.UpdatedAt = s.clock.Now()
		return s.setJSON(ctx, tx, key, &sess)
	})
}

// UpdateContextActivity stamps last activity. Missing contexts are ignored.
func (s *Store) UpdateContextActivity(ctx context.Context, sessionID string) error {
	return s.updateContext(ctx, sessionID, func(uc *contextstore.UserContext, now time.Time) {
		uc.LastActivity = now
	}, nil)
}

// UpdateTokenExpiry sets a new token expiry. Missing contexts are ignored.
func (s *Store) UpdateTokenExpiry(ctx context.Context, sessionID string, expiry time.Time) error {
	return s.updateContext(ctx, sessionID, func(uc *contextstore.UserContext, _ time.Time) {
		uc.TokenExpiry = expiry
	}, func(pipe goredis.Pipeliner) {
		pipe.ZAdd(ctx, s.expiryKey(), goredis.Z{Score: expiryScore(expiry), Member: sessionID})
	})
}

func (s *Store) updateContext(ctx context.Context, sessionID string,
	mutate func(*contextstore.UserContext, time.Time), extra func(goredis.Pipeliner),
) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := s.contextKey(sessionID)
	return s.watch(ctx, key, func(tx *goredis.Tx) error {
		var uc contextstore.UserContext
		found, err := s.getJSON(ctx, tx, key, &uc)
		if err != nil || !found {
			return err
		}
		now := s.clock.Now()
		mutate(&uc, now)
		uc.UpdatedAt = now
		data, err := json.Marshal(&uc)
		if err != nil {
			return fmt.Errorf("marshal user context: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if extra != nil {
				extra(pipe)
			}
			return nil
		})
		return err
	})
}

// CleanupExpiredSessions removes every key of sessions whose token has expired.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (contextstore.CleanupResult, error) {
	var result contextstore.CleanupResult
	if err := s.checkOpen(); err != nil {
		return result, err
	}

	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(expiryScore(s.clock.Now()), 'f', -1, 64),
	}).Result()
	if err != nil {
		return result, fmt.Errorf("scan expired sessions: %w", err)
	}

	for _, id := range ids {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.contextKey(id), s.sessionKey(id), s.historyKey(id), s.stateKey(id))
		pipe.ZRem(ctx, s.expiryKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("delete expired session %s: %w", id, err))
			continue
		}
		result.Cleaned++
		result.SessionIDs = append(result.SessionIDs, id)
	}
	return result, nil
}

// Ping verifies Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// watch runs fn under an optimistic lock on key, retrying on conflicting writes.
func (s *Store) watch(ctx context.Context, key string, fn func(*goredis.Tx) error) error {
	for range maxTxRetries {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: too many concurrent writers", key)
}

// getter is satisfied by both *goredis.Client and *goredis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func (*Store) getJSON(ctx context.Context, c getter, key string, v any) (bool, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (*Store) setJSON(ctx context.Context, tx *goredis.Tx, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		return nil
	})
	return err
}

func expiryScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Verify interface compliance.
var _ contextstore.Store = (*Store)(nil)
