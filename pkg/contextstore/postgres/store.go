// Package postgres provides PostgreSQL storage for analysis contexts.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/txn2/bi-session-platform/pkg/contextstore"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store implements contextstore.Store using PostgreSQL.
type Store struct {
	db           *sql.DB
	maxHistory   int
	maxSnapshots int
	now          func() time.Time
}

// Config configures the PostgreSQL context store.
type Config struct {
	MaxQueryHistory int
	MaxSnapshots    int
}

// New creates a new PostgreSQL context store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.MaxQueryHistory == 0 {
		cfg.MaxQueryHistory = contextstore.DefaultMaxQueryHistory
	}
	if cfg.MaxSnapshots == 0 {
		cfg.MaxSnapshots = contextstore.DefaultMaxSnapshots
	}
	return &Store{
		db:           db,
		maxHistory:   cfg.MaxQueryHistory,
		maxSnapshots: cfg.MaxSnapshots,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// StoreUserContext upserts a context row.
func (s *Store) StoreUserContext(ctx context.Context, uc *contextstore.UserContext) error {
	scope, err := json.Marshal(uc.DepartmentScope)
	if err != nil {
		return fmt.Errorf("marshaling department scope: %w", err)
	}
	perms, err := json.Marshal(uc.Permissions)
	if err != nil {
		return fmt.Errorf("marshaling permissions: %w", err)
	}
	prefs, err := json.Marshal(uc.Preferences)
	if err != nil {
		return fmt.Errorf("marshaling preferences: %w", err)
	}

	query, args, err := psq.Insert("bi_user_contexts").
		Columns("session_id", "user_id", "role_id", "department_scope", "permissions", "preferences",
			"last_activity", "token_expiry", "is_anonymous", "status", "created_at", "updated_at").
		Values(uc.SessionID, uc.UserID, uc.RoleID, scope, perms, prefs,
			uc.LastActivity, uc.TokenExpiry, uc.IsAnonymous, string(uc.Status), uc.CreatedAt, uc.UpdatedAt).
		Suffix(`ON CONFLICT (session_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			role_id = EXCLUDED.role_id,
			department_scope = EXCLUDED.department_scope,
			permissions = EXCLUDED.permissions,
			preferences = EXCLUDED.preferences,
			last_activity = EXCLUDED.last_activity,
			token_expiry = EXCLUDED.token_expiry,
			is_anonymous = EXCLUDED.is_anonymous,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building context upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting user context: %w", err)
	}
	return nil
}

// GetUserContext retrieves a context. Returns nil, nil if not found.
func (s *Store) GetUserContext(ctx context.Context, sessionID string) (*contextstore.UserContext, error) {
	query := `
		SELECT session_id, user_id, role_id, department_scope, permissions, preferences,
		       last_activity, token_expiry, is_anonymous, status, created_at, updated_at
		FROM bi_user_contexts
		WHERE session_id = $1
	`
	var (
		uc                  contextstore.UserContext
		status              string
		scope, perms, prefs []byte
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&uc.SessionID, &uc.UserID, &uc.RoleID, &scope, &perms, &prefs,
		&uc.LastActivity, &uc.TokenExpiry, &uc.IsAnonymous, &status, &uc.CreatedAt, &uc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user context: %w", err)
	}

	uc.Status = contextstore.ContextStatus(status)
	uc.DepartmentScope = []string{}
	if err := unmarshalColumn(scope, &uc.DepartmentScope); err != nil {
		return nil, fmt.Errorf("decoding department scope: %w", err)
	}
	if err := unmarshalColumn(perms, &uc.Permissions); err != nil {
		return nil, fmt.Errorf("decoding permissions: %w", err)
	}
	if err := unmarshalColumn(prefs, &uc.Preferences); err != nil {
		return nil, fmt.Errorf("decoding preferences: %w", err)
	}
	return &uc, nil
}

// StoreAnalysisSession upserts the session row. History rows are untouched.
func (s *Store) StoreAnalysisSession(ctx context.Context, sess *contextstore.AnalysisSession) error {
	state, err := json.Marshal(nonNilState(sess.ContextState))
	if err != nil {
		return fmt.Errorf("marshaling context state: %w", err)
	}
	domains, err := json.Marshal(nonNilDomains(sess.DomainAccess))
	if err != nil {
		return fmt.Errorf("marshaling domain access: %w", err)
	}

	query, args, err := psq.Insert("bi_analysis_sessions").
		Columns("session_id", "user_id", "start_time", "last_query_time", "context_state",
			"domain_access", "status", "created_at", "updated_at").
		Values(sess.SessionID, sess.UserID, sess.StartTime, sess.LastQueryTime, state,
			domains, string(sess.Status), sess.CreatedAt, sess.UpdatedAt).
		Suffix(`ON CONFLICT (session_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			start_time = EXCLUDED.start_time,
			last_query_time = EXCLUDED.last_query_time,
			context_state = EXCLUDED.context_state,
			domain_access = EXCLUDED.domain_access,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building session upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting analysis session: %w", err)
	}
	return nil
}

// GetAnalysisSession retrieves a session and its history. Returns nil, nil if not found.
func (s *Store) GetAnalysisSession(ctx context.Context, sessionID string) (*contextstore.AnalysisSession, error) {
	query := `
		SELECT session_id, user_id, start_time, last_query_time, context_state,
		       domain_access, status, created_at, updated_at
		FROM bi_analysis_sessions
		WHERE session_id = $1
	`
	var (
		sess           contextstore.AnalysisSession
		status         string
		state, domains []byte
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&sess.SessionID, &sess.UserID, &sess.StartTime, &sess.LastQueryTime, &state,
		&domains, &status, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning analysis session: %w", err)
	}

	sess.Status = contextstore.SessionStatus(status)
	sess.ContextState = map[string]any{}
	if err := unmarshalColumn(state, &sess.ContextState); err != nil {
		return nil, fmt.Errorf("decoding context state: %w", err)
	}
	sess.DomainAccess = []contextstore.Domain{}
	if err := unmarshalColumn(domains, &sess.DomainAccess); err != nil {
		return nil, fmt.Errorf("decoding domain access: %w", err)
	}

	history, err := s.loadHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.QueryHistory = history
	return &sess, nil
}

// loadHistory reads the bounded history in insertion order.
func (s *Store) loadHistory(ctx context.Context, sessionID string) ([]contextstore.QueryRecord, error) {
	query := `
		SELECT id, query, response, metadata, created_at FROM (
			SELECT seq, id, query, response, metadata, created_at
			FROM bi_query_history
			WHERE session_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, s.maxHistory)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	history := []contextstore.QueryRecord{}
	for rows.Next() {
		var (
			rec  contextstore.QueryRecord
			meta []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Query, &rec.Response, &meta, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		if len(meta) > 0 && string(meta) != "null" {
			rec.Metadata = &contextstore.QueryMetadata{}
			if err := json.Unmarshal(meta, rec.Metadata); err != nil {
				return nil, fmt.Errorf("decoding history metadata: %w", err)
			}
		}
		history = append(history, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return history, nil
}

// AddQueryToHistory inserts a history row and trims the oldest rows past the cap.
func (s *Store) AddQueryToHistory(ctx context.Context, sessionID, query, response string, meta *contextstore.QueryMetadata) (*contextstore.QueryRecord, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling query metadata: %w", err)
	}

	rec := &contextstore.QueryRecord{
		ID:        uuid.NewString(),
		Query:     query,
		Response:  response,
		Metadata:  meta,
		Timestamp: s.now(),
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE bi_analysis_sessions SET last_query_time = $2, updated_at = $2 WHERE session_id = $1`,
			sessionID, rec.Timestamp)
		if err != nil {
			return fmt.Errorf("touching session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return contextstore.ErrSessionNotFound
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bi_query_history (id, session_id, query, response, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.ID, sessionID, rec.Query, rec.Response, metaJSON, rec.Timestamp); err != nil {
			return fmt.Errorf("inserting history: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM bi_query_history
			WHERE session_id = $1 AND id NOT IN (
				SELECT id FROM bi_query_history
				WHERE session_id = $1
				ORDER BY seq DESC
				LIMIT $2
			)`, sessionID, s.maxHistory); err != nil {
			return fmt.Errorf("trimming history: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateDomainAccess unions domains into the stored domain access.
func (s *Store) UpdateDomainAccess(ctx context.Context, sessionID string, domains []contextstore.Domain) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx,
			`SELECT domain_access FROM bi_analysis_sessions WHERE session_id = $1 FOR UPDATE`,
			sessionID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return contextstore.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("locking domain access: %w", err)
		}

		var existing []contextstore.Domain
		if err := unmarshalColumn(raw, &existing); err != nil {
			return fmt.Errorf("decoding domain access: %w", err)
		}
		merged, added := contextstore.MergeDomains(existing, domains)
		if len(added) == 0 {
			return nil
		}
		encoded, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshaling domain access: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE bi_analysis_sessions SET domain_access = $2, updated_at = NOW() WHERE session_id = $1`,
			sessionID, encoded); err != nil {
			return fmt.Errorf("updating domain access: %w", err)
		}
		return nil
	})
}

// UpdateContextActivity stamps last_activity with the database clock.
func (s *Store) UpdateContextActivity(ctx context.Context, sessionID string) error {
	query := `UPDATE bi_user_contexts SET last_activity = NOW(), updated_at = NOW() WHERE session_id = $1`
	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("updating context activity: %w", err)
	}
	return nil
}

// UpdateTokenExpiry sets a new token expiry.
func (s *Store) UpdateTokenExpiry(ctx context.Context, sessionID string, expiry time.Time) error {
	query := `UPDATE bi_user_contexts SET token_expiry = $2, updated_at = NOW() WHERE session_id = $1`
	if _, err := s.db.ExecContext(ctx, query, sessionID, expiry); err != nil {
		return fmt.Errorf("updating token expiry: %w", err)
	}
	return nil
}

// StoreContextState replaces state data and appends to the lineage under a row lock.
func (s *Store) StoreContextState(ctx context.Context, cs *contextstore.ContextState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			raw       []byte
			corrupted bool
		)
		err := tx.QueryRowContext(ctx,
			`SELECT history_stack, is_corrupted FROM bi_context_states WHERE session_id = $1 FOR UPDATE`,
			cs.SessionID).Scan(&raw, &corrupted)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("locking context state: %w", err)
		}

		var stack []contextstore.Snapshot
		if err := unmarshalColumn(raw, &stack); err != nil {
			return fmt.Errorf("decoding history stack: %w", err)
		}

		now := s.now()
		corrupted = corrupted || cs.IsCorrupted
		stack = contextstore.PushSnapshots(stack, cs.HistoryStack, cs.StateData, now, !corrupted, s.maxSnapshots)
		return s.upsertState(ctx, tx, cs, stack, corrupted, now)
	})
}

// ReplaceContextState overwrites the lineage with a fresh one built from cs.
func (s *Store) ReplaceContextState(ctx context.Context, cs *contextstore.ContextState) error {
	now := s.now()
	stack := contextstore.PushSnapshots(nil, cs.HistoryStack, cs.StateData, now, !cs.IsCorrupted, s.maxSnapshots)
	return s.upsertState(ctx, s.db, cs, stack, cs.IsCorrupted, now)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (*Store) upsertState(ctx context.Context, ex execer, cs *contextstore.ContextState,
	stack []contextstore.Snapshot, corrupted bool, now time.Time,
) error {
	stateJSON, err := json.Marshal(nonNilState(cs.StateData))
	if err != nil {
		return fmt.Errorf("marshaling state data: %w", err)
	}
	stackJSON, err := json.Marshal(stack)
	if err != nil {
		return fmt.Errorf("marshaling history stack: %w", err)
	}

	id := cs.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := cs.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	lastUpdate := cs.LastUpdate
	if lastUpdate.IsZero() {
		lastUpdate = now
	}

	query, args, err := psq.Insert("bi_context_states").
		Columns("session_id", "id", "state_data", "history_stack", "last_update",
			"is_corrupted", "created_at", "updated_at").
		Values(cs.SessionID, id, stateJSON, stackJSON, lastUpdate, corrupted, createdAt, now).
		Suffix(`ON CONFLICT (session_id) DO UPDATE SET
			id = EXCLUDED.id,
			state_data = EXCLUDED.state_data,
			history_stack = EXCLUDED.history_stack,
			last_update = EXCLUDED.last_update,
			is_corrupted = EXCLUDED.is_corrupted,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building context state upsert: %w", err)
	}
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting context state: %w", err)
	}
	return nil
}

// GetContextState retrieves a lineage. Returns nil, nil if not found.
func (s *Store) GetContextState(ctx context.Context, sessionID string) (*contextstore.ContextState, error) {
	query := `
		SELECT session_id, id, state_data, history_stack, last_update, is_corrupted, created_at, updated_at
		FROM bi_context_states
		WHERE session_id = $1
	`
	var (
		cs           contextstore.ContextState
		state, stack []byte
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&cs.SessionID, &cs.ID, &state, &stack, &cs.LastUpdate, &cs.IsCorrupted, &cs.CreatedAt, &cs.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning context state: %w", err)
	}

	cs.StateData = map[string]any{}
	if err := unmarshalColumn(state, &cs.StateData); err != nil {
		return nil, fmt.Errorf("decoding state data: %w", err)
	}
	cs.HistoryStack = []contextstore.Snapshot{}
	if err := unmarshalColumn(stack, &cs.HistoryStack); err != nil {
		return nil, fmt.Errorf("decoding history stack: %w", err)
	}
	return &cs, nil
}

// MarkContextCorrupted sets is_corrupted, creating an empty lineage if none exists.
func (s *Store) MarkContextCorrupted(ctx context.Context, sessionID string) error {
	query := `
		INSERT INTO bi_context_states (session_id, id, state_data, history_stack, last_update, is_corrupted, created_at, updated_at)
		VALUES ($1, $2, '{}'::jsonb, '[]'::jsonb, NOW(), TRUE, NOW(), NOW())
		ON CONFLICT (session_id) DO UPDATE SET is_corrupted = TRUE, updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, sessionID, uuid.NewString()); err != nil {
		return fmt.Errorf("marking context corrupted: %w", err)
	}
	return nil
}

// GetContextRecoveryData derives recovery data from the stored lineage.
func (s *Store) GetContextRecoveryData(ctx context.Context, sessionID string) (*contextstore.RecoveryData, error) {
	cs, err := s.GetContextState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return contextstore.BuildRecoveryData(sessionID, cs), nil
}

// CleanupExpiredSessions deletes expired contexts and everything keyed by their sessions.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (contextstore.CleanupResult, error) {
	var result contextstore.CleanupResult

	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM bi_user_contexts WHERE token_expiry <= NOW() RETURNING session_id`)
	if err != nil {
		return result, fmt.Errorf("deleting expired contexts: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return result, fmt.Errorf("scanning expired session id: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return result, fmt.Errorf("iterating expired sessions: %w", err)
	}
	result.Cleaned = len(ids)
	result.SessionIDs = ids
	if len(ids) == 0 {
		return result, nil
	}

	for _, table := range []string{"bi_analysis_sessions", "bi_query_history", "bi_context_states"} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE session_id = ANY($1)`, table) // #nosec G201 -- table names are constants
		if _, err := s.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("deleting expired rows from %s: %w", table, err))
		}
	}
	return result, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// Close is a no-op; the *sql.DB is owned by the caller.
func (*Store) Close() error {
	return nil
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func unmarshalColumn(raw []byte, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func nonNilState(state map[string]any) map[string]any {
	if state == nil {
		return map[string]any{}
	}
	return state
}

func nonNilDomains(domains []contextstore.Domain) []contextstore.Domain {
	if domains == nil {
		return []contextstore.Domain{}
	}
	return domains
}

// Verify interface compliance.
var _ contextstore.Store = (*Store)(nil)
