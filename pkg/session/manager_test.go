package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/bi-session-platform/pkg/audit"
	"github.com/txn2/bi-session-platform/pkg/clock"
	"github.com/txn2/bi-session-platform/pkg/contextstore"
)

const (
	testSessID  = "sess-1"
	testUserID  = "user-42"
	testTimeout = 30 * time.Minute
)

var (
	testStart = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	errInject = errors.New("injected failure")
)

func newTestUser() *contextstore.UserContext {
	return &contextstore.UserContext{
		UserID:          testUserID,
		RoleID:          "analyst",
		DepartmentScope: []string{"finance"},
		Permissions: contextstore.Permissions{
			Financial: contextstore.DomainPermission{Read: true, Query: true},
		},
		TokenExpiry: testStart.Add(2 * time.Hour),
	}
}

// faultStore wraps a Store and lets tests fail individual operations.
type faultStore struct {
	contextstore.Store

	mu           sync.Mutex
	storeContext func() error
	storeSession func(ctx context.Context) error
	getState     func() error
	activity     func() error
}

func (f *faultStore) StoreUserContext(ctx context.Context, uc *contextstore.UserContext) error {
	f.mu.Lock()
	fn := f.storeContext
	f.mu.Unlock()
	if fn != nil {
		if err := fn(); err != nil {
			return err
		}
	}
	return f.Store.StoreUserContext(ctx, uc)
}

func (f *faultStore) StoreAnalysisSession(ctx context.Context, sess *contextstore.AnalysisSession) error {
	f.mu.Lock()
	fn := f.storeSession
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return f.Store.StoreAnalysisSession(ctx, sess)
}

func (f *faultStore) GetContextState(ctx context.Context, id string) (*contextstore.ContextState, error) {
	if f.getState != nil {
		if err := f.getState(); err != nil {
			return nil, err
		}
	}
	return f.Store.GetContextState(ctx, id)
}

func (f *faultStore) UpdateContextActivity(ctx context.Context, id string) error {
	if f.activity != nil {
		if err := f.activity(); err != nil {
			return err
		}
	}
	return f.Store.UpdateContextActivity(ctx, id)
}

// recordingRefresher captures refresh scheduling calls.
type recordingRefresher struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	cleared   []string
	clearAll  int
}

func newRecordingRefresher() *recordingRefresher {
	return &recordingRefresher{scheduled: make(map[string]time.Time)}
}

func (r *recordingRefresher) ScheduleRefresh(id string, uc *contextstore.UserContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled[id] = uc.TokenExpiry
}

func (r *recordingRefresher) ClearRefresh(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scheduled, id)
	r.cleared = append(r.cleared, id)
}

func (r *recordingRefresher) ClearAllRefresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled = make(map[string]time.Time)
	r.clearAll++
}

type testEnv struct {
	mgr     *Manager
	store   *faultStore
	mem     *contextstore.MemoryStore
	clock   *clock.Fake
	metrics *Metrics
	audit   *audit.MemoryLogger
	refresh *recordingRefresher
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	fake := clock.NewFake(testStart)
	mem := contextstore.NewMemoryStore(contextstore.MemoryConfig{Clock: fake})
	env := &testEnv{
		store:   &faultStore{Store: mem},
		mem:     mem,
		clock:   fake,
		metrics: NewMetrics(prometheus.NewRegistry()),
		audit:   audit.NewMemoryLogger(0),
		refresh: newRecordingRefresher(),
	}
	env.mgr = New(env.store,
		WithConfig(cfg),
		WithClock(fake),
		WithMetrics(env.metrics),
		WithAuditLogger(env.audit),
		WithTokenRefresher(env.refresh),
	)
	return env
}

func (e *testEnv) auditTypes(t *testing.T) []audit.EventType {
	t.Helper()
	events, err := e.audit.Query(context.Background(), audit.QueryFilter{})
	require.NoError(t, err)
	types := make([]audit.EventType, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		types = append(types, events[i].Type)
	}
	return types
}

func TestNew_Defaults(t *testing.T) {
	m := New(contextstore.NewMemoryStore(contextstore.MemoryConfig{}))
	assert.Equal(t, DefaultConfig(), m.Config())
	assert.NotNil(t, m.clock)
	assert.NotNil(t, m.logger)
	assert.NotEmpty(t, m.newID())
}

func TestCreateSession_Anonymous(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	res, err := env.mgr.CreateSession(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NotNil(t, res)

	id := res.Session.SessionID
	assert.NotEmpty(t, id)
	assert.Equal(t, contextstore.SessionInitiated, res.Session.Status)
	assert.Equal(t, contextstore.AnonymousUserID, res.Session.UserID)
	assert.True(t, res.Context.IsAnonymous)
	assert.Empty(t, res.Context.DepartmentScope)
	assert.Equal(t, contextstore.AnonymousPermissions(), res.Context.Permissions)
	assert.Equal(t, testStart.Add(DefaultTimeout), res.Context.TokenExpiry)
	assert.Empty(t, res.Session.QueryHistory)

	stored, err := env.mem.GetUserContext(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, contextstore.ContextActive, stored.Status)

	cs, err := env.mem.GetContextState(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cs)
	require.Len(t, cs.HistoryStack, 1)
	assert.True(t, cs.HistoryStack[0].Verified())

	assert.Equal(t, 1, env.clock.Pending(), "one timeout timer")
	assert.Empty(t, env.refresh.scheduled, "anonymous sessions are not refreshed")
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.created.WithLabelValues("anonymous")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.active), 0)
	assert.Equal(t, []audit.EventType{audit.EventSessionCreated}, env.auditTypes(t))
}

func TestCreateSession_Authenticated(t *testing.T) {
	env := newTestEnv(t, Config{})

	res, err := env.mgr.CreateSession(context.Background(), CreateOptions{
		Context:      newTestUser(),
		InitialState: map[string]any{"step": 1},
		Domains:      []contextstore.Domain{contextstore.DomainFinancial, contextstore.DomainFinancial},
		SessionID:    testSessID,
	})
	require.NoError(t, err)

	assert.Equal(t, testSessID, res.Context.SessionID)
	assert.Equal(t, testUserID, res.Session.UserID)
	assert.Equal(t, contextstore.ContextActive, res.Context.Status)
	assert.Equal(t, []string{"finance"}, res.Context.DepartmentScope)
	assert.Equal(t, []contextstore.Domain{contextstore.DomainFinancial}, res.Session.DomainAccess)
	assert.Equal(t, 1, res.Session.ContextState["step"])
	assert.Equal(t, testStart.Add(2*time.Hour), env.refresh.scheduled[testSessID])
}

func TestCreateSession_DisableRecovery(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	res, err := env.mgr.CreateSession(ctx, CreateOptions{DisableRecovery: true})
	require.NoError(t, err)

	cs, err := env.mem.GetContextState(ctx, res.Session.SessionID)
	require.NoError(t, err)
	assert.Nil(t, cs)
}

func TestCreateSession_PersistFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.storeContext = func() error { return errInject }

	res, err := env.mgr.CreateSession(context.Background(), CreateOptions{SessionID: testSessID})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, errInject)

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "session", opErr.Component)
	assert.Equal(t, "createSession", opErr.Op)
	assert.Equal(t, testSessID, opErr.SessionID)

	_, ok := env.mgr.GetSession(testSessID)
	assert.False(t, ok)
	assert.Zero(t, env.clock.Pending())
}

func TestCreateSession_ReturnsCopies(t *testing.T) {
	env := newTestEnv(t, Config{})
	res, err := env.mgr.CreateSession(context.Background(), CreateOptions{SessionID: testSessID})
	require.NoError(t, err)

	res.Session.ContextState["leak"] = true
	res.Context.Status = contextstore.ContextFailed

	got, ok := env.mgr.GetSession(testSessID)
	require.True(t, ok)
	assert.NotContains(t, got.Session.ContextState, "leak")
	assert.Equal(t, contextstore.ContextActive, got.Context.Status)
}

func TestAddQueryToSession_UnionsDomains(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.mgr.CreateSession(ctx, CreateOptions{
		SessionID: testSessID,
		Domains:   []contextstore.Domain{contextstore.DomainOperational},
	})
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	rec, err := env.mgr.AddQueryToSession(ctx, testSessID, "monthly revenue", "42", &contextstore.QueryMetadata{
		Domains: []contextstore.Domain{contextstore.DomainFinancial},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	got, ok := env.mgr.GetSession(testSessID)
	require.True(t, ok)
	assert.Equal(t, []contextstore.Domain{contextstore.DomainOperational, contextstore.DomainFinancial}, got.Session.DomainAccess)
	require.Len(t, got.Session.QueryHistory, 1)
	assert.Equal(t, "monthly revenue", got.Session.QueryHistory[0].Query)
	assert.Equal(t, env.clock.Now(), got.Session.LastQueryTime)

	stored, err := env.mem.GetAnalysisSession(ctx, testSessID)
	require.NoError(t, err)
	assert.Len(t, stored.QueryHistory, 1)
	assert.Equal(t, got.Session.DomainAccess, stored.DomainAccess)

	storedCtx, err := env.mem.GetUserContext(ctx, testSessID)
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now(), storedCtx.LastActivity)
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.queries), 0)
}

func TestAddQueryToSession_HistoryCap(t *testing.T) {
	env := newTestEnv(t, Config{MaxQueryHistory: 2})
	ctx := context.Background()
	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: testSessID})
	require.NoError(t, err)

	for _, q := range []string{"a", "b", "c"} {
		_, err := env.mgr.AddQueryToSession(ctx, testSessID, q, "", nil)
		require.NoError(t, err)
	}
	got, _ := env.mgr.GetSession(testSessID)
	require.Len(t, got.Session.QueryHistory, 2)
	assert.Equal(t, "b", got.Session.QueryHistory[0].Query)
}

func TestAddQueryToSession_UnknownSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, err := env.mgr.AddQueryToSession(context.Background(), "missing", "q", "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, contextstore.ErrSessionNotFound)
}

func TestAddQueryToSession_BookkeepingFailureSuppressed(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: testSessID})
	require.NoError(t, err)

	env.store.activity = func() error { return errInject }
	rec, err := env.mgr.AddQueryToSession(ctx, testSessID, "q", "r", nil)
	require.NoError(t, err)
	assert.NotNil(t, rec)
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.bookkeepingFailures.WithLabelValues("update_context_activity")), 0)
}

func TestUpdateSessionState(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.mgr.CreateSession(ctx, CreateOptions{
		SessionID:    testSessID,
		InitialState: map[string]any{"step": 1, "filter": "q1"},
	})
	require.NoError(t, err)

	res, err := env.mgr.UpdateSessionState(ctx, testSessID, map[string]any{"step": 2})
	require.NoError(t, err)
	assert.Equal(t, contextstore.SessionActive, res.Session.Status)
	assert.Equal(t, map[string]any{"step": 2, "filter": "q1"}, res.Session.ContextState)

	cs, err := env.mem.GetContextState(ctx, testSessID)
	require.NoError(t, err)
	require.Len(t, cs.HistoryStack, 2)
	assert.Equal(t, 2, cs.HistoryStack[1].State["step"])

	_, err = env.mgr.UpdateSessionState(ctx, testSessID, map[string]any{"step": 3}, WithoutSnapshot())
	require.NoError(t, err)
	cs, err = env.mem.GetContextState(ctx, testSessID)
	require.NoError(t, err)
	assert.Len(t, cs.HistoryStack, 2)

	stored, err := env.mem.GetAnalysisSession(ctx, testSessID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.ContextState["step"])
}

func TestUpdateSessionState_NotRegistered(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, err := env.mgr.UpdateSessionState(context.Background(), "missing", map[string]any{"a": 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	var notFound *SessionNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.SessionID)
}

func TestUpdateSessionState_StoreFailureKeepsMemory(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: testSessID})
	require.NoError(t, err)

	env.store.storeSession = func(context.Context) error { return errInject }
	_, err = env.mgr.UpdateSessionState(ctx, testSessID, map[string]any{"step": 9})
	require.ErrorIs(t, err, errInject)

	got, _ := env.mgr.GetSession(testSessID)
	assert.Equal(t, 9, got.Session.ContextState["step"])
}

func TestSyncRefresh_FollowsRegistry(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: testSessID, Context: newTestUser()})
	require.NoError(t, err)
	require.Contains(t, env.refresh.scheduled, testSessID)

	// A termination that lands between registering and scheduling.
	env.mgr.mu.Lock()
	delete(env.mgr.entries, testSessID)
	env.mgr.mu.Unlock()
	env.refresh.scheduled[testSessID] = testStart

	env.mgr.syncRefresh(testSessID)
	assert.NotContains(t, env.refresh.scheduled, testSessID)
}

func TestRegisterTerminateRace(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		id := fmt.Sprintf("race-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = env.mgr.CreateSession(ctx, CreateOptions{SessionID: id, Context: newTestUser()})
		}()
		go func() {
			defer wg.Done()
			_ = env.mgr.TerminateSession(ctx, id, ReasonManual)
		}()
	}
	wg.Wait()

	env.refresh.mu.Lock()
	defer env.refresh.mu.Unlock()
	for id := range env.refresh.scheduled {
		_, ok := env.mgr.GetSession(id)
		assert.True(t, ok, "refresh job for unregistered session %s", id)
	}
}

func TestTerminateSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: testSessID, Context: newTestUser()})
	require.NoError(t, err)

	require.NoError(t, env.mgr.TerminateSession(ctx, testSessID, ReasonManual))
	require.NoError(t, env.mgr.TerminateSession(ctx, testSessID, ReasonManual), "second terminate is a no-op")

	_, ok := env.mgr.GetSession(testSessID)
	assert.False(t, ok)
	assert.Zero(t, env.clock.Pending())
	assert.NotContains(t, env.refresh.scheduled, testSessID)

	sess, err := env.mem.GetAnalysisSession(ctx, testSessID)
	require.NoError(t, err)
	assert.Equal(t, contextstore.SessionCompleted, sess.Status)
	uc, err := env.mem.GetUserContext(ctx, testSessID)
	require.NoError(t, err)
	assert.Equal(t, contextstore.ContextCompleted, uc.Status)

	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.terminated.WithLabelValues(ReasonManual)), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(env.metrics.active), 0)
}

func TestTerminateSession_JoinsErrors(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: testSessID})
	require.NoError(t, err)

	env.store.storeSession = func(context.Context) error { return errInject }
	env.store.storeContext = func() error { return errInject }
	err = env.mgr.TerminateSession(ctx, testSessID, ReasonManual)
	require.ErrorIs(t, err, errInject)

	_, ok := env.mgr.GetSession(testSessID)
	assert.False(t, ok, "session leaves the registry even when persistence fails")
}

func TestSessionTimeout(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: testSessID, Timeout: testTimeout})
	require.NoError(t, err)

	env.clock.Advance(testTimeout - time.Second)
	_, ok := env.mgr.GetSession(testSessID)
	assert.True(t, ok)

	env.clock.Advance(time.Second)
	_, ok = env.mgr.GetSession(testSessID)
	assert.False(t, ok)

	uc, err := env.mem.GetUserContext(ctx, testSessID)
	require.NoError(t, err)
	assert.Equal(t, contextstore.ContextCompleted, uc.Status)
	assert.InDelta(t, 1, testutil.ToFloat64(env.metrics.terminated.WithLabelValues(ReasonTimeout)), 0)
}

func TestHandleTokenRefreshed_MovesTimer(t *testing.T) {
	env := newTestEnv(t, Config{})
	uc := newTestUser()
	uc.TokenExpiry = testStart.Add(testTimeout)
	_, err := env.mgr.CreateSession(context.Background(), CreateOptions{SessionID: testSessID, Context: uc})
	require.NoError(t, err)

	newExpiry := testStart.Add(2 * time.Hour)
	env.mgr.HandleTokenRefreshed(testSessID, newExpiry)
	env.mgr.HandleTokenRefreshed("missing", newExpiry)
	assert.Equal(t, 1, env.clock.Pending())

	env.clock.Advance(time.Hour)
	got, ok := env.mgr.GetSession(testSessID)
	require.True(t, ok)
	assert.Equal(t, newExpiry, got.Context.TokenExpiry)

	env.clock.Advance(time.Hour)
	_, ok = env.mgr.GetSession(testSessID)
	assert.False(t, ok)
}

func TestInitializeSession_Missing(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	res, err := env.mgr.InitializeSession(ctx, "missing", RecoveryOptions{})
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = env.mgr.InitializeSession(ctx, "missing", RecoveryOptions{FallbackToAnonymous: true})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "missing", res.Session.SessionID)
	assert.True(t, res.Context.IsAnonymous)
}

func TestInitializeSession_HydratesStoredSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: testSessID, Context: newTestUser()})
	require.NoError(t, err)
	_, err = env.mgr.AddQueryToSession(ctx, testSessID, "q", "r", nil)
	require.NoError(t, err)

	other := New(env.store, WithClock(env.clock))
	res, err := other.InitializeSession(ctx, testSessID, RecoveryOptions{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, testUserID, res.Context.UserID)
	assert.Len(t, res.Session.QueryHistory, 1)
	_, ok := other.GetSession(testSessID)
	assert.True(t, ok)
}

func TestInitializeSession_FailedContextIsRecovered(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: testSessID, InitialState: map[string]any{"step": 1}})
	require.NoError(t, err)
	uc, err := env.mem.GetUserContext(ctx, testSessID)
	require.NoError(t, err)
	uc.Status = contextstore.ContextFailed
	require.NoError(t, env.mem.StoreUserContext(ctx, uc))

	res, err := env.mgr.InitializeSession(ctx, testSessID, RecoveryOptions{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, contextstore.ContextActive, res.Context.Status)
	assert.Equal(t, contextstore.SessionActive, res.Session.Status)
	assert.Equal(t, 1, env.mgr.RecoveryAttempts(testSessID))
}

func TestInitializeSession_StoreError(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.Store = &getFailStore{Store: env.mem}

	res, err := env.mgr.InitializeSession(context.Background(), testSessID, RecoveryOptions{FallbackToAnonymous: true})
	require.Error(t, err)
	assert.Nil(t, res)
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "initializeSession", opErr.Op)
}

type getFailStore struct {
	contextstore.Store
}

func (*getFailStore) GetUserContext(context.Context, string) (*contextstore.UserContext, error) {
	return nil, errInject
}

func TestGetSessionAnalyticsAndStats(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: "a", Domains: []contextstore.Domain{contextstore.DomainOperational}})
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	_, err = env.mgr.CreateSession(ctx, CreateOptions{SessionID: "b", Context: newTestUser()})
	require.NoError(t, err)
	_, err = env.mgr.AddQueryToSession(ctx, "b", "q", "r", &contextstore.QueryMetadata{
		Domains: []contextstore.Domain{contextstore.DomainFinancial},
	})
	require.NoError(t, err)
	env.clock.Advance(time.Minute)

	an, err := env.mgr.GetSessionAnalytics("a")
	require.NoError(t, err)
	assert.True(t, an.IsAnonymous)
	assert.Equal(t, (2 * time.Minute).Milliseconds(), an.DurationMS)
	assert.Zero(t, an.QueryCount)

	_, err = env.mgr.GetSessionAnalytics("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	stats := env.mgr.GetSessionStats()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Anonymous)
	assert.Equal(t, 1, stats.Authenticated)
	assert.Equal(t, 1, stats.TotalQueries)
	assert.Equal(t, 1, stats.DomainUsage[contextstore.DomainFinancial])
	assert.Equal(t, 1, stats.DomainUsage[contextstore.DomainOperational])
	assert.Equal(t, testStart, stats.OldestStartTime)
	assert.Equal(t, (90 * time.Second).Milliseconds(), stats.AverageAgeMS)

	active := env.mgr.ActiveSessions()
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].Session.SessionID)
}
