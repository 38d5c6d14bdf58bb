package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/bi-session-platform/pkg/contextstore"
)

func TestCheckSessionHealth_Healthy(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: testSessID})
	require.NoError(t, err)

	report := env.mgr.CheckSessionHealth(ctx, testSessID)
	assert.True(t, report.Healthy)
	assert.True(t, report.ContextValid)
	assert.True(t, report.TokenValid)
	assert.False(t, report.Corrupted)
	assert.Empty(t, report.Issues)
	assert.Equal(t, testStart, report.LastActivity)

	an, err := env.mgr.GetSessionAnalytics(testSessID)
	require.NoError(t, err)
	assert.Equal(t, testStart, an.LastHealthCheck)
}

func TestCheckSessionHealth_Expired(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	seedStoredSession(t, env, testSessID, testStart.Add(-time.Minute))

	_, err := env.mgr.InitializeSession(ctx, testSessID, RecoveryOptions{})
	require.NoError(t, err)

	report := env.mgr.CheckSessionHealth(ctx, testSessID)
	assert.False(t, report.Healthy)
	assert.False(t, report.ContextValid)
	assert.Contains(t, report.Issues, "Session has expired")
}

func TestCheckSessionHealth_TokenNearExpiry(t *testing.T) {
	env := newTestEnv(t, Config{RefreshThreshold: 15 * time.Minute})
	ctx := context.Background()

	uc := newTestUser()
	uc.TokenExpiry = testStart.Add(10 * time.Minute)
	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: testSessID, Context: uc})
	require.NoError(t, err)

	report := env.mgr.CheckSessionHealth(ctx, testSessID)
	assert.False(t, report.Healthy)
	assert.True(t, report.ContextValid)
	assert.False(t, report.TokenValid)
	assert.Contains(t, report.Recommendations, "Refresh the authentication token")
}

func TestCheckSessionHealth_AnonymousTokenAlwaysValid(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: testSessID, Timeout: time.Minute})
	require.NoError(t, err)

	report := env.mgr.CheckSessionHealth(ctx, testSessID)
	assert.True(t, report.TokenValid)
	assert.True(t, report.Healthy)
}

func TestCheckSessionHealth_StaleIsAdvisory(t *testing.T) {
	env := newTestEnv(t, Config{StaleActivity: time.Hour})
	ctx := context.Background()
	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: testSessID})
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)
	report := env.mgr.CheckSessionHealth(ctx, testSessID)
	assert.True(t, report.Healthy)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "No activity for 2h0m0s")
}

func TestCheckSessionHealth_Corrupted(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: testSessID})
	require.NoError(t, err)
	require.NoError(t, env.mem.MarkContextCorrupted(ctx, testSessID))

	report := env.mgr.CheckSessionHealth(ctx, testSessID)
	assert.False(t, report.Healthy)
	assert.True(t, report.Corrupted)
	assert.True(t, report.ContextValid)
	assert.Contains(t, report.Issues, "Context state is corrupted")
}

func TestCheckSessionHealth_NeverFails(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	report := env.mgr.CheckSessionHealth(ctx, "missing")
	assert.False(t, report.Healthy)
	assert.Equal(t, []string{"Health check failed"}, report.Issues)

	_, err := env.mgr.CreateSession(ctx, CreateOptions{SessionID: testSessID})
	require.NoError(t, err)
	env.store.getState = func() error { return errInject }

	report = env.mgr.CheckSessionHealth(ctx, testSessID)
	assert.Equal(t, testSessID, report.SessionID)
	assert.False(t, report.Healthy)
	assert.Equal(t, []string{"Health check failed"}, report.Issues)
}

// seedStoredSession writes a session straight to the store, bypassing the
// manager.
func seedStoredSession(t *testing.T, env *testEnv, id string, expiry time.Time) {
	t.Helper()
	ctx := context.Background()
	uc := contextstore.NewAnonymousContext(id, testStart, expiry, contextstore.AnonymousPermissions())
	require.NoError(t, env.mem.StoreUserContext(ctx, uc))
	require.NoError(t, env.mem.StoreAnalysisSession(ctx, &contextstore.AnalysisSession{
		SessionID:    id,
		UserID:       uc.UserID,
		StartTime:    testStart,
		ContextState: map[string]any{},
		DomainAccess: []contextstore.Domain{},
		Status:       contextstore.SessionActive,
	}))
}
