package tokenrefresh

import (
	"context"
	"errors"
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
	testSessID = "sess-1"
	testTTL    = time.Hour
)

var testStart = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

// scriptedRefresher extends tokens by ttl (testTTL when zero), failing the
// first failures calls.
type scriptedRefresher struct {
	mu       sync.Mutex
	clock    clock.Clock
	ttl      time.Duration
	failures int
	calls    int
}

func (r *scriptedRefresher) Refresh(_ context.Context, _ *contextstore.UserContext) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return time.Time{}, errors.New("issuer unavailable")
	}
	if r.ttl > 0 {
		return r.clock.Now().Add(r.ttl), nil
	}
	return r.clock.Now().Add(testTTL), nil
}

type refreshCall struct {
	id     string
	expiry time.Time
}

type fixture struct {
	svc     *Service
	clock   *clock.Fake
	ref     *scriptedRefresher
	store   *contextstore.MemoryStore
	metrics *Metrics
	audit   *audit.MemoryLogger
	calls   []refreshCall
}

func newFixture(t *testing.T, failures int) *fixture {
	t.Helper()
	fake := clock.NewFake(testStart)
	f := &fixture{
		clock:   fake,
		ref:     &scriptedRefresher{clock: fake, failures: failures},
		store:   contextstore.NewMemoryStore(contextstore.MemoryConfig{Clock: fake}),
		metrics: NewMetrics(prometheus.NewRegistry()),
		audit:   audit.NewMemoryLogger(0),
	}
	f.svc = New(f.ref, f.store, Config{Threshold: 10 * time.Minute, RetryDelay: time.Minute, MaxRetries: 2},
		WithClock(fake),
		WithMetrics(f.metrics),
		WithAuditLogger(f.audit),
		WithListener(func(id string, expiry time.Time) {
			f.calls = append(f.calls, refreshCall{id: id, expiry: expiry})
		}),
	)
	return f
}

func (f *fixture) authenticated(t *testing.T, expiry time.Time) *contextstore.UserContext {
	t.Helper()
	uc := &contextstore.UserContext{
		UserID:      "user-1",
		SessionID:   testSessID,
		TokenExpiry: expiry,
		Status:      contextstore.ContextActive,
	}
	require.NoError(t, f.store.StoreUserContext(context.Background(), uc))
	return uc
}

func TestNew_Defaults(t *testing.T) {
	svc := New(&scriptedRefresher{clock: clock.Real()}, contextstore.NewMemoryStore(contextstore.MemoryConfig{}), Config{})
	assert.Equal(t, DefaultThreshold, svc.cfg.Threshold)
	assert.Equal(t, DefaultRetryDelay, svc.cfg.RetryDelay)
	assert.Equal(t, DefaultMaxRetries, svc.cfg.MaxRetries)
	assert.Equal(t, DefaultTimeout, svc.cfg.Timeout)
}

func TestScheduleRefresh_FiresBeforeExpiry(t *testing.T) {
	f := newFixture(t, 0)
	uc := f.authenticated(t, testStart.Add(30*time.Minute))

	f.svc.ScheduleRefresh(testSessID, uc)
	assert.True(t, f.svc.Scheduled(testSessID))
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.scheduled), 0)

	f.clock.Advance(19 * time.Minute)
	assert.Zero(t, f.ref.calls)

	f.clock.Advance(time.Minute)
	require.Len(t, f.calls, 1)
	want := testStart.Add(20*time.Minute + testTTL)
	assert.Equal(t, refreshCall{id: testSessID, expiry: want}, f.calls[0])

	stored, err := f.store.GetUserContext(context.Background(), testSessID)
	require.NoError(t, err)
	assert.Equal(t, want, stored.TokenExpiry)
	assert.True(t, f.svc.Scheduled(testSessID), "the next refresh is armed")
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.refreshes.WithLabelValues(outcomeSuccess)), 0)

	events, err := f.audit.Query(context.Background(), audit.QueryFilter{Type: audit.EventTokenRefreshed})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	f.clock.Advance(testTTL - 10*time.Minute)
	assert.Len(t, f.calls, 2)
}

func TestScheduleRefresh_IgnoresAnonymous(t *testing.T) {
	f := newFixture(t, 0)
	f.svc.ScheduleRefresh(testSessID, contextstore.NewAnonymousContext(testSessID, testStart, testStart.Add(time.Hour), contextstore.AnonymousPermissions()))
	f.svc.ScheduleRefresh("nil", nil)
	assert.False(t, f.svc.Scheduled(testSessID))
	assert.Zero(t, f.clock.Pending())
}

func TestScheduleRefresh_Replaces(t *testing.T) {
	f := newFixture(t, 0)
	uc := f.authenticated(t, testStart.Add(30*time.Minute))
	f.svc.ScheduleRefresh(testSessID, uc)

	uc.TokenExpiry = testStart.Add(2 * time.Hour)
	f.svc.ScheduleRefresh(testSessID, uc)
	assert.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(time.Hour)
	assert.Zero(t, f.ref.calls)
}

func TestScheduleRefresh_RetriesThenGivesUp(t *testing.T) {
	f := newFixture(t, 10)
	uc := f.authenticated(t, testStart.Add(10*time.Minute))

	f.svc.ScheduleRefresh(testSessID, uc)
	f.clock.Advance(0)
	assert.Equal(t, 1, f.ref.calls)
	assert.True(t, f.svc.Scheduled(testSessID))

	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 3, f.ref.calls)
	assert.False(t, f.svc.Scheduled(testSessID))
	assert.Empty(t, f.calls)
	assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.refreshes.WithLabelValues(outcomeRetry)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.refreshes.WithLabelValues(outcomeExhausted)), 0)
}

func TestScheduleRefresh_RecoversAfterRetry(t *testing.T) {
	f := newFixture(t, 1)
	uc := f.authenticated(t, testStart.Add(10*time.Minute))

	f.svc.ScheduleRefresh(testSessID, uc)
	f.clock.Advance(time.Minute)
	assert.Equal(t, 2, f.ref.calls)
	require.Len(t, f.calls, 1)
	assert.True(t, f.svc.Scheduled(testSessID))
}

func TestScheduleRefresh_ShortLivedTokenWaitsRetryDelay(t *testing.T) {
	f := newFixture(t, 0)
	// Refreshed tokens expire inside the 10m threshold.
	f.ref.ttl = 5 * time.Minute
	uc := f.authenticated(t, testStart.Add(30*time.Minute))

	f.svc.ScheduleRefresh(testSessID, uc)
	f.clock.Advance(20 * time.Minute)
	assert.Equal(t, 1, f.ref.calls)
	assert.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(10 * time.Minute)
	assert.Equal(t, 11, f.ref.calls, "one refresh per retry delay")
	assert.True(t, f.svc.Scheduled(testSessID))
}

func TestClearRefresh(t *testing.T) {
	f := newFixture(t, 0)
	uc := f.authenticated(t, testStart.Add(30*time.Minute))

	f.svc.ScheduleRefresh(testSessID, uc)
	f.svc.ScheduleRefresh("other", &contextstore.UserContext{UserID: "u2", SessionID: "other", TokenExpiry: testStart.Add(time.Hour)})
	f.svc.ClearRefresh(testSessID)
	f.svc.ClearRefresh("unknown")
	assert.False(t, f.svc.Scheduled(testSessID))
	assert.True(t, f.svc.Scheduled("other"))

	f.svc.ClearAllRefresh()
	assert.Zero(t, f.clock.Pending())
	assert.InDelta(t, 0, testutil.ToFloat64(f.metrics.scheduled), 0)

	f.clock.Advance(2 * time.Hour)
	assert.Zero(t, f.ref.calls)
}

func TestSetListener(t *testing.T) {
	f := newFixture(t, 0)
	var got []string
	f.svc.SetListener(func(id string, _ time.Time) { got = append(got, id) })

	uc := f.authenticated(t, testStart.Add(10*time.Minute))
	f.svc.ScheduleRefresh(testSessID, uc)
	f.clock.Advance(0)
	assert.Equal(t, []string{testSessID}, got)
	assert.Empty(t, f.calls)
}
