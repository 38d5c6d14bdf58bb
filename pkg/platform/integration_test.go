//go:build integration

package platform_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/txn2/bi-session-platform/pkg/audit"
	"github.com/txn2/bi-session-platform/pkg/contextstore"
	"github.com/txn2/bi-session-platform/pkg/platform"
	"github.com/txn2/bi-session-platform/pkg/session"
)

// TestPlatform_PostgresEndToEnd runs a session lifecycle against a real
// PostgreSQL database with the postgres context store and audit backend.
func TestPlatform_PostgresEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	defer func() { _ = pgContainer.Terminate(ctx) }()

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	cfg, err := platform.ParseConfig([]byte(`
store:
  backend: postgres
  max_query_history: 3
audit:
  enabled: true
  backend: postgres
  retention_days: 30
database:
  dsn: ` + dsn + `
`))
	require.NoError(t, err)

	p, err := platform.New(platform.WithConfig(cfg))
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	require.NoError(t, p.Start(ctx))
	assert.Nil(t, p.Health().Check(ctx))

	mgr := p.Manager()
	res, err := mgr.CreateSession(ctx, session.CreateOptions{InitialState: map[string]any{"view": "revenue"}})
	require.NoError(t, err)
	id := res.Session.SessionID

	_, err = mgr.AddQueryToSession(ctx, id, "revenue by region", "chart", &contextstore.QueryMetadata{
		Domains: []contextstore.Domain{contextstore.DomainOperational},
	})
	require.NoError(t, err)

	stored, err := p.Store().GetAnalysisSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Len(t, stored.QueryHistory, 1)
	assert.Equal(t, []contextstore.Domain{contextstore.DomainOperational}, stored.DomainAccess)

	// History keeps insertion order and evicts the oldest rows.
	for i := range 4 {
		_, err = mgr.AddQueryToSession(ctx, id, fmt.Sprintf("q%d", i), "", nil)
		require.NoError(t, err)
	}
	stored, err = p.Store().GetAnalysisSession(ctx, id)
	require.NoError(t, err)
	got := make([]string, 0, len(stored.QueryHistory))
	for _, rec := range stored.QueryHistory {
		got = append(got, rec.Query)
	}
	assert.Equal(t, []string{"q1", "q2", "q3"}, got)

	require.NoError(t, mgr.TerminateSession(ctx, id, session.ReasonManual))
	require.NoError(t, p.Stop(ctx))

	events, err := p.AuditLogger().Query(ctx, audit.QueryFilter{SessionID: id, Limit: 10})
	require.NoError(t, err)
	types := make([]audit.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, audit.EventSessionCreated)
	assert.Contains(t, types, audit.EventSessionTerminated)
}
