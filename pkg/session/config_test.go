package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/bi-session-platform/pkg/contextstore"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultTimeout, cfg.DefaultTimeout)
	assert.Equal(t, DefaultRefreshThreshold, cfg.RefreshThreshold)
	assert.Equal(t, DefaultMaxRecoveryAttempts, cfg.MaxRecoveryAttempts)
	assert.Equal(t, contextstore.DefaultMaxQueryHistory, cfg.MaxQueryHistory)
	assert.Equal(t, DefaultShutdownConcurrency, cfg.ShutdownConcurrency)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{DefaultTimeout: -time.Second, MaxRecoveryAttempts: -1}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_timeout")
	assert.Contains(t, err.Error(), "max_recovery_attempts")
}

func TestConfig_AnonymousPermissionsOverride(t *testing.T) {
	perms := contextstore.Permissions{Clinical: contextstore.DomainPermission{Read: true}}
	cfg := Config{AnonymousPermissions: &perms}
	assert.Equal(t, perms, cfg.anonymousPermissions())
	assert.Equal(t, contextstore.AnonymousPermissions(), DefaultConfig().anonymousPermissions())
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.setActive(1)
	m.sessionCreated(true)
	m.sessionTerminated(ReasonManual)
	m.recovery(outcomeFailed)
	m.queryAdded()
	m.maintenance(1)
	m.bookkeepingFailed("op")
}

func TestOperationError(t *testing.T) {
	assert.NoError(t, opError("op", "id", nil))

	err := opError("createSession", "s1", errInject)
	assert.Equal(t, "session: createSession session s1: injected failure", err.Error())
	assert.True(t, errors.Is(err, errInject))

	var nf error = &SessionNotFoundError{SessionID: "s1"}
	assert.ErrorIs(t, nf, ErrSessionNotFound)
	assert.Equal(t, "session s1 not found", nf.Error())
}
