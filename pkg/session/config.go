package session

import (
	"errors"
	"time"

	"github.com/txn2/bi-session-platform/pkg/contextstore"
)

// Defaults for Config fields left at zero.
const (
	DefaultTimeout              = 8 * time.Hour
	DefaultRefreshThreshold     = 15 * time.Minute
	DefaultStaleActivity        = time.Hour
	DefaultMaxRecoveryAttempts  = 3
	DefaultMaintenanceInterval  = 5 * time.Minute
	DefaultShutdownTaskTimeout  = 5 * time.Second
	DefaultRecoveredStartOffset = time.Hour
	DefaultShutdownConcurrency  = 8
)

// Config controls session timeouts, health thresholds and recovery limits.
type Config struct {
	// DefaultTimeout is the session lifetime used for anonymous contexts and
	// for supplied contexts that carry no token expiry.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// RefreshThreshold is the remaining token lifetime below which an
	// authenticated session reports an invalid token.
	RefreshThreshold time.Duration `yaml:"refresh_threshold"`

	// StaleActivity flags sessions idle longer than this. Advisory only.
	StaleActivity time.Duration `yaml:"stale_activity"`

	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`

	// MaxQueryHistory caps the in-memory copy of each session's history.
	// It should match the store's cap.
	MaxQueryHistory int `yaml:"-"`

	// ShutdownTaskTimeout bounds each terminate issued during Shutdown.
	ShutdownTaskTimeout time.Duration `yaml:"shutdown_task_timeout"`
	ShutdownConcurrency int           `yaml:"shutdown_concurrency"`

	// RecoveredStartOffset backdates the start time of a session rebuilt
	// from a snapshot, which does not record when the session began.
	RecoveredStartOffset time.Duration `yaml:"recovered_start_offset"`

	// StartTimeFromHistory uses the earliest valid snapshot as the start
	// time of a recovered session instead of RecoveredStartOffset.
	StartTimeFromHistory bool `yaml:"start_time_from_history"`

	// AnonymousPermissions is the permission matrix granted to synthesized
	// anonymous contexts. Nil means contextstore.AnonymousPermissions.
	AnonymousPermissions *contextstore.Permissions `yaml:"anonymous_permissions"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.RefreshThreshold == 0 {
		c.RefreshThreshold = DefaultRefreshThreshold
	}
	if c.StaleActivity == 0 {
		c.StaleActivity = DefaultStaleActivity
	}
	if c.MaxRecoveryAttempts == 0 {
		c.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.MaxQueryHistory == 0 {
		c.MaxQueryHistory = contextstore.DefaultMaxQueryHistory
	}
	if c.ShutdownTaskTimeout == 0 {
		c.ShutdownTaskTimeout = DefaultShutdownTaskTimeout
	}
	if c.ShutdownConcurrency == 0 {
		c.ShutdownConcurrency = DefaultShutdownConcurrency
	}
	if c.RecoveredStartOffset == 0 {
		c.RecoveredStartOffset = DefaultRecoveredStartOffset
	}
}

// Validate rejects negative durations and limits.
func (c *Config) Validate() error {
	var errs []error
	if c.DefaultTimeout < 0 {
		errs = append(errs, errors.New("sessions.default_timeout must not be negative"))
	}
	if c.RefreshThreshold < 0 {
		errs = append(errs, errors.New("sessions.refresh_threshold must not be negative"))
	}
	if c.MaxRecoveryAttempts < 0 {
		errs = append(errs, errors.New("sessions.max_recovery_attempts must not be negative"))
	}
	if c.MaintenanceInterval < 0 {
		errs = append(errs, errors.New("sessions.maintenance_interval must not be negative"))
	}
	if c.ShutdownConcurrency < 0 {
		errs = append(errs, errors.New("sessions.shutdown_concurrency must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) anonymousPermissions() contextstore.Permissions {
	if c.AnonymousPermissions != nil {
		return *c.AnonymousPermissions
	}
	return contextstore.AnonymousPermissions()
}
