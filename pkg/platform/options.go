package platform

import (
	"database/sql"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/txn2/bi-session-platform/pkg/audit"
	"github.com/txn2/bi-session-platform/pkg/clock"
	"github.com/txn2/bi-session-platform/pkg/contextstore"
	"github.com/txn2/bi-session-platform/pkg/tokenrefresh"
)

// Options configures the platform.
type Options struct {
	// Config is the platform configuration.
	Config *Config

	// Database connection (optional, will be opened from config if not provided).
	DB *sql.DB

	// Store (optional, will be created from config if not provided).
	Store contextstore.Store

	// AuditLogger (optional, will be created from config if not provided).
	AuditLogger audit.Logger

	// Registry receives the Prometheus collectors (optional, a fresh
	// registry is created if not provided).
	Registry *prometheus.Registry

	// Refresher mints new tokens (optional, the JWT issuer is used when
	// auth is enabled).
	Refresher tokenrefresh.Refresher

	Clock  clock.Clock
	Logger *slog.Logger
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithStore sets the context store.
func WithStore(store contextstore.Store) Option {
	return func(o *Options) {
		o.Store = store
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(logger audit.Logger) Option {
	return func(o *Options) {
		o.AuditLogger = logger
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *Options) {
		o.Registry = reg
	}
}

// WithRefresher sets the token refresher.
func WithRefresher(r tokenrefresh.Refresher) Option {
	return func(o *Options) {
		o.Refresher = r
	}
}

// WithClock sets the clock shared by the manager, stores and refresh service.
func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}
