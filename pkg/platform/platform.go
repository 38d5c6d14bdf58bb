package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/txn2/bi-session-platform/pkg/audit"
	auditpostgres "github.com/txn2/bi-session-platform/pkg/audit/postgres"
	"github.com/txn2/bi-session-platform/pkg/auth"
	"github.com/txn2/bi-session-platform/pkg/clock"
	"github.com/txn2/bi-session-platform/pkg/contextstore"
	pgstore "github.com/txn2/bi-session-platform/pkg/contextstore/postgres"
	redisstore "github.com/txn2/bi-session-platform/pkg/contextstore/redis"
	"github.com/txn2/bi-session-platform/pkg/database/migrate"
	"github.com/txn2/bi-session-platform/pkg/health"
	"github.com/txn2/bi-session-platform/pkg/session"
	"github.com/txn2/bi-session-platform/pkg/tokenrefresh"
)

// Platform is the main platform facade.
type Platform struct {
	config *Config
	logger *slog.Logger
	clock  clock.Clock

	lifecycle *Lifecycle
	health    *health.Checker
	registry  *prometheus.Registry

	// Persistence
	db      *sql.DB
	ownsDB  bool
	store   contextstore.Store
	auditor audit.Logger

	// Auth
	authenticator *auth.Authenticator
	issuer        *auth.Issuer
	refresher     *tokenrefresh.Service

	manager *session.Manager
}

// New creates a new platform instance.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}

	p := &Platform{
		config:    options.Config,
		logger:    options.Logger,
		clock:     options.Clock,
		lifecycle: NewLifecycle(),
		health:    health.NewChecker(),
		registry:  options.Registry,
		db:        options.DB,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}

	if err := p.initializeComponents(options); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("initializing components: %w", err)
	}

	return p, nil
}

// initializeComponents initializes all platform components.
func (p *Platform) initializeComponents(opts *Options) error {
	p.initMetrics()
	if err := p.initDatabase(); err != nil {
		return err
	}
	if err := p.initStore(opts); err != nil {
		return err
	}
	if err := p.initAudit(opts); err != nil {
		return err
	}
	if err := p.initAuth(opts); err != nil {
		return err
	}
	p.initSessions()
	p.finalizeSetup()
	return nil
}

// initMetrics creates the registry when none was supplied.
func (p *Platform) initMetrics() {
	if p.registry != nil {
		return
	}
	p.registry = prometheus.NewRegistry()
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// needsDatabase reports whether any configured backend uses PostgreSQL.
func (p *Platform) needsDatabase() bool {
	return p.config.Store.Backend == BackendPostgres ||
		(p.config.Audit.Enabled && p.config.Audit.Backend == AuditBackendPostgres)
}

// initDatabase opens the connection and applies migrations.
func (p *Platform) initDatabase() error {
	if !p.needsDatabase() {
		return nil
	}
	if p.db == nil {
		db, err := sql.Open("postgres", p.config.Database.DSN)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(p.config.Database.MaxOpenConns)
		p.db = db
		p.ownsDB = true
	}
	if p.config.Database.SkipMigrations {
		return nil
	}
	if err := migrate.Run(p.db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// initStore creates the context store for the configured backend.
func (p *Platform) initStore(opts *Options) error {
	if opts.Store != nil {
		p.store = opts.Store
		return nil
	}
	store, err := p.createStore()
	if err != nil {
		return fmt.Errorf("creating context store: %w", err)
	}
	p.store = store
	return nil
}

func (p *Platform) createStore() (contextstore.Store, error) {
	sc := p.config.Store
	switch sc.Backend {
	case BackendPostgres:
		return pgstore.New(p.db, pgstore.Config{
			MaxQueryHistory: sc.MaxQueryHistory,
			MaxSnapshots:    sc.MaxSnapshots,
		}), nil
	case BackendRedis:
		return redisstore.New(redisstore.Config{
			Addr:            p.config.Redis.Addr,
			Password:        p.config.Redis.Password,
			DB:              p.config.Redis.DB,
			Prefix:          p.config.Redis.Prefix,
			PoolSize:        p.config.Redis.PoolSize,
			MaxQueryHistory: sc.MaxQueryHistory,
			MaxSnapshots:    sc.MaxSnapshots,
			Clock:           p.clock,
		})
	default:
		return contextstore.NewMemoryStore(contextstore.MemoryConfig{
			MaxQueryHistory: sc.MaxQueryHistory,
			MaxSnapshots:    sc.MaxSnapshots,
			Clock:           p.clock,
		}), nil
	}
}

// initAudit creates the audit logger. Disabled auditing leaves it nil.
func (p *Platform) initAudit(opts *Options) error {
	if opts.AuditLogger != nil {
		p.auditor = opts.AuditLogger
		return nil
	}
	if !p.config.Audit.Enabled {
		return nil
	}
	switch p.config.Audit.Backend {
	case AuditBackendPostgres:
		store := auditpostgres.New(p.db, auditpostgres.Config{RetentionDays: p.config.Audit.RetentionDays})
		store.StartCleanupRoutine(defaultAuditCleanupPeriod)
		p.auditor = store
	case AuditBackendMemory:
		p.auditor = audit.NewMemoryLogger(0)
	default:
		p.auditor = audit.NewSlogLogger(p.logger)
	}
	return nil
}

// initAuth creates the token authenticator and the refresh service.
func (p *Platform) initAuth(opts *Options) error {
	refresher := opts.Refresher
	if p.config.Auth.Enabled {
		authCfg, err := p.authConfig()
		if err != nil {
			return err
		}
		if p.authenticator, err = auth.NewAuthenticator(authCfg); err != nil {
			return fmt.Errorf("creating authenticator: %w", err)
		}
		if p.issuer, err = auth.NewIssuer(authCfg); err != nil {
			return fmt.Errorf("creating token issuer: %w", err)
		}
		if refresher == nil {
			refresher = p.issuer
		}
	}
	if refresher == nil {
		return nil
	}

	ac := p.config.Auth
	p.refresher = tokenrefresh.New(refresher, p.store, tokenrefresh.Config{
		Threshold:  p.config.Sessions.RefreshThreshold,
		RetryDelay: ac.RefreshRetryDelay,
		MaxRetries: ac.MaxRefreshRetries,
		Timeout:    ac.RefreshTimeout,
	},
		tokenrefresh.WithClock(p.clock),
		tokenrefresh.WithAuditLogger(p.auditor),
		tokenrefresh.WithMetrics(tokenrefresh.NewMetrics(p.registry)),
		tokenrefresh.WithLogger(p.logger),
	)
	return nil
}

func (p *Platform) authConfig() (auth.Config, error) {
	ac := p.config.Auth
	key, err := ac.signingKey()
	if err != nil {
		return auth.Config{}, err
	}
	extractor := auth.DefaultClaimsExtractor()
	extractor.RolePrefix = ac.RolePrefix
	if ac.RoleClaimPath != "" {
		extractor.RoleClaimPath = ac.RoleClaimPath
	}
	if ac.DepartmentClaimPath != "" {
		extractor.DepartmentClaimPath = ac.DepartmentClaimPath
	}
	if ac.PermissionsClaimPath != "" {
		extractor.PermissionsClaimPath = ac.PermissionsClaimPath
	}
	return auth.Config{
		Issuer:     ac.Issuer,
		SigningKey: key,
		TokenTTL:   ac.TokenTTL,
		Leeway:     ac.Leeway,
		Extractor:  extractor,
		Clock:      p.clock,
	}, nil
}

// initSessions creates the session manager and connects the refresh
// service back to it.
func (p *Platform) initSessions() {
	opts := []session.Option{
		session.WithConfig(p.config.Sessions),
		session.WithClock(p.clock),
		session.WithMetrics(session.NewMetrics(p.registry)),
		session.WithLogger(p.logger),
	}
	if p.auditor != nil {
		opts = append(opts, session.WithAuditLogger(p.auditor))
	}
	if p.refresher != nil {
		opts = append(opts, session.WithTokenRefresher(p.refresher))
	}
	p.manager = session.New(p.store, opts...)
	if p.refresher != nil {
		p.refresher.SetListener(p.manager.HandleTokenRefreshed)
	}
}

// finalizeSetup registers health checks and lifecycle hooks.
func (p *Platform) finalizeSetup() {
	p.health.AddCheck("context_store", p.store.Ping)
	if p.db != nil {
		p.health.AddCheck("database", p.db.PingContext)
	}

	p.lifecycle.RegisterComponent(sessionComponent{p.manager})
	p.lifecycle.OnStart(func(_ context.Context) error {
		p.health.SetReady()
		return nil
	})
}

// sessionComponent adapts the manager to the lifecycle.
type sessionComponent struct {
	m *session.Manager
}

func (c sessionComponent) Start(ctx context.Context) error { return c.m.Start(ctx) }
func (c sessionComponent) Stop(ctx context.Context) error  { return c.m.Shutdown(ctx) }

// Start starts the platform.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return err
	}
	p.logger.Info("platform: started",
		"store_backend", p.config.Store.Backend,
		"auth_enabled", p.config.Auth.Enabled,
		"audit_enabled", p.auditor != nil)
	return nil
}

// Stop marks the platform as draining and shuts the session manager down.
func (p *Platform) Stop(ctx context.Context) error {
	p.health.SetDraining()
	return p.lifecycle.Stop(ctx)
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// Manager returns the session manager.
func (p *Platform) Manager() *session.Manager {
	return p.manager
}

// Store returns the context store.
func (p *Platform) Store() contextstore.Store {
	return p.store
}

// Authenticator returns the token authenticator, or nil when auth is disabled.
func (p *Platform) Authenticator() *auth.Authenticator {
	return p.authenticator
}

// Issuer returns the token issuer, or nil when auth is disabled.
func (p *Platform) Issuer() *auth.Issuer {
	return p.issuer
}

// AuditLogger returns the audit logger, or nil when auditing is disabled.
func (p *Platform) AuditLogger() audit.Logger {
	return p.auditor
}

// Health returns the readiness checker.
func (p *Platform) Health() *health.Checker {
	return p.health
}

// Registry returns the Prometheus registry.
func (p *Platform) Registry() *prometheus.Registry {
	return p.registry
}

// closeResource closes a resource and appends any error.
func closeResource(errs *[]error, closer Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		*errs = append(*errs, err)
	}
}

// Close closes all platform resources.
func (p *Platform) Close() error {
	var errs []error

	closeResource(&errs, p.store)
	closeResource(&errs, p.auditor)
	if p.ownsDB && p.db != nil {
		closeResource(&errs, p.db)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing platform: %w", errors.Join(errs...))
	}
	return nil
}

var _ session.TokenRefresher = (*tokenrefresh.Service)(nil)
