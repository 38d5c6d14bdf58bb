// Package platform loads configuration and wires the session manager to its
// store, audit log, metrics, authentication and token refresh service.
package platform

import (
	"cmp"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/bi-session-platform/pkg/audit"
	"github.com/txn2/bi-session-platform/pkg/auth"
	"github.com/txn2/bi-session-platform/pkg/contextstore"
	"github.com/txn2/bi-session-platform/pkg/session"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Audit backends.
const (
	AuditBackendLog      = "log"
	AuditBackendMemory   = "memory"
	AuditBackendPostgres = "postgres"
)

const (
	defaultServerName         = "bi-session-platform"
	defaultAddress            = ":8080"
	defaultReadHeaderTimeout  = 10 * time.Second
	defaultShutdownTimeout    = 30 * time.Second
	defaultMaxOpenConns       = 25
	defaultRetentionDays      = 90
	defaultMetricsPath        = "/metrics"
	defaultAuditCleanupPeriod = 24 * time.Hour
)

// Config holds the complete platform configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Sessions session.Config `yaml:"sessions"`
	Auth     AuthConfig     `yaml:"auth"`
	Audit    audit.Config   `yaml:"audit"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig configures the operational HTTP server.
type ServerConfig struct {
	Name              string        `yaml:"name"`
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the context store backend and its limits.
type StoreConfig struct {
	Backend         string `yaml:"backend"` // "memory", "postgres", "redis"
	MaxQueryHistory int    `yaml:"max_query_history"`
	MaxSnapshots    int    `yaml:"max_snapshots"`
}

// DatabaseConfig configures the database connection.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`

	// SkipMigrations leaves the schema alone on startup.
	SkipMigrations bool `yaml:"skip_migrations"`
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

// AuthConfig configures bearer token validation and token refresh.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Issuer  string `yaml:"issuer"`

	// SigningKey is the base64-encoded HMAC key.
	SigningKey string `yaml:"signing_key"`

	TokenTTL time.Duration `yaml:"token_ttl"`
	Leeway   time.Duration `yaml:"leeway"`

	RoleClaimPath        string `yaml:"role_claim_path"`
	RolePrefix           string `yaml:"role_prefix"`
	DepartmentClaimPath  string `yaml:"department_claim_path"`
	PermissionsClaimPath string `yaml:"permissions_claim_path"`

	RefreshRetryDelay time.Duration `yaml:"refresh_retry_delay"`
	MaxRefreshRetries int           `yaml:"max_refresh_retries"`
	RefreshTimeout    time.Duration `yaml:"refresh_timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, expanding ${VAR} references and
// applying defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = defaultServerName
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = defaultAddress
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	if cfg.Store.MaxQueryHistory == 0 {
		cfg.Store.MaxQueryHistory = contextstore.DefaultMaxQueryHistory
	}
	if cfg.Store.MaxSnapshots == 0 {
		cfg.Store.MaxSnapshots = contextstore.DefaultMaxSnapshots
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.Audit.Backend == "" {
		cfg.Audit.Backend = AuditBackendLog
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = defaultRetentionDays
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
	// The manager's in-memory history must not outgrow the store's.
	cfg.Sessions.MaxQueryHistory = cfg.Store.MaxQueryHistory
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres store backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis store backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q is not one of memory, postgres, redis", c.Store.Backend))
	}
	if c.Store.MaxQueryHistory < 0 || c.Store.MaxSnapshots < 0 {
		errs = append(errs, "store limits must not be negative")
	}

	if c.Audit.Enabled {
		switch c.Audit.Backend {
		case AuditBackendLog, AuditBackendMemory:
		case AuditBackendPostgres:
			if c.Database.DSN == "" {
				errs = append(errs, "database.dsn is required for the postgres audit backend")
			}
		default:
			errs = append(errs, fmt.Sprintf("audit.backend %q is not one of log, memory, postgres", c.Audit.Backend))
		}
	}

	if c.Auth.Enabled {
		if c.Auth.Issuer == "" {
			errs = append(errs, "auth.issuer is required when auth is enabled")
		}
		if c.Auth.SigningKey == "" {
			errs = append(errs, "auth.signing_key is required when auth is enabled")
		} else if _, err := c.Auth.signingKey(); err != nil {
			errs = append(errs, "auth.signing_key must be base64 encoded")
		}
		ttl := cmp.Or(c.Auth.TokenTTL, auth.DefaultTokenTTL)
		threshold := cmp.Or(c.Sessions.RefreshThreshold, session.DefaultRefreshThreshold)
		if ttl <= threshold {
			errs = append(errs, fmt.Sprintf("auth.token_ttl (%s) must be longer than sessions.refresh_threshold (%s)", ttl, threshold))
		}
	}

	if err := c.Sessions.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (a *AuthConfig) signingKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(a.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decoding signing key: %w", err)
	}
	if len(key) == 0 {
		return nil, errors.New("signing key is empty")
	}
	return key, nil
}
