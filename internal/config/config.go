// Package config provides configuration loading and validation for the
// schema sync service. The loaded Config is the raw-options input of the
// incremental AppContext rebuild in internal/appctx.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Known API surfaces that can be enabled.
const (
	APIGraphQL  = "graphql"
	APIMetadata = "metadata"
	APIPgDump   = "pgdump"
	APIConfig   = "config"
)

// Option defines the interface for configuration loader options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Address is the listen address for the health/metrics HTTP surface
	Address string `yaml:"address,omitempty"`

	Database *DatabaseConfig `yaml:"database"`
	Sync     SyncConfig      `yaml:"sync,omitempty"`
	Auth     AuthConfig      `yaml:"auth,omitempty"`
	Cors     CorsConfig      `yaml:"cors,omitempty"`
	Events   EventsConfig    `yaml:"events,omitempty"`

	// EnabledAPIs lists the API surfaces this replica serves
	EnabledAPIs []string `yaml:"enabledAPIs,omitempty"`

	// ExperimentalFeatures enables named experimental behaviors
	ExperimentalFeatures []string `yaml:"experimentalFeatures,omitempty"`

	// StringifyNumerics renders numeric scalars as strings in responses
	StringifyNumerics bool `yaml:"stringifyNumerics,omitempty"`

	// DevMode includes internal error details in responses
	DevMode bool `yaml:"devMode,omitempty"`

	// AdminInternalErrors includes internal error details for admin requests
	AdminInternalErrors bool `yaml:"adminInternalErrors,omitempty"`

	// EnableAllowlist restricts served operations to the stored allowlist
	EnableAllowlist bool `yaml:"enableAllowlist,omitempty"`
}

// SyncConfig defines schema sync polling settings
type SyncConfig struct {
	// Interval between metadata version polls (e.g. "1s"). Must be
	// non-negative; zero means poll back-to-back.
	Interval string `yaml:"interval,omitempty"`

	// NotificationRetention is how long change notifications are kept in the
	// store before being pruned (e.g. "24h")
	NotificationRetention string `yaml:"notificationRetention,omitempty"`
}

const (
	defaultSyncInterval          = time.Second
	defaultNotificationRetention = 24 * time.Hour
)

// PollInterval returns the parsed polling interval, defaulting to one second.
func (s *SyncConfig) PollInterval() time.Duration {
	if s.Interval == "" {
		return defaultSyncInterval
	}
	d, err := time.ParseDuration(s.Interval)
	if err != nil || d < 0 {
		return defaultSyncInterval
	}
	return d
}

// Retention returns the parsed notification retention window.
func (s *SyncConfig) Retention() time.Duration {
	if s.NotificationRetention == "" {
		return defaultNotificationRetention
	}
	d, err := time.ParseDuration(s.NotificationRetention)
	if err != nil || d <= 0 {
		return defaultNotificationRetention
	}
	return d
}

// AuthConfig defines authentication settings
type AuthConfig struct {
	// AdminSecret is the shared admin secret (prefer AdminSecretFile)
	AdminSecret string `yaml:"adminSecret,omitempty"`

	// AdminSecretFile is the path to a file containing the admin secret
	AdminSecretFile string `yaml:"adminSecretFile,omitempty"`

	// Webhook delegates authentication to an external hook
	Webhook *WebhookConfig `yaml:"webhook,omitempty"`

	// JWT lists accepted JWT issuer configurations
	JWT []JWTConfig `yaml:"jwt,omitempty"`

	// UnauthenticatedRole is the role assumed by requests with no credentials
	UnauthenticatedRole string `yaml:"unauthenticatedRole,omitempty"`
}

// GetAdminSecret returns the admin secret using the following priority:
// 1. Read from AdminSecretFile if specified
// 2. The inline AdminSecret value
//
// The secret from file will have leading/trailing whitespace trimmed.
func (a *AuthConfig) GetAdminSecret() (string, error) {
	if a.AdminSecretFile != "" {
		cleanPath := filepath.Clean(a.AdminSecretFile)
		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read admin secret from file %s: %w", a.AdminSecretFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return a.AdminSecret, nil
}

// WebhookConfig defines auth-hook settings
type WebhookConfig struct {
	// URL is the hook endpoint
	URL string `yaml:"url"`

	// Method is GET or POST; defaults to GET
	Method string `yaml:"method,omitempty"`
}

// JWTConfig defines a single accepted JWT issuer
type JWTConfig struct {
	// Algorithm is the expected signing algorithm (e.g. HS256, RS256)
	Algorithm string `yaml:"algorithm"`

	// Key is the inline verification key (shared secret or PEM)
	Key string `yaml:"key,omitempty"`

	// KeyFile is the path to a file containing the verification key
	KeyFile string `yaml:"keyFile,omitempty"`

	// Issuer restricts accepted tokens to this issuer if set
	Issuer string `yaml:"issuer,omitempty"`

	// Audience restricts accepted tokens to this audience if set
	Audience string `yaml:"audience,omitempty"`

	// ClaimsNamespace is the claim key holding engine-specific claims
	ClaimsNamespace string `yaml:"claimsNamespace,omitempty"`
}

// GetKey returns the verification key, preferring KeyFile over Key.
func (j *JWTConfig) GetKey() (string, error) {
	if j.KeyFile != "" {
		cleanPath := filepath.Clean(j.KeyFile)
		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read JWT key from file %s: %w", j.KeyFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return j.Key, nil
}

// CorsConfig defines CORS settings
type CorsConfig struct {
	// Disabled turns off CORS handling entirely
	Disabled bool `yaml:"disabled,omitempty"`

	// AllowedOrigins lists allowed origins; "*" allows any
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"`
}

// EventsConfig defines event-engine settings
type EventsConfig struct {
	// PoolSize is the number of event delivery workers
	PoolSize int `yaml:"poolSize,omitempty"`

	// FetchInterval between event fetch batches (e.g. "1s")
	FetchInterval string `yaml:"fetchInterval,omitempty"`
}

// DatabaseConfig defines metadata database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// This is the recommended approach for production deployments.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum number of open connections in the pool
	MaxConns int32 `yaml:"maxConns,omitempty"`

	// MinConns is the minimum number of idle connections kept in the pool
	MinConns int32 `yaml:"minConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g. "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from SCHEMASYNC_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		cleanPath := filepath.Clean(d.PasswordFile)
		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("SCHEMASYNC_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or SCHEMASYNC_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper
// password handling. The password is URL-escaped to handle special characters
// safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetAddress returns the listen address, defaulting to :8080.
func (c *Config) GetAddress() string {
	if c.Address == "" {
		return ":8080"
	}
	return c.Address
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateDatabase(c.Database); err != nil {
		return err
	}
	if err := validateSync(&c.Sync); err != nil {
		return err
	}
	if err := validateAuth(&c.Auth); err != nil {
		return err
	}
	if err := validateEnabledAPIs(c.EnabledAPIs); err != nil {
		return err
	}
	return validateEvents(&c.Events)
}

func validateDatabase(db *DatabaseConfig) error {
	if db == nil {
		return fmt.Errorf("database configuration is required")
	}
	if db.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if db.Port == 0 {
		return fmt.Errorf("database.port is required")
	}
	if db.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if db.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if db.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(db.ConnMaxLifetime); err != nil {
			return fmt.Errorf("database.connMaxLifetime must be a valid duration: %w", err)
		}
	}
	return nil
}

func validateSync(sync *SyncConfig) error {
	if sync.Interval != "" {
		d, err := time.ParseDuration(sync.Interval)
		if err != nil {
			return fmt.Errorf("sync.interval must be a valid duration (e.g. '1s'): %w", err)
		}
		if d < 0 {
			return fmt.Errorf("sync.interval must be non-negative")
		}
	}
	if sync.NotificationRetention != "" {
		d, err := time.ParseDuration(sync.NotificationRetention)
		if err != nil {
			return fmt.Errorf("sync.notificationRetention must be a valid duration (e.g. '24h'): %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("sync.notificationRetention must be positive")
		}
	}
	return nil
}

func validateAuth(auth *AuthConfig) error {
	if auth.Webhook != nil {
		if auth.Webhook.URL == "" {
			return fmt.Errorf("auth.webhook.url is required")
		}
		switch strings.ToUpper(auth.Webhook.Method) {
		case "", "GET", "POST":
		default:
			return fmt.Errorf("auth.webhook.method must be GET or POST, got %s", auth.Webhook.Method)
		}
	}
	for i, jwt := range auth.JWT {
		if jwt.Algorithm == "" {
			return fmt.Errorf("auth.jwt[%d]: algorithm is required", i)
		}
		if jwt.Key == "" && jwt.KeyFile == "" {
			return fmt.Errorf("auth.jwt[%d]: one of key or keyFile is required", i)
		}
		if jwt.Key != "" && jwt.KeyFile != "" {
			return fmt.Errorf("auth.jwt[%d]: only one of key or keyFile may be specified", i)
		}
	}
	return nil
}

func validateEnabledAPIs(apis []string) error {
	known := map[string]bool{
		APIGraphQL:  true,
		APIMetadata: true,
		APIPgDump:   true,
		APIConfig:   true,
	}
	seen := make(map[string]bool, len(apis))
	for i, api := range apis {
		if !known[api] {
			return fmt.Errorf("enabledAPIs[%d]: unknown API '%s'", i, api)
		}
		if seen[api] {
			return fmt.Errorf("enabledAPIs[%d]: duplicate API '%s'", i, api)
		}
		seen[api] = true
	}
	return nil
}

func validateEvents(events *EventsConfig) error {
	if events.PoolSize < 0 {
		return fmt.Errorf("events.poolSize must be non-negative")
	}
	if events.FetchInterval != "" {
		if _, err := time.ParseDuration(events.FetchInterval); err != nil {
			return fmt.Errorf("events.fetchInterval must be a valid duration (e.g. '1s'): %w", err)
		}
	}
	return nil
}
