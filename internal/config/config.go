// Package config
package config

import (
	"crypto/sha256"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	CORS       CORSConfig       `yaml:"cors"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Shutdown   ShutdownConfig   `yaml:"shutdown"`
	Events     EventsConfig     `yaml:"events"`
	Queue      QueueConfig      `yaml:"queue"`
	Search     SearchConfig     `yaml:"search"`
	Blocking   BlockingConfig   `yaml:"blocking"`
	Logging    LoggingConfig    `yaml:"logging"`
	Sentry     SentryConfig     `yaml:"sentry"`
}

type ServerConfig struct {
	Host           string `yaml:"host" validate:"required"`
	Port           int    `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms" validate:"min=0"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms" validate:"min=0"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms" validate:"min=0"`
	StaticDir      string `yaml:"static_dir"`
	FrontendURL    string `yaml:"frontend_url" validate:"omitempty,url"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds" validate:"min=0"`
}

// PoolConfig defines connection pool settings
type PoolConfig struct {
	MaxConns                 int `yaml:"max_conns" validate:"min=1"`
	MinConns                 int `yaml:"min_conns" validate:"min=0"`
	MaxConnLifetimeMinutes   int `yaml:"max_conn_lifetime_minutes"`
	MaxConnIdleTimeMinutes   int `yaml:"max_conn_idle_time_minutes"`
	HealthCheckPeriodSeconds int `yaml:"health_check_period_seconds"`
}

type DatabaseConfig struct {
	Host     string     `yaml:"host" validate:"required"`
	Port     int        `yaml:"port" validate:"min=1,max=65535"`
	User     string     `yaml:"user" validate:"required"`
	Password string     `yaml:"password"`
	DBName   string     `yaml:"dbname" validate:"required"`
	SSLMode  string     `yaml:"ssl_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	Pool     PoolConfig `yaml:"pool"`
}

type RedisConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
}

type AuthConfig struct {
	AdminUsername string `yaml:"admin_username" validate:"required"`
	// AdminPasswordHash is a bcrypt hash; see `recipebox config hash-password`.
	AdminPasswordHash string `yaml:"admin_password_hash" validate:"required"`
	JWTSecret         string `yaml:"jwt_secret" validate:"required,min=32"`
	JWTExpiryHours    int    `yaml:"jwt_expiry_hours" validate:"min=1"`
}

type SupervisorConfig struct {
	MinBackoffMS      int     `yaml:"min_backoff_ms" validate:"min=1"`
	MaxBackoffMS      int     `yaml:"max_backoff_ms" validate:"min=1,gtefield=MinBackoffMS"`
	Multiplier        float64 `yaml:"multiplier" validate:"gte=1"`
	ResetAfterSeconds int     `yaml:"reset_after_seconds" validate:"min=1"`
}

type ShutdownConfig struct {
	GracePeriodMS int `yaml:"grace_period_ms" validate:"min=1"`
}

type EventsConfig struct {
	SubscriberCapacity int    `yaml:"subscriber_capacity" validate:"min=1"`
	KeepAliveSeconds   int    `yaml:"keep_alive_seconds" validate:"min=1"`
	LagPolicy          string `yaml:"lag_policy" validate:"oneof=close continue"`
}

type QueueConfig struct {
	Enabled                  bool    `yaml:"enabled"`
	PollIntervalMS           int     `yaml:"poll_interval_ms" validate:"min=1"`
	BatchSize                int     `yaml:"batch_size" validate:"min=1,max=1000"`
	RatePerSecond            float64 `yaml:"rate_per_second" validate:"gt=0"`
	Burst                    int     `yaml:"burst" validate:"min=1"`
	VisibilityTimeoutSeconds int     `yaml:"visibility_timeout_seconds" validate:"min=1"`
	RetryBaseMS              int     `yaml:"retry_base_ms" validate:"min=1"`
}

type SearchConfig struct {
	Enabled          bool   `yaml:"enabled"`
	URL              string `yaml:"url" validate:"omitempty,url"`
	APIKey           string `yaml:"api_key"`
	Index            string `yaml:"index" validate:"required"`
	IntervalSeconds  int    `yaml:"interval_seconds" validate:"min=1"`
	BatchSize        int    `yaml:"batch_size" validate:"min=1,max=10000"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms" validate:"min=1"`
}

type BlockingConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" validate:"min=1"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format" validate:"omitempty,oneof=json text"`
	Output   string `yaml:"output" validate:"omitempty,oneof=stdout stderr file"`
	FilePath string `yaml:"file_path" validate:"required_if=Output file"`
}

// SentryConfig enables error reporting. An empty DSN disables it.
type SentryConfig struct {
	DSN         string  `yaml:"dsn" validate:"omitempty,url"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate" validate:"min=0,max=1"`
}

// Load reads configuration from file and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a validated configuration from YAML bytes. Defaults fill
// missing values and RECIPEBOX_ environment variables win over the file.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Fingerprint returns a content hash used to detect real file changes.
func Fingerprint(data []byte) [sha256.Size]byte {
	return sha256.Sum256(data)
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = 30000
	}
	if c.Server.IdleTimeoutMS == 0 {
		c.Server.IdleTimeoutMS = 120000
	}

	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	c.Database.Pool.ApplyDefaults()

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Auth.AdminUsername == "" {
		c.Auth.AdminUsername = "admin"
	}
	if c.Auth.JWTExpiryHours == 0 {
		c.Auth.JWTExpiryHours = 24
	}

	if c.Supervisor.MinBackoffMS == 0 {
		c.Supervisor.MinBackoffMS = 500
	}
	if c.Supervisor.MaxBackoffMS == 0 {
		c.Supervisor.MaxBackoffMS = 30000
	}
	if c.Supervisor.Multiplier == 0 {
		c.Supervisor.Multiplier = 2
	}
	if c.Supervisor.ResetAfterSeconds == 0 {
		c.Supervisor.ResetAfterSeconds = 60
	}

	if c.Shutdown.GracePeriodMS == 0 {
		c.Shutdown.GracePeriodMS = 5000
	}

	if c.Events.SubscriberCapacity == 0 {
		c.Events.SubscriberCapacity = 16
	}
	if c.Events.KeepAliveSeconds == 0 {
		c.Events.KeepAliveSeconds = 15
	}
	if c.Events.LagPolicy == "" {
		c.Events.LagPolicy = "close"
	}

	if c.Queue.PollIntervalMS == 0 {
		c.Queue.PollIntervalMS = 1000
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = 10
	}
	if c.Queue.RatePerSecond == 0 {
		c.Queue.RatePerSecond = 20
	}
	if c.Queue.Burst == 0 {
		c.Queue.Burst = 5
	}
	if c.Queue.VisibilityTimeoutSeconds == 0 {
		c.Queue.VisibilityTimeoutSeconds = 300
	}
	if c.Queue.RetryBaseMS == 0 {
		c.Queue.RetryBaseMS = 1000
	}

	if c.Search.Index == "" {
		c.Search.Index = "recipes"
	}
	if c.Search.IntervalSeconds == 0 {
		c.Search.IntervalSeconds = 30
	}
	if c.Search.BatchSize == 0 {
		c.Search.BatchSize = 500
	}
	if c.Search.RequestTimeoutMS == 0 {
		c.Search.RequestTimeoutMS = 10000
	}

	if c.Blocking.MaxConcurrent == 0 {
		c.Blocking.MaxConcurrent = 4
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// applyEnvOverrides checks for environment variables with RECIPEBOX_ prefix
func applyEnvOverrides(cfg *Config) {
	// Server overrides
	if v := os.Getenv("RECIPEBOX_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("RECIPEBOX_SERVER_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Server.Port)
	}
	if v := os.Getenv("RECIPEBOX_SERVER_FRONTEND_URL"); v != "" {
		cfg.Server.FrontendURL = v
	}

	// Database overrides
	if v := os.Getenv("RECIPEBOX_DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("RECIPEBOX_DATABASE_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Database.Port)
	}
	if v := os.Getenv("RECIPEBOX_DATABASE_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("RECIPEBOX_DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("RECIPEBOX_DATABASE_DBNAME"); v != "" {
		cfg.Database.DBName = v
	}

	// Redis overrides
	if v := os.Getenv("RECIPEBOX_REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("RECIPEBOX_REDIS_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Redis.Port)
	}
	if v := os.Getenv("RECIPEBOX_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// Auth overrides
	if v := os.Getenv("RECIPEBOX_AUTH_ADMIN_PASSWORD_HASH"); v != "" {
		cfg.Auth.AdminPasswordHash = v
	}
	if v := os.Getenv("RECIPEBOX_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}

	// Search overrides
	if v := os.Getenv("RECIPEBOX_SEARCH_URL"); v != "" {
		cfg.Search.URL = v
	}
	if v := os.Getenv("RECIPEBOX_SEARCH_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}

	// Logging overrides
	if v := os.Getenv("RECIPEBOX_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Sentry overrides
	if v := os.Getenv("RECIPEBOX_SENTRY_DSN"); v != "" {
		cfg.Sentry.DSN = v
	}
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ReadTimeout returns the read timeout as a duration
func (s *ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the write timeout as a duration. Zero disables it;
// stream handlers clear it for their own connection either way.
func (s *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// IdleTimeout returns the keep-alive idle timeout as a duration
func (s *ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

// ConnString returns the PostgreSQL connection string in postgres:// URL format
func (d *DatabaseConfig) ConnString() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   d.DBName,
	}

	query := url.Values{}
	if d.SSLMode != "" {
		query.Set("sslmode", d.SSLMode)
	}
	u.RawQuery = query.Encode()

	return u.String()
}

// ApplyDefaults sets default values for pool configuration
func (p *PoolConfig) ApplyDefaults() {
	if p.MaxConns == 0 {
		p.MaxConns = 20
	}
	if p.MinConns == 0 {
		p.MinConns = 2
	}
	if p.MaxConnLifetimeMinutes == 0 {
		p.MaxConnLifetimeMinutes = 90
	}
	if p.MaxConnIdleTimeMinutes == 0 {
		p.MaxConnIdleTimeMinutes = 20
	}
	if p.HealthCheckPeriodSeconds == 0 {
		p.HealthCheckPeriodSeconds = 45
	}
}

// MaxConnLifetime returns the max connection lifetime as a duration
func (p *PoolConfig) MaxConnLifetime() time.Duration {
	return time.Duration(p.MaxConnLifetimeMinutes) * time.Minute
}

// MaxConnIdleTime returns the max connection idle time as a duration
func (p *PoolConfig) MaxConnIdleTime() time.Duration {
	return time.Duration(p.MaxConnIdleTimeMinutes) * time.Minute
}

// HealthCheckPeriod returns the health check period as a duration
func (p *PoolConfig) HealthCheckPeriod() time.Duration {
	return time.Duration(p.HealthCheckPeriodSeconds) * time.Second
}

// Addr returns the redis address.
func (r *RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// JWTExpiry returns JWT expiry as duration
func (a *AuthConfig) JWTExpiry() time.Duration {
	return time.Duration(a.JWTExpiryHours) * time.Hour
}

func (s *SupervisorConfig) MinBackoff() time.Duration {
	return time.Duration(s.MinBackoffMS) * time.Millisecond
}

func (s *SupervisorConfig) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffMS) * time.Millisecond
}

func (s *SupervisorConfig) ResetAfter() time.Duration {
	return time.Duration(s.ResetAfterSeconds) * time.Second
}

// GracePeriod returns the shutdown drain deadline as a duration
func (s *ShutdownConfig) GracePeriod() time.Duration {
	return time.Duration(s.GracePeriodMS) * time.Millisecond
}

// KeepAlive returns the stream keep-alive interval as a duration
func (e *EventsConfig) KeepAlive() time.Duration {
	return time.Duration(e.KeepAliveSeconds) * time.Second
}

// PollInterval returns the queue poll interval as a duration
func (q *QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMS) * time.Millisecond
}

// VisibilityTimeout returns how long a claimed task stays invisible
func (q *QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(q.VisibilityTimeoutSeconds) * time.Second
}

// RetryBase returns the base delay for task retries
func (q *QueueConfig) RetryBase() time.Duration {
	return time.Duration(q.RetryBaseMS) * time.Millisecond
}

// Interval returns the sync interval as a duration
func (s *SearchConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// RequestTimeout returns the backend request timeout as a duration
func (s *SearchConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutMS) * time.Millisecond
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}

// AllowedOrigins returns the CORS origins with the frontend URL appended.
func (c *Config) AllowedOrigins() []string {
	origins := slices.Clone(c.CORS.AllowedOrigins)
	if c.Server.FrontendURL != "" && !slices.Contains(origins, c.Server.FrontendURL) {
		origins = append(origins, strings.TrimSuffix(c.Server.FrontendURL, "/"))
	}
	return origins
}
