package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Run modes
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

type (
	APIServerConfig struct {
		Mode       string           `yaml:"mode"` // development, production
		Port       int              `yaml:"port"`
		Database   DatabaseConfig   `yaml:"database"`
		Logger     LoggerConfig     `yaml:"logger"`
		JWT        JWTConfig        `yaml:"jwt"`
		Crypto     CryptoConfig     `yaml:"crypto"`
		SuperAdmin SuperAdminConfig `yaml:"super_admin"`
		Quota      QuotaConfig      `yaml:"quota"`
		RateLimit  RateLimitConfig  `yaml:"ratelimit"`
		Metrics    MetricsConfig    `yaml:"metrics"`
		Tracing    TracingConfig    `yaml:"tracing"`
		Upstream   UpstreamConfig   `yaml:"upstream"`
	}

	DatabaseConfig struct {
		Type     string `yaml:"type"`     // mysql, postgres, sqlite
		Host     string `yaml:"host"`     // localhost
		Port     int    `yaml:"port"`     // 3306 (for mysql), 5432 (for postgres)
		User     string `yaml:"user"`     // root (for mysql), postgres (for postgres)
		Password string `yaml:"password"` // password
		DBName   string `yaml:"dbname"`   // database name, file path for sqlite
		SSLMode  string `yaml:"sslmode"`  // disable (for postgres)
	}

	JWTConfig struct {
		SecretKey string        `yaml:"secret_key"`
		Duration  time.Duration `yaml:"duration"`
	}

	// CryptoConfig holds the deployment secret for provider credentials.
	// An empty secret leaves credentials in plaintext.
	CryptoConfig struct {
		Secret string `yaml:"secret"`
	}

	// QuotaConfig holds the defaults applied to newly registered users
	QuotaConfig struct {
		DefaultLimitType   string  `yaml:"default_limit_type"`   // none, token, cost
		DefaultLimitPeriod string  `yaml:"default_limit_period"` // daily, weekly, monthly, quarterly, yearly
		DefaultTokenLimit  int64   `yaml:"default_token_limit"`
		DefaultCostLimit   float64 `yaml:"default_cost_limit"`
		TimeZone           string  `yaml:"time_zone"` // calendar used for period boundaries, default UTC
	}

	RateLimitConfig struct {
		RequestsPerMinute int         `yaml:"requests_per_minute"` // 0 disables
		Redis             RedisConfig `yaml:"redis"`
	}

	RedisConfig struct {
		Addr     string `yaml:"addr"` // empty means in-memory only
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	}

	MetricsConfig struct {
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}

	// TracingConfig controls OpenTelemetry export. Disabled leaves the no-op provider in place.
	TracingConfig struct {
		Enabled     bool              `yaml:"enabled"`
		ServiceName string            `yaml:"service_name"`
		Endpoint    string            `yaml:"endpoint"` // localhost:4317 for grpc, localhost:4318 for http
		Protocol    string            `yaml:"protocol"` // grpc or http
		Insecure    bool              `yaml:"insecure"`
		SamplerRate float64           `yaml:"sampler_rate"` // 0.0~1.0
		Headers     map[string]string `yaml:"headers"`
	}

	UpstreamConfig struct {
		Timeout          time.Duration `yaml:"timeout"`
		DefaultMaxTokens int64         `yaml:"default_max_tokens"`
	}
)

// IsProduction reports whether debug details must be hidden from clients
func (c *APIServerConfig) IsProduction() bool {
	return c.Mode == ModeProduction
}

func (c *APIServerConfig) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeProduction
	}
	if c.Port == 0 {
		c.Port = 5234
	}
	if c.JWT.Duration <= 0 {
		c.JWT.Duration = 24 * time.Hour
	}
	if c.Quota.DefaultLimitType == "" {
		c.Quota.DefaultLimitType = "none"
	}
	if c.Quota.DefaultLimitPeriod == "" {
		c.Quota.DefaultLimitPeriod = "monthly"
	}
	if c.Quota.TimeZone == "" {
		c.Quota.TimeZone = "UTC"
	}
	if c.RateLimit.Redis.Prefix == "" {
		c.RateLimit.Redis.Prefix = "chatgate:rl"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "chatgate"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "chatgate-apiserver"
	}
	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = 2 * time.Minute
	}
	if c.Upstream.DefaultMaxTokens <= 0 {
		c.Upstream.DefaultMaxTokens = 1024
	}
}

// Validate checks the settings that cannot be defaulted
func (c *APIServerConfig) Validate() error {
	if c.Mode != ModeDevelopment && c.Mode != ModeProduction {
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	if c.JWT.SecretKey == "" {
		return errors.New("jwt.secret_key is required")
	}
	switch c.Quota.DefaultLimitType {
	case "none", "token", "cost":
	default:
		return fmt.Errorf("invalid quota.default_limit_type %q", c.Quota.DefaultLimitType)
	}
	switch c.Quota.DefaultLimitPeriod {
	case "daily", "weekly", "monthly", "quarterly", "yearly":
	default:
		return fmt.Errorf("invalid quota.default_limit_period %q", c.Quota.DefaultLimitPeriod)
	}
	switch c.Tracing.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("invalid tracing.protocol %q", c.Tracing.Protocol)
	}
	if _, err := time.LoadLocation(c.Quota.TimeZone); err != nil {
		return fmt.Errorf("invalid quota.time_zone: %w", err)
	}
	return nil
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	switch c.Type {
	case "postgres":
		return c.getPostgresDSN()
	case "mysql":
		return c.getMySQLDSN()
	case "sqlite":
		if c.DBName != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(c.DBName), 0755); err != nil {
				panic(fmt.Errorf("failed to create directory for sqlite database: %w", err))
			}
		}
		return c.DBName // For SQLite, DBName is the file path
	default:
		return ""
	}
}

// getPostgresDSN returns PostgreSQL connection string
func (c *DatabaseConfig) getPostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// getMySQLDSN returns MySQL connection string
func (c *DatabaseConfig) getMySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}
