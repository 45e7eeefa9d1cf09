package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/soundledger/permgate/pkg/observability"
	"github.com/soundledger/permgate/pkg/rbac"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// RBAC cache and resolution configuration
	RBAC rbac.Config

	// Policy holds operational settings around the engine
	Policy PolicyConfig

	// Audit configuration
	Audit AuditConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// Addr returns the API listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// HealthAddr returns the health and metrics listen address
func (s ServerConfig) HealthAddr() string {
	return s.Host + ":" + s.HealthPort
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PolicyConfig holds settings for the permission service around the checker
type PolicyConfig struct {
	// IdentityHeader carries the authenticated user ID from the proxy
	IdentityHeader string

	// FlushSchedule is a cron expression for a safety flush of every cached
	// set; empty disables it
	FlushSchedule string

	// SeedFile is a YAML seed applied at startup instead of the built-in one
	SeedFile string

	// SeedOnStart runs migrations and applies the seed before serving
	SeedOnStart bool
}

// AuditConfig selects the audit sinks
type AuditConfig struct {
	// FilePath enables the NDJSON file logger when set
	FilePath     string
	FileMaxSize  int64
	FileMaxFiles int
	FileSync     bool // fsync after every record

	// DBEnabled writes records to the audit_logs table
	DBEnabled bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// OTel converts the settings to an observability.OTelConfig
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		RBAC:          loadRBACConfig(),
		Policy:        loadPolicyConfig(),
		Audit:         loadAuditConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PERMGATE_HOST", "0.0.0.0"),
		Port:            getEnv("PERMGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PERMGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PERMGATE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("PERMGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PERMGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("PERMGATE_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("PERMGATE_DATABASE_URL", ""),
		MaxOpenConns:    getEnvInt("PERMGATE_DATABASE_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("PERMGATE_DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("PERMGATE_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

func loadRBACConfig() rbac.Config {
	cfg := rbac.DefaultConfig()

	if backend := getEnv("PERMGATE_CACHE_BACKEND", ""); backend != "" {
		cfg.CacheBackend = strings.ToLower(backend)
	}
	cfg.CacheTTL = getEnvDuration("PERMGATE_CACHE_TTL", cfg.CacheTTL)
	if maxEntries := getEnvInt("PERMGATE_CACHE_MAX_ENTRIES", 0); maxEntries > 0 {
		cfg.CacheMaxEntries = maxEntries
	}
	cfg.StoreTimeout = getEnvDuration("PERMGATE_STORE_TIMEOUT", cfg.StoreTimeout)

	cfg.Redis = rbac.RedisCacheConfig{
		URL:        getEnv("PERMGATE_REDIS_URL", "redis://localhost:6379/0"),
		Password:   getEnv("PERMGATE_REDIS_PASSWORD", ""),
		DB:         getEnvInt("PERMGATE_REDIS_DB", 0),
		PoolSize:   getEnvInt("PERMGATE_REDIS_POOL_SIZE", 0),
		MaxRetries: getEnvInt("PERMGATE_REDIS_MAX_RETRIES", 0),
		KeyPrefix:  getEnv("PERMGATE_REDIS_KEY_PREFIX", ""),
	}

	return cfg
}

func loadPolicyConfig() PolicyConfig {
	return PolicyConfig{
		IdentityHeader: getEnv("PERMGATE_IDENTITY_HEADER", "X-User-ID"),
		FlushSchedule:  getEnv("PERMGATE_FLUSH_SCHEDULE", ""),
		SeedFile:       getEnv("PERMGATE_SEED_FILE", ""),
		SeedOnStart:    getEnvBool("PERMGATE_SEED_ON_START", true),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		FilePath:     getEnv("PERMGATE_AUDIT_FILE_PATH", ""),
		FileMaxSize:  getEnvInt64("PERMGATE_AUDIT_FILE_MAX_SIZE", 100*1024*1024),
		FileMaxFiles: getEnvInt("PERMGATE_AUDIT_FILE_MAX_FILES", 10),
		FileSync:     getEnvBool("PERMGATE_AUDIT_FILE_SYNC", true),
		DBEnabled:    getEnvBool("PERMGATE_AUDIT_DB_ENABLED", true),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLevel(getEnv("PERMGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("PERMGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PERMGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PERMGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PERMGATE_OTEL_SERVICE_NAME", "permgate"),
		OTelServiceVersion: getEnv("PERMGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PERMGATE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("PERMGATE_OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	switch c.RBAC.CacheBackend {
	case rbac.CacheBackendMemory:
	case rbac.CacheBackendRedis:
		if c.RBAC.Redis.URL == "" {
			return fmt.Errorf("redis URL is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be memory or redis)", c.RBAC.CacheBackend)
	}
	if c.RBAC.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.RBAC.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}

	if c.Policy.IdentityHeader == "" {
		return fmt.Errorf("identity header is required")
	}
	if c.Policy.FlushSchedule != "" {
		if _, err := cron.ParseStandard(c.Policy.FlushSchedule); err != nil {
			return fmt.Errorf("invalid flush schedule %q: %w", c.Policy.FlushSchedule, err)
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
