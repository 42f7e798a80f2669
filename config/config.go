package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Storage       StorageConfig
	Webhooks      WebhookConfig
	Cleanup       CleanupConfig
	Leases        LeaseConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64
	AllowedOrigins  []string
}

// DatabaseConfig holds relational store configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	Driver           string // postgres or memory
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	AutoMigrate      bool
}

// StorageConfig holds blob store configuration
type StorageConfig struct {
	Type                string // local or s3
	LocalPath           string
	S3Endpoint          string
	S3AccessKey         string
	S3SecretKey         string
	S3Bucket            string
	S3Region            string
	S3UseSSL            bool
	S3BasePath          string
	RetryAttempts       int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	UploadConcurrency   int
	IgnorePatterns      []string // globs dropped from every pushed tree
}

// WebhookConfig holds webhook dispatcher configuration
type WebhookConfig struct {
	QueueSize       int
	WorkerQueueSize int
	EnqueueTimeout  time.Duration
	IdleTimeout     time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	RequestTimeout  time.Duration
	RateLimit       float64 // requests per second per endpoint
	RateBurst       int
}

// CleanupConfig holds the daily retention job configuration
type CleanupConfig struct {
	Enabled                   bool
	RunAt                     string // HH:MM
	Timezone                  string
	CheckInterval             time.Duration
	DefaultRetentionLimit     int
	DefaultAuditRetentionDays int
}

// LeaseConfig holds transfer lease configuration
type LeaseConfig struct {
	TTL time.Duration
}

// AuthConfig holds token and console session configuration
type AuthConfig struct {
	BootstrapAdminToken string
	SessionSecret       string
	SessionTTL          time.Duration
	TokenCacheTTL       time.Duration
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	ServiceName       string
	LogLevel          string
	LogFormat         string // json or text
	TracingEnabled    bool
	TracingExporter   string // stdout or otlp
	TracingEndpoint   string
	TracingSampleRate float64
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 5*time.Minute),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 5*time.Minute),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxUploadBytes:  int64(getEnvAsInt("SERVER_MAX_UPLOAD_BYTES", 2<<30)),
			AllowedOrigins:  getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		Database: loadDatabaseConfig(),
		Storage: StorageConfig{
			Type:                getEnv("STORAGE_TYPE", "local"),
			LocalPath:           getEnv("STORAGE_LOCAL_PATH", "./data/repos"),
			S3Endpoint:          getEnv("STORAGE_S3_ENDPOINT", ""),
			S3AccessKey:         getEnv("STORAGE_S3_ACCESS_KEY", ""),
			S3SecretKey:         getEnv("STORAGE_S3_SECRET_KEY", ""),
			S3Bucket:            getEnv("STORAGE_S3_BUCKET", "artifacts"),
			S3Region:            getEnv("STORAGE_S3_REGION", "us-east-1"),
			S3UseSSL:            getEnvAsBool("STORAGE_S3_USE_SSL", false),
			S3BasePath:          getEnv("STORAGE_BASE_PATH", ""),
			RetryAttempts:       getEnvAsInt("STORAGE_RETRY_ATTEMPTS", 3),
			RetryInitialBackoff: getEnvAsDuration("STORAGE_RETRY_INITIAL_BACKOFF", 200*time.Millisecond),
			RetryMaxBackoff:     getEnvAsDuration("STORAGE_RETRY_MAX_BACKOFF", 5*time.Second),
			UploadConcurrency:   getEnvAsInt("STORAGE_UPLOAD_CONCURRENCY", 8),
			IgnorePatterns:      getEnvAsSlice("PUSH_IGNORE_PATTERNS", nil),
		},
		Webhooks: WebhookConfig{
			QueueSize:       getEnvAsInt("WEBHOOK_QUEUE_SIZE", 1024),
			WorkerQueueSize: getEnvAsInt("WEBHOOK_WORKER_QUEUE_SIZE", 256),
			EnqueueTimeout:  getEnvAsDuration("WEBHOOK_ENQUEUE_TIMEOUT", time.Second),
			IdleTimeout:     getEnvAsDuration("WEBHOOK_WORKER_IDLE_TIMEOUT", 5*time.Minute),
			MaxAttempts:     getEnvAsInt("WEBHOOK_MAX_ATTEMPTS", 5),
			InitialBackoff:  getEnvAsDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:      getEnvAsDuration("WEBHOOK_MAX_BACKOFF", 30*time.Second),
			RequestTimeout:  getEnvAsDuration("WEBHOOK_REQUEST_TIMEOUT", 10*time.Second),
			RateLimit:       getEnvAsFloat("WEBHOOK_RATE_LIMIT", 10),
			RateBurst:       getEnvAsInt("WEBHOOK_RATE_BURST", 5),
		},
		Cleanup: CleanupConfig{
			Enabled:                   getEnvAsBool("CLEANUP_ENABLED", true),
			RunAt:                     getEnv("CLEANUP_RUN_AT", "03:00"),
			Timezone:                  getEnv("CLEANUP_TIMEZONE", "Local"),
			CheckInterval:             getEnvAsDuration("CLEANUP_CHECK_INTERVAL", time.Minute),
			DefaultRetentionLimit:     getEnvAsInt("VERSION_RETENTION_LIMIT", 10),
			DefaultAuditRetentionDays: getEnvAsInt("AUDIT_LOG_RETENTION_DAYS", 90),
		},
		Leases: LeaseConfig{
			TTL: getEnvAsDuration("LEASE_TTL", 2*time.Minute),
		},
		Auth: AuthConfig{
			BootstrapAdminToken: getEnv("BOOTSTRAP_ADMIN_TOKEN", ""),
			SessionSecret:       getEnv("SESSION_SECRET", ""),
			SessionTTL:          getEnvAsDuration("SESSION_TTL", 12*time.Hour),
			TokenCacheTTL:       getEnvAsDuration("TOKEN_CACHE_TTL", 30*time.Second),
		},
		Observability: ObservabilityConfig{
			ServiceName:       getEnv("SERVICE_NAME", "artifact-registry"),
			LogLevel:          getEnv("LOG_LEVEL", "info"),
			LogFormat:         getEnv("LOG_FORMAT", "json"),
			TracingEnabled:    getEnvAsBool("TRACING_ENABLED", false),
			TracingExporter:   getEnv("TRACING_EXPORTER", "stdout"),
			TracingEndpoint:   getEnv("TRACING_ENDPOINT", ""),
			TracingSampleRate: getEnvAsFloat("TRACING_SAMPLE_RATE", 0.1),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "":
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("memory database driver is not allowed in production")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	switch c.Storage.Type {
	case "local", "filesystem", "":
		if c.Storage.LocalPath == "" {
			return fmt.Errorf("storage local path is required")
		}
	case "s3":
		if c.Storage.S3Endpoint == "" {
			return fmt.Errorf("storage s3 endpoint is required")
		}
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("storage s3 bucket is required")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	if c.Webhooks.MaxAttempts < 1 {
		return fmt.Errorf("webhook max attempts must be at least 1")
	}

	if c.Cleanup.DefaultRetentionLimit < 1 {
		return fmt.Errorf("version retention limit must be at least 1")
	}
	if c.Cleanup.DefaultAuditRetentionDays < 1 {
		return fmt.Errorf("audit log retention days must be at least 1")
	}
	if c.Cleanup.Enabled {
		if _, _, err := c.Cleanup.Clock(); err != nil {
			return err
		}
		if _, err := c.Cleanup.Location(); err != nil {
			return err
		}
	}

	if c.IsProduction() && c.Auth.SessionSecret == "" {
		return fmt.Errorf("session secret is required in production")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Clock parses RunAt into hour and minute
func (c *CleanupConfig) Clock() (int, int, error) {
	t, err := time.Parse("15:04", c.RunAt)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid cleanup run time %q: expected HH:MM", c.RunAt)
	}
	return t.Hour(), t.Minute(), nil
}

// Location resolves the cleanup timezone
func (c *CleanupConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.Driver == "memory" {
		return "driver=memory"
	}
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		Driver:          getEnv("DATABASE_DRIVER", "postgres"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 50),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		AutoMigrate:     getEnvAsBool("DB_AUTO_MIGRATE", true),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		cfg.ConnectionString = dbURL
		return cfg
	}
	cfg.Host = getEnv("DB_HOST", "localhost")
	cfg.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.User = getEnv("DB_USER", "registry")
	cfg.Password = getEnv("DB_PASSWORD", "")
	cfg.Database = getEnv("DB_NAME", "registry")
	cfg.SSLMode = getEnv("DB_SSLMODE", "disable")
	return cfg
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice splits a comma separated value, dropping empty items
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
