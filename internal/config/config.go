package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Backends selectable through DATA_BACKEND.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

var validBackends = []string{BackendMemory, BackendSQLite, BackendPostgres}

type Config struct {
	// HTTP Server
	Port      string
	JWTSecret string

	// Storage
	DataBackend  string
	SQLiteDBPath string
	PostgresDSN  string

	// AMQP
	AMQPURL        string
	AMQPExchange   string
	AMQPRoutingKey string

	// Redis, used for the billing tick lock
	RedisURL string

	// Billing
	BillingSchedule    string
	BillingTimezone    string
	BillingRunOnStart  bool
	BillingInProcess   bool
	BillingLockTTL     time.Duration
	BillingItemTimeout time.Duration

	// Ledger engine
	ConflictRetries int

	// Logging
	LogLevel  string
	LogFormat string

	// Category cache
	CategoryCacheSize int
	CategoryCacheTTL  time.Duration
}

func Load() *Config {
	cfg := &Config{
		Port:      getEnv("PORT", "8081"),
		JWTSecret: getEnv("JWT_SECRET", ""),

		DataBackend:  getEnv("DATA_BACKEND", BackendSQLite),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/saldo.db"),
		PostgresDSN:  getEnv("POSTGRES_DSN", ""),

		AMQPURL:        getEnv("AMQP_URL", ""),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", "saldo"),
		AMQPRoutingKey: getEnv("AMQP_ROUTING_KEY", "ledger"),

		RedisURL: getEnv("REDIS_URL", ""),

		BillingSchedule:    getEnv("BILLING_SCHEDULE", "5 0 * * *"),
		BillingTimezone:    getEnv("BILLING_TIMEZONE", "UTC"),
		BillingRunOnStart:  getEnvBool("BILLING_RUN_ON_START", true),
		BillingInProcess:   getEnvBool("BILLING_IN_PROCESS", false),
		BillingLockTTL:     getEnvDuration("BILLING_LOCK_TTL", 10*time.Minute),
		BillingItemTimeout: getEnvDuration("BILLING_ITEM_TIMEOUT", 30*time.Second),

		ConflictRetries: getEnvInt("CONFLICT_RETRIES", 1),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		CategoryCacheSize: getEnvInt("CATEGORY_CACHE_SIZE", 1000),
		CategoryCacheTTL:  getEnvDuration("CATEGORY_CACHE_TTL", 5*time.Minute),
	}

	return cfg
}

// Location returns the time zone that decides which calendar day a billing
// tick runs for.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.BillingTimezone)
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Validate data backend
	if !slices.Contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	switch c.DataBackend {
	case BackendSQLite:
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			// Check if directory exists or can be created
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			errors = append(errors, "POSTGRES_DSN is required when using postgres backend")
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPRoutingKey == "" {
			errors = append(errors, "AMQP routing key cannot be empty when AMQP URL is provided")
		}
	}

	// Validate Redis URL if provided
	if c.RedisURL != "" {
		if parsedURL, err := url.Parse(c.RedisURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid Redis URL '%s': %v", c.RedisURL, err))
		} else if parsedURL.Scheme != "redis" && parsedURL.Scheme != "rediss" {
			errors = append(errors, fmt.Sprintf("invalid Redis URL scheme '%s': must be 'redis' or 'rediss'", parsedURL.Scheme))
		}
	}

	// Validate billing configuration
	if _, err := cron.ParseStandard(c.BillingSchedule); err != nil {
		errors = append(errors, fmt.Sprintf("invalid billing schedule '%s': %v", c.BillingSchedule, err))
	}
	if _, err := c.Location(); err != nil {
		errors = append(errors, fmt.Sprintf("invalid billing timezone '%s': %v", c.BillingTimezone, err))
	}
	if c.BillingLockTTL < time.Second {
		errors = append(errors, fmt.Sprintf("invalid billing lock TTL %v: must be at least 1 second", c.BillingLockTTL))
	}
	if c.BillingItemTimeout < 0 {
		errors = append(errors, fmt.Sprintf("invalid billing item timeout %v: must not be negative", c.BillingItemTimeout))
	}

	if c.ConflictRetries < 0 || c.ConflictRetries > 10 {
		errors = append(errors, fmt.Sprintf("invalid conflict retries %d: must be between 0 and 10", c.ConflictRetries))
	}

	if !slices.Contains([]string{"text", "json"}, strings.ToLower(c.LogFormat)) {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be text or json", c.LogFormat))
	}

	if c.CategoryCacheSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid category cache size %d: must be at least 1", c.CategoryCacheSize))
	}
	if c.CategoryCacheTTL < time.Second {
		errors = append(errors, fmt.Sprintf("invalid category cache TTL %v: must be at least 1 second", c.CategoryCacheTTL))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// ValidateServer adds the checks only the API process needs.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("configuration validation failed:\n- JWT_SECRET must be at least 32 characters")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
