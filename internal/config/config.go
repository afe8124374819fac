// Package config provides configuration management for the ranker service.
// It handles loading configuration from environment variables with sensible
// defaults and validates the configuration so the pipeline starts safely.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - BASE_CALLBACK_URL: Public base URL used to build webhook callback URLs
//   - SYNC_SCHEDULE: Cron expression for periodic full syncs (default: "0 3 * * *", empty disables)
//   - TESTING: Disables retry backoff and note jitter (default: false)
//
// Database Configuration:
//   - DATABASE_TYPE: Database type - "sqlite" or "postgres" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./ranker.db)
//   - POSTGRES_HOST: PostgreSQL host (required if using PostgreSQL)
//   - POSTGRES_PORT: PostgreSQL port (default: 5432)
//   - POSTGRES_DB: PostgreSQL database name (required if using PostgreSQL)
//   - POSTGRES_USER: PostgreSQL username (required if using PostgreSQL)
//   - POSTGRES_PASSWORD: PostgreSQL password
//   - POSTGRES_SSL_MODE: PostgreSQL SSL mode (default: disable)
//
// Cache Configuration:
//   - CACHE_BACKEND: "local" or "redis" (default: local)
//   - CACHE_TTL: Enrichment cache TTL (default: 168h, i.e. 7 days)
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Pipeline Tuning:
//   - SYNC_CHUNK_SIZE: Users per enrichment unit (default: 100)
//   - MAX_USERS_PER_SYNC: Cap on valuable users enriched per sync, 0 = unlimited
//   - RANKING_BATCH_SIZE: Domains per ranking API request (default: 5, provider limit)
//   - RANKING_WORKERS: Parallel ranking requests (default: 5)
//   - MESSAGING_WORKERS: Parallel messaging requests (default: 10)
//   - MESSAGING_PER_PAGE: Page size for user listing (default: 50)
//   - MESSAGING_BULK_SIZE: Rows per bulk attribute request (default: 50)
//   - NOTE_WAIT_RANGE: Upper bound of the random pre-note delay (default: 15s)
//   - UNIT_MAX_RETRIES: Retry budget per orchestration unit (default: 3)
//   - UNIT_RETRY_DELAY: Delay between unit retries (default: 1s)
//   - QUEUE_WORKERS: In-process task queue workers (default: 4)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the ranker service.
// Load it with Load() and check it with Validate() before use.
type Config struct {
	// Application settings
	Port            string
	LogLevel        string
	BaseCallbackURL string
	SyncSchedule    string
	Testing         bool

	// Database configuration
	DatabaseType     string
	DatabasePath     string
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Cache configuration
	CacheBackend  string
	CacheTTL      string
	RedisAddress  string
	RedisPassword string
	RedisDB       string
	RedisPoolSize string

	// Pipeline tuning
	SyncChunkSize     int
	MaxUsersPerSync   int
	RankingBatchSize  int
	RankingWorkers    int
	MessagingWorkers  int
	MessagingPerPage  int
	MessagingBulkSize int
	NoteWaitRange     string
	UnitMaxRetries    int
	UnitRetryDelay    string
	QueueWorkers      int
}

// Load creates a new Config instance with values loaded from environment
// variables. It does not validate; call Validate() on the result.
func Load() *Config {
	return &Config{
		Port:            getEnv("PORT", "8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		BaseCallbackURL: getEnv("BASE_CALLBACK_URL", ""),
		SyncSchedule:    getEnv("SYNC_SCHEDULE", "0 3 * * *"),
		Testing:         getBoolEnv("TESTING", false),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./ranker.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "ranker"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		CacheBackend:  getEnv("CACHE_BACKEND", "local"),
		CacheTTL:      getEnv("CACHE_TTL", "168h"),
		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),
		RedisPoolSize: getEnv("REDIS_POOL_SIZE", "10"),

		SyncChunkSize:     getIntEnv("SYNC_CHUNK_SIZE", 100),
		MaxUsersPerSync:   getIntEnv("MAX_USERS_PER_SYNC", 0),
		RankingBatchSize:  getIntEnv("RANKING_BATCH_SIZE", 5),
		RankingWorkers:    getIntEnv("RANKING_WORKERS", 5),
		MessagingWorkers:  getIntEnv("MESSAGING_WORKERS", 10),
		MessagingPerPage:  getIntEnv("MESSAGING_PER_PAGE", 50),
		MessagingBulkSize: getIntEnv("MESSAGING_BULK_SIZE", 50),
		NoteWaitRange:     getEnv("NOTE_WAIT_RANGE", "15s"),
		UnitMaxRetries:    getIntEnv("UNIT_MAX_RETRIES", 3),
		UnitRetryDelay:    getEnv("UNIT_RETRY_DELAY", "1s"),
		QueueWorkers:      getIntEnv("QUEUE_WORKERS", 4),
	}
}

// getEnv retrieves an environment variable value or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getBoolEnv retrieves a boolean environment variable value or returns a default value.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getIntEnv retrieves an integer environment variable value or returns a default value.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// CacheTTLDuration returns the parsed cache TTL. Call after Validate().
func (c *Config) CacheTTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.CacheTTL)
	return d
}

// NoteWaitRangeDuration returns the parsed note jitter range, zero in testing mode.
func (c *Config) NoteWaitRangeDuration() time.Duration {
	if c.Testing {
		return 0
	}
	d, _ := time.ParseDuration(c.NoteWaitRange)
	return d
}

// UnitRetryDelayDuration returns the parsed per-unit retry delay, zero in testing mode.
func (c *Config) UnitRetryDelayDuration() time.Duration {
	if c.Testing {
		return 0
	}
	d, _ := time.ParseDuration(c.UnitRetryDelay)
	return d
}

// Validate performs validation on the configuration to ensure all required
// fields are present and all values are valid.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	switch c.DatabaseType {
	case "sqlite", "postgres", "postgresql":
		// Valid database types
	default:
		return fmt.Errorf("DATABASE_TYPE must be 'sqlite' or 'postgres'")
	}

	if c.DatabaseType == "postgres" || c.DatabaseType == "postgresql" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	}

	switch c.CacheBackend {
	case "local", "redis":
		// Valid cache backends
	default:
		return fmt.Errorf("CACHE_BACKEND must be 'local' or 'redis'")
	}

	if c.CacheBackend == "redis" {
		if c.RedisAddress == "" {
			return fmt.Errorf("REDIS_ADDRESS is required when using the redis cache backend")
		}
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if poolSize, err := strconv.Atoi(c.RedisPoolSize); err != nil || poolSize < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
		}
	}

	if d, err := time.ParseDuration(c.CacheTTL); err != nil || d <= 0 {
		return fmt.Errorf("CACHE_TTL must be a positive duration (e.g. '168h')")
	}

	if _, err := time.ParseDuration(c.NoteWaitRange); err != nil {
		return fmt.Errorf("NOTE_WAIT_RANGE must be a valid duration (e.g. '15s')")
	}

	if _, err := time.ParseDuration(c.UnitRetryDelay); err != nil {
		return fmt.Errorf("UNIT_RETRY_DELAY must be a valid duration (e.g. '1s')")
	}

	if c.SyncChunkSize < 1 {
		return fmt.Errorf("SYNC_CHUNK_SIZE must be a positive number")
	}
	if c.MaxUsersPerSync < 0 {
		return fmt.Errorf("MAX_USERS_PER_SYNC must be zero or positive")
	}
	if c.RankingBatchSize < 1 {
		return fmt.Errorf("RANKING_BATCH_SIZE must be a positive number")
	}
	if c.RankingWorkers < 1 || c.MessagingWorkers < 1 || c.QueueWorkers < 1 {
		return fmt.Errorf("worker counts must be positive numbers")
	}
	if c.UnitMaxRetries < 1 {
		return fmt.Errorf("UNIT_MAX_RETRIES must be a positive number")
	}

	return nil
}
