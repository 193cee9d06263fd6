// Package config loads the stashd runtime configuration from environment
// variables. All knobs have defaults suitable for local development except
// ENCRYPTION_SECRET, which must always be provided — without it the secret
// envelope cannot derive its key and no credentials can be read.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Mode selects which halves of the process are active. An empty MODE runs
// both the HTTP surface and the queue workers in one process; split modes
// allow the API and the workers to be scaled independently while sharing
// the same database and broker.
type Mode string

const (
	ModeBoth       Mode = ""
	ModeAPIOnly    Mode = "api-only"
	ModeWorkerOnly Mode = "worker-only"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Mode     Mode
	HTTPAddr string
	LogLevel string

	// Database — the job store and run history live here.
	DBDriver   string // "postgres" or "sqlite"
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// Redis — the work queue broker.
	RedisHost     string
	RedisPort     int
	RedisUsername string
	RedisPassword string

	// EncryptionSecret is the KDF input for the secret envelope. Required.
	EncryptionSecret string

	// TempBackupDir is the working directory for temporary dump artifacts
	// produced by the execute-once-copy-many strategy.
	TempBackupDir string

	// BackupDir is the default local destination used when a database job
	// has no destinations configured.
	BackupDir string

	// BackupConcurrency bounds the number of simultaneously running backup
	// jobs. The system channel is always sequential and not configurable.
	BackupConcurrency int

	// HeartbeatInterval is the cadence at which running outcomes are marked
	// alive. StaleRunThreshold must be comfortably larger than the interval
	// so that a single missed beat never triggers the reaper.
	HeartbeatInterval   time.Duration
	StaleRunThreshold   time.Duration
	MaintenanceInterval time.Duration
}

// Load reads the environment and returns the resolved configuration.
// It returns an error for values that cannot be parsed or for invalid
// mode strings; the only hard requirement is ENCRYPTION_SECRET.
func Load() (*Config, error) {
	cfg := &Config{
		Mode:     Mode(os.Getenv("MODE")),
		HTTPAddr: envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel: envOrDefault("LOG_LEVEL", "info"),

		DBDriver:   envOrDefault("DB_DRIVER", "postgres"),
		DBHost:     envOrDefault("DB_HOST", "localhost"),
		DBName:     envOrDefault("DB_NAME", "stashd"),
		DBUser:     envOrDefault("DB_USER", "stashd"),
		DBPassword: os.Getenv("DB_PASSWORD"),

		RedisHost:     envOrDefault("REDIS_HOST", "localhost"),
		RedisUsername: os.Getenv("REDIS_USERNAME"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		EncryptionSecret: os.Getenv("ENCRYPTION_SECRET"),

		TempBackupDir: envOrDefault("TEMP_BACKUP_DIR", "/tmp/stashd"),
		BackupDir:     envOrDefault("BACKUP_DIR", "./backups"),

		HeartbeatInterval:   30 * time.Second,
		StaleRunThreshold:   5 * time.Minute,
		MaintenanceInterval: 2 * time.Minute,
	}

	switch cfg.Mode {
	case ModeBoth, ModeAPIOnly, ModeWorkerOnly:
	default:
		return nil, fmt.Errorf("config: invalid MODE %q, use %q, %q or leave unset", cfg.Mode, ModeAPIOnly, ModeWorkerOnly)
	}

	var err error
	if cfg.DBPort, err = envOrDefaultInt("DB_PORT", 5432); err != nil {
		return nil, err
	}
	if cfg.RedisPort, err = envOrDefaultInt("REDIS_PORT", 6379); err != nil {
		return nil, err
	}
	if cfg.BackupConcurrency, err = envOrDefaultInt("BACKUP_CONCURRENCY", 2); err != nil {
		return nil, err
	}
	if cfg.BackupConcurrency < 1 {
		return nil, fmt.Errorf("config: BACKUP_CONCURRENCY must be at least 1, got %d", cfg.BackupConcurrency)
	}

	if cfg.EncryptionSecret == "" {
		return nil, fmt.Errorf("config: ENCRYPTION_SECRET is required")
	}

	return cfg, nil
}

// APIEnabled reports whether this process serves the HTTP surface and runs
// database migrations on startup.
func (c *Config) APIEnabled() bool {
	return c.Mode != ModeWorkerOnly
}

// WorkerEnabled reports whether this process consumes the work queue and
// owns the scheduler and maintenance loop.
func (c *Config) WorkerEnabled() bool {
	return c.Mode != ModeAPIOnly
}

// DatabaseDSN builds the driver-specific DSN. For sqlite the DB_NAME is
// interpreted as the database file path, which keeps local development and
// tests free of a postgres dependency.
func (c *Config) DatabaseDSN() string {
	if c.DBDriver == "sqlite" {
		return c.DBName
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

// RedisAddr returns the broker address in host:port form.
func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, v)
	}
	return n, nil
}
