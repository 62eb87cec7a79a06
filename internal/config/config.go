package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Snapshot store backends
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	ServerHost string
	ServerPort string

	// Snapshot persistence
	StoreDriver string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	SQLitePath  string

	// Relay
	RelaySendBuffer  int
	RelayIdleTimeout time.Duration
	BackboneEnabled  bool
	MDNSEnabled      bool

	// Snapshot save worker pool
	SnapshotWorkers     int
	SnapshotQueueSize   int
	SnapshotSaveRetries int

	// Observability
	TracingEnabled bool
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerHost: getEnv("SERVER_HOST", "localhost"),
		ServerPort: getEnv("SERVER_PORT", "8080"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StoreSQLite)),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  getEnv("DB_PASSWORD", "postgres"),
		DBName:      getEnv("DB_NAME", "sketchroom"),
		DBSSLMode:   getEnv("DB_SSLMODE", "disable"),
		SQLitePath:  getEnv("SQLITE_PATH", "sketchroom.db"),

		RelaySendBuffer:  getEnvInt("RELAY_SEND_BUFFER", 256),
		RelayIdleTimeout: getEnvDuration("RELAY_IDLE_TIMEOUT", 5*time.Minute),
		BackboneEnabled:  getEnvBool("BACKBONE_ENABLED", false),
		MDNSEnabled:      getEnvBool("MDNS_ENABLED", false),

		SnapshotWorkers:     getEnvInt("SNAPSHOT_WORKERS", 2),
		SnapshotQueueSize:   getEnvInt("SNAPSHOT_QUEUE_SIZE", 64),
		SnapshotSaveRetries: getEnvInt("SNAPSHOT_SAVE_RETRIES", 3),

		TracingEnabled: getEnvBool("TRACING_ENABLED", true),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the relay cannot run with
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres, StoreSQLite:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StorePostgres, StoreSQLite, c.StoreDriver)
	}
	if c.BackboneEnabled && c.StoreDriver != StorePostgres {
		return fmt.Errorf("BACKBONE_ENABLED requires STORE_DRIVER=%s", StorePostgres)
	}
	if c.RelaySendBuffer <= 0 {
		return fmt.Errorf("RELAY_SEND_BUFFER must be positive")
	}
	if c.SnapshotWorkers <= 0 || c.SnapshotQueueSize <= 0 {
		return fmt.Errorf("SNAPSHOT_WORKERS and SNAPSHOT_QUEUE_SIZE must be positive")
	}
	if c.SnapshotSaveRetries < 0 {
		return fmt.Errorf("SNAPSHOT_SAVE_RETRIES must not be negative")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// Addr is the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
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
