package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Faultline server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Ingest   IngestConfig
	Notify   NotifyConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type IngestConfig struct {
	// MaxEventBytes bounds the serialized size of one event.
	MaxEventBytes int
	// MaxBatchSize bounds the number of events per batch request.
	MaxBatchSize int
	// MaxTags bounds the number of tag pairs on one event.
	MaxTags int
	// RequestsPerMinute is the per-project ingestion rate limit.
	RequestsPerMinute int
	// SymbolicationTimeout bounds symbolication per event; on expiry the
	// event is stored with unsymbolicated frames.
	SymbolicationTimeout time.Duration
	// ArtifactCacheTTL is the Redis TTL for raw artifact bytes.
	ArtifactCacheTTL time.Duration
}

type NotifyConfig struct {
	// SubscriberBuffer is the per-subscriber notification backlog before
	// drop-oldest kicks in.
	SubscriberBuffer int
	// HeartbeatInterval paces heartbeats on live streams.
	HeartbeatInterval time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("FAULTLINE_PORT", 8080),
			Env:  envString("FAULTLINE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Ingest: IngestConfig{
			MaxEventBytes:        envInt("INGEST_MAX_EVENT_BYTES", 1<<20),
			MaxBatchSize:         envInt("INGEST_MAX_BATCH_SIZE", 100),
			MaxTags:              envInt("INGEST_MAX_TAGS", 50),
			RequestsPerMinute:    envInt("INGEST_REQUESTS_PER_MINUTE", 600),
			SymbolicationTimeout: envDuration("INGEST_SYMBOLICATION_TIMEOUT", 5*time.Second),
			ArtifactCacheTTL:     envDuration("INGEST_ARTIFACT_CACHE_TTL", 15*time.Minute),
		},
		Notify: NotifyConfig{
			SubscriberBuffer:  envInt("NOTIFY_SUBSCRIBER_BUFFER", 64),
			HeartbeatInterval: envDuration("NOTIFY_HEARTBEAT_INTERVAL", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Ingest.MaxEventBytes <= 0 {
		return fmt.Errorf("INGEST_MAX_EVENT_BYTES must be positive, got %d", c.Ingest.MaxEventBytes)
	}
	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("INGEST_MAX_BATCH_SIZE must be positive, got %d", c.Ingest.MaxBatchSize)
	}
	if c.Ingest.SymbolicationTimeout <= 0 {
		return fmt.Errorf("INGEST_SYMBOLICATION_TIMEOUT must be positive, got %s", c.Ingest.SymbolicationTimeout)
	}
	if c.Notify.SubscriberBuffer <= 0 {
		return fmt.Errorf("NOTIFY_SUBSCRIBER_BUFFER must be positive, got %d", c.Notify.SubscriberBuffer)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
