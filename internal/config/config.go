package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the mattehub server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Dispatch DispatchConfig
	Worker   WorkerConfig
	Tracing  TracingConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	PublicBaseURL   string
	RateLimitPerMin int
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

// DispatchConfig controls the dispatch loop and the heartbeat monitor.
type DispatchConfig struct {
	Interval         time.Duration
	BatchSize        int
	HeartbeatTimeout time.Duration
	// Lease is how long an accepted task may go without a callback before it
	// is revoked and re-queued. Zero disables revocation.
	Lease time.Duration
}

// WorkerConfig controls outbound calls to worker endpoints.
type WorkerConfig struct {
	CallTimeout time.Duration
	SegmentPath string
	// APIKey is sent as a bearer token to workers that require one.
	APIKey string
}

// TracingConfig selects the span exporter. Exporter "none" installs a no-op
// provider.
type TracingConfig struct {
	Exporter    string
	Endpoint    string
	SampleRatio float64
	ServiceName string
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("MATTEHUB_PORT", 8080),
			Env:             envString("MATTEHUB_ENV", "development"),
			PublicBaseURL:   strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
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
		Dispatch: DispatchConfig{
			Interval:         envDuration("DISPATCH_INTERVAL", 20*time.Second),
			BatchSize:        envInt("DISPATCH_BATCH_SIZE", 5),
			HeartbeatTimeout: envDuration("HEARTBEAT_TIMEOUT", 15*time.Minute),
			Lease:            envDuration("DISPATCH_LEASE", 2*time.Hour),
		},
		Worker: WorkerConfig{
			CallTimeout: envDuration("WORKER_CALL_TIMEOUT", 30*time.Second),
			SegmentPath: envString("WORKER_SEGMENT_PATH", "/api/v1/segment"),
			APIKey:      os.Getenv("WORKER_API_KEY"),
		},
		Tracing: TracingConfig{
			Exporter:    strings.ToLower(envString("OTEL_EXPORTER", "none")),
			Endpoint:    os.Getenv("OTEL_EXPORTER_ENDPOINT"),
			SampleRatio: envFloat("OTEL_SAMPLE_RATIO", 1),
			ServiceName: envString("OTEL_SERVICE_NAME", "mattehub"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// CallbackURL is the address workers post progress and completion to.
func (c *Config) CallbackURL() string {
	return c.Server.PublicBaseURL + "/api/v1/tasks/callback"
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Server.PublicBaseURL == "" {
		return fmt.Errorf("PUBLIC_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Server.PublicBaseURL, "http://") && !strings.HasPrefix(c.Server.PublicBaseURL, "https://") {
		return fmt.Errorf("PUBLIC_BASE_URL must start with http:// or https://, got %q", c.Server.PublicBaseURL)
	}

	if c.Dispatch.Interval <= 0 {
		return fmt.Errorf("DISPATCH_INTERVAL must be positive, got %s", c.Dispatch.Interval)
	}
	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("DISPATCH_BATCH_SIZE must be positive, got %d", c.Dispatch.BatchSize)
	}
	if c.Dispatch.HeartbeatTimeout <= 0 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be positive, got %s", c.Dispatch.HeartbeatTimeout)
	}
	if c.Dispatch.Lease < 0 {
		return fmt.Errorf("DISPATCH_LEASE must not be negative, got %s", c.Dispatch.Lease)
	}

	if c.Worker.CallTimeout <= 0 {
		return fmt.Errorf("WORKER_CALL_TIMEOUT must be positive, got %s", c.Worker.CallTimeout)
	}
	if !strings.HasPrefix(c.Worker.SegmentPath, "/") {
		return fmt.Errorf("WORKER_SEGMENT_PATH must start with /, got %q", c.Worker.SegmentPath)
	}

	switch c.Tracing.Exporter {
	case "none", "stdout", "otlphttp":
	default:
		return fmt.Errorf("OTEL_EXPORTER must be one of none, stdout, otlphttp, got %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be between 0 and 1, got %g", c.Tracing.SampleRatio)
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

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
