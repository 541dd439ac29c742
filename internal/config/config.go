package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Points    PointsConfig
	Dispatch  DispatchConfig
	JobStatus JobStatusConfig
	Stream    StreamConfig
	Reconcile ReconcileConfig
	RateLimit RateLimitConfig
	Rabbit    RabbitConfig
	LogLevel  string
}

type HTTPConfig struct {
	Addr            string
	PublicBaseURL   string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type AuthConfig struct {
	JWTSecret string
	Disabled  bool
}

type PointsConfig struct {
	VideoCost     int64
	ResultBaseURL string
}

type DispatchConfig struct {
	Timeout time.Duration
}

type JobStatusConfig struct {
	// Retention of terminal records; zero keeps them for the process lifetime.
	Retention time.Duration
	SweepSpec string
}

type StreamConfig struct {
	Buffer    int
	KeepAlive time.Duration
}

type ReconcileConfig struct {
	Interval  time.Duration
	BatchSize int
}

type RateLimitConfig struct {
	RPS       int
	Burst     int
	Idle      time.Duration
	SweepSpec string
}

type RabbitConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
	Exchange string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present; real environment
// variables take precedence over it.
func Load() *Config {
	_ = godotenv.Load()

	driver := strings.ToLower(getenv("DB_DRIVER", "postgres"))
	defaultPort := 5432
	if driver == "mysql" {
		defaultPort = 3306
	}

	return &Config{
		HTTP: HTTPConfig{
			Addr:            getenv("HTTP_ADDR", ":8080"),
			PublicBaseURL:   strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
			ShutdownTimeout: time.Duration(intFromEnv("HTTP_SHUTDOWN_SECONDS", 30)) * time.Second,
		},
		Database: DatabaseConfig{
			Driver:   driver,
			Host:     getenv("DB_HOST", "localhost"),
			Port:     intFromEnv("DB_PORT", defaultPort),
			User:     getenv("DB_USER", getenv("DB_USERNAME", "postgres")),
			Password: getenv("DB_PASSWORD", "postgres"),
			DBName:   getenv("DB_NAME", getenv("DB_DATABASE", "points_db")),
			SSLMode:  getenv("DB_SSLMODE", "disable"),
		},
		Auth: AuthConfig{
			JWTSecret: getenv("JWT_SECRET", ""),
			Disabled:  boolFromEnv("AUTH_DISABLED", false),
		},
		Points: PointsConfig{
			VideoCost:     int64(clamp(intFromEnv("VIDEO_POINTS_COST", 10), 1, 1_000_000)),
			ResultBaseURL: strings.TrimRight(getenv("RESULT_BASE_URL", ""), "/"),
		},
		Dispatch: DispatchConfig{
			Timeout: time.Duration(clamp(intFromEnv("DISPATCH_TIMEOUT_SECONDS", 30), 1, 300)) * time.Second,
		},
		JobStatus: JobStatusConfig{
			Retention: time.Duration(intFromEnv("JOB_STATUS_RETENTION_MINUTES", 1440)) * time.Minute,
			SweepSpec: getenv("JOB_STATUS_SWEEP_SPEC", "@every 10m"),
		},
		Stream: StreamConfig{
			Buffer:    clamp(intFromEnv("STREAM_BUFFER", 16), 1, 1024),
			KeepAlive: time.Duration(clamp(intFromEnv("STREAM_KEEPALIVE_SECONDS", 25), 1, 300)) * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:  time.Duration(intFromEnv("RECONCILE_INTERVAL_SECONDS", 300)) * time.Second,
			BatchSize: clamp(intFromEnv("RECONCILE_BATCH_SIZE", 500), 10, 10_000),
		},
		RateLimit: RateLimitConfig{
			RPS:       clamp(intFromEnv("RATE_LIMIT_RPS", 10), 1, 10_000),
			Burst:     clamp(intFromEnv("RATE_LIMIT_BURST", 20), 1, 10_000),
			Idle:      time.Duration(intFromEnv("RATE_LIMIT_IDLE_MINUTES", 30)) * time.Minute,
			SweepSpec: getenv("RATE_LIMIT_SWEEP_SPEC", "@every 5m"),
		},
		Rabbit: RabbitConfig{
			Enabled:  boolFromEnv("RELAY_ENABLED", false),
			Host:     getenv("RABBITMQ_HOST", "localhost"),
			Port:     intFromEnv("RABBITMQ_PORT", 5672),
			User:     getenv("RABBITMQ_USER", "guest"),
			Password: getenv("RABBITMQ_PASSWORD", "guest"),
			VHost:    getenv("RABBITMQ_VHOST", "/"),
			Exchange: getenv("RABBITMQ_EXCHANGE", "points.events"),
		},
		LogLevel: getenv("LOG_LEVEL", "info"),
	}
}

func getenv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return def
}

func intFromEnv(key string, def int) int {
	val := getenv(key, "")
	if val == "" {
		return def
	}

	if parsed, err := strconv.Atoi(val); err == nil {
		return parsed
	}

	return def
}

func boolFromEnv(key string, def bool) bool {
	val := getenv(key, "")
	if val == "" {
		return def
	}

	if parsed, err := strconv.ParseBool(val); err == nil {
		return parsed
	}

	return def
}

func clamp(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
