package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("VIDEO_POINTS_COST", "")
	t.Setenv("JOB_STATUS_RETENTION_MINUTES", "")
	t.Setenv("RATE_LIMIT_IDLE_MINUTES", "")

	cfg := Load()
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, int64(10), cfg.Points.VideoCost)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.JobStatus.Retention)
	assert.Equal(t, 30*time.Minute, cfg.RateLimit.Idle)
	assert.False(t, cfg.Rabbit.Enabled)
}

func TestLoadMySQLDefaultPort(t *testing.T) {
	t.Setenv("DB_DRIVER", "MySQL")
	t.Setenv("DB_PORT", "")

	cfg := Load()
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 3306, cfg.Database.Port)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VIDEO_POINTS_COST", "25")
	t.Setenv("DISPATCH_TIMEOUT_SECONDS", "5")
	t.Setenv("JOB_STATUS_RETENTION_MINUTES", "0")
	t.Setenv("RELAY_ENABLED", "true")
	t.Setenv("PUBLIC_BASE_URL", "https://points.example.com/")
	t.Setenv("STREAM_BUFFER", "100000")

	cfg := Load()
	assert.Equal(t, int64(25), cfg.Points.VideoCost)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.Timeout)
	assert.Zero(t, cfg.JobStatus.Retention)
	assert.True(t, cfg.Rabbit.Enabled)
	assert.Equal(t, "https://points.example.com", cfg.HTTP.PublicBaseURL)
	assert.Equal(t, 1024, cfg.Stream.Buffer)
}

func TestIntFromEnvFallsBackOnGarbage(t *testing.T) {
	t.Setenv("SOME_INT", "twelve")
	assert.Equal(t, 7, intFromEnv("SOME_INT", 7))
}
