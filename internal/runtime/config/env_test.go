package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvTransport, "postgres")
	t.Setenv(EnvPostgresURL, "postgres://env/q")
	t.Setenv(EnvAWSRegion, "eu-west-1")
	t.Setenv(EnvReceiveTimeout, "750ms")
	t.Setenv(EnvInteractive, "never")
	t.Setenv(EnvMetricsEnabled, "true")
	t.Setenv(EnvMetricsPort, "9100")
	t.Setenv(EnvStatusAPIEnabled, "1")
	t.Setenv(EnvStatusAPIPort, "8082")

	cfg := Config{Transport: "channel", SQLiteFile: "kept.db"}
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "postgres", cfg.Transport)
	assert.Equal(t, "postgres://env/q", cfg.PostgresURL)
	assert.Equal(t, "kept.db", cfg.SQLiteFile)
	assert.Equal(t, "eu-west-1", cfg.AWSRegion)
	assert.Equal(t, 750*time.Millisecond, cfg.ReceiveTimeout)
	assert.Equal(t, InteractiveNever, cfg.InteractiveMode)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, 9100, cfg.MetricsPort)
	assert.True(t, cfg.StatusAPIEnabled)
	assert.Equal(t, 8082, cfg.StatusAPIPort)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	t.Setenv(EnvReceiveTimeout, "soon")
	t.Setenv(EnvMetricsPort, "ninety")
	t.Setenv(EnvStatusAPIEnabled, "maybe")

	cfg := Config{ReceiveTimeout: time.Second, MetricsPort: 9090}
	err := cfg.ApplyEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvReceiveTimeout)
	assert.Contains(t, err.Error(), EnvMetricsPort)
	assert.Contains(t, err.Error(), EnvStatusAPIEnabled)

	assert.Equal(t, time.Second, cfg.ReceiveTimeout)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.False(t, cfg.StatusAPIEnabled)
}

func TestApplyEnv_Unset(t *testing.T) {
	cfg := Config{Transport: "sqlite", SQLiteFile: "q.db"}
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, Config{Transport: "sqlite", SQLiteFile: "q.db"}, cfg)
}
