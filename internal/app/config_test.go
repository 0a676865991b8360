package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join("testdata")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, 42, cfg.Server.RateLimit.MaxRequests)
	require.Equal(t, 30*time.Second, cfg.Server.RateLimit.Window)

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.True(t, cfg.Database.Postgres.Enabled)
	require.Equal(t, "db.example.com", cfg.Database.Postgres.Host)

	require.True(t, cfg.Cache.Redis.Enabled)
	require.Equal(t, "redis.example.com:6380", cfg.Cache.Redis.Address)
	require.Equal(t, 2, cfg.Cache.Redis.DB)
	require.Equal(t, 3*time.Second, cfg.Cache.Redis.Timeout)

	require.Equal(t, 6, cfg.Collab.DefaultCapacity)
	require.Equal(t, 45*time.Second, cfg.Collab.HeartbeatWindow)
	require.Equal(t, 25, cfg.Collab.SnapshotOperations)
	require.Equal(t, "@every 30s", cfg.Collab.PresenceSweepEvery)

	require.Equal(t, "viewer", cfg.Auth.DefaultLevel)
	require.Len(t, cfg.Auth.StaticUsers, 1)
	require.Equal(t, "user-1", cfg.Auth.StaticUsers[0].UserID)
	require.Equal(t, "admin", cfg.Auth.StaticUsers[0].Level)

	require.False(t, cfg.Monitoring.Prometheus.Enabled)
	require.True(t, cfg.Monitoring.Health.Enabled)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 10, cfg.Collab.DefaultCapacity)
	require.Equal(t, 90*time.Second, cfg.Collab.HeartbeatWindow)
	require.Equal(t, "/metrics", cfg.Monitoring.Prometheus.Endpoint)
	require.False(t, cfg.Cache.Redis.Enabled)
}
