package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Connection.AuthTimeout)
	assert.Equal(t, 60*time.Second, cfg.Connection.HeartbeatGrace)
	assert.Equal(t, 5*time.Minute, cfg.Catalog.TTL)
	assert.Equal(t, 20, cfg.Catalog.PageSize)
	assert.Equal(t, "lobby:catalog:events", cfg.Redis.Channel)
	assert.Equal(t, []string{"catalog-updates"}, cfg.Kafka.Topics)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
connection:
  url: ws://lobby.example.com/socket
  backoffMax: 45s
catalog:
  pageSize: 50
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("LOBBYSYNC_CATALOG_TTL", "90s")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "ws://lobby.example.com/socket", cfg.Connection.URL)
	assert.Equal(t, 45*time.Second, cfg.Connection.BackoffMax)
	assert.Equal(t, 50, cfg.Catalog.PageSize)
	assert.Equal(t, 90*time.Second, cfg.Catalog.TTL)
}

func TestValidate_RejectsInconsistentTimers(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	cfg.Connection.HeartbeatGrace = cfg.Connection.HeartbeatInterval / 2
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HeartbeatGrace")
}

func TestValidate_RedisRequiresAddr(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	cfg.Redis.Enabled = true
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(&LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger(&LoggerConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}
