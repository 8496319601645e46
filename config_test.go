package eventbus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxDepth, cfg.MaxDepth)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, DefaultNamespace, cfg.MetricsNamespace)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, RedisDefaultPollDuration, cfg.Redis.PollDuration)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "appbus.yaml")
	content := `
dev_log: true
log_level: debug
max_depth: 16
redis:
  enabled: true
  addr: 10.0.0.1:6380
  db: 6
  poll_duration: 5s
  handle_timeout: 1m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.DevLog)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, 16, cfg.MaxDepth)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "10.0.0.1:6380", cfg.Redis.Addr)
	assert.Equal(t, 6, cfg.Redis.DB)
	assert.Equal(t, 5*time.Second, cfg.Redis.PollDuration)
	assert.Equal(t, time.Minute, cfg.Redis.HandleTimeout)

	options := cfg.Redis.ClientOptions()
	assert.Equal(t, "10.0.0.1:6380", options.Addr)
	assert.Equal(t, 6, options.DB)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("APPBUS_MAX_DEPTH", "8")
	t.Setenv("APPBUS_REDIS_ADDR", "redis:6379")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxDepth)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxDepth, cfg.MaxDepth)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{MaxDepth: 0, LogLevel: "info"}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	cfg = Config{MaxDepth: 1, LogLevel: "loud"}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	cfg = Config{MaxDepth: 1, LogLevel: "warn", Redis: RedisConfig{Enabled: true}}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	cfg.Redis.Addr = "127.0.0.1:6379"
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Options(t *testing.T) {
	cfg := Config{MaxDepth: 2, LogLevel: "info"}
	eventBus := NewLocalEventBus(cfg.Options(zerolog.Nop(), nil)...)
	assert.Equal(t, 2, eventBus.maxDepth)
	assert.Nil(t, eventBus.metrics)
}
