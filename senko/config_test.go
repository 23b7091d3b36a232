package senko

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DefaultTestConfig returns a config suitable for tests: a throwaway
// sqlite database, a dummy token and no API listener.
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(t.TempDir(), "senko_test.sqlite3")
	cfg.Discord.Token = "test-token"
	cfg.API.Enabled = false
	return cfg
}

func TestNewSenko(t *testing.T) {
	cfg := DefaultTestConfig(t)

	bot, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, bot)
	assert.NotNil(t, bot.cache)
	assert.NotNil(t, bot.discord)
	assert.NotNil(t, bot.match)
	assert.Nil(t, bot.api)

	cfg.DatabaseType = "mysql"
	_, err = New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database type")
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultCacheCapacity, cfg.CacheCapacity)
	assert.Equal(t, DefaultEventQueueSize, cfg.EventQueueSize)
	assert.Equal(t, DefaultStartupTimeout, cfg.StartupTimeout)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)

	require.NotNil(t, cfg.LogLevel)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())

	require.NotNil(t, cfg.Discord)
	assert.Equal(t, DefaultCommandPrefix, cfg.Discord.CommandPrefix)
	assert.Equal(t, DefaultCustomStatus, cfg.Discord.CustomStatus)
	assert.Equal(t, DefaultStartupMessage, cfg.Discord.StartupMessage)
	assert.Equal(t, DefaultGatewayIntents, cfg.Discord.GatewayIntents)
	assert.Equal(t, DefaultDiscordLogLevel, cfg.Discord.LogLevel.Level())
	assert.Equal(
		t,
		DefaultDiscordgoLogLevel,
		cfg.Discord.DiscordGoLogLevel.Level(),
	)

	require.NotNil(t, cfg.Cooldown)
	assert.Equal(t, DefaultCooldownInterval, cfg.Cooldown.Interval)
	assert.Equal(t, DefaultCooldownBurst, cfg.Cooldown.Burst)
	assert.Equal(t, DefaultCooldownMaxWarnings, cfg.Cooldown.MaxWarnings)

	require.NotNil(t, cfg.API)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, defaultListenNetwork, cfg.API.ListenNetwork)
	assert.Equal(t, DefaultCORSAllowMethods, cfg.API.CORS.AllowMethods)
}

func TestConfigLogValueRedactsToken(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret"

	val := structToSlogValue(cfg.Discord)
	for _, attr := range val.Group() {
		if attr.Key == "token" {
			assert.Equal(t, "[redacted]", attr.Value.String())
			return
		}
	}
	t.Fatal("token attribute not found")
}

func TestCORSGINConfig(t *testing.T) {
	t.Parallel()

	c := DefaultCORSConfig()
	c.AllowOrigins = []string{"https://example.com"}

	ginCfg := c.GINConfig()
	assert.Equal(t, []string{"https://example.com"}, ginCfg.AllowOrigins)
	assert.Equal(t, c.AllowMethods, ginCfg.AllowMethods)
	assert.Equal(t, c.MaxAge, ginCfg.MaxAge)
}

func TestLevelVarDefaults(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.LogLevel.Set(slog.LevelDebug)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
}
