package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "server_data", cfg.DataDir)
	assert.Equal(t, 24*time.Hour, cfg.HistoryRetention)
	assert.Equal(t, 10*time.Second, cfg.FlushInterval)
	assert.Equal(t, 60*time.Second, cfg.AuthTimeout)
	assert.Equal(t, int64(8<<20), cfg.MaxMessageSize)
	assert.Equal(t, int64(512<<10), cfg.ReplayFileLimit)
	assert.True(t, cfg.PermissiveBroadcast)
	assert.False(t, cfg.BotEnabled)
	assert.Equal(t, "RelayBot", cfg.BotName)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("HISTORY_RETENTION", "1h")
	t.Setenv("MAX_MESSAGE_SIZE", "1024")
	t.Setenv("PERMISSIVE_BROADCAST", "false")
	t.Setenv("BOT_ENABLED", "true")
	t.Setenv("BOT_NAME", "Beep")

	cfg := Load()

	assert.Equal(t, "9999", cfg.ServerPort)
	assert.Equal(t, time.Hour, cfg.HistoryRetention)
	assert.Equal(t, int64(1024), cfg.MaxMessageSize)
	assert.False(t, cfg.PermissiveBroadcast)
	assert.True(t, cfg.BotEnabled)
	assert.Equal(t, "Beep", cfg.BotName)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("HISTORY_RETENTION", "not-a-duration")
	t.Setenv("MAX_MESSAGE_SIZE", "not-a-number")
	t.Setenv("BOT_ENABLED", "not-a-bool")

	cfg := Load()

	assert.Equal(t, 24*time.Hour, cfg.HistoryRetention)
	assert.Equal(t, int64(8<<20), cfg.MaxMessageSize)
	assert.False(t, cfg.BotEnabled)
}
