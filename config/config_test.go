package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeConfigDefaults(t *testing.T) {
	for _, key := range []string{"REDIS_URL", "PORT", "CALENDAR_PULL_SYNC_ENABLED", "CALENDAR_PULL_SYNC_CRON", "SCHEDULER_POLL_INTERVAL", "SYNC_CONCURRENCY", "OUTLOOK_TENANT"} {
		t.Setenv(key, "")
	}
	cfg := RuntimeConfigFromEnv()
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.True(t, cfg.PullSyncEnabled)
	assert.Equal(t, "*/5 * * * *", cfg.PullSyncCron)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 4, cfg.SyncConcurrency)
	assert.Equal(t, "common", cfg.OutlookTenant)
	assert.Empty(t, cfg.OnlyDevices)
}

func TestRuntimeConfigOverrides(t *testing.T) {
	t.Setenv("PORT", ":9000")
	t.Setenv("PUBLIC_BASE_URL", "https://status.example.com/")
	t.Setenv("CALENDAR_PULL_SYNC_ENABLED", "FALSE")
	t.Setenv("SCHEDULER_POLL_INTERVAL", "5s")
	t.Setenv("SYNC_CONCURRENCY", "nope")
	t.Setenv("WEBHOOK_TIMEOUT", "-1s")
	t.Setenv("CALENDAR_PULL_SYNC_DEVICES", "lobby, desk ,lobby,,")

	cfg := RuntimeConfigFromEnv()
	assert.Equal(t, ":9000", cfg.Addr())
	assert.Equal(t, "https://status.example.com", cfg.PublicBaseURL)
	assert.False(t, cfg.PullSyncEnabled)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 4, cfg.SyncConcurrency)
	assert.Equal(t, 10*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, []string{"lobby", "desk"}, cfg.OnlyDevices)
}
