// Package config reads the service settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRedisURL          = "redis://localhost:6379"
	defaultPort              = "8080"
	defaultPullSyncCron      = "*/5 * * * *"
	defaultPollInterval      = 15 * time.Second
	defaultSyncConcurrency   = 4
	defaultWebhookTimeout    = 10 * time.Second
	defaultICSFetchTimeout   = 15 * time.Second
	defaultGraphBaseURL      = "https://graph.microsoft.com/v1.0"
	defaultOutlookTenant     = "common"
	defaultChannelBindingTTL = 7 * 24 * time.Hour
)

// RuntimeConfig holds everything the server and CLI need to start.
type RuntimeConfig struct {
	RedisURL      string
	Port          string
	PublicBaseURL string

	GoogleClientID     string
	GoogleClientSecret string
	OutlookClientID    string
	OutlookSecret      string
	OutlookTenant      string
	OAuthRedirectURL   string
	GraphBaseURL       string

	PullSyncEnabled   bool
	PullSyncCron      string
	PollInterval      time.Duration
	SyncConcurrency   int
	WebhookTimeout    time.Duration
	ICSFetchTimeout   time.Duration
	ChannelBindingTTL time.Duration
	DeviceSeedFile    string
	OnlyDevices       []string
}

// RuntimeConfigFromEnv builds a RuntimeConfig using environment variables with safe defaults.
func RuntimeConfigFromEnv() RuntimeConfig {
	return RuntimeConfig{
		RedisURL:      pickEnv("REDIS_URL", defaultRedisURL),
		Port:          pickEnv("PORT", defaultPort),
		PublicBaseURL: strings.TrimRight(pickEnv("PUBLIC_BASE_URL", ""), "/"),

		GoogleClientID:     pickEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: pickEnv("GOOGLE_CLIENT_SECRET", ""),
		OutlookClientID:    pickEnv("OUTLOOK_CLIENT_ID", ""),
		OutlookSecret:      pickEnv("OUTLOOK_CLIENT_SECRET", ""),
		OutlookTenant:      pickEnv("OUTLOOK_TENANT", defaultOutlookTenant),
		OAuthRedirectURL:   pickEnv("OAUTH_REDIRECT_URL", ""),
		GraphBaseURL:       pickEnv("GRAPH_BASE_URL", defaultGraphBaseURL),

		PullSyncEnabled:   strings.ToLower(pickEnv("CALENDAR_PULL_SYNC_ENABLED", "true")) != "false",
		PullSyncCron:      pickEnv("CALENDAR_PULL_SYNC_CRON", defaultPullSyncCron),
		PollInterval:      parseDurationOrDefault(os.Getenv("SCHEDULER_POLL_INTERVAL"), defaultPollInterval),
		SyncConcurrency:   parseIntOrDefault(os.Getenv("SYNC_CONCURRENCY"), defaultSyncConcurrency),
		WebhookTimeout:    parseDurationOrDefault(os.Getenv("WEBHOOK_TIMEOUT"), defaultWebhookTimeout),
		ICSFetchTimeout:   parseDurationOrDefault(os.Getenv("ICS_FETCH_TIMEOUT"), defaultICSFetchTimeout),
		ChannelBindingTTL: parseDurationOrDefault(os.Getenv("CHANNEL_BINDING_TTL"), defaultChannelBindingTTL),
		DeviceSeedFile:    pickEnv("DEVICE_SEED_FILE", ""),
		OnlyDevices:       parseList(os.Getenv("CALENDAR_PULL_SYNC_DEVICES")),
	}
}

// Addr is the HTTP listen address.
func (c RuntimeConfig) Addr() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		if _, exists := seen[item]; exists {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func pickEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseDurationOrDefault(raw string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil && d > 0 {
		return d
	}
	return fallback
}

func parseIntOrDefault(raw string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n > 0 {
		return n
	}
	return fallback
}
