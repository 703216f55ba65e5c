// Package app wires the stores, sources and reconciler into one set of
// collaborators shared by the HTTP server and the operator CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"statuslanes/calsync"
	"statuslanes/config"
	"statuslanes/providers"
	"statuslanes/scheduler"
	"statuslanes/security"
	"statuslanes/status"
	"statuslanes/store"
	"statuslanes/streams"
	"statuslanes/webhook"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	// lockMargin covers the store reads and writes around a push.
	lockMargin = 15 * time.Second
	// busyRetryDelay is how long a wake-up that found the device locked waits.
	busyRetryDelay = 5 * time.Second
)

// Options overrides collaborators, mostly for tests.
type Options struct {
	WebhookClient *http.Client
	FetchClient   *http.Client
	RetryPolicy   *webhook.RetryPolicy
	Sources       map[status.Provider]calsync.EventSource
	Now           func() time.Time
}

// App is the wired service.
type App struct {
	Redis      *redis.Client
	Config     config.RuntimeConfig
	Store      *store.RedisStore
	Locker     *store.RedisLocker
	Scheduler  *scheduler.RedisScheduler
	Feed       *streams.Feed
	Tokens     *security.TokenStore
	Reconciler *status.Reconciler
	Syncer     *calsync.Syncer
	Now        func() time.Time
}

// New wires an App on an open Redis client.
func New(client *redis.Client, cfg config.RuntimeConfig, opts Options) (*App, error) {
	if client == nil {
		return nil, errors.New("app: redis client is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	policy := webhook.DefaultRetryPolicy()
	if opts.RetryPolicy != nil {
		policy = *opts.RetryPolicy
	}

	a := &App{
		Redis:     client,
		Config:    cfg,
		Store:     store.NewRedisStore(client),
		Locker:    store.NewRedisLocker(client),
		Scheduler: scheduler.NewRedisScheduler(client),
		Feed:      streams.NewFeed(client),
		Tokens:    security.NewTokenStore(client),
		Now:       now,
	}

	a.Tokens.ConfigureGoogle(security.ClientCredentials{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.OAuthRedirectURL,
	})
	a.Tokens.ConfigureOutlook(security.ClientCredentials{
		ClientID:     cfg.OutlookClientID,
		ClientSecret: cfg.OutlookSecret,
		RedirectURL:  cfg.OAuthRedirectURL,
	}, cfg.OutlookTenant)

	webhookClient := opts.WebhookClient
	if webhookClient == nil {
		timeout := cfg.WebhookTimeout
		if timeout <= 0 {
			timeout = defaultWebhookTimeout
		}
		webhookClient = &http.Client{Timeout: timeout}
	}
	notifier := webhook.NewDeviceNotifier(webhook.NewPusher(webhookClient, policy))

	reconciler, err := status.NewReconciler(a.Store, notifier, status.ReconcilerOptions{
		Scheduler: a.Scheduler,
		Recorder:  a.Feed,
		Locker:    a.Locker,
		LockTTL:   lockTTL(webhookClient.Timeout, policy),
	})
	if err != nil {
		return nil, fmt.Errorf("app: reconciler: %w", err)
	}
	a.Reconciler = reconciler

	sources := opts.Sources
	if sources == nil {
		sources = a.defaultSources(opts.FetchClient, policy)
	}
	syncer, err := calsync.New(a.Store, a.Store, reconciler, calsync.Options{
		Sources:     sources,
		Concurrency: cfg.SyncConcurrency,
		Now:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("app: syncer: %w", err)
	}
	a.Syncer = syncer
	return a, nil
}

// lockTTL outlasts a full webhook delivery so a second reconcile cannot take
// the device lock while the first is still pushing.
func lockTTL(attemptTimeout time.Duration, policy webhook.RetryPolicy) time.Duration {
	if attemptTimeout <= 0 {
		attemptTimeout = defaultWebhookTimeout
	}
	return policy.Budget(attemptTimeout) + lockMargin
}

func (a *App) defaultSources(fetchClient *http.Client, policy webhook.RetryPolicy) map[status.Provider]calsync.EventSource {
	if fetchClient == nil {
		fetchClient = &http.Client{Timeout: a.Config.ICSFetchTimeout}
	}
	clients := security.NewCalendarClients(a.Tokens)
	sources := map[status.Provider]calsync.EventSource{
		status.ProviderICS: providers.NewICSSource(fetchClient, policy),
	}
	if a.Tokens.Configured(status.ProviderGoogle) {
		sources[status.ProviderGoogle] = providers.NewGoogleSource(clients)
	}
	if a.Tokens.Configured(status.ProviderOutlook) {
		sources[status.ProviderOutlook] = providers.NewGraphSource(clients, a.Config.GraphBaseURL, policy)
	}
	return sources
}

// Seed registers the devices in the configured seed file, if any.
func (a *App) Seed(ctx context.Context) error {
	if a.Config.DeviceSeedFile == "" {
		return nil
	}
	seed, err := store.LoadSeedFile(a.Config.DeviceSeedFile)
	if err != nil {
		return err
	}
	return seed.Apply(ctx, a.Store)
}

// Wake runs a scheduled reconcile for a device at the current time.
func (a *App) Wake(ctx context.Context, deviceID string) error {
	now := a.Now()
	_, err := a.Reconciler.Reconcile(ctx, deviceID, now)
	if errors.Is(err, status.ErrDeviceBusy) {
		// The lock holder may have read the device before a newer cache
		// landed, so the wake-up is queued again instead of dropped.
		return a.Scheduler.Schedule(ctx, deviceID, now.Add(busyRetryDelay))
	}
	return err
}
