package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"statuslanes/app"
	"statuslanes/config"
	"statuslanes/streams"
)

// appOpener wires an App for one command run. The returned func releases it.
type appOpener func(ctx context.Context, cfg config.RuntimeConfig) (*app.App, func(), error)

func openRedisApp(ctx context.Context, cfg config.RuntimeConfig) (*app.App, func(), error) {
	client, err := streams.NewClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	a, err := app.New(client, cfg, app.Options{})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return a, func() { _ = client.Close() }, nil
}

type cli struct {
	open     appOpener
	redisURL string
}

func newRootCmd(open appOpener) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:   "statusctl",
		Short: "statusctl - operate calendar-driven status displays",
		Long: `statusctl syncs device calendars, re-evaluates cached events and
sets statuses by hand, using the same Redis state as the server.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.redisURL, "redis-url", "", "Redis URL (defaults to REDIS_URL)")

	root.AddCommand(
		c.syncCmd(),
		c.reconcileCmd(),
		c.showCmd(),
		c.setCmd(),
		c.seedCmd(),
		c.channelCmd(),
		c.deviceCmd(),
		c.tokenCmd(),
		formatCmd(),
	)
	return root
}

// withApp loads config, applies flag overrides and runs fn on a wired App.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg := config.RuntimeConfigFromEnv()
	if c.redisURL != "" {
		cfg.RedisURL = c.redisURL
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, release, err := c.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
