package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"statuslanes/app"
	"statuslanes/config"
	"statuslanes/security"
	"statuslanes/status"
	"statuslanes/store"
)

const lobbySeed = `devices:
  - id: lobby
    config:
      timezone: America/New_York
      statuses:
        - {key: 1, label: Available, enabled: true}
        - {key: 2, label: Busy, enabled: true}
      rules:
        idle_status_key: 1
`

func testOpener(t *testing.T) (appOpener, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	open := func(ctx context.Context, cfg config.RuntimeConfig) (*app.App, func(), error) {
		a, err := app.New(client, cfg, app.Options{})
		return a, func() {}, err
	}
	return open, client
}

func run(t *testing.T, open appOpener, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(open)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func seedLobby(t *testing.T, open appOpener) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(lobbySeed), 0o600))
	out, err := run(t, open, "seed", path)
	require.NoError(t, err)
	assert.Contains(t, out, "seeded 1 device(s)")
}

func TestFormatCommand(t *testing.T) {
	out, err := run(t, nil, "format", "1709562600000", "--tz", "America/New_York", "--date", "YMD", "--time", "24h")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-04 09:30\n", out)

	out, err = run(t, nil, "format", "1709562600000")
	require.NoError(t, err)
	assert.Equal(t, "03/04/2024 02:30 PM\n", out)

	_, err = run(t, nil, "format", "1709562600000", "--tz", "Mars/Olympus")
	assert.Error(t, err)

	_, err = run(t, nil, "format", "yesterday")
	assert.Error(t, err)
}

func TestSeedShowAndSet(t *testing.T) {
	open, _ := testOpener(t)
	seedLobby(t, open)

	out, err := run(t, open, "show", "lobby")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "lobby"`)
	assert.Contains(t, out, `"pending_wakeups": []`)

	out, err = run(t, open, "set", "lobby", "2", "--label", "Heads down")
	require.NoError(t, err)
	assert.Contains(t, out, "state=idle changed=true pushed=false")
	assert.Contains(t, out, `label="Heads down" source=manual`)
	assert.Contains(t, out, "webhook url not configured")

	_, err = run(t, open, "set", "lobby", "7")
	assert.ErrorIs(t, err, status.ErrUnknownStatus)

	_, err = run(t, open, "set", "lobby", "two")
	assert.Error(t, err)

	_, err = run(t, open, "show", "nobody")
	assert.ErrorIs(t, err, status.ErrDeviceNotFound)
}

func TestReconcileCommand(t *testing.T) {
	open, _ := testOpener(t)
	seedLobby(t, open)

	out, err := run(t, open, "reconcile", "lobby", "--at", "2024-03-04T15:00:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "device=lobby state=empty changed=false")

	_, err = run(t, open, "reconcile", "lobby", "--at", "3pm")
	assert.Error(t, err)
}

func TestSyncCommand(t *testing.T) {
	open, _ := testOpener(t)

	out, err := run(t, open, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, `"failed": 0`)

	seedLobby(t, open)
	_, err = run(t, open, "sync", "lobby")
	assert.Error(t, err, "a device without calendars cannot sync")

	out, err = run(t, open, "sync")
	assert.Error(t, err)
	assert.Contains(t, out, "no calendars configured")
}

func TestChannelBindCommand(t *testing.T) {
	open, client := testOpener(t)
	seedLobby(t, open)

	out, err := run(t, open, "channel", "bind", "google", "chan-1", "lobby", "--ttl", "1h", "--token", "tok-1")
	require.NoError(t, err)
	assert.Contains(t, out, "bound google channel chan-1 to lobby for 1h0m0s")
	assert.Contains(t, out, "token=tok-1")

	s := store.NewRedisStore(client)
	id, err := s.FindDeviceByChannel(context.Background(), status.ProviderGoogle, "chan-1", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "lobby", id)
	_, err = s.FindDeviceByChannel(context.Background(), status.ProviderGoogle, "chan-1", "lobby")
	assert.ErrorIs(t, err, store.ErrChannelToken)

	out, err = run(t, open, "channel", "bind", "outlook", "sub-1", "lobby")
	require.NoError(t, err)
	line := out[strings.Index(out, "token=")+len("token="):]
	generated := strings.TrimSpace(line)
	require.Len(t, generated, 36)
	id, err = s.FindDeviceByChannel(context.Background(), status.ProviderOutlook, "sub-1", generated)
	require.NoError(t, err)
	assert.Equal(t, "lobby", id)

	_, err = run(t, open, "channel", "bind", "ics", "chan-2", "lobby")
	assert.Error(t, err)

	_, err = run(t, open, "channel", "bind", "outlook", "sub-1", "ghost")
	assert.ErrorIs(t, err, status.ErrDeviceNotFound)
}

func TestChannelBindDefaultsToConfiguredTTL(t *testing.T) {
	open, client := testOpener(t)
	seedLobby(t, open)
	t.Setenv("CHANNEL_BINDING_TTL", "2h")

	_, err := run(t, open, "channel", "bind", "outlook", "sub-1", "lobby")
	require.NoError(t, err)

	ttl, err := client.TTL(context.Background(), "channel:outlook:sub-1").Result()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, ttl)
}

func TestDeviceRemoveCommand(t *testing.T) {
	open, client := testOpener(t)
	seedLobby(t, open)

	out, err := run(t, open, "device", "rm", "lobby")
	require.NoError(t, err)
	assert.Contains(t, out, "removed lobby")

	ids, err := store.NewRedisStore(client).ListDeviceIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = run(t, open, "device", "rm", "lobby")
	assert.ErrorIs(t, err, status.ErrDeviceNotFound)
}

func TestTokenStatusAndRemoveCommands(t *testing.T) {
	open, client := testOpener(t)
	ctx := context.Background()
	tokens := security.NewTokenStore(client)
	require.NoError(t, tokens.StoreToken(ctx, status.ProviderGoogle, "acct-1", &oauth2.Token{
		AccessToken: "access",
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
	}))

	out, err := run(t, open, "token", "status", "acct-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"google": "valid"`)

	out, err = run(t, open, "token", "rm", "acct-1", "google")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted google token for acct-1")

	out, err = run(t, open, "token", "status", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "{}\n", out)

	_, err = run(t, open, "token", "rm", "acct-1", "ics")
	assert.Error(t, err)
}
