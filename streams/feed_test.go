package streams

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"statuslanes/status"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func transition(deviceID string, key int, label string) status.Transition {
	return status.Transition{
		DeviceID:  deviceID,
		Key:       key,
		Label:     label,
		Source:    status.SourceCalendar,
		Delivered: true,
		At:        time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
	}
}

func TestFeedRecordAndTail(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	feed := NewFeed(client)

	require.NoError(t, feed.Record(ctx, transition("dev-1", 4, "In a meeting")))
	require.NoError(t, feed.Record(ctx, transition("dev-1", 5, "Available")))
	require.NoError(t, feed.Record(ctx, transition("dev-2", 1, "Focus")))

	entries, lastID, err := feed.Tail(ctx, "dev-1", "0")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "In a meeting", entries[0].Transition.Label)
	require.Equal(t, 5, entries[1].Transition.Key)
	require.Equal(t, "dev-1", entries[1].DeviceID)
	require.Equal(t, entries[1].ID, lastID)

	require.NoError(t, feed.Record(ctx, transition("dev-1", 1, "Focus")))
	entries, _, err = feed.Tail(ctx, "dev-1", lastID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "Focus", entries[0].Transition.Label)
}

func TestFeedRecent(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	feed := NewFeed(client)

	for i, label := range []string{"Focus", "On a call", "Available"} {
		require.NoError(t, feed.Record(ctx, transition("dev-1", i+1, label)))
	}

	entries, err := feed.Recent(ctx, "dev-1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "On a call", entries[0].Transition.Label)
	require.Equal(t, "Available", entries[1].Transition.Label)

	entries, err = feed.Recent(ctx, "missing", 5)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFeedRecordRequiresDevice(t *testing.T) {
	_, client := newTestRedis(t)
	require.Error(t, NewFeed(client).Record(context.Background(), status.Transition{}))

	var nilFeed *Feed
	require.Error(t, nilFeed.Record(context.Background(), transition("dev-1", 1, "Focus")))
}
