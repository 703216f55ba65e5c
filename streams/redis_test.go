package streams

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitVerifiesStreams(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Init(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	assert.Same(t, client, Client)
	entries, err := client.XLen(context.Background(), healthStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), entries)
}

func TestInitFailsWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Init(context.Background(), "redis://"+addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping failed")
}

func TestNewClientDefaultsAndRejectsBadURL(t *testing.T) {
	client, err := NewClient("  ")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", client.Options().Addr)
	_ = client.Close()

	_, err = NewClient("mysql://nope")
	assert.Error(t, err)
}
