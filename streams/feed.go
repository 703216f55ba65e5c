package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"statuslanes/status"
)

const (
	streamKeyFormat   = "device:%s:status"
	defaultBlock      = 5 * time.Second
	defaultBatchCount = 50
	defaultMaxLen     = 500
)

// Entry is one status transition read back from a device feed.
type Entry struct {
	ID         string            `json:"id"`
	DeviceID   string            `json:"device_id"`
	Transition status.Transition `json:"transition"`
}

// Feed appends status transitions to a per-device Redis stream and tails it.
type Feed struct {
	client *redis.Client
	block  time.Duration
	maxLen int64
}

// NewFeed creates a status feed for the given redis client.
func NewFeed(client *redis.Client) *Feed {
	return &Feed{client: client, block: defaultBlock, maxLen: defaultMaxLen}
}

// WithBlock returns a copy of the feed whose Tail waits at most d.
func (f *Feed) WithBlock(d time.Duration) *Feed {
	cp := *f
	cp.block = d
	return &cp
}

// StreamKey returns the canonical feed stream key for a device.
func StreamKey(deviceID string) string {
	return fmt.Sprintf(streamKeyFormat, deviceID)
}

// Record appends t to its device's stream. The stream is trimmed to about
// the last 500 transitions.
func (f *Feed) Record(ctx context.Context, t status.Transition) error {
	if f == nil || f.client == nil {
		return errors.New("status feed not configured")
	}
	if strings.TrimSpace(t.DeviceID) == "" {
		return errors.New("transition has no device id")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	err = f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(t.DeviceID),
		MaxLen: f.maxLen,
		Approx: true,
		Values: map[string]any{
			"key":        t.Key,
			"source":     string(t.Source),
			"transition": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append status feed device=%s: %w", t.DeviceID, err)
	}
	return nil
}

// Recent returns up to n of the newest transitions, oldest first.
func (f *Feed) Recent(ctx context.Context, deviceID string, n int64) ([]Entry, error) {
	if f == nil || f.client == nil {
		return nil, errors.New("status feed not configured")
	}
	msgs, err := f.client.XRevRangeN(ctx, StreamKey(deviceID), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("read status feed device=%s: %w", deviceID, err)
	}
	out := make([]Entry, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if entry, ok := decodeEntry(deviceID, msgs[i]); ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Tail blocks for new transitions after afterID and returns them with the
// latest ID observed. An empty afterID means "only new entries".
func (f *Feed) Tail(ctx context.Context, deviceID, afterID string) ([]Entry, string, error) {
	if f == nil || f.client == nil {
		return nil, afterID, errors.New("status feed not configured")
	}

	if strings.TrimSpace(afterID) == "" {
		afterID = "$"
	}

	res, err := f.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamKey(deviceID), afterID},
		Count:   defaultBatchCount,
		Block:   f.block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, afterID, nil
		}
		return nil, afterID, err
	}

	entries := make([]Entry, 0)
	nextID := afterID
	for _, stream := range res {
		for _, msg := range stream.Messages {
			if entry, ok := decodeEntry(deviceID, msg); ok {
				entries = append(entries, entry)
			}
			nextID = msg.ID
		}
	}
	return entries, nextID, nil
}

func decodeEntry(deviceID string, msg redis.XMessage) (Entry, bool) {
	raw := stringVal(msg.Values["transition"])
	if raw == "" {
		return Entry{}, false
	}
	var t status.Transition
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Entry{}, false
	}
	return Entry{ID: msg.ID, DeviceID: deviceID, Transition: t}, true
}

func stringVal(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return ""
	}
}
