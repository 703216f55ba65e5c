// Package store persists devices in Redis. Each device is one hash,
// device:{id}, with JSON fields config, cache and active.
package store

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"statuslanes/status"
)

const (
	deviceKeyFormat  = "device:%s"
	channelKeyFormat = "channel:%s:%s"
	deviceIndexKey   = "devices"

	fieldConfig = "config"
	fieldCache  = "cache"
	fieldActive = "active"

	fieldDevice = "device"
	fieldToken  = "token"
)

// ErrChannelToken is returned when a push notification carries the wrong
// channel secret.
var ErrChannelToken = errors.New("channel token mismatch")

// RedisStore implements status.Store on Redis hashes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store on client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// DeviceKey returns the hash key for a device.
func DeviceKey(id string) string {
	return fmt.Sprintf(deviceKeyFormat, id)
}

// GetDevice loads a device. It returns status.ErrDeviceNotFound when the
// hash has no config.
func (s *RedisStore) GetDevice(ctx context.Context, id string) (*status.Device, error) {
	fields, err := s.client.HGetAll(ctx, DeviceKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", id, err)
	}
	rawConfig, ok := fields[fieldConfig]
	if !ok {
		return nil, fmt.Errorf("%w: %s", status.ErrDeviceNotFound, id)
	}

	device := &status.Device{ID: id}
	if err := json.Unmarshal([]byte(rawConfig), &device.Config); err != nil {
		return nil, fmt.Errorf("decode device %s config: %w", id, err)
	}
	if raw := fields[fieldCache]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &device.Cache); err != nil {
			return nil, fmt.Errorf("decode device %s cache: %w", id, err)
		}
	}
	if raw := fields[fieldActive]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &device.Active); err != nil {
			return nil, fmt.Errorf("decode device %s active status: %w", id, err)
		}
	}
	return device, nil
}

// UpdateDevice writes only the fields named by update in a single HSET.
func (s *RedisStore) UpdateDevice(ctx context.Context, id string, update status.DeviceUpdate) error {
	values := make([]any, 0, 4)
	if update.ReplaceCache {
		cache := update.Cache
		if cache == nil {
			cache = []status.CachedEvent{}
		}
		data, err := json.Marshal(cache)
		if err != nil {
			return fmt.Errorf("encode device %s cache: %w", id, err)
		}
		values = append(values, fieldCache, string(data))
	}
	if update.Active != nil {
		data, err := json.Marshal(update.Active)
		if err != nil {
			return fmt.Errorf("encode device %s active status: %w", id, err)
		}
		values = append(values, fieldActive, string(data))
	}
	if len(values) == 0 {
		return nil
	}

	exists, err := s.client.HExists(ctx, DeviceKey(id), fieldConfig).Result()
	if err != nil {
		return fmt.Errorf("check device %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", status.ErrDeviceNotFound, id)
	}
	if err := s.client.HSet(ctx, DeviceKey(id), values...).Err(); err != nil {
		return fmt.Errorf("update device %s: %w", id, err)
	}
	return nil
}

// PutDevice registers or reconfigures a device. Cache and active status
// of an existing device are kept.
func (s *RedisStore) PutDevice(ctx context.Context, id string, config status.DeviceConfig) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("device id is required")
	}
	for _, def := range config.Statuses {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("device %s status %d: %w", id, def.Key, err)
		}
	}
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode device %s config: %w", id, err)
	}

	key := DeviceKey(id)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldConfig, string(data))
		pipe.HSetNX(ctx, key, fieldCache, "[]")
		pipe.HSetNX(ctx, key, fieldActive, "{}")
		pipe.SAdd(ctx, deviceIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store device %s: %w", id, err)
	}
	return nil
}

// DeleteDevice removes a device and its index entry.
func (s *RedisStore) DeleteDevice(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, DeviceKey(id))
		pipe.SRem(ctx, deviceIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete device %s: %w", id, err)
	}
	return nil
}

// ListDeviceIDs returns every registered device ID in sorted order.
func (s *RedisStore) ListDeviceIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, deviceIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// BindChannel records which device a provider push channel belongs to and
// the secret its notifications must carry: the Google channel token or the
// Graph clientState.
func (s *RedisStore) BindChannel(ctx context.Context, provider status.Provider, channelID, deviceID, token string, ttl time.Duration) error {
	if strings.TrimSpace(channelID) == "" {
		return fmt.Errorf("channel id is required")
	}
	if token == "" {
		return fmt.Errorf("channel token is required")
	}
	key := fmt.Sprintf(channelKeyFormat, provider, channelID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fieldDevice, deviceID, fieldToken, token)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bind %s channel %s: %w", provider, channelID, err)
	}
	return nil
}

// FindDeviceByChannel resolves a push channel to its device when token
// matches the bound secret. It returns status.ErrDeviceNotFound for unknown
// or expired channels and ErrChannelToken for a wrong secret.
func (s *RedisStore) FindDeviceByChannel(ctx context.Context, provider status.Provider, channelID, token string) (string, error) {
	vals, err := s.client.HMGet(ctx, fmt.Sprintf(channelKeyFormat, provider, channelID), fieldDevice, fieldToken).Result()
	if err != nil {
		return "", fmt.Errorf("resolve %s channel %s: %w", provider, channelID, err)
	}
	deviceID, _ := vals[0].(string)
	bound, _ := vals[1].(string)
	if deviceID == "" || bound == "" {
		return "", fmt.Errorf("%w: %s channel %s", status.ErrDeviceNotFound, provider, channelID)
	}
	if subtle.ConstantTimeCompare([]byte(bound), []byte(token)) != 1 {
		return "", fmt.Errorf("%w: %s channel %s", ErrChannelToken, provider, channelID)
	}
	return deviceID, nil
}
