package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"statuslanes/status"
)

const lockKeyFormat = "lock:device:%s"

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements status.Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a per-device run lock on client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Lock acquires the device lock for ttl. It returns status.ErrDeviceBusy
// when another run holds it. The returned func releases the lock.
func (l *RedisLocker) Lock(ctx context.Context, deviceID string, ttl time.Duration) (func(), error) {
	key := fmt.Sprintf(lockKeyFormat, deviceID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock device %s: %w", deviceID, err)
	}
	if !ok {
		return nil, status.ErrDeviceBusy
	}
	return func() {
		// The caller's context may already be done.
		if err := releaseScript.Run(context.Background(), l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			log.Printf("Lock: release failed device=%s: %v", deviceID, err)
		}
	}, nil
}
