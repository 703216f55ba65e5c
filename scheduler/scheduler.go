// Package scheduler keeps future reconcile wake-ups in a Redis sorted set
// and fires them when they come due.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultQueueKey is the sorted set holding pending wake-ups.
	DefaultQueueKey     = "schedule:reconcile"
	defaultPollInterval = 15 * time.Second
	defaultClaimBatch   = 100
)

// RedisScheduler implements status.Scheduler. Members are
// "deviceID|runAtMillis" scored by runAt, so repeated requests collapse.
type RedisScheduler struct {
	client *redis.Client
	key    string
}

// NewRedisScheduler creates a scheduler writing to DefaultQueueKey.
func NewRedisScheduler(client *redis.Client) *RedisScheduler {
	return &RedisScheduler{client: client, key: DefaultQueueKey}
}

func member(deviceID string, runAt time.Time) string {
	return deviceID + "|" + strconv.FormatInt(runAt.UnixMilli(), 10)
}

func parseMember(m string) (string, time.Time, bool) {
	i := strings.LastIndex(m, "|")
	if i <= 0 {
		return "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(m[i+1:], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return m[:i], time.UnixMilli(ms).UTC(), true
}

// Schedule requests a reconcile of deviceID at runAt.
func (s *RedisScheduler) Schedule(ctx context.Context, deviceID string, runAt time.Time) error {
	if strings.TrimSpace(deviceID) == "" {
		return fmt.Errorf("schedule: device id is required")
	}
	err := s.client.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: member(deviceID, runAt),
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule device=%s at=%s: %w", deviceID, runAt.UTC().Format(time.RFC3339), err)
	}
	return nil
}

// Pending lists the wake-ups queued for deviceID, earliest first.
func (s *RedisScheduler) Pending(ctx context.Context, deviceID string) ([]time.Time, error) {
	members, err := s.client.ZRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list schedule: %w", err)
	}
	out := make([]time.Time, 0)
	for _, m := range members {
		id, at, ok := parseMember(m)
		if ok && id == deviceID {
			out = append(out, at)
		}
	}
	return out, nil
}

// Claim removes and returns the device IDs whose wake-ups are due at now.
// ZREM decides the winner when several pollers race for a member; each
// device appears at most once.
func (s *RedisScheduler) Claim(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = defaultClaimBatch
	}
	members, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read due wake-ups: %w", err)
	}

	seen := make(map[string]bool)
	for _, m := range members {
		removed, err := s.client.ZRem(ctx, s.key, m).Result()
		if err != nil {
			return nil, fmt.Errorf("claim wake-up %s: %w", m, err)
		}
		if removed == 0 {
			continue
		}
		deviceID, _, ok := parseMember(m)
		if !ok {
			log.Printf("Scheduler: dropped malformed member=%q", m)
			continue
		}
		seen[deviceID] = true
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Handler runs one device's due reconcile.
type Handler func(ctx context.Context, deviceID string) error

// PollerOptions configures a Poller.
type PollerOptions struct {
	Interval time.Duration
	Now      func() time.Time
}

// Poller fires due wake-ups on a ticker.
type Poller struct {
	scheduler *RedisScheduler
	handler   Handler
	interval  time.Duration
	now       func() time.Time
	id        string
}

// NewPoller builds a poller that calls handler for every claimed device.
func NewPoller(scheduler *RedisScheduler, handler Handler, opts PollerOptions) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Poller{
		scheduler: scheduler,
		handler:   handler,
		interval:  interval,
		now:       now,
		id:        uuid.NewString(),
	}
}

// Start polls until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	if p == nil || p.scheduler == nil || p.handler == nil {
		return
	}
	log.Printf("Scheduler: poller %s started interval=%s", p.id, p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("Scheduler: poller %s stopped", p.id)
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick claims due wake-ups once and runs the handler for each device. It
// returns the number of devices handled.
func (p *Poller) Tick(ctx context.Context) int {
	ids, err := p.scheduler.Claim(ctx, p.now(), defaultClaimBatch)
	if err != nil {
		log.Printf("Scheduler: claim failed poller=%s: %v", p.id, err)
		return 0
	}
	for _, id := range ids {
		if err := p.handler(ctx, id); err != nil {
			log.Printf("Scheduler: wake-up failed device=%s: %v", id, err)
		}
	}
	return len(ids)
}
