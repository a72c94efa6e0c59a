package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupeTTL is how long a processed webhook event id is remembered.
const DefaultDedupeTTL = 24 * time.Hour

// WebhookDeduper suppresses redelivered webhook events. Claim returns false
// when key was already claimed; Release forgets a claim whose processing failed
// so the next delivery is handled.
type WebhookDeduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisWebhookDeduper claims event ids with SET NX and a TTL so every replica
// sees the same claims.
type RedisWebhookDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisWebhookDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisWebhookDeduper {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "visadirect"
	}
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisWebhookDeduper{
		client: client,
		prefix: strings.TrimSuffix(trimmedPrefix, ":") + ":webhook_event:",
		ttl:    ttl,
	}
}

func (d *RedisWebhookDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
}

func (d *RedisWebhookDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}

// MemoryWebhookDeduper keeps claims in process memory. It is used when Redis
// is not configured and only protects a single replica.
type MemoryWebhookDeduper struct {
	mutex     sync.Mutex
	processed map[string]time.Time
	ttl       time.Duration
	now       func() time.Time
}

func NewMemoryWebhookDeduper(ttl time.Duration) *MemoryWebhookDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &MemoryWebhookDeduper{processed: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (d *MemoryWebhookDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	now := d.now()
	// Drop expired entries so the map does not grow without bound.
	for k, seen := range d.processed {
		if now.Sub(seen) >= d.ttl {
			delete(d.processed, k)
		}
	}
	if _, exists := d.processed[key]; exists {
		return false, nil
	}
	d.processed[key] = now
	return true, nil
}

func (d *MemoryWebhookDeduper) Release(_ context.Context, key string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	delete(d.processed, key)
	return nil
}
