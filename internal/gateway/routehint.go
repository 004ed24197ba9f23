package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RouteHintTTL and RouteHintCleanupInterval match
// original_source/crates/service/src/gateway/route_hint.rs exactly.
const (
	RouteHintTTL              = 30 * time.Minute
	RouteHintCleanupInterval = 30 * time.Second
)

// HintKey builds the RouteHintCache key (spec §4.5): "{key_id}|{path}|{model?:-}".
func HintKey(keyID, path, model string) string {
	m := strings.TrimSpace(model)
	if m == "" {
		m = "-"
	}
	return fmt.Sprintf("%s|%s|%s", strings.TrimSpace(keyID), strings.TrimSpace(path), m)
}

type routeHintRecord struct {
	accountID string
	expiresAt time.Time
}

const routeHintRedisKeyPrefix = "codexmanager:route_hint:"

// RouteHintCache is an in-memory TTL cache of the last-successful account for
// a (key_id, path, model) triple (spec §4.5), ported from route_hint.rs. When
// constructed with a Redis client it also mirrors entries there, so sticky
// routing survives across multiple gateway processes instead of being purely
// per-instance; the mirror is best-effort and fails open, same as the
// teacher's rateLimitCache.
type RouteHintCache struct {
	mu            sync.Mutex
	entries       map[string]routeHintRecord
	lastCleanupAt time.Time
	rdb           *redis.Client
}

// NewRouteHintCache constructs an in-process-only cache.
func NewRouteHintCache() *RouteHintCache {
	return &RouteHintCache{entries: make(map[string]routeHintRecord)}
}

// NewRouteHintCacheWithRedis constructs a cache backed by rdb for
// cross-instance sharing. A nil rdb behaves exactly like NewRouteHintCache.
func NewRouteHintCacheWithRedis(rdb *redis.Client) *RouteHintCache {
	return &RouteHintCache{entries: make(map[string]routeHintRecord), rdb: rdb}
}

// Lookup returns the preferred account for key, evicting it first if expired.
// It checks the local cache first, falling back to the Redis mirror (if
// configured) on a local miss so a request landing on a different process
// than the one that last served key_id still gets the sticky account.
func (c *RouteHintCache) Lookup(key string) (accountID string, ok bool) {
	defer c.recoverAdvisory("lookup")
	c.mu.Lock()
	rec, found := c.entries[key]
	if found && time.Now().After(rec.expiresAt) {
		delete(c.entries, key)
		found = false
	}
	c.mu.Unlock()
	if found {
		return rec.accountID, true
	}
	if c.rdb == nil {
		return "", false
	}
	val, err := c.rdb.Get(context.Background(), routeHintRedisKeyPrefix+key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("event=route_hint_redis_get_failed key=%s err=%v", key, err)
		}
		return "", false
	}
	c.mu.Lock()
	c.entries[key] = routeHintRecord{accountID: val, expiresAt: time.Now().Add(RouteHintTTL)}
	c.mu.Unlock()
	return val, true
}

// Remember records accountID as the preferred route for key, with a 30-minute
// TTL. It opportunistically purges expired local entries first, but only if
// at least RouteHintCleanupInterval has elapsed since the last cleanup, and
// mirrors the write to Redis (if configured) with the same TTL.
func (c *RouteHintCache) Remember(key, accountID string) {
	defer c.recoverAdvisory("remember")
	c.mu.Lock()
	now := time.Now()
	if c.lastCleanupAt.IsZero() || now.Sub(c.lastCleanupAt) >= RouteHintCleanupInterval {
		for k, rec := range c.entries {
			if now.After(rec.expiresAt) {
				delete(c.entries, k)
			}
		}
		c.lastCleanupAt = now
	}
	c.entries[key] = routeHintRecord{accountID: accountID, expiresAt: now.Add(RouteHintTTL)}
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(context.Background(), routeHintRedisKeyPrefix+key, accountID, RouteHintTTL).Err(); err != nil {
		log.Printf("event=route_hint_redis_set_failed key=%s err=%v", key, err)
	}
}

func (c *RouteHintCache) recoverAdvisory(action string) {
	if err := recover(); err != nil {
		log.Printf("event=route_hint_cache_recovered action=%s err=%v", action, err)
	}
}
