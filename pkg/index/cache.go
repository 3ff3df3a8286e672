package index

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/redis/go-redis/v9"
)

// Cache fronts Store for lookups. A cache error is never fatal: the service
// logs it and reads the store.
//
// Entries only grow, so the hospital count orders versions of one entry. Set
// must keep whichever of the cached and the offered entry lists more
// hospitals; a reader that loaded an entry before a concurrent change then
// cannot overwrite the newer one.
type Cache interface {
	Get(ctx context.Context, icNumber string) (models.PatientIndexEntry, bool, error)
	Set(ctx context.Context, entry models.PatientIndexEntry) error
	Delete(ctx context.Context, icNumber string) error
}

// setIfNotOlder stores the entry as a hash {n, data} unless the cached n is
// larger.
var setIfNotOlder = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'n')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'n', ARGV[1], 'data', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(ic string) string {
	return "index:" + ic
}

func (c *RedisCache) Get(ctx context.Context, icNumber string) (models.PatientIndexEntry, bool, error) {
	data, err := c.client.HGet(ctx, cacheKey(icNumber), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return models.PatientIndexEntry{}, false, nil
	}
	if err != nil {
		return models.PatientIndexEntry{}, false, err
	}
	var entry models.PatientIndexEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return models.PatientIndexEntry{}, false, err
	}
	return entry, true, nil
}

func (c *RedisCache) Set(ctx context.Context, entry models.PatientIndexEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	keys := []string{cacheKey(entry.ICNumber)}
	return setIfNotOlder.Run(ctx, c.client, keys, len(entry.HospitalIDs), data, c.ttl.Milliseconds()).Err()
}

func (c *RedisCache) Delete(ctx context.Context, icNumber string) error {
	return c.client.Del(ctx, cacheKey(icNumber)).Err()
}

// MemoryCache is the in-process Cache used by tests and single-node runs.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]models.PatientIndexEntry
	deletes int
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]models.PatientIndexEntry)}
}

func (c *MemoryCache) Get(ctx context.Context, icNumber string) (models.PatientIndexEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[icNumber]
	return clone(entry), ok, nil
}

func (c *MemoryCache) Set(ctx context.Context, entry models.PatientIndexEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[entry.ICNumber]; ok && len(cur.HospitalIDs) > len(entry.HospitalIDs) {
		return nil
	}
	c.entries[entry.ICNumber] = clone(entry)
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, icNumber string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, icNumber)
	c.deletes++
	return nil
}
