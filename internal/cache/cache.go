package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is a small in-process TTL cache. Entries are read-mostly; a stale
// read within the TTL window is acceptable, invalidation is explicit.
type Cache struct {
	inner *gocache.Cache
}

func New(defaultTTL time.Duration) *Cache {
	return &Cache{inner: gocache.New(defaultTTL, 10*time.Minute)}
}

func (c *Cache) Get(key string) (string, bool) {
	v, ok := c.inner.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (c *Cache) Set(key, value string, ttl time.Duration) {
	c.inner.Set(key, value, ttl)
}

func (c *Cache) Delete(key string) {
	c.inner.Delete(key)
}

func (c *Cache) DeleteMany(keys ...string) {
	for _, k := range keys {
		c.inner.Delete(k)
	}
}
