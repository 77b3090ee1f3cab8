package meta

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/jacktea/blockgw/pkg/blockurl"
)

// CachedStore fronts a Store with a bounded, expiring record cache. Writes
// through the CachedStore invalidate the affected entry.
type CachedStore struct {
	Store
	lru   *expirable.LRU[string, Record]
	loads singleflight.Group
}

// NewCachedStore wraps store. size <= 0 defaults to 1024 entries and ttl <= 0
// to 30 seconds.
func NewCachedStore(store Store, size int, ttl time.Duration) *CachedStore {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{
		Store: store,
		lru:   expirable.NewLRU[string, Record](size, nil, ttl),
	}
}

func (c *CachedStore) Get(ctx context.Context, path string) (Record, error) {
	key := blockurl.Sanitize(path)
	if rec, ok := c.lru.Get(key); ok {
		return rec.Clone(), nil
	}
	// Concurrent misses for one path share a single backend read.
	v, err, _ := c.loads.Do(key, func() (any, error) {
		rec, err := c.Store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, rec.Clone())
		return rec, nil
	})
	if err != nil {
		return Record{}, err
	}
	return v.(Record).Clone(), nil
}

func (c *CachedStore) Put(ctx context.Context, rec Record) error {
	c.lru.Remove(blockurl.Sanitize(rec.Path))
	return c.Store.Put(ctx, rec)
}

func (c *CachedStore) Delete(ctx context.Context, path string) error {
	c.lru.Remove(blockurl.Sanitize(path))
	return c.Store.Delete(ctx, path)
}

// Invalidate drops every cached record.
func (c *CachedStore) Invalidate() {
	c.lru.Purge()
}

// Len reports the number of cached records.
func (c *CachedStore) Len() int { return c.lru.Len() }
