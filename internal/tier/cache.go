package tier

import (
	"context"
	"sync"
	"time"
)

// Cache is a read-through TTL cache over a Store. It is never
// authoritative: writes go straight to the underlying store and drop the
// cached table.
type Cache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	tiers    []Tier
	loadedAt time.Time
}

// NewCache wraps store with a TTL cache. A non-positive ttl disables caching.
func NewCache(store Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl, now: time.Now}
}

func (c *Cache) List(ctx context.Context) ([]Tier, error) {
	c.mu.Lock()
	if c.tiers != nil && c.ttl > 0 && c.now().Sub(c.loadedAt) < c.ttl {
		out := append([]Tier(nil), c.tiers...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	tiers, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tiers = append([]Tier{}, tiers...)
	c.loadedAt = c.now()
	c.mu.Unlock()
	return tiers, nil
}

func (c *Cache) Get(ctx context.Context, name string) (*Tier, error) {
	tiers, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tiers {
		if t.Name == name {
			return &t, nil
		}
	}
	return c.store.Get(ctx, name)
}

func (c *Cache) Upsert(ctx context.Context, t Tier) error {
	if err := c.store.Upsert(ctx, t); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// Invalidate drops the cached table.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.tiers = nil
	c.mu.Unlock()
}
