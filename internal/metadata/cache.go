package metadata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Loader reads the persisted schema.
type Loader interface {
	LoadSchema(ctx context.Context) (*Schema, error)
}

// Cache holds the current Registry. A loaded registry is served until it is
// older than the TTL or Invalidate is called, whichever comes first; the
// next Registry call then reloads. Concurrent reloads are collapsed into one.
// A TTL of zero disables expiry, leaving explicit invalidation only.
type Cache struct {
	loader Loader
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	current  *Registry
	loadedAt time.Time
	version  uint64

	group singleflight.Group
}

func NewCache(loader Loader, ttl time.Duration) *Cache {
	return &Cache{loader: loader, ttl: ttl, now: time.Now}
}

// Registry returns a fresh-enough registry, reloading when needed.
func (c *Cache) Registry(ctx context.Context) (*Registry, error) {
	c.mu.RLock()
	reg, loadedAt := c.current, c.loadedAt
	c.mu.RUnlock()

	if reg != nil && (c.ttl <= 0 || c.now().Sub(loadedAt) < c.ttl) {
		return reg, nil
	}
	return c.Refresh(ctx)
}

// Refresh reloads the schema unconditionally.
func (c *Cache) Refresh(ctx context.Context) (*Registry, error) {
	c.mu.RLock()
	version := c.version
	c.mu.RUnlock()

	v, err, _ := c.group.Do(fmt.Sprint(version), func() (any, error) {
		schema, err := c.loader.LoadSchema(ctx)
		if err != nil {
			return nil, fmt.Errorf("load schema: %w", err)
		}
		reg, err := BuildRegistry(schema)
		if err != nil {
			return nil, fmt.Errorf("build registry: %w", err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		// An invalidation that raced the load wins; the next call reloads.
		if c.version == version {
			c.current = reg
			c.loadedAt = c.now()
		}
		log.Debug().
			Int("entities", len(schema.Entities)).
			Int("relationships", len(schema.Relationships)).
			Msg("schema registry loaded")
		return reg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Registry), nil
}

// Invalidate drops the cached registry. Call after every committed
// schema change.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
	c.version++
}
