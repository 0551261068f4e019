package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/ports"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of identities a SharedCache keeps by default.
const DefaultCacheSize = 10000

type slot struct {
	entry ports.SharedEntry
	gen   ports.Generation
}

// SharedCache implements ports.SharedCache with a bounded LRU.
//
// Generations come from one process-wide clock. An identity that leaves the cache
// (evicted or invalidated) keeps a fresh generation in a second bounded LRU of dropped
// identities, so a snapshot taken before the drop can never win afterwards. Identities
// in neither LRU share the floor generation, which moves past every generation the
// dropped LRU forgets.
type SharedCache struct {
	mu      sync.Mutex
	slots   *lru.Cache[domain.Identity, slot]
	dropped *lru.Cache[domain.Identity, ports.Generation]
	clock   ports.Generation
	floor   ports.Generation
	// forgetting is set while a dropped generation is superseded by a new slot, which
	// must not move the floor.
	forgetting bool
}

// NewSharedCache creates a shared cache holding up to size identities.
func NewSharedCache(size int) (*SharedCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c := &SharedCache{}
	// Callbacks run under c.mu: every mutation of either LRU happens with the lock held.
	dropped, err := lru.NewWithEvict[domain.Identity, ports.Generation](size, func(domain.Identity, ports.Generation) {
		if !c.forgetting {
			c.clock++
			c.floor = c.clock
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create shared cache: %w", err)
	}
	slots, err := lru.NewWithEvict[domain.Identity, slot](size, func(id domain.Identity, _ slot) {
		c.dropLocked(id)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create shared cache: %w", err)
	}
	c.slots, c.dropped = slots, dropped
	return c, nil
}

// Get returns the cached entry, if any.
func (c *SharedCache) Get(ctx context.Context, id domain.Identity) (ports.SharedEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots.Get(id)
	if !ok {
		return ports.SharedEntry{}, false, nil
	}
	e := s.entry
	e.Payload = append([]byte(nil), e.Payload...)
	return e, true, nil
}

// Snapshot returns the current generation of id.
func (c *SharedCache) Snapshot(ctx context.Context, id domain.Identity) (ports.Generation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.genLocked(id), nil
}

// CompareAndSet stores entry if id is still at gen.
func (c *SharedCache) CompareAndSet(ctx context.Context, id domain.Identity, gen ports.Generation, entry ports.SharedEntry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.genLocked(id) != gen {
		return false, nil
	}
	c.clock++
	entry.Payload = append([]byte(nil), entry.Payload...)
	c.forgetting = true
	c.dropped.Remove(id)
	c.forgetting = false
	c.slots.Add(id, slot{entry: entry, gen: c.clock})
	return true, nil
}

// Invalidate drops ids and advances their generation.
func (c *SharedCache) Invalidate(ctx context.Context, ids ...domain.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		// Removing a slot drops it through the eviction callback.
		if !c.slots.Remove(id) {
			c.dropLocked(id)
		}
	}
	return nil
}

// Len returns the number of cached identities.
func (c *SharedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots.Len()
}

func (c *SharedCache) genLocked(id domain.Identity) ports.Generation {
	if s, ok := c.slots.Peek(id); ok {
		return s.gen
	}
	if gen, ok := c.dropped.Peek(id); ok {
		return gen
	}
	return c.floor
}

func (c *SharedCache) dropLocked(id domain.Identity) {
	c.clock++
	c.dropped.Add(id, c.clock)
}
