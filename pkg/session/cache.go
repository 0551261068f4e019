package session

import (
	"sync"

	"github.com/aretw0/keystone/pkg/domain"
)

// Entry is the cached state of one identity.
type Entry struct {
	Identity domain.Identity
	State    domain.EntryState
	// Payload is the encoded entity. It is never modified in place.
	Payload []byte
	// Version is the backend version the entry was read at (its origin version).
	Version domain.Version
	// Dirty marks a mutation made by the owning transaction and not yet committed.
	Dirty bool
}

// Found reports whether the entry holds an entity.
func (e Entry) Found() bool { return e.State == domain.Present }

func (e Entry) clone() Entry {
	e.Payload = append([]byte(nil), e.Payload...)
	return e
}

// Cache maps identities to entries for one execution context.
// Safe for concurrent use: async write completions update it from other goroutines.
type Cache struct {
	mu      sync.RWMutex
	entries map[domain.Identity]Entry
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[domain.Identity]Entry)}
}

// Get returns the entry of id.
func (c *Cache) Get(id domain.Identity) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// Put stores a copy of e under e.Identity.
func (c *Cache) Put(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.Identity] = e.clone()
}

// MarkTombstoned records a delete issued by the owning context against the entity at
// origin version.
func (c *Cache) MarkTombstoned(id domain.Identity, origin domain.Version, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = Entry{Identity: id, State: domain.Tombstoned, Version: origin, Dirty: dirty}
}

// Purge removes ids.
func (c *Cache) Purge(ids ...domain.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.entries, id)
	}
}

// PurgeClean removes ids whose entries are not dirty.
func (c *Cache) PurgeClean(ids ...domain.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if e, ok := c.entries[id]; ok && !e.Dirty {
			delete(c.entries, id)
		}
	}
}

// Refresh stores a copy of e unless the current entry for its identity is dirty.
func (c *Cache) Refresh(e Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[e.Identity]; ok && cur.Dirty {
		return false
	}
	e.Dirty = false
	c.entries[e.Identity] = e.clone()
	return true
}

// Clear discards every entry, dirty entries and tombstones included.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[domain.Identity]Entry)
}

// Fork returns a new cache holding copies of the clean present and absent entries.
// Dirty entries and tombstones stay with their owner.
func (c *Cache) Fork() *Cache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := NewCache()
	for id, e := range c.entries {
		if e.Dirty || e.State == domain.Tombstoned {
			continue
		}
		out.entries[id] = e.clone()
	}
	return out
}

// Dirty returns the uncommitted entries.
func (c *Cache) Dirty() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Entry
	for _, e := range c.entries {
		if e.Dirty {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
