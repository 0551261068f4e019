// Package keylock serializes work per key, in-process and optionally across processes.
package keylock

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/keystone/internal/logging"
	"github.com/aretw0/keystone/pkg/ports"
)

// DefaultTTL bounds how long a crashed holder keeps a distributed lock.
const DefaultTTL = 30 * time.Second

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out per-key locks. Unused entries are garbage collected by reference counting.
type Map struct {
	mu    sync.Mutex
	locks map[string]*lockEntry

	locker ports.DistributedLocker
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures the Map.
type Option func(*Map)

// WithLocker additionally takes a distributed lock for every key.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Map) {
		m.locker = locker
	}
}

// WithTTL sets the distributed lock TTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Map) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithLogger configures a logger for deferred unlock failures.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Map) {
		m.logger = logger
	}
}

// New creates an empty lock map.
func New(opts ...Option) *Map {
	m := &Map{
		locks:  make(map[string]*lockEntry),
		ttl:    DefaultTTL,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(key) after unlocking.
func (m *Map) acquire(key string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[key]
	if !exists {
		entry = &lockEntry{}
		m.locks[key] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Map) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[key]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, key)
	}
}

// Lock acquires every key in sorted order, so two callers locking overlapping sets cannot
// deadlock. The returned function releases them all.
func (m *Map) Lock(ctx context.Context, keys ...string) (func(), error) {
	sorted := dedupe(keys)

	var undo []func()
	unlockAll := func() {
		for n := len(undo) - 1; n >= 0; n-- {
			undo[n]()
		}
	}

	for _, key := range sorted {
		entry := m.acquire(key)
		entry.mu.Lock()
		undo = append(undo, func() {
			entry.mu.Unlock()
			m.release(key)
		})

		if m.locker == nil {
			continue
		}
		unlock, err := m.locker.Lock(ctx, key, m.ttl)
		if err != nil {
			unlockAll()
			return nil, fmt.Errorf("failed to acquire distributed lock for %s: %w", key, err)
		}
		undo = append(undo, func() {
			// The caller's context may be gone by now.
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"key", key,
					"err", err,
				)
			}
		})
	}
	return unlockAll, nil
}

// WithLock executes fn while holding the locks for keys.
func (m *Map) WithLock(ctx context.Context, keys []string, fn func(context.Context) error) error {
	unlock, err := m.Lock(ctx, keys...)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Len returns the number of live lock entries.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func dedupe(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[i-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
