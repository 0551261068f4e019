package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// casScript sets the entry only if the generation key still holds the caller's snapshot.
var casScript = backend.NewScript(`
local g = tonumber(redis.call("GET", KEYS[2]) or "0")
if g ~= tonumber(ARGV[1]) then
	return 0
end
redis.call("INCR", KEYS[2])
redis.call("PEXPIRE", KEYS[2], ARGV[6])
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "s", ARGV[2], "p", ARGV[3], "v", ARGV[4])
if tonumber(ARGV[5]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[5])
else
	redis.call("PEXPIRE", KEYS[1], ARGV[6])
end
return 1
`)

// DefaultGenerationTTL is how long an untouched identity keeps its generation counter.
const DefaultGenerationTTL = 24 * time.Hour

// WithTTL expires shared cache entries after ttl. Without it an entry expires with its
// generation counter.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl.Milliseconds()
	}
}

// WithGenerationTTL expires generation counters of identities untouched for ttl. It is
// raised to twice the entry TTL when shorter.
//
// A counter that expires restarts from zero, so a snapshot older than ttl could match it
// again. Snapshots only live for one backend read or one commit, far below ttl.
func WithGenerationTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.genTTL = ttl.Milliseconds()
	}
}

// SharedCache implements ports.SharedCache on Redis so several processes share one read
// cache. Each identity has an entry hash and a generation counter; the compare-and-set
// runs as a Lua script. Every write refreshes the counter's expiry, so idle identities
// do not accumulate keys.
type SharedCache struct {
	client *backend.Client
	prefix string
	ttl    int64
	genTTL int64
}

// NewSharedCache creates a shared cache from an existing client.
func NewSharedCache(client *backend.Client, opts ...Option) *SharedCache {
	o := buildOptions(opts)
	if o.genTTL <= 0 {
		o.genTTL = DefaultGenerationTTL.Milliseconds()
	}
	if o.genTTL < 2*o.ttl {
		o.genTTL = 2 * o.ttl
	}
	return &SharedCache{client: client, prefix: o.prefix, ttl: o.ttl, genTTL: o.genTTL}
}

func (c *SharedCache) entryKey(id domain.Identity) string {
	return c.prefix + "cache:" + id.Encode()
}

func (c *SharedCache) genKey(id domain.Identity) string {
	return c.prefix + "gen:" + id.Encode()
}

// Get returns the cached entry, if any.
func (c *SharedCache) Get(ctx context.Context, id domain.Identity) (ports.SharedEntry, bool, error) {
	fields, err := c.client.HGetAll(ctx, c.entryKey(id)).Result()
	if err != nil {
		return ports.SharedEntry{}, false, fmt.Errorf("failed to read shared cache: %w", err)
	}
	s, ok := fields["s"]
	if !ok {
		return ports.SharedEntry{}, false, nil
	}
	state, err := strconv.Atoi(s)
	if err != nil {
		return ports.SharedEntry{}, false, fmt.Errorf("corrupt shared cache entry %s: %w", id, err)
	}
	return ports.SharedEntry{
		State:   domain.EntryState(state),
		Payload: []byte(fields["p"]),
		Version: domain.Version(fields["v"]),
	}, true, nil
}

// Snapshot returns the current generation of id.
func (c *SharedCache) Snapshot(ctx context.Context, id domain.Identity) (ports.Generation, error) {
	n, err := c.client.Get(ctx, c.genKey(id)).Uint64()
	if errors.Is(err, backend.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read generation: %w", err)
	}
	return ports.Generation(n), nil
}

// CompareAndSet stores entry if id is still at gen.
func (c *SharedCache) CompareAndSet(ctx context.Context, id domain.Identity, gen ports.Generation, entry ports.SharedEntry) (bool, error) {
	won, err := casScript.Run(ctx, c.client,
		[]string{c.entryKey(id), c.genKey(id)},
		uint64(gen), int(entry.State), entry.Payload, string(entry.Version), c.ttl, c.genTTL,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to write shared cache: %w", err)
	}
	return won == 1, nil
}

// Invalidate drops ids and advances their generation.
func (c *SharedCache) Invalidate(ctx context.Context, ids ...domain.Identity) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, c.entryKey(id))
		pipe.Incr(ctx, c.genKey(id))
		pipe.PExpire(ctx, c.genKey(id), time.Duration(c.genTTL)*time.Millisecond)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to invalidate shared cache: %w", err)
	}
	return nil
}
