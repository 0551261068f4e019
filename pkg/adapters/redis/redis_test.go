package redis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/keystone/pkg/adapters/redis"
	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisBackend_Contract(t *testing.T) {
	_, client := newClient(t)
	ports.RunBackendContract(t, redis.NewFromClient(client))
}

func TestRedisSharedCache_Contract(t *testing.T) {
	_, client := newClient(t)
	ports.RunSharedCacheContract(t, redis.NewSharedCache(client))
}

func TestRedisBackend_Prefix(t *testing.T) {
	mr, client := newClient(t)
	b := redis.NewFromClient(client, redis.WithPrefix("custom:app:"))
	ctx := context.Background()
	key := &domain.RawKey{Kind: "Trivial", ID: 1}

	_, err := b.PutAsync(ctx, ports.NoTx, key, []byte(`{}`), domain.NoVersion).Await(ctx)
	require.NoError(t, err)

	assert.True(t, mr.Exists("custom:app:entity:"+key.Encode()), "Expected key with custom prefix to exist")
	assert.True(t, mr.Exists("custom:app:clock"))
}

func TestRedisBackend_ConcurrentWriteDuringCommit(t *testing.T) {
	_, client := newClient(t)
	b := redis.NewFromClient(client)
	ctx := context.Background()
	key := &domain.RawKey{Kind: "Trivial", ID: 42}

	_, err := b.PutAsync(ctx, ports.NoTx, key, []byte(`{"s":"foo"}`), domain.NoVersion).Await(ctx)
	require.NoError(t, err)

	tx, err := b.BeginTransaction(ctx)
	require.NoError(t, err)
	_, err = b.Get(ctx, tx, key)
	require.NoError(t, err)
	_, err = b.PutAsync(ctx, tx, key, []byte(`{"s":"tx"}`), domain.NoVersion).Await(ctx)
	require.NoError(t, err)

	_, err = b.PutAsync(ctx, ports.NoTx, key, []byte(`{"s":"outside"}`), domain.NoVersion).Await(ctx)
	require.NoError(t, err)

	res, err := b.CommitTransaction(ctx, tx)
	require.NoError(t, err)
	assert.True(t, res.Conflict)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, key.Encode(), res.Conflicts[0].Encode())

	rec, err := b.Get(ctx, ports.NoTx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"outside"}`, string(rec.Payload))
}

func TestRedisSharedCache_TTL(t *testing.T) {
	mr, client := newClient(t)
	cache := redis.NewSharedCache(client, redis.WithTTL(time.Second))
	ctx := context.Background()
	id := domain.NewIdentity("Trivial", 1)

	gen, err := cache.Snapshot(ctx, id)
	require.NoError(t, err)
	ok, err := cache.CompareAndSet(ctx, id, gen, ports.SharedEntry{State: domain.Present, Payload: []byte("x"), Version: "1"})
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, found, err := cache.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)

	after, err := cache.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Greater(t, after, gen, "generations survive entry expiry")
}

func TestRedisSharedCache_GenerationsExpire(t *testing.T) {
	mr, client := newClient(t)
	cache := redis.NewSharedCache(client, redis.WithPrefix("t:"), redis.WithGenerationTTL(time.Minute))
	ctx := context.Background()
	cached := domain.NewIdentity("Trivial", 1)
	dropped := domain.NewIdentity("Trivial", 2)

	gen, err := cache.Snapshot(ctx, cached)
	require.NoError(t, err)
	ok, err := cache.CompareAndSet(ctx, cached, gen, ports.SharedEntry{State: domain.Absent})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, cache.Invalidate(ctx, dropped))

	assert.Equal(t, time.Minute, mr.TTL("t:gen:"+cached.Encode()))
	assert.Equal(t, time.Minute, mr.TTL("t:gen:"+dropped.Encode()))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("t:gen:"+cached.Encode()))
	assert.False(t, mr.Exists("t:gen:"+dropped.Encode()))
	assert.False(t, mr.Exists("t:cache:"+cached.Encode()), "the entry is gone with its generation")
}

func TestRedisSharedCache_GenerationTTLCoversEntryTTL(t *testing.T) {
	mr, client := newClient(t)
	cache := redis.NewSharedCache(client, redis.WithPrefix("t:"),
		redis.WithTTL(time.Hour), redis.WithGenerationTTL(time.Minute))
	ctx := context.Background()
	id := domain.NewIdentity("Trivial", 1)

	gen, err := cache.Snapshot(ctx, id)
	require.NoError(t, err)
	ok, err := cache.CompareAndSet(ctx, id, gen, ports.SharedEntry{State: domain.Absent})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Hour, mr.TTL("t:gen:"+id.Encode()))
}

func TestRedisLocker(t *testing.T) {
	_, client := newClient(t)
	locker := redis.NewLocker(client, "test:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "Trivial(1)", 5*time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(short, "Trivial(1)", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a held lock blocks other holders")

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan struct{})
	go func() {
		defer wg.Done()
		again, err := locker.Lock(ctx, "Trivial(1)", 5*time.Second)
		if assert.NoError(t, err) {
			close(acquired)
			_ = again(ctx)
		}
	}()

	require.NoError(t, unlock(ctx))
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock was not handed over after unlock")
	}
	wg.Wait()
}
