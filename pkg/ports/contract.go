package ports

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aretw0/keystone/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunBackendContract runs a suite of tests to verify that a Backend implementation
// adheres to the interface contract. Each run uses a fresh kind so suites can share a
// backend.
func RunBackendContract(t *testing.T, backend Backend) {
	ctx := context.Background()
	kind := "Contract" + time.Now().Format("150405.000000")
	key := func(id int64) *domain.RawKey { return &domain.RawKey{Kind: kind, ID: id} }

	put := func(t *testing.T, tx TxID, k *domain.RawKey, payload string, expect domain.Version) (domain.Version, error) {
		t.Helper()
		return backend.PutAsync(ctx, tx, k, []byte(payload), expect).Await(ctx)
	}

	t.Run("Get Missing", func(t *testing.T) {
		_, err := backend.Get(ctx, NoTx, key(1))
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Put Get Delete", func(t *testing.T) {
		v1, err := put(t, NoTx, key(2), `{"v":1}`, domain.NoVersion)
		require.NoError(t, err)
		require.NotEqual(t, domain.NoVersion, v1)

		rec, err := backend.Get(ctx, NoTx, key(2))
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1}`, string(rec.Payload))
		assert.Equal(t, v1, rec.Version)

		v2, err := put(t, NoTx, key(2), `{"v":2}`, domain.NoVersion)
		require.NoError(t, err)
		assert.NotEqual(t, v1, v2, "every write produces a new version")

		_, err = backend.DeleteAsync(ctx, NoTx, key(2), domain.NoVersion).Await(ctx)
		require.NoError(t, err)
		_, err = backend.Get(ctx, NoTx, key(2))
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Conditional Put", func(t *testing.T) {
		v1, err := put(t, NoTx, key(3), `{"v":1}`, domain.NoVersion)
		require.NoError(t, err)
		_, err = put(t, NoTx, key(3), `{"v":2}`, v1)
		require.NoError(t, err)

		_, err = put(t, NoTx, key(3), `{"v":3}`, v1)
		assert.ErrorIs(t, err, ErrPrecondition)
	})

	t.Run("Named And Parented Keys", func(t *testing.T) {
		k := &domain.RawKey{Kind: kind, Name: "child/one", Parent: &domain.RawKey{Kind: kind + "Parent", ID: 9}}
		_, err := put(t, NoTx, k, `{"named":true}`, domain.NoVersion)
		require.NoError(t, err)

		rec, err := backend.Get(ctx, NoTx, &domain.RawKey{Kind: kind, Name: "child/one", Parent: &domain.RawKey{Kind: kind + "Parent", ID: 9}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"named":true}`, string(rec.Payload))

		_, err = backend.Get(ctx, NoTx, &domain.RawKey{Kind: kind, Name: "child/one"})
		assert.ErrorIs(t, err, domain.ErrNotFound, "the parent chain is part of the address")
	})

	t.Run("AllocateID", func(t *testing.T) {
		seen := make(map[int64]bool)
		for n := 0; n < 5; n++ {
			id, err := backend.AllocateID(ctx, kind)
			require.NoError(t, err)
			assert.Greater(t, id, int64(0))
			assert.False(t, seen[id], "id %d allocated twice", id)
			seen[id] = true
		}
	})

	t.Run("Transaction Commit", func(t *testing.T) {
		tx, err := backend.BeginTransaction(ctx)
		require.NoError(t, err)

		_, err = put(t, tx, key(10), `{"tx":true}`, domain.NoVersion)
		require.NoError(t, err)

		_, err = backend.Get(ctx, NoTx, key(10))
		assert.ErrorIs(t, err, domain.ErrNotFound, "staged writes are invisible before commit")

		res, err := backend.CommitTransaction(ctx, tx)
		require.NoError(t, err)
		require.False(t, res.Conflict)
		require.Len(t, res.Written, 1)
		assert.Equal(t, key(10).Encode(), res.Written[0].Key.Encode())

		rec, err := backend.Get(ctx, NoTx, key(10))
		require.NoError(t, err)
		assert.Equal(t, res.Written[0].Version, rec.Version)

		_, err = backend.CommitTransaction(ctx, tx)
		assert.ErrorIs(t, err, ErrUnknownTransaction)
	})

	t.Run("Transaction Rollback", func(t *testing.T) {
		tx, err := backend.BeginTransaction(ctx)
		require.NoError(t, err)
		_, err = put(t, tx, key(11), `{"tx":true}`, domain.NoVersion)
		require.NoError(t, err)
		_, err = backend.DeleteAsync(ctx, tx, key(3), domain.NoVersion).Await(ctx)
		require.NoError(t, err)

		require.NoError(t, backend.RollbackTransaction(ctx, tx))

		_, err = backend.Get(ctx, NoTx, key(11))
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = backend.Get(ctx, NoTx, key(3))
		assert.NoError(t, err, "rolled back delete must not apply")
	})

	t.Run("Transaction Conflict", func(t *testing.T) {
		_, err := put(t, NoTx, key(20), `{"s":"foo"}`, domain.NoVersion)
		require.NoError(t, err)

		tx1, err := backend.BeginTransaction(ctx)
		require.NoError(t, err)
		tx2, err := backend.BeginTransaction(ctx)
		require.NoError(t, err)

		_, err = backend.Get(ctx, tx1, key(20))
		require.NoError(t, err)
		_, err = backend.Get(ctx, tx2, key(20))
		require.NoError(t, err)

		_, err = put(t, tx1, key(20), `{"s":"bar"}`, domain.NoVersion)
		require.NoError(t, err)
		_, err = put(t, tx2, key(20), `{"s":"shouldn't work"}`, domain.NoVersion)
		require.NoError(t, err)

		res1, err := backend.CommitTransaction(ctx, tx1)
		require.NoError(t, err)
		require.False(t, res1.Conflict)

		res2, err := backend.CommitTransaction(ctx, tx2)
		if err != nil {
			assert.ErrorIs(t, err, ErrPrecondition)
		} else {
			assert.True(t, res2.Conflict)
		}

		rec, err := backend.Get(ctx, NoTx, key(20))
		require.NoError(t, err)
		assert.JSONEq(t, `{"s":"bar"}`, string(rec.Payload))
	})

	t.Run("Stale Expectation Conflicts", func(t *testing.T) {
		v1, err := put(t, NoTx, key(21), `{"n":1}`, domain.NoVersion)
		require.NoError(t, err)
		_, err = put(t, NoTx, key(21), `{"n":2}`, domain.NoVersion)
		require.NoError(t, err)

		tx, err := backend.BeginTransaction(ctx)
		require.NoError(t, err)
		_, err = put(t, tx, key(21), `{"n":3}`, v1)
		require.NoError(t, err)

		res, err := backend.CommitTransaction(ctx, tx)
		if err != nil {
			assert.ErrorIs(t, err, ErrPrecondition)
		} else {
			assert.True(t, res.Conflict, fmt.Sprintf("expected conflict, got %+v", res))
		}
	})

	t.Run("Unknown Transaction", func(t *testing.T) {
		_, err := backend.Get(ctx, TxID("missing"), key(1))
		assert.ErrorIs(t, err, ErrUnknownTransaction)
		assert.ErrorIs(t, backend.RollbackTransaction(ctx, TxID("missing")), ErrUnknownTransaction)
	})
}

// RunSharedCacheContract verifies the snapshot/compare-and-set protocol of a SharedCache.
func RunSharedCacheContract(t *testing.T, cache SharedCache) {
	ctx := context.Background()
	kind := "Shared" + time.Now().Format("150405.000000")
	id := func(n int64) domain.Identity { return domain.NewIdentity(kind, n) }
	entry := func(payload string, v domain.Version) SharedEntry {
		return SharedEntry{State: domain.Present, Payload: []byte(payload), Version: v}
	}

	t.Run("Miss", func(t *testing.T) {
		_, ok, err := cache.Get(ctx, id(1))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Set With Current Generation", func(t *testing.T) {
		gen, err := cache.Snapshot(ctx, id(2))
		require.NoError(t, err)
		ok, err := cache.CompareAndSet(ctx, id(2), gen, entry(`foo`, "v1"))
		require.NoError(t, err)
		require.True(t, ok)

		got, found, err := cache.Get(ctx, id(2))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "foo", string(got.Payload))
		assert.Equal(t, domain.Version("v1"), got.Version)
		assert.Equal(t, domain.Present, got.State)
	})

	t.Run("Stale Generation Loses", func(t *testing.T) {
		stale, err := cache.Snapshot(ctx, id(3))
		require.NoError(t, err)

		fresh, err := cache.Snapshot(ctx, id(3))
		require.NoError(t, err)
		ok, err := cache.CompareAndSet(ctx, id(3), fresh, entry(`winner`, "v2"))
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = cache.CompareAndSet(ctx, id(3), stale, entry(`loser`, "v1"))
		require.NoError(t, err)
		assert.False(t, ok)

		got, _, err := cache.Get(ctx, id(3))
		require.NoError(t, err)
		assert.Equal(t, "winner", string(got.Payload))
	})

	t.Run("Invalidate Advances Generation", func(t *testing.T) {
		gen, err := cache.Snapshot(ctx, id(4))
		require.NoError(t, err)
		ok, err := cache.CompareAndSet(ctx, id(4), gen, entry(`x`, "v1"))
		require.NoError(t, err)
		require.True(t, ok)

		before, err := cache.Snapshot(ctx, id(4))
		require.NoError(t, err)
		require.NoError(t, cache.Invalidate(ctx, id(4), id(5)))

		_, found, err := cache.Get(ctx, id(4))
		require.NoError(t, err)
		assert.False(t, found)

		ok, err = cache.CompareAndSet(ctx, id(4), before, entry(`stale`, "v0"))
		require.NoError(t, err)
		assert.False(t, ok, "a snapshot taken before invalidation must not win")
	})

	t.Run("Absence Is Cached", func(t *testing.T) {
		gen, err := cache.Snapshot(ctx, id(6))
		require.NoError(t, err)
		ok, err := cache.CompareAndSet(ctx, id(6), gen, SharedEntry{State: domain.Absent})
		require.NoError(t, err)
		require.True(t, ok)

		got, found, err := cache.Get(ctx, id(6))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, domain.Absent, got.State)
	})
}
