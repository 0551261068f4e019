package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aretw0/keystone/pkg/adapters/memory"
	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/future"
	"github.com/aretw0/keystone/pkg/identity"
	"github.com/aretw0/keystone/pkg/registry"
	"github.com/aretw0/keystone/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Trivial struct {
	ID         int64 `keystone:"id"`
	SomeString string
	SomeNumber int64
}

type HasSimpleCollection struct {
	ID    int64 `keystone:"id"`
	Stuff []string
}

type Thing struct {
	ID  int64 `keystone:"id"`
	Foo string
}

type harness struct {
	factory *session.Factory
	backend *memory.Backend
	shared  *memory.SharedCache
}

func newHarness(t *testing.T, opts ...memory.Option) *harness {
	t.Helper()
	reg := registry.NewRegistry()
	reg.MustRegister("Trivial", Trivial{})
	reg.MustRegister("HasSimpleCollection", HasSimpleCollection{})
	reg.MustRegister("Thing", Thing{})

	shared, err := memory.NewSharedCache(128)
	require.NoError(t, err)
	backend := memory.NewBackend(opts...)
	return &harness{
		factory: session.NewFactory(backend, identity.NewResolver(reg), session.WithSharedCache(shared)),
		backend: backend,
		shared:  shared,
	}
}

func TestTransaction_Simple(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	triv := &Trivial{SomeString: "foo", SomeNumber: 5}
	tx, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)

	k, _, err := tx.Put(ctx, triv)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, domain.TxCommitted, tx.State())

	fetched, err := session.Load[Trivial](ctx, h.factory.Begin(), k)
	require.NoError(t, err)
	assert.Equal(t, k.ID(), fetched.ID)
	assert.Equal(t, triv.SomeNumber, fetched.SomeNumber)
	assert.Equal(t, triv.SomeString, fetched.SomeString)
}

func TestTransaction_InAndOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	simple := &HasSimpleCollection{}
	nonTxn := h.factory.Begin()
	_, err := nonTxn.PutNow(ctx, simple)
	require.NoError(t, err)

	tx, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)
	simple2, err := session.LoadEntity(ctx, tx, simple)
	require.NoError(t, err)
	simple2.Stuff = append(simple2.Stuff, "blah")
	_, _, err = tx.Put(ctx, simple2)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	nonTxn.Clear()
	simple3, err := session.LoadEntity(ctx, nonTxn, simple)
	require.NoError(t, err)
	assert.Equal(t, simple2.Stuff, simple3.Stuff)
}

func TestTransaction_ConcurrencyFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tk, err := h.factory.Begin().PutNow(ctx, &Trivial{SomeString: "foo", SomeNumber: 5})
	require.NoError(t, err)

	tx1, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)
	tx2, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)

	triv1, err := session.Load[Trivial](ctx, tx1, tk)
	require.NoError(t, err)
	triv2, err := session.Load[Trivial](ctx, tx2, tk)
	require.NoError(t, err)

	triv1.SomeString = "bar"
	triv2.SomeString = "shouldn't work"

	_, err = tx1.PutNow(ctx, triv1)
	require.NoError(t, err)
	_, err = tx2.PutNow(ctx, triv2)
	require.NoError(t, err)

	require.NoError(t, tx1.Commit(ctx))

	err = tx2.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Identities, tk)
	assert.Equal(t, domain.TxFailed, tx2.State())
	_, ok := tx2.Cache().Get(tk)
	assert.False(t, ok, "the loser's copy is purged")

	// Served from the shared cache, which must hold the winner.
	shared, found, err := h.shared.Get(ctx, tk)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, string(shared.Payload), `"bar"`)

	fetched, err := session.Load[Trivial](ctx, h.factory.Begin(), tk)
	require.NoError(t, err)
	assert.Equal(t, "bar", fetched.SomeString)
}

func TestTransaction_ConflictPurgesAncestors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tk, err := h.factory.Begin().PutNow(ctx, &Trivial{SomeString: "foo"})
	require.NoError(t, err)

	root := h.factory.Begin()
	_, err = session.Load[Trivial](ctx, root, tk)
	require.NoError(t, err)

	loser, err := root.Transaction(ctx)
	require.NoError(t, err)
	stale, err := session.Load[Trivial](ctx, loser, tk)
	require.NoError(t, err)

	err = h.factory.Transact(ctx, func(ctx context.Context, tx *session.Context) error {
		winner, err := session.Load[Trivial](ctx, tx, tk)
		if err != nil {
			return err
		}
		winner.SomeString = "bar"
		_, _, err = tx.Put(ctx, winner)
		return err
	})
	require.NoError(t, err)

	stale.SomeString = "loser"
	_, _, err = loser.Put(ctx, stale)
	require.NoError(t, err)
	require.ErrorIs(t, loser.Commit(ctx), domain.ErrConcurrentModification)

	_, ok := root.Cache().Get(tk)
	assert.False(t, ok, "ancestor copies of conflicting entities are purged")

	fetched, err := session.Load[Trivial](ctx, root, tk)
	require.NoError(t, err)
	assert.Equal(t, "bar", fetched.SomeString)
}

func TestTransaction_TransactWork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	root := h.factory.Begin()

	triv := &Trivial{SomeString: "foo", SomeNumber: 5}
	_, err := root.PutNow(ctx, triv)
	require.NoError(t, err)

	updated, err := session.TransactResult(ctx, root, func(ctx context.Context, tx *session.Context) (*Trivial, error) {
		result, err := session.LoadEntity(ctx, tx, triv)
		if err != nil {
			return nil, err
		}
		result.SomeNumber = 6
		_, _, err = tx.Put(ctx, result)
		return result, err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), updated.SomeNumber)

	fetched, err := session.LoadEntity(ctx, root, triv)
	require.NoError(t, err)
	assert.Equal(t, int64(6), fetched.SomeNumber)
}

func TestTransaction_AsyncDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.WithLatency(10*time.Millisecond))
	root := h.factory.Begin()

	triv := &Trivial{SomeString: "foo", SomeNumber: 5}
	_, err := root.PutNow(ctx, triv)
	require.NoError(t, err)
	root.Clear()
	_, err = session.LoadEntity(ctx, root, triv)
	require.NoError(t, err)

	err = root.Transact(ctx, func(ctx context.Context, tx *session.Context) error {
		fetched, err := session.LoadEntity(ctx, tx, triv)
		if err != nil {
			return err
		}
		// Not awaited: commit has to drain it.
		_, err = tx.Delete(ctx, domain.ObjectOf(fetched))
		return err
	})
	require.NoError(t, err)

	_, err = session.LoadEntity(ctx, root, triv)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransaction_Transactionless(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	root := h.factory.Begin()

	for i := int64(1); i < 10; i++ {
		_, err := root.PutNow(ctx, &Thing{ID: i, Foo: "foo"})
		require.NoError(t, err)
	}

	err := root.Transact(ctx, func(ctx context.Context, tx *session.Context) error {
		_, err := tx.PutNow(ctx, &Thing{ID: 1, Foo: "uncommitted"})
		require.NoError(t, err)

		for i := int64(1); i < 10; i++ {
			escape, err := tx.Transactionless()
			require.NoError(t, err)
			th, err := session.Load[Thing](ctx, escape, domain.NewIdentity("Thing", i))
			require.NoError(t, err)
			assert.Equal(t, "foo", th.Foo, "Thing(%d) must not see the outer transaction's writes", i)
		}

		_, _, err = tx.Put(ctx, &Thing{ID: 99})
		return err
	})
	require.NoError(t, err)

	th, err := session.Load[Thing](ctx, h.factory.Begin(), domain.NewIdentity("Thing", 99))
	require.NoError(t, err)
	assert.Equal(t, int64(99), th.ID)
}

func TestTransaction_TransactionlessWritesSurviveRollback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tx, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)
	escape, err := tx.Transactionless()
	require.NoError(t, err)
	_, err = escape.PutNow(ctx, &Thing{ID: 7, Foo: "escaped"})
	require.NoError(t, err)
	_, err = tx.PutNow(ctx, &Thing{ID: 8, Foo: "rolled back"})
	require.NoError(t, err)

	require.NoError(t, tx.Rollback(ctx))

	fresh := h.factory.Begin()
	th, err := session.Load[Thing](ctx, fresh, domain.NewIdentity("Thing", 7))
	require.NoError(t, err)
	assert.Equal(t, "escaped", th.Foo)
	_, err = session.Load[Thing](ctx, fresh, domain.NewIdentity("Thing", 8))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransaction_Rollback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	boom := errors.New("boom")

	var k domain.Identity
	err := h.factory.Transact(ctx, func(ctx context.Context, tx *session.Context) error {
		var err error
		k, _, err = tx.Put(ctx, &Trivial{SomeString: "foo", SomeNumber: 5})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = session.Load[Trivial](ctx, h.factory.Begin(), k)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, h.backend.Len())
}

func TestTransaction_RollbackOnPanic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var tx *session.Context
	assert.Panics(t, func() {
		_ = h.factory.Transact(ctx, func(ctx context.Context, c *session.Context) error {
			tx = c
			_, _, err := c.Put(ctx, &Trivial{SomeString: "foo"})
			require.NoError(t, err)
			panic("work failed")
		})
	})
	require.NotNil(t, tx)
	assert.Equal(t, domain.TxRolledBack, tx.State())
	assert.Equal(t, 0, h.backend.Len())
}

func TestTransaction_RollbackCancelsPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.WithLatency(50*time.Millisecond))

	tx, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)
	k, op, err := tx.Put(ctx, &Trivial{SomeString: "foo"})
	require.NoError(t, err)

	require.NoError(t, tx.Rollback(ctx))
	_, err = op.Await(ctx)
	assert.ErrorIs(t, err, future.ErrCanceled)
	assert.Equal(t, 0, tx.Cache().Len())

	_, err = session.Load[Trivial](ctx, h.factory.Begin(), k)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransaction_FooToBar(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	root := h.factory.Begin()
	k := domain.NewIdentity("Trivial", 42)

	_, err := root.PutNow(ctx, &Trivial{ID: 42, SomeString: "foo"})
	require.NoError(t, err)
	cached, err := session.Load[Trivial](ctx, root, k)
	require.NoError(t, err)
	require.Equal(t, "foo", cached.SomeString)

	err = root.Transact(ctx, func(ctx context.Context, tx *session.Context) error {
		triv, err := session.Load[Trivial](ctx, tx, k)
		if err != nil {
			return err
		}
		triv.SomeString = "bar"
		_, _, err = tx.Put(ctx, triv)
		return err
	})
	require.NoError(t, err)

	fresh, err := session.Load[Trivial](ctx, h.factory.Begin(), k)
	require.NoError(t, err)
	assert.Equal(t, "bar", fresh.SomeString)

	again, err := session.Load[Trivial](ctx, root, k)
	require.NoError(t, err)
	assert.Equal(t, "bar", again.SomeString, "the enclosing context sees the committed write")
}

func TestTransaction_ReadYourWritesAndIsolation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.WithLatency(30*time.Millisecond))
	k := domain.NewIdentity("Trivial", 7)

	_, err := h.factory.Begin().PutNow(ctx, &Trivial{ID: 7, SomeString: "before"})
	require.NoError(t, err)

	a, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)
	b, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)

	_, op, err := a.Put(ctx, &Trivial{ID: 7, SomeString: "after"})
	require.NoError(t, err)

	pre, err := session.Load[Trivial](ctx, a, k)
	require.NoError(t, err)
	assert.Equal(t, "before", pre.SomeString, "an unresolved write is not visible yet")

	_, err = op.Await(ctx)
	require.NoError(t, err)
	post, err := session.Load[Trivial](ctx, a, k)
	require.NoError(t, err)
	assert.Equal(t, "after", post.SomeString)

	seen, err := session.Load[Trivial](ctx, b, k)
	require.NoError(t, err)
	assert.Equal(t, "before", seen.SomeString, "another transaction never sees uncommitted writes")

	outside, err := session.Load[Trivial](ctx, h.factory.Begin(), k)
	require.NoError(t, err)
	assert.Equal(t, "before", outside.SomeString)

	require.NoError(t, a.Commit(ctx))
	require.NoError(t, b.Rollback(ctx))

	committed, err := session.Load[Trivial](ctx, h.factory.Begin(), k)
	require.NoError(t, err)
	assert.Equal(t, "after", committed.SomeString)
}

func TestTransaction_DeleteTombstonesImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.WithLatency(30*time.Millisecond))
	k := domain.NewIdentity("Trivial", 3)

	_, err := h.factory.Begin().PutNow(ctx, &Trivial{ID: 3, SomeString: "doomed"})
	require.NoError(t, err)

	tx, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)
	_, err = tx.DeleteRaw(ctx, k)
	require.NoError(t, err)

	e, err := tx.LoadEntry(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, domain.Tombstoned, e.State)
	assert.False(t, e.Found())

	require.NoError(t, tx.Commit(ctx))
	_, err = session.Load[Trivial](ctx, h.factory.Begin(), k)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransaction_OperationFailure(t *testing.T) {
	ctx := context.Background()
	diskFull := errors.New("disk full")
	h := newHarness(t, memory.WithFault(func(op domain.OpKind, key *domain.RawKey) error {
		if key.ID == 13 {
			return diskFull
		}
		return nil
	}))

	tx, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)
	_, _, err = tx.Put(ctx, &Trivial{ID: 12, SomeString: "fine"})
	require.NoError(t, err)
	_, _, err = tx.Put(ctx, &Trivial{ID: 13, SomeString: "unlucky"})
	require.NoError(t, err)

	err = tx.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOperationFailed)
	assert.ErrorIs(t, err, diskFull)
	var opErr *domain.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, domain.NewIdentity("Trivial", 13), opErr.Identity)

	assert.Equal(t, domain.TxFailed, tx.State())
	assert.Equal(t, 0, tx.Cache().Len(), "touched identities are purged")
	assert.Equal(t, 0, h.backend.Len(), "no partial commit")
}

func TestTransaction_IllegalStates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tx, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	assert.ErrorIs(t, tx.Rollback(ctx), domain.ErrIllegalState)
	assert.ErrorIs(t, tx.Commit(ctx), domain.ErrIllegalState)
	_, _, err = tx.Put(ctx, &Trivial{ID: 1})
	assert.ErrorIs(t, err, domain.ErrIllegalState)
	_, err = tx.LoadEntry(ctx, domain.NewIdentity("Trivial", 1))
	assert.ErrorIs(t, err, domain.ErrIllegalState)
	_, err = tx.Transaction(ctx)
	assert.ErrorIs(t, err, domain.ErrIllegalState)

	committed, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)
	require.NoError(t, committed.Commit(ctx))
	assert.ErrorIs(t, committed.Rollback(ctx), domain.ErrIllegalState)

	root := h.factory.Begin()
	assert.ErrorIs(t, root.Commit(ctx), domain.ErrIllegalState)
	assert.ErrorIs(t, root.Rollback(ctx), domain.ErrIllegalState)
}

func TestTransaction_NestedCommitPromotesToParent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	k := domain.NewIdentity("Trivial", 5)

	_, err := h.factory.Begin().PutNow(ctx, &Trivial{ID: 5, SomeString: "v1"})
	require.NoError(t, err)

	outer, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)
	_, err = session.Load[Trivial](ctx, outer, k)
	require.NoError(t, err)

	err = outer.Transact(ctx, func(ctx context.Context, inner *session.Context) error {
		_, _, err := inner.Put(ctx, &Trivial{ID: 5, SomeString: "v2"})
		return err
	})
	require.NoError(t, err)

	e, ok := outer.Cache().Get(k)
	require.True(t, ok)
	assert.False(t, e.Dirty)
	assert.Contains(t, string(e.Payload), `"v2"`)
	require.NoError(t, outer.Rollback(ctx))
}

func TestLoad_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	root := h.factory.Begin()

	_, err := root.LoadEntry(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrNullInput)

	_, err = root.LoadEntry(ctx, domain.Identity{})
	assert.ErrorIs(t, err, domain.ErrNullInput)
	_, err = root.LoadEntry(ctx, &domain.RawKey{})
	assert.ErrorIs(t, err, domain.ErrNullInput)
	_, err = root.LoadEntry(ctx, domain.NewIdentity("Trivial", -3))
	assert.ErrorIs(t, err, domain.ErrIllegalState)
	_, err = root.LoadEntry(ctx, domain.ObjectOf(&Trivial{ID: -3}))
	assert.ErrorIs(t, err, domain.ErrIllegalState)
	assert.Equal(t, 0, h.shared.Len(), "nothing cached for invalid identities")
	assert.Equal(t, 0, root.Cache().Len())

	type Unregistered struct {
		ID int64 `keystone:"id"`
	}
	_, _, err = root.Put(ctx, &Unregistered{ID: 1})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = root.PutNow(ctx, &Thing{ID: 4, Foo: "x"})
	require.NoError(t, err)
	_, err = session.Load[Trivial](ctx, root, domain.NewIdentity("Thing", 4))
	assert.ErrorIs(t, err, domain.ErrConfiguration, "decoding into the wrong type")
}

func TestContext_FlushTransactionless(t *testing.T) {
	ctx := context.Background()
	diskFull := errors.New("disk full")
	h := newHarness(t, memory.WithFault(func(op domain.OpKind, key *domain.RawKey) error {
		if key.ID == 13 {
			return diskFull
		}
		return nil
	}))

	root := h.factory.Begin()
	_, _, err := root.Put(ctx, &Trivial{ID: 12, SomeString: "fine"})
	require.NoError(t, err)
	_, _, err = root.Put(ctx, &Trivial{ID: 13, SomeString: "unlucky"})
	require.NoError(t, err)

	err = root.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, diskFull)
	var opErr *domain.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, domain.NewIdentity("Trivial", 13), opErr.Identity)
	assert.Equal(t, domain.OpPut, opErr.Op)

	assert.NoError(t, root.Flush(ctx), "flushed failures are reported once")
	assert.Equal(t, 0, root.Pending().Len())

	e, err := root.LoadEntry(ctx, domain.NewIdentity("Trivial", 12))
	require.NoError(t, err)
	assert.True(t, e.Found())
	e, err = root.LoadEntry(ctx, domain.NewIdentity("Trivial", 13))
	require.NoError(t, err)
	assert.False(t, e.Found())
}

func TestContext_FlushTransactionKeepsWritesForCommit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tx, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)
	_, _, err = tx.Put(ctx, &Trivial{ID: 30, SomeString: "staged"})
	require.NoError(t, err)

	require.NoError(t, tx.Flush(ctx))
	assert.Equal(t, 1, tx.Pending().Len())
	assert.Equal(t, 0, h.backend.Len(), "flushing does not commit")

	require.NoError(t, tx.Commit(ctx))
	got, err := session.Load[Trivial](ctx, h.factory.Begin(), domain.NewIdentity("Trivial", 30))
	require.NoError(t, err)
	assert.Equal(t, "staged", got.SomeString)
}

func TestContext_FlushTransactionReportsFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.WithFault(func(op domain.OpKind, key *domain.RawKey) error {
		if key.ID == 13 {
			return errors.New("disk full")
		}
		return nil
	}))

	tx, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)
	_, _, err = tx.Put(ctx, &Trivial{ID: 13})
	require.NoError(t, err)

	err = tx.Flush(ctx)
	assert.ErrorIs(t, err, domain.ErrOperationFailed)
	assert.True(t, tx.IsActive())
	assert.ErrorIs(t, tx.Commit(ctx), domain.ErrOperationFailed)
}

func TestContext_ClearKeepsPendingWrites(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.WithLatency(200*time.Millisecond))
	k := domain.NewIdentity("Trivial", 20)

	tx, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)
	_, op, err := tx.Put(ctx, &Trivial{ID: 20, SomeString: "kept"})
	require.NoError(t, err)
	tx.Clear()
	assert.Equal(t, 1, tx.Pending().Len())
	select {
	case <-op.Done():
		t.Fatal("clearing must not settle the pending write")
	default:
	}

	require.NoError(t, tx.Commit(ctx))
	got, err := session.Load[Trivial](ctx, h.factory.Begin(), k)
	require.NoError(t, err)
	assert.Equal(t, "kept", got.SomeString)
}

func TestContext_ClearDropsOwnUncommittedState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	k := domain.NewIdentity("Trivial", 21)
	_, err := h.factory.Begin().PutNow(ctx, &Trivial{ID: 21, SomeString: "stored"})
	require.NoError(t, err)

	tx, err := h.factory.Begin().Transaction(ctx)
	require.NoError(t, err)
	_, err = tx.DeleteRaw(ctx, k)
	require.NoError(t, err)
	tx.Clear()

	// The tombstone went with the cache; the staged delete is still pending.
	e, err := tx.LoadEntry(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, domain.Present, e.State)

	require.NoError(t, tx.Commit(ctx))
	_, err = session.Load[Trivial](ctx, h.factory.Begin(), k)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeref(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	root := h.factory.Begin()
	_, err := root.PutNow(ctx, &Trivial{ID: 40, SomeString: "stored"})
	require.NoError(t, err)

	got, err := session.Deref[Trivial](ctx, root, domain.NewRef(domain.NewIdentity("Trivial", 40)))
	require.NoError(t, err)
	assert.Equal(t, "stored", got.SomeString)

	live := &Trivial{ID: 40, SomeString: "in memory"}
	ref, err := root.RefOf(live)
	require.NoError(t, err)
	assert.Equal(t, domain.NewIdentity("Trivial", 40), ref.Identity())
	held, err := session.Deref[Trivial](ctx, root, ref)
	require.NoError(t, err)
	assert.Same(t, live, held, "a held value is returned without loading")

	_, err = session.Deref[Thing](ctx, root, ref)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = root.RefOf(&Trivial{ID: -1})
	assert.ErrorIs(t, err, domain.ErrIllegalState)
}
