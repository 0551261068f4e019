package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/future"
	"github.com/aretw0/keystone/pkg/observability"
	"github.com/aretw0/keystone/pkg/ports"
	"github.com/google/uuid"
)

// Context is one execution context: either a backend transaction or a transactionless
// scope whose writes apply immediately. Contexts form a tree through their parent links.
type Context struct {
	id            string
	factory       *Factory
	parent        *Context
	tx            ports.TxID
	transactional bool

	cache   *Cache
	pending *PendingQueue

	mu    sync.Mutex
	state domain.TxState
}

func newContext(f *Factory, parent *Context, tx ports.TxID, transactional bool) *Context {
	c := &Context{
		id:            uuid.NewString(),
		factory:       f,
		parent:        parent,
		tx:            tx,
		transactional: transactional,
		pending:       NewPendingQueue(),
		state:         domain.TxActive,
	}
	if parent != nil {
		c.cache = parent.cache.Fork()
	} else {
		c.cache = NewCache()
	}
	return c
}

// ID returns the context id.
func (c *Context) ID() string { return c.id }

// Parent returns the enclosing context, or nil for a root.
func (c *Context) Parent() *Context { return c.parent }

// IsTransactional reports whether the context owns a backend transaction.
func (c *Context) IsTransactional() bool { return c.transactional }

// TxID returns the backend transaction id, or ports.NoTx.
func (c *Context) TxID() ports.TxID { return c.tx }

// Cache returns the context's session cache.
func (c *Context) Cache() *Cache { return c.cache }

// Pending returns the context's queue of asynchronous writes.
func (c *Context) Pending() *PendingQueue { return c.pending }

// State returns the lifecycle state.
func (c *Context) State() domain.TxState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsActive reports whether work may still be enlisted.
func (c *Context) IsActive() bool { return c.State() == domain.TxActive }

// Transaction begins a nested transaction. Its cache starts from the committed-visible
// entries of c, never from c's uncommitted writes.
func (c *Context) Transaction(ctx context.Context) (*Context, error) {
	if err := c.checkActive(); err != nil {
		return nil, err
	}
	tx, err := c.factory.backend.BeginTransaction(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	child := newContext(c.factory, c, tx, true)
	c.factory.logger.Debug("Transaction begun", "context_id", child.id, "parent_id", c.id, "tx", tx)
	return child, nil
}

// Transactionless returns a child context that escapes c's transaction: its writes apply
// immediately and survive a rollback of c.
func (c *Context) Transactionless() (*Context, error) {
	if err := c.checkActive(); err != nil {
		return nil, err
	}
	return newContext(c.factory, c, ports.NoTx, false), nil
}

// Clear discards the session cache so the next load re-fetches. Pending writes are kept
// and still apply. Inside a transaction this also drops the cached view of its completed
// uncommitted writes and tombstones, so its loads see committed state for them.
func (c *Context) Clear() {
	c.cache.Clear()
}

// LoadEntry resolves ref and returns its entry. Absent and tombstoned entities are
// returned as entries with Found() false, not as errors.
func (c *Context) LoadEntry(ctx context.Context, ref domain.Reference) (Entry, error) {
	id, err := c.factory.resolver.Resolve(ref)
	if err != nil {
		return Entry{}, err
	}
	return c.load(ctx, id)
}

func (c *Context) load(ctx context.Context, id domain.Identity) (Entry, error) {
	if err := id.Validate(); err != nil {
		return Entry{}, err
	}
	if err := c.checkActive(); err != nil {
		return Entry{}, err
	}
	m := c.factory.metrics

	if e, ok := c.cache.Get(id); ok {
		m.RecordLookup(observability.LayerLocal, e.Found())
		return e, nil
	}

	for p := c.parent; p != nil; p = p.parent {
		e, ok := p.cache.Get(id)
		if !ok || e.Dirty || e.State == domain.Tombstoned {
			continue
		}
		m.RecordLookup(observability.LayerAncestor, e.Found())
		return c.adopt(e), nil
	}

	if c.transactional {
		e, err := c.fetch(ctx, c.tx, id)
		if err != nil {
			return Entry{}, err
		}
		m.RecordLookup(observability.LayerBackend, e.Found())
		return c.adopt(e), nil
	}
	return c.readThrough(ctx, id)
}

// readThrough serves transactionless loads from the shared cache, falling back to the
// backend and populating the shared cache with the generation taken before the read.
func (c *Context) readThrough(ctx context.Context, id domain.Identity) (Entry, error) {
	f := c.factory
	if f.shared != nil {
		se, ok, err := f.shared.Get(ctx, id)
		if err != nil {
			f.logger.Warn("Shared cache read failed", "identity", id.String(), "err", err)
		} else if ok {
			f.metrics.RecordLookup(observability.LayerShared, se.State == domain.Present)
			return c.adopt(Entry{Identity: id, State: se.State, Payload: se.Payload, Version: se.Version}), nil
		}
	}

	v, err, _ := f.loads.Do(id.Encode(), func() (any, error) {
		gen, snapped := c.snapshot(ctx, id)
		e, err := c.fetch(ctx, ports.NoTx, id)
		if err != nil {
			return Entry{}, err
		}
		if snapped {
			won, err := f.shared.CompareAndSet(ctx, id, gen, ports.SharedEntry{State: e.State, Payload: e.Payload, Version: e.Version})
			if err != nil {
				f.logger.Warn("Shared cache populate failed", "identity", id.String(), "err", err)
			}
			f.metrics.RecordSharedWrite(won)
		}
		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}
	e := v.(Entry)
	f.metrics.RecordLookup(observability.LayerBackend, e.Found())
	return c.adopt(e), nil
}

func (c *Context) fetch(ctx context.Context, tx ports.TxID, id domain.Identity) (Entry, error) {
	rec, err := c.factory.backend.Get(ctx, tx, id.RawKey())
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return Entry{Identity: id, State: domain.Absent}, nil
	case err != nil:
		return Entry{}, fmt.Errorf("load %s: %w", id, err)
	}
	return Entry{Identity: id, State: domain.Present, Payload: rec.Payload, Version: rec.Version}, nil
}

// adopt caches a clean copy of e locally unless a local write got there first, and
// returns what the context now sees.
func (c *Context) adopt(e Entry) Entry {
	e.Dirty = false
	c.cache.Refresh(e)
	if cur, ok := c.cache.Get(e.Identity); ok {
		return cur
	}
	return e
}

// originVersion is the version the context last saw for id.
func (c *Context) originVersion(id domain.Identity) domain.Version {
	if e, ok := c.cache.Get(id); ok {
		return e.Version
	}
	for p := c.parent; p != nil; p = p.parent {
		if e, ok := p.cache.Get(id); ok && !e.Dirty {
			return e.Version
		}
	}
	return domain.NoVersion
}

// PutRaw writes an encoded payload under id asynchronously.
func (c *Context) PutRaw(ctx context.Context, id domain.Identity, payload []byte) (*PendingOperation, error) {
	return c.write(ctx, domain.OpPut, id, append([]byte(nil), payload...))
}

// DeleteRaw deletes id asynchronously. Loads in this context see it absent at once.
func (c *Context) DeleteRaw(ctx context.Context, id domain.Identity) (*PendingOperation, error) {
	return c.write(ctx, domain.OpDelete, id, nil)
}

func (c *Context) write(ctx context.Context, kind domain.OpKind, id domain.Identity, payload []byte) (*PendingOperation, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := c.checkActive(); err != nil {
		return nil, err
	}
	if c.transactional {
		return c.writeInTransaction(ctx, kind, id, payload), nil
	}
	return c.writeNow(ctx, kind, id, payload), nil
}

// writeInTransaction stages the write in the backend transaction. A put becomes visible
// to this context's loads once its future resolves; nothing leaves the context before
// commit.
func (c *Context) writeInTransaction(ctx context.Context, kind domain.OpKind, id domain.Identity, payload []byte) *PendingOperation {
	origin := c.originVersion(id)
	if kind == domain.OpDelete {
		c.cache.MarkTombstoned(id, origin, true)
	}
	f := c.dispatch(ctx, c.tx, kind, id, payload, origin)
	op := c.pending.Enqueue(kind, id, payload, f)

	f.OnComplete(func(_ domain.Version, err error) {
		c.factory.metrics.RecordOperation(kind.String(), err)
		if err != nil {
			c.factory.logger.Warn("Pending operation failed", "context_id", c.id, "op", kind.String(), "identity", id.String(), "err", err)
			return
		}
		if kind == domain.OpPut && c.accepting() && c.pending.IsLatest(op) {
			c.cache.Put(Entry{Identity: id, State: domain.Present, Payload: payload, Version: origin, Dirty: true})
		}
	})
	return op
}

// writeNow applies the write outside any transaction. On success the new state is cached
// here, refreshed in ancestors and written through to the shared cache.
func (c *Context) writeNow(ctx context.Context, kind domain.OpKind, id domain.Identity, payload []byte) *PendingOperation {
	gen, snapped := c.snapshot(ctx, id)
	if kind == domain.OpDelete {
		c.cache.MarkTombstoned(id, domain.NoVersion, false)
	}
	f := c.dispatch(ctx, ports.NoTx, kind, id, payload, domain.NoVersion)
	c.pending.Prune()
	op := c.pending.Enqueue(kind, id, payload, f)

	f.OnComplete(func(v domain.Version, err error) {
		bg := context.WithoutCancel(ctx)
		c.factory.metrics.RecordOperation(kind.String(), err)
		latest := c.pending.Settle(op)
		if err != nil {
			c.factory.logger.Warn("Write failed", "context_id", c.id, "op", kind.String(), "identity", id.String(), "err", err)
			if latest {
				c.cache.Purge(id)
			}
			c.invalidate(bg, id)
			return
		}
		if !latest {
			return
		}
		e := Entry{Identity: id, State: domain.Absent}
		if kind == domain.OpPut {
			e = Entry{Identity: id, State: domain.Present, Payload: payload, Version: v}
		}
		c.cache.Put(e)
		c.promote(e)
		c.writeThrough(bg, id, gen, snapped, e)
	})
	return op
}

func (c *Context) dispatch(ctx context.Context, tx ports.TxID, kind domain.OpKind, id domain.Identity, payload []byte, expect domain.Version) *future.Future[domain.Version] {
	backend := c.factory.backend
	if kind == domain.OpDelete {
		return future.Map(backend.DeleteAsync(ctx, tx, id.RawKey(), expect), func(struct{}) domain.Version {
			return domain.NoVersion
		})
	}
	return backend.PutAsync(ctx, tx, id.RawKey(), payload, expect)
}

// Flush waits for every outstanding write of the context and reports the failures.
// A transactionless context forgets the flushed writes; a transaction keeps them for
// Commit.
func (c *Context) Flush(ctx context.Context) error {
	var results []OperationResult
	if c.transactional {
		results = c.pending.Wait(ctx)
	} else {
		results = c.pending.Drain(ctx)
	}
	return errors.Join(failures(results)...)
}

// Commit drains the pending writes and commits the backend transaction.
//
// If a write failed, the touched identities are purged and the transaction fails with the
// joined *domain.OperationError values. If the backend reports a conflict, the affected
// identities are purged from every reachable session cache and a *domain.ConflictError is
// returned; the shared cache is not written, only invalidated for writes the backend
// reports as applied. On success the writes are promoted into the
// ancestors and written through to the shared cache.
func (c *Context) Commit(ctx context.Context) error {
	if !c.transactional {
		return fmt.Errorf("%w: context %s has no transaction to commit", domain.ErrIllegalState, c.id)
	}
	if err := c.transition(domain.TxActive, domain.TxCommitting); err != nil {
		return err
	}
	f := c.factory
	start := time.Now()

	results := c.pending.Drain(ctx)
	if failed := failures(results); len(failed) > 0 {
		c.setState(domain.TxFailed)
		c.cache.Purge(c.pending.Touched()...)
		c.rollbackBackend(ctx)
		f.metrics.RecordCommit(observability.OutcomeFailed, time.Since(start))
		return errors.Join(failed...)
	}

	order, final := lastWrites(results)
	gens := make(map[domain.Identity]ports.Generation, len(order))
	for _, id := range order {
		if gen, ok := c.snapshot(ctx, id); ok {
			gens[id] = gen
		}
	}

	res, err := f.backend.CommitTransaction(ctx, c.tx)
	verdict := f.guard.CheckCommit(res, err)
	switch verdict.Outcome {
	case Conflict:
		c.setState(domain.TxFailed)
		affected := append(append([]domain.Identity(nil), verdict.Identities...), order...)
		affected = append(affected, c.pending.Touched()...)
		f.guard.Purge(c, affected)
		// Some backends apply part of a losing commit. Drop what the shared cache holds for
		// those identities without publishing the loser's data.
		if applied := writtenIdentities(res.Written); len(applied) > 0 {
			c.invalidate(context.WithoutCancel(ctx), applied...)
		}
		f.metrics.RecordCommit(observability.OutcomeConflict, time.Since(start))
		f.logger.Warn("Commit lost a concurrency race", "context_id", c.id, "tx", c.tx, "reason", verdict.Reason)
		reported := verdict.Identities
		if len(reported) == 0 {
			reported = order
		}
		return &domain.ConflictError{Identities: reported, Reason: verdict.Reason}
	case Failed:
		c.setState(domain.TxFailed)
		c.cache.Purge(order...)
		if applied := writtenIdentities(res.Written); len(applied) > 0 {
			c.invalidate(context.WithoutCancel(ctx), applied...)
		}
		if !errors.Is(verdict.Err, ports.ErrUnknownTransaction) {
			c.rollbackBackend(ctx)
		}
		f.metrics.RecordCommit(observability.OutcomeFailed, time.Since(start))
		return fmt.Errorf("commit transaction %s: %w", c.tx, verdict.Err)
	}

	c.setState(domain.TxCommitted)
	versions := make(map[string]domain.Version, len(res.Written))
	for _, w := range res.Written {
		versions[w.Key.Encode()] = w.Version
	}
	bg := context.WithoutCancel(ctx)
	for _, id := range order {
		e := Entry{Identity: id, State: domain.Absent}
		if op := final[id]; op.Kind == domain.OpPut {
			e = Entry{Identity: id, State: domain.Present, Payload: op.Payload, Version: versions[id.RawKey().Encode()]}
		}
		c.cache.Put(e)
		c.promote(e)
		gen, snapped := gens[id]
		c.writeThrough(bg, id, gen, snapped, e)
	}
	f.metrics.RecordCommit(observability.OutcomeCommitted, time.Since(start))
	f.logger.Debug("Transaction committed", "context_id", c.id, "tx", c.tx, "writes", len(order))
	return nil
}

// Rollback cancels the pending writes, rolls the backend transaction back and discards
// the session cache. Calling it on a context that is not active is an error.
func (c *Context) Rollback(ctx context.Context) error {
	if !c.transactional {
		return fmt.Errorf("%w: context %s has no transaction to roll back", domain.ErrIllegalState, c.id)
	}
	if err := c.transition(domain.TxActive, domain.TxRollingBack); err != nil {
		return err
	}
	c.pending.CancelAll()
	err := c.factory.backend.RollbackTransaction(ctx, c.tx)
	c.cache.Clear()
	c.setState(domain.TxRolledBack)
	c.factory.metrics.RecordRollback()
	c.factory.logger.Debug("Transaction rolled back", "context_id", c.id, "tx", c.tx)
	if err != nil {
		return fmt.Errorf("rollback transaction %s: %w", c.tx, err)
	}
	return nil
}

// Transact runs fn in a new transaction nested in c. The transaction commits when fn
// returns nil and is rolled back, if still active, when fn fails or panics.
func (c *Context) Transact(ctx context.Context, fn func(context.Context, *Context) error) error {
	tx, err := c.Transaction(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if tx.IsActive() {
				_ = tx.Rollback(ctx)
			}
			panic(r)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if tx.IsActive() {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				c.factory.logger.Warn("Rollback after failed work", "context_id", tx.id, "err", rbErr)
			}
		}
		return err
	}
	return tx.Commit(ctx)
}

// TransactResult is Transact for work that returns a value.
func TransactResult[T any](ctx context.Context, c *Context, fn func(context.Context, *Context) (T, error)) (T, error) {
	var out T
	err := c.Transact(ctx, func(ctx context.Context, tx *Context) error {
		v, err := fn(ctx, tx)
		out = v
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// promote refreshes the committed state of e in every ancestor that has no uncommitted
// write of its own for the identity.
func (c *Context) promote(e Entry) {
	for p := c.parent; p != nil; p = p.parent {
		p.cache.Refresh(e)
	}
}

func (c *Context) snapshot(ctx context.Context, id domain.Identity) (ports.Generation, bool) {
	shared := c.factory.shared
	if shared == nil {
		return 0, false
	}
	gen, err := shared.Snapshot(ctx, id)
	if err != nil {
		c.factory.logger.Warn("Shared cache snapshot failed", "identity", id.String(), "err", err)
		return 0, false
	}
	return gen, true
}

// writeThrough sets e in the shared cache if nobody touched the identity since gen was
// taken, and invalidates it otherwise.
func (c *Context) writeThrough(ctx context.Context, id domain.Identity, gen ports.Generation, snapped bool, e Entry) {
	shared := c.factory.shared
	if shared == nil {
		return
	}
	if snapped {
		won, err := shared.CompareAndSet(ctx, id, gen, ports.SharedEntry{State: e.State, Payload: e.Payload, Version: e.Version})
		c.factory.metrics.RecordSharedWrite(won)
		if err == nil && won {
			return
		}
		if err != nil {
			c.factory.logger.Warn("Shared cache write-through failed", "identity", id.String(), "err", err)
		}
	}
	c.invalidate(ctx, id)
}

func writtenIdentities(written []ports.WriteResult) []domain.Identity {
	keys := make([]*domain.RawKey, 0, len(written))
	for _, w := range written {
		keys = append(keys, w.Key)
	}
	return identities(keys)
}

func (c *Context) invalidate(ctx context.Context, ids ...domain.Identity) {
	if c.factory.shared == nil {
		return
	}
	if err := c.factory.shared.Invalidate(ctx, ids...); err != nil {
		c.factory.logger.Warn("Shared cache invalidation failed", "count", len(ids), "err", err)
	}
}

func (c *Context) rollbackBackend(ctx context.Context) {
	if err := c.factory.backend.RollbackTransaction(context.WithoutCancel(ctx), c.tx); err != nil && !errors.Is(err, ports.ErrUnknownTransaction) {
		c.factory.logger.Warn("Best-effort rollback failed", "context_id", c.id, "tx", c.tx, "err", err)
	}
}

func (c *Context) checkActive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.TxActive {
		return fmt.Errorf("%w: context %s is %s", domain.ErrIllegalState, c.id, c.state)
	}
	return nil
}

// accepting reports whether async completions may still update the cache.
func (c *Context) accepting() bool {
	s := c.State()
	return s == domain.TxActive || s == domain.TxCommitting
}

func (c *Context) transition(from, to domain.TxState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return fmt.Errorf("%w: context %s is %s, not %s", domain.ErrIllegalState, c.id, c.state, from)
	}
	c.state = to
	return nil
}

func (c *Context) setState(s domain.TxState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func failures(results []OperationResult) []error {
	var out []error
	for _, r := range results {
		if r.Err != nil {
			out = append(out, &domain.OperationError{Op: r.Op.Kind, Identity: r.Op.Target, Err: r.Err})
		}
	}
	return out
}

// lastWrites returns the written identities in first-write order and the last operation
// issued for each.
func lastWrites(results []OperationResult) ([]domain.Identity, map[domain.Identity]*PendingOperation) {
	var order []domain.Identity
	final := make(map[domain.Identity]*PendingOperation)
	for _, r := range results {
		if _, seen := final[r.Op.Target]; !seen {
			order = append(order, r.Op.Target)
		}
		final[r.Op.Target] = r.Op
	}
	return order, final
}
