package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aretw0/keystone/internal/staging"
	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/future"
	"github.com/aretw0/keystone/pkg/ports"
)

// FaultFunc lets tests fail individual writes. A non-nil error fails the operation.
type FaultFunc func(op domain.OpKind, key *domain.RawKey) error

type record struct {
	key     *domain.RawKey
	payload []byte
	version int64
}

// Backend implements ports.Backend in memory.
// Safe for concurrent use.
type Backend struct {
	mu      sync.RWMutex
	data    map[string]record
	clock   int64
	nextIDs map[string]int64

	txns    *staging.Table
	latency time.Duration
	fault   FaultFunc
}

// Option configures the Backend.
type Option func(*Backend)

// WithLatency delays every asynchronous write, so callers observe them as pending.
func WithLatency(d time.Duration) Option {
	return func(b *Backend) {
		b.latency = d
	}
}

// WithFault installs a fault injector for writes.
func WithFault(fn FaultFunc) Option {
	return func(b *Backend) {
		b.fault = fn
	}
}

// NewBackend creates a new in-memory backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		data:    make(map[string]record),
		nextIDs: make(map[string]int64),
		txns:    staging.NewTable(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Get retrieves a committed entity. Inside a transaction it also records the first touch.
func (b *Backend) Get(ctx context.Context, tx ports.TxID, key *domain.RawKey) (ports.Record, error) {
	var txn *staging.Txn
	if tx != ports.NoTx {
		var err error
		if txn, err = b.txns.Lookup(tx); err != nil {
			return ports.Record{}, err
		}
	}

	b.mu.RLock()
	rec, ok := b.data[key.Encode()]
	b.mu.RUnlock()

	if txn != nil {
		txn.Observe(key, versionOf(rec, ok))
	}
	if !ok {
		return ports.Record{}, domain.ErrNotFound
	}
	// Copy on read so callers can't mutate stored payloads.
	return ports.Record{
		Key:     rec.key,
		Payload: append([]byte(nil), rec.payload...),
		Version: formatVersion(rec.version),
	}, nil
}

// PutAsync stores payload, immediately or staged in tx.
func (b *Backend) PutAsync(ctx context.Context, tx ports.TxID, key *domain.RawKey, payload []byte, expect domain.Version) *future.Future[domain.Version] {
	data := append([]byte(nil), payload...)
	return future.Go(ctx, func(ctx context.Context) (domain.Version, error) {
		if err := b.delay(ctx, domain.OpPut, key); err != nil {
			return domain.NoVersion, err
		}
		if tx != ports.NoTx {
			return domain.NoVersion, b.stage(ctx, tx, staging.Write{Key: key, Payload: data}, expect)
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if err := b.checkLocked(key, expect); err != nil {
			return domain.NoVersion, err
		}
		return formatVersion(b.writeLocked(key, data)), nil
	})
}

// DeleteAsync removes key, immediately or staged in tx.
func (b *Backend) DeleteAsync(ctx context.Context, tx ports.TxID, key *domain.RawKey, expect domain.Version) *future.Future[struct{}] {
	return future.Go(ctx, func(ctx context.Context) (struct{}, error) {
		if err := b.delay(ctx, domain.OpDelete, key); err != nil {
			return struct{}{}, err
		}
		if tx != ports.NoTx {
			return struct{}{}, b.stage(ctx, tx, staging.Write{Key: key, Delete: true}, expect)
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if err := b.checkLocked(key, expect); err != nil {
			return struct{}{}, err
		}
		delete(b.data, key.Encode())
		return struct{}{}, nil
	})
}

// BeginTransaction opens a transaction.
func (b *Backend) BeginTransaction(ctx context.Context) (ports.TxID, error) {
	return b.txns.Begin().ID, nil
}

// CommitTransaction validates every first touch and applies the staged writes atomically.
func (b *Backend) CommitTransaction(ctx context.Context, tx ports.TxID) (ports.CommitResult, error) {
	txn, err := b.txns.Finish(tx)
	if err != nil {
		return ports.CommitResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	conflicts, _ := txn.Conflicts(ctx, func(_ context.Context, key *domain.RawKey) (domain.Version, error) {
		rec, ok := b.data[key.Encode()]
		return versionOf(rec, ok), nil
	})
	if len(conflicts) > 0 {
		return ports.CommitResult{
			Conflict:  true,
			Conflicts: conflicts,
			Reason:    fmt.Sprintf("%d entities changed since first read", len(conflicts)),
		}, nil
	}

	var res ports.CommitResult
	for _, w := range txn.Writes() {
		if w.Delete {
			delete(b.data, w.Key.Encode())
			res.Written = append(res.Written, ports.WriteResult{Key: w.Key, Deleted: true})
			continue
		}
		v := b.writeLocked(w.Key, w.Payload)
		res.Written = append(res.Written, ports.WriteResult{Key: w.Key, Version: formatVersion(v)})
	}
	return res, nil
}

// RollbackTransaction discards the staged writes.
func (b *Backend) RollbackTransaction(ctx context.Context, tx ports.TxID) error {
	_, err := b.txns.Finish(tx)
	return err
}

// AllocateID returns the next id of kind.
func (b *Backend) AllocateID(ctx context.Context, kind string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextIDs[kind]++
	return b.nextIDs[kind], nil
}

// Len returns the number of stored entities.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

func (b *Backend) stage(ctx context.Context, tx ports.TxID, w staging.Write, expect domain.Version) error {
	txn, err := b.txns.Lookup(tx)
	if err != nil {
		return err
	}
	return txn.Stage(ctx, w, expect, func(_ context.Context, key *domain.RawKey) (domain.Version, error) {
		b.mu.RLock()
		defer b.mu.RUnlock()
		rec, ok := b.data[key.Encode()]
		return versionOf(rec, ok), nil
	})
}

func (b *Backend) delay(ctx context.Context, op domain.OpKind, key *domain.RawKey) error {
	if b.latency > 0 {
		select {
		case <-time.After(b.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if b.fault != nil {
		return b.fault(op, key)
	}
	return nil
}

func (b *Backend) checkLocked(key *domain.RawKey, expect domain.Version) error {
	if expect == domain.NoVersion {
		return nil
	}
	rec, ok := b.data[key.Encode()]
	if versionOf(rec, ok) != expect {
		return fmt.Errorf("%w: %s", ports.ErrPrecondition, key)
	}
	return nil
}

func (b *Backend) writeLocked(key *domain.RawKey, payload []byte) int64 {
	b.clock++
	b.data[key.Encode()] = record{key: key, payload: payload, version: b.clock}
	return b.clock
}

func versionOf(rec record, ok bool) domain.Version {
	if !ok {
		return domain.NoVersion
	}
	return formatVersion(rec.version)
}

func formatVersion(v int64) domain.Version {
	return domain.Version(strconv.FormatInt(v, 10))
}
