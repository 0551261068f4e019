package ports

import (
	"context"
	"errors"

	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/future"
)

var (
	// ErrPrecondition is the uniform signal for a write whose expected version no longer
	// matches the stored one.
	ErrPrecondition = errors.New("precondition failed")

	// ErrUnknownTransaction is returned for transaction ids the backend does not know,
	// including ones that already committed or rolled back.
	ErrUnknownTransaction = errors.New("unknown transaction")
)

// TxID identifies a backend transaction.
type TxID string

// NoTx addresses the backend outside any transaction: writes apply immediately.
const NoTx TxID = ""

// Record is a stored entity.
type Record struct {
	Key     *domain.RawKey
	Payload []byte
	Version domain.Version
}

// WriteResult describes one write applied by a commit.
type WriteResult struct {
	Key     *domain.RawKey
	Version domain.Version // NoVersion for deletes
	Deleted bool
}

// CommitResult is the outcome of CommitTransaction. Conflict is the backend's signal that
// another writer changed an entity this transaction touched; it is distinct from any error
// and from "not found".
type CommitResult struct {
	Conflict  bool
	Conflicts []*domain.RawKey
	Reason    string

	// Written lists applied writes. A backend that can apply part of a commit reports them
	// here even when Conflict is set or CommitTransaction fails.
	Written []WriteResult
}

// Backend is the authoritative entity store.
//
// Inside a transaction, the backend remembers the version of every entity at its first
// touch (a Get, or a staged write with the caller's expected version) and CommitTransaction
// reports Conflict if any of them changed. Transactional Gets read committed data; staged
// writes only become visible when the commit succeeds.
type Backend interface {
	// Get returns domain.ErrNotFound when the entity does not exist.
	Get(ctx context.Context, tx TxID, key *domain.RawKey) (Record, error)

	// PutAsync stores payload under key. With NoTx the write applies immediately and, when
	// expect is set, only if the stored version still equals expect (else ErrPrecondition).
	PutAsync(ctx context.Context, tx TxID, key *domain.RawKey, payload []byte, expect domain.Version) *future.Future[domain.Version]

	// DeleteAsync removes key, with the same expect semantics as PutAsync.
	DeleteAsync(ctx context.Context, tx TxID, key *domain.RawKey, expect domain.Version) *future.Future[struct{}]

	BeginTransaction(ctx context.Context) (TxID, error)
	CommitTransaction(ctx context.Context, tx TxID) (CommitResult, error)
	RollbackTransaction(ctx context.Context, tx TxID) error

	// AllocateID returns a fresh numeric id for kind, never returned before.
	AllocateID(ctx context.Context, kind string) (int64, error)
}
