package ports

import (
	"context"

	"github.com/aretw0/keystone/pkg/domain"
)

// Generation is the per-identity counter of a SharedCache slot. Every successful set and
// every invalidation advances it.
type Generation uint64

// SharedEntry is what the shared cache holds for an identity: a present payload with its
// backend version, or a confirmed absence.
type SharedEntry struct {
	State   domain.EntryState
	Payload []byte
	Version domain.Version
}

// SharedCache is the process-wide read cache beneath all transactions.
//
// Writers follow a snapshot/compare-and-set protocol instead of a lock: take Snapshot
// before reading the backend (or before committing), then CompareAndSet with that
// generation. The set succeeds only if nobody set or invalidated the identity in between,
// so a slow reader can never overwrite a newer committed value with a stale one.
type SharedCache interface {
	Get(ctx context.Context, id domain.Identity) (SharedEntry, bool, error)
	Snapshot(ctx context.Context, id domain.Identity) (Generation, error)
	CompareAndSet(ctx context.Context, id domain.Identity, gen Generation, entry SharedEntry) (bool, error)
	Invalidate(ctx context.Context, ids ...domain.Identity) error
}
