// Package staging holds the per-transaction bookkeeping shared by the backend adapters:
// the version each entity had when the transaction first touched it, and the writes
// waiting for commit.
package staging

import (
	"context"
	"fmt"
	"sync"

	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/ports"
	"github.com/google/uuid"
)

// Touch is the version an entity had when a transaction first read or wrote it.
type Touch struct {
	Key     *domain.RawKey
	Version domain.Version
}

// Write is a staged put or delete.
type Write struct {
	Key     *domain.RawKey
	Payload []byte
	Delete  bool
}

// Txn is the staging area of one backend transaction. Safe for concurrent use.
type Txn struct {
	ID ports.TxID

	mu         sync.Mutex
	touched    map[string]Touch
	touchOrder []string
	writes     map[string]Write
	writeOrder []string
}

// Observe records the version of key if this is the transaction's first touch of it.
func (t *Txn) Observe(key *domain.RawKey, version domain.Version) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observeLocked(key.Encode(), key, version)
}

// Touched reports whether key was already observed.
func (t *Txn) Touched(key *domain.RawKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.touched[key.Encode()]
	return ok
}

// Stage records a write. When key was never touched, expect is recorded as its origin
// version; if expect is NoVersion, current is called to read the stored version instead.
func (t *Txn) Stage(ctx context.Context, w Write, expect domain.Version, current func(context.Context, *domain.RawKey) (domain.Version, error)) error {
	enc := w.Key.Encode()
	if !t.Touched(w.Key) {
		if expect == domain.NoVersion && current != nil {
			v, err := current(ctx, w.Key)
			if err != nil {
				return fmt.Errorf("read version of %s: %w", w.Key, err)
			}
			expect = v
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observeLocked(enc, w.Key, expect)
	if _, ok := t.writes[enc]; !ok {
		t.writeOrder = append(t.writeOrder, enc)
	}
	t.writes[enc] = Write{Key: w.Key, Payload: append([]byte(nil), w.Payload...), Delete: w.Delete}
	return nil
}

// Touches returns every first-touch record in order.
func (t *Txn) Touches() []Touch {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Touch, 0, len(t.touchOrder))
	for _, enc := range t.touchOrder {
		out = append(out, t.touched[enc])
	}
	return out
}

// Writes returns the staged writes in the order they were first staged. A key written
// twice keeps its first position and its last payload.
func (t *Txn) Writes() []Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Write, 0, len(t.writeOrder))
	for _, enc := range t.writeOrder {
		out = append(out, t.writes[enc])
	}
	return out
}

func (t *Txn) observeLocked(enc string, key *domain.RawKey, version domain.Version) {
	if _, ok := t.touched[enc]; ok {
		return
	}
	t.touched[enc] = Touch{Key: key, Version: version}
	t.touchOrder = append(t.touchOrder, enc)
}

// Conflicts compares every touch with the currently stored version.
func (t *Txn) Conflicts(ctx context.Context, current func(context.Context, *domain.RawKey) (domain.Version, error)) ([]*domain.RawKey, error) {
	var conflicts []*domain.RawKey
	for _, touch := range t.Touches() {
		v, err := current(ctx, touch.Key)
		if err != nil {
			return nil, err
		}
		if v != touch.Version {
			conflicts = append(conflicts, touch.Key)
		}
	}
	return conflicts, nil
}

// Table tracks the open transactions of one backend.
type Table struct {
	mu   sync.Mutex
	txns map[ports.TxID]*Txn
}

// NewTable creates an empty transaction table.
func NewTable() *Table {
	return &Table{txns: make(map[ports.TxID]*Txn)}
}

// Begin opens a new transaction with a random id.
func (t *Table) Begin() *Txn {
	txn := &Txn{
		ID:      ports.TxID(uuid.NewString()),
		touched: make(map[string]Touch),
		writes:  make(map[string]Write),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txns[txn.ID] = txn
	return txn
}

// Lookup returns an open transaction.
func (t *Table) Lookup(id ports.TxID) (*Txn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	txn, ok := t.txns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrUnknownTransaction, id)
	}
	return txn, nil
}

// Finish removes a transaction from the table and returns it. A transaction can be
// finished exactly once.
func (t *Table) Finish(id ports.TxID) (*Txn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	txn, ok := t.txns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrUnknownTransaction, id)
	}
	delete(t.txns, id)
	return txn, nil
}

// Len returns the number of open transactions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.txns)
}
