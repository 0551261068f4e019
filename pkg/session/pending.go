package session

import (
	"context"
	"sync"

	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/future"
)

// PendingOperation is an asynchronous put or delete issued by a context.
type PendingOperation struct {
	Kind     domain.OpKind
	Target   domain.Identity
	Payload  []byte // nil for deletes
	Version  *future.Future[domain.Version]
	sequence uint64
}

// Await blocks until the operation resolves and returns the version it wrote.
func (op *PendingOperation) Await(ctx context.Context) (domain.Version, error) {
	return op.Version.Await(ctx)
}

// Done is closed once the operation resolves.
func (op *PendingOperation) Done() <-chan struct{} { return op.Version.Done() }

// Cancel is best effort; see future.Future.Cancel.
func (op *PendingOperation) Cancel() { op.Version.Cancel() }

// OperationResult is the outcome of one drained operation.
type OperationResult struct {
	Op      *PendingOperation
	Version domain.Version
	Err     error
}

// PendingQueue records the asynchronous writes of one context.
type PendingQueue struct {
	mu      sync.Mutex
	ops     []*PendingOperation
	next    uint64
	latest  map[domain.Identity]uint64
	touched map[domain.Identity]struct{}
}

// NewPendingQueue creates an empty queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{
		latest:  make(map[domain.Identity]uint64),
		touched: make(map[domain.Identity]struct{}),
	}
}

// Enqueue records an operation that was already dispatched to the backend.
func (q *PendingQueue) Enqueue(kind domain.OpKind, target domain.Identity, payload []byte, f *future.Future[domain.Version]) *PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	op := &PendingOperation{Kind: kind, Target: target, Payload: payload, Version: f, sequence: q.next}
	q.ops = append(q.ops, op)
	q.latest[target] = op.sequence
	q.touched[target] = struct{}{}
	return op
}

// IsLatest reports whether op is the most recent operation enqueued for its target.
func (q *PendingQueue) IsLatest(op *PendingOperation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.latest[op.Target] == op.sequence
}

// Settle is IsLatest for contexts that never commit: it also forgets the target when op
// is its latest operation, so long-lived queues do not grow.
func (q *PendingQueue) Settle(op *PendingOperation) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.latest[op.Target] != op.sequence {
		return false
	}
	delete(q.latest, op.Target)
	delete(q.touched, op.Target)
	return true
}

// Drain awaits every operation in enqueue order and removes them from the queue.
// Operations that are still running when ctx ends are reported with ctx's error.
func (q *PendingQueue) Drain(ctx context.Context) []OperationResult {
	q.mu.Lock()
	ops := q.ops
	q.ops = nil
	q.mu.Unlock()

	results := make([]OperationResult, 0, len(ops))
	for _, op := range ops {
		v, err := op.Await(ctx)
		results = append(results, OperationResult{Op: op, Version: v, Err: err})
	}
	return results
}

// Wait awaits every queued operation like Drain but leaves them queued.
func (q *PendingQueue) Wait(ctx context.Context) []OperationResult {
	q.mu.Lock()
	ops := append([]*PendingOperation(nil), q.ops...)
	q.mu.Unlock()

	results := make([]OperationResult, 0, len(ops))
	for _, op := range ops {
		v, err := op.Await(ctx)
		results = append(results, OperationResult{Op: op, Version: v, Err: err})
	}
	return results
}

// Prune drops operations that already resolved successfully. Failed ones stay queued so
// the next Drain reports them.
func (q *PendingQueue) Prune() {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.ops[:0]
	for _, op := range q.ops {
		_, resolved, err := op.Version.Result()
		if resolved && err == nil {
			continue
		}
		kept = append(kept, op)
	}
	for n := len(kept); n < len(q.ops); n++ {
		q.ops[n] = nil
	}
	q.ops = kept
}

// CancelAll cancels every unresolved operation and empties the queue.
func (q *PendingQueue) CancelAll() {
	q.mu.Lock()
	ops := q.ops
	q.ops = nil
	q.mu.Unlock()
	for _, op := range ops {
		op.Cancel()
	}
}

// Touched returns every identity an operation was ever enqueued for.
func (q *PendingQueue) Touched() []domain.Identity {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Identity, 0, len(q.touched))
	for id := range q.touched {
		out = append(out, id)
	}
	return out
}

// Len returns the number of queued operations.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}
