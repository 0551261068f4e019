package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aretw0/keystone/internal/staging"
	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/future"
	"github.com/aretw0/keystone/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key the adapters write.
const DefaultPrefix = "keystone:"

// writeScript applies one immediate write if the stored version still matches.
// Returns -1 on a precondition failure, 0 for a delete and the new version for a put.
var writeScript = backend.NewScript(`
local cur = redis.call("HGET", KEYS[1], "v")
if ARGV[1] ~= "" and cur ~= ARGV[1] then
	return -1
end
if ARGV[3] == "del" then
	redis.call("DEL", KEYS[1])
	return 0
end
local v = redis.call("INCR", KEYS[2])
redis.call("HSET", KEYS[1], "p", ARGV[2], "v", v)
return v
`)

var errWatchedConflict = errors.New("watched entity changed")

// Backend implements ports.Backend on Redis. Entities are hashes holding the payload and
// a version drawn from one global clock; transactions are staged in-process and committed
// with WATCH/MULTI.
type Backend struct {
	client *backend.Client
	prefix string
	txns   *staging.Table
}

// Option configures the Redis adapters.
type Option func(*options)

type options struct {
	prefix string
	// milliseconds, shared cache only
	ttl    int64
	genTTL int64
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

func buildOptions(opts []Option) options {
	o := options{prefix: DefaultPrefix, genTTL: DefaultGenerationTTL.Milliseconds()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a Redis backend with its own client.
func New(address, password string, db int, opts ...Option) *Backend {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a Redis backend from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Backend {
	o := buildOptions(opts)
	return &Backend{
		client: client,
		prefix: o.prefix,
		txns:   staging.NewTable(),
	}
}

func (b *Backend) key(k *domain.RawKey) string {
	return b.prefix + "entity:" + k.Encode()
}

func (b *Backend) clockKey() string {
	return b.prefix + "clock"
}

func (b *Backend) idsKey(kind string) string {
	return b.prefix + "ids:" + kind
}

// Get retrieves a committed entity.
func (b *Backend) Get(ctx context.Context, tx ports.TxID, key *domain.RawKey) (ports.Record, error) {
	var txn *staging.Txn
	if tx != ports.NoTx {
		var err error
		if txn, err = b.txns.Lookup(tx); err != nil {
			return ports.Record{}, err
		}
	}

	fields, err := b.client.HGetAll(ctx, b.key(key)).Result()
	if err != nil {
		return ports.Record{}, fmt.Errorf("failed to get from redis: %w", err)
	}
	v, ok := fields["v"]
	if txn != nil {
		txn.Observe(key, domain.Version(v))
	}
	if !ok {
		return ports.Record{}, domain.ErrNotFound
	}
	return ports.Record{Key: key, Payload: []byte(fields["p"]), Version: domain.Version(v)}, nil
}

// PutAsync stores payload, immediately or staged in tx.
func (b *Backend) PutAsync(ctx context.Context, tx ports.TxID, key *domain.RawKey, payload []byte, expect domain.Version) *future.Future[domain.Version] {
	data := append([]byte(nil), payload...)
	return future.Go(ctx, func(ctx context.Context) (domain.Version, error) {
		if tx != ports.NoTx {
			return domain.NoVersion, b.stage(ctx, tx, staging.Write{Key: key, Payload: data}, expect)
		}
		n, err := writeScript.Run(ctx, b.client, []string{b.key(key), b.clockKey()}, string(expect), data, "put").Int64()
		if err != nil {
			return domain.NoVersion, fmt.Errorf("failed to save to redis: %w", err)
		}
		if n < 0 {
			return domain.NoVersion, fmt.Errorf("%w: %s", ports.ErrPrecondition, key)
		}
		return domain.Version(strconv.FormatInt(n, 10)), nil
	})
}

// DeleteAsync removes key, immediately or staged in tx.
func (b *Backend) DeleteAsync(ctx context.Context, tx ports.TxID, key *domain.RawKey, expect domain.Version) *future.Future[struct{}] {
	return future.Go(ctx, func(ctx context.Context) (struct{}, error) {
		if tx != ports.NoTx {
			return struct{}{}, b.stage(ctx, tx, staging.Write{Key: key, Delete: true}, expect)
		}
		n, err := writeScript.Run(ctx, b.client, []string{b.key(key), b.clockKey()}, string(expect), "", "del").Int64()
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to delete from redis: %w", err)
		}
		if n < 0 {
			return struct{}{}, fmt.Errorf("%w: %s", ports.ErrPrecondition, key)
		}
		return struct{}{}, nil
	})
}

// BeginTransaction opens a transaction.
func (b *Backend) BeginTransaction(ctx context.Context) (ports.TxID, error) {
	return b.txns.Begin().ID, nil
}

// CommitTransaction watches every touched entity, checks its version and applies the
// staged writes in one MULTI block. A watched key changing between the check and EXEC
// is reported as a conflict as well.
func (b *Backend) CommitTransaction(ctx context.Context, tx ports.TxID) (ports.CommitResult, error) {
	txn, err := b.txns.Finish(tx)
	if err != nil {
		return ports.CommitResult{}, err
	}
	touches := txn.Touches()
	writes := txn.Writes()
	watched := make([]string, 0, len(touches))
	for _, t := range touches {
		watched = append(watched, b.key(t.Key))
	}

	var res ports.CommitResult
	err = b.client.Watch(ctx, func(rtx *backend.Tx) error {
		for _, t := range touches {
			cur, err := rtx.HGet(ctx, b.key(t.Key), "v").Result()
			if err != nil && !errors.Is(err, backend.Nil) {
				return err
			}
			if domain.Version(cur) != t.Version {
				res.Conflicts = append(res.Conflicts, t.Key)
			}
		}
		if len(res.Conflicts) > 0 {
			return errWatchedConflict
		}

		puts := 0
		for _, w := range writes {
			if !w.Delete {
				puts++
			}
		}
		var next int64
		if puts > 0 {
			last, err := rtx.IncrBy(ctx, b.clockKey(), int64(puts)).Result()
			if err != nil {
				return err
			}
			next = last - int64(puts) + 1
		}

		written := make([]ports.WriteResult, 0, len(writes))
		_, err := rtx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			for _, w := range writes {
				if w.Delete {
					pipe.Del(ctx, b.key(w.Key))
					written = append(written, ports.WriteResult{Key: w.Key, Deleted: true})
					continue
				}
				pipe.HSet(ctx, b.key(w.Key), "p", w.Payload, "v", next)
				written = append(written, ports.WriteResult{Key: w.Key, Version: domain.Version(strconv.FormatInt(next, 10))})
				next++
			}
			return nil
		})
		if err == nil {
			res.Written = written
		}
		return err
	}, watched...)

	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, errWatchedConflict):
		res.Conflict = true
		res.Reason = fmt.Sprintf("%d entities changed since first read", len(res.Conflicts))
		return res, nil
	case errors.Is(err, backend.TxFailedErr):
		return ports.CommitResult{Conflict: true, Reason: "watched entities changed during commit"}, nil
	default:
		return ports.CommitResult{}, fmt.Errorf("failed to commit to redis: %w", err)
	}
}

// RollbackTransaction discards the staged writes.
func (b *Backend) RollbackTransaction(ctx context.Context, tx ports.TxID) error {
	_, err := b.txns.Finish(tx)
	return err
}

// AllocateID returns the next id of kind.
func (b *Backend) AllocateID(ctx context.Context, kind string) (int64, error) {
	id, err := b.client.Incr(ctx, b.idsKey(kind)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate id: %w", err)
	}
	return id, nil
}

// Close closes the redis client.
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) stage(ctx context.Context, tx ports.TxID, w staging.Write, expect domain.Version) error {
	txn, err := b.txns.Lookup(tx)
	if err != nil {
		return err
	}
	return txn.Stage(ctx, w, expect, func(ctx context.Context, key *domain.RawKey) (domain.Version, error) {
		cur, err := b.client.HGet(ctx, b.key(key), "v").Result()
		if err != nil && !errors.Is(err, backend.Nil) {
			return domain.NoVersion, err
		}
		return domain.Version(cur), nil
	})
}
