/*
Package keystone resolves entity references to canonical identities and keeps a
per-context session cache coherent across nested transactional and transactionless
execution contexts.

# Concept

Every entity is addressed by an Identity: a kind, a numeric id or a name, and an optional
parent chain. Any of the supported reference forms (Identity, raw backend key, deferred
Ref, live registered object) resolves to the same Identity.

Work happens in contexts. A transaction buffers its writes in the backend until Commit,
sees its own writes, and never exposes them to other contexts before a successful commit.
A transactionless context writes through immediately. When two transactions race on the
same entity, the loser's commit fails with ErrConcurrentModification and none of its
writes reach any cache.

# Usage

	cfg, err := keystone.LoadConfig("keystone.yaml")
	if err != nil {
		log.Fatal(err)
	}
	store, err := keystone.Open(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	store.Registry().MustRegister("Trivial", Trivial{})

	err = store.Transact(ctx, func(ctx context.Context, tx *session.Context) error {
		t, err := session.Load[Trivial](ctx, tx, domain.NewIdentity("Trivial", 42))
		if err != nil {
			return err
		}
		t.SomeString = "bar"
		_, _, err = tx.Put(ctx, t)
		return err
	})

# Backends

Backends implement ports.Backend: memory (tests and embedding), sqlite and postgres
(pkg/adapters/sql), redis (pkg/adapters/redis) and S3-compatible object storage
(pkg/adapters/s3). A process-wide SharedCache (memory LRU or Redis) can sit beneath all
transactionless reads.
*/
package keystone
