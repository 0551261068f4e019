package keystone_test

import (
	"context"
	"fmt"
	"log"

	"github.com/aretw0/keystone"
	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/session"
)

type Trivial struct {
	ID         int64  `keystone:"id" json:"id"`
	SomeString string `json:"someString"`
	SomeNumber int64  `json:"someNumber"`
}

// ExampleOpen shows a transactional update followed by a transactionless read.
func ExampleOpen() {
	ctx := context.Background()
	cfg := keystone.DefaultConfig()
	cfg.Log.Level = "error"

	store, err := keystone.Open(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()
	store.Registry().MustRegister("Trivial", Trivial{})

	root := store.Begin()
	if _, err := root.PutNow(ctx, &Trivial{ID: 42, SomeString: "foo"}); err != nil {
		log.Fatal(err)
	}

	err = store.Transact(ctx, func(ctx context.Context, tx *session.Context) error {
		t, err := session.Load[Trivial](ctx, tx, domain.NewIdentity("Trivial", 42))
		if err != nil {
			return err
		}
		t.SomeString = "bar"
		_, _, err = tx.Put(ctx, t)
		return err
	})
	if err != nil {
		log.Fatal(err)
	}

	t, err := session.Load[Trivial](ctx, store.Begin(), domain.NewIdentity("Trivial", 42))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(t.SomeString)
	// Output: bar
}

// ExampleStore_Transact_autoID shows id allocation for a new entity.
func ExampleStore_Transact_autoID() {
	ctx := context.Background()
	cfg := keystone.DefaultConfig()
	cfg.Log.Level = "error"

	store, err := keystone.Open(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()
	store.Registry().MustRegister("Trivial", Trivial{})

	var id domain.Identity
	err = store.Transact(ctx, func(ctx context.Context, tx *session.Context) error {
		var err error
		id, _, err = tx.Put(ctx, &Trivial{SomeString: "new"})
		return err
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(id)
	// Output: Trivial(1)
}
