package session_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/ports"
	"github.com/aretw0/keystone/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_CheckCommit(t *testing.T) {
	var g session.Guard
	key := &domain.RawKey{Kind: "Trivial", ID: 1}

	assert.Equal(t, session.OK, g.CheckCommit(ports.CommitResult{}, nil).Outcome)

	v := g.CheckCommit(ports.CommitResult{Conflict: true, Conflicts: []*domain.RawKey{key}, Reason: "changed"}, nil)
	assert.Equal(t, session.Conflict, v.Outcome)
	assert.Equal(t, []domain.Identity{domain.NewIdentity("Trivial", 1)}, v.Identities)
	assert.Equal(t, "changed", v.Reason)

	v = g.CheckCommit(ports.CommitResult{}, fmt.Errorf("s3: %w", ports.ErrPrecondition))
	assert.Equal(t, session.Conflict, v.Outcome)

	v = g.CheckCommit(ports.CommitResult{}, domain.ErrNotFound)
	assert.Equal(t, session.Failed, v.Outcome, "a missing entity is not a conflict")

	v = g.CheckCommit(ports.CommitResult{}, errors.New("network down"))
	assert.Equal(t, session.Failed, v.Outcome)
}

func TestGuard_PurgeReachesAncestors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	k := domain.NewIdentity("Trivial", 1)
	other := domain.NewIdentity("Trivial", 2)

	root := h.factory.Begin()
	root.Cache().Put(session.Entry{Identity: k, State: domain.Present, Payload: []byte("{}")})
	outer, err := root.Transaction(ctx)
	require.NoError(t, err)
	outer.Cache().Put(session.Entry{Identity: k, State: domain.Present, Payload: []byte("{}"), Dirty: true})
	inner, err := outer.Transaction(ctx)
	require.NoError(t, err)
	inner.Cache().Put(session.Entry{Identity: other, State: domain.Absent})

	session.Guard{}.Purge(inner, []domain.Identity{k, other})

	_, ok := root.Cache().Get(k)
	assert.False(t, ok)
	_, ok = outer.Cache().Get(k)
	assert.True(t, ok, "in-flight writes of an ancestor survive")
	_, ok = inner.Cache().Get(other)
	assert.False(t, ok)
}
