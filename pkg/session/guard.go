package session

import (
	"errors"

	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/ports"
)

// Outcome classifies a backend commit.
type Outcome int

const (
	// OK means the commit applied.
	OK Outcome = iota
	// Conflict means another writer changed an entity the transaction touched.
	Conflict
	// Failed means the commit failed for any other reason; nothing is known about conflicts.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Conflict:
		return "conflict"
	default:
		return "failed"
	}
}

// Verdict is the guard's reading of a commit.
type Verdict struct {
	Outcome Outcome
	// Identities lists the conflicting entities when the backend named them.
	Identities []domain.Identity
	Reason     string
	Err        error
}

// Guard turns backend commit signals into a uniform verdict and drives cache invalidation.
type Guard struct{}

// CheckCommit interprets the result of Backend.CommitTransaction. Both the explicit
// Conflict flag and a precondition failure mean Conflict. A missing entity is never a
// conflict.
func (Guard) CheckCommit(res ports.CommitResult, err error) Verdict {
	switch {
	case err == nil && !res.Conflict:
		return Verdict{Outcome: OK}
	case err == nil:
		return Verdict{Outcome: Conflict, Identities: identities(res.Conflicts), Reason: res.Reason}
	case errors.Is(err, ports.ErrPrecondition):
		return Verdict{Outcome: Conflict, Identities: identities(res.Conflicts), Reason: err.Error(), Err: err}
	default:
		return Verdict{Outcome: Failed, Err: err}
	}
}

// Purge removes ids from c's cache and the clean entries of every ancestor cache.
// Dirty ancestor entries belong to transactions still in flight and are left alone.
func (Guard) Purge(c *Context, ids []domain.Identity) {
	if len(ids) == 0 {
		return
	}
	c.cache.Purge(ids...)
	for p := c.parent; p != nil; p = p.parent {
		p.cache.PurgeClean(ids...)
	}
}

func identities(keys []*domain.RawKey) []domain.Identity {
	out := make([]domain.Identity, 0, len(keys))
	for _, k := range keys {
		if id, err := k.Identity(); err == nil {
			out = append(out, id)
		}
	}
	return out
}
