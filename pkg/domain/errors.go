package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNullInput is returned when a nil reference is passed where one is required.
	ErrNullInput = errors.New("null input")

	// ErrConfiguration is returned when a value's type was never registered as a kind.
	ErrConfiguration = errors.New("configuration error")

	// ErrIllegalState is returned for operations on a terminated or inactive context,
	// and for entities whose identifier is required but unset.
	ErrIllegalState = errors.New("illegal state")

	// ErrConcurrentModification is returned when the backend detects a conflicting
	// write at commit time.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrOperationFailed is returned when an asynchronous put or delete failed.
	ErrOperationFailed = errors.New("operation failed")

	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")
)

// ConflictError reports an optimistic concurrency conflict detected at commit.
type ConflictError struct {
	Identities []Identity
	Reason     string
}

func (e *ConflictError) Error() string {
	var b strings.Builder
	b.WriteString(ErrConcurrentModification.Error())
	if len(e.Identities) > 0 {
		names := make([]string, len(e.Identities))
		for n, id := range e.Identities {
			names[n] = id.String()
		}
		b.WriteString(" on " + strings.Join(names, ", "))
	}
	if e.Reason != "" {
		b.WriteString(": " + e.Reason)
	}
	return b.String()
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrentModification
}

// OperationError reports the failure of one pending put or delete.
type OperationError struct {
	Op       OpKind
	Identity Identity
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Identity, e.Err)
}

func (e *OperationError) Unwrap() []error {
	return []error{ErrOperationFailed, e.Err}
}
