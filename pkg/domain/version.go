package domain

// Version is the opaque token a backend uses to detect conflicting concurrent writes:
// a row counter, an entity-group version or an ETag. The engine only compares versions
// for equality.
type Version string

// NoVersion marks an entity the backend does not hold.
const NoVersion Version = ""

// EntryState is the cached state of an identity.
type EntryState int

const (
	// Present means the entity exists and its payload is cached.
	Present EntryState = iota
	// Absent means the backend was asked and holds no entity.
	Absent
	// Tombstoned means the owning context issued a delete that is not yet confirmed.
	Tombstoned
)

func (s EntryState) String() string {
	switch s {
	case Present:
		return "present"
	case Absent:
		return "absent"
	case Tombstoned:
		return "tombstoned"
	default:
		return "unknown"
	}
}

// OpKind is the kind of a write operation.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

func (k OpKind) String() string {
	if k == OpDelete {
		return "delete"
	}
	return "put"
}

// TxState is the lifecycle state of an execution context.
type TxState int

const (
	TxNotStarted TxState = iota
	TxActive
	TxCommitting
	TxCommitted
	TxRollingBack
	TxRolledBack
	TxFailed
)

func (s TxState) String() string {
	switch s {
	case TxNotStarted:
		return "not_started"
	case TxActive:
		return "active"
	case TxCommitting:
		return "committing"
	case TxCommitted:
		return "committed"
	case TxRollingBack:
		return "rolling_back"
	case TxRolledBack:
		return "rolled_back"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further work may be enlisted in this state.
func (s TxState) Terminal() bool {
	return s == TxCommitted || s == TxRolledBack || s == TxFailed
}
