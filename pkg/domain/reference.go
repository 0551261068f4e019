package domain

// Reference is any value that denotes an entity: an Identity, a *RawKey, a Ref or an
// Object. The set is closed; only this package can add members.
type Reference interface {
	isReference()
}

// Ref is a deferred reference to an entity. It carries the Identity it was built with
// and, optionally, a value that has already been loaded. Asking a Ref for its identity
// never loads anything.
type Ref struct {
	id     Identity
	value  any
	loaded bool
}

// NewRef returns an unloaded reference to id.
func NewRef(id Identity) Ref {
	return Ref{id: id}
}

// LoadedRef returns a reference that already holds its value.
func LoadedRef(id Identity, value any) Ref {
	return Ref{id: id, value: value, loaded: true}
}

// Identity returns the identity the reference was built with.
func (r Ref) Identity() Identity { return r.id }

// Value returns the loaded value, if any.
func (r Ref) Value() (any, bool) { return r.value, r.loaded }

func (Ref) isReference() {}

// Object wraps a live value of a registered kind so it can be used as a Reference.
type Object struct {
	Value any
}

// ObjectOf wraps v.
func ObjectOf(v any) Object { return Object{Value: v} }

func (Object) isReference() {}
