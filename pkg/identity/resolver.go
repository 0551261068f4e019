// Package identity reduces every supported form of entity reference to one canonical
// domain.Identity.
package identity

import (
	"fmt"
	"reflect"

	"github.com/aretw0/keystone/pkg/domain"
	"github.com/aretw0/keystone/pkg/registry"
)

// Resolver resolves references against a kind registry.
type Resolver struct {
	kinds *registry.Registry
}

// NewResolver creates a resolver backed by kinds.
func NewResolver(kinds *registry.Registry) *Resolver {
	return &Resolver{kinds: kinds}
}

// Resolve returns the canonical identity of ref:
//
//   - an Identity is returned unchanged;
//   - a *RawKey is translated structurally;
//   - a Ref yields the identity it was built with, without loading it;
//   - an Object is looked up in the registry by runtime type.
//
// The result is never empty: the zero identity fails with ErrNullInput and an incomplete
// one (no kind, id <= 0 without a name) with ErrIllegalState.
func (r *Resolver) Resolve(ref domain.Reference) (domain.Identity, error) {
	id, err := r.resolve(ref)
	if err != nil {
		return domain.Identity{}, err
	}
	if err := id.Validate(); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}

func (r *Resolver) resolve(ref domain.Reference) (domain.Identity, error) {
	if ref == nil {
		return domain.Identity{}, fmt.Errorf("%w: reference is nil", domain.ErrNullInput)
	}
	switch v := ref.(type) {
	case domain.Identity:
		return v, nil
	case *domain.Identity:
		if v == nil {
			return domain.Identity{}, fmt.Errorf("%w: reference is a nil *Identity", domain.ErrNullInput)
		}
		return *v, nil
	case *domain.RawKey:
		return v.Identity()
	case domain.Ref:
		return v.Identity(), nil
	case domain.Object:
		return r.objectIdentity(v.Value)
	default:
		// Reference is sealed; reaching this is a bug in package domain.
		panic(fmt.Sprintf("keystone: unhandled reference form %T", ref))
	}
}

// ResolveRaw is the inverse direction: it returns the backend-native key of ref using the
// same dispatch order as Resolve.
func (r *Resolver) ResolveRaw(ref domain.Reference) (*domain.RawKey, error) {
	if k, ok := ref.(*domain.RawKey); ok {
		if k == nil {
			return nil, fmt.Errorf("%w: reference is a nil *RawKey", domain.ErrNullInput)
		}
		if _, err := r.Resolve(k); err != nil {
			return nil, err
		}
		return k, nil
	}
	id, err := r.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return id.RawKey(), nil
}

// ResolveAny classifies an arbitrary value as one of the reference forms and resolves it.
// Values that are not already a Reference are treated as live objects.
func (r *Resolver) ResolveAny(v any) (domain.Identity, error) {
	ref, err := AsReference(v)
	if err != nil {
		return domain.Identity{}, err
	}
	return r.Resolve(ref)
}

// AsReference wraps v into the reference union. nil, including typed nil pointers,
// fails with ErrNullInput.
func AsReference(v any) (domain.Reference, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: reference is nil", domain.ErrNullInput)
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, fmt.Errorf("%w: reference is a nil %T", domain.ErrNullInput, v)
	}
	if ref, ok := v.(domain.Reference); ok {
		return ref, nil
	}
	return domain.ObjectOf(v), nil
}

// Metadata returns the kind metadata of a live object.
func (r *Resolver) Metadata(obj any) (*registry.KindMetadata, error) {
	if obj == nil {
		return nil, fmt.Errorf("%w: entity is nil", domain.ErrNullInput)
	}
	if rv := reflect.ValueOf(obj); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, fmt.Errorf("%w: entity is a nil %T", domain.ErrNullInput, obj)
	}
	meta, ok := r.kinds.LookupType(reflect.TypeOf(obj))
	if !ok {
		return nil, fmt.Errorf("%w: unregistered kind for type %T", domain.ErrConfiguration, obj)
	}
	return meta, nil
}

// Registry returns the kind registry the resolver consults.
func (r *Resolver) Registry() *registry.Registry { return r.kinds }

func (r *Resolver) objectIdentity(obj any) (domain.Identity, error) {
	meta, err := r.Metadata(obj)
	if err != nil {
		return domain.Identity{}, err
	}
	return meta.Identity(obj)
}
