package session

import (
	"context"
	"fmt"

	"github.com/aretw0/keystone/pkg/domain"
)

// Load returns the entity ref points at, decoded into its registered type.
// A missing or deleted entity fails with domain.ErrNotFound.
func Load[T any](ctx context.Context, c *Context, ref domain.Reference) (*T, error) {
	e, err := c.LoadEntry(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !e.Found() {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, e.Identity)
	}
	return decode[T](c, e)
}

// LoadEntity reloads a live entity by its identifier fields.
func LoadEntity[T any](ctx context.Context, c *Context, entity *T) (*T, error) {
	if entity == nil {
		return nil, fmt.Errorf("%w: entity is nil", domain.ErrNullInput)
	}
	return Load[T](ctx, c, domain.ObjectOf(entity))
}

// RefOf returns a reference to entity that already holds it. Its identity is resolved
// without I/O.
func (c *Context) RefOf(entity any) (domain.Ref, error) {
	id, err := c.factory.resolver.ResolveAny(entity)
	if err != nil {
		return domain.Ref{}, err
	}
	return domain.LoadedRef(id, entity), nil
}

// Deref returns the entity ref points at. A reference that already holds a *T is
// returned as is; any other is loaded through c.
func Deref[T any](ctx context.Context, c *Context, ref domain.Ref) (*T, error) {
	if v, ok := ref.Value(); ok {
		if out, ok := v.(*T); ok {
			return out, nil
		}
		var want *T
		return nil, fmt.Errorf("%w: reference to %s holds %T, not %T", domain.ErrConfiguration, ref.Identity(), v, want)
	}
	return Load[T](ctx, c, ref)
}

// Put saves entity asynchronously and returns its identity. When the kind allocates ids
// and entity has none, an id is allocated first and written into entity, which must then
// be a pointer.
func (c *Context) Put(ctx context.Context, entity any) (domain.Identity, *PendingOperation, error) {
	meta, err := c.factory.resolver.Metadata(entity)
	if err != nil {
		return domain.Identity{}, nil, err
	}
	if _, _, _, set := meta.ExtractIdentifier(entity); !set && meta.AutoID {
		if err := c.checkActive(); err != nil {
			return domain.Identity{}, nil, err
		}
		allocated, err := c.factory.backend.AllocateID(ctx, meta.Kind)
		if err != nil {
			return domain.Identity{}, nil, fmt.Errorf("allocate %s id: %w", meta.Kind, err)
		}
		if err := meta.AssignID(entity, allocated); err != nil {
			return domain.Identity{}, nil, err
		}
	}
	id, err := meta.Identity(entity)
	if err != nil {
		return domain.Identity{}, nil, err
	}
	payload, err := meta.Encode(entity)
	if err != nil {
		return domain.Identity{}, nil, fmt.Errorf("encode %s: %w", id, err)
	}
	op, err := c.PutRaw(ctx, id, payload)
	if err != nil {
		return domain.Identity{}, nil, err
	}
	return id, op, nil
}

// PutNow is Put followed by awaiting the write.
func (c *Context) PutNow(ctx context.Context, entity any) (domain.Identity, error) {
	id, op, err := c.Put(ctx, entity)
	if err != nil {
		return domain.Identity{}, err
	}
	if _, err := op.Await(ctx); err != nil {
		return id, &domain.OperationError{Op: domain.OpPut, Identity: id, Err: err}
	}
	return id, nil
}

// Delete deletes the entity ref points at, asynchronously.
func (c *Context) Delete(ctx context.Context, ref domain.Reference) (*PendingOperation, error) {
	id, err := c.factory.resolver.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return c.DeleteRaw(ctx, id)
}

// DeleteNow is Delete followed by awaiting the write.
func (c *Context) DeleteNow(ctx context.Context, ref domain.Reference) error {
	op, err := c.Delete(ctx, ref)
	if err != nil {
		return err
	}
	if _, err := op.Await(ctx); err != nil {
		return &domain.OperationError{Op: domain.OpDelete, Identity: op.Target, Err: err}
	}
	return nil
}

func decode[T any](c *Context, e Entry) (*T, error) {
	meta, ok := c.factory.resolver.Registry().LookupKind(e.Identity.Kind())
	if !ok {
		return nil, fmt.Errorf("%w: unregistered kind %q", domain.ErrConfiguration, e.Identity.Kind())
	}
	v, err := meta.Decode(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Identity, err)
	}
	out, ok := v.(*T)
	if !ok {
		var want *T
		return nil, fmt.Errorf("%w: kind %s decodes to %T, not %T", domain.ErrConfiguration, meta.Kind, v, want)
	}
	return out, nil
}
