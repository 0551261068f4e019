package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/aretw0/keystone/pkg/domain"
)

var (
	// ErrConflictingRegistration is returned when a type or kind name is registered twice
	// with different bindings.
	ErrConflictingRegistration = errors.New("conflicting kind registration")

	identityType = reflect.TypeOf(domain.Identity{})
)

// TagName is the struct tag that marks identifier and parent fields:
//
//	type Trivial struct {
//		ID         int64           `keystone:"id"`
//		Owner      domain.Identity `keystone:"parent"`
//		SomeString string
//	}
const TagName = "keystone"

// Codec turns entity values into payload bytes and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	// Decode returns a new *T for the kind's type T.
	Decode(data []byte, t reflect.Type) (any, error)
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Decode(data []byte, t reflect.Type) (any, error) {
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Interface(), nil
}

// KindMetadata describes one registered kind.
type KindMetadata struct {
	Kind string
	Type reflect.Type // always the struct type, never a pointer

	// AutoID means an unset numeric id may be allocated by the backend on put.
	AutoID bool

	idField     int
	parentField int // -1 when the kind has no parent field
	named       bool
	codec       Codec
}

// Named reports whether the kind is addressed by string names.
func (m *KindMetadata) Named() bool { return m.named }

// KindOption customizes a registration.
type KindOption func(*KindMetadata)

// WithCodec overrides the payload codec for a kind.
func WithCodec(c Codec) KindOption {
	return func(m *KindMetadata) {
		m.codec = c
	}
}

// WithRequiredID forbids id allocation: entities must carry their id before being saved.
func WithRequiredID() KindOption {
	return func(m *KindMetadata) {
		m.AutoID = false
	}
}

// Registry maps Go types to entity kinds.
type Registry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]*KindMetadata
	byKind map[string]*KindMetadata
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[reflect.Type]*KindMetadata),
		byKind: make(map[string]*KindMetadata),
	}
}

// Register binds the struct type of sample to kind.
// Re-registering the same (type, kind) pair is a no-op.
func (r *Registry) Register(kind string, sample any, opts ...KindOption) error {
	if kind == "" {
		return fmt.Errorf("%w: empty kind name", domain.ErrConfiguration)
	}
	t := baseType(reflect.TypeOf(sample))
	if t == nil || t.Kind() != reflect.Struct {
		return fmt.Errorf("%w: kind %q must be backed by a struct, got %v", domain.ErrConfiguration, kind, reflect.TypeOf(sample))
	}

	meta, err := inspect(kind, t)
	if err != nil {
		return err
	}
	for _, opt := range opts {
		opt(meta)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byType[t]; ok {
		if old.Kind == kind {
			return nil
		}
		return fmt.Errorf("%w: %v is already kind %q", ErrConflictingRegistration, t, old.Kind)
	}
	if old, ok := r.byKind[kind]; ok {
		return fmt.Errorf("%w: kind %q is already bound to %v", ErrConflictingRegistration, kind, old.Type)
	}
	r.byType[t] = meta
	r.byKind[kind] = meta
	return nil
}

// MustRegister is Register for package initialization; it panics on error.
func (r *Registry) MustRegister(kind string, sample any, opts ...KindOption) {
	if err := r.Register(kind, sample, opts...); err != nil {
		panic(err)
	}
}

// LookupType returns the metadata for a runtime type. Pointer types resolve to their
// element type.
func (r *Registry) LookupType(t reflect.Type) (*KindMetadata, bool) {
	t = baseType(t)
	if t == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byType[t]
	return m, ok
}

// LookupKind returns the metadata registered under a kind name.
func (r *Registry) LookupKind(kind string) (*KindMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byKind[kind]
	return m, ok
}

// Kinds lists the registered kind names.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	return kinds
}

// ExtractIdentifier reads the identifier and parent of obj. set is false when the
// identifier field holds its zero value.
func (m *KindMetadata) ExtractIdentifier(obj any) (id int64, name string, parent domain.Identity, set bool) {
	v := reflect.Indirect(reflect.ValueOf(obj))
	f := v.Field(m.idField)
	if m.named {
		name = f.String()
		set = name != ""
	} else {
		switch f.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			id = f.Int()
		default:
			// Ids above MaxInt64 wrap negative and fail validation.
			id = int64(f.Uint())
		}
		set = id != 0
	}
	if m.parentField >= 0 {
		parent = v.Field(m.parentField).Interface().(domain.Identity)
	}
	return id, name, parent, set
}

// Identity builds the identity of obj, or fails with ErrIllegalState when its identifier
// is unset or negative.
func (m *KindMetadata) Identity(obj any) (domain.Identity, error) {
	id, name, parent, set := m.ExtractIdentifier(obj)
	if !set {
		return domain.Identity{}, fmt.Errorf("%w: %s entity has no identifier", domain.ErrIllegalState, m.Kind)
	}
	var out domain.Identity
	if m.named {
		out = domain.NewNamedIdentity(m.Kind, name)
	} else {
		out = domain.NewIdentity(m.Kind, id)
	}
	out = out.WithParent(parent)
	if err := out.Validate(); err != nil {
		return domain.Identity{}, err
	}
	return out, nil
}

// AssignID writes an allocated numeric id into obj, which must be a pointer.
func (m *KindMetadata) AssignID(obj any, id int64) error {
	if m.named {
		return fmt.Errorf("%w: kind %s uses names, cannot assign id", domain.ErrIllegalState, m.Kind)
	}
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("%w: %s entity must be passed by pointer to receive an allocated id", domain.ErrIllegalState, m.Kind)
	}
	f := v.Elem().Field(m.idField)
	switch f.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f.SetInt(id)
	default:
		f.SetUint(uint64(id))
	}
	return nil
}

// Encode serializes obj with the kind's codec.
func (m *KindMetadata) Encode(obj any) ([]byte, error) {
	return m.codec.Encode(obj)
}

// Decode deserializes a payload into a new *T.
func (m *KindMetadata) Decode(data []byte) (any, error) {
	return m.codec.Decode(data, m.Type)
}

func inspect(kind string, t reflect.Type) (*KindMetadata, error) {
	meta := &KindMetadata{Kind: kind, Type: t, idField: -1, parentField: -1, codec: JSONCodec{}}
	for n := 0; n < t.NumField(); n++ {
		f := t.Field(n)
		tag, _, _ := strings.Cut(f.Tag.Get(TagName), ",")
		if tag != "" && !f.IsExported() {
			return nil, fmt.Errorf("%w: field %s.%s tagged %q must be exported", domain.ErrConfiguration, t.Name(), f.Name, tag)
		}
		switch tag {
		case "id":
			if meta.idField >= 0 {
				return nil, fmt.Errorf("%w: kind %q has more than one id field", domain.ErrConfiguration, kind)
			}
			switch f.Type.Kind() {
			case reflect.String:
				meta.named = true
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
				reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
				meta.AutoID = true
			default:
				return nil, fmt.Errorf("%w: id field %s.%s must be an integer or a string", domain.ErrConfiguration, t.Name(), f.Name)
			}
			meta.idField = n
		case "parent":
			if f.Type != identityType {
				return nil, fmt.Errorf("%w: parent field %s.%s must be a domain.Identity", domain.ErrConfiguration, t.Name(), f.Name)
			}
			meta.parentField = n
		}
	}
	if meta.idField < 0 {
		return nil, fmt.Errorf("%w: kind %q has no field tagged %s:\"id\"", domain.ErrConfiguration, kind, TagName)
	}
	return meta, nil
}

func baseType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
