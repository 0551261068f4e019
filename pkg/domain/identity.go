package domain

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Identity is the canonical address of an entity: a kind, a numeric id or a name, and an
// optional parent chain.
//
// Identity is comparable. The parent chain is stored in its canonical encoded form, so two
// identities are == exactly when kind, id/name and the entire parent chain match. This makes
// Identity safe to use as a map key.
type Identity struct {
	kind   string
	id     int64
	name   string
	parent string
}

// NewIdentity returns a root identity with a numeric id.
func NewIdentity(kind string, id int64) Identity {
	return Identity{kind: kind, id: id}
}

// NewNamedIdentity returns a root identity with a string name.
func NewNamedIdentity(kind, name string) Identity {
	return Identity{kind: kind, name: name}
}

// Child returns a numeric identity whose parent is i.
func (i Identity) Child(kind string, id int64) Identity {
	return NewIdentity(kind, id).WithParent(i)
}

// NamedChild returns a named identity whose parent is i.
func (i Identity) NamedChild(kind, name string) Identity {
	return NewNamedIdentity(kind, name).WithParent(i)
}

// WithParent returns a copy of i attached to the parent chain p.
// A zero p detaches i from any parent.
func (i Identity) WithParent(p Identity) Identity {
	if p.IsZero() {
		i.parent = ""
		return i
	}
	i.parent = p.Encode()
	return i
}

// Kind returns the entity kind.
func (i Identity) Kind() string { return i.kind }

// ID returns the numeric id, or 0 for named identities.
func (i Identity) ID() int64 { return i.id }

// Name returns the string name, or "" for numeric identities.
func (i Identity) Name() string { return i.name }

// IsNamed reports whether the identity is addressed by name.
func (i Identity) IsNamed() bool { return i.name != "" }

// IsZero reports whether i is the zero Identity.
func (i Identity) IsZero() bool { return i == Identity{} }

// HasParent reports whether i has a parent chain.
func (i Identity) HasParent() bool { return i.parent != "" }

// Parent returns the parent identity, if any.
func (i Identity) Parent() (Identity, bool) {
	if i.parent == "" {
		return Identity{}, false
	}
	p, err := ParseIdentity(i.parent)
	if err != nil {
		// parent is only ever set from Encode, so it always parses.
		panic(fmt.Sprintf("keystone: corrupt parent chain %q: %v", i.parent, err))
	}
	return p, true
}

// Root returns the top-most ancestor of i (i itself for root identities).
func (i Identity) Root() Identity {
	if i.parent == "" {
		return i
	}
	first, _, _ := strings.Cut(i.parent, "/")
	root, err := ParseIdentity(first)
	if err != nil {
		panic(fmt.Sprintf("keystone: corrupt parent chain %q: %v", i.parent, err))
	}
	return root
}

// Validate reports whether i is complete enough to address a stored entity.
func (i Identity) Validate() error {
	if i.IsZero() {
		return fmt.Errorf("%w: empty identity", ErrNullInput)
	}
	for {
		if err := i.validateSegment(); err != nil {
			return err
		}
		p, ok := i.Parent()
		if !ok {
			return nil
		}
		i = p
	}
}

func (i Identity) validateSegment() error {
	switch {
	case i.kind == "":
		return fmt.Errorf("%w: identity has no kind", ErrIllegalState)
	case i.id < 0:
		return fmt.Errorf("%w: identity %s has a negative id", ErrIllegalState, i)
	case i.id == 0 && i.name == "":
		return fmt.Errorf("%w: identity of kind %q has neither id nor name", ErrIllegalState, i.kind)
	case i.id != 0 && i.name != "":
		return fmt.Errorf("%w: identity of kind %q has both id and name", ErrIllegalState, i.kind)
	}
	return nil
}

// Encode returns the canonical string form of i, parent chain included.
// ParseIdentity(i.Encode()) == i for every identity built through this package.
func (i Identity) Encode() string {
	seg := encodeSegment(i.kind, i.id, i.name)
	if i.parent == "" {
		return seg
	}
	return i.parent + "/" + seg
}

// ParseIdentity decodes the canonical form produced by Encode.
func ParseIdentity(s string) (Identity, error) {
	if s == "" {
		return Identity{}, fmt.Errorf("%w: empty identity encoding", ErrNullInput)
	}
	var cur Identity
	for n, part := range strings.Split(s, "/") {
		seg, err := decodeSegment(part)
		if err != nil {
			return Identity{}, fmt.Errorf("invalid identity encoding %q: %w", s, err)
		}
		if n > 0 {
			seg = seg.WithParent(cur)
		}
		cur = seg
	}
	return cur, nil
}

// String renders i for humans, e.g. Parent(1)/Child("x").
func (i Identity) String() string {
	if i.IsZero() {
		return "<nil identity>"
	}
	var b strings.Builder
	if p, ok := i.Parent(); ok {
		b.WriteString(p.String())
		b.WriteByte('/')
	}
	b.WriteString(i.kind)
	if i.name != "" {
		b.WriteString("(" + strconv.Quote(i.name) + ")")
	} else {
		b.WriteString("(" + strconv.FormatInt(i.id, 10) + ")")
	}
	return b.String()
}

// RawKey translates i into the backend-native pointer-chain form.
func (i Identity) RawKey() *RawKey {
	if i.IsZero() {
		return nil
	}
	k := &RawKey{Kind: i.kind, ID: i.id, Name: i.name}
	if p, ok := i.Parent(); ok {
		k.Parent = p.RawKey()
	}
	return k
}

// MarshalText encodes i in canonical form so identities embedded in entities survive
// payload codecs.
func (i Identity) MarshalText() ([]byte, error) {
	if i.IsZero() {
		return []byte{}, nil
	}
	return []byte(i.Encode()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (i *Identity) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*i = Identity{}
		return nil
	}
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

func (Identity) isReference() {}

func encodeSegment(kind string, id int64, name string) string {
	if name != "" {
		return url.QueryEscape(kind) + ",s" + url.QueryEscape(name)
	}
	return url.QueryEscape(kind) + ",i" + strconv.FormatInt(id, 10)
}

func decodeSegment(seg string) (Identity, error) {
	rawKind, rest, ok := strings.Cut(seg, ",")
	if !ok || rest == "" {
		return Identity{}, fmt.Errorf("segment %q: missing identifier", seg)
	}
	kind, err := url.QueryUnescape(rawKind)
	if err != nil {
		return Identity{}, fmt.Errorf("segment %q: %w", seg, err)
	}
	switch rest[0] {
	case 'i':
		id, err := strconv.ParseInt(rest[1:], 10, 64)
		if err != nil {
			return Identity{}, fmt.Errorf("segment %q: %w", seg, err)
		}
		return NewIdentity(kind, id), nil
	case 's':
		name, err := url.QueryUnescape(rest[1:])
		if err != nil {
			return Identity{}, fmt.Errorf("segment %q: %w", seg, err)
		}
		return NewNamedIdentity(kind, name), nil
	default:
		return Identity{}, fmt.Errorf("segment %q: unknown identifier tag %q", seg, rest[0])
	}
}
