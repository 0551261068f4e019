package domain

import (
	"fmt"
	"strconv"
)

// RawKey is the backend-native form of an entity address. Unlike Identity it is a plain
// pointer chain, which is what storage adapters build and parse.
type RawKey struct {
	Kind   string
	ID     int64
	Name   string
	Parent *RawKey
}

// Identity translates the key structurally. No I/O is involved.
func (k *RawKey) Identity() (Identity, error) {
	if k == nil {
		return Identity{}, fmt.Errorf("%w: nil raw key", ErrNullInput)
	}
	var id Identity
	if k.Name != "" {
		id = NewNamedIdentity(k.Kind, k.Name)
	} else {
		id = NewIdentity(k.Kind, k.ID)
	}
	if k.Parent != nil {
		parent, err := k.Parent.Identity()
		if err != nil {
			return Identity{}, err
		}
		id = id.WithParent(parent)
	}
	return id, nil
}

// Encode returns the same canonical string as the equivalent Identity.
// Adapters use it as the storage key.
func (k *RawKey) Encode() string {
	if k == nil {
		return ""
	}
	seg := encodeSegment(k.Kind, k.ID, k.Name)
	if k.Parent == nil {
		return seg
	}
	return k.Parent.Encode() + "/" + seg
}

func (k *RawKey) String() string {
	if k == nil {
		return "<nil key>"
	}
	s := k.Kind
	if k.Name != "" {
		s += "(" + strconv.Quote(k.Name) + ")"
	} else {
		s += "(" + strconv.FormatInt(k.ID, 10) + ")"
	}
	if k.Parent != nil {
		return k.Parent.String() + "/" + s
	}
	return s
}

func (*RawKey) isReference() {}
