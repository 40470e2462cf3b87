// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package stamped implements typed values that carry their
// last-modification instant. Global configuration parameters are stored as
// stamped values so the configuration backend needs no bespoke column per
// parameter.
package stamped

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cast"

	"github.com/leasecore/leasecore/lease"
)

// ValueType tags the primitive type held by a Value.
type ValueType int

// The four supported primitive types.
const (
	TypeString ValueType = iota
	TypeInteger
	TypeBool
	TypeReal
)

// typeTags maps types to their wire tags.
var typeTags = map[ValueType]string{
	TypeString:  "string",
	TypeInteger: "integer",
	TypeBool:    "boolean",
	TypeReal:    "real",
}

// String returns the wire tag of the type.
func (t ValueType) String() string {
	if tag, ok := typeTags[t]; ok {
		return tag
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// ParseType resolves a wire tag back to a ValueType.
func ParseType(tag string) (ValueType, error) {
	for t, s := range typeTags {
		if s == tag {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown value type tag %q", lease.ErrBadValue, tag)
}

// Value is a named primitive with a modification stamp. The textual form is
// canonical: integers and reals in their lexical form, booleans as
// "true"/"false". The zero Value is absent; accessors on it fail with
// ErrInvalidOperation.
type Value struct {
	Name       string
	ModifiedAt time.Time
	Revision   uint64

	typ ValueType
	raw string
	set bool
}

// New builds a stamped value from a primitive. It fails with ErrBadValue
// when the value is absent and with ErrTypeMismatch when it is not one of
// the four supported primitive types.
func New(name string, v any) (*Value, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: stamped value %q has no value", lease.ErrBadValue, name)
	}
	var typ ValueType
	switch v.(type) {
	case string:
		typ = TypeString
	case bool:
		typ = TypeBool
	case float32, float64:
		typ = TypeReal
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		typ = TypeInteger
	default:
		return nil, fmt.Errorf("%w: unsupported type %T for stamped value %q", lease.ErrTypeMismatch, v, name)
	}
	return &Value{
		Name:       name,
		ModifiedAt: time.Now(),
		typ:        typ,
		raw:        cast.ToString(v),
		set:        true,
	}, nil
}

// FromText rebuilds a value from its serialized form (name, type tag,
// textual value, modification stamp). The text is validated against the
// tagged type.
func FromText(name, tag, text string, modifiedAt time.Time) (*Value, error) {
	typ, err := ParseType(tag)
	if err != nil {
		return nil, err
	}
	v := &Value{Name: name, ModifiedAt: modifiedAt, typ: typ, raw: text, set: true}
	if _, err := v.ToElement(typ); err != nil {
		return nil, err
	}
	return v, nil
}

// FromElement builds a value from an element produced by ToElement.
func FromElement(name string, el any) (*Value, error) {
	return New(name, el)
}

// GetType returns the held type, or ErrInvalidOperation when the value is
// absent.
func (v *Value) GetType() (ValueType, error) {
	if v == nil || !v.set {
		return 0, fmt.Errorf("%w: stamped value not set", lease.ErrInvalidOperation)
	}
	return v.typ, nil
}

// Text returns the canonical textual form used on the wire.
func (v *Value) Text() string { return v.raw }

// GetString renders the value as a string. It succeeds for every supported
// type: integers and reals keep their lexical form, booleans render as "1"
// or "0".
func (v *Value) GetString() (string, error) {
	if _, err := v.GetType(); err != nil {
		return "", err
	}
	if v.typ == TypeBool {
		if v.raw == "true" {
			return "1", nil
		}
		return "0", nil
	}
	return v.raw, nil
}

// GetInteger returns the held integer, or ErrTypeMismatch when the value is
// not an integer.
func (v *Value) GetInteger() (int64, error) {
	if err := v.require(TypeInteger); err != nil {
		return 0, err
	}
	return cast.ToInt64E(v.raw)
}

// GetBool returns the held boolean, or ErrTypeMismatch.
func (v *Value) GetBool() (bool, error) {
	if err := v.require(TypeBool); err != nil {
		return false, err
	}
	return v.raw == "true", nil
}

// GetDouble returns the held real, or ErrTypeMismatch.
func (v *Value) GetDouble() (float64, error) {
	if err := v.require(TypeReal); err != nil {
		return 0, err
	}
	return cast.ToFloat64E(v.raw)
}

func (v *Value) require(t ValueType) error {
	typ, err := v.GetType()
	if err != nil {
		return err
	}
	if typ != t {
		return fmt.Errorf("%w: stamped value %q holds %s, requested %s",
			lease.ErrTypeMismatch, v.Name, typ, t)
	}
	return nil
}

// ToElement parses the textual form back into the requested primitive. It
// fails with ErrBadValue when the text does not parse as the requested
// type.
func (v *Value) ToElement(t ValueType) (any, error) {
	if _, err := v.GetType(); err != nil {
		return nil, err
	}
	switch t {
	case TypeString:
		return v.raw, nil
	case TypeInteger:
		n, err := strconv.ParseInt(v.raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", lease.ErrBadValue, v.raw)
		}
		return n, nil
	case TypeBool:
		b, err := strconv.ParseBool(v.raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a boolean", lease.ErrBadValue, v.raw)
		}
		return b, nil
	case TypeReal:
		f, err := strconv.ParseFloat(v.raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a real", lease.ErrBadValue, v.raw)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: unknown requested type %d", lease.ErrBadValue, int(t))
}

// Clone returns a copy of the value.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
