// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statevalue

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies which member of the closed value set a [Value] holds.
// The numeric values are persisted by the SQLite history backend and
// must not be renumbered.
type Kind uint8

const (
	KindNull   Kind = 0
	KindInt    Kind = 1
	KindLong   Kind = 2
	KindDouble Kind = 3
	KindString Kind = 4
	KindCustom Kind = 5
)

// String returns the lowercase kind name. These names double as the
// type tags of the statedump document format.
func (kind Kind) String() string {
	switch kind {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindCustom:
		return "custom"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(kind))
	}
}

// ErrIncomparable is returned by [Value.Compare] when the two values
// have no defined ordering (for example a string and a long).
var ErrIncomparable = errors.New("statevalue: values are not comparable")

// Value is an immutable state value. The zero Value is null.
type Value struct {
	kind   Kind
	bits   int64
	float  float64
	text   string
	custom Custom
}

// Null returns the null value.
func Null() Value { return Value{} }

// NewInt returns a 32-bit integer value.
func NewInt(value int32) Value { return Value{kind: KindInt, bits: int64(value)} }

// NewLong returns a 64-bit integer value.
func NewLong(value int64) Value { return Value{kind: KindLong, bits: value} }

// NewDouble returns a double value. NaN and the infinities are valid.
func NewDouble(value float64) Value { return Value{kind: KindDouble, float: value} }

// NewString returns a string value.
func NewString(value string) Value { return Value{kind: KindString, text: value} }

// NewCustom returns a custom value. Panics if custom is nil.
func NewCustom(custom Custom) Value {
	if custom == nil {
		panic("statevalue: NewCustom called with nil Custom")
	}
	return Value{kind: KindCustom, custom: custom}
}

// Kind returns the kind of the value.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Int unboxes a 32-bit integer. Panics unless the kind is [KindInt].
func (v Value) Int() int32 {
	v.mustBe(KindInt)
	return int32(v.bits)
}

// Long unboxes a 64-bit integer. Int values widen; any other kind
// panics.
func (v Value) Long() int64 {
	if v.kind != KindInt {
		v.mustBe(KindLong)
	}
	return v.bits
}

// Double unboxes a double. Panics unless the kind is [KindDouble].
func (v Value) Double() float64 {
	v.mustBe(KindDouble)
	return v.float
}

// Str unboxes a string. Panics unless the kind is [KindString].
func (v Value) Str() string {
	v.mustBe(KindString)
	return v.text
}

// Custom unboxes a custom payload. Panics unless the kind is
// [KindCustom].
func (v Value) Custom() Custom {
	v.mustBe(KindCustom)
	return v.custom
}

func (v Value) mustBe(kind Kind) {
	if v.kind != kind {
		panic(fmt.Sprintf("statevalue: unboxing %s value as %s", v.kind, kind))
	}
}

// Equal reports whether two values have the same kind and payload.
// Doubles compare bitwise, so NaN equals NaN and 0.0 differs from -0.0.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindInt, KindLong:
		return v.bits == other.bits
	case KindDouble:
		if math.IsNaN(v.float) && math.IsNaN(other.float) {
			return true
		}
		return math.Float64bits(v.float) == math.Float64bits(other.float)
	case KindString:
		return v.text == other.text
	case KindCustom:
		return v.custom.TypeID() == other.custom.TypeID() && v.custom.Equal(other.custom)
	default:
		return false
	}
}

// Compare orders two values. Null sorts before every other kind. Int,
// long and double compare numerically across kinds; strings compare
// lexically; custom values compare only when both share a type id and
// implement [Comparer]. Any other pairing returns [ErrIncomparable].
func (v Value) Compare(other Value) (int, error) {
	switch {
	case v.kind == KindNull && other.kind == KindNull:
		return 0, nil
	case v.kind == KindNull:
		return -1, nil
	case other.kind == KindNull:
		return 1, nil
	}

	if v.isNumeric() && other.isNumeric() {
		if v.kind == KindDouble || other.kind == KindDouble {
			return cmp.Compare(v.asFloat(), other.asFloat()), nil
		}
		return cmp.Compare(v.bits, other.bits), nil
	}

	if v.kind == KindString && other.kind == KindString {
		return strings.Compare(v.text, other.text), nil
	}

	if v.kind == KindCustom && other.kind == KindCustom &&
		v.custom.TypeID() == other.custom.TypeID() {
		if comparer, ok := v.custom.(Comparer); ok {
			return comparer.Compare(other.custom), nil
		}
	}

	return 0, fmt.Errorf("%w: %s and %s", ErrIncomparable, v.kind, other.kind)
}

func (v Value) isNumeric() bool {
	return v.kind == KindInt || v.kind == KindLong || v.kind == KindDouble
}

func (v Value) asFloat() float64 {
	if v.kind == KindDouble {
		return v.float
	}
	return float64(v.bits)
}

// String returns the textual form of the value. Null renders as
// "nullValue"; custom values render through their own String method.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "nullValue"
	case KindInt, KindLong:
		return strconv.FormatInt(v.bits, 10)
	case KindDouble:
		return strconv.FormatFloat(v.float, 'g', -1, 64)
	case KindString:
		return v.text
	case KindCustom:
		return v.custom.String()
	default:
		return v.kind.String()
	}
}
