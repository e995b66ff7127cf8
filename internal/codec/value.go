// Package codec implements the self-describing binary value representation
// that CFT messages are built from: a closed sum type covering unsigned and
// signed integers, byte strings, text strings, arrays, maps, booleans, and
// null, encoded canonically so that the same logical value always produces
// the same bytes on the wire.
package codec

import "fmt"

// Kind discriminates the variant held by a Value.
type Kind int

const (
	KindUint Kind = iota
	KindInt
	KindBytes
	KindText
	KindArray
	KindMap
	KindBool
	KindNull
)

func (k Kind) String() string {
	switch k {
	case KindUint:
		return "uint"
	case KindInt:
		return "int"
	case KindBytes:
		return "bytes"
	case KindText:
		return "text"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindBool:
		return "bool"
	case KindNull:
		return "null"
	default:
		return "unknown"
	}
}

// Value is a single node of the wire representation. Exactly one of the
// fields is meaningful, selected by Kind.
type Value struct {
	kind  Kind
	u     uint64
	i     int64
	bytes []byte
	text  string
	arr   []Value
	m     map[string]Value
	b     bool
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

func Uint(n uint64) Value { return Value{kind: KindUint, u: n} }
func Int(n int64) Value   { return Value{kind: KindInt, i: n} }
func Bytes(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindBytes, bytes: cp}
}
func Text(s string) Value { return Value{kind: KindText, text: s} }
func Array(vs ...Value) Value {
	cp := make([]Value, len(vs))
	copy(cp, vs)
	return Value{kind: KindArray, arr: cp}
}
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: KindMap, m: cp}
}
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Null() Value       { return Value{kind: KindNull} }

// AsUint returns the unsigned integer held by v. ok is false if v is not a
// KindUint value.
func (v Value) AsUint() (n uint64, ok bool) {
	if v.kind != KindUint {
		return 0, false
	}
	return v.u, true
}

// AsInt returns the signed integer held by v. ok is false if v is not a
// KindInt value.
func (v Value) AsInt() (n int64, ok bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

// AsBytes returns the byte string held by v.
func (v Value) AsBytes() (b []byte, ok bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.bytes, true
}

// AsText returns the text string held by v.
func (v Value) AsText() (s string, ok bool) {
	if v.kind != KindText {
		return "", false
	}
	return v.text, true
}

// AsArray returns the element slice held by v.
func (v Value) AsArray() (arr []Value, ok bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

// AsMap returns the field map held by v.
func (v Value) AsMap() (m map[string]Value, ok bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// AsBool returns the boolean held by v.
func (v Value) AsBool() (b bool, ok bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) String() string {
	switch v.kind {
	case KindUint:
		return fmt.Sprintf("%d", v.u)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindBytes:
		return fmt.Sprintf("bytes(%d)", len(v.bytes))
	case KindText:
		return fmt.Sprintf("%q", v.text)
	case KindArray:
		return fmt.Sprintf("array(%d)", len(v.arr))
	case KindMap:
		return fmt.Sprintf("map(%d)", len(v.m))
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindNull:
		return "null"
	default:
		return "invalid"
	}
}
