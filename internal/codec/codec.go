package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var reflectMapType = reflect.TypeOf(map[string]interface{}(nil))

// ErrTrailingData is returned by Decode when the input contains more bytes
// than a single encoded value consumes.
var ErrTrailingData = errors.New("codec: trailing data after value")

// ErrUnsupported is returned when a decoded CBOR item has no corresponding
// Value variant (e.g. floats, tags, indefinite-length simple values).
var ErrUnsupported = errors.New("codec: unsupported wire item")

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

var decMode = mustDecMode()

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflectMapType,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// Encode serializes v to its canonical binary representation. The same
// logical value always produces the same bytes.
func Encode(v Value) ([]byte, error) {
	native, err := toNative(v)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(native)
}

// Decode parses exactly one value from data. It is an error for data to
// contain anything beyond that single value.
func Decode(data []byte) (Value, error) {
	var raw cbor.RawMessage
	if err := decMode.Unmarshal(data, &raw); err != nil {
		var extra *cbor.ExtraneousDataError
		if errors.As(err, &extra) {
			return Value{}, ErrTrailingData
		}
		return Value{}, fmt.Errorf("codec: decode: %w", err)
	}
	if len(raw) != len(data) {
		return Value{}, ErrTrailingData
	}
	var native interface{}
	if err := decMode.Unmarshal(data, &native); err != nil {
		return Value{}, fmt.Errorf("codec: decode: %w", err)
	}
	return fromNative(native)
}

func toNative(v Value) (interface{}, error) {
	switch v.kind {
	case KindUint:
		return v.u, nil
	case KindInt:
		return v.i, nil
	case KindBytes:
		return v.bytes, nil
	case KindText:
		return v.text, nil
	case KindBool:
		return v.b, nil
	case KindNull:
		return nil, nil
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, e := range v.arr {
			n, err := toNative(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, e := range v.m {
			n, err := toNative(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: kind %v", ErrUnsupported, v.kind)
	}
}

func fromNative(n interface{}) (Value, error) {
	switch t := n.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case uint64:
		return Uint(t), nil
	case int64:
		return Int(t), nil
	case []byte:
		return Bytes(t), nil
	case string:
		return Text(t), nil
	case []interface{}:
		vs := make([]Value, len(t))
		for i, e := range t {
			cv, err := fromNative(e)
			if err != nil {
				return Value{}, err
			}
			vs[i] = cv
		}
		return Array(vs...), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			cv, err := fromNative(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = cv
		}
		return Map(m), nil
	default:
		return Value{}, fmt.Errorf("%w: go type %T", ErrUnsupported, n)
	}
}
