package codec

import (
	"bytes"
	"errors"
	"testing"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	data, err := Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return got
}

func TestRoundTripScalars(t *testing.T) {
	cases := []Value{
		Uint(0),
		Uint(18446744073709551615),
		Int(-1),
		Int(-9223372036854775808),
		Bytes([]byte{1, 2, 3}),
		Bytes(nil),
		Text(""),
		Text("hello"),
		Bool(true),
		Bool(false),
		Null(),
	}
	for _, v := range cases {
		got := roundTrip(t, v)
		if got.Kind() != v.Kind() {
			t.Fatalf("kind mismatch: want %v got %v", v.Kind(), got.Kind())
		}
	}
}

func TestRoundTripArray(t *testing.T) {
	v := Array(Uint(1), Text("receive"), Bytes([]byte("abc")), Bool(true))
	got := roundTrip(t, v)
	arr, ok := got.AsArray()
	if !ok || len(arr) != 4 {
		t.Fatalf("expected 4-element array, got %v", got)
	}
	if n, _ := arr[0].AsUint(); n != 1 {
		t.Fatalf("arr[0] = %v, want 1", n)
	}
	if s, _ := arr[1].AsText(); s != "receive" {
		t.Fatalf("arr[1] = %q, want receive", s)
	}
	if b, _ := arr[2].AsBytes(); !bytes.Equal(b, []byte("abc")) {
		t.Fatalf("arr[2] = %v, want abc", b)
	}
}

func TestRoundTripMap(t *testing.T) {
	v := Map(map[string]Value{
		"hash":       Text("deadbeef"),
		"num_chunks": Uint(42),
	})
	got := roundTrip(t, v)
	m, ok := got.AsMap()
	if !ok {
		t.Fatalf("expected map, got %v", got)
	}
	if s, _ := m["hash"].AsText(); s != "deadbeef" {
		t.Fatalf("hash = %q", s)
	}
	if n, _ := m["num_chunks"].AsUint(); n != 42 {
		t.Fatalf("num_chunks = %d", n)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	v := Map(map[string]Value{
		"z": Uint(1),
		"a": Uint(2),
		"m": Uint(3),
	})
	a, err := Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("encoding not deterministic: %x vs %x", a, b)
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	data, err := Encode(Uint(1))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	data = append(data, data...)
	_, err = Decode(data)
	if !errors.Is(err, ErrTrailingData) {
		t.Fatalf("expected ErrTrailingData, got %v", err)
	}
}

func TestNestedArrayOfMessageShape(t *testing.T) {
	v := Array(Uint(7), Array(Array(Uint(1), Uint(3)), Array(Uint(9), Uint(9))))
	got := roundTrip(t, v)
	arr, _ := got.AsArray()
	if len(arr) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(arr))
	}
	ranges, _ := arr[1].AsArray()
	if len(ranges) != 2 {
		t.Fatalf("expected 2 ranges, got %d", len(ranges))
	}
}
