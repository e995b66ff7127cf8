package message

import (
	"errors"
	"reflect"
	"testing"

	"github.com/quantarax/cft/internal/codec"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	v, err := m.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	data, err := codec.Encode(v)
	if err != nil {
		t.Fatalf("codec encode: %v", err)
	}
	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("codec decode: %v", err)
	}
	got, err := Decode(decoded)
	if err != nil {
		t.Fatalf("message decode: %v", err)
	}
	return got
}

func TestRoundTripAllShapes(t *testing.T) {
	cases := []Message{
		ReqReceive(100, "abcd", "/t", 0, false),
		ReqReceive(100, "abcd", "/t", 0o600, true),
		ReqTransmit(200, "/src"),
		SuccessReceive(100),
		SuccessTransmit(200, "h", 5, 0, false),
		SuccessTransmit(200, "h", 5, 0o644, true),
		Failure(5, "peer reset"),
		Sync("abcd"),
		Metadata("abcd", 10),
		ReceiveChunk("abcd", 7, []byte("chunk-bytes")),
		ACK("abcd"),
		NAK("abcd", []Range{{First: 1, Last: 3}, {First: 7, Last: 7}}),
		NAK("abcd", nil),
	}
	for _, want := range cases {
		got := roundTrip(t, want)
		if got.Kind != want.Kind {
			t.Fatalf("kind mismatch: want %v got %v", want.Kind, got.Kind)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("roundtrip mismatch for %v:\n want %+v\n got  %+v", want.Kind, want, got)
		}
	}
}

func TestDecodeRejectsUnknownShape(t *testing.T) {
	v := codec.Array(codec.Text("hello"), codec.Text("world"), codec.Text("!"))
	_, err := Decode(v)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDecodeRejectsNakOddArity(t *testing.T) {
	v := codec.Array(codec.Text("abc123"), codec.Bool(false), codec.Uint(1), codec.Uint(3), codec.Uint(9))
	_, err := Decode(v)
	if !errors.Is(err, ErrNakOddArity) {
		t.Fatalf("expected ErrNakOddArity, got %v", err)
	}
}

func TestDecodeRejectsMalformedChunk(t *testing.T) {
	// S5: third field is an integer, not bytes.
	v := codec.Array(codec.Text("h"), codec.Uint(2), codec.Uint(42))
	_, err := Decode(v)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestNormalizeRangesCompressesRuns(t *testing.T) {
	got := NormalizeRanges([]uint64{5, 1, 2, 3, 9, 7, 3})
	want := []Range{{First: 1, Last: 3}, {First: 5, Last: 5}, {First: 7, Last: 7}, {First: 9, Last: 9}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestExpandRanges(t *testing.T) {
	got := Expand([]Range{{First: 1, Last: 3}, {First: 7, Last: 7}})
	want := []uint64{1, 2, 3, 7}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNotAnArrayIsMalformed(t *testing.T) {
	_, err := Decode(codec.Uint(5))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
