package message

import (
	"fmt"

	"github.com/quantarax/cft/internal/codec"
)

// recognizer attempts to read one message shape out of arr. It returns
// ok=false (with a zero Message and nil error) when arr simply does not
// match its shape, so the caller can fall through to the next recognizer in
// the chain. A non-nil error means the shape matched structurally and then
// failed a stricter field check (MalformedShape in spec terms).
type recognizer func(arr []codec.Value) (m Message, ok bool, err error)

// recognizers lists every shape in a fixed order. Decode tries each in turn
// and returns the first match: first element type (channel id vs. hash)
// picks a family of five, then the second element discriminates within it.
var recognizers = []recognizer{
	recognizeReqReceive,
	recognizeReqTransmit,
	recognizeSuccessReceive,
	recognizeSuccessTransmit,
	recognizeFailure,
	recognizeSync,
	recognizeMetadata,
	recognizeReceiveChunk,
	recognizeACK,
	recognizeNAK,
}

// Decode reads a Message out of a previously codec.Decode-d value. The value
// must be an array; Decode tries every known shape in order and returns the
// first recognizer that matches.
func Decode(v codec.Value) (Message, error) {
	arr, ok := v.AsArray()
	if !ok {
		return Message{}, fmt.Errorf("message: decode: %w: not an array", ErrMalformed)
	}
	for _, r := range recognizers {
		m, matched, err := r(arr)
		if err != nil {
			return Message{}, err
		}
		if matched {
			return m, nil
		}
	}
	return Message{}, fmt.Errorf("message: decode: %w: no recognizer matched arity %d", ErrMalformed, len(arr))
}

func recognizeReqReceive(arr []codec.Value) (Message, bool, error) {
	if len(arr) != 4 && len(arr) != 5 {
		return Message{}, false, nil
	}
	ch, ok := arr[0].AsUint()
	if !ok {
		return Message{}, false, nil
	}
	verb, ok := arr[1].AsText()
	if !ok || verb != "export" {
		return Message{}, false, nil
	}
	hash, ok := arr[2].AsText()
	if !ok {
		return Message{}, false, fmt.Errorf("message: decode ReqReceive on channel %d: %w: hash not a string", ch, ErrMalformed)
	}
	path, ok := arr[3].AsText()
	if !ok {
		return Message{}, false, fmt.Errorf("message: decode ReqReceive on channel %d: %w: path not a string", ch, ErrMalformed)
	}
	if len(arr) == 5 {
		mode, ok := arr[4].AsUint()
		if !ok {
			return Message{}, false, fmt.Errorf("message: decode ReqReceive on channel %d: %w: mode not an integer", ch, ErrMalformed)
		}
		return ReqReceive(ch, hash, path, mode, true), true, nil
	}
	return ReqReceive(ch, hash, path, 0, false), true, nil
}

func recognizeReqTransmit(arr []codec.Value) (Message, bool, error) {
	if len(arr) != 3 {
		return Message{}, false, nil
	}
	ch, ok := arr[0].AsUint()
	if !ok {
		return Message{}, false, nil
	}
	verb, ok := arr[1].AsText()
	if !ok || verb != "import" {
		return Message{}, false, nil
	}
	path, ok := arr[2].AsText()
	if !ok {
		return Message{}, false, fmt.Errorf("message: decode ReqTransmit on channel %d: %w: path not a string", ch, ErrMalformed)
	}
	return ReqTransmit(ch, path), true, nil
}

func recognizeSuccessReceive(arr []codec.Value) (Message, bool, error) {
	if len(arr) != 2 {
		return Message{}, false, nil
	}
	ch, ok := arr[0].AsUint()
	if !ok {
		return Message{}, false, nil
	}
	good, ok := arr[1].AsBool()
	if !ok || !good {
		return Message{}, false, nil
	}
	return SuccessReceive(ch), true, nil
}

func recognizeSuccessTransmit(arr []codec.Value) (Message, bool, error) {
	if len(arr) != 4 && len(arr) != 5 {
		return Message{}, false, nil
	}
	ch, ok := arr[0].AsUint()
	if !ok {
		return Message{}, false, nil
	}
	good, ok := arr[1].AsBool()
	if !ok || !good {
		return Message{}, false, nil
	}
	hash, ok := arr[2].AsText()
	if !ok {
		return Message{}, false, fmt.Errorf("message: decode SuccessTransmit on channel %d: %w: hash not a string", ch, ErrMalformed)
	}
	numChunks, ok := arr[3].AsUint()
	if !ok {
		return Message{}, false, fmt.Errorf("message: decode SuccessTransmit on channel %d: %w: num_chunks not an integer", ch, ErrMalformed)
	}
	if len(arr) == 5 {
		mode, ok := arr[4].AsUint()
		if !ok {
			return Message{}, false, fmt.Errorf("message: decode SuccessTransmit on channel %d: %w: mode not an integer", ch, ErrMalformed)
		}
		return SuccessTransmit(ch, hash, numChunks, mode, true), true, nil
	}
	return SuccessTransmit(ch, hash, numChunks, 0, false), true, nil
}

func recognizeFailure(arr []codec.Value) (Message, bool, error) {
	if len(arr) != 3 {
		return Message{}, false, nil
	}
	ch, ok := arr[0].AsUint()
	if !ok {
		return Message{}, false, nil
	}
	bad, ok := arr[1].AsBool()
	if !ok || bad {
		return Message{}, false, nil
	}
	reason, ok := arr[2].AsText()
	if !ok {
		return Message{}, false, fmt.Errorf("message: decode Failure on channel %d: %w: reason not a string", ch, ErrMalformed)
	}
	return Failure(ch, reason), true, nil
}

func recognizeSync(arr []codec.Value) (Message, bool, error) {
	if len(arr) != 1 {
		return Message{}, false, nil
	}
	hash, ok := arr[0].AsText()
	if !ok {
		return Message{}, false, nil
	}
	return Sync(hash), true, nil
}

func recognizeMetadata(arr []codec.Value) (Message, bool, error) {
	if len(arr) != 2 {
		return Message{}, false, nil
	}
	hash, ok := arr[0].AsText()
	if !ok {
		return Message{}, false, nil
	}
	numChunks, ok := arr[1].AsUint()
	if !ok {
		return Message{}, false, nil
	}
	return Metadata(hash, numChunks), true, nil
}

func recognizeReceiveChunk(arr []codec.Value) (Message, bool, error) {
	if len(arr) != 3 {
		return Message{}, false, nil
	}
	hash, ok := arr[0].AsText()
	if !ok {
		return Message{}, false, nil
	}
	index, ok := arr[1].AsUint()
	if !ok {
		return Message{}, false, nil
	}
	data, ok := arr[2].AsBytes()
	if !ok {
		return Message{}, false, fmt.Errorf("message: decode ReceiveChunk for %s[%d]: %w: data not a byte string", hash, index, ErrMalformed)
	}
	return ReceiveChunk(hash, index, data), true, nil
}

func recognizeACK(arr []codec.Value) (Message, bool, error) {
	if len(arr) != 2 {
		return Message{}, false, nil
	}
	hash, ok := arr[0].AsText()
	if !ok {
		return Message{}, false, nil
	}
	good, ok := arr[1].AsBool()
	if !ok || !good {
		return Message{}, false, nil
	}
	return ACK(hash), true, nil
}

func recognizeNAK(arr []codec.Value) (Message, bool, error) {
	if len(arr) < 2 {
		return Message{}, false, nil
	}
	hash, ok := arr[0].AsText()
	if !ok {
		return Message{}, false, nil
	}
	bad, ok := arr[1].AsBool()
	if !ok || bad {
		return Message{}, false, nil
	}
	rest := arr[2:]
	if len(rest)%2 != 0 {
		return Message{}, false, fmt.Errorf("message: decode NAK for %s: %w", hash, ErrNakOddArity)
	}
	ranges := make([]Range, 0, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		first, ok := rest[i].AsUint()
		if !ok {
			return Message{}, false, fmt.Errorf("message: decode NAK for %s: %w: range entry not an integer", hash, ErrMalformed)
		}
		last, ok := rest[i+1].AsUint()
		if !ok {
			return Message{}, false, fmt.Errorf("message: decode NAK for %s: %w: range entry not an integer", hash, ErrMalformed)
		}
		if first > last {
			return Message{}, false, fmt.Errorf("message: decode NAK for %s: %w: range (%d,%d) out of order", hash, ErrMalformed, first, last)
		}
		ranges = append(ranges, Range{First: first, Last: last})
	}
	return NAK(hash, ranges), true, nil
}
