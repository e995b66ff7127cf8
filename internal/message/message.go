// Package message implements the nine CFT message shapes and the
// fixed-order structural recognizers that turn a decoded codec.Value back
// into one of them. A message is always a codec array; which message it is
// is determined purely by the types and arity of that array's elements,
// never by an explicit tag field.
package message

import (
	"errors"
	"fmt"

	"github.com/quantarax/cft/internal/codec"
)

// ErrMalformed indicates an array shape that matches no known message, or
// that matches one but fails a stricter field check (MalformedShape in
// spec terms).
var ErrMalformed = errors.New("message: malformed shape")

// ErrNakOddArity indicates a NAK whose trailing range list has an odd
// number of integers, so it cannot be grouped into (first, last) pairs.
var ErrNakOddArity = errors.New("message: NAK range list has odd arity")

// Kind identifies one of the nine message shapes.
type Kind int

const (
	KindReqReceive Kind = iota
	KindReqTransmit
	KindSuccessReceive
	KindSuccessTransmit
	KindFailure
	KindSync
	KindMetadata
	KindReceiveChunk
	KindACK
	KindNAK
)

func (k Kind) String() string {
	switch k {
	case KindReqReceive:
		return "req_receive"
	case KindReqTransmit:
		return "req_transmit"
	case KindSuccessReceive:
		return "success_receive"
	case KindSuccessTransmit:
		return "success_transmit"
	case KindFailure:
		return "failure"
	case KindSync:
		return "sync"
	case KindMetadata:
		return "metadata"
	case KindReceiveChunk:
		return "receive_chunk"
	case KindACK:
		return "ack"
	case KindNAK:
		return "nak"
	default:
		return "unknown"
	}
}

// Range is an inclusive (First, Last) chunk-index pair, First <= Last.
type Range struct {
	First uint64
	Last  uint64
}

// Message is the decoded, typed form of one of the nine wire shapes. Only
// the fields relevant to Kind are populated.
type Message struct {
	Kind Kind

	Channel   uint64
	Hash      string
	Path      string // ReqReceive's target_path, ReqTransmit's source_path
	NumChunks uint64
	Index     uint64
	Data      []byte
	Mode      uint64
	HasMode   bool
	ErrText   string
	Ranges    []Range
}

// ReqReceive builds the export request: "I will send you hash; save it
// under targetPath." mode is omitted when hasMode is false.
func ReqReceive(channel uint64, hash, targetPath string, mode uint64, hasMode bool) Message {
	return Message{Kind: KindReqReceive, Channel: channel, Hash: hash, Path: targetPath, Mode: mode, HasMode: hasMode}
}

// ReqTransmit builds the import request: "please send me the file at
// sourcePath."
func ReqTransmit(channel uint64, sourcePath string) Message {
	return Message{Kind: KindReqTransmit, Channel: channel, Path: sourcePath}
}

// SuccessReceive builds the receiver-side completion ack for an export.
func SuccessReceive(channel uint64) Message {
	return Message{Kind: KindSuccessReceive, Channel: channel}
}

// SuccessTransmit builds the sender-side reply to an import: the file is
// staged and described. mode is omitted when hasMode is false.
func SuccessTransmit(channel uint64, hash string, numChunks uint64, mode uint64, hasMode bool) Message {
	return Message{Kind: KindSuccessTransmit, Channel: channel, Hash: hash, NumChunks: numChunks, Mode: mode, HasMode: hasMode}
}

// Failure builds a terminal negative response on a channel.
func Failure(channel uint64, reason string) Message {
	return Message{Kind: KindFailure, Channel: channel, ErrText: reason}
}

// Sync builds the "do you have this hash?" query.
func Sync(hash string) Message {
	return Message{Kind: KindSync, Hash: hash}
}

// Metadata builds the response to Sync (or an unsolicited advertisement):
// hash and chunk count.
func Metadata(hash string, numChunks uint64) Message {
	return Message{Kind: KindMetadata, Hash: hash, NumChunks: numChunks}
}

// ReceiveChunk builds a message carrying one file chunk.
func ReceiveChunk(hash string, index uint64, data []byte) Message {
	return Message{Kind: KindReceiveChunk, Hash: hash, Index: index, Data: data}
}

// ACK builds an acknowledgement that the named file is fully and correctly
// assembled.
func ACK(hash string) Message {
	return Message{Kind: KindACK, Hash: hash}
}

// NAK builds a negative acknowledgement naming the inclusive chunk-index
// ranges still missing for the named file. Ranges must already be sorted
// and non-overlapping; use NormalizeRanges to produce such a slice from an
// unordered set of missing indices.
func NAK(hash string, ranges []Range) Message {
	cp := make([]Range, len(ranges))
	copy(cp, ranges)
	return Message{Kind: KindNAK, Hash: hash, Ranges: cp}
}

// Encode converts m into its codec.Value wire shape.
func (m Message) Encode() (codec.Value, error) {
	switch m.Kind {
	case KindReqReceive:
		fields := []codec.Value{codec.Uint(m.Channel), codec.Text("export"), codec.Text(m.Hash), codec.Text(m.Path)}
		if m.HasMode {
			fields = append(fields, codec.Uint(m.Mode))
		}
		return codec.Array(fields...), nil
	case KindReqTransmit:
		return codec.Array(codec.Uint(m.Channel), codec.Text("import"), codec.Text(m.Path)), nil
	case KindSuccessReceive:
		return codec.Array(codec.Uint(m.Channel), codec.Bool(true)), nil
	case KindSuccessTransmit:
		fields := []codec.Value{codec.Uint(m.Channel), codec.Bool(true), codec.Text(m.Hash), codec.Uint(m.NumChunks)}
		if m.HasMode {
			fields = append(fields, codec.Uint(m.Mode))
		}
		return codec.Array(fields...), nil
	case KindFailure:
		return codec.Array(codec.Uint(m.Channel), codec.Bool(false), codec.Text(m.ErrText)), nil
	case KindSync:
		return codec.Array(codec.Text(m.Hash)), nil
	case KindMetadata:
		return codec.Array(codec.Text(m.Hash), codec.Uint(m.NumChunks)), nil
	case KindReceiveChunk:
		return codec.Array(codec.Text(m.Hash), codec.Uint(m.Index), codec.Bytes(m.Data)), nil
	case KindACK:
		return codec.Array(codec.Text(m.Hash), codec.Bool(true)), nil
	case KindNAK:
		vals := make([]codec.Value, 0, 2+2*len(m.Ranges))
		vals = append(vals, codec.Text(m.Hash), codec.Bool(false))
		for _, r := range m.Ranges {
			vals = append(vals, codec.Uint(r.First), codec.Uint(r.Last))
		}
		return codec.Array(vals...), nil
	default:
		return codec.Value{}, fmt.Errorf("message: encode: %w: kind %v", ErrMalformed, m.Kind)
	}
}

// NormalizeRanges sorts a set of chunk indices and compresses consecutive
// runs into inclusive ranges, e.g. {1,2,3,7,9,10} -> [(1,3),(7,7),(9,10)].
func NormalizeRanges(indices []uint64) []Range {
	if len(indices) == 0 {
		return nil
	}
	sorted := append([]uint64(nil), indices...)
	insertionSort(sorted)
	var out []Range
	start := sorted[0]
	prev := sorted[0]
	for _, idx := range sorted[1:] {
		if idx == prev {
			continue
		}
		if idx == prev+1 {
			prev = idx
			continue
		}
		out = append(out, Range{First: start, Last: prev})
		start, prev = idx, idx
	}
	out = append(out, Range{First: start, Last: prev})
	return out
}

// insertionSort avoids pulling in sort.Slice for a handful of elements in
// the common case and keeps the package dependency-free.
func insertionSort(s []uint64) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

// Expand turns a set of inclusive ranges back into an explicit list of chunk
// indices, in range order. The result is sorted and free of duplicates only
// when the ranges are sorted and non-overlapping (as NormalizeRanges returns).
func Expand(ranges []Range) []uint64 {
	var out []uint64
	for _, r := range ranges {
		for i := r.First; i <= r.Last; i++ {
			out = append(out, i)
			if i == ^uint64(0) {
				break
			}
		}
	}
	return out
}
