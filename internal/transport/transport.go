// Package transport defines the narrow capability the engine needs from the
// network: a long-lived connection to exactly one peer that carries
// length-delimited, unordered, best-effort datagrams. spec.md §4.5 and §9
// forbid per-message resource acquisition (the antipattern the repository's
// serial adapter commits by opening the device on every read/write); a
// Transport is opened once at construction and held by the engine until
// shutdown.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantarax/cft/internal/codec"
	"github.com/quantarax/cft/internal/message"
)

// ErrClosed is returned by Loopback's Send and Recv once either end of the
// pair has been closed. QUICDatagram does not return it; it reports the
// wrapped QUIC connection error instead.
var ErrClosed = errors.New("transport: closed")

// Transport carries one already-framed CFT message per Send/Recv call. It
// makes no ordering or delivery guarantees: the engine in internal/engine
// never assumes a Recv'd message corresponds to, or arrives after, any
// particular Send. Framing (the length prefix spec.md §6 assigns to the
// transport, not the codec) is implicit in the call boundary — one Send is
// one message, one Recv is one message.
type Transport interface {
	// Send best-effort transmits data to the peer. A nil error does not mean
	// the peer received it.
	Send(data []byte) error

	// Recv blocks until one inbound message is available, ctx is canceled, or
	// the transport closes.
	Recv(ctx context.Context) ([]byte, error)

	// Close releases the underlying connection. Subsequent Send/Recv calls
	// fail: Loopback returns ErrClosed, QUICDatagram a wrapped QUIC error.
	Close() error
}

// MessageSender adapts a Transport plus the codec/message encoding pipeline
// into the engine.Sender capability: turn one outbound message.Message into
// framed bytes and hand it to the transport. Kept in this package rather
// than internal/engine so the engine never depends on a concrete transport.
type MessageSender struct {
	tr Transport
}

// NewMessageSender wraps tr for use as an engine.Sender.
func NewMessageSender(tr Transport) *MessageSender {
	return &MessageSender{tr: tr}
}

// SendMessage implements engine.Sender.
func (s *MessageSender) SendMessage(m message.Message) error {
	v, err := m.Encode()
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", m.Kind, err)
	}
	data, err := codec.Encode(v)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", m.Kind, err)
	}
	return s.tr.Send(data)
}

// Pump runs until ctx is canceled or the transport closes, decoding every
// inbound datagram and handing it to deliver (normally engine.Engine.Inbound).
// A decode or dispatch error is reported to onError rather than stopping the
// loop, matching spec.md §7's "recognizer and decode errors are local to the
// receiving step and do not crash the engine."
//
// Pump calls deliver from its own goroutine. spec.md §5 requires one logical
// step per inbound message or timer tick against a single-threaded engine;
// if a caller also drives that same engine's Tick from another goroutine,
// Pump is the wrong tool — use RecvLoop instead and fold both the ticker and
// the receive channel into one select loop, so every engine call comes from
// one goroutine.
func Pump(ctx context.Context, tr Transport, deliver func([]byte) error, onError func(error)) error {
	for {
		data, err := tr.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if derr := deliver(data); derr != nil && onError != nil {
			onError(derr)
		}
	}
}

// RecvLoop relays every inbound datagram from tr onto ch, in order, until
// ctx is canceled or tr closes, then closes ch. Unlike Pump, it never
// decodes or dispatches a message itself, so it never competes with a
// caller's own single-threaded engine loop for access to engine state — the
// caller folds ch into the same select loop that drives Tick.
func RecvLoop(ctx context.Context, tr Transport, ch chan<- []byte) {
	defer close(ch)
	for {
		data, err := tr.Recv(ctx)
		if err != nil {
			return
		}
		select {
		case ch <- data:
		case <-ctx.Done():
			return
		}
	}
}
