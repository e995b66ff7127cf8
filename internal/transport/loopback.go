package transport

import "context"

// Loopback is an in-memory Transport, one end of a connected pair, used for
// same-process testing and for two engines sharing one address space. It
// reorders nothing on its own but does not guarantee delivery once closed,
// matching the Transport contract.
type Loopback struct {
	out    chan []byte
	in     chan []byte
	closed chan struct{}
}

// NewLoopbackPair returns two Transports, a and b, wired so a.Send reaches
// b.Recv and vice versa.
func NewLoopbackPair(bufSize int) (a, b *Loopback) {
	if bufSize <= 0 {
		bufSize = 1
	}
	toB := make(chan []byte, bufSize)
	toA := make(chan []byte, bufSize)
	closed := make(chan struct{})
	a = &Loopback{out: toB, in: toA, closed: closed}
	b = &Loopback{out: toA, in: toB, closed: closed}
	return a, b
}

// Send implements Transport.
func (l *Loopback) Send(data []byte) error {
	cp := append([]byte(nil), data...)
	select {
	case l.out <- cp:
		return nil
	case <-l.closed:
		return ErrClosed
	}
}

// Recv implements Transport.
func (l *Loopback) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-l.in:
		return data, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Transport. Both ends of a pair share one closed channel,
// so closing either end unblocks the other's Recv.
func (l *Loopback) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}
