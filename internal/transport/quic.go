package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quantarax/cft/internal/quicutil"
)

// QUICDatagram adapts one *quic.Conn into a Transport using QUIC's unreliable
// datagram extension rather than a reliable stream: spec.md §1 Non-goals
// rule out in-order byte streaming and ordering guarantees, and §9 asks the
// transport to avoid the source's length-ambiguous stream framing entirely.
// A QUIC datagram is naturally one length-delimited, unordered, best-effort
// unit — it needs no length prefix of its own and drops instead of
// head-of-line-blocking, which is exactly the channel model CFT specifies.
type QUICDatagram struct {
	conn *quic.Conn
}

// NewQUICDatagram wraps an established connection opened with
// quic.Config{EnableDatagrams: true}.
func NewQUICDatagram(conn *quic.Conn) *QUICDatagram {
	return &QUICDatagram{conn: conn}
}

// Send implements Transport.
func (q *QUICDatagram) Send(data []byte) error {
	if err := q.conn.SendDatagram(data); err != nil {
		return fmt.Errorf("transport: quic send: %w", err)
	}
	return nil
}

// Recv implements Transport.
func (q *QUICDatagram) Recv(ctx context.Context) ([]byte, error) {
	data, err := q.conn.ReceiveDatagram(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: quic recv: %w", err)
	}
	return data, nil
}

// Close implements Transport.
func (q *QUICDatagram) Close() error {
	return q.conn.CloseWithError(0, "cft: transport closed")
}

// datagramConfig is shared by Dial and Listen so both sides of a CFT
// exchange agree on the same idle/window tuning the teacher's
// QUICConnection used for its reliable control stream, enabling the
// datagram extension in place of the teacher's disabled EnableDatagrams.
func datagramConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:                true,
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 60 * time.Second,
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
	}
}

// DialQUIC opens a client connection to addr and returns it wrapped as a
// Transport. insecure, when true, skips server certificate verification
// (development only, matching quicutil.MakeClientTLSConfig's contract).
func DialQUIC(ctx context.Context, addr string, alpn string, insecure bool) (*QUICDatagram, error) {
	var tlsConfig *tls.Config
	if insecure {
		tlsConfig = quicutil.MakeClientTLSConfig()
	} else {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS13, MaxVersion: tls.VersionTLS13}
	}
	tlsConfig.NextProtos = []string{alpn}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, datagramConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewQUICDatagram(conn), nil
}

// QUICListener accepts inbound QUIC connections and hands back each as a
// Transport, one per peer.
type QUICListener struct {
	listener *quic.Listener
}

// ListenQUIC binds addr with a freshly generated self-signed certificate,
// suitable for the CLI daemons in cmd/cft-recv. A production deployment
// would supply its own certificate via quicutil.MakeTLSConfig.
func ListenQUIC(addr string, alpn string) (*QUICListener, error) {
	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	tlsConfig.NextProtos = []string{alpn}
	listener, err := quic.ListenAddr(addr, tlsConfig, datagramConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &QUICListener{listener: listener}, nil
}

// Accept blocks for the next inbound connection and wraps it as a Transport.
func (l *QUICListener) Accept(ctx context.Context) (*QUICDatagram, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return NewQUICDatagram(conn), nil
}

// Addr returns the listener's bound network address.
func (l *QUICListener) Addr() string {
	return l.listener.Addr().String()
}

// Close stops accepting new connections.
func (l *QUICListener) Close() error {
	return l.listener.Close()
}
