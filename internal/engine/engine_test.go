package engine

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantarax/cft/internal/codec"
	"github.com/quantarax/cft/internal/message"
	"github.com/quantarax/cft/internal/store"
)

// forwardingSender encodes outbound messages and hands them straight to a
// peer Engine's Inbound, modeling two endpoints of a connected transport
// without any real network or transport package involved. With no peer set,
// outbound messages are only recorded in sent.
type forwardingSender struct {
	peer *Engine
	drop func(m message.Message) bool
	sent []message.Message
}

func (f *forwardingSender) SendMessage(m message.Message) error {
	f.sent = append(f.sent, m)
	if f.drop != nil && f.drop(m) {
		return nil
	}
	if f.peer == nil {
		return nil
	}
	v, err := m.Encode()
	if err != nil {
		return err
	}
	data, err := codec.Encode(v)
	if err != nil {
		return err
	}
	return f.peer.Inbound(data)
}

func newPair(t *testing.T, opts Options) (engA, engB *Engine, sndA, sndB *forwardingSender) {
	t.Helper()
	stA, err := store.Open(filepath.Join(t.TempDir(), "cas"))
	if err != nil {
		t.Fatalf("open store A: %v", err)
	}
	stB, err := store.Open(filepath.Join(t.TempDir(), "cas"))
	if err != nil {
		t.Fatalf("open store B: %v", err)
	}
	sndA, sndB = &forwardingSender{}, &forwardingSender{}
	engA, engB = New(stA, sndA, opts), New(stB, sndB, opts)
	sndA.peer, sndB.peer = engB, engA
	return engA, engB, sndA, sndB
}

func TestS1HappyPathExport(t *testing.T) {
	opts := DefaultOptions()
	opts.ChunkSize = 3
	engA, engB, _, _ := newPair(t, opts)

	srcDir, dstDir := t.TempDir(), t.TempDir()
	content := []byte("abcdefghi") // 9 bytes / 3-byte chunks = 3 chunks
	src := filepath.Join(srcDir, "in.bin")
	if err := os.WriteFile(src, content, 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	dst := filepath.Join(dstDir, "out.bin")

	if err := engA.StartExport(100, src, dst, 0o600, true); err != nil {
		t.Fatalf("start export: %v", err)
	}

	if _, ok := engA.Session(100); ok {
		t.Fatalf("sender session should have finalized")
	}
	if _, ok := engB.Session(100); ok {
		t.Fatalf("receiver session should have finalized")
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("assembled content mismatch: got %q want %q", got, content)
	}
	fi, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("stat dst: %v", err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %o, want 0600", fi.Mode().Perm())
	}
}

func TestS2LossyLinkOneNakRound(t *testing.T) {
	opts := DefaultOptions()
	opts.ChunkSize = 2
	opts.TIdle = time.Millisecond
	engA, engB, _, sndA := newPair(t, opts)

	srcDir, dstDir := t.TempDir(), t.TempDir()
	content := make([]byte, 10) // 5 chunks of 2 bytes
	for i := range content {
		content[i] = byte(i + 1)
	}
	src := filepath.Join(srcDir, "in.bin")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	dst := filepath.Join(dstDir, "out.bin")

	dropped := map[uint64]bool{}
	sndA.drop = func(m message.Message) bool {
		if m.Kind != message.KindReceiveChunk {
			return false
		}
		if (m.Index == 1 || m.Index == 3) && !dropped[m.Index] {
			dropped[m.Index] = true
			return true
		}
		return false
	}

	if err := engA.StartExport(1, src, dst, 0, false); err != nil {
		t.Fatalf("start export: %v", err)
	}

	// Sender reached AwaitingAck; receiver is waiting on chunks 1 and 3.
	sB, ok := engB.Session(1)
	if !ok {
		t.Fatalf("receiver session missing before NAK round")
	}
	if sB.State != StateReceiving {
		t.Fatalf("receiver state = %v, want receiving", sB.State)
	}

	// Force the receiver's idle timer to fire a NAK.
	if err := engB.Tick(time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("tick receiver: %v", err)
	}

	if _, ok := engA.Session(1); ok {
		t.Fatalf("sender session should have finalized after retransmit")
	}
	if _, ok := engB.Session(1); ok {
		t.Fatalf("receiver session should have finalized after retransmit")
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("assembled content mismatch: got %v want %v", got, content)
	}
}

func TestS3ImportRequest(t *testing.T) {
	opts := DefaultOptions()
	opts.ChunkSize = 2
	engSender, engReceiver, _, _ := newPair(t, opts)

	senderFsDir, receiverFsDir := t.TempDir(), t.TempDir()
	content := make([]byte, 10)
	for i := range content {
		content[i] = byte(i)
	}
	src := filepath.Join(senderFsDir, "src.bin")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	dst := filepath.Join(receiverFsDir, "dst.bin")

	if err := engReceiver.StartImport(200, src, dst); err != nil {
		t.Fatalf("start import: %v", err)
	}

	if _, ok := engSender.Session(200); ok {
		t.Fatalf("sender session should have finalized")
	}
	if _, ok := engReceiver.Session(200); ok {
		t.Fatalf("receiver session should have finalized")
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("assembled content mismatch: got %v want %v", got, content)
	}
}

func TestS4EmptyFile(t *testing.T) {
	opts := DefaultOptions()
	engA, engB, _, _ := newPair(t, opts)

	srcDir, dstDir := t.TempDir(), t.TempDir()
	src := filepath.Join(srcDir, "empty.bin")
	if err := os.WriteFile(src, nil, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	dst := filepath.Join(dstDir, "out.bin")

	if err := engA.StartExport(7, src, dst, 0, false); err != nil {
		t.Fatalf("start export: %v", err)
	}

	if _, ok := engA.Session(7); ok {
		t.Fatalf("sender session should have finalized")
	}
	if _, ok := engB.Session(7); ok {
		t.Fatalf("receiver session should have finalized")
	}
	fi, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("stat dst: %v", err)
	}
	if fi.Size() != 0 {
		t.Fatalf("expected empty assembled file, got %d bytes", fi.Size())
	}
}

func TestS5MalformedChunkAbortsChannel(t *testing.T) {
	opts := DefaultOptions()
	eng := New(mustStore(t), &forwardingSender{}, opts)

	// Register a live channel/hash so the malformed message has somewhere
	// to be routed: simulate an in-progress receive on hash "h".
	if err := eng.Inbound(mustEncode(t, codec.Array(codec.Uint(9), codec.Text("export"), codec.Text("h"), codec.Text("/t")))); err != nil {
		t.Fatalf("seed ReqReceive: %v", err)
	}
	if _, ok := eng.Session(9); !ok {
		t.Fatalf("expected session for channel 9")
	}

	// [ "h", 2, 42 ]: third field is an integer, not bytes.
	bad := mustEncode(t, codec.Array(codec.Text("h"), codec.Uint(2), codec.Uint(42)))
	err := eng.Inbound(bad)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if _, ok := eng.Session(9); ok {
		t.Fatalf("channel should have aborted")
	}
}

func TestS6HashCollisionAbortsChannel(t *testing.T) {
	opts := DefaultOptions()
	eng := New(mustStore(t), &forwardingSender{}, opts)

	if err := eng.Inbound(mustEncode(t, codec.Array(codec.Uint(5), codec.Text("export"), codec.Text("samehash"), codec.Text("/t")))); err != nil {
		t.Fatalf("seed ReqReceive: %v", err)
	}
	// num_chunks=2 so the conflicting index-0 delivery below lands while the
	// channel is still receiving, rather than auto-completing (and hitting
	// Assemble's ErrHashMismatch first) after a single chunk.
	if err := eng.Inbound(mustEncode(t, codec.Array(codec.Text("samehash"), codec.Uint(2)))); err != nil {
		t.Fatalf("seed Metadata: %v", err)
	}

	first := mustEncode(t, codec.Array(codec.Text("samehash"), codec.Uint(0), codec.Bytes([]byte("first payload"))))
	if err := eng.Inbound(first); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	second := mustEncode(t, codec.Array(codec.Text("samehash"), codec.Uint(0), codec.Bytes([]byte("different payload"))))
	err := eng.Inbound(second)
	if !errors.Is(err, ErrHashCollision) {
		t.Fatalf("expected ErrHashCollision, got %v", err)
	}
	if _, ok := eng.Session(5); ok {
		t.Fatalf("channel should have aborted")
	}
}

func TestNumChunksChangeAfterChunksStoredIsRejected(t *testing.T) {
	opts := DefaultOptions()
	eng := New(mustStore(t), &forwardingSender{}, opts)

	if err := eng.Inbound(mustEncode(t, codec.Array(codec.Uint(3), codec.Text("export"), codec.Text("h"), codec.Text("/t")))); err != nil {
		t.Fatalf("seed ReqReceive: %v", err)
	}
	if err := eng.Inbound(mustEncode(t, codec.Array(codec.Text("h"), codec.Uint(2)))); err != nil {
		t.Fatalf("seed Metadata: %v", err)
	}
	if err := eng.Inbound(mustEncode(t, codec.Array(codec.Text("h"), codec.Uint(0), codec.Bytes([]byte("x"))))); err != nil {
		t.Fatalf("seed chunk: %v", err)
	}
	// A second Metadata changing num_chunks after a chunk was stored must
	// be rejected as a protocol violation and abort the channel.
	err := eng.Inbound(mustEncode(t, codec.Array(codec.Text("h"), codec.Uint(5))))
	if err == nil {
		t.Fatalf("expected an error, got nil")
	}
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
	if _, ok := eng.Session(3); ok {
		t.Fatalf("channel should have aborted")
	}
}

func mustStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "cas"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func mustEncode(t *testing.T, v codec.Value) []byte {
	t.Helper()
	data, err := codec.Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}
