package engine_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantarax/cft/internal/engine"
	"github.com/quantarax/cft/internal/store"
	"github.com/quantarax/cft/internal/transport"
)

// drive runs eng as a single-threaded cooperative loop (spec.md §5): a
// RecvLoop elsewhere only relays raw datagrams onto ch, and this is the
// only goroutine that ever calls into eng, so Inbound and Tick never race.
// It closes done the first time eng has no session 1 after a step (for a
// responder engine that can happen before the peer's request has opened the
// session) and keeps running until stop is closed, so the caller never reads
// engine state from outside this goroutine either.
func drive(t *testing.T, eng *engine.Engine, ch <-chan []byte, stop <-chan struct{}, done chan<- struct{}, start func(*engine.Engine) error) {
	t.Helper()
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	if start != nil {
		if err := start(eng); err != nil {
			t.Errorf("start: %v", err)
			return
		}
	}
	reported := false
	for {
		select {
		case <-stop:
			return
		case data := <-ch:
			if err := eng.Inbound(data); err != nil {
				t.Errorf("inbound: %v", err)
			}
		case now := <-ticker.C:
			if err := eng.Tick(now); err != nil {
				t.Errorf("tick: %v", err)
			}
		}
		if !reported {
			if _, ok := eng.Session(1); !ok {
				reported = true
				close(done)
			}
		}
	}
}

// TestExportOverLoopbackTransport runs S1 (spec.md §8) through the real
// transport.Loopback and transport.MessageSender instead of the package
// engine's in-memory forwardingSender test double, so the codec and message
// encode/decode path is exercised end to end alongside the state machine.
func TestExportOverLoopbackTransport(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "payload.bin")
	payload := bytes.Repeat([]byte{0xAB}, 10)
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	dst := filepath.Join(dir, "out.bin")

	stA, err := store.Open(filepath.Join(dir, "cas-a"))
	if err != nil {
		t.Fatalf("open store a: %v", err)
	}
	stB, err := store.Open(filepath.Join(dir, "cas-b"))
	if err != nil {
		t.Fatalf("open store b: %v", err)
	}

	a, b := transport.NewLoopbackPair(16)
	defer a.Close()
	defer b.Close()

	opts := engine.DefaultOptions()
	opts.ChunkSize = 3

	engA := engine.New(stA, transport.NewMessageSender(a), opts)
	engB := engine.New(stB, transport.NewMessageSender(b), opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	chA, chB := make(chan []byte, 16), make(chan []byte, 16)
	go transport.RecvLoop(ctx, a, chA)
	go transport.RecvLoop(ctx, b, chB)

	stop := make(chan struct{})
	defer close(stop)
	doneA, doneB := make(chan struct{}), make(chan struct{})
	go drive(t, engA, chA, stop, doneA, func(e *engine.Engine) error {
		return e.StartExport(1, src, dst, 0, false)
	})
	go drive(t, engB, chB, stop, doneB, nil)

	timeout := time.After(2 * time.Second)
	for doneA != nil || doneB != nil {
		select {
		case <-doneA:
			doneA = nil
		case <-doneB:
			doneB = nil
		case <-timeout:
			t.Fatal("transfer did not complete before deadline")
		}
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("assembled content mismatch: got %x, want %x", got, payload)
	}
}
