package transport

import (
	"context"
	"testing"
	"time"

	"github.com/quantarax/cft/internal/codec"
	"github.com/quantarax/cft/internal/message"
)

func TestLoopbackRoundTrip(t *testing.T) {
	a, b := NewLoopbackPair(4)
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestLoopbackRecvUnblocksOnClose(t *testing.T) {
	a, b := NewLoopbackPair(1)
	defer a.Close()

	done := make(chan error, 1)
	go func() {
		_, err := b.Recv(context.Background())
		done <- err
	}()
	a.Close()
	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("got %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Close")
	}
}

func TestLoopbackRecvRespectsContext(t *testing.T) {
	a, b := NewLoopbackPair(1)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Recv(ctx); err != context.Canceled {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestMessageSenderEncodesAndSends(t *testing.T) {
	a, b := NewLoopbackPair(4)
	defer a.Close()
	defer b.Close()

	sender := NewMessageSender(a)
	want := message.ReqTransmit(42, "/remote/path")
	if err := sender.SendMessage(want); err != nil {
		t.Fatalf("send message: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := b.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	v, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := message.Decode(v)
	if err != nil {
		t.Fatalf("message decode: %v", err)
	}
	if got.Channel != want.Channel || got.Path != want.Path || got.Kind != message.KindReqTransmit {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestPumpDeliversUntilClosed(t *testing.T) {
	a, b := NewLoopbackPair(4)
	defer a.Close()

	sender := NewMessageSender(a)
	if err := sender.SendMessage(message.Sync("h")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := sender.SendMessage(message.Sync("h2")); err != nil {
		t.Fatalf("send: %v", err)
	}

	var delivered []string
	done := make(chan error, 1)
	go func() {
		done <- Pump(context.Background(), b, func(data []byte) error {
			v, err := codec.Decode(data)
			if err != nil {
				return err
			}
			m, err := message.Decode(v)
			if err != nil {
				return err
			}
			delivered = append(delivered, m.Hash)
			if len(delivered) == 2 {
				b.Close()
			}
			return nil
		}, nil)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("pump: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pump did not return after close")
	}
	if len(delivered) != 2 || delivered[0] != "h" || delivered[1] != "h2" {
		t.Fatalf("delivered = %v", delivered)
	}
}
