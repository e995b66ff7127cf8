package persist

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func mustOpen(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cft.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadUpdateDeleteSession(t *testing.T) {
	s := mustOpen(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := SessionRecord{
		Channel: 42, Hash: "deadbeef", Direction: "receive", State: "receiving",
		NumChunks: 10, ChunkSize: 65536, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.SaveSession(rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadSession(42)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Hash != rec.Hash || got.State != rec.State || got.NumChunks != rec.NumChunks {
		t.Fatalf("loaded record mismatch: %+v", got)
	}

	if err := s.UpdateState(42, "complete", now.Add(time.Minute)); err != nil {
		t.Fatalf("update state: %v", err)
	}
	got, err = s.LoadSession(42)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.State != "complete" {
		t.Fatalf("state not updated: %v", got.State)
	}

	chans, err := s.ListByState("complete")
	if err != nil {
		t.Fatalf("list by state: %v", err)
	}
	if len(chans) != 1 || chans[0] != 42 {
		t.Fatalf("expected [42], got %v", chans)
	}

	if err := s.DeleteSession(42); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.LoadSession(42); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestUpdateUnknownSessionFails(t *testing.T) {
	s := mustOpen(t)
	err := s.UpdateState(999, "complete", time.Now())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestBitmapRoundTrip(t *testing.T) {
	s := mustOpen(t)
	b := NewBitmap(10)
	for _, i := range []uint64{0, 3, 7, 9} {
		b.Set(i)
	}
	if err := s.SaveBitmap(1, b.Bytes(), b.Count()); err != nil {
		t.Fatalf("save bitmap: %v", err)
	}
	data, received, err := s.LoadBitmap(1)
	if err != nil {
		t.Fatalf("load bitmap: %v", err)
	}
	if received != 4 {
		t.Fatalf("received = %d, want 4", received)
	}
	restored := LoadBitmapBytes(10, data)
	if !restored.Has(0) || !restored.Has(3) || !restored.Has(7) || !restored.Has(9) {
		t.Fatalf("restored bitmap missing expected bits")
	}
	if restored.Has(1) || restored.Has(5) {
		t.Fatalf("restored bitmap has unexpected bits set")
	}
	if restored.IsComplete() {
		t.Fatalf("bitmap should not be complete")
	}
}

func TestBitmapMissing(t *testing.T) {
	b := NewBitmap(5)
	b.Set(0)
	b.Set(2)
	b.Set(4)
	missing := b.Missing()
	want := []uint64{1, 3}
	if len(missing) != len(want) || missing[0] != want[0] || missing[1] != want[1] {
		t.Fatalf("got %v, want %v", missing, want)
	}
}
