package objstore

import (
	"context"
	"errors"
	"testing"
)

func TestRefIsStableAndContentSensitive(t *testing.T) {
	a := Ref("payment due in 30 days")
	b := Ref("payment due in 30 days")
	c := Ref("payment due in 45 days")

	if a != b {
		t.Fatalf("same content produced different refs: %s vs %s", a, b)
	}
	if a == c {
		t.Fatal("different content produced the same ref")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ref, err := store.Put(ctx, "clause text")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref != Ref("clause text") {
		t.Fatalf("put returned %s, want content-addressed ref", ref)
	}

	content, err := store.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if content != "clause text" {
		t.Fatalf("got %q", content)
	}
}

func TestMemoryStoreGetUnknownRef(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), Ref("never stored"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryStorePutIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, _ := store.Put(ctx, "same bytes")
	second, _ := store.Put(ctx, "same bytes")
	if first != second {
		t.Fatalf("refs differ: %s vs %s", first, second)
	}
}
