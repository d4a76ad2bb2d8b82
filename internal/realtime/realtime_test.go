package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"redline/api/internal/collab"
)

func TestPublishReachesSubscriber(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	b, err := NewBroadcaster("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create broadcaster: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := b.Subscribe(ctx, "ses_1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sent := collab.Message{
		SessionID: "ses_1",
		Seq:       7,
		Author:    "alice",
		Kind:      collab.OpInsert,
		Position:  3,
		Text:      "hello",
	}
	if err := b.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-msgs:
		if got.Seq != sent.Seq || got.Author != sent.Author || got.Text != sent.Text {
			t.Fatalf("got %+v, want %+v", got, sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSubscribeIsScopedToSession(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	b, err := NewBroadcaster("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create broadcaster: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := b.Subscribe(ctx, "ses_1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, collab.Message{SessionID: "ses_other", Seq: 1, Author: "bob", Kind: collab.OpDelete}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, collab.Message{SessionID: "ses_1", Seq: 2, Author: "alice", Kind: collab.OpInsert, Text: "x"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-msgs:
		if got.SessionID != "ses_1" || got.Seq != 2 {
			t.Fatalf("received message for wrong session: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
