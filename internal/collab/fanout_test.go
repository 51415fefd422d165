package collab

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFanoutSkipsOwnMessages(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	local := NewFanout(client)
	remote := NewFanout(client)
	if local.Origin() == remote.Origin() {
		t.Fatal("origins must differ")
	}

	type delivery struct {
		documentID string
		update     string
	}
	got := make(chan delivery, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- local.Run(ctx, func(documentID string, update []byte) {
			got <- delivery{documentID, string(update)}
		})
	}()

	// Wait for the pattern subscription before publishing.
	deadline := time.Now().Add(5 * time.Second)
	for s.PubSubNumPat() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not established")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := local.Publish(ctx, "art_1", []byte("mine")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := remote.Publish(ctx, "art_1", []byte("theirs\nwith newline")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case d := <-got:
		if d.documentID != "art_1" || d.update != "theirs\nwith newline" {
			t.Fatalf("delivered %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("remote update not delivered")
	}
	select {
	case d := <-got:
		t.Fatalf("own message delivered: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestSplitPayload(t *testing.T) {
	if _, _, ok := splitPayload([]byte("no-separator")); ok {
		t.Error("payload without origin should be rejected")
	}
	if _, _, ok := splitPayload([]byte("\nupdate")); ok {
		t.Error("empty origin should be rejected")
	}
	origin, update, ok := splitPayload([]byte("node_1\n\x01\x02"))
	if !ok || origin != "node_1" || string(update) != "\x01\x02" {
		t.Fatalf("split = %q %q %v", origin, update, ok)
	}
}
