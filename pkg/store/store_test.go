package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "test", time.Minute)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := PeerSnapshot{
		PeerID:          "peer-1",
		Role:            "RELAY",
		Status:          "AVAILABLE",
		MaxBandwidthBps: 5_000_000,
		LatencyMs:       50,
		Reliability:     0.9,
		Region:          "EU",
	}
	if err := s.Put(ctx, snap); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := s.Get(ctx, "peer-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected snapshot to be present")
	}
	if got != snap {
		t.Fatalf("got %+v, want %+v", got, snap)
	}
}

func TestGetMissingReturnsNotOK(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing peer")
	}
}

func TestDeleteRemovesSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, PeerSnapshot{PeerID: "peer-2"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, "peer-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err := s.Get(ctx, "peer-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected snapshot to be gone after delete")
	}
}

func TestScanListsAllPeers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Put(ctx, PeerSnapshot{PeerID: id}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	snaps, err := s.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(snaps))
	}
}
