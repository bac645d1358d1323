package remote

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemClientGetSetRoundTrip(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()

	if err := c.Set(ctx, "a", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := c.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("got %q, want v", v)
	}
}

func TestMemClientMissReturnsErrNotFound(t *testing.T) {
	c := NewMemClient()
	_, err := c.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMemClientTTLExpiry(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()
	_ = c.Set(ctx, "a", []byte("v"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, err := c.Get(ctx, "a")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired key to report ErrNotFound, got %v", err)
	}
}

func TestMemClientMGetMSet(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()

	errs := c.MSet(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, 0)
	if len(errs) != 0 {
		t.Fatalf("expected no MSet errors, got %v", errs)
	}

	got, err := c.MGet(ctx, []string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("MGet: %v", err)
	}
	if len(got) != 2 || string(got["a"]) != "1" || string(got["b"]) != "2" {
		t.Fatalf("unexpected MGet result: %v", got)
	}
}

func TestMemClientScanPattern(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()
	_ = c.Set(ctx, "user:1", []byte("v"), 0)
	_ = c.Set(ctx, "user:2", []byte("v"), 0)
	_ = c.Set(ctx, "post:1", []byte("v"), 0)

	keys, err := c.Scan(ctx, "user:*")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Scan returned %d keys, want 2: %v", len(keys), keys)
	}
}

func TestHashRingStableAssignment(t *testing.T) {
	ring := NewHashRing(50)
	for _, shard := range []string{"shard-a", "shard-b", "shard-c"} {
		if err := ring.AddShard(shard, 1); err != nil {
			t.Fatalf("AddShard: %v", err)
		}
	}

	first := ring.ShardFor("user:42")
	second := ring.ShardFor("user:42")
	if first != second {
		t.Fatalf("expected stable assignment, got %q then %q", first, second)
	}
	if first == "" {
		t.Fatalf("expected a non-empty shard assignment")
	}
}

func TestHashRingRemoveShard(t *testing.T) {
	ring := NewHashRing(50)
	_ = ring.AddShard("shard-a", 1)
	_ = ring.AddShard("shard-b", 1)

	if err := ring.RemoveShard("shard-a"); err != nil {
		t.Fatalf("RemoveShard: %v", err)
	}
	if ring.ShardCount() != 1 {
		t.Fatalf("ShardCount() = %d, want 1", ring.ShardCount())
	}
	if err := ring.RemoveShard("shard-a"); err == nil {
		t.Fatalf("expected error removing already-removed shard")
	}
}

func TestShardedClientRoutesAndMerges(t *testing.T) {
	shards := map[string]Client{
		"shard-a": NewMemClient(),
		"shard-b": NewMemClient(),
		"shard-c": NewMemClient(),
	}
	c, err := NewShardedClient(shards, 50)
	if err != nil {
		t.Fatalf("NewShardedClient: %v", err)
	}
	if c.ShardCount() != 3 {
		t.Fatalf("ShardCount() = %d, want 3", c.ShardCount())
	}

	ctx := context.Background()
	items := map[string][]byte{
		"user:1": []byte("1"), "user:2": []byte("2"), "user:3": []byte("3"),
		"user:4": []byte("4"), "user:5": []byte("5"),
	}
	if errs := c.MSet(ctx, items, 0); len(errs) != 0 {
		t.Fatalf("MSet errors: %v", errs)
	}

	got, err := c.MGet(ctx, []string{"user:1", "user:2", "user:3", "user:4", "user:5", "missing"})
	if err != nil {
		t.Fatalf("MGet: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("MGet returned %d values, want 5: %v", len(got), got)
	}

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	scanned, err := c.Scan(ctx, "user:*")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(scanned) != 5 {
		t.Fatalf("Scan returned %d keys, want 5: %v", len(scanned), scanned)
	}
}

func TestShardedClientRequiresAtLeastOneShard(t *testing.T) {
	if _, err := NewShardedClient(map[string]Client{}, 10); err == nil {
		t.Fatalf("expected error constructing a sharded client with no shards")
	}
}
