package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	if got := RequestIDFromContext(ctx); got != "req-123" {
		t.Fatalf("RequestIDFromContext = %q, want %q", got, "req-123")
	}
}

func TestRequestIDAbsentIsEmpty(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("RequestIDFromContext on bare context = %q, want empty", got)
	}
}

func TestNewRequestIDIsUnique(t *testing.T) {
	if NewRequestID() == NewRequestID() {
		t.Fatal("expected distinct request IDs")
	}
}

func TestTokenBucketAllowsBurstThenThrottles(t *testing.T) {
	tb := NewTokenBucket(1, 3)

	for i := 0; i < 3; i++ {
		if !tb.Allow("user:*") {
			t.Fatalf("request %d within burst should be allowed", i)
		}
	}
	if tb.Allow("user:*") {
		t.Fatal("request past burst capacity should be throttled")
	}
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	tb := NewTokenBucket(1, 1)

	if !tb.Allow("a:*") {
		t.Fatal("first request for a:* should be allowed")
	}
	if tb.Allow("a:*") {
		t.Fatal("second request for a:* should be throttled")
	}
	if !tb.Allow("b:*") {
		t.Fatal("b:* has its own bucket and should be allowed")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	tb := NewTokenBucket(100, 1)

	if !tb.Allow("k") {
		t.Fatal("initial request should be allowed")
	}
	if tb.Allow("k") {
		t.Fatal("bucket should be empty immediately after the burst")
	}

	time.Sleep(50 * time.Millisecond) // 100 tokens/s refills well within this

	if !tb.Allow("k") {
		t.Fatal("bucket should have refilled")
	}
}

func TestTokenBucketRejectsEmptyKey(t *testing.T) {
	tb := NewTokenBucket(1, 1)
	if tb.Allow("") {
		t.Fatal("empty key should never be allowed")
	}
}

func TestEvictStaleKeys(t *testing.T) {
	tb := NewTokenBucket(1, 1)
	tb.Allow("old")

	if evicted := tb.EvictStaleKeys(-time.Millisecond); evicted != 1 {
		t.Fatalf("EvictStaleKeys = %d, want 1", evicted)
	}
	if evicted := tb.EvictStaleKeys(time.Hour); evicted != 0 {
		t.Fatalf("EvictStaleKeys on empty limiter = %d, want 0", evicted)
	}
}
