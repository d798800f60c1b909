package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupCache(t *testing.T) (*BlacklistCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	cache, err := Dial(context.Background(), Config{URL: "redis://" + mr.Addr(), Prefix: "test"})
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() {
		cache.Close()
		mr.Close()
	})
	return cache, mr
}

func TestMarkContainsForget(t *testing.T) {
	cache, mr := setupCache(t)
	ctx := context.Background()

	if hit, err := cache.Contains(ctx, "jti-1"); err != nil || hit {
		t.Fatalf("expected miss, got %v %v", hit, err)
	}
	if err := cache.Mark(ctx, "jti-1", time.Minute); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if !mr.Exists("test:jti-1") {
		t.Fatal("expected prefixed key in redis")
	}
	if hit, err := cache.Contains(ctx, "jti-1"); err != nil || !hit {
		t.Fatalf("expected hit, got %v %v", hit, err)
	}
	if err := cache.Forget(ctx, "jti-1"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if hit, _ := cache.Contains(ctx, "jti-1"); hit {
		t.Fatal("expected miss after Forget")
	}
}

func TestMarkExpiresWithTokenLifetime(t *testing.T) {
	cache, mr := setupCache(t)
	ctx := context.Background()

	if err := cache.Mark(ctx, "jti-2", 30*time.Second); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if ttl := mr.TTL("test:jti-2"); ttl != 30*time.Second {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	mr.FastForward(31 * time.Second)
	if hit, _ := cache.Contains(ctx, "jti-2"); hit {
		t.Fatal("entry outlived its ttl")
	}
}

func TestMarkIgnoresNonPositiveTTL(t *testing.T) {
	cache, mr := setupCache(t)
	if err := cache.Mark(context.Background(), "jti-3", 0); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	if mr.Exists("test:jti-3") {
		t.Fatal("expired token should not be cached")
	}
}

func TestContainsReportsOutage(t *testing.T) {
	cache, mr := setupCache(t)
	mr.Close()
	if _, err := cache.Contains(context.Background(), "jti-4"); err == nil {
		t.Fatal("expected error when redis is down")
	}
}

func TestDialRejectsBadURL(t *testing.T) {
	if _, err := Dial(context.Background(), Config{URL: "://nope"}); err == nil {
		t.Fatal("expected error")
	}
}
