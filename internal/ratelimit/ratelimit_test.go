package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5) // 2 tokens per second, capacity of 5

	// Initial tokens should be at capacity
	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}

	// Next request should be denied (bucket empty)
	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	// Wait and check if tokens are refilled
	time.Sleep(1100 * time.Millisecond)

	// Should have 2 tokens available now
	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}

	// Third request should be denied
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestConnLimiterPerClient(t *testing.T) {
	cl := NewConnLimiter(0, 2, 3) // global disabled; per-client 2/s, burst 3

	client := "client-a"
	for i := 0; i < 3; i++ {
		if !cl.Allow(client) {
			t.Errorf("Expected connection %d to be allowed for %s", i, client)
		}
	}
	if cl.Allow(client) {
		t.Error("Expected connection to be denied due to per-client limit")
	}

	// Different client has its own bucket
	if !cl.Allow("client-b") {
		t.Error("Expected connection to be allowed for different client")
	}
}

func TestConnLimiterGlobal(t *testing.T) {
	cl := NewConnLimiter(2, 0, 2) // global 2/s, per-client disabled, burst 2

	if !cl.Allow("client-a") {
		t.Error("Expected first global connection to be allowed")
	}
	if !cl.Allow("client-b") {
		t.Error("Expected second global connection to be allowed")
	}
	if cl.Allow("client-a") {
		t.Error("Expected connection to be denied due to global limit")
	}
}

func TestConnLimiterForget(t *testing.T) {
	cl := NewConnLimiter(0, 1, 1)

	cl.Allow("client-a")
	cl.Allow("client-b")
	if len(cl.perClient) != 2 {
		t.Errorf("Expected 2 per-client buckets, got %d", len(cl.perClient))
	}

	cl.Forget("client-b")
	if len(cl.perClient) != 1 {
		t.Errorf("Expected 1 per-client bucket after Forget, got %d", len(cl.perClient))
	}
	if _, exists := cl.perClient["client-a"]; !exists {
		t.Error("Expected client-a bucket to remain")
	}
}

func TestConnLimiterDisabled(t *testing.T) {
	cl := NewConnLimiter(0, 0, 5)

	for i := 0; i < 100; i++ {
		if !cl.Allow("client-a") {
			t.Errorf("Expected connection %d to be allowed when limits disabled", i)
		}
	}
}
