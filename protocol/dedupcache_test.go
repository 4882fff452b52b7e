package protocol

import (
	"testing"
	"time"
)

func TestDedupCacheLookupMiss(t *testing.T) {
	c := newDedupCache(nil)
	if _, ok := c.lookup("missing"); ok {
		t.Fatalf("expected a miss for an unknown key")
	}
}

func TestDedupCacheStoresWithPositiveTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	c := newDedupCache(func() time.Time { return now })

	_, isLeader := c.beginOrWait("k1")
	if !isLeader {
		t.Fatalf("first caller for a fresh key must be the leader")
	}
	resp := &cachedResponse{payload: []byte("ok")}
	c.finish("k1", resp, 30*time.Second)

	got, ok := c.lookup("k1")
	if !ok || got != resp {
		t.Fatalf("expected the cached response to be retrievable before ttl elapses")
	}

	now = now.Add(31 * time.Second)
	if _, ok := c.lookup("k1"); ok {
		t.Fatalf("expected the cached response to be evicted after ttl elapses")
	}
}

func TestDedupCacheZeroTTLDoesNotPersist(t *testing.T) {
	c := newDedupCache(nil)
	_, isLeader := c.beginOrWait("k1")
	if !isLeader {
		t.Fatalf("expected leader")
	}
	c.finish("k1", &cachedResponse{payload: []byte("ok")}, 0)

	if _, ok := c.lookup("k1"); ok {
		t.Fatalf("a non-idempotent (ttl<=0) finish must not populate the TTL cache")
	}
}

func TestDedupCacheInFlightCollisionMerges(t *testing.T) {
	c := newDedupCache(nil)
	_, isLeader := c.beginOrWait("k1")
	if !isLeader {
		t.Fatalf("first caller must be leader")
	}
	wait, isLeader := c.beginOrWait("k1")
	if isLeader {
		t.Fatalf("second caller for the same in-flight key must not be leader")
	}

	resp := &cachedResponse{payload: []byte("result")}
	done := make(chan *cachedResponse, 1)
	go func() { done <- <-wait }()
	c.finish("k1", resp, 0)

	got := <-done
	if got != resp {
		t.Fatalf("expected the waiter to receive the leader's result")
	}

	// After finish, the key is no longer in-flight; a fresh caller becomes
	// the leader again.
	_, isLeader = c.beginOrWait("k1")
	if !isLeader {
		t.Fatalf("expected a new leader once the prior in-flight entry completed")
	}
}
