package trust

import (
	"fmt"
	"testing"
	"time"
)

func TestNonceCacheRejectsDuplicate(t *testing.T) {
	c := NewNonceCache(0, 0)

	if !c.Remember("key-a", "n1") {
		t.Fatal("first sighting should be accepted")
	}
	if c.Remember("key-a", "n1") {
		t.Error("duplicate nonce should be rejected")
	}
	if !c.Remember("key-a", "n2") {
		t.Error("distinct nonce should be accepted")
	}
}

func TestNonceCacheKeysAreIndependent(t *testing.T) {
	c := NewNonceCache(0, 0)

	if !c.Remember("key-a", "n1") {
		t.Fatal("first sighting should be accepted")
	}
	if !c.Remember("key-b", "n1") {
		t.Error("same nonce under a different key should be accepted")
	}
}

func TestNonceCacheWindowExpiry(t *testing.T) {
	c := NewNonceCache(5*time.Minute, 0)
	base := time.Now()
	c.now = func() time.Time { return base }

	if !c.Remember("key-a", "n1") {
		t.Fatal("first sighting should be accepted")
	}

	// Just inside the window: still a replay.
	c.now = func() time.Time { return base.Add(5 * time.Minute) }
	if c.Remember("key-a", "n1") {
		t.Error("nonce inside window should still be rejected")
	}

	// Past the window: the entry has expired.
	c.now = func() time.Time { return base.Add(5*time.Minute + time.Second) }
	if !c.Remember("key-a", "n1") {
		t.Error("nonce past window should be accepted again")
	}
}

func TestNonceCacheCapacityBound(t *testing.T) {
	c := NewNonceCache(time.Hour, 4)

	for i := 0; i < 8; i++ {
		if !c.Remember("key-a", fmt.Sprintf("n%d", i)) {
			t.Fatalf("nonce n%d should be accepted", i)
		}
	}

	// Oldest entries were evicted to hold the capacity, so they are
	// accepted again.
	if !c.Remember("key-a", "n0") {
		t.Error("evicted nonce should be accepted again")
	}
	// The newest entries are still remembered.
	if c.Remember("key-a", "n7") {
		t.Error("recent nonce should still be rejected")
	}
}

func TestNonceCacheForget(t *testing.T) {
	c := NewNonceCache(0, 0)

	c.Remember("key-a", "n1")
	c.Forget("key-a")
	if !c.Remember("key-a", "n1") {
		t.Error("forgotten key should accept previously seen nonces")
	}
}
