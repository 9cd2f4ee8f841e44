package trust

import (
	"container/list"
	"sync"
	"time"
)

// Replay-cache tuning. The window is sliding: a nonce is remembered for
// DefaultReplayWindow after first sight, and each signing key holds at most
// DefaultNoncesPerKey entries (oldest evicted first).
const (
	DefaultReplayWindow = 5 * time.Minute
	DefaultNoncesPerKey = 8192
)

// NonceCache tracks recently seen envelope nonces per signing key so a
// captured request cannot be replayed inside the window.
type NonceCache struct {
	mu        sync.Mutex
	window    time.Duration
	maxPerKey int
	keys      map[string]*nonceWindow
	now       func() time.Time
}

type nonceWindow struct {
	order *list.List // front = oldest entry
	seen  map[string]*list.Element
}

type nonceEntry struct {
	nonce string
	at    time.Time
}

// NewNonceCache creates a cache with the given sliding window and per-key
// capacity. Zero values select the defaults.
func NewNonceCache(window time.Duration, maxPerKey int) *NonceCache {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	if maxPerKey <= 0 {
		maxPerKey = DefaultNoncesPerKey
	}
	return &NonceCache{
		window:    window,
		maxPerKey: maxPerKey,
		keys:      make(map[string]*nonceWindow),
		now:       time.Now,
	}
}

// Remember records (keyID, nonce). It returns false when the nonce was
// already seen inside the window, i.e. the request is a replay. Expired
// entries are evicted lazily on access.
func (c *NonceCache) Remember(keyID, nonce string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.keys[keyID]
	if !ok {
		w = &nonceWindow{order: list.New(), seen: make(map[string]*list.Element)}
		c.keys[keyID] = w
	}

	// Drop entries older than the window from the front.
	for e := w.order.Front(); e != nil; {
		entry := e.Value.(*nonceEntry)
		if now.Sub(entry.at) <= c.window {
			break
		}
		next := e.Next()
		w.order.Remove(e)
		delete(w.seen, entry.nonce)
		e = next
	}

	if _, dup := w.seen[nonce]; dup {
		return false
	}

	w.seen[nonce] = w.order.PushBack(&nonceEntry{nonce: nonce, at: now})

	// Bound memory per key: evict oldest beyond capacity.
	for w.order.Len() > c.maxPerKey {
		oldest := w.order.Front()
		w.order.Remove(oldest)
		delete(w.seen, oldest.Value.(*nonceEntry).nonce)
	}

	return true
}

// Forget drops all remembered nonces for a key. Used when a key is removed
// from the trusted set.
func (c *NonceCache) Forget(keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, keyID)
}
