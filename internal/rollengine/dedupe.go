package rollengine

import (
	"sync"

	"lukechampine.com/blake3"
)

// dedupeCache is a small, bounded, in-process cache of payment hashes whose
// settle notification has already been handled in this process's lifetime.
// It exists purely to short-circuit the common case of a relay or payment
// node redelivering the same settle event within milliseconds, before ever
// touching the Bet Store. It is never the source of truth for idempotence —
// that guarantee comes from the durable CAS transition in BetStore.UpdateState
// — so a cold cache (after a restart, or an evicted entry) is harmless: the
// durable check in HandleSettle still drops the duplicate correctly.
//
// blake3 is used instead of a second SHA-256 pass purely for hashing speed on
// a hot path that runs on every settle notification; it is never part of the
// normative roll computation (§4.5), which is fixed to SHA-256.
type dedupeCache struct {
	mu      sync.Mutex
	order   []string
	index   map[string]struct{}
	maxSize int
}

func newDedupeCache(maxSize int) *dedupeCache {
	return &dedupeCache{
		index:   make(map[string]struct{}, maxSize),
		maxSize: maxSize,
	}
}

func (c *dedupeCache) key(paymentHash [32]byte) string {
	digest := blake3.Sum256(paymentHash[:])
	return string(digest[:])
}

func (c *dedupeCache) seen(paymentHash [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[c.key(paymentHash)]
	return ok
}

func (c *dedupeCache) mark(paymentHash [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := c.key(paymentHash)
	if _, ok := c.index[k]; ok {
		return
	}
	if len(c.order) >= c.maxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.index, oldest)
	}
	c.order = append(c.order, k)
	c.index[k] = struct{}{}
}
