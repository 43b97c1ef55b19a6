package oidc

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// identityCache holds validated identities keyed by token digest. Entries
// live exactly until their token expires; there is no eager invalidation.
type identityCache struct {
	mu      sync.RWMutex
	entries map[string]Identity
}

func newIdentityCache() *identityCache {
	return &identityCache{entries: make(map[string]Identity)}
}

func cacheKey(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return hex.EncodeToString(sum[:])
}

func (c *identityCache) get(accessToken string, now time.Time) (Identity, bool) {
	key := cacheKey(accessToken)
	c.mu.RLock()
	id, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Identity{}, false
	}
	if id.Expired(now) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return Identity{}, false
	}
	return id, true
}

func (c *identityCache) put(accessToken string, id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(accessToken)] = id

	// Opportunistic sweep keeps the map from accumulating dead tokens.
	now := time.Now()
	for key, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, key)
		}
	}
}
