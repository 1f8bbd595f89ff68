package policy

import (
	"sync"
	"time"
)

// instanceCacheTTL bounds how long a decision is replayed for repeated
// requests carrying the same instance id. Postfix may recheck the same
// transaction several times in quick succession.
const instanceCacheTTL = 3 * time.Second

// instanceCache memoizes instance id -> Outcome with a short TTL.
// Expired entries are swept opportunistically on writes.
type instanceCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]instanceEntry
}

type instanceEntry struct {
	outcome  Outcome
	deadline time.Time
}

func newInstanceCache(ttl time.Duration) *instanceCache {
	if ttl <= 0 {
		ttl = instanceCacheTTL
	}
	return &instanceCache{
		ttl:     ttl,
		entries: make(map[string]instanceEntry),
	}
}

func (c *instanceCache) get(key string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Outcome{}, false
	}
	if time.Now().After(e.deadline) {
		delete(c.entries, key)
		return Outcome{}, false
	}
	return e.outcome, true
}

func (c *instanceCache) put(key string, o Outcome) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.deadline) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = instanceEntry{outcome: o, deadline: now.Add(c.ttl)}
}
