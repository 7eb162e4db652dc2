// Package votes implements the vote processor, votes cache and
// representative crawler (spec §4.8).
package votes

import (
	"sync"

	"github.com/tolelom/latticenode/types"
)

// DefaultMaxCache is the default bound for the votes cache
// (`voting.max_cache` on the live network per spec §4.8).
const DefaultMaxCache = 16384

// Cache is a bounded, insertion-ordered map from block hash to the votes
// seen for it, so a peer re-asking about a block we already processed can
// be answered without recomputing anything. Stale entries evict FIFO.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    []types.Hash
	entries  map[types.Hash][]*types.Vote
}

// NewCache creates a votes cache bounded at capacity (use DefaultMaxCache
// for the live-network default).
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultMaxCache
	}
	return &Cache{capacity: capacity, entries: make(map[types.Hash][]*types.Vote)}
}

// Add records v against every hash it references, evicting the oldest
// tracked hash if this introduces one past capacity.
func (c *Cache) Add(v *types.Vote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range v.HashList() {
		if _, ok := c.entries[h]; !ok {
			if len(c.order) >= c.capacity {
				oldest := c.order[0]
				c.order = c.order[1:]
				delete(c.entries, oldest)
			}
			c.order = append(c.order, h)
		}
		c.entries[h] = append(c.entries[h], v)
	}
}

// Get returns the votes cached against hash, if any.
func (c *Cache) Get(hash types.Hash) []*types.Vote {
	c.mu.Lock()
	defer c.mu.Unlock()
	votes := c.entries[hash]
	out := make([]*types.Vote, len(votes))
	copy(out, votes)
	return out
}

// Len reports the number of distinct hashes currently tracked.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
