package bootstrap

import (
	"sync"

	"github.com/tolelom/latticenode/types"
)

// pullsCacheCapacity bounds the pulls cache at 10k entries (spec §4.10).
const pullsCacheCapacity = 10000

// pullKey identifies one previously-observed advance: an account's head
// hash before a pull attempt discovered new blocks for it.
type pullKey struct {
	account types.Account
	oldHead types.Hash
}

// pullsCache remembers account_head->new_head advances already pulled in a
// prior attempt, so a later attempt (legacy frontier diff re-scanning the
// same peer, or a lazy pull re-widening into the same account) does not
// redundantly re-request blocks this node already fetched. Bounded
// insertion-ordered map, the same shape as gapcache.Cache and votes.Cache.
type pullsCache struct {
	mu      sync.Mutex
	order   []pullKey
	entries map[pullKey]types.Hash
}

func newPullsCache() *pullsCache {
	return &pullsCache{entries: make(map[pullKey]types.Hash)}
}

// Seen reports whether account's chain has already been advanced past
// oldHead by a prior pull, returning the new head if so.
func (c *pullsCache) Seen(account types.Account, oldHead types.Hash) (types.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.entries[pullKey{account, oldHead}]
	return h, ok
}

// Record notes that account advanced from oldHead to newHead, evicting the
// oldest entry first if the cache is at capacity.
func (c *pullsCache) Record(account types.Account, oldHead, newHead types.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := pullKey{account, oldHead}
	if _, ok := c.entries[key]; !ok {
		if len(c.entries) >= pullsCacheCapacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = newHead
}

func (c *pullsCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
