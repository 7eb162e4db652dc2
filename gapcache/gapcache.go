// Package gapcache tracks block hashes the node has heard about (in a vote
// or a gap_previous/gap_source report) but does not yet hold, accumulating
// the stake-weight of voters behind each gap until it crosses a bootstrap
// threshold (spec §4.5). It is a bounded, insertion-ordered map —
// the same bounded-map-plus-order-slice shape used elsewhere in this
// codebase for small working sets that need O(1) lookup and cheap eviction.
package gapcache

import (
	"sync"
	"time"

	"github.com/tolelom/latticenode/types"
)

// Capacity is the maximum number of tracked gaps; the oldest (by arrival
// time) is evicted once a new Add would exceed it (spec §4.5).
const Capacity = 256

// WeightFunc resolves a representative's current stake, typically
// ledger.Weight bound to a read transaction.
type WeightFunc func(types.Account) (types.Amount, error)

// entry is one tracked gap.
type entry struct {
	arrival time.Time
	voters  map[types.Account]struct{}
}

// Cache is the gap tracker. The zero value is not usable; construct with
// New.
type Cache struct {
	mu      sync.Mutex
	order   []types.Hash // ascending by arrival time
	entries map[types.Hash]*entry

	// Threshold returns the voter-weight bootstrap threshold to compare
	// accumulated weight against. Callers configure this per-mode (legacy:
	// online_stake/256 * bootstrap_fraction_numerator; lazy:
	// online_weight_minimum) — the cache itself is mode-agnostic.
	Threshold func() types.Amount

	// OnThreshold fires once per hash the first time its accumulated
	// voter weight crosses Threshold(). Callers schedule a delayed
	// bootstrap attempt here, rechecking first whether the block has
	// since arrived (spec §4.5) — that recheck belongs to the bootstrap
	// coordinator, which has the store handle this cache does not.
	OnThreshold func(hash types.Hash)

	scheduled map[types.Hash]bool
}

// New constructs an empty Cache. threshold and onThreshold may be nil for
// tests that only exercise Add/Len.
func New(threshold func() types.Amount, onThreshold func(types.Hash)) *Cache {
	return &Cache{
		entries:     make(map[types.Hash]*entry),
		Threshold:   threshold,
		OnThreshold: onThreshold,
		scheduled:   make(map[types.Hash]bool),
	}
}

// Add inserts hash if absent, or refreshes its arrival time if present,
// evicting the oldest entry first if the cache is at capacity.
func (c *Cache) Add(hash types.Hash, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[hash]; ok {
		e.arrival = now
		c.reorder(hash)
		return
	}
	if len(c.entries) >= Capacity {
		c.evictOldestLocked()
	}
	c.entries[hash] = &entry{arrival: now, voters: make(map[types.Account]struct{})}
	c.order = append(c.order, hash)
}

// reorder moves hash to the end of the arrival-order slice after its
// arrival time was refreshed.
func (c *Cache) reorder(hash types.Hash) {
	for i, h := range c.order {
		if h == hash {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, hash)
}

func (c *Cache) evictOldestLocked() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
	delete(c.scheduled, oldest)
}

// Vote records the voter behind every hash in v that the cache is tracking,
// and fires OnThreshold the first time a tracked hash's accumulated voter
// weight crosses Threshold (spec §4.5).
func (c *Cache) Vote(v *types.Vote, weightOf WeightFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, hash := range v.HashList() {
		e, ok := c.entries[hash]
		if !ok {
			continue
		}
		e.voters[v.Account] = struct{}{}
		if c.scheduled[hash] {
			continue
		}
		total := types.ZeroAmount
		for voter := range e.voters {
			w, err := weightOf(voter)
			if err != nil {
				return err
			}
			total, err = total.Add(w)
			if err != nil {
				return err
			}
		}
		if c.Threshold == nil {
			continue
		}
		if total.Cmp(c.Threshold()) >= 0 {
			c.scheduled[hash] = true
			if c.OnThreshold != nil {
				c.OnThreshold(hash)
			}
		}
	}
	return nil
}

// Remove drops hash from the cache, used once the block has actually
// arrived and the gap is resolved.
func (c *Cache) Remove(hash types.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[hash]; !ok {
		return
	}
	delete(c.entries, hash)
	delete(c.scheduled, hash)
	for i, h := range c.order {
		if h == hash {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len reports how many gaps are currently tracked.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
