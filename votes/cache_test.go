package votes

import (
	"testing"

	"github.com/tolelom/latticenode/types"
)

func TestCacheEvictsOldestAtCapacity(t *testing.T) {
	c := NewCache(2)
	h1, h2, h3 := types.Hash{1}, types.Hash{2}, types.Hash{3}

	c.Add(&types.Vote{Account: types.Account{}, Sequence: 1, Hashes: []types.Hash{h1}})
	c.Add(&types.Vote{Account: types.Account{}, Sequence: 1, Hashes: []types.Hash{h2}})
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	c.Add(&types.Vote{Account: types.Account{}, Sequence: 1, Hashes: []types.Hash{h3}})
	if c.Len() != 2 {
		t.Fatalf("len after eviction = %d, want 2", c.Len())
	}
	if votes := c.Get(h1); len(votes) != 0 {
		t.Fatalf("h1 should have been evicted, got %d votes", len(votes))
	}
	if votes := c.Get(h3); len(votes) != 1 {
		t.Fatalf("h3 votes = %d, want 1", len(votes))
	}
}

func TestCacheGetReturnsCopy(t *testing.T) {
	c := NewCache(4)
	h := types.Hash{9}
	c.Add(&types.Vote{Account: types.Account{}, Sequence: 1, Hashes: []types.Hash{h}})
	votes := c.Get(h)
	votes[0] = nil
	if c.Get(h)[0] == nil {
		t.Fatal("mutating the returned slice mutated the cache")
	}
}
