package gapcache

import (
	"testing"
	"time"

	"github.com/tolelom/latticenode/types"
)

func TestAddEvictsOldestAtCapacity(t *testing.T) {
	c := New(nil, nil)
	base := time.Unix(0, 0)
	for i := 0; i < Capacity+1; i++ {
		var h types.Hash
		h[0] = byte(i)
		h[1] = byte(i >> 8)
		c.Add(h, base.Add(time.Duration(i)*time.Second))
	}
	if c.Len() != Capacity {
		t.Fatalf("len = %d, want %d", c.Len(), Capacity)
	}
	var first types.Hash
	if _, ok := c.entries[first]; ok {
		t.Fatal("oldest entry should have been evicted")
	}
}

func TestVoteFiresOnThresholdOnce(t *testing.T) {
	var firings int
	var firedHash types.Hash
	threshold := func() types.Amount { return types.NewAmount(100) }
	onThreshold := func(h types.Hash) { firings++; firedHash = h }
	c := New(threshold, onThreshold)

	target := types.Hash{0x42}
	c.Add(target, time.Now())

	voterA := types.Account{1}
	voterB := types.Account{2}
	weights := map[types.Account]types.Amount{
		voterA: types.NewAmount(60),
		voterB: types.NewAmount(60),
	}
	weightOf := func(a types.Account) (types.Amount, error) { return weights[a], nil }

	v1 := &types.Vote{Account: voterA, Hashes: []types.Hash{target}}
	if err := c.Vote(v1, weightOf); err != nil {
		t.Fatal(err)
	}
	if firings != 0 {
		t.Fatalf("threshold fired early after one voter (60 < 100)")
	}

	v2 := &types.Vote{Account: voterB, Hashes: []types.Hash{target}}
	if err := c.Vote(v2, weightOf); err != nil {
		t.Fatal(err)
	}
	if firings != 1 || firedHash != target {
		t.Fatalf("expected exactly one firing for %x, got %d firings", target, firings)
	}

	// A duplicate vote from an already-counted voter must not re-fire.
	if err := c.Vote(v2, weightOf); err != nil {
		t.Fatal(err)
	}
	if firings != 1 {
		t.Fatalf("threshold re-fired on a duplicate vote")
	}
}

func TestRemove(t *testing.T) {
	c := New(nil, nil)
	h := types.Hash{1}
	c.Add(h, time.Now())
	c.Remove(h)
	if c.Len() != 0 {
		t.Fatalf("len = %d after remove, want 0", c.Len())
	}
}
