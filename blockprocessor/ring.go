package blockprocessor

import "github.com/tolelom/latticenode/types"

// ring is a fixed-capacity set of recently rolled-back hashes (spec §4.6
// step 3: "record rolled-back hashes in a bounded ring ... to prevent
// immediate re-entry"). Oldest entries fall off as new ones are added past
// capacity.
type ring struct {
	cap   int
	items []types.Hash
	set   map[types.Hash]struct{}
}

func newRing(capacity int) *ring {
	return &ring{cap: capacity, set: make(map[types.Hash]struct{}, capacity)}
}

func (r *ring) add(h types.Hash) {
	if _, ok := r.set[h]; ok {
		return
	}
	if len(r.items) >= r.cap {
		oldest := r.items[0]
		r.items = r.items[1:]
		delete(r.set, oldest)
	}
	r.items = append(r.items, h)
	r.set[h] = struct{}{}
}

func (r *ring) contains(h types.Hash) bool {
	_, ok := r.set[h]
	return ok
}
