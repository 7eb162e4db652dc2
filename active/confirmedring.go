package active

import "sync"

// confirmedRing is a bounded FIFO history of terminated elections (spec
// §4.7 "Termination": "move to the bounded confirmed deque, capacity =
// confirmation_history_size"). The oldest entry is evicted once capacity is
// reached, the same eviction discipline gapcache.Cache and votes.Cache use.
type confirmedRing struct {
	mu       sync.Mutex
	capacity int
	items    []Status
}

func newConfirmedRing(capacity int) *confirmedRing {
	if capacity <= 0 {
		capacity = 2048
	}
	return &confirmedRing{capacity: capacity}
}

func (r *confirmedRing) push(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) >= r.capacity {
		r.items = r.items[1:]
	}
	r.items = append(r.items, s)
}

func (r *confirmedRing) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.items))
	copy(out, r.items)
	return out
}

func (r *confirmedRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
