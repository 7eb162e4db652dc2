// Package frontiers maintains a secondary index of each account's
// uncemented-block backlog (known chain height minus confirmed height),
// subscribed to block-processor and confirmation-height events. Active's
// periodic frontier scan (spec §4.7 point 4: "periodically iterate account
// frontiers, prioritized by uncemented-block count, and start elections for
// unconfirmed heads, to recover from packet loss") reads Scan's output to
// pick which accounts to re-request votes for.
package frontiers

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/tolelom/latticenode/events"
	"github.com/tolelom/latticenode/ledger"
	"github.com/tolelom/latticenode/store"
	"github.com/tolelom/latticenode/types"
)

type entry struct {
	head            types.Hash
	knownHeight     uint64
	confirmedHeight uint64
}

// Tracker is the uncemented-backlog index (spec §4.7 point 4), kept live
// by subscribing to commit/confirmation events rather than rescanning.
type Tracker struct {
	mu        sync.Mutex
	byAccount map[types.Account]*entry
}

// New constructs a Tracker and subscribes it to emitter, mirroring the
// teacher indexer's constructor-time Subscribe calls.
func New(emitter *events.Emitter) *Tracker {
	t := &Tracker{byAccount: make(map[types.Account]*entry)}
	emitter.Subscribe(events.EventBlockProcessed, t.onBlockProcessed)
	emitter.Subscribe(events.EventConfirmationAdvanced, t.onConfirmationAdvanced)
	return t
}

func (t *Tracker) entryFor(account types.Account) *entry {
	e, ok := t.byAccount[account]
	if !ok {
		e = &entry{}
		t.byAccount[account] = e
	}
	return e
}

func (t *Tracker) onBlockProcessed(ev events.Event) {
	account, _ := ev.Data["account"].(types.Account)
	head, _ := ev.Data["hash"].(types.Hash)
	height, _ := ev.Data["height"].(uint64)
	if account.IsZero() || height == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryFor(account)
	if height > e.knownHeight {
		e.knownHeight = height
		e.head = head
	}
}

func (t *Tracker) onConfirmationAdvanced(ev events.Event) {
	account, _ := ev.Data["account"].(types.Account)
	height, _ := ev.Data["height"].(uint64)
	if account.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryFor(account)
	if height > e.confirmedHeight {
		e.confirmedHeight = height
	}
}

// Candidate is one account with an uncemented backlog, surfaced by Scan.
type Candidate struct {
	Account types.Account
	Head    types.Hash
	Backlog uint64
}

// Scan returns up to limit accounts with a nonzero uncemented backlog,
// ordered by backlog size descending (spec §4.7 point 4).
func (t *Tracker) Scan(limit int) []Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Candidate, 0, len(t.byAccount))
	for acc, e := range t.byAccount {
		if e.knownHeight <= e.confirmedHeight {
			continue
		}
		out = append(out, Candidate{Account: acc, Head: e.head, Backlog: e.knownHeight - e.confirmedHeight})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Backlog != out[j].Backlog {
			return out[i].Backlog > out[j].Backlog
		}
		return out[i].Account.String() < out[j].Account.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// LoadFromLedger rebuilds the tracker's state from the ledger's persisted
// accounts and confirmation-height tables. Called once at startup, before
// any runtime events have been observed, so the first periodic scan after a
// restart is already accurate rather than waiting for activity to rebuild it
// (spec §4.7 point 4's recovery role would otherwise be blind immediately
// after the restart it exists to recover from).
func (t *Tracker) LoadFromLedger(r store.Reader) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byAccount = make(map[types.Account]*entry)

	var loadErr error
	err := ledger.IterateFrontiers(r, types.Account{}, func(f ledger.Frontier) bool {
		info, err := ledger.LoadAccountInfo(r, f.Account)
		if err != nil {
			loadErr = fmt.Errorf("frontiers: load account %s: %w", f.Account, err)
			return false
		}
		confirmed, err := ledger.LoadConfirmationHeight(r, f.Account)
		if err != nil {
			loadErr = fmt.Errorf("frontiers: load confirmation height %s: %w", f.Account, err)
			return false
		}
		t.byAccount[f.Account] = &entry{
			head:            info.Head,
			knownHeight:     info.BlockCount,
			confirmedHeight: confirmed,
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("frontiers: iterate accounts: %w", err)
	}
	return loadErr
}

// Flush persists the current per-account backlog into store.TableFrontiers
// as a precomputed cache (account -> big-endian backlog count). This is a
// cache, not the source of truth: a restart always rebuilds via
// LoadFromLedger, which alone reflects the ledger's actual committed state.
func (t *Tracker) Flush(db store.DB) error {
	t.mu.Lock()
	snapshot := make(map[types.Account]uint64, len(t.byAccount))
	for acc, e := range t.byAccount {
		if e.knownHeight > e.confirmedHeight {
			snapshot[acc] = e.knownHeight - e.confirmedHeight
		}
	}
	t.mu.Unlock()

	w := db.BeginWrite()
	defer w.Discard()
	for acc, backlog := range snapshot {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], backlog)
		if err := w.Put(store.TableFrontiers, acc[:], v[:]); err != nil {
			return fmt.Errorf("frontiers: persist %s: %w", acc, err)
		}
	}
	return w.Commit()
}
