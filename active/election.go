// Package active implements the bounded set of live elections (spec §4.7):
// one per competing block root, tallying representative-weighted
// votes until quorum confirms a winner or capacity pressure evicts it.
package active

import (
	"sync"
	"time"

	"github.com/tolelom/latticenode/types"
)

// voteRecord is the latest (sequence, chosen hash) recorded for one voter,
// mirroring spec §3.8's `last_votes`.
type voteRecord struct {
	sequence uint64
	hash     types.Hash
	at       time.Time
}

// Election is one live contest over a qualified root (spec §3.8): a set of
// candidate blocks competing to be the account's next committed block,
// tallied by representative weight as votes arrive.
type Election struct {
	mu sync.Mutex

	qualifiedRoot types.QualifiedRoot
	account       types.Account
	candidates    map[types.Hash]*types.Block
	lastVotes     map[types.Account]voteRecord
	tally         map[types.Hash]types.Amount

	difficulty         uint64
	adjustedDifficulty uint64
	dependentBlocks    []types.Hash

	confirmed bool
	stopped   bool

	confirmationRequestCount int
	started                  time.Time
}

func newElection(block *types.Block, difficulty uint64) *Election {
	hash := block.Hash()
	return &Election{
		qualifiedRoot: block.QualifiedRoot(),
		candidates:    map[types.Hash]*types.Block{hash: block},
		lastVotes:     make(map[types.Account]voteRecord),
		tally:         make(map[types.Hash]types.Amount),
		difficulty:    difficulty,
		started:       time.Now(),
	}
}

// addCandidate registers a new block as a competitor for this root (spec
// §4.7 "Publish"). Existing tallies whose hash now matches a just-added
// candidate continue to count toward it unchanged, since tally is keyed by
// hash independent of whether the candidate was known yet.
func (e *Election) addCandidate(block *types.Block) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates[block.Hash()] = block
}

// recordVote applies one voter's ballot, returning the set of hashes whose
// tally changed (and so must be re-checked against quorum) and true if the
// vote was recorded, i.e. its sequence is newer than the voter's last one
// (a voter's first vote and a same-hash vote count as recorded too).
func (e *Election) recordVote(account types.Account, sequence uint64, hash types.Hash, weight types.Amount) (changed []types.Hash, applied bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, had := e.lastVotes[account]
	if had && sequence <= prev.sequence {
		return nil, false
	}
	e.lastVotes[account] = voteRecord{sequence: sequence, hash: hash, at: time.Now()}

	if had && prev.hash != hash {
		if cur, ok := e.tally[prev.hash]; ok {
			if next, err := cur.Sub(weight); err == nil {
				e.tally[prev.hash] = next
			}
			changed = append(changed, prev.hash)
		}
	}
	if !had || prev.hash != hash {
		cur := e.tally[hash]
		if next, err := cur.Add(weight); err == nil {
			e.tally[hash] = next
		}
		changed = append(changed, hash)
	}
	return changed, true
}

// weightFor returns the current tallied weight behind hash.
func (e *Election) weightFor(hash types.Hash) types.Amount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tally[hash]
}

// hasCandidate reports whether hash is a known candidate in this election.
func (e *Election) hasCandidate(hash types.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.candidates[hash]
	return ok
}

// winningBlock returns the candidate currently carrying the most weight, or
// nil if no votes have been tallied yet.
func (e *Election) winningBlock() (*types.Block, types.Amount) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var best types.Hash
	var bestWeight types.Amount
	found := false
	for h, w := range e.tally {
		if !found || w.Cmp(bestWeight) > 0 {
			best, bestWeight, found = h, w, true
		}
	}
	if !found {
		return nil, types.ZeroAmount
	}
	return e.candidates[best], bestWeight
}

func (e *Election) markConfirmed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.confirmed = true
	e.stopped = true
}

func (e *Election) isConfirmed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confirmed
}

func (e *Election) incrementRequests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.confirmationRequestCount++
	return e.confirmationRequestCount
}

func (e *Election) confirmationRequestCountSnapshot() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confirmationRequestCount
}

// candidatesSnapshot returns a shallow copy of the known candidate set.
func (e *Election) candidatesSnapshot() map[types.Hash]*types.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[types.Hash]*types.Block, len(e.candidates))
	for h, b := range e.candidates {
		out[h] = b
	}
	return out
}

// tallySnapshot returns a shallow copy of the current hash->weight tally.
func (e *Election) tallySnapshot() map[types.Hash]types.Amount {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[types.Hash]types.Amount, len(e.tally))
	for h, w := range e.tally {
		out[h] = w
	}
	return out
}

func (e *Election) setAdjustedDifficulty(d uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adjustedDifficulty = d
}

func (e *Election) getAdjustedDifficulty() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adjustedDifficulty
}

func (e *Election) setDependentBlocks(deps []types.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dependentBlocks = deps
}

func (e *Election) getDependentBlocks() []types.Hash {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Hash, len(e.dependentBlocks))
	copy(out, e.dependentBlocks)
	return out
}

// Status is a snapshot of an election's terminal state, recorded into the
// confirmed-elections history ring (spec §4.7 "Termination").
type Status struct {
	Winner     *types.Block
	Tally      map[types.Hash]types.Amount
	EndUnix    int64
	DurationMs int64
}
