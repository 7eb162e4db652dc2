package types

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// MaxVoteHashes is the largest number of hashes a single hash-list vote may
// carry (spec §3.7, §8).
const MaxVoteHashes = 12

// voteHashDomain domain-separates hash-list vote hashing from block hashing
// so a vote payload can never be replayed as if it were a block signature,
// and vice versa (spec §3.7).
var voteHashDomain = []byte("vote ")

// Vote is either a single full block (an "final"-style vote for a brand new
// block) or a list of up to MaxVoteHashes block hashes the voter currently
// favors (spec §3.7).
type Vote struct {
	Account   Account
	Sequence  uint64
	Signature Signature

	// Exactly one of Block / Hashes is populated.
	Block  *Block
	Hashes []Hash
}

// NewHashListVote builds a hash-list vote, rejecting oversized lists at
// construction time (spec §8 boundary case).
func NewHashListVote(account Account, sequence uint64, hashes []Hash) (*Vote, error) {
	if len(hashes) == 0 {
		return nil, errors.New("types: vote must carry at least one hash")
	}
	if len(hashes) > MaxVoteHashes {
		return nil, errors.New("types: vote carries more than 12 hashes")
	}
	cp := make([]Hash, len(hashes))
	copy(cp, hashes)
	return &Vote{Account: account, Sequence: sequence, Hashes: cp}, nil
}

// NewBlockVote builds a full-block vote.
func NewBlockVote(account Account, sequence uint64, block *Block) *Vote {
	return &Vote{Account: account, Sequence: sequence, Block: block}
}

// HashList returns the set of hashes this vote refers to: the block's own
// hash for a full-block vote, or the carried list for a hash-list vote.
func (v *Vote) HashList() []Hash {
	if v.Block != nil {
		return []Hash{v.Block.Hash()}
	}
	return v.Hashes
}

// Hash returns the digest that Signature is computed over. Hash-list votes
// are domain-separated with the "vote " prefix (spec §3.7); full-block
// votes sign the block hash directly, matching a `confirm_ack` that carries
// one block under the wire header's block-type extension.
func (v *Vote) Hash() Hash {
	h, _ := blake2b.New256(nil)
	if v.Block == nil {
		h.Write(voteHashDomain)
	}
	for _, hash := range v.HashList() {
		h.Write(hash[:])
	}
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], v.Sequence)
	h.Write(seq[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// FullHash returns the digest over the signed payload plus the voting
// account, used to deduplicate identical votes irrespective of signer
// identity bugs (spec §8 round-trip property: "Vote (de)serialize preserves
// hash() and full_hash()").
func (v *Vote) FullHash() Hash {
	h, _ := blake2b.New256(nil)
	hv := v.Hash()
	h.Write(hv[:])
	h.Write(v.Account[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Supersedes reports whether v (from the same account) should replace
// other: a strictly higher sequence wins (spec §3.7, §8 invariant 4).
func (v *Vote) Supersedes(other *Vote) bool {
	return v.Sequence > other.Sequence
}
